package vmconfig

import (
	"crypto/sha256"
	"encoding/json"
)

// Identity is the projection of a Config onto the fields whose change
// invalidates previously derived per-instance secrets. CPU count and memory
// are deliberately absent: they never affect identity.
type Identity struct {
	DebugLevel          DebugLevel `json:"debug_level"`
	PayloadBinaryPath   string     `json:"payload_binary_path"`
	PayloadConfigPath   string     `json:"payload_config_path"`
	ProtectedVm         bool       `json:"protected_vm"`
	ApkPath             string     `json:"apk_path,omitempty"`
	EncryptedStorageKib int        `json:"encrypted_storage_kib,omitempty"`
}

// IdentityPolicy selects which of the non-principled fields participate in
// identity. Apk path and encrypted storage size are treated as
// identity-breaking by the conservative default; that is an implementation
// limitation rather than a security requirement, so it is policy rather than
// a hardcoded invariant.
type IdentityPolicy struct {
	ApkPathBreaksIdentity          bool
	EncryptedStorageBreaksIdentity bool
}

// ConservativePolicy is the default: every tracked field breaks identity.
func ConservativePolicy() IdentityPolicy {
	return IdentityPolicy{
		ApkPathBreaksIdentity:          true,
		EncryptedStorageBreaksIdentity: true,
	}
}

// Identity projects the config onto its identity-affecting fields under the
// given policy.
func (c Config) Identity(policy IdentityPolicy) Identity {
	id := Identity{
		DebugLevel:        c.debugLevel,
		PayloadBinaryPath: c.payloadBinaryPath,
		PayloadConfigPath: c.payloadConfigPath,
		ProtectedVm:       c.protectedVm,
	}
	if policy.ApkPathBreaksIdentity {
		id.ApkPath = c.apkPath
	}
	if policy.EncryptedStorageBreaksIdentity {
		id.EncryptedStorageKib = c.encryptedStorageKib
	}
	return id
}

// Compatible reports whether two configs may be used interchangeably against
// the same persisted VM state.
func Compatible(a, b Config, policy IdentityPolicy) bool {
	return a.Identity(policy) == b.Identity(policy)
}

// Digest returns a stable hash of the identity, suitable for binding derived
// secrets to it.
func (id Identity) Digest() [32]byte {
	// Field order in the struct is fixed, so the JSON encoding is canonical.
	data, err := json.Marshal(id)
	if err != nil {
		// Identity holds only strings, ints and bools; Marshal cannot fail.
		panic(err)
	}
	return sha256.Sum256(data)
}
