package image

import (
	"crypto/sha256"
	"fmt"
	"io"
	"sort"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

// deriveKey expands the sealing key into a purpose-bound subkey.
func deriveKey(sealingKey, salt []byte, purpose string) []byte {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, sealingKey, salt, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-SHA256 cannot fail for a 32-byte read.
		panic(err)
	}
	return out
}

// measurementDigest folds the per-stage digests into one value, in sorted
// partition-id order. It is stable for as long as the measured partitions are
// unchanged.
func (l *ledger) measurementDigest() []byte {
	h := sha256.New()
	ids := make([]string, 0, len(l.Digests))
	for id := range l.Digests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write(l.Digests[id])
	}
	return h.Sum(nil)
}

// chainEntry is one certificate in the attestation chain.
type chainEntry struct {
	Subject string `cbor:"subject"`
	Issuer  string `cbor:"issuer"`
	Digest  []byte `cbor:"digest"`
	Nonce   string `cbor:"nonce"`
}

// AttestationChain derives the boot certificate chain for the current image
// state: a CBOR array holding the attestation root public key followed by one
// certificate per measured boot stage. A protected VM measures every chain
// stage individually; a non-protected VM collapses to a single guest OS
// entry. The boot nonce is folded into each certificate, so the chain is not
// stable across boots.
func (im *Image) AttestationChain(sealingKey []byte, protected bool, bootNonce string) ([]byte, error) {
	_, led, err := im.loadLedger(sealingKey)
	if err != nil {
		return nil, err
	}

	entries := []any{deriveKey(sealingKey, led.Salt, "attestation-root-key")}
	issuer := "attestation-root"
	for _, s := range stagesFor(protected) {
		if !s.measuredChain {
			continue
		}
		if !protected && s.name != "guest-os" {
			continue
		}
		cert, err := cbor.Marshal(chainEntry{
			Subject: s.name,
			Issuer:  issuer,
			Digest:  led.Digests[s.id.String()],
			Nonce:   bootNonce,
		})
		if err != nil {
			return nil, fmt.Errorf("encode %s certificate: %w", s.name, err)
		}
		entries = append(entries, cert)
		issuer = s.name
	}

	chain, err := cbor.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("encode attestation chain: %w", err)
	}
	return chain, nil
}

// InstanceSecret derives the stable per-instance secret. It binds the
// instance salt, the manager's sealing key, the measurement digest and the
// config identity digest, so it is stable across boots of an unchanged
// instance, distinct between instances even under bit-identical configs, and
// rotates when any identity-affecting field changes.
func (im *Image) InstanceSecret(sealingKey []byte, identityDigest [32]byte) ([]byte, error) {
	_, led, err := im.loadLedger(sealingKey)
	if err != nil {
		return nil, err
	}
	info := append([]byte("vm-instance-secret"), led.measurementDigest()...)
	info = append(info, identityDigest[:]...)
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, sealingKey, led.Salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive instance secret: %w", err)
	}
	return out, nil
}
