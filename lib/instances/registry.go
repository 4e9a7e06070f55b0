// Package instances is the durable VM store and lifecycle core. A Registry
// hands out one Manager per owning context; Managers own the per-context
// directory tree and the handles that gate every lifecycle operation.
package instances

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/substratehq/substrate/lib/paths"
	"github.com/substratehq/substrate/lib/runtime"
	"github.com/substratehq/substrate/lib/vmconfig"
)

// StorageClass selects the protection domain VM state lives under.
type StorageClass string

const (
	// CredentialProtected state is only available after user authentication.
	CredentialProtected StorageClass = "credential"
	// DeviceProtected state is available from device boot.
	DeviceProtected StorageClass = "device"
)

// OwningContext identifies who a VM belongs to. VMs are namespaced per
// context; equal names under different contexts are unrelated VMs.
type OwningContext struct {
	Class   StorageClass
	UserID  int
	Package string
}

func (o OwningContext) validate() error {
	switch o.Class {
	case CredentialProtected, DeviceProtected:
	default:
		return fmt.Errorf("unknown storage class %q", o.Class)
	}
	if o.UserID < 0 {
		return fmt.Errorf("negative user id %d", o.UserID)
	}
	if o.Package == "" {
		return fmt.Errorf("empty package")
	}
	return nil
}

func (o OwningContext) String() string {
	return fmt.Sprintf("%s/user-%d/%s", o.Class, o.UserID, o.Package)
}

const rootKeyFile = "substrate.key"

// Registry hands out Managers. It owns the storage root and the root sealing
// key every per-scope sealing key is derived from.
type Registry struct {
	root    string
	rt      runtime.Runtime
	policy  vmconfig.IdentityPolicy
	rootKey []byte

	mu       sync.Mutex
	managers map[OwningContext]*Manager
	metrics  *Metrics
}

// NewRegistry opens (or initializes) the storage root. The root key is
// created on first use and persisted with owner-only permissions.
func NewRegistry(root string, rt runtime.Runtime, policy vmconfig.IdentityPolicy) (*Registry, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	key, err := loadOrCreateRootKey(filepath.Join(root, rootKeyFile))
	if err != nil {
		return nil, err
	}
	return &Registry{
		root:     root,
		rt:       rt,
		policy:   policy,
		rootKey:  key,
		managers: map[OwningContext]*Manager{},
	}, nil
}

func loadOrCreateRootKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("root key %s has unexpected length %d", path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read root key: %w", err)
	}
	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("persist root key: %w", err)
	}
	return key, nil
}

// SetMetrics attaches metrics instruments to every manager the registry hands
// out, existing and future.
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = metrics
	for _, m := range r.managers {
		m.SetMetrics(metrics)
	}
}

// ManagerFor returns the Manager for an owning context, creating it on first
// use. Repeated calls with the same context return the same Manager.
func (r *Registry) ManagerFor(octx OwningContext) (*Manager, error) {
	if err := octx.validate(); err != nil {
		return nil, fmt.Errorf("invalid owning context: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.managers[octx]; ok {
		return m, nil
	}

	contextDir := filepath.Join(r.root,
		string(octx.Class), fmt.Sprintf("user-%d", octx.UserID), octx.Package)
	if err := os.MkdirAll(contextDir, 0o700); err != nil {
		return nil, fmt.Errorf("create context dir: %w", err)
	}

	m := &Manager{
		octx: octx,
		// Sealing keys are scoped to (class, user): packages of one user share
		// a protection domain, while identical VMs of different users derive
		// unrelated secrets.
		sealingKey: r.deriveScopeKey(octx.Class, octx.UserID, "vm-sealing-key"),
		grantKey:   r.deriveScopeKey(octx.Class, octx.UserID, "secret-access-grant"),
		paths:      paths.New(contextDir),
		rt:         r.rt,
		policy:     r.policy,
		metrics:    r.metrics,
		live:       map[string]*VM{},
	}
	r.managers[octx] = m
	return m, nil
}

// deriveScopeKey expands the root key into a purpose-bound per-scope subkey.
func (r *Registry) deriveScopeKey(class StorageClass, userID int, purpose string) []byte {
	salt := []byte(fmt.Sprintf("%s/user-%d", class, userID))
	out := make([]byte, 32)
	kr := hkdf.New(sha256.New, r.rootKey, salt, []byte(purpose))
	if _, err := io.ReadFull(kr, out); err != nil {
		// HKDF-SHA256 cannot fail for a 32-byte read.
		panic(err)
	}
	return out
}
