package instances

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/samber/lo"

	"github.com/substratehq/substrate/lib/image"
	"github.com/substratehq/substrate/lib/logger"
	"github.com/substratehq/substrate/lib/paths"
	"github.com/substratehq/substrate/lib/runtime"
	"github.com/substratehq/substrate/lib/vmconfig"
)

// Manager is the VM store of one owning context. All operations are atomic
// with respect to each other: precondition checks and the actions they guard
// run under one lock, so two racing creates of the same name yield exactly
// one winner.
type Manager struct {
	octx       OwningContext
	sealingKey []byte
	grantKey   []byte
	paths      *paths.Paths
	rt         runtime.Runtime
	policy     vmconfig.IdentityPolicy
	metrics    *Metrics

	mu   sync.Mutex
	live map[string]*VM
}

// Context returns the owning context this manager serves.
func (m *Manager) Context() OwningContext {
	return m.octx
}

// SetMetrics attaches metrics instruments. Safe to skip; a nil Metrics
// records nothing.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// validateName accepts exactly one safe path segment. Anything that could
// escape the per-context directory is rejected before any filesystem access.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// vmDir resolves the directory for a validated name, scoped below the
// context's vm directory even in the presence of hostile symlinks.
func (m *Manager) vmDir(name string) (string, error) {
	dir, err := securejoin.SecureJoin(m.paths.VMsDir(), name)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidName, name, err)
	}
	return dir, nil
}

// Create makes a new stopped VM under the given name. The name must be free;
// racing creates are serialized and the loser gets ErrAlreadyExists.
func (m *Manager) Create(ctx context.Context, name string, cfg vmconfig.Config) (*VM, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(ctx, name, cfg)
}

func (m *Manager) createLocked(ctx context.Context, name string, cfg vmconfig.Config) (*VM, error) {
	log := logger.FromContext(ctx)

	dir, err := m.vmDir(name)
	if err != nil {
		return nil, err
	}
	if _, ok := m.live[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	if dirExists(dir) {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vm dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	if err := m.saveConfig(name, cfg); err != nil {
		cleanup()
		return nil, err
	}
	if _, err := image.Create(m.paths.VMInstanceImage(name), m.sealingKey, cfg.ProtectedVm()); err != nil {
		cleanup()
		return nil, fmt.Errorf("create instance image: %w", err)
	}
	if cfg.EncryptedStorageEnabled() {
		if err := m.createStorageImage(name, cfg.EncryptedStorageKib()); err != nil {
			cleanup()
			return nil, err
		}
	}

	vm := newVM(m, name, cfg)
	m.live[name] = vm
	m.metrics.recordCreate(ctx, m.octx)
	log.InfoContext(ctx, "created vm", "context", m.octx.String(), "vm", name)
	return vm, nil
}

// Get returns the handle for an existing VM, or (nil, nil) when no VM exists
// under the name. Repeated calls return the same handle until it is deleted.
func (m *Manager) Get(ctx context.Context, name string) (*VM, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(name)
}

func (m *Manager) getLocked(name string) (*VM, error) {
	if vm, ok := m.live[name]; ok {
		return vm, nil
	}
	cfg, found, err := m.loadConfig(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	vm := newVM(m, name, cfg)
	m.live[name] = vm
	return vm, nil
}

// GetOrCreate returns the existing VM under the name or creates one with the
// given config. The lookup and the create are one atomic step.
func (m *Manager) GetOrCreate(ctx context.Context, name string, cfg vmconfig.Config) (*VM, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if vm, err := m.getLocked(name); err != nil || vm != nil {
		return vm, err
	}
	return m.createLocked(ctx, name, cfg)
}

// List returns the names of all VMs in this context, sorted.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.paths.VMsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list vms: %w", err)
	}
	names := lo.FilterMap(entries, func(e os.DirEntry, _ int) (string, bool) {
		if !e.IsDir() {
			return "", false
		}
		_, err := os.Stat(m.paths.VMConfig(e.Name()))
		return e.Name(), err == nil
	})
	sort.Strings(names)
	return names, nil
}

// Delete removes a stopped VM and all of its persisted state. The handle, if
// one is live, becomes deleted; later deletes of the same name report
// ErrNotFound just like deletes of names that never existed.
func (m *Manager) Delete(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir, err := m.vmDir(name)
	if err != nil {
		return err
	}
	if !dirExists(dir) {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if vm := m.live[name]; vm != nil {
		// The precondition check and the removal must be one step, or a
		// racing Run could boot out of a directory being torn down.
		if err := vm.deleteUnder(dir); err != nil {
			return err
		}
		delete(m.live, name)
	} else if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete vm dir: %w", err)
	}
	m.metrics.recordDelete(ctx, m.octx)
	logger.FromContext(ctx).InfoContext(ctx, "deleted vm",
		"context", m.octx.String(), "vm", name)
	return nil
}

// ImportFromDescriptor materializes a VM under a new name from an exported
// descriptor. The restored files are byte-identical to the exported ones, so
// the imported VM derives the same instance secret as its source.
func (m *Manager) ImportFromDescriptor(ctx context.Context, name string, desc *Descriptor) (*VM, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	var cfg vmconfig.Config
	if err := json.Unmarshal(desc.Config, &cfg); err != nil {
		return nil, fmt.Errorf("descriptor config: %w", err)
	}
	if len(desc.InstanceImage) == 0 {
		return nil, fmt.Errorf("%w: descriptor carries no instance image", vmconfig.ErrConfig)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir, err := m.vmDir(name)
	if err != nil {
		return nil, err
	}
	if _, ok := m.live[name]; ok {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}
	if dirExists(dir) {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyExists, name)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vm dir: %w", err)
	}
	cleanup := func() { _ = os.RemoveAll(dir) }

	if err := os.WriteFile(m.paths.VMConfig(name), desc.Config, 0o600); err != nil {
		cleanup()
		return nil, fmt.Errorf("restore config: %w", err)
	}
	if err := os.WriteFile(m.paths.VMInstanceImage(name), desc.InstanceImage, 0o600); err != nil {
		cleanup()
		return nil, fmt.Errorf("restore instance image: %w", err)
	}
	if len(desc.EncryptedStorage) > 0 {
		if err := os.WriteFile(m.paths.VMStorageImage(name), desc.EncryptedStorage, 0o600); err != nil {
			cleanup()
			return nil, fmt.Errorf("restore encrypted storage: %w", err)
		}
	}

	vm := newVM(m, name, cfg)
	m.live[name] = vm
	logger.FromContext(ctx).InfoContext(ctx, "imported vm",
		"context", m.octx.String(), "vm", name)
	return vm, nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
