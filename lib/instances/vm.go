package instances

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/nrednav/cuid2"

	"github.com/substratehq/substrate/lib/events"
	"github.com/substratehq/substrate/lib/image"
	"github.com/substratehq/substrate/lib/logger"
	"github.com/substratehq/substrate/lib/runtime"
	"github.com/substratehq/substrate/lib/vmconfig"
)

// VM is the live handle for one stored VM. The manager hands out one handle
// per name; a handle that saw its VM deleted stays deleted forever, even if
// the name is later reused.
type VM struct {
	name string
	m    *Manager

	mu        sync.Mutex
	cfg       vmconfig.Config
	state     State
	session   runtime.Session
	ch        *events.Channel
	bootNonce string
}

func newVM(m *Manager, name string, cfg vmconfig.Config) *VM {
	return &VM{
		name:  name,
		m:     m,
		cfg:   cfg,
		state: StateStopped,
	}
}

// Name returns the VM's name within its owning context.
func (vm *VM) Name() string { return vm.name }

// Config returns the current config.
func (vm *VM) Config() vmconfig.Config {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.cfg
}

// Status returns the current lifecycle state.
func (vm *VM) Status() State {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.state
}

func (vm *VM) stateError(wanted State) error {
	switch vm.state {
	case StateDeleted:
		return fmt.Errorf("%w: deleted", ErrInvalidState)
	case StateRunning:
		if wanted != StateRunning {
			return fmt.Errorf("%w: not in stopped state", ErrInvalidState)
		}
	case StateStopped:
		if wanted != StateStopped {
			return fmt.Errorf("%w: not in running state", ErrInvalidState)
		}
	}
	return nil
}

// Run boots the VM and returns the event channel of this run. The channel
// carries the ordered boot events and terminates with exactly one Stopped
// event, after which the handle is stopped again.
func (vm *VM) Run(ctx context.Context) (*events.Channel, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.stateError(StateStopped); err != nil {
		return nil, err
	}

	storagePath := ""
	if vm.cfg.EncryptedStorageEnabled() {
		storagePath = vm.m.paths.VMStorageImage(vm.name)
	}
	nonce := cuid2.Generate()
	ch := events.NewChannel()
	// The run is owned by the handle, not the caller: cancellation reaches it
	// only through Stop and ForceStop.
	sess, err := vm.m.rt.Start(context.WithoutCancel(ctx), runtime.StartSpec{
		Name:        vm.name,
		Config:      vm.cfg,
		ImagePath:   vm.m.paths.VMInstanceImage(vm.name),
		StoragePath: storagePath,
		SealingKey:  vm.m.sealingKey,
		BootNonce:   nonce,
	}, ch)
	if err != nil {
		return nil, fmt.Errorf("start vm %q: %w", vm.name, err)
	}

	vm.state = StateRunning
	vm.session = sess
	vm.ch = ch
	vm.bootNonce = nonce
	vm.m.metrics.recordTransition(ctx, vm.m.octx, StateStopped, StateRunning)
	logger.FromContext(ctx).InfoContext(ctx, "vm running",
		"context", vm.m.octx.String(), "vm", vm.name)

	go vm.watch(ch)
	return ch, nil
}

// watch returns the handle to stopped once the run's terminal event lands,
// whatever caused it.
func (vm *VM) watch(ch *events.Channel) {
	<-ch.Done()
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.ch != ch {
		// A later run superseded this one; nothing to unwind.
		return
	}
	vm.session = nil
	vm.ch = nil
	if vm.state == StateRunning {
		vm.state = StateStopped
	}
}

// Stop requests a graceful shutdown and waits for the run to end. Stopping a
// VM that is already stopped is a no-op.
func (vm *VM) Stop(ctx context.Context) error {
	vm.mu.Lock()
	if vm.state == StateDeleted {
		vm.mu.Unlock()
		return fmt.Errorf("%w: deleted", ErrInvalidState)
	}
	sess := vm.session
	vm.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Stop(ctx)
}

// ForceStop tears the run down without giving the payload a chance to finish.
func (vm *VM) ForceStop(ctx context.Context) error {
	vm.mu.Lock()
	if vm.state == StateDeleted {
		vm.mu.Unlock()
		return fmt.Errorf("%w: deleted", ErrInvalidState)
	}
	sess := vm.session
	vm.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Kill(ctx)
}

// SetConfig replaces the config of a stopped VM. The new config must be
// compatible with the old one under the manager's identity policy; an
// incompatible config would silently invalidate derived secrets, so it is
// rejected with vmconfig.ErrIncompatible.
func (vm *VM) SetConfig(ctx context.Context, cfg vmconfig.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.stateError(StateStopped); err != nil {
		return err
	}
	if !vmconfig.Compatible(vm.cfg, cfg, vm.m.policy) {
		return fmt.Errorf("%w: config changes the instance identity", vmconfig.ErrIncompatible)
	}
	if err := vm.m.saveConfig(vm.name, cfg); err != nil {
		return err
	}
	vm.cfg = cfg
	return nil
}

// Connect opens a byte stream to the given guest port. Only running VMs
// accept connections.
func (vm *VM) Connect(ctx context.Context, port uint32) (net.Conn, error) {
	vm.mu.Lock()
	if err := vm.stateError(StateRunning); err != nil {
		vm.mu.Unlock()
		return nil, err
	}
	sess := vm.session
	vm.mu.Unlock()
	return sess.DialGuest(ctx, port)
}

// InstanceSecret derives the VM's stable per-instance secret. Callers must
// present a grant obtained from Manager.GrantSecretAccess for this VM.
func (vm *VM) InstanceSecret(ctx context.Context, grant string) ([]byte, error) {
	if err := vm.m.verifyGrant(grant, vm.name); err != nil {
		return nil, err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.state == StateDeleted {
		return nil, fmt.Errorf("%w: deleted", ErrInvalidState)
	}
	im := image.Open(vm.m.paths.VMInstanceImage(vm.name))
	digest := vm.cfg.Identity(vm.m.policy).Digest()
	secret, err := im.InstanceSecret(vm.m.sealingKey, digest)
	if err != nil {
		return nil, err
	}
	vm.m.metrics.recordSecretDerivation(ctx, vm.m.octx)
	return secret, nil
}

// AttestationChain returns the boot certificate chain for the VM's current
// state. The chain folds in a per-boot nonce, so it is not stable across
// boots. Callers must present a grant for this VM.
func (vm *VM) AttestationChain(ctx context.Context, grant string) ([]byte, error) {
	if err := vm.m.verifyGrant(grant, vm.name); err != nil {
		return nil, err
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.state == StateDeleted {
		return nil, fmt.Errorf("%w: deleted", ErrInvalidState)
	}
	nonce := vm.bootNonce
	if nonce == "" {
		nonce = cuid2.Generate()
	}
	im := image.Open(vm.m.paths.VMInstanceImage(vm.name))
	return im.AttestationChain(vm.m.sealingKey, vm.cfg.ProtectedVm(), nonce)
}

// deleteUnder removes the VM's directory and flips the handle to deleted,
// holding vm.mu across both so no Run can slip between the precondition
// check and the removal.
func (vm *VM) deleteUnder(dir string) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.state == StateRunning {
		return fmt.Errorf("%w: not in stopped state", ErrInvalidState)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete vm dir: %w", err)
	}
	vm.state = StateDeleted
	vm.session = nil
	vm.ch = nil
	return nil
}
