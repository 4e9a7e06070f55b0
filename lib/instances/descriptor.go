package instances

import (
	"fmt"
	"os"
)

// Descriptor is the portable export of one stopped VM: the raw bytes of its
// persisted files. Importing a descriptor restores those files unchanged, so
// an imported VM is indistinguishable from its source down to the derived
// instance secret.
type Descriptor struct {
	Config           []byte `json:"config"`
	InstanceImage    []byte `json:"instance_image"`
	EncryptedStorage []byte `json:"encrypted_storage,omitempty"`
}

// ToDescriptor exports the VM. Only stopped VMs can be exported; a running
// VM's files are in flux.
func (vm *VM) ToDescriptor() (*Descriptor, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if err := vm.stateError(StateStopped); err != nil {
		return nil, err
	}

	cfg, err := os.ReadFile(vm.m.paths.VMConfig(vm.name))
	if err != nil {
		return nil, fmt.Errorf("export config: %w", err)
	}
	img, err := os.ReadFile(vm.m.paths.VMInstanceImage(vm.name))
	if err != nil {
		return nil, fmt.Errorf("export instance image: %w", err)
	}
	desc := &Descriptor{Config: cfg, InstanceImage: img}

	if vm.cfg.EncryptedStorageEnabled() {
		storage, err := os.ReadFile(vm.m.paths.VMStorageImage(vm.name))
		if err != nil {
			return nil, fmt.Errorf("export encrypted storage: %w", err)
		}
		desc.EncryptedStorage = storage
	}
	return desc, nil
}
