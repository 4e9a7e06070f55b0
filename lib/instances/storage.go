package instances

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"

	"github.com/substratehq/substrate/lib/vmconfig"
)

// saveConfig persists the config record. The write goes through a temp file
// so a crash never leaves a half-written record behind.
func (m *Manager) saveConfig(name string, cfg vmconfig.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path := m.paths.VMConfig(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// loadConfig reads the persisted config record. found is false when no VM
// exists under the name.
func (m *Manager) loadConfig(name string) (cfg vmconfig.Config, found bool, err error) {
	data, err := os.ReadFile(m.paths.VMConfig(name))
	if err != nil {
		if os.IsNotExist(err) {
			return vmconfig.Config{}, false, nil
		}
		return vmconfig.Config{}, false, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return vmconfig.Config{}, false, fmt.Errorf("decode config for %q: %w", name, err)
	}
	return cfg, true, nil
}

// createStorageImage allocates the encrypted storage backing file as a sparse
// file of the configured size.
func (m *Manager) createStorageImage(name string, kib int) error {
	size := datasize.KB.Bytes() * uint64(kib)
	f, err := os.OpenFile(m.paths.VMStorageImage(name), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("create storage image: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(size)); err != nil {
		return fmt.Errorf("size storage image: %w", err)
	}
	return nil
}
