// Package vmconfig defines the immutable configuration of a virtual machine
// instance and the identity rules that decide whether two configs may share
// persisted VM state.
package vmconfig

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// DebugLevel controls how much of the guest is exposed for debugging.
type DebugLevel string

const (
	// DebugNone produces a non-debuggable VM.
	DebugNone DebugLevel = "none"
	// DebugFull enables the full debug surface (console, shell access).
	DebugFull DebugLevel = "full"
)

// Config is an immutable, validated VM configuration. Build one with Builder;
// the zero value is not usable.
type Config struct {
	apkPath             string
	payloadBinaryPath   string
	payloadConfigPath   string
	debugLevel          DebugLevel
	numCpus             int
	memoryMib           int
	protectedVm         bool
	encryptedStorageKib int
}

// Builder accumulates config fields and validates them at Build time.
// Setter-level violations are recorded and reported by Build; the first
// violation wins.
type Builder struct {
	cfg          Config
	protectedSet bool
	err          error
}

// NewBuilder returns a builder whose apk path defaults to the calling
// package's code path.
func NewBuilder(packageCodePath string) *Builder {
	b := &Builder{}
	b.cfg.debugLevel = DebugNone
	b.cfg.numCpus = 1
	b.setApkPath(packageCodePath)
	return b
}

func (b *Builder) fail(format string, args ...any) *Builder {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
	}
	return b
}

func (b *Builder) setApkPath(path string) *Builder {
	if path == "" {
		return b.fail("apk path must not be empty")
	}
	if !filepath.IsAbs(path) {
		return b.fail("apk path must be absolute: %q", path)
	}
	b.cfg.apkPath = path
	return b
}

// SetApkPath overrides the package whose contents are mounted into the guest.
func (b *Builder) SetApkPath(path string) *Builder {
	return b.setApkPath(path)
}

// SetPayloadBinaryPath selects an entry binary, relative to the apk contents.
func (b *Builder) SetPayloadBinaryPath(path string) *Builder {
	if path == "" {
		return b.fail("payload binary path must not be empty")
	}
	b.cfg.payloadBinaryPath = path
	return b
}

// SetPayloadConfigPath selects a declarative payload descriptor, relative to
// the apk contents.
func (b *Builder) SetPayloadConfigPath(path string) *Builder {
	if path == "" {
		return b.fail("payload config path must not be empty")
	}
	b.cfg.payloadConfigPath = path
	return b
}

// SetDebugLevel sets the debug level.
func (b *Builder) SetDebugLevel(level DebugLevel) *Builder {
	switch level {
	case DebugNone, DebugFull:
		b.cfg.debugLevel = level
		return b
	default:
		return b.fail("unknown debug level %q", level)
	}
}

// SetNumCpus sets the vCPU count.
func (b *Builder) SetNumCpus(n int) *Builder {
	if n <= 0 {
		return b.fail("numCpus must be positive, got %d", n)
	}
	b.cfg.numCpus = n
	return b
}

// SetMemoryMib sets the guest memory in MiB. Zero means the platform default
// and is only reachable by never calling this setter.
func (b *Builder) SetMemoryMib(mib int) *Builder {
	if mib <= 0 {
		return b.fail("memoryMib must be positive, got %d", mib)
	}
	b.cfg.memoryMib = mib
	return b
}

// SetProtectedVm decides whether the hypervisor isolates the VM from
// privileged host access. It must be called before Build; there is no safe
// default.
func (b *Builder) SetProtectedVm(protected bool) *Builder {
	b.cfg.protectedVm = protected
	b.protectedSet = true
	return b
}

// SetEncryptedStorageKib enables encrypted storage of the given size.
func (b *Builder) SetEncryptedStorageKib(kib int) *Builder {
	if kib <= 0 {
		return b.fail("encryptedStorageKib must be positive, got %d", kib)
	}
	b.cfg.encryptedStorageKib = kib
	return b
}

// Build validates the accumulated fields and returns the immutable config.
func (b *Builder) Build() (Config, error) {
	if b.err != nil {
		return Config{}, b.err
	}
	hasBinary := b.cfg.payloadBinaryPath != ""
	hasDescriptor := b.cfg.payloadConfigPath != ""
	if !hasBinary && !hasDescriptor {
		return Config{}, fmt.Errorf(
			"%w: SetPayloadBinaryPath or SetPayloadConfigPath must be called before build", ErrConfig)
	}
	if hasBinary && hasDescriptor {
		return Config{}, fmt.Errorf(
			"%w: only one of payload binary path and payload config path may be set", ErrConfig)
	}
	if !b.protectedSet {
		return Config{}, fmt.Errorf("%w: SetProtectedVm must be called before build", ErrConfig)
	}
	return b.cfg, nil
}

// Validate re-checks the build-time invariants. A config produced by Build
// always passes; this guards against zero values smuggled in by callers.
func (c Config) Validate() error {
	if c.apkPath == "" {
		return fmt.Errorf("%w: config was not built", ErrConfig)
	}
	hasBinary := c.payloadBinaryPath != ""
	hasDescriptor := c.payloadConfigPath != ""
	if hasBinary == hasDescriptor {
		return fmt.Errorf("%w: exactly one payload reference must be set", ErrConfig)
	}
	if c.numCpus < 1 || c.memoryMib < 0 || c.encryptedStorageKib < 0 {
		return fmt.Errorf("%w: numeric field out of range", ErrConfig)
	}
	return nil
}

// ApkPath returns the absolute path of the owning package.
func (c Config) ApkPath() string { return c.apkPath }

// PayloadBinaryPath returns the entry binary path, or "" if a declarative
// descriptor is used instead.
func (c Config) PayloadBinaryPath() string { return c.payloadBinaryPath }

// PayloadConfigPath returns the declarative descriptor path, or "".
func (c Config) PayloadConfigPath() string { return c.payloadConfigPath }

// DebugLevel returns the debug level.
func (c Config) DebugLevel() DebugLevel { return c.debugLevel }

// NumCpus returns the vCPU count.
func (c Config) NumCpus() int { return c.numCpus }

// MemoryMib returns the configured memory in MiB, 0 meaning the default.
func (c Config) MemoryMib() int { return c.memoryMib }

// ProtectedVm reports whether the VM runs isolated from privileged host
// access.
func (c Config) ProtectedVm() bool { return c.protectedVm }

// EncryptedStorageKib returns the encrypted storage size, 0 when disabled.
func (c Config) EncryptedStorageKib() int { return c.encryptedStorageKib }

// EncryptedStorageEnabled reports whether encrypted storage is configured.
func (c Config) EncryptedStorageEnabled() bool { return c.encryptedStorageKib > 0 }

// record is the JSON shape of the persisted config file.
type record struct {
	ApkPath             string     `json:"apk_path"`
	PayloadBinaryPath   string     `json:"payload_binary_path,omitempty"`
	PayloadConfigPath   string     `json:"payload_config_path,omitempty"`
	DebugLevel          DebugLevel `json:"debug_level"`
	NumCpus             int        `json:"num_cpus"`
	MemoryMib           int        `json:"memory_mib"`
	ProtectedVm         bool       `json:"protected_vm"`
	EncryptedStorageKib int        `json:"encrypted_storage_kib"`
}

// MarshalJSON serializes the config for the on-disk config record.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(record{
		ApkPath:             c.apkPath,
		PayloadBinaryPath:   c.payloadBinaryPath,
		PayloadConfigPath:   c.payloadConfigPath,
		DebugLevel:          c.debugLevel,
		NumCpus:             c.numCpus,
		MemoryMib:           c.memoryMib,
		ProtectedVm:         c.protectedVm,
		EncryptedStorageKib: c.encryptedStorageKib,
	})
}

// UnmarshalJSON restores a config from its on-disk record. The result is
// re-validated so a tampered record cannot smuggle an invalid config back in.
func (c *Config) UnmarshalJSON(data []byte) error {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	b := NewBuilder(r.ApkPath).
		SetDebugLevel(r.DebugLevel).
		SetProtectedVm(r.ProtectedVm)
	if r.PayloadBinaryPath != "" {
		b.SetPayloadBinaryPath(r.PayloadBinaryPath)
	}
	if r.PayloadConfigPath != "" {
		b.SetPayloadConfigPath(r.PayloadConfigPath)
	}
	if r.NumCpus != 0 {
		b.SetNumCpus(r.NumCpus)
	}
	if r.MemoryMib != 0 {
		b.SetMemoryMib(r.MemoryMib)
	}
	if r.EncryptedStorageKib != 0 {
		b.SetEncryptedStorageKib(r.EncryptedStorageKib)
	}
	cfg, err := b.Build()
	if err != nil {
		return err
	}
	*c = cfg
	return nil
}
