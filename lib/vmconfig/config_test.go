package vmconfig

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testApkPath = "/data/app/com.example.payload"

func validBuilder() *Builder {
	return NewBuilder(testApkPath).
		SetPayloadBinaryPath("payload.so").
		SetProtectedVm(false)
}

func TestBuildMinimalDefaults(t *testing.T) {
	cfg, err := validBuilder().Build()
	require.NoError(t, err)

	assert.Equal(t, testApkPath, cfg.ApkPath())
	assert.Equal(t, "payload.so", cfg.PayloadBinaryPath())
	assert.Empty(t, cfg.PayloadConfigPath())
	assert.Equal(t, DebugNone, cfg.DebugLevel())
	assert.Equal(t, 1, cfg.NumCpus())
	assert.Equal(t, 0, cfg.MemoryMib())
	assert.False(t, cfg.ProtectedVm())
	assert.False(t, cfg.EncryptedStorageEnabled())
	assert.Equal(t, 0, cfg.EncryptedStorageKib())
}

func TestBuildMaximal(t *testing.T) {
	cfg, err := NewBuilder(testApkPath).
		SetApkPath("/apk/path").
		SetPayloadConfigPath("config/path").
		SetDebugLevel(DebugFull).
		SetNumCpus(4).
		SetMemoryMib(42).
		SetProtectedVm(true).
		SetEncryptedStorageKib(1024).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "/apk/path", cfg.ApkPath())
	assert.Empty(t, cfg.PayloadBinaryPath())
	assert.Equal(t, "config/path", cfg.PayloadConfigPath())
	assert.Equal(t, DebugFull, cfg.DebugLevel())
	assert.Equal(t, 4, cfg.NumCpus())
	assert.Equal(t, 42, cfg.MemoryMib())
	assert.True(t, cfg.ProtectedVm())
	assert.True(t, cfg.EncryptedStorageEnabled())
	assert.Equal(t, 1024, cfg.EncryptedStorageKib())
}

func TestBuildValidation(t *testing.T) {
	t.Run("missing payload reference", func(t *testing.T) {
		_, err := NewBuilder(testApkPath).SetProtectedVm(false).Build()
		require.ErrorIs(t, err, ErrConfig)
		assert.Contains(t, err.Error(), "SetPayloadBinaryPath")
	})

	t.Run("both payload references", func(t *testing.T) {
		_, err := validBuilder().SetPayloadConfigPath("config/path").Build()
		require.ErrorIs(t, err, ErrConfig)
		assert.Contains(t, err.Error(), "only one of")
	})

	t.Run("protected vm not decided", func(t *testing.T) {
		_, err := NewBuilder(testApkPath).SetPayloadBinaryPath("payload.so").Build()
		require.ErrorIs(t, err, ErrConfig)
		assert.Contains(t, err.Error(), "SetProtectedVm")
	})

	t.Run("relative apk path", func(t *testing.T) {
		_, err := NewBuilder("relative/path/to.apk").
			SetPayloadBinaryPath("payload.so").
			SetProtectedVm(false).
			Build()
		require.ErrorIs(t, err, ErrConfig)
		assert.Contains(t, err.Error(), "absolute")
	})

	for name, mutate := range map[string]func(*Builder) *Builder{
		"zero cpus":         func(b *Builder) *Builder { return b.SetNumCpus(0) },
		"zero memory":       func(b *Builder) *Builder { return b.SetMemoryMib(0) },
		"zero storage":      func(b *Builder) *Builder { return b.SetEncryptedStorageKib(0) },
		"negative cpus":     func(b *Builder) *Builder { return b.SetNumCpus(-1) },
		"bad debug level":   func(b *Builder) *Builder { return b.SetDebugLevel("verbose") },
		"empty binary path": func(b *Builder) *Builder { return b.SetPayloadBinaryPath("") },
	} {
		t.Run(name, func(t *testing.T) {
			_, err := mutate(validBuilder()).Build()
			assert.ErrorIs(t, err, ErrConfig)
		})
	}
}

func TestCompatibility(t *testing.T) {
	policy := ConservativePolicy()
	baseline, err := validBuilder().Build()
	require.NoError(t, err)

	build := func(t *testing.T, mutate func(*Builder) *Builder) Config {
		cfg, err := mutate(validBuilder()).Build()
		require.NoError(t, err)
		return cfg
	}

	// Compatible with itself, and symmetric.
	assert.True(t, Compatible(baseline, baseline, policy))

	// Resource-only changes never affect identity.
	withMem := build(t, func(b *Builder) *Builder { return b.SetMemoryMib(99) })
	assert.True(t, Compatible(baseline, withMem, policy))
	assert.True(t, Compatible(withMem, baseline, policy))

	withCpus := build(t, func(b *Builder) *Builder { return b.SetNumCpus(2) })
	assert.True(t, Compatible(baseline, withCpus, policy))

	// Identity-affecting changes.
	withDebug := build(t, func(b *Builder) *Builder { return b.SetDebugLevel(DebugFull) })
	assert.False(t, Compatible(baseline, withDebug, policy))

	withPayload := build(t, func(b *Builder) *Builder { return b.SetPayloadBinaryPath("different.so") })
	assert.False(t, Compatible(baseline, withPayload, policy))

	withProtected := build(t, func(b *Builder) *Builder { return b.SetProtectedVm(true) })
	assert.False(t, Compatible(baseline, withProtected, policy))

	// Conservative policy treats these as identity-breaking too.
	withApk := build(t, func(b *Builder) *Builder { return b.SetApkPath("/different") })
	assert.False(t, Compatible(baseline, withApk, policy))

	withStorage := build(t, func(b *Builder) *Builder { return b.SetEncryptedStorageKib(100) })
	assert.False(t, Compatible(baseline, withStorage, policy))

	// A liberal policy stops treating them as identity-breaking.
	liberal := IdentityPolicy{}
	assert.True(t, Compatible(baseline, withApk, liberal))
	assert.True(t, Compatible(baseline, withStorage, liberal))
	assert.False(t, Compatible(baseline, withDebug, liberal))
}

func TestIdentityDigest(t *testing.T) {
	policy := ConservativePolicy()
	a, err := validBuilder().Build()
	require.NoError(t, err)
	b, err := validBuilder().SetMemoryMib(150).Build()
	require.NoError(t, err)
	c, err := validBuilder().SetDebugLevel(DebugFull).Build()
	require.NoError(t, err)

	assert.Equal(t, a.Identity(policy).Digest(), b.Identity(policy).Digest())
	assert.NotEqual(t, a.Identity(policy).Digest(), c.Identity(policy).Digest())
}

func TestConfigJSONRoundTrip(t *testing.T) {
	orig, err := NewBuilder(testApkPath).
		SetPayloadConfigPath("assets/vm_config.json").
		SetDebugLevel(DebugFull).
		SetNumCpus(2).
		SetMemoryMib(150).
		SetProtectedVm(true).
		SetEncryptedStorageKib(4096).
		Build()
	require.NoError(t, err)

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var restored Config
	require.NoError(t, json.Unmarshal(data, &restored))
	assert.Equal(t, orig, restored)
}

func TestConfigJSONRejectsTamperedRecord(t *testing.T) {
	var cfg Config
	// Both payload references set; must not deserialize.
	err := json.Unmarshal([]byte(`{
		"apk_path": "/apk/path",
		"payload_binary_path": "a.so",
		"payload_config_path": "b.json",
		"debug_level": "none",
		"num_cpus": 1,
		"protected_vm": false
	}`), &cfg)
	assert.ErrorIs(t, err, ErrConfig)
}
