// Package paths provides centralized path construction for a VM storage
// context directory.
package paths

import "path/filepath"

// Paths provides typed path construction below one owning context's
// directory. The context directory is already scoped by storage class, user
// and package; everything here is per-VM layout.
type Paths struct {
	contextDir string
}

// New creates a Paths instance rooted at an owning context directory.
func New(contextDir string) *Paths {
	return &Paths{contextDir: contextDir}
}

// ContextDir returns the owning context's root directory.
func (p *Paths) ContextDir() string {
	return p.contextDir
}

// VMsDir returns the directory holding all VM instances of the context.
func (p *Paths) VMsDir() string {
	return filepath.Join(p.contextDir, "vm")
}

// VMDir returns the directory for a named VM instance.
func (p *Paths) VMDir(name string) string {
	return filepath.Join(p.VMsDir(), name)
}

// VMConfig returns the path to the persisted config record.
func (p *Paths) VMConfig(name string) string {
	return filepath.Join(p.VMDir(name), "config.json")
}

// VMInstanceImage returns the path to the partitioned instance image.
func (p *Paths) VMInstanceImage(name string) string {
	return filepath.Join(p.VMDir(name), "instance.img")
}

// VMStorageImage returns the path to the encrypted storage image. The file
// exists only when encrypted storage is configured.
func (p *Paths) VMStorageImage(name string) string {
	return filepath.Join(p.VMDir(name), "storage.img")
}
