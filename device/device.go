// Package device implements the char/block device-node shim: a registry
// mapping (major, minor) device numbers to the handle a regular I/O path
// talks to, driven purely by the inode's mode bits for character and
// block devices.
package device

import (
	"sync"

	"github.com/gokernel/vfskit/vfserrno"
)

// ID identifies a device the way stat(2)'s st_rdev does.
type ID struct {
	Major, Minor uint32
}

// CharDevice is the minimal capability set a character device exposes to
// fread/fwrite: direct, unbuffered I/O with no backing inode content.
type CharDevice interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// BlockDevice is registered for completeness (so mknod for a block device
// resolves), but all block-device data I/O goes through the
// buffer cache rather than fread/fwrite, so it has no Read/Write of its
// own here.
type BlockDevice interface {
	// Size reports the device's capacity in bytes, for stat(2).
	Size() int64
}

// Registry is a (major, minor)-keyed lookup table. The char and block
// registries are independent: the same ID may be registered in both
// without conflict, since which one is consulted is determined by the
// inode's mode bit (ModeCharDevice vs. plain ModeDevice).
type Registry[T any] struct {
	mu      sync.RWMutex
	devices map[ID]T
}

// NewRegistry creates an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{devices: make(map[ID]T)}
}

// Register adds or replaces the handle for id.
func (r *Registry[T]) Register(id ID, dev T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[id] = dev
}

// Unregister removes id, if present.
func (r *Registry[T]) Unregister(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, id)
}

// Lookup resolves id to its handle.
func (r *Registry[T]) Lookup(id ID) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	if !ok {
		return dev, vfserrno.ENODEV
	}
	return dev, nil
}
