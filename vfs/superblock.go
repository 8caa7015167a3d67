package vfs

import (
	"sync"
	"sync/atomic"

	"github.com/gokernel/vfskit/container"
)

// FSType names a filesystem driver registered with RegisterFSType: a
// name plus a constructor taking a device path and mount options.
type FSType struct {
	Name  string
	Mount func(device string, data any) (*Superblock, error)
}

var (
	fsTypesMu sync.Mutex
	fsTypes   = map[string]*FSType{}
)

// RegisterFSType makes a filesystem driver available to Mount by name.
func RegisterFSType(t *FSType) {
	fsTypesMu.Lock()
	defer fsTypesMu.Unlock()
	fsTypes[t.Name] = t
}

func lookupFSType(name string) (*FSType, bool) {
	fsTypesMu.Lock()
	defer fsTypesMu.Unlock()
	t, ok := fsTypes[name]
	return t, ok
}

var nextSuperblockID int64

// Superblock holds one mounted filesystem instance's shared state. The
// rw lock orders ahead of every Inode mutex; callers must never acquire
// an Inode lock and then block trying to take sb.rw.
type Superblock struct {
	// ID is a monotonically increasing tiebreaker assigned at mount time,
	// used together with an inode's Ino to give the two-inode lock
	// helpers a total, deadlock-free order across superblocks.
	ID int64

	Type   *FSType
	Device string

	// Impl is room for a concrete filesystem's private state, so Ops
	// implementations can recover it from a *Superblock argument if they
	// choose to share one Ops value across mounts. The VFS core never
	// dereferences it; memfs and blkfs leave it nil and keep their state
	// on the Ops value they pass to NewSuperblock.
	Impl any

	rw    sync.RWMutex
	dirty atomic.Bool

	root *Inode

	inodesMu sync.Mutex
	inodes   *container.Table[uint64, *Inode]

	// RootIno and Ops are set by NewSuperblock: Root uses RootIno to
	// materialize the root inode, and getInode hands Ops to every Inode it
	// creates.
	RootIno uint64
	Ops     Ops
}

func inoHash(ino uint64) uint64 { return ino }
func inoEq(a, b uint64) bool    { return a == b }

// NewSuperblock allocates an empty superblock for a filesystem driver's
// Mount function to populate.
func NewSuperblock(t *FSType, device string, ops Ops, rootIno uint64) *Superblock {
	sb := &Superblock{
		ID:      atomic.AddInt64(&nextSuperblockID, 1),
		Type:    t,
		Device:  device,
		Ops:     ops,
		RootIno: rootIno,
		inodes:  container.NewTable[uint64, *Inode](inoHash, inoEq),
	}
	return sb
}

// Lock and Unlock (with RLock and RUnlock for the read side) implement
// the superblock-wide rw lock. Neither the VFS core nor memfs or blkfs
// takes it.
func (sb *Superblock) Lock()    { sb.rw.Lock() }
func (sb *Superblock) Unlock()  { sb.rw.Unlock() }
func (sb *Superblock) RLock()   { sb.rw.RLock() }
func (sb *Superblock) RUnlock() { sb.rw.RUnlock() }

// MarkDirty flags the superblock for the next sync.
func (sb *Superblock) MarkDirty() { sb.dirty.Store(true) }

// Dirty reports whether the superblock has unflushed metadata.
func (sb *Superblock) Dirty() bool { return sb.dirty.Load() }

// ClearDirty is called once a driver's Sync has flushed superblock state.
func (sb *Superblock) ClearDirty() { sb.dirty.Store(false) }

// Root returns the mount's root inode, resolving and caching it on first
// use. Unlike a Lookup result (which the driver already populates before
// handing back), a freshly cached root inode comes out of getInode with
// valid == false, so Root drives the same Ops.Load population step the
// driver's own inodeFor-style helper runs for every other ino.
func (sb *Superblock) Root() (*Inode, error) {
	in, err := sb.getInode(sb.RootIno)
	if err != nil {
		return nil, err
	}
	if err := sb.Ops.Load(in); err != nil {
		in.Put()
		return nil, err
	}
	return in, nil
}
