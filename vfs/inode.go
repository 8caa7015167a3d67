package vfs

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/gokernel/vfskit/device"
	"github.com/gokernel/vfskit/vfserrno"
)

// refcountLimit is an overflow guard: a value a well-behaved caller should
// never approach, used to catch a runaway Dup/Put imbalance in
// checkInvariants. Everything above it is reserved for invalidation.
const refcountLimit = 0x7FFF0000

// Inode is the filesystem-independent in-memory inode: a reference-counted
// handle shared by every open file and directory entry that names the same
// backing object. Its own mutex orders after the owning Superblock's rw
// lock; a transaction (blkfs log.Begin) must already be open before it is
// taken, never the other way around.
type Inode struct {
	SB  *Superblock
	Ops Ops
	Ino uint64

	mu syncutil.InvariantMutex

	// ref counts live, in-memory references (Dup'd handles); it never
	// reaches zero while something holds the Inode, and Put is the only
	// way to decrement it.
	ref int32

	// nlink is the durable link count; it can be zero while ref is still
	// positive (an unlinked-but-open file), in which case Put's drop to
	// zero triggers Ops.Free instead of merely Ops.Release.
	nlink uint32

	mode  os.FileMode
	size  uint64
	dev   device.ID
	atime time.Time
	mtime time.Time
	ctime time.Time

	valid bool // GUARDED_BY(mu): attrs have been read in from the backing store
	dirty bool // GUARDED_BY(mu): attrs changed and need Sync

	// Impl is the concrete filesystem's private per-inode state (memfs's
	// content record, blkfs's address cache). Opaque to this package.
	Impl any
}

// invalidatedRef is the exact sentinel Invalidate stores into ref. Any
// value above refcountLimit that isn't this exact sentinel is a genuine
// refcount overflow bug, not an intentional invalidation.
const invalidatedRef = refcountLimit + 1

func (in *Inode) checkInvariants() {
	if in.ref < 0 || (in.ref > refcountLimit && in.ref != invalidatedRef) {
		panic("inode refcount out of range")
	}
}

func newInode(sb *Superblock, ino uint64, ops Ops) *Inode {
	in := &Inode{SB: sb, Ops: ops, Ino: ino}
	in.mu = syncutil.NewInvariantMutex(in.checkInvariants)
	return in
}

// getInode returns the resident Inode for ino, allocating and inserting
// a fresh, unlocked, ref-counted-at-one entry if none is cached yet. The
// caller is responsible for loading attrs from the backing store on a
// fresh Inode (valid == false), which Root and the drivers do through
// Ops.Load.
func (sb *Superblock) getInode(ino uint64) (*Inode, error) {
	sb.inodesMu.Lock()
	if in, ok := sb.inodes.Lookup(ino); ok {
		atomic.AddInt32(&in.ref, 1)
		sb.inodesMu.Unlock()
		return in, nil
	}

	in := newInode(sb, ino, sb.Ops)
	in.ref = 1
	sb.inodes.Insert(ino, in)
	sb.inodesMu.Unlock()
	return in, nil
}

// GetInode is getInode's exported form, the entry point a filesystem
// driver uses to materialize the *Inode for an ino it already knows about
// (a Lookup/Create/Mkdir result, a directory-iteration hit). The caller
// must populate attrs and call SetValid on a fresh (Valid() == false)
// result before handing it anywhere else.
func (sb *Superblock) GetInode(ino uint64) (*Inode, error) { return sb.getInode(ino) }

// Resident reports whether ino already has a live, ref-counted *Inode in
// this superblock's cache, without itself taking a reference. A driver's
// Unlink uses this to decide whether a durable nlink dropping to zero
// must free storage immediately (nothing holds the inode open to trigger
// Put's eventual Ops.Free) or can leave that to the existing holder's
// eventual Put, mirroring xv6's reliance on dirlookup always handing
// unlink a resident, ref'd inode to begin with.
func (sb *Superblock) Resident(ino uint64) (*Inode, bool) {
	sb.inodesMu.Lock()
	defer sb.inodesMu.Unlock()
	in, ok := sb.inodes.Lookup(ino)
	return in, ok
}

// Dup increments in's reference count and returns in, the way xv6's idup
// hands the same pointer back to a second caller. It fails with ESTALE if
// Invalidate has already pushed the refcount past refcountLimit: once an
// inode is being invalidated, no later acquire may succeed.
func (in *Inode) Dup() (*Inode, error) {
	for {
		old := atomic.LoadInt32(&in.ref)
		if old > refcountLimit {
			return nil, vfserrno.ESTALE
		}
		if atomic.CompareAndSwapInt32(&in.ref, old, old+1) {
			return in, nil
		}
	}
}

// Invalidate marks in as stale: it pushes the refcount past the reserved
// sentinel so every future Dup fails with ESTALE, and drops the caller's
// own reference in the process (the sentinel store subsumes it). Existing
// holders are unaffected and must still Put their own references;
// Invalidate only forecloses new acquires, it does not revoke references
// already outstanding.
func (in *Inode) Invalidate() {
	atomic.StoreInt32(&in.ref, invalidatedRef)
}

// LockSimple acquires the inode's mutex. It is named distinctly from the
// zero-argument Lock a plain sync.Mutex would expose because a filesystem
// driver's Load hook is expected to have already populated attrs
// (valid == true) before the Inode is ever handed out; this method does
// not perform the lazy backing-store read some VFS implementations fold
// into their lock path.
func (in *Inode) LockSimple() { in.mu.Lock() }

// Unlock releases the inode's mutex.
func (in *Inode) Unlock() { in.mu.Unlock() }

// Put drops a reference. On the transition to zero the inode is removed
// from its superblock's cache and the driver's release hook runs: Ops.Free
// if the inode has been unlinked (nlink == 0), Ops.Release otherwise. The
// hook runs with no inode lock held, so a blkfs-style driver is free to
// open a log transaction inside it.
func (in *Inode) Put() error {
	sb := in.SB

	sb.inodesMu.Lock()
	if atomic.AddInt32(&in.ref, -1) > 0 {
		sb.inodesMu.Unlock()
		return nil
	}
	sb.inodes.Delete(in.Ino)
	sb.inodesMu.Unlock()

	if in.nlink == 0 {
		return in.Ops.Free(in)
	}
	return in.Ops.Release(in)
}

// Sync writes the inode back through the driver's Sync hook if it has
// unflushed attribute changes.
func (in *Inode) Sync() error {
	if !in.dirty {
		return nil
	}
	return in.Ops.Sync(in)
}

// markDirty flags the inode for the next Sync, marking the owning
// superblock dirty too if it is not already.
func (in *Inode) markDirty() {
	in.dirty = true
	if !in.SB.Dirty() {
		in.SB.MarkDirty()
	}
}

// Mode returns the inode's file mode, including type bits.
func (in *Inode) Mode() os.FileMode { return in.mode }

// SetMode updates the inode's mode bits and marks it dirty.
func (in *Inode) SetMode(m os.FileMode) {
	in.mode = m
	in.markDirty()
}

// Size returns the inode's current content size in bytes.
func (in *Inode) Size() uint64 { return in.size }

// SetSize updates the cached size (Ops.Truncate is responsible for the
// actual storage resize; this just keeps the in-memory mirror current).
func (in *Inode) SetSize(n uint64) {
	in.size = n
	in.markDirty()
}

// Nlink returns the durable link count.
func (in *Inode) Nlink() uint32 { return in.nlink }

// AddLink adjusts the link count by delta, used by Link/Unlink/Mkdir/Rmdir
// implementations while holding the inode lock.
func (in *Inode) AddLink(delta int32) {
	in.nlink = uint32(int32(in.nlink) + delta)
	in.markDirty()
}

// SetNlink sets the link count outright, used by a driver's Load hook
// when populating a freshly-cached Inode's attrs from its backing store
// (as opposed to AddLink's relative adjustment during a live mutation).
func (in *Inode) SetNlink(n uint32) { in.nlink = n }

// Dev returns the device ID for character/block-special inodes.
func (in *Inode) Dev() device.ID { return in.dev }

// SetDev sets the device ID for a freshly-Mknod'd inode.
func (in *Inode) SetDev(d device.ID) { in.dev = d }

// SetValid marks the inode's attrs as loaded, used by a driver's Load
// hook immediately after populating mode/size/nlink/times.
func (in *Inode) SetValid() { in.valid = true }

// Valid reports whether attrs have been loaded from the backing store.
func (in *Inode) Valid() bool { return in.valid }

// MarkDirty flags the inode for the next Sync.
func (in *Inode) MarkDirty() { in.markDirty() }

// Dirty reports whether the inode has unflushed attribute changes.
func (in *Inode) Dirty() bool { return in.dirty }

// ClearDirty is called by Sync once attrs have been flushed.
func (in *Inode) ClearDirty() { in.dirty = false }

// Times returns the inode's atime, mtime and ctime.
func (in *Inode) Times() (atime, mtime, ctime time.Time) {
	return in.atime, in.mtime, in.ctime
}

// SetTimes updates the inode's timestamps; a zero value leaves the
// corresponding field unchanged.
func (in *Inode) SetTimes(atime, mtime, ctime time.Time) {
	if !atime.IsZero() {
		in.atime = atime
	}
	if !mtime.IsZero() {
		in.mtime = mtime
	}
	if !ctime.IsZero() {
		in.ctime = ctime
	}
	in.markDirty()
}

// Stat snapshots the inode's attributes under its lock.
func (in *Inode) Stat() Stat {
	in.mu.Lock()
	defer in.mu.Unlock()
	return Stat{
		Ino:     in.Ino,
		Mode:    in.mode,
		Nlink:   in.nlink,
		Size:    in.size,
		Uid:     0,
		Gid:     0,
		Atime:   in.atime,
		Mtime:   in.mtime,
		Ctime:   in.ctime,
		Nblocks: (in.size + 511) / 512,
	}
}

// LockTwoNondirectories locks a and b in a fixed order derived from their
// superblock ID and inode number, so any two callers locking the same pair
// never deadlock regardless of which they name first. Neither a nor b may
// be a directory; directory pairs go through LockTwoDirectories, which is
// the same ordered acquire but named separately so rename call sites read
// as what they are.
func LockTwoNondirectories(a, b *Inode) {
	lockPair(a, b)
}

// LockTwoDirectories locks two directory inodes in the same deterministic
// (superblock, ino) order LockTwoNondirectories uses, so a rename between
// two directories never AB/BA-deadlocks against a concurrent rename
// naming the same pair the other way around.
func LockTwoDirectories(a, b *Inode) {
	lockPair(a, b)
}

// UnlockTwo releases a pair taken by either two-inode helper, tolerating
// a == b.
func UnlockTwo(a, b *Inode) {
	a.Unlock()
	if a != b {
		b.Unlock()
	}
}

func lockPair(a, b *Inode) {
	if a == b {
		a.LockSimple()
		return
	}
	if lessInode(a, b) {
		a.LockSimple()
		b.LockSimple()
	} else {
		b.LockSimple()
		a.LockSimple()
	}
}

func lessInode(a, b *Inode) bool {
	if a.SB.ID != b.SB.ID {
		return a.SB.ID < b.SB.ID
	}
	return a.Ino < b.Ino
}

// checkOpenable rejects inode/flag combinations the VFS core itself
// (rather than the filesystem driver) must refuse, e.g. opening a
// directory for writing.
func checkOpenable(in *Inode, flags OpenFlags) error {
	if in.mode.IsDir() && flags.Writable() {
		return vfserrno.EISDIR
	}
	return nil
}
