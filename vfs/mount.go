package vfs

import (
	"sync"

	"github.com/gokernel/vfskit/vfserrno"
)

// mountKey identifies a mount point: an inode in a particular superblock.
type mountKey struct {
	sbID int64
	ino  uint64
}

// mountEdge records one edge of the mount graph: the directory a child
// filesystem is mounted on, and the root of that child. The table holds
// one inode reference to each side for the lifetime of the mount.
type mountEdge struct {
	covered *Inode // the directory in the parent fs that got mounted over
	root    *Inode // the mounted fs's root inode
}

// MountTable is the process-wide mount graph. A single instance is shared
// by every Superblock so that path resolution can cross from a parent
// filesystem into a child one (and back) without either filesystem driver
// knowing the other exists.
type MountTable struct {
	mu sync.RWMutex

	// byCovered maps a mountpoint directory to the filesystem mounted
	// there.
	byCovered map[mountKey]*mountEdge

	// byRoot maps a mounted filesystem's root back to the directory it
	// covers, for resolving ".." at a mount root.
	byRoot map[mountKey]*mountEdge
}

// NewMountTable creates an empty mount graph.
func NewMountTable() *MountTable {
	return &MountTable{
		byCovered: make(map[mountKey]*mountEdge),
		byRoot:    make(map[mountKey]*mountEdge),
	}
}

// Mount grafts root (the new filesystem's root inode) onto covered, an
// existing directory inode that must not itself already be a mount
// point. The table takes ownership of one reference to each; the caller
// must have Dup'd (or freshly resolved) both and must not Put them on
// success.
func (mt *MountTable) Mount(covered, root *Inode) error {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	ck := mountKey{covered.SB.ID, covered.Ino}
	if _, ok := mt.byCovered[ck]; ok {
		return vfserrno.EEXIST
	}

	e := &mountEdge{covered: covered, root: root}
	mt.byCovered[ck] = e
	mt.byRoot[mountKey{root.SB.ID, root.Ino}] = e
	return nil
}

// Unmount removes the mount in names: either the mounted filesystem's
// root (what resolving the mountpoint path yields, since resolution
// crosses down) or the covered directory itself. It surrenders the
// table's references to both sides; the caller must Put each.
func (mt *MountTable) Unmount(in *Inode) (root, covered *Inode, err error) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	k := mountKey{in.SB.ID, in.Ino}
	e, ok := mt.byRoot[k]
	if !ok {
		e, ok = mt.byCovered[k]
	}
	if !ok {
		return nil, nil, vfserrno.EINVAL
	}
	delete(mt.byCovered, mountKey{e.covered.SB.ID, e.covered.Ino})
	delete(mt.byRoot, mountKey{e.root.SB.ID, e.root.Ino})
	return e.root, e.covered, nil
}

// CrossDown returns the mounted filesystem's root if in is a mount point,
// for namei to substitute transparently whenever path resolution steps
// onto a covered directory.
func (mt *MountTable) CrossDown(in *Inode) (*Inode, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	e, ok := mt.byCovered[mountKey{in.SB.ID, in.Ino}]
	if !ok {
		return nil, false
	}
	return e.root, true
}

// CrossUp returns the directory a mounted filesystem's root covers, for
// resolving ".." when the walk is sitting at a mount root.
func (mt *MountTable) CrossUp(in *Inode) (*Inode, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	e, ok := mt.byRoot[mountKey{in.SB.ID, in.Ino}]
	if !ok {
		return nil, false
	}
	return e.covered, true
}
