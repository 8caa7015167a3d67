// Package memfs implements the in-memory filesystem: a vfs.Ops/
// vfs.FileOps driver whose regular files live either embedded inside
// their inode or in a per-inode page cache, and whose directories are a
// bucket-hash of child dentries. Unlike blkfs there is no backing device
// to read back from, so FS keeps its own permanent, ino-keyed record
// table playing the role blkfs's dinode table plays on disk: the
// vfs.Inode cache may evict an entry the moment its refcount hits zero,
// but the content (the *memInode) and durable attributes survive in that
// table until the file is actually unlinked and unreferenced.
package memfs

import (
	"os"
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/gokernel/vfskit/device"
	"github.com/gokernel/vfskit/vfs"
	"github.com/gokernel/vfskit/vfserrno"
	"github.com/gokernel/vfskit/vfsutil"
)

// rootIno is the fixed inode number of an FS's root directory.
const rootIno = 1

var fsType = &vfs.FSType{Name: "memfs"}

func init() {
	fsType.Mount = mountMemfs
	vfs.RegisterFSType(fsType)
}

// record is the durable, ino-keyed state an FS retains even while no
// vfs.Inode is resident for it: attributes plus the content-owning
// *memInode. It is this package's analogue of blkfs's on-disk dinode.
type record struct {
	mode  os.FileMode
	nlink uint32
	size  uint64
	dev   device.ID

	atime, mtime, ctime time.Time

	mi *memInode
}

// FS is the memfs driver for one mounted instance. Ops methods do their
// own inode locking; callers hand them unlocked inodes.
type FS struct {
	clock timeutil.Clock

	mu      sync.Mutex
	nextIno uint64
	records map[uint64]*record

	sb *vfs.Superblock
}

// New creates a fresh, empty memfs instance with a single root directory
// and wraps it in a *vfs.Superblock ready to Mount. A nil clock uses
// timeutil.RealClock(); tests pass a timeutil.SimulatedClock instead to
// control mtime/ctime deterministically.
func New(clock timeutil.Clock) (*vfs.Superblock, error) {
	if clock == nil {
		clock = timeutil.RealClock()
	}

	fs := &FS{
		clock:   clock,
		nextIno: rootIno,
		records: make(map[uint64]*record),
	}

	now := clock.Now()
	rootMI := newMemInode(true)
	rootMI.dir.add(".", rootIno, vfsutil.DT_Dir)
	rootMI.dir.add("..", rootIno, vfsutil.DT_Dir)
	fs.records[rootIno] = &record{
		mode:  os.ModeDir | 0o755,
		nlink: 1,
		mi:    rootMI,
		atime: now, mtime: now, ctime: now,
	}

	sb := vfs.NewSuperblock(fsType, "memfs", fs, rootIno)
	fs.sb = sb
	return sb, nil
}

// mountMemfs implements vfs.FSType.Mount. data, if given, is a
// timeutil.Clock; any other value, nil included, selects the real clock.
// devicePath is ignored, since memfs has no backing device.
func mountMemfs(devicePath string, data any) (*vfs.Superblock, error) {
	clock, _ := data.(timeutil.Clock)
	return New(clock)
}

// alloc creates a fresh record and returns its ino.
func (fs *FS) alloc(mode os.FileMode, dev device.ID, nlink uint32) uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.nextIno++
	ino := fs.nextIno
	now := fs.clock.Now()
	fs.records[ino] = &record{
		mode:  mode,
		nlink: nlink,
		dev:   dev,
		mi:    newMemInode(mode.IsDir()),
		atime: now, mtime: now, ctime: now,
	}
	return ino
}

// Load implements vfs.Ops: populates a resident-but-unvalidated inode from
// this FS's record table. It is a no-op if in is already valid, so both
// inodeFor and Superblock.Root() (which has no record of whether the root
// was already materialized this mount) can call it unconditionally.
func (fs *FS) Load(in *vfs.Inode) error {
	if in.Valid() {
		return nil
	}

	fs.mu.Lock()
	rec, ok := fs.records[in.Ino]
	fs.mu.Unlock()
	if !ok {
		return vfserrno.ENOENT
	}

	in.SetMode(rec.mode)
	in.SetNlink(rec.nlink)
	in.SetDev(rec.dev)
	in.SetTimes(rec.atime, rec.mtime, rec.ctime)
	in.SetSize(rec.size)
	in.Impl = rec.mi
	in.SetValid()
	in.ClearDirty()
	return nil
}

// inodeFor materializes the *vfs.Inode for ino, populating it from this
// FS's record table the first time it is seen (mirrors blkfs.inodeFor).
func (fs *FS) inodeFor(ino uint64) (*vfs.Inode, error) {
	in, err := fs.sb.GetInode(ino)
	if err != nil {
		return nil, err
	}
	if err := fs.Load(in); err != nil {
		in.Put()
		return nil, err
	}
	return in, nil
}

// flush copies in's live attributes back into its record, the point
// where a cached Inode's state becomes durable again once nothing holds
// it open.
func (fs *FS) flush(in *vfs.Inode) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	rec, ok := fs.records[in.Ino]
	if !ok {
		return
	}
	rec.mode = in.Mode()
	rec.nlink = in.Nlink()
	rec.size = in.Size()
	rec.dev = in.Dev()
	rec.atime, rec.mtime, rec.ctime = in.Times()
}

// dirOf extracts dir's table, or fails with ENOTDIR. Caller must hold
// dir's lock for any use that reads or mutates the table.
func dirOf(dir *vfs.Inode) (*dirTable, error) {
	dmi, ok := dir.Impl.(*memInode)
	if !ok || dmi.dir == nil {
		return nil, vfserrno.ENOTDIR
	}
	return dmi.dir, nil
}

// createInode allocates a fresh inode of the given type/mode and links it
// into dir under name. Caller holds dir's lock.
func (fs *FS) createInode(dir *vfs.Inode, name string, mode os.FileMode, dev device.ID, nlink uint32) (*vfs.Inode, error) {
	dt, err := dirOf(dir)
	if err != nil {
		return nil, err
	}
	if _, found := dt.lookup(name); found {
		return nil, vfserrno.EEXIST
	}

	ino := fs.alloc(mode, dev, nlink)
	if err := dt.add(name, ino, vfsutil.DirentTypeForMode(mode)); err != nil {
		fs.mu.Lock()
		delete(fs.records, ino)
		fs.mu.Unlock()
		return nil, err
	}
	dir.SetTimes(time.Time{}, fs.clock.Now(), time.Time{})

	return fs.inodeFor(ino)
}

// Lookup implements vfs.Ops.
func (fs *FS) Lookup(dir *vfs.Inode, name string) (*vfs.Inode, error) {
	dir.LockSimple()
	dt, err := dirOf(dir)
	if err != nil {
		dir.Unlock()
		return nil, err
	}
	ino, found := dt.lookup(name)
	dir.Unlock()
	if !found {
		return nil, vfserrno.ENOENT
	}
	return fs.inodeFor(ino)
}

// Readlink implements vfs.Ops.
func (fs *FS) Readlink(in *vfs.Inode) (string, error) {
	mi, ok := in.Impl.(*memInode)
	if !ok {
		return "", vfserrno.EINVAL
	}
	in.LockSimple()
	defer in.Unlock()
	return mi.symlinkTarget, nil
}

// Create implements vfs.Ops.
func (fs *FS) Create(dir *vfs.Inode, name string, mode os.FileMode) (*vfs.Inode, error) {
	dir.LockSimple()
	defer dir.Unlock()
	return fs.createInode(dir, name, mode, device.ID{}, 1)
}

// Mknod implements vfs.Ops.
func (fs *FS) Mknod(dir *vfs.Inode, name string, mode os.FileMode, dev device.ID) (*vfs.Inode, error) {
	dir.LockSimple()
	defer dir.Unlock()
	return fs.createInode(dir, name, mode, dev, 1)
}

// Symlink implements vfs.Ops, storing the target inline.
func (fs *FS) Symlink(dir *vfs.Inode, name string, target string) (*vfs.Inode, error) {
	dir.LockSimple()
	defer dir.Unlock()

	in, err := fs.createInode(dir, name, os.ModeSymlink|0o777, device.ID{}, 1)
	if err != nil {
		return nil, err
	}
	mi := in.Impl.(*memInode)
	mi.symlinkTarget = target
	in.SetSize(uint64(len(target)))
	return in, nil
}

// Mkdir implements vfs.Ops: allocates a directory inode, populates "."
// and "..", and bumps the parent's link count for the new ".."
// reference, the same convention blkfs.Mkdir uses.
func (fs *FS) Mkdir(dir *vfs.Inode, name string, mode os.FileMode) (*vfs.Inode, error) {
	dir.LockSimple()
	defer dir.Unlock()

	child, err := fs.createInode(dir, name, mode|os.ModeDir, device.ID{}, 1)
	if err != nil {
		return nil, err
	}
	cmi := child.Impl.(*memInode)
	cmi.dir.add(".", child.Ino, vfsutil.DT_Dir)
	cmi.dir.add("..", dir.Ino, vfsutil.DT_Dir)
	dir.AddLink(1)
	return child, nil
}

// Link implements vfs.Ops.
func (fs *FS) Link(dir *vfs.Inode, name string, target *vfs.Inode) error {
	if target.Mode().IsDir() {
		return vfserrno.EACCES
	}

	dir.LockSimple()
	dt, err := dirOf(dir)
	if err != nil {
		dir.Unlock()
		return err
	}
	if err := dt.add(name, target.Ino, vfsutil.DirentTypeForMode(target.Mode())); err != nil {
		dir.Unlock()
		return err
	}
	dir.SetTimes(time.Time{}, fs.clock.Now(), time.Time{})
	dir.Unlock()

	target.LockSimple()
	target.AddLink(1)
	target.Unlock()
	return nil
}

// Unlink implements vfs.Ops: refuses "." and "..", refuses a non-empty
// directory, and otherwise lets the ordinary Inode.Put refcount/nlink
// logic decide whether the child's storage is freed now or on its last
// close — memfs has no unpinned on-disk accessor the way blkfs does, so
// routing through the normal inodeFor/Put pair is this driver's only way
// to reach a shared, refcounted view of the child.
func (fs *FS) Unlink(dir *vfs.Inode, name string) error {
	if name == "." || name == ".." {
		return vfserrno.EINVAL
	}

	dir.LockSimple()
	dt, err := dirOf(dir)
	if err != nil {
		dir.Unlock()
		return err
	}

	childIno, found := dt.lookup(name)
	if !found {
		dir.Unlock()
		return vfserrno.ENOENT
	}
	child, err := fs.inodeFor(childIno)
	if err != nil {
		dir.Unlock()
		return err
	}

	if child.Mode().IsDir() {
		child.LockSimple()
		empty := child.Impl.(*memInode).dir.isEmpty()
		child.Unlock()
		if !empty {
			dir.Unlock()
			child.Put()
			return vfserrno.ENOTSUP
		}
	}

	dt.remove(name)
	dir.SetTimes(time.Time{}, fs.clock.Now(), time.Time{})
	dir.Unlock()

	child.LockSimple()
	child.AddLink(-1)
	child.Unlock()
	return child.Put()
}

// Rmdir implements vfs.Ops.
func (fs *FS) Rmdir(dir *vfs.Inode, name string) error {
	if name == "." || name == ".." {
		return vfserrno.EINVAL
	}

	dir.LockSimple()
	dt, err := dirOf(dir)
	if err != nil {
		dir.Unlock()
		return err
	}

	childIno, found := dt.lookup(name)
	if !found {
		dir.Unlock()
		return vfserrno.ENOENT
	}
	child, err := fs.inodeFor(childIno)
	if err != nil {
		dir.Unlock()
		return err
	}
	if !child.Mode().IsDir() {
		dir.Unlock()
		child.Put()
		return vfserrno.ENOTDIR
	}
	child.LockSimple()
	empty := child.Impl.(*memInode).dir.isEmpty()
	child.Unlock()
	if !empty {
		dir.Unlock()
		child.Put()
		return vfserrno.ENOTSUP
	}

	dt.remove(name)
	dir.AddLink(-1)
	dir.SetTimes(time.Time{}, fs.clock.Now(), time.Time{})
	dir.Unlock()

	child.LockSimple()
	child.AddLink(-1)
	child.Unlock()
	return child.Put()
}

// Move implements vfs.Ops. Both directories are taken in the
// deterministic two-directory lock order, so a concurrent rename naming
// the same pair the other way around cannot deadlock against this one.
func (fs *FS) Move(oldDir *vfs.Inode, oldName string, newDir *vfs.Inode, newName string) error {
	vfs.LockTwoDirectories(oldDir, newDir)
	unlocked := false
	unlock := func() {
		if !unlocked {
			vfs.UnlockTwo(oldDir, newDir)
			unlocked = true
		}
	}
	defer unlock()

	odt, err := dirOf(oldDir)
	if err != nil {
		return err
	}
	ndt, err := dirOf(newDir)
	if err != nil {
		return err
	}

	childIno, found := odt.lookup(oldName)
	if !found {
		return vfserrno.ENOENT
	}
	child, err := fs.inodeFor(childIno)
	if err != nil {
		return err
	}
	typ := vfsutil.DirentTypeForMode(child.Mode())
	isDir := child.Mode().IsDir()

	odt.remove(oldName)
	if err := ndt.add(newName, childIno, typ); err != nil {
		odt.add(oldName, childIno, typ)
		unlock()
		child.Put()
		return err
	}

	if isDir && oldDir != newDir {
		child.Impl.(*memInode).dir.updateDotDot(newDir.Ino)
		oldDir.AddLink(-1)
		newDir.AddLink(1)
	}
	now := fs.clock.Now()
	oldDir.SetTimes(time.Time{}, now, time.Time{})
	newDir.SetTimes(time.Time{}, now, time.Time{})
	unlock()
	return child.Put()
}

// Truncate implements vfs.Ops.
func (fs *FS) Truncate(in *vfs.Inode, newSize uint64) error {
	mi, ok := in.Impl.(*memInode)
	if !ok {
		return vfserrno.EINVAL
	}
	in.LockSimple()
	defer in.Unlock()
	return fs.truncate(in, mi, newSize)
}

// DirIter implements vfs.Ops. fn runs with dir's lock held; it must not
// re-enter this filesystem.
func (fs *FS) DirIter(in *vfs.Inode, offset uint64, fn func(vfs.Dentry) bool) error {
	mi, ok := in.Impl.(*memInode)
	if !ok || mi.dir == nil {
		return vfserrno.ENOTDIR
	}
	in.LockSimple()
	defer in.Unlock()
	return mi.dir.iter(fs.sb, offset, fn)
}

// Open implements vfs.Ops: every openable memfs inode type shares the
// same FileOps, dispatching straight to the page-cache/embedded read and
// write paths.
func (fs *FS) Open(in *vfs.Inode, flags vfs.OpenFlags) (vfs.FileOps, error) {
	return fs, nil
}

// Release implements vfs.Ops: flush the Inode's live attributes back to
// its record so a later re-open starts from the right state.
func (fs *FS) Release(in *vfs.Inode) error {
	fs.flush(in)
	return nil
}

// Sync implements vfs.Ops.
func (fs *FS) Sync(in *vfs.Inode) error {
	if !in.Dirty() {
		return nil
	}
	fs.flush(in)
	in.ClearDirty()
	return nil
}

// Free implements vfs.Ops: reclaims an unlinked, unreferenced inode's
// record — its *memInode (and with it, any page-cache content) becomes
// unreachable and is collected the ordinary way.
func (fs *FS) Free(in *vfs.Inode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.records, in.Ino)
	return nil
}

// ReadAt implements vfs.FileOps. The caller (vfs.File) holds no inode
// lock across this call, so memfs takes it itself, the same contract
// blkfs.ReadAt follows.
func (fs *FS) ReadAt(in *vfs.Inode, buf []byte, off int64) (int, error) {
	in.LockSimple()
	defer in.Unlock()

	mi, ok := in.Impl.(*memInode)
	if !ok {
		return 0, vfserrno.EINVAL
	}
	return fs.readAt(in, mi, buf, off)
}

// WriteAt implements vfs.FileOps.
func (fs *FS) WriteAt(in *vfs.Inode, buf []byte, off int64) (int, error) {
	in.LockSimple()
	defer in.Unlock()

	mi, ok := in.Impl.(*memInode)
	if !ok {
		return 0, vfserrno.EINVAL
	}
	return fs.writeAt(in, mi, buf, off)
}
