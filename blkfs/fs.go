package blkfs

import (
	"fmt"
	"os"

	"github.com/gokernel/vfskit/bufcache"
	"github.com/gokernel/vfskit/device"
	"github.com/gokernel/vfskit/klog"
	"github.com/gokernel/vfskit/vfs"
	"github.com/gokernel/vfskit/vfserrno"
)

// rootIno is the fixed inode number of a freshly formatted volume's root
// directory, matching xv6's ROOTINO.
const rootIno = 1

// FS is the block-backed filesystem driver: it owns the buffer cache,
// write-ahead log and hierarchical free-block cache for one mounted
// volume and implements vfs.Ops/vfs.FileOps on top of them.
//
// Every metadata-mutating method opens its log transaction FIRST and
// only then takes the inode locks it needs. A transaction may block
// waiting for log space behind another thread's in-flight operation; if
// this thread already held an inode lock that operation needs, neither
// could ever finish.
type FS struct {
	cache *bufcache.Cache
	store *bufcache.FileStore
	log   *Log
	free  *FreeMap
	sbRec superblockRecord
	sb    *vfs.Superblock
}

var fsType = &vfs.FSType{Name: "blkfs"}

func init() {
	fsType.Mount = mountBlkfs
	vfs.RegisterFSType(fsType)
}

// Format lays out a fresh blkfs volume of nblocks total blocks (including
// boot+superblock+log+inodes+bitmap+data) in path, with ninodes inode
// slots, and creates an empty root directory.
func Format(path string, nblocks, ninodes uint32) error {
	store, err := bufcache.OpenFileStore(path, BSIZE)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Truncate(nblocks); err != nil {
		return err
	}

	cache := bufcache.NewCache(store, int(nblocks))

	rec := superblockRecord{
		Magic:      diskMagic,
		Size:       nblocks,
		NLog:       LogSize,
		NInodes:    ninodes,
		LogStart:   2,
		InodeStart: 2 + LogSize,
	}
	rec.BmapStart = rec.InodeStart + (ninodes+inodesPerBlock-1)/inodesPerBlock
	// The bitmap is sized to cover the whole volume (xv6's approach), not
	// just the data region, to avoid a circular dependency between the
	// bitmap's size and the data region's size. Bits are indexed from
	// DataStart, so the high bits past NBlocks address no block and are
	// never read, which is harmless.
	rec.DataStart = rec.BmapStart + (nblocks+BPB-1)/BPB
	if rec.DataStart >= nblocks {
		return fmt.Errorf("blkfs: volume too small for %d inodes", ninodes)
	}
	rec.NBlocks = nblocks - rec.DataStart

	sbBuf, err := cache.Bread(1)
	if err != nil {
		return err
	}
	zeroBuffer(sbBuf)
	rec.marshal(sbBuf.Data[:superblockRecordSize])
	if err := cache.Bwrite(sbBuf); err != nil {
		cache.Brelse(sbBuf)
		return err
	}
	cache.Brelse(sbBuf)

	// Zero the log header so a fresh volume never looks like it has a
	// pending transaction to recover.
	logHeadBuf, err := cache.Bread(rec.LogStart)
	if err != nil {
		return err
	}
	zeroBuffer(logHeadBuf)
	if err := cache.Bwrite(logHeadBuf); err != nil {
		cache.Brelse(logHeadBuf)
		return err
	}
	cache.Brelse(logHeadBuf)

	// Zero every inode slot.
	for ino := uint32(0); ino < ninodes; ino++ {
		buf, err := cache.Bread(inodeBlock(ino, &rec))
		if err != nil {
			return err
		}
		off := int(ino%inodesPerBlock) * dinodeSize
		for i := off; i < off+dinodeSize; i++ {
			buf.Data[i] = 0
		}
		if err := cache.Bwrite(buf); err != nil {
			cache.Brelse(buf)
			return err
		}
		cache.Brelse(buf)
	}

	// Zero the bitmap region.
	nBitmapBlocks := (nblocks + BPB - 1) / BPB
	for b := uint32(0); b < nBitmapBlocks; b++ {
		buf, err := cache.Bread(rec.BmapStart + b)
		if err != nil {
			return err
		}
		zeroBuffer(buf)
		if err := cache.Bwrite(buf); err != nil {
			cache.Brelse(buf)
			return err
		}
		cache.Brelse(buf)
	}

	fs := &FS{cache: cache, store: store, sbRec: rec}

	log, err := OpenLog(cache, rec.LogStart, rec.NLog)
	if err != nil {
		return err
	}
	fs.log = log

	free, err := NewFreeMap(cache, rec.BmapStart, fs.dataStart(), rec.NBlocks)
	if err != nil {
		return err
	}
	fs.free = free

	fs.log.Begin()
	root := dinode{Type: dtDir, Perm: 0o755, Nlink: 1}
	if err := fs.writeDinode(rootIno, &root); err != nil {
		fs.log.End()
		return err
	}
	if err := fs.dirLink(rootIno, &root, ".", rootIno); err != nil {
		fs.log.End()
		return err
	}
	if err := fs.dirLink(rootIno, &root, "..", rootIno); err != nil {
		fs.log.End()
		return err
	}
	if err := fs.writeDinode(rootIno, &root); err != nil {
		fs.log.End()
		return err
	}
	return fs.log.End()
}

// Mount opens devicePath as a blkfs volume with the given buffer-cache
// capacity (in blocks) and returns its superblock, ready to serve or to
// pass to a vfs.Process/fuseadapter. It is mountBlkfs's exported form,
// the entry point a caller uses when it already knows it wants blkfs
// rather than going through the vfs.FSType registry by name.
func Mount(devicePath string, cacheCapacity int) (*vfs.Superblock, error) {
	return mountBlkfs(devicePath, cacheCapacity)
}

// mountBlkfs implements vfs.FSType.Mount: it opens device as a blkfs
// volume, replaying the write-ahead log if a crash left a committed
// transaction uninstalled, and rebuilding the free-block cache from the
// on-disk bitmap.
func mountBlkfs(devicePath string, data any) (*vfs.Superblock, error) {
	store, err := bufcache.OpenFileStore(devicePath, BSIZE)
	if err != nil {
		return nil, err
	}

	capacity := 256
	if n, ok := data.(int); ok && n > 0 {
		capacity = n
	}
	cache := bufcache.NewCache(store, capacity)

	sbBuf, err := cache.Bread(1)
	if err != nil {
		return nil, err
	}
	var rec superblockRecord
	rec.unmarshal(sbBuf.Data[:superblockRecordSize])
	cache.Brelse(sbBuf)
	if rec.Magic != diskMagic {
		return nil, fmt.Errorf("blkfs: %s is not a blkfs volume", devicePath)
	}

	klog.Infof("blkfs: mounting %s (%d blocks, %d inodes)", devicePath, rec.Size, rec.NInodes)

	log, err := OpenLog(cache, rec.LogStart, rec.NLog)
	if err != nil {
		return nil, err
	}

	fs := &FS{cache: cache, store: store, log: log, sbRec: rec}

	free, err := NewFreeMap(cache, rec.BmapStart, fs.dataStart(), rec.NBlocks)
	if err != nil {
		return nil, err
	}
	fs.free = free
	klog.Debugf("blkfs: free-block cache built: %d of %d data blocks free",
		free.FreeCount(), rec.NBlocks)

	sb := vfs.NewSuperblock(fsType, devicePath, fs, rootIno)
	fs.sb = sb
	return sb, nil
}

func dtypeForMode(mode os.FileMode) uint16 {
	switch {
	case mode.IsDir():
		return dtDir
	case mode&os.ModeSymlink != 0:
		return dtLink
	case mode&os.ModeCharDevice != 0 && mode&os.ModeDevice != 0:
		return dtChar
	case mode&os.ModeDevice != 0:
		return dtBlk
	default:
		return dtReg
	}
}

func modeForDtype(t uint16, perm os.FileMode) os.FileMode {
	switch t {
	case dtDir:
		return os.ModeDir | perm
	case dtLink:
		return os.ModeSymlink | perm
	case dtChar:
		return os.ModeDevice | os.ModeCharDevice | perm
	case dtBlk:
		return os.ModeDevice | perm
	default:
		return perm
	}
}

// populate fills in's cached attrs from d and marks it valid. Must be
// called with in locked (or freshly constructed, before it escapes).
func (fs *FS) populate(in *vfs.Inode, d *dinode) {
	in.SetMode(modeForDtype(d.Type, os.FileMode(d.Perm)))
	in.SetNlink(uint32(d.Nlink))
	in.SetSize(uint64(d.Size))
	in.SetDev(device.ID{Major: uint32(d.Major), Minor: uint32(d.Minor)})
	in.SetValid()
	in.ClearDirty()
}

// Load implements vfs.Ops: populates a resident-but-unvalidated inode from
// its on-disk dinode record. It is a no-op if in is already valid, so both
// inodeFor and Superblock.Root() can call it unconditionally.
func (fs *FS) Load(in *vfs.Inode) error {
	if in.Valid() {
		return nil
	}

	var d dinode
	if err := fs.readDinode(uint32(in.Ino), &d); err != nil {
		return err
	}
	if d.Type == dtFree {
		return vfserrno.ENOENT
	}
	fs.populate(in, &d)
	return nil
}

// inodeFor materializes the *vfs.Inode for ino, loading its on-disk attrs
// the first time it is seen.
func (fs *FS) inodeFor(ino uint32) (*vfs.Inode, error) {
	in, err := fs.sb.GetInode(uint64(ino))
	if err != nil {
		return nil, err
	}
	if err := fs.Load(in); err != nil {
		in.Put()
		return nil, err
	}
	return in, nil
}

// Lookup implements vfs.Ops.
func (fs *FS) Lookup(dir *vfs.Inode, name string) (*vfs.Inode, error) {
	dir.LockSimple()
	var d dinode
	if err := fs.readDinode(uint32(dir.Ino), &d); err != nil {
		dir.Unlock()
		return nil, err
	}
	childIno, found, err := fs.dirLookup(uint32(dir.Ino), &d, name)
	dir.Unlock()
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, vfserrno.ENOENT
	}
	return fs.inodeFor(childIno)
}

// Readlink implements vfs.Ops.
func (fs *FS) Readlink(in *vfs.Inode) (string, error) {
	in.LockSimple()
	defer in.Unlock()

	var d dinode
	if err := fs.readDinode(uint32(in.Ino), &d); err != nil {
		return "", err
	}
	buf := make([]byte, d.Size)
	if _, err := fs.readAt(uint32(in.Ino), &d, buf, 0); err != nil {
		return "", err
	}
	return string(buf), nil
}

// createInode allocates a fresh inode of the given type/mode, links it
// into dir under name, and returns it. Caller has opened the transaction
// and holds dir's lock.
func (fs *FS) createInode(dir *vfs.Inode, name string, mode os.FileMode, dev device.ID, nlink uint16) (*vfs.Inode, error) {
	var dd dinode
	if err := fs.readDinode(uint32(dir.Ino), &dd); err != nil {
		return nil, err
	}
	if _, found, err := fs.dirLookup(uint32(dir.Ino), &dd, name); err != nil {
		return nil, err
	} else if found {
		return nil, vfserrno.EEXIST
	}

	childIno, err := fs.ialloc(dtypeForMode(mode))
	if err != nil {
		return nil, err
	}
	child := dinode{
		Type:  dtypeForMode(mode),
		Perm:  uint16(mode.Perm()),
		Nlink: nlink,
		Major: uint16(dev.Major),
		Minor: uint16(dev.Minor),
	}
	if err := fs.writeDinode(childIno, &child); err != nil {
		return nil, err
	}
	if err := fs.dirLink(uint32(dir.Ino), &dd, name, childIno); err != nil {
		return nil, err
	}

	return fs.inodeFor(childIno)
}

// Create implements vfs.Ops.
func (fs *FS) Create(dir *vfs.Inode, name string, mode os.FileMode) (*vfs.Inode, error) {
	fs.log.Begin()
	defer fs.log.End()

	dir.LockSimple()
	defer dir.Unlock()
	return fs.createInode(dir, name, mode, device.ID{}, 1)
}

// Mknod implements vfs.Ops.
func (fs *FS) Mknod(dir *vfs.Inode, name string, mode os.FileMode, dev device.ID) (*vfs.Inode, error) {
	fs.log.Begin()
	defer fs.log.End()

	dir.LockSimple()
	defer dir.Unlock()
	return fs.createInode(dir, name, mode, dev, 1)
}

// Symlink implements vfs.Ops, storing the target string as the new
// inode's regular file content.
func (fs *FS) Symlink(dir *vfs.Inode, name string, target string) (*vfs.Inode, error) {
	fs.log.Begin()
	defer fs.log.End()

	dir.LockSimple()
	defer dir.Unlock()

	in, err := fs.createInode(dir, name, os.ModeSymlink|0o777, device.ID{}, 1)
	if err != nil {
		return nil, err
	}
	var d dinode
	if err := fs.readDinode(uint32(in.Ino), &d); err != nil {
		in.Put()
		return nil, err
	}
	if _, err := fs.writeAt(uint32(in.Ino), &d, []byte(target), 0); err != nil {
		in.Put()
		return nil, err
	}
	in.SetSize(uint64(d.Size))
	return in, nil
}

// Mkdir implements vfs.Ops: allocates a directory inode, populates "."
// and "..", links it into the parent, and bumps the parent's on-disk
// nlink for the new ".." reference (xv6's mkdir convention).
func (fs *FS) Mkdir(dir *vfs.Inode, name string, mode os.FileMode) (*vfs.Inode, error) {
	fs.log.Begin()
	defer fs.log.End()

	dir.LockSimple()
	defer dir.Unlock()

	child, err := fs.createInode(dir, name, mode|os.ModeDir, device.ID{}, 1)
	if err != nil {
		return nil, err
	}
	var cd dinode
	if err := fs.readDinode(uint32(child.Ino), &cd); err != nil {
		child.Put()
		return nil, err
	}
	if err := fs.dirLink(uint32(child.Ino), &cd, ".", uint32(child.Ino)); err != nil {
		child.Put()
		return nil, err
	}
	if err := fs.dirLink(uint32(child.Ino), &cd, "..", uint32(dir.Ino)); err != nil {
		child.Put()
		return nil, err
	}

	var pd dinode
	if err := fs.readDinode(uint32(dir.Ino), &pd); err != nil {
		child.Put()
		return nil, err
	}
	pd.Nlink++
	if err := fs.writeDinode(uint32(dir.Ino), &pd); err != nil {
		child.Put()
		return nil, err
	}
	dir.AddLink(1)

	return child, nil
}

// Link implements vfs.Ops: adds a second name for an existing inode. The
// two inodes are locked one after the other, never simultaneously, so no
// ordering question arises.
func (fs *FS) Link(dir *vfs.Inode, name string, target *vfs.Inode) error {
	if target.Mode().IsDir() {
		return vfserrno.EACCES
	}

	fs.log.Begin()
	defer fs.log.End()

	dir.LockSimple()
	var dd dinode
	if err := fs.readDinode(uint32(dir.Ino), &dd); err != nil {
		dir.Unlock()
		return err
	}
	if err := fs.dirLink(uint32(dir.Ino), &dd, name, uint32(target.Ino)); err != nil {
		dir.Unlock()
		return err
	}
	dir.Unlock()

	target.LockSimple()
	defer target.Unlock()
	var td dinode
	if err := fs.readDinode(uint32(target.Ino), &td); err != nil {
		return err
	}
	td.Nlink++
	if err := fs.writeDinode(uint32(target.Ino), &td); err != nil {
		return err
	}
	target.AddLink(1)
	return nil
}

// Unlink implements vfs.Ops: refuses "." and "..", decrements the
// target's durable nlink, and frees its storage immediately if nothing
// currently holds it open.
func (fs *FS) Unlink(dir *vfs.Inode, name string) error {
	if name == "." || name == ".." {
		return vfserrno.EINVAL
	}

	fs.log.Begin()
	defer fs.log.End()

	dir.LockSimple()
	defer dir.Unlock()

	var dd dinode
	if err := fs.readDinode(uint32(dir.Ino), &dd); err != nil {
		return err
	}
	childIno, found, err := fs.dirLookup(uint32(dir.Ino), &dd, name)
	if err != nil {
		return err
	}
	if !found {
		return vfserrno.ENOENT
	}

	var cd dinode
	if err := fs.readDinode(childIno, &cd); err != nil {
		return err
	}
	if cd.Type == dtDir {
		empty, err := fs.dirIsEmpty(childIno, &cd)
		if err != nil {
			return err
		}
		if !empty {
			return vfserrno.ENOTSUP
		}
	}

	if _, err := fs.dirUnlink(uint32(dir.Ino), &dd, name); err != nil {
		return err
	}
	if cd.Nlink > 0 {
		cd.Nlink--
	}
	if err := fs.writeDinode(childIno, &cd); err != nil {
		return err
	}

	if resident, ok := fs.sb.Resident(uint64(childIno)); ok {
		resident.LockSimple()
		resident.AddLink(-1)
		resident.Unlock()
	} else if cd.Nlink == 0 {
		if err := fs.ifree(childIno); err != nil {
			return err
		}
	}
	return nil
}

// Rmdir implements vfs.Ops: like Unlink, but only for empty directories,
// and also drops the parent's link for the removed "..".
func (fs *FS) Rmdir(dir *vfs.Inode, name string) error {
	if name == "." || name == ".." {
		return vfserrno.EINVAL
	}

	fs.log.Begin()
	defer fs.log.End()

	dir.LockSimple()
	defer dir.Unlock()

	var dd dinode
	if err := fs.readDinode(uint32(dir.Ino), &dd); err != nil {
		return err
	}
	childIno, found, err := fs.dirLookup(uint32(dir.Ino), &dd, name)
	if err != nil {
		return err
	}
	if !found {
		return vfserrno.ENOENT
	}

	var cd dinode
	if err := fs.readDinode(childIno, &cd); err != nil {
		return err
	}
	if cd.Type != dtDir {
		return vfserrno.ENOTDIR
	}
	empty, err := fs.dirIsEmpty(childIno, &cd)
	if err != nil {
		return err
	}
	if !empty {
		return vfserrno.ENOTSUP
	}

	if _, err := fs.dirUnlink(uint32(dir.Ino), &dd, name); err != nil {
		return err
	}
	dd.Nlink--
	if err := fs.writeDinode(uint32(dir.Ino), &dd); err != nil {
		return err
	}
	dir.AddLink(-1)

	if resident, ok := fs.sb.Resident(uint64(childIno)); ok {
		resident.LockSimple()
		resident.AddLink(-1)
		resident.Unlock()
		return nil
	}
	return fs.ifree(childIno)
}

// Move implements vfs.Ops: unlink from the source directory, link into
// the destination, inside one transaction so a crash never leaves the
// entry in neither or both places. Both directories are taken in the
// deterministic two-directory lock order.
func (fs *FS) Move(oldDir *vfs.Inode, oldName string, newDir *vfs.Inode, newName string) error {
	fs.log.Begin()
	defer fs.log.End()

	vfs.LockTwoDirectories(oldDir, newDir)
	defer vfs.UnlockTwo(oldDir, newDir)

	var od dinode
	if err := fs.readDinode(uint32(oldDir.Ino), &od); err != nil {
		return err
	}
	childIno, err := fs.dirUnlink(uint32(oldDir.Ino), &od, oldName)
	if err != nil {
		return err
	}

	var nd dinode
	if err := fs.readDinode(uint32(newDir.Ino), &nd); err != nil {
		return err
	}
	if err := fs.dirLink(uint32(newDir.Ino), &nd, newName, childIno); err != nil {
		// Roll back: put the entry back where it was.
		fs.dirLink(uint32(oldDir.Ino), &od, oldName, childIno)
		return err
	}
	return nil
}

// Truncate implements vfs.Ops.
func (fs *FS) Truncate(in *vfs.Inode, newSize uint64) error {
	fs.log.Begin()
	defer fs.log.End()

	in.LockSimple()
	defer in.Unlock()

	var d dinode
	if err := fs.readDinode(uint32(in.Ino), &d); err != nil {
		return err
	}
	if err := fs.truncate(uint32(in.Ino), &d, newSize); err != nil {
		return err
	}
	in.SetSize(newSize)
	return nil
}

// DirIter implements vfs.Ops. fn runs with dir's lock held; it must not
// re-enter this filesystem.
func (fs *FS) DirIter(in *vfs.Inode, offset uint64, fn func(vfs.Dentry) bool) error {
	in.LockSimple()
	defer in.Unlock()

	var d dinode
	if err := fs.readDinode(uint32(in.Ino), &d); err != nil {
		return err
	}
	return fs.dirIter(uint32(in.Ino), &d, offset, fn)
}

// Open implements vfs.Ops: every openable blkfs inode type shares the
// same FileOps, ReadAt/WriteAt dispatching through the block map.
func (fs *FS) Open(in *vfs.Inode, flags vfs.OpenFlags) (vfs.FileOps, error) {
	return fs, nil
}

// Release implements vfs.Ops: a linked, still-open inode has nothing to
// flush beyond what writeDinode already persisted synchronously.
func (fs *FS) Release(in *vfs.Inode) error { return nil }

// Sync implements vfs.Ops.
func (fs *FS) Sync(in *vfs.Inode) error {
	if !in.Dirty() {
		return nil
	}
	fs.log.Begin()
	defer fs.log.End()

	in.LockSimple()
	defer in.Unlock()

	var d dinode
	if err := fs.readDinode(uint32(in.Ino), &d); err != nil {
		return err
	}
	d.Nlink = uint16(in.Nlink())
	d.Size = uint32(in.Size())
	if err := fs.writeDinode(uint32(in.Ino), &d); err != nil {
		return err
	}
	in.ClearDirty()
	return nil
}

// Free implements vfs.Ops: reclaims an unlinked, unreferenced inode. No
// inode lock is needed; nothing else can reach the inode anymore.
func (fs *FS) Free(in *vfs.Inode) error {
	fs.log.Begin()
	defer fs.log.End()
	return fs.ifree(uint32(in.Ino))
}

// ReadAt implements vfs.FileOps. The caller (vfs.File) holds no inode
// lock across this call, so blkfs takes it itself around the dinode
// read and the block reads.
func (fs *FS) ReadAt(in *vfs.Inode, buf []byte, off int64) (int, error) {
	in.LockSimple()
	defer in.Unlock()

	var d dinode
	if err := fs.readDinode(uint32(in.Ino), &d); err != nil {
		return 0, err
	}
	return fs.readAt(uint32(in.Ino), &d, buf, off)
}

// maxWriteChunk bounds how many bytes one transaction may write: each
// data block can cost its own log slot plus a bitmap slot, and the
// inode and indirect blocks need one each, so a large write is split
// into chunks that each fit the per-operation block budget.
const maxWriteChunk = ((MaxOpBlocks - 1 - 1 - 2) / 2) * BSIZE

// WriteAt implements vfs.FileOps, splitting the write into
// transaction-sized chunks. Within each chunk the transaction opens
// before the inode lock, the same order every other mutating method
// follows; a chunk boundary is also a commit boundary, so a crash
// mid-write leaves a prefix of whole chunks.
func (fs *FS) WriteAt(in *vfs.Inode, buf []byte, off int64) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	total := 0
	for total < len(buf) {
		chunk := buf[total:]
		if len(chunk) > maxWriteChunk {
			chunk = chunk[:maxWriteChunk]
		}

		n, err := fs.writeChunk(in, chunk, off+int64(total))
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func (fs *FS) writeChunk(in *vfs.Inode, chunk []byte, off int64) (int, error) {
	fs.log.Begin()
	defer fs.log.End()

	in.LockSimple()
	defer in.Unlock()

	var d dinode
	if err := fs.readDinode(uint32(in.Ino), &d); err != nil {
		return 0, err
	}
	n, err := fs.writeAt(uint32(in.Ino), &d, chunk, off)
	if n > 0 {
		in.SetSize(uint64(d.Size))
	}
	return n, err
}

// Close flushes and releases the backing device, for callers that format
// and mount a volume in the same process (tests, cmd/mountvfs).
func (fs *FS) Close() error {
	if err := fs.store.Sync(); err != nil {
		return err
	}
	return fs.store.Close()
}
