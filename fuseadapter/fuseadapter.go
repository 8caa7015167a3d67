// Package fuseadapter bridges a mounted vfs.Superblock onto
// github.com/jacobsa/fuse. It implements fuseutil.FileSystem directly
// (rather than embedding fuseutil.NotImplementedFileSystem, whose zero
// value this package never needs): each method takes the op the kernel
// sent, does the corresponding vfs.Ops call, and Responds on the op
// itself, the same contract fuseutil.NewFileSystemServer documents.
//
// The pinned fuse library's FileSystem interface has no Rename or
// hardlink-creation op; a mounted filesystem built on this adapter
// inherits that limitation; vfs.Ops.Move and vfs.Ops.Link remain
// reachable through a vfs.Process, just not through the mount.
package fuseadapter

import (
	"os"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/timeutil"

	"github.com/gokernel/vfskit/vfs"
	"github.com/gokernel/vfskit/vfserrno"
	"github.com/gokernel/vfskit/vfsutil"
)

// attrTTL is how long the kernel may cache attributes and dentries
// before revalidating. This adapter never mutates a mounted filesystem
// behind the kernel's back, so a generous TTL is safe.
const attrTTL = 365 * 24 * time.Hour

// FS adapts a single mounted vfs.Superblock to fuseutil.FileSystem. A
// fuseops.InodeID doubles as the vfs.Ino it names; the only bookkeeping
// this package needs to add on top is the lookup-reference count the
// kernel expects ForgetInode to drain, and the handle tables FUSE's
// Open/Read/Write/Release protocol needs that vfs.Process already keeps
// for its own file descriptors.
type FS struct {
	sb    *vfs.Superblock
	clock timeutil.Clock

	mu          sync.Mutex
	lookupRefs  map[fuseops.InodeID]uint64
	resident    map[fuseops.InodeID]*vfs.Inode
	nextHandle  fuseops.HandleID
	dirHandles  map[fuseops.HandleID]*vfs.Inode
	fileHandles map[fuseops.HandleID]*fileHandle
}

type fileHandle struct {
	in   *vfs.Inode
	fops vfs.FileOps
}

// New wraps sb for serving over FUSE. clock drives attribute-expiration
// timestamps; file timestamps themselves come from the backing
// filesystem's own Stat.
func New(sb *vfs.Superblock, clock timeutil.Clock) *FS {
	return &FS{
		sb:          sb,
		clock:       clock,
		lookupRefs:  make(map[fuseops.InodeID]uint64),
		resident:    make(map[fuseops.InodeID]*vfs.Inode),
		dirHandles:  make(map[fuseops.HandleID]*vfs.Inode),
		fileHandles: make(map[fuseops.HandleID]*fileHandle),
	}
}

// track registers in under its own Ino as a resident, kernel-visible
// inode, bumping the lookup-reference count an eventual ForgetInode
// drains. It takes ownership of in's reference, folding it into the
// existing resident entry if the kernel already knows this inode.
func (fs *FS) track(in *vfs.Inode) fuseops.InodeID {
	id := fuseops.InodeID(in.Ino)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if existing, ok := fs.resident[id]; ok {
		in.Put()
		in = existing
	} else {
		fs.resident[id] = in
	}
	fs.lookupRefs[id]++
	return id
}

func (fs *FS) inodeByID(id fuseops.InodeID) (*vfs.Inode, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	in, ok := fs.resident[id]
	return in, ok
}

func toErrno(err error) error {
	if err == nil {
		return nil
	}
	e, ok := err.(vfserrno.Errno)
	if !ok {
		return err
	}
	switch e {
	case vfserrno.ENOENT:
		return fuse.ENOENT
	case vfserrno.EEXIST:
		return fuse.EEXIST
	case vfserrno.ENOTDIR, vfserrno.EISDIR, vfserrno.EINVAL, vfserrno.ENOTSUP,
		vfserrno.ENOSPC, vfserrno.EFBIG, vfserrno.EACCES, vfserrno.ESTALE:
		return e
	default:
		return e
	}
}

func toAttrs(st vfs.Stat) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:   st.Size,
		Nlink:  st.Nlink,
		Mode:   st.Mode,
		Atime:  st.Atime,
		Mtime:  st.Mtime,
		Ctime:  st.Ctime,
		Crtime: st.Ctime,
		Uid:    st.Uid,
		Gid:    st.Gid,
	}
}

func (fs *FS) fillEntry(entry *fuseops.ChildInodeEntry, in *vfs.Inode) {
	entry.Child = fs.track(in)
	entry.Attributes = toAttrs(in.Stat())
	entry.AttributesExpiration = fs.clock.Now().Add(attrTTL)
	entry.EntryExpiration = fs.clock.Now().Add(attrTTL)
}

func (fs *FS) newHandle() fuseops.HandleID {
	fs.nextHandle++
	return fs.nextHandle
}

////////////////////////////////////////////////////////////////////////
// Mount lifecycle
////////////////////////////////////////////////////////////////////////

func (fs *FS) Init(op *fuseops.InitOp) {
	root, err := fs.sb.Root()
	if err != nil {
		op.Respond(toErrno(err))
		return
	}
	fs.mu.Lock()
	fs.resident[fuseops.RootInodeID] = root
	fs.lookupRefs[fuseops.RootInodeID] = 1
	fs.mu.Unlock()
	op.Respond(nil)
}

////////////////////////////////////////////////////////////////////////
// Inodes
////////////////////////////////////////////////////////////////////////

func (fs *FS) LookUpInode(op *fuseops.LookUpInodeOp) {
	parent, ok := fs.inodeByID(op.Parent)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}

	child, err := parent.Ops.Lookup(parent, op.Name)
	if err != nil {
		op.Respond(toErrno(err))
		return
	}

	fs.fillEntry(&op.Entry, child)
	op.Respond(nil)
}

func (fs *FS) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) {
	in, ok := fs.inodeByID(op.Inode)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	op.Attributes = toAttrs(in.Stat())
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
	op.Respond(nil)
}

func (fs *FS) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) {
	in, ok := fs.inodeByID(op.Inode)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}

	if op.Size != nil {
		if err := in.Ops.Truncate(in, *op.Size); err != nil {
			op.Respond(toErrno(err))
			return
		}
	}

	in.LockSimple()
	if op.Mode != nil {
		in.SetMode(*op.Mode)
	}
	var atime, mtime time.Time
	if op.Atime != nil {
		atime = *op.Atime
	}
	if op.Mtime != nil {
		mtime = *op.Mtime
	}
	if !atime.IsZero() || !mtime.IsZero() {
		in.SetTimes(atime, mtime, time.Time{})
	}
	in.Unlock()

	op.Attributes = toAttrs(in.Stat())
	op.AttributesExpiration = fs.clock.Now().Add(attrTTL)
	op.Respond(nil)
}

// ForgetInode drops one outstanding kernel lookup reference. Each call
// is treated as forgetting exactly one lookup since this vintage's
// ForgetInodeOp carries no explicit count field to coalesce against.
func (fs *FS) ForgetInode(op *fuseops.ForgetInodeOp) {
	fs.mu.Lock()
	in, ok := fs.resident[op.ID]
	if !ok {
		fs.mu.Unlock()
		op.Respond(nil)
		return
	}
	fs.lookupRefs[op.ID]--
	drop := fs.lookupRefs[op.ID] == 0
	if drop {
		delete(fs.resident, op.ID)
		delete(fs.lookupRefs, op.ID)
	}
	fs.mu.Unlock()

	if drop {
		op.Respond(toErrno(in.Put()))
		return
	}
	op.Respond(nil)
}

////////////////////////////////////////////////////////////////////////
// Inode creation
////////////////////////////////////////////////////////////////////////

func (fs *FS) MkDir(op *fuseops.MkDirOp) {
	parent, ok := fs.inodeByID(op.Parent)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	child, err := parent.Ops.Mkdir(parent, op.Name, op.Mode|os.ModeDir)
	if err != nil {
		op.Respond(toErrno(err))
		return
	}
	fs.fillEntry(&op.Entry, child)
	op.Respond(nil)
}

func (fs *FS) CreateFile(op *fuseops.CreateFileOp) {
	parent, ok := fs.inodeByID(op.Parent)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	child, err := parent.Ops.Create(parent, op.Name, op.Mode)
	if err != nil {
		op.Respond(toErrno(err))
		return
	}
	fs.fillEntry(&op.Entry, child)

	fops, err := child.Ops.Open(child, vfs.O_RDWR)
	if err != nil {
		op.Respond(toErrno(err))
		return
	}

	dup, err := child.Dup()
	if err != nil {
		op.Respond(toErrno(err))
		return
	}

	fs.mu.Lock()
	h := fs.newHandle()
	fs.fileHandles[h] = &fileHandle{in: dup, fops: fops}
	fs.mu.Unlock()

	op.Handle = h
	op.Respond(nil)
}

func (fs *FS) CreateSymlink(op *fuseops.CreateSymlinkOp) {
	parent, ok := fs.inodeByID(op.Parent)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	child, err := parent.Ops.Symlink(parent, op.Name, op.Target)
	if err != nil {
		op.Respond(toErrno(err))
		return
	}
	fs.fillEntry(&op.Entry, child)
	op.Respond(nil)
}

////////////////////////////////////////////////////////////////////////
// Unlinking
////////////////////////////////////////////////////////////////////////

func (fs *FS) RmDir(op *fuseops.RmDirOp) {
	parent, ok := fs.inodeByID(op.Parent)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	op.Respond(toErrno(parent.Ops.Rmdir(parent, op.Name)))
}

func (fs *FS) Unlink(op *fuseops.UnlinkOp) {
	parent, ok := fs.inodeByID(op.Parent)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	op.Respond(toErrno(parent.Ops.Unlink(parent, op.Name)))
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *FS) OpenDir(op *fuseops.OpenDirOp) {
	in, ok := fs.inodeByID(op.Inode)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	fs.mu.Lock()
	h := fs.newHandle()
	fs.dirHandles[h] = in
	fs.mu.Unlock()
	op.Handle = h
	op.Respond(nil)
}

func (fs *FS) ReadDir(op *fuseops.ReadDirOp) {
	fs.mu.Lock()
	in, ok := fs.dirHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		op.Respond(fuse.EIO)
		return
	}

	buf := make([]byte, op.Size)
	n := 0
	err := in.Ops.DirIter(in, uint64(op.Offset), func(d vfs.Dentry) bool {
		written := fuseutil.WriteDirent(buf[n:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(d.Cookie),
			Inode:  fuseops.InodeID(d.Ino),
			Name:   d.Name,
			Type:   fuseDirentType(d.Type),
		})
		if d.Release != nil {
			d.Release()
		}
		if written == 0 {
			return false
		}
		n += written
		return true
	})
	if err != nil {
		op.Respond(toErrno(err))
		return
	}
	op.Data = buf[:n]
	op.Respond(nil)
}

func fuseDirentType(t vfsutil.DirentType) fuseutil.DirentType {
	switch t {
	case vfsutil.DT_Dir:
		return fuseutil.DT_Directory
	case vfsutil.DT_Link:
		return fuseutil.DT_Link
	case vfsutil.DT_Char:
		return fuseutil.DT_Char
	case vfsutil.DT_Block:
		return fuseutil.DT_Block
	case vfsutil.DT_FIFO:
		return fuseutil.DT_FIFO
	case vfsutil.DT_Socket:
		return fuseutil.DT_Socket
	case vfsutil.DT_Regular:
		return fuseutil.DT_File
	default:
		return fuseutil.DT_Unknown
	}
}

func (fs *FS) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) {
	fs.mu.Lock()
	delete(fs.dirHandles, op.Handle)
	fs.mu.Unlock()
	op.Respond(nil)
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

func (fs *FS) OpenFile(op *fuseops.OpenFileOp) {
	in, ok := fs.inodeByID(op.Inode)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	fops, err := in.Ops.Open(in, vfs.O_RDWR)
	if err != nil {
		op.Respond(toErrno(err))
		return
	}

	dup, err := in.Dup()
	if err != nil {
		op.Respond(toErrno(err))
		return
	}

	fs.mu.Lock()
	h := fs.newHandle()
	fs.fileHandles[h] = &fileHandle{in: dup, fops: fops}
	fs.mu.Unlock()

	op.Handle = h
	op.Respond(nil)
}

func (fs *FS) ReadFile(op *fuseops.ReadFileOp) {
	fs.mu.Lock()
	h, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		op.Respond(fuse.EIO)
		return
	}

	buf := make([]byte, op.Size)
	n, err := h.fops.ReadAt(h.in, buf, op.Offset)
	op.Data = buf[:n]
	if err != nil && n > 0 {
		err = nil // a short read signals EOF to FUSE on its own
	}
	op.Respond(toErrno(err))
}

func (fs *FS) WriteFile(op *fuseops.WriteFileOp) {
	fs.mu.Lock()
	h, ok := fs.fileHandles[op.Handle]
	fs.mu.Unlock()
	if !ok {
		op.Respond(fuse.EIO)
		return
	}

	_, err := h.fops.WriteAt(h.in, op.Data, op.Offset)
	op.Respond(toErrno(err))
}

func (fs *FS) SyncFile(op *fuseops.SyncFileOp) {
	in, ok := fs.inodeByID(op.Inode)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	op.Respond(toErrno(in.Ops.Sync(in)))
}

func (fs *FS) FlushFile(op *fuseops.FlushFileOp) {
	in, ok := fs.inodeByID(op.Inode)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	op.Respond(toErrno(in.Ops.Sync(in)))
}

func (fs *FS) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) {
	fs.mu.Lock()
	h, ok := fs.fileHandles[op.Handle]
	delete(fs.fileHandles, op.Handle)
	fs.mu.Unlock()
	if !ok {
		op.Respond(nil)
		return
	}
	op.Respond(toErrno(h.in.Put()))
}

////////////////////////////////////////////////////////////////////////
// Symlinks
////////////////////////////////////////////////////////////////////////

func (fs *FS) ReadSymlink(op *fuseops.ReadSymlinkOp) {
	in, ok := fs.inodeByID(op.Inode)
	if !ok {
		op.Respond(fuse.ENOENT)
		return
	}
	target, err := in.Ops.Readlink(in)
	if err != nil {
		op.Respond(toErrno(err))
		return
	}
	op.Target = target
	op.Respond(nil)
}
