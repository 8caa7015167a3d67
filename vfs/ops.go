// Package vfs implements the filesystem-independent core: inode reference
// counting and locking, path resolution and the mount graph, and the
// file-object/open-file-table layer that dispatches regular-file,
// directory, device, pipe and socket I/O behind one uniform File type.
//
// A concrete filesystem (memfs, blkfs) supplies an Ops vtable per inode
// and, for openable inode types, a FileOps vtable installed by Ops.Open.
// Nothing in this package knows how memfs or blkfs lay out their data;
// it only knows how to sequence refcounts and dispatch. Locking is the
// driver's job: Ops methods are invoked with no inode lock held, so a
// journaling driver can open its transaction before taking any lock.
package vfs

import (
	"os"
	"time"

	"github.com/gokernel/vfskit/device"
)

// OpenFlags mirrors the open(2) flag bits.
type OpenFlags uint32

const (
	O_RDONLY  OpenFlags = 0
	O_WRONLY  OpenFlags = 1
	O_RDWR    OpenFlags = 2
	O_ACCMODE OpenFlags = 3

	O_CREAT  OpenFlags = 0x40
	O_EXCL   OpenFlags = 0x80
	O_TRUNC  OpenFlags = 0x200
	O_APPEND OpenFlags = 0x400
)

func (f OpenFlags) accmode() OpenFlags { return f & O_ACCMODE }

// Readable reports whether f permits reads.
func (f OpenFlags) Readable() bool {
	return f.accmode() == O_RDONLY || f.accmode() == O_RDWR
}

// Writable reports whether f permits writes.
func (f OpenFlags) Writable() bool {
	return f.accmode() == O_WRONLY || f.accmode() == O_RDWR
}

// SeekWhence mirrors lseek(2)'s whence argument.
type SeekWhence int

const (
	SeekSet SeekWhence = iota
	SeekCur
	SeekEnd
)

// Stat is the fstat(2)-shaped attribute snapshot.
type Stat struct {
	Ino     uint64
	Mode    os.FileMode
	Nlink   uint32
	Size    uint64
	Nblocks uint64
	Uid     uint32
	Gid     uint32
	Atime   time.Time
	Mtime   time.Time
	Ctime   time.Time
}

// Ops is the per-inode operation vtable a filesystem must provide. Every
// method acts on an inode of the filesystem that produced it. Methods are
// called with no inode lock held; the driver acquires whatever locks it
// needs internally, and a journaling driver opens its transaction first,
// before any lock, so waiting for journal space can never stall a thread
// that holds a lock some in-flight operation needs.
//
// Directory-mutating methods return the child inode, already Dup'd for
// the caller, the same way xv6's create() hands back a ref'd inode to its
// callers.
type Ops interface {
	// Load populates a resident-but-unvalidated inode's attrs from the
	// backing store (Impl, mode, nlink, size, times) and calls SetValid.
	// It is a no-op if the inode is already Valid. Superblock.Root() calls
	// this on the root inode the first time it is materialized, the same
	// population step Lookup/Create results get via the driver's own
	// inodeFor-style helper.
	Load(in *Inode) error

	// Open installs the FileOps vtable this inode should use for
	// subsequent reads/writes, or returns ENOTSUP if the inode type
	// cannot be opened this way.
	Open(in *Inode, flags OpenFlags) (FileOps, error)

	// Release is invoked when an inode's refcount drops to zero while
	// still linked; it should flush any buffered state.
	Release(in *Inode) error

	// Lookup resolves name within the directory inode dir, returning the
	// child inode with its reference count already incremented.
	Lookup(dir *Inode, name string) (*Inode, error)

	// Readlink returns a symlink's target.
	Readlink(in *Inode) (string, error)

	Create(dir *Inode, name string, mode os.FileMode) (*Inode, error)
	Mknod(dir *Inode, name string, mode os.FileMode, dev device.ID) (*Inode, error)
	Link(dir *Inode, name string, target *Inode) error
	Unlink(dir *Inode, name string) error
	Mkdir(dir *Inode, name string, mode os.FileMode) (*Inode, error)
	Rmdir(dir *Inode, name string) error
	Move(oldDir *Inode, oldName string, newDir *Inode, newName string) error
	Symlink(dir *Inode, name string, target string) (*Inode, error)

	// Truncate resizes a regular file's content to newSize, per the
	// embedded/page-cache (memfs) or block-map (blkfs) rules.
	Truncate(in *Inode, newSize uint64) error

	// DirIter walks in's entries starting at the cookie offset, invoking
	// fn once per live entry until fn returns false or the directory is
	// exhausted. Each Dentry's Cookie is the offset iteration resumes
	// from after that entry; the callback owns calling Release (if set)
	// on every Dentry it is handed, including the one it stops on.
	DirIter(in *Inode, offset uint64, fn func(Dentry) bool) error

	// Sync writes a dirty inode back to its backing store.
	Sync(in *Inode) error

	// Free reclaims an unlinked, unreferenced inode's storage.
	Free(in *Inode) error
}

// FileOps is installed by Ops.Open for regular files, directories and
// symlinks. Character/block devices, pipes and sockets bypass FileOps
// entirely; File dispatches to them directly.
type FileOps interface {
	ReadAt(in *Inode, buf []byte, off int64) (int, error)
	WriteAt(in *Inode, buf []byte, off int64) (int, error)
}
