package vfs

import (
	"sync"
	"sync/atomic"

	"github.com/gokernel/vfskit/container"
	"github.com/gokernel/vfskit/device"
	"github.com/gokernel/vfskit/pipe"
	"github.com/gokernel/vfskit/socket"
	"github.com/gokernel/vfskit/vfserrno"
	"github.com/gokernel/vfskit/vfsutil"
)

// Kind distinguishes the backing object a File dispatches I/O to: a
// uniform file object covering regular files, directories, devices,
// pipes and sockets alike. The kind is fixed at open time.
type Kind int

const (
	KindInode Kind = iota
	KindChar
	KindBlock
	KindPipe
	KindSocket
)

// openFiles is the process-global table of every live File, kept for
// teardown and debugging; per-process fd-to-File mappings live in FTable.
// Its mutex is a leaf: taken only to splice a File in or out, never while
// a File or Inode lock is held.
var openFiles = struct {
	mu   sync.Mutex
	list *container.List[*File]
}{list: container.NewList[*File]()}

// OpenFileCount reports how many File objects are currently live across
// the whole process.
func OpenFileCount() int {
	openFiles.mu.Lock()
	defer openFiles.mu.Unlock()
	return openFiles.list.Len()
}

// EachOpenFile visits every live File, stopping early if fn returns
// false. fn must not open or close files.
func EachOpenFile(fn func(*File) bool) {
	openFiles.mu.Lock()
	defer openFiles.mu.Unlock()
	openFiles.list.Each(func(_ container.Handle, f *File) bool {
		return fn(f)
	})
}

// File is the open-file object shared by every file descriptor that
// results from the same open/pipe/socket call. Its own mutex guards the
// seek position and is taken before the inode lock on the I/O paths.
type File struct {
	mu sync.Mutex

	ref   int32
	kind  Kind
	flags OpenFlags

	// offset is the current file position for Inode-backed regular files
	// and the iteration cursor for directories; meaningless for pipes and
	// sockets, which are pure streams.
	offset int64

	inode   *Inode
	fileOps FileOps
	char    device.CharDevice
	block   device.BlockDevice

	pipe *pipe.Pipe
	sock *socket.Socket

	global container.Handle // position in the process-global open-file list
}

func attach(f *File) *File {
	openFiles.mu.Lock()
	f.global = openFiles.list.PushBack(f)
	openFiles.mu.Unlock()
	return f
}

func detach(f *File) {
	openFiles.mu.Lock()
	openFiles.list.Remove(f.global)
	openFiles.mu.Unlock()
}

// NewInodeFile wraps an already-open (Ops.Open has run) regular file,
// directory or symlink inode in a File, ref'd once for the caller.
func NewInodeFile(in *Inode, ops FileOps, flags OpenFlags) *File {
	return attach(&File{ref: 1, kind: KindInode, flags: flags, inode: in, fileOps: ops})
}

// NewCharDeviceFile wraps a character device, dispatching Read/Write
// straight to it with no offset tracking, matching a tty's semantics.
func NewCharDeviceFile(dev device.CharDevice, flags OpenFlags) *File {
	return attach(&File{ref: 1, kind: KindChar, flags: flags, char: dev})
}

// NewBlockDeviceFile wraps a block device handle. The handle is only
// attached; all block-device data I/O goes through the buffer cache, so
// Read and Write on the File itself fail with ENOTSUP.
func NewBlockDeviceFile(dev device.BlockDevice, flags OpenFlags) *File {
	return attach(&File{ref: 1, kind: KindBlock, flags: flags, block: dev})
}

// NewPipeFile wraps one end of a pipe.Pipe. An anonymous pipe's File has
// no inode at all; Close must (and does) honor that by closing the pipe
// endpoint without attempting an inode release.
func NewPipeFile(p *pipe.Pipe, flags OpenFlags) *File {
	return attach(&File{ref: 1, kind: KindPipe, flags: flags, pipe: p})
}

// NewSocketFile wraps a socket.Socket.
func NewSocketFile(s *socket.Socket, flags OpenFlags) *File {
	return attach(&File{ref: 1, kind: KindSocket, flags: flags, sock: s})
}

// Dup increments the File's reference count (fork- or dup(2)-style
// descriptor sharing) and returns it, failing with EBADF if the last
// reference has already been dropped.
func (f *File) Dup() (*File, error) {
	for {
		old := atomic.LoadInt32(&f.ref)
		if old <= 0 {
			return nil, vfserrno.EBADF
		}
		if atomic.CompareAndSwapInt32(&f.ref, old, old+1) {
			return f, nil
		}
	}
}

// Read reads into buf starting at the file's current offset (for
// Inode-backed files) or as a stream read (pipes, sockets, char devices),
// advancing the offset by the number of bytes read.
func (f *File) Read(buf []byte) (int, error) {
	if !f.flags.Readable() {
		return 0, vfserrno.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.kind {
	case KindPipe:
		return f.pipe.Read(buf)
	case KindSocket:
		return f.sock.Read(buf)
	case KindChar:
		return f.char.Read(buf)
	case KindBlock:
		return 0, vfserrno.ENOTSUP
	default:
		if f.inode.mode.IsDir() {
			return 0, vfserrno.EISDIR
		}
		n, err := f.fileOps.ReadAt(f.inode, buf, f.offset)
		f.offset += int64(n)
		return n, err
	}
}

// Write writes buf at the file's current offset (or appends, if O_APPEND
// is set), advancing the offset by the number of bytes written.
func (f *File) Write(buf []byte) (int, error) {
	if !f.flags.Writable() {
		return 0, vfserrno.EBADF
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.kind {
	case KindPipe:
		return f.pipe.Write(buf)
	case KindSocket:
		return f.sock.Write(buf)
	case KindChar:
		return f.char.Write(buf)
	case KindBlock:
		return 0, vfserrno.ENOTSUP
	default:
		if f.inode.mode.IsDir() {
			return 0, vfserrno.EISDIR
		}

		off := f.offset
		if f.flags&O_APPEND != 0 {
			off = int64(f.inode.Size())
		}
		n, err := f.fileOps.WriteAt(f.inode, buf, off)
		f.offset = off + int64(n)
		return n, err
	}
}

// Seek repositions an Inode-backed file's offset; every other kind
// rejects it with ESPIPE.
func (f *File) Seek(offset int64, whence SeekWhence) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.kind != KindInode || f.inode == nil {
		return 0, vfserrno.ESPIPE
	}

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.offset
	case SeekEnd:
		base = int64(f.inode.Size())
	default:
		return 0, vfserrno.EINVAL
	}

	newOff := base + offset
	if newOff < 0 {
		return 0, vfserrno.EINVAL
	}
	f.offset = newOff
	return newOff, nil
}

// Readdir returns the next batch of directory entries in getdents wire
// format, at most size bytes, starting from the file's current directory
// cursor and leaving the cursor positioned to resume after the last
// entry that fit.
func (f *File) Readdir(size int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.kind != KindInode || f.inode == nil || !f.inode.mode.IsDir() {
		return nil, vfserrno.ENOTDIR
	}

	var data []byte
	next := uint64(f.offset)
	err := f.inode.Ops.DirIter(f.inode, uint64(f.offset), func(d Dentry) bool {
		defer func() {
			if d.Release != nil {
				d.Release()
			}
		}()
		rec := vfsutil.Dirent{Ino: d.Ino, Offset: d.Cookie, Type: d.Type, Name: d.Name}
		if len(data)+vfsutil.RecordSize(rec) > size {
			return false
		}
		data = vfsutil.AppendDirent(data, rec, size)
		next = d.Cookie
		return true
	})
	if err != nil {
		return nil, err
	}
	f.offset = int64(next)
	return data, nil
}

// Stat snapshots the underlying inode's attributes.
func (f *File) Stat() (Stat, error) {
	if f.kind != KindInode || f.inode == nil {
		return Stat{}, vfserrno.EINVAL
	}
	return f.inode.Stat(), nil
}

// Inode returns the backing inode, or nil for a device/pipe/socket File.
func (f *File) Inode() *Inode { return f.inode }

// Kind returns the file's fixed dispatch category.
func (f *File) Kind() Kind { return f.kind }

// Close drops a reference. The last drop detaches the File from the
// process-global open-file table, then runs the cleanup matching its
// kind: pipe-end close for pipes (which have no inode to release),
// socket close for sockets, inode release for inode-backed files.
func (f *File) Close() error {
	if atomic.AddInt32(&f.ref, -1) > 0 {
		return nil
	}

	detach(f)

	switch f.kind {
	case KindPipe:
		if f.flags.Writable() {
			f.pipe.CloseWrite()
		}
		if f.flags.Readable() {
			f.pipe.CloseRead()
		}
		return nil
	case KindSocket:
		return f.sock.Close()
	default:
		if f.inode != nil {
			return f.inode.Put()
		}
		return nil
	}
}
