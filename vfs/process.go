package vfs

import (
	"errors"
	"os"

	"github.com/gokernel/vfskit/device"
	"github.com/gokernel/vfskit/pipe"
	"github.com/gokernel/vfskit/socket"
	"github.com/gokernel/vfskit/vfserrno"
)

// Process bundles the per-process namespace state the syscall surface
// operates on: its root and current-working-directory inodes and its
// open-file-descriptor table. A real kernel would have one of these per
// task; tests construct one directly.
type Process struct {
	Resolver *Resolver
	Files    *FTable
	Sockets  *socket.Registry
	Chars    *device.Registry[device.CharDevice]
	Blocks   *device.Registry[device.BlockDevice]

	root *Inode
	cwd  *Inode
}

// NewProcess creates a process namespace rooted at the resolver's root
// filesystem, with an initially empty descriptor table.
func NewProcess(r *Resolver) (*Process, error) {
	root, err := r.RootSB.Root()
	if err != nil {
		return nil, err
	}
	cwd, err := root.Dup()
	if err != nil {
		root.Put()
		return nil, err
	}
	p := &Process{
		Resolver: r,
		Files:    NewFTable(),
		Sockets:  socket.NewRegistry(),
		Chars:    device.NewRegistry[device.CharDevice](),
		Blocks:   device.NewRegistry[device.BlockDevice](),
		root:     root,
		cwd:      cwd,
	}
	return p, nil
}

// Exit tears the process namespace down: every descriptor is closed and
// the root/cwd references dropped, as process exit would do.
func (p *Process) Exit() {
	p.Files.CloseAll()
	p.cwd.Put()
	p.root.Put()
	p.cwd = nil
	p.root = nil
}

func requireDir(in *Inode) error {
	in.LockSimple()
	isDir := in.mode.IsDir()
	in.Unlock()
	if !isDir {
		return vfserrno.ENOTDIR
	}
	return nil
}

// Chroot atomically replaces the process's root inode.
func (p *Process) Chroot(path string) error {
	in, err := p.Resolver.Namei(p.root, p.cwd, path)
	if err != nil {
		return err
	}
	if err := requireDir(in); err != nil {
		in.Put()
		return err
	}

	old := p.root
	p.root = in
	old.Put()
	return nil
}

// Chdir atomically replaces the process's current-working-directory
// inode.
func (p *Process) Chdir(path string) error {
	in, err := p.Resolver.Namei(p.root, p.cwd, path)
	if err != nil {
		return err
	}
	if err := requireDir(in); err != nil {
		in.Put()
		return err
	}

	old := p.cwd
	p.cwd = in
	old.Put()
	return nil
}

// Open resolves path and returns a new descriptor for it, dispatching on
// the inode's mode: regular/dir/symlink go through the inode's Ops.Open;
// char and block devices attach the matching registry handle directly
// (block-device data I/O still goes through the buffer cache, so the
// File's own Read/Write stay unsupported); FIFO and socket inode types
// fail with ENXIO, since pipes and sockets are created through Pipe and
// Socket rather than Open. No inode lock is held across the Ops calls;
// the driver does its own locking (and, for blkfs, opens its transaction
// first).
func (p *Process) Open(path string, flags OpenFlags, mode os.FileMode) (int, error) {
	in, err := p.Resolver.Namei(p.root, p.cwd, path)
	if errors.Is(err, vfserrno.ENOENT) && flags&O_CREAT != 0 {
		dir, name, perr := p.Resolver.NameiParent(p.root, p.cwd, path)
		if perr != nil {
			return -1, perr
		}
		created, cerr := dir.Ops.Create(dir, name, mode)
		dir.Put()
		if cerr != nil {
			return -1, cerr
		}
		in = created
	} else if err != nil {
		return -1, err
	} else if flags&(O_CREAT|O_EXCL) == O_CREAT|O_EXCL {
		in.Put()
		return -1, vfserrno.EEXIST
	}

	if err := checkOpenable(in, flags); err != nil {
		in.Put()
		return -1, err
	}

	if flags&O_TRUNC != 0 && in.mode.IsRegular() {
		if terr := in.Ops.Truncate(in, 0); terr != nil {
			in.Put()
			return -1, terr
		}
	}

	switch {
	case in.mode&os.ModeCharDevice != 0 && in.mode&os.ModeDevice != 0:
		dev, derr := p.Chars.Lookup(in.Dev())
		if derr != nil {
			in.Put()
			return -1, derr
		}
		in.Put()
		return p.install(NewCharDeviceFile(dev, flags))

	case in.mode&os.ModeDevice != 0:
		dev, derr := p.Blocks.Lookup(in.Dev())
		if derr != nil {
			in.Put()
			return -1, derr
		}
		in.Put()
		return p.install(NewBlockDeviceFile(dev, flags))

	case in.mode&(os.ModeNamedPipe|os.ModeSocket) != 0:
		in.Put()
		return -1, vfserrno.ENXIO

	default:
		fops, oerr := in.Ops.Open(in, flags)
		if oerr != nil {
			in.Put()
			return -1, oerr
		}
		if fops == nil {
			in.Put()
			return -1, vfserrno.ENOTSUP
		}
		return p.install(NewInodeFile(in, fops, flags))
	}
}

// install claims a descriptor for f, closing f if no slot is available so
// the caller never leaks a reference on failure.
func (p *Process) install(f *File) (int, error) {
	fd, err := p.Files.Install(f)
	if err != nil {
		f.Close()
		return -1, err
	}
	return fd, nil
}

// Close releases fd.
func (p *Process) Close(fd int) error { return p.Files.Close(fd) }

// Read reads from fd into buf.
func (p *Process) Read(fd int, buf []byte) (int, error) {
	f, err := p.Files.Get(fd)
	if err != nil {
		return -1, err
	}
	return f.Read(buf)
}

// Write writes buf to fd.
func (p *Process) Write(fd int, buf []byte) (int, error) {
	f, err := p.Files.Get(fd)
	if err != nil {
		return -1, err
	}
	return f.Write(buf)
}

// Lseek repositions fd's offset.
func (p *Process) Lseek(fd int, off int64, whence SeekWhence) (int64, error) {
	f, err := p.Files.Get(fd)
	if err != nil {
		return -1, err
	}
	return f.Seek(off, whence)
}

// Fstat snapshots fd's inode attributes.
func (p *Process) Fstat(fd int) (Stat, error) {
	f, err := p.Files.Get(fd)
	if err != nil {
		return Stat{}, err
	}
	return f.Stat()
}

// Dup duplicates fd onto the lowest free descriptor.
func (p *Process) Dup(fd int) (int, error) {
	f, err := p.Files.Get(fd)
	if err != nil {
		return -1, err
	}
	dup, err := f.Dup()
	if err != nil {
		return -1, err
	}
	return p.install(dup)
}

// Getdents reads directory entries from fd.
func (p *Process) Getdents(fd int, size int) ([]byte, error) {
	f, err := p.Files.Get(fd)
	if err != nil {
		return nil, err
	}
	return f.Readdir(size)
}

// Truncate resizes the regular file open on fd.
func (p *Process) Truncate(fd int, length uint64) error {
	f, err := p.Files.Get(fd)
	if err != nil {
		return err
	}
	in := f.Inode()
	if in == nil || !in.Mode().IsRegular() {
		return vfserrno.EINVAL
	}
	return in.Ops.Truncate(in, length)
}

// Pipe creates a connected pair of pipe descriptors, [read, write].
func (p *Process) Pipe() (int, int, error) {
	pp := pipe.New(pipe.DefaultCapacity)
	rfd, err := p.install(NewPipeFile(pp, O_RDONLY))
	if err != nil {
		return -1, -1, err
	}
	wfd, err := p.install(NewPipeFile(pp, O_WRONLY))
	if err != nil {
		p.Files.Close(rfd)
		return -1, -1, err
	}
	return rfd, wfd, nil
}

// Socket creates a new loopback datagram socket descriptor.
func (p *Process) Socket() (int, error) {
	s := socket.New(p.Sockets)
	return p.install(NewSocketFile(s, O_RDWR))
}

// Connect binds fd's socket to remotePort.
func (p *Process) Connect(fd int, remotePort uint16) error {
	f, err := p.Files.Get(fd)
	if err != nil {
		return err
	}
	if f.kind != KindSocket {
		return vfserrno.ENOTSUP
	}
	return f.sock.Connect(remotePort)
}

// Mkdir creates a directory at path.
func (p *Process) Mkdir(path string, mode os.FileMode) error {
	dir, name, err := p.Resolver.NameiParent(p.root, p.cwd, path)
	if err != nil {
		return err
	}
	child, err := dir.Ops.Mkdir(dir, name, mode|os.ModeDir)
	dir.Put()
	if err != nil {
		return err
	}
	return child.Put()
}

// Mknod creates a device special file at path.
func (p *Process) Mknod(path string, mode os.FileMode, dev device.ID) error {
	dir, name, err := p.Resolver.NameiParent(p.root, p.cwd, path)
	if err != nil {
		return err
	}
	child, err := dir.Ops.Mknod(dir, name, mode, dev)
	dir.Put()
	if err != nil {
		return err
	}
	return child.Put()
}

// Unlink removes the directory entry at path.
func (p *Process) Unlink(path string) error {
	dir, name, err := p.Resolver.NameiParent(p.root, p.cwd, path)
	if err != nil {
		return err
	}
	err = dir.Ops.Unlink(dir, name)
	dir.Put()
	return err
}

// Rmdir removes the empty directory at path.
func (p *Process) Rmdir(path string) error {
	dir, name, err := p.Resolver.NameiParent(p.root, p.cwd, path)
	if err != nil {
		return err
	}
	err = dir.Ops.Rmdir(dir, name)
	dir.Put()
	return err
}

// Link creates newPath as another name for the inode at oldPath.
func (p *Process) Link(oldPath, newPath string) error {
	target, err := p.Resolver.Namei(p.root, p.cwd, oldPath)
	if err != nil {
		return err
	}
	defer target.Put()

	dir, name, err := p.Resolver.NameiParent(p.root, p.cwd, newPath)
	if err != nil {
		return err
	}
	defer dir.Put()

	if dir.SB != target.SB {
		return vfserrno.EINVAL
	}
	return dir.Ops.Link(dir, name, target)
}

// Symlink creates a symbolic link at linkPath pointing at target.
func (p *Process) Symlink(target, linkPath string) error {
	dir, name, err := p.Resolver.NameiParent(p.root, p.cwd, linkPath)
	if err != nil {
		return err
	}
	child, err := dir.Ops.Symlink(dir, name, target)
	dir.Put()
	if err != nil {
		return err
	}
	return child.Put()
}

// Rename moves oldPath to newPath.
func (p *Process) Rename(oldPath, newPath string) error {
	oldDir, oldName, err := p.Resolver.NameiParent(p.root, p.cwd, oldPath)
	if err != nil {
		return err
	}
	defer oldDir.Put()

	newDir, newName, err := p.Resolver.NameiParent(p.root, p.cwd, newPath)
	if err != nil {
		return err
	}
	defer newDir.Put()

	if oldDir.SB != newDir.SB {
		return vfserrno.EINVAL
	}
	return oldDir.Ops.Move(oldDir, oldName, newDir, newName)
}

// Mount grafts a new filesystem of the named type at the directory dst.
func (p *Process) Mount(src, dst, fstype string, data any) error {
	t, ok := lookupFSType(fstype)
	if !ok {
		return vfserrno.ENOTSUP
	}

	sb, err := t.Mount(src, data)
	if err != nil {
		return err
	}
	root, err := sb.Root()
	if err != nil {
		return err
	}

	target, err := p.Resolver.Namei(p.root, p.cwd, dst)
	if err != nil {
		root.Put()
		return err
	}
	if err := requireDir(target); err != nil {
		root.Put()
		target.Put()
		return err
	}
	if err := p.Resolver.Mounts.Mount(target, root); err != nil {
		root.Put()
		target.Put()
		return err
	}
	return nil
}

// Umount removes the filesystem mounted at dst.
func (p *Process) Umount(dst string) error {
	target, err := p.Resolver.Namei(p.root, p.cwd, dst)
	if err != nil {
		return err
	}
	defer target.Put()

	root, covered, err := p.Resolver.Mounts.Unmount(target)
	if err != nil {
		return err
	}
	err = root.Put()
	if cerr := covered.Put(); err == nil {
		err = cerr
	}
	return err
}
