// Package vfserrno defines the reserved error kinds returned by every
// public VFS, memfs and blkfs operation. There is no out-of-band error
// mechanism: a nil Errno means success, anything else propagates unchanged
// unless a caller explicitly remaps it (see vfs.Open's CREAT/EXCL handling).
package vfserrno

import "syscall"

// Errno is the kind of failure a VFS operation reports. It is backed by the
// platform's syscall.Errno so it prints and compares the way any other
// POSIX-flavored Go error does.
type Errno syscall.Errno

func (e Errno) Error() string {
	return syscall.Errno(e).Error()
}

// Is allows errors.Is(err, vfserrno.ENOENT) to work against wrapped errors.
func (e Errno) Is(target error) bool {
	o, ok := target.(Errno)
	return ok && o == e
}

// Reserved error kinds.
const (
	EINVAL     = Errno(syscall.EINVAL)     // invalid argument
	EBADF      = Errno(syscall.EBADF)      // bad file descriptor
	ENOMEM     = Errno(syscall.ENOMEM)     // out of memory
	ENOTSUP    = Errno(syscall.ENOTSUP)    // not supported
	ENOSPC     = Errno(syscall.ENOSPC)     // no space
	EFBIG      = Errno(syscall.EFBIG)      // file too large
	ENOENT     = Errno(syscall.ENOENT)     // no such entry
	ENOTDIR    = Errno(syscall.ENOTDIR)    // not a directory
	EISDIR     = Errno(syscall.EISDIR)     // is a directory
	EEXIST     = Errno(syscall.EEXIST)     // already exists
	EADDRINUSE = Errno(syscall.EADDRINUSE) // address in use
	EFAULT     = Errno(syscall.EFAULT)     // fault
	ESPIPE     = Errno(syscall.ESPIPE)     // illegal seek
	ESTALE     = Errno(syscall.ESTALE)     // stale
	EACCES     = Errno(syscall.EACCES)     // permission denied
	ENODEV     = Errno(syscall.ENODEV)     // no such device
	ENXIO      = Errno(syscall.ENXIO)      // no such device or address
	ELOOP      = Errno(syscall.ELOOP)      // too many symlink hops
)
