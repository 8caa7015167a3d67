package vfs

import "github.com/gokernel/vfskit/vfsutil"

// Dentry is the lightweight result of one directory-iteration step: a
// name, the inode number it names, its type tag, and the cookie iteration
// resumes from after this entry. It pins no Inode; Release, if non-nil,
// must be called when the caller is done with the entry (directory
// backends that hand out a borrowed snapshot use it to drop that
// reference). File.Readdir releases each entry itself after encoding it.
type Dentry struct {
	SB      *Superblock
	Ino     uint64
	Name    string
	Type    vfsutil.DirentType
	Cookie  uint64
	Release func()
}
