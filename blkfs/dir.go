package blkfs

import (
	"github.com/gokernel/vfskit/vfs"
	"github.com/gokernel/vfskit/vfserrno"
	"github.com/gokernel/vfskit/vfsutil"
)

// dirLookup linearly scans dir's content for name, returning its inode
// number.
func (fs *FS) dirLookup(ino uint32, d *dinode, name string) (uint32, bool, error) {
	var e dirent
	buf := make([]byte, direntRecordSize)
	for off := uint32(0); off < d.Size; off += direntRecordSize {
		n, err := fs.readAt(ino, d, buf, int64(off))
		if err != nil {
			return 0, false, err
		}
		if n < direntRecordSize {
			break
		}
		e.unmarshal(buf)
		if e.Ino != 0 && e.name() == name {
			return e.Ino, true, nil
		}
	}
	return 0, false, nil
}

// dirLink appends a (childIno, name) entry to dir, reusing the first empty
// slot if one exists, else growing the directory by one record. Must be
// called inside begin_op/end_op.
func (fs *FS) dirLink(ino uint32, d *dinode, name string, childIno uint32) error {
	if existing, found, err := fs.dirLookup(ino, d, name); err != nil {
		return err
	} else if found {
		_ = existing
		return vfserrno.EEXIST
	}

	var e dirent
	buf := make([]byte, direntRecordSize)
	off := uint32(0)
	for ; off < d.Size; off += direntRecordSize {
		n, err := fs.readAt(ino, d, buf, int64(off))
		if err != nil {
			return err
		}
		if n < direntRecordSize {
			break
		}
		e.unmarshal(buf)
		if e.Ino == 0 {
			break
		}
	}

	e = dirent{Ino: childIno}
	setDirentName(&e, name)
	e.marshal(buf)
	_, err := fs.writeAt(ino, d, buf, int64(off))
	return err
}

// dirUnlink clears the entry named name in dir, failing with ENOENT if
// absent. Must be called inside begin_op/end_op.
func (fs *FS) dirUnlink(ino uint32, d *dinode, name string) (uint32, error) {
	var e dirent
	buf := make([]byte, direntRecordSize)
	for off := uint32(0); off < d.Size; off += direntRecordSize {
		n, err := fs.readAt(ino, d, buf, int64(off))
		if err != nil {
			return 0, err
		}
		if n < direntRecordSize {
			break
		}
		e.unmarshal(buf)
		if e.Ino != 0 && e.name() == name {
			childIno := e.Ino
			zero := make([]byte, direntRecordSize)
			if _, err := fs.writeAt(ino, d, zero, int64(off)); err != nil {
				return 0, err
			}
			return childIno, nil
		}
	}
	return 0, vfserrno.ENOENT
}

// dirIsEmpty reports whether dir contains only "." and "..".
func (fs *FS) dirIsEmpty(ino uint32, d *dinode) (bool, error) {
	var e dirent
	buf := make([]byte, direntRecordSize)
	for off := uint32(0); off < d.Size; off += direntRecordSize {
		n, err := fs.readAt(ino, d, buf, int64(off))
		if err != nil {
			return false, err
		}
		if n < direntRecordSize {
			break
		}
		e.unmarshal(buf)
		if e.Ino == 0 {
			continue
		}
		if name := e.name(); name != "." && name != ".." {
			return false, nil
		}
	}
	return true, nil
}

// dirIter walks dir's live entries starting at byte offset off, handing
// each to fn as a vfs.Dentry whose Cookie is the byte offset of the next
// record, until fn declines or the directory is exhausted.
func (fs *FS) dirIter(ino uint32, d *dinode, off uint64, fn func(vfs.Dentry) bool) error {
	var e dirent
	rec := make([]byte, direntRecordSize)

	pos := uint32(off)
	for pos < d.Size {
		n, err := fs.readAt(ino, d, rec, int64(pos))
		if err != nil {
			return err
		}
		if n < direntRecordSize {
			break
		}
		e.unmarshal(rec)
		nextPos := pos + direntRecordSize
		if e.Ino != 0 {
			var cd dinode
			if err := fs.readDinode(e.Ino, &cd); err != nil {
				return err
			}
			dent := vfs.Dentry{
				SB:     fs.sb,
				Ino:    uint64(e.Ino),
				Name:   e.name(),
				Type:   direntTypeForDtype(cd.Type),
				Cookie: uint64(nextPos),
			}
			if !fn(dent) {
				return nil
			}
		}
		pos = nextPos
	}
	return nil
}

func direntTypeForDtype(t uint16) vfsutil.DirentType {
	switch t {
	case dtDir:
		return vfsutil.DT_Dir
	case dtChar:
		return vfsutil.DT_Char
	case dtBlk:
		return vfsutil.DT_Block
	case dtLink:
		return vfsutil.DT_Link
	default:
		return vfsutil.DT_Regular
	}
}
