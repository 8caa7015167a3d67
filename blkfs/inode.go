package blkfs

import (
	"github.com/gokernel/vfskit/vfserrno"
)

func (fs *FS) readDinode(ino uint32, d *dinode) error {
	buf, err := fs.cache.Bread(inodeBlock(ino, &fs.sbRec))
	if err != nil {
		return err
	}
	defer fs.cache.Brelse(buf)

	off := int(ino%inodesPerBlock) * dinodeSize
	d.unmarshal(buf.Data[off : off+dinodeSize])
	return nil
}

// writeDinode must be called inside a begin_op/end_op pair.
func (fs *FS) writeDinode(ino uint32, d *dinode) error {
	buf, err := fs.cache.Bread(inodeBlock(ino, &fs.sbRec))
	if err != nil {
		return err
	}
	defer fs.cache.Brelse(buf)

	off := int(ino%inodesPerBlock) * dinodeSize
	d.marshal(buf.Data[off : off+dinodeSize])
	fs.log.Write(buf)
	return nil
}

// ialloc scans the inode table for a free slot, claims it with the given
// type, and returns its number. Must be called inside begin_op/end_op.
func (fs *FS) ialloc(typ uint16) (uint32, error) {
	for ino := uint32(1); ino < fs.sbRec.NInodes; ino++ {
		var d dinode
		if err := fs.readDinode(ino, &d); err != nil {
			return 0, err
		}
		if d.Type == dtFree {
			d = dinode{Type: typ}
			if err := fs.writeDinode(ino, &d); err != nil {
				return 0, err
			}
			return ino, nil
		}
	}
	return 0, vfserrno.ENOSPC
}

// ifree marks ino's on-disk slot free and releases every block it owned.
func (fs *FS) ifree(ino uint32) error {
	var d dinode
	if err := fs.readDinode(ino, &d); err != nil {
		return err
	}

	nblocks := (uint32(d.Size) + BSIZE - 1) / BSIZE
	if err := fs.freeBlocksFrom(&d, 0, nblocks); err != nil {
		return err
	}

	d = dinode{}
	return fs.writeDinode(ino, &d)
}

// freeBlocksFrom frees data blocks [from, to) of d, including the
// indirect block itself when from <= NDIRECT, so that none of its
// entries remains in use.
func (fs *FS) freeBlocksFrom(d *dinode, from, to uint32) error {
	for bn := from; bn < to && bn < NDIRECT; bn++ {
		if d.Addrs[bn] != 0 {
			if err := fs.freeBlock(d.Addrs[bn]); err != nil {
				return err
			}
			d.Addrs[bn] = 0
		}
	}

	if to <= NDIRECT || d.Addrs[NDIRECT] == 0 {
		return nil
	}

	indirectFrom := from
	if indirectFrom < NDIRECT {
		indirectFrom = 0
	} else {
		indirectFrom -= NDIRECT
	}
	indirectTo := to - NDIRECT

	buf, err := fs.cache.Bread(d.Addrs[NDIRECT])
	if err != nil {
		return err
	}
	changed := false
	for bn := indirectFrom; bn < indirectTo && bn < NINDIRECT; bn++ {
		addr := getU32(buf.Data, int(bn))
		if addr != 0 {
			if err := fs.freeBlock(addr); err != nil {
				fs.cache.Brelse(buf)
				return err
			}
			putU32(buf.Data, int(bn), 0)
			changed = true
		}
	}
	if changed {
		fs.log.Write(buf)
	}
	fs.cache.Brelse(buf)

	if from <= NDIRECT {
		if err := fs.freeBlock(d.Addrs[NDIRECT]); err != nil {
			return err
		}
		d.Addrs[NDIRECT] = 0
	}
	return nil
}

// bmap returns the data block backing the bn'th block of d, allocating it
// (with locality hint near block bn-1's address) if
// alloc is true and it does not yet exist. Must be called inside
// begin_op/end_op when alloc is true.
func (fs *FS) bmap(ino uint32, d *dinode, bn uint32, alloc bool) (uint32, error) {
	if bn < NDIRECT {
		addr := d.Addrs[bn]
		if addr == 0 {
			if !alloc {
				return 0, vfserrno.EINVAL
			}
			hint := uint32(0)
			if bn > 0 {
				hint = d.Addrs[bn-1]
			}
			var err error
			addr, err = fs.allocBlock(hint)
			if err != nil {
				return 0, err
			}
			d.Addrs[bn] = addr
			if err := fs.writeDinode(ino, d); err != nil {
				return 0, err
			}
		}
		return addr, nil
	}

	bn -= NDIRECT
	if bn >= NINDIRECT {
		return 0, vfserrno.EFBIG
	}

	indirect := d.Addrs[NDIRECT]
	if indirect == 0 {
		if !alloc {
			return 0, vfserrno.EINVAL
		}
		var err error
		indirect, err = fs.allocBlock(0)
		if err != nil {
			return 0, err
		}
		d.Addrs[NDIRECT] = indirect
		if err := fs.writeDinode(ino, d); err != nil {
			return 0, err
		}
	}

	buf, err := fs.cache.Bread(indirect)
	if err != nil {
		return 0, err
	}
	addr := getU32(buf.Data, int(bn))
	if addr == 0 {
		if !alloc {
			fs.cache.Brelse(buf)
			return 0, vfserrno.EINVAL
		}
		addr, err = fs.allocBlock(0)
		if err != nil {
			fs.cache.Brelse(buf)
			return 0, err
		}
		putU32(buf.Data, int(bn), addr)
		fs.log.Write(buf)
	}
	fs.cache.Brelse(buf)
	return addr, nil
}

// readAt reads into p from ino's content starting at off.
func (fs *FS) readAt(ino uint32, d *dinode, p []byte, off int64) (int, error) {
	if off < 0 || uint64(off) >= uint64(d.Size) {
		return 0, nil
	}
	n := len(p)
	if uint64(off)+uint64(n) > uint64(d.Size) {
		n = int(uint64(d.Size) - uint64(off))
	}

	total := 0
	for total < n {
		bn := uint32((int64(off) + int64(total)) / BSIZE)
		within := int((int64(off) + int64(total)) % BSIZE)

		blockno, err := fs.bmap(ino, d, bn, false)
		if err != nil {
			return total, err
		}
		buf, err := fs.cache.Bread(blockno)
		if err != nil {
			return total, err
		}
		m := copy(p[total:n], buf.Data[within:])
		fs.cache.Brelse(buf)
		total += m
	}
	return total, nil
}

// writeAt writes p into ino's content starting at off, growing the file
// (via truncate) first if necessary. Must be called inside
// begin_op/end_op.
func (fs *FS) writeAt(ino uint32, d *dinode, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, vfserrno.EINVAL
	}
	end := uint64(off) + uint64(len(p))
	if end < uint64(off) {
		return 0, vfserrno.EINVAL
	}
	if err := checkFileSize(end); err != nil {
		return 0, err
	}

	total := 0
	for total < len(p) {
		bn := uint32((int64(off) + int64(total)) / BSIZE)
		within := int((int64(off) + int64(total)) % BSIZE)

		blockno, err := fs.bmap(ino, d, bn, true)
		if err != nil {
			return total, err
		}
		buf, err := fs.cache.Bread(blockno)
		if err != nil {
			return total, err
		}
		m := copy(buf.Data[within:], p[total:])
		fs.log.Write(buf)
		fs.cache.Brelse(buf)
		total += m
	}

	if end > uint64(d.Size) {
		d.Size = uint32(end)
		if err := fs.writeDinode(ino, d); err != nil {
			return total, err
		}
	}
	return total, nil
}

// truncate resizes ino's content to newSize, freeing tail blocks on
// shrink; blkfs has no embedded/page-cache split, so growth just needs
// bmap to demand-allocate on the next write.
func (fs *FS) truncate(ino uint32, d *dinode, newSize uint64) error {
	if err := checkFileSize(newSize); err != nil {
		return err
	}
	if newSize == uint64(d.Size) {
		return nil
	}

	if newSize < uint64(d.Size) {
		oldBlocks := (uint32(d.Size) + BSIZE - 1) / BSIZE
		newBlocks := uint32((newSize + BSIZE - 1) / BSIZE)
		if err := fs.freeBlocksFrom(d, newBlocks, oldBlocks); err != nil {
			return err
		}
	}

	d.Size = uint32(newSize)
	return fs.writeDinode(ino, d)
}
