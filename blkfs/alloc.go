package blkfs

import "github.com/gokernel/vfskit/vfserrno"

// allocBlock finds a free data block (near hint if non-zero), flips its
// on-disk bitmap bit under the current transaction, and zero-fills it.
// FindFree/FindFreeNear claim the block in the in-memory FreeMap before
// the bitmap write is logged; if that write fails, the block stays
// claimed in the FreeMap until the next mount rebuilds the cache from
// the on-disk bitmap.
func (fs *FS) allocBlock(hint uint32) (uint32, error) {
	var blockno uint32
	var err error
	if hint != 0 {
		blockno, err = fs.free.FindFreeNear(hint)
	} else {
		blockno, err = fs.free.FindFree()
	}
	if err != nil {
		return 0, err
	}

	if err := fs.setBitmapBit(blockno, true); err != nil {
		return 0, err
	}

	buf, err := fs.cache.Bread(blockno)
	if err != nil {
		return 0, err
	}
	zeroBuffer(buf)
	fs.log.Write(buf)
	fs.cache.Brelse(buf)

	return blockno, nil
}

// freeBlock returns blockno to the free pool: clears its on-disk bitmap
// bit (logged) and its in-memory FreeMap bit.
func (fs *FS) freeBlock(blockno uint32) error {
	if err := fs.setBitmapBit(blockno, false); err != nil {
		return err
	}
	return fs.free.MarkFree(blockno)
}

func (fs *FS) setBitmapBit(blockno uint32, used bool) error {
	bitIdx := blockno - fs.dataStart()
	blockOfBitmap := fs.sbRec.BmapStart + bitIdx/BPB
	byteIdx := (bitIdx % BPB) / 8
	bitInByte := bitIdx % 8

	buf, err := fs.cache.Bread(blockOfBitmap)
	if err != nil {
		return err
	}
	if used {
		buf.Data[byteIdx] |= 1 << bitInByte
	} else {
		buf.Data[byteIdx] &^= 1 << bitInByte
	}
	fs.log.Write(buf)
	fs.cache.Brelse(buf)

	if used {
		return fs.free.MarkUsed(blockno)
	}
	return nil
}

func (fs *FS) dataStart() uint32 {
	return fs.sbRec.DataStart
}

// checkFileSize converts a byte offset to an error if it would exceed the
// maximum file size representable by NDIRECT+NINDIRECT block pointers.
func checkFileSize(newSize uint64) error {
	if newSize > uint64(MaxFile)*BSIZE {
		return vfserrno.EFBIG
	}
	return nil
}
