package memfs

import (
	"github.com/gokernel/vfskit/container"
	"github.com/gokernel/vfskit/vfs"
	"github.com/gokernel/vfskit/vfserrno"
)

// PageSize is the granularity of a page-backed memfs file's per-inode
// page cache: a mapping from file-block number to an owned memory page,
// with entries allocated on demand.
const PageSize = 4096

// EmbeddedDataLen is the size of the fixed byte window a small file's
// content lives in directly inside its inode, before migrating to the
// page cache.
const EmbeddedDataLen = 64

// MaxFileSize bounds a memfs file's size, the in-memory analogue of
// blkfs's block-map-derived ceiling.
const MaxFileSize = 1 << 34

// pageSlot is one resident page of a file's content, keyed by its page
// index within the file.
type pageSlot struct {
	idx  uint32
	data []byte
}

func pageKey(p pageSlot) uint64 { return uint64(p.idx) }

// memInode is the memfs-private extension hung off vfs.Inode.Impl.
// Exactly one of dir, symlinkTarget's owning inode, or the
// embedded/pages content applies, depending on the inode's mode; nothing
// here interprets mode itself; mode governs which of these is valid.
type memInode struct {
	// embedded and embeddedData hold a regular file's content until it
	// crosses EmbeddedDataLen, at which point pages takes over and
	// embedded is never set again (there is no migration path back; a
	// file that shrinks below the threshold stays page-backed).
	embedded     bool
	embeddedData [EmbeddedDataLen]byte

	// pages is nil until the first migration out of embedded storage;
	// entries are demand-allocated by writeAt and may be sparse (a page
	// index absent from the tree reads as all-zero). An ordered tree
	// rather than a flat map so shrink can walk and discard the tail
	// pages in index order.
	pages *container.Tree[pageSlot]

	// dir is non-nil only for directory inodes.
	dir *dirTable

	// symlinkTarget holds a symlink's target string inline.
	symlinkTarget string
}

func newMemInode(isDir bool) *memInode {
	mi := &memInode{embedded: true}
	if isDir {
		mi.dir = newDirTable()
	}
	return mi
}

func (mi *memInode) page(idx uint32) ([]byte, bool) {
	h, ok := mi.pages.Find(uint64(idx))
	if !ok {
		return nil, false
	}
	return mi.pages.Value(h).data, true
}

func (mi *memInode) ensurePage(idx uint32) []byte {
	if data, ok := mi.page(idx); ok {
		return data
	}
	data := make([]byte, PageSize)
	mi.pages.Insert(pageSlot{idx: idx, data: data})
	return data
}

func pageCount(size uint64) uint32 {
	return uint32((size + PageSize - 1) / PageSize)
}

// truncate resizes a regular file: embedded-to-page-cache migration on
// grow, tail zero-fill within the last touched page, demand allocation
// of any further pages, and page discard on shrink. A failed grow rolls
// back by shrinking to the size captured before the attempt, not to
// whatever block count the attempt had already advanced to.
func (fs *FS) truncate(in *vfs.Inode, mi *memInode, newSize uint64) error {
	if newSize > MaxFileSize {
		return vfserrno.EFBIG
	}

	size := in.Size()
	if newSize == size {
		return nil
	}

	if newSize > size {
		if err := fs.grow(in, mi, size, newSize); err != nil {
			fs.shrink(in, mi, size)
			return err
		}
		return nil
	}

	fs.shrink(in, mi, newSize)
	return nil
}

// grow extends a file's visible size from size to newSize. Nothing here
// can actually fail for an in-memory backing store (there is no disk-full
// condition to hit once MaxFileSize has already been checked), but the
// error return and the caller's rollback above exist so the control flow
// matches blkfs's allocation-can-fail shape, and so a future
// quota-enforcing variant has somewhere to return early from.
func (fs *FS) grow(in *vfs.Inode, mi *memInode, size, newSize uint64) error {
	if mi.embedded && newSize <= EmbeddedDataLen {
		for i := size; i < newSize; i++ {
			mi.embeddedData[i] = 0
		}
		in.SetSize(newSize)
		return nil
	}

	if mi.embedded {
		page0 := make([]byte, PageSize)
		copy(page0, mi.embeddedData[:size])
		mi.pages = container.NewTree[pageSlot](pageKey)
		mi.pages.Insert(pageSlot{idx: 0, data: page0})
		mi.embedded = false
	}

	zeroGrowTail(mi, size, newSize)
	in.SetSize(newSize)
	return nil
}

// zeroGrowTail zero-fills the part of [size, newSize) that lies inside
// the page that already held the last valid byte; any further pages the
// new size reaches are left absent and read as zero until something
// actually writes them.
func zeroGrowTail(mi *memInode, size, newSize uint64) {
	if size == 0 {
		return
	}
	lastPage := uint32((size - 1) / PageSize)
	pageStart := uint64(lastPage) * PageSize
	end := newSize
	if end > pageStart+PageSize {
		end = pageStart + PageSize
	}
	page, ok := mi.page(lastPage)
	if !ok {
		return
	}
	for i := size - pageStart; i < end-pageStart; i++ {
		page[i] = 0
	}
}

// shrink discards pages wholly beyond newSize.
func (fs *FS) shrink(in *vfs.Inode, mi *memInode, newSize uint64) {
	size := in.Size()
	if mi.embedded {
		for i := newSize; i < size && i < EmbeddedDataLen; i++ {
			mi.embeddedData[i] = 0
		}
	} else {
		keep := pageCount(newSize)
		mi.pages.Each(func(h container.Handle, p pageSlot) bool {
			if p.idx >= keep {
				mi.pages.Delete(h)
			}
			return true
		})
	}
	in.SetSize(newSize)
}

// readAt implements vfs.FileOps.ReadAt for a regular file's content.
func (fs *FS) readAt(in *vfs.Inode, mi *memInode, buf []byte, off int64) (int, error) {
	size := in.Size()
	if off < 0 || uint64(off) >= size {
		return 0, nil
	}
	n := len(buf)
	if uint64(off)+uint64(n) > size {
		n = int(size - uint64(off))
	}

	if mi.embedded {
		return copy(buf[:n], mi.embeddedData[off:]), nil
	}

	total := 0
	for total < n {
		pos := uint64(off) + uint64(total)
		pageIdx := uint32(pos / PageSize)
		within := int(pos % PageSize)
		avail := PageSize - within
		if avail > n-total {
			avail = n - total
		}
		if page, ok := mi.page(pageIdx); ok {
			copy(buf[total:total+avail], page[within:within+avail])
		} else {
			clear(buf[total : total+avail])
		}
		total += avail
	}
	return total, nil
}

// writeAt implements vfs.FileOps.WriteAt, extending the file first (via
// grow) when the write reaches past the current size.
func (fs *FS) writeAt(in *vfs.Inode, mi *memInode, buf []byte, off int64) (int, error) {
	if off < 0 {
		return 0, vfserrno.EINVAL
	}
	end := uint64(off) + uint64(len(buf))
	if end < uint64(off) {
		return 0, vfserrno.EINVAL
	}
	if end > MaxFileSize {
		return 0, vfserrno.EFBIG
	}

	size := in.Size()
	if end > size {
		if err := fs.grow(in, mi, size, end); err != nil {
			return 0, err
		}
	}

	if mi.embedded {
		return copy(mi.embeddedData[off:], buf), nil
	}

	total := 0
	for total < len(buf) {
		pos := uint64(off) + uint64(total)
		pageIdx := uint32(pos / PageSize)
		within := int(pos % PageSize)
		avail := PageSize - within
		if avail > len(buf)-total {
			avail = len(buf) - total
		}
		page := mi.ensurePage(pageIdx)
		copy(page[within:within+avail], buf[total:total+avail])
		total += avail
	}
	return total, nil
}
