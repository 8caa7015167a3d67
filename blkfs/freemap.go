package blkfs

import (
	"sync"

	"github.com/gokernel/vfskit/bufcache"
	"github.com/gokernel/vfskit/vfserrno"
)

// bitsPerLevel is the fan-out between adjacent levels of the hierarchical
// bitmap: level k+1 has one bit per 64-bit group of level k.
const bitsPerLevel = 64

// findFreeWindow is the forward/backward search radius FindFreeNear uses
// before falling back to a full FindFree scan.
const findFreeWindow = 64

// FreeMap is the in-memory hierarchical free-block bitmap cache: level
// 0 holds one bit per data block (1 = free); each higher
// level holds one "any child free" summary bit per 64 bits of the level
// below. find_free descends from the top, turning O(n) bitmap scans into
// O(log n).
type FreeMap struct {
	mu sync.Mutex // leaf lock; every mutating operation holds it

	dataStart uint32
	nblocks   uint32
	cursor    uint32
	free      uint32

	levels [][]uint64 // levels[0] is the block-level bitmap; levels[len-1] is the root
}

func wordCount(nbits int) int { return (nbits + 63) / 64 }

func getBit(words []uint64, i uint32) bool {
	return words[i/64]&(1<<(i%64)) != 0
}

func setBit(words []uint64, i uint32) { words[i/64] |= 1 << (i % 64) }
func clearBit(words []uint64, i uint32) {
	words[i/64] &^= 1 << (i % 64)
}

// NewFreeMap initializes a FreeMap over nblocks data blocks starting at
// dataStart, reading the on-disk bitmap region (one bit per data block,
// 1 = allocated) via cache, starting at bmapStart.
func NewFreeMap(cache *bufcache.Cache, bmapStart, dataStart, nblocks uint32) (*FreeMap, error) {
	fm := &FreeMap{dataStart: dataStart, nblocks: nblocks}

	nbits := int(nblocks)
	fm.levels = append(fm.levels, make([]uint64, wordCount(nbits)))
	for wordCount(nbits) > 1 {
		nbits = wordCount(nbits)
		fm.levels = append(fm.levels, make([]uint64, wordCount(nbits)))
	}
	if len(fm.levels) == 1 && wordCount(int(nblocks)) == 0 {
		fm.levels = append(fm.levels, make([]uint64, 1))
	}

	var curBuf *bufcache.Buffer
	var curBlock uint32 = ^uint32(0)
	defer func() {
		if curBuf != nil {
			cache.Brelse(curBuf)
		}
	}()

	for b := uint32(0); b < nblocks; b++ {
		bitIdx := b
		blockOfBitmap := bmapStart + bitIdx/BPB
		if blockOfBitmap != curBlock {
			if curBuf != nil {
				cache.Brelse(curBuf)
			}
			var err error
			curBuf, err = cache.Bread(blockOfBitmap)
			if err != nil {
				return nil, err
			}
			curBlock = blockOfBitmap
		}

		byteIdx := (bitIdx % BPB) / 8
		bitInByte := bitIdx % 8
		allocated := curBuf.Data[byteIdx]&(1<<bitInByte) != 0
		if !allocated {
			fm.markFreeLocked(dataStart + b)
		}
	}

	return fm, nil
}

func (fm *FreeMap) propagate(idx uint32) {
	for lvl := 0; lvl+1 < len(fm.levels); lvl++ {
		parentIdx := idx / bitsPerLevel
		groupStart := parentIdx * bitsPerLevel
		groupEnd := groupStart + bitsPerLevel
		if groupEnd > uint32(len(fm.levels[lvl])*64) {
			groupEnd = uint32(len(fm.levels[lvl]) * 64)
		}

		anySet := false
		for i := groupStart; i < groupEnd; i++ {
			if getBit(fm.levels[lvl], i) {
				anySet = true
				break
			}
		}
		if anySet {
			setBit(fm.levels[lvl+1], parentIdx)
		} else {
			clearBit(fm.levels[lvl+1], parentIdx)
		}
		idx = parentIdx
	}
}

// MarkFree marks blockno free.
func (fm *FreeMap) MarkFree(blockno uint32) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.markFreeCheckedLocked(blockno)
}

func (fm *FreeMap) markFreeCheckedLocked(blockno uint32) error {
	if blockno < fm.dataStart || blockno >= fm.dataStart+fm.nblocks {
		return vfserrno.EINVAL
	}
	idx := blockno - fm.dataStart
	if getBit(fm.levels[0], idx) {
		return nil // already free
	}
	fm.markFreeLocked(blockno)
	return nil
}

func (fm *FreeMap) markFreeLocked(blockno uint32) {
	idx := blockno - fm.dataStart
	setBit(fm.levels[0], idx)
	fm.free++
	fm.propagate(idx)
}

// MarkUsed marks blockno allocated.
func (fm *FreeMap) MarkUsed(blockno uint32) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if blockno < fm.dataStart || blockno >= fm.dataStart+fm.nblocks {
		return vfserrno.EINVAL
	}
	idx := blockno - fm.dataStart
	if !getBit(fm.levels[0], idx) {
		return nil // already used
	}
	clearBit(fm.levels[0], idx)
	fm.free--
	fm.propagate(idx)
	return nil
}

// FreeCount reports the number of free data blocks.
func (fm *FreeMap) FreeCount() uint32 {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.free
}

// findSetBitWrap scans level starting at bit `start`, wrapping around
// [0, nbits), and returns the first set bit found.
func findSetBitWrap(words []uint64, nbits uint32, start uint32) (uint32, bool) {
	if nbits == 0 {
		return 0, false
	}
	start %= nbits
	for off := uint32(0); off < nbits; off++ {
		i := (start + off) % nbits
		if getBit(words, i) {
			return i, true
		}
	}
	return 0, false
}

// findSetBitInRange scans level for a set bit in [lo, hi), not wrapping.
func findSetBitInRange(words []uint64, hi uint32, lo uint32) (uint32, bool) {
	for i := lo; i < hi; i++ {
		if getBit(words, i) {
			return i, true
		}
	}
	return 0, false
}

// FindFree allocates and returns the lowest-cost free block at or after
// the wear-leveling cursor, descending the level hierarchy from the top.
func (fm *FreeMap) FindFree() (uint32, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.findFreeLocked()
}

func (fm *FreeMap) findFreeLocked() (uint32, error) {
	if fm.free == 0 {
		return 0, vfserrno.ENOSPC
	}

	top := len(fm.levels) - 1
	topNBits := uint32(len(fm.levels[top]) * 64)

	cursorAtLevel := fm.cursor
	for l := 0; l < top; l++ {
		cursorAtLevel /= bitsPerLevel
	}

	idx, ok := findSetBitWrap(fm.levels[top], topNBits, cursorAtLevel)
	if !ok {
		return 0, vfserrno.ENOSPC
	}

	for lvl := top; lvl > 0; lvl-- {
		base := idx * bitsPerLevel
		limit := base + bitsPerLevel
		childBits := uint32(len(fm.levels[lvl-1]) * 64)
		if limit > childBits {
			limit = childBits
		}
		child, ok := findSetBitInRange(fm.levels[lvl-1], limit, base)
		if !ok {
			return 0, vfserrno.ENOSPC
		}
		idx = child
	}

	if !getBit(fm.levels[0], idx) {
		return 0, vfserrno.ENOSPC
	}

	clearBit(fm.levels[0], idx)
	fm.free--
	fm.propagate(idx)
	fm.cursor = (idx + 1) % fm.nblocks
	return fm.dataStart + idx, nil
}

// FindFreeNear searches a window of findFreeWindow blocks forward from
// hint, then the same backward, before falling back to FindFree; this
// gives locality for append-heavy workloads.
func (fm *FreeMap) FindFreeNear(hint uint32) (uint32, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.free == 0 {
		return 0, vfserrno.ENOSPC
	}

	hintIdx := hint
	if hint >= fm.dataStart {
		hintIdx = hint - fm.dataStart
	}

	for off := uint32(0); off < findFreeWindow && off < fm.nblocks; off++ {
		i := (hintIdx + off) % fm.nblocks
		if getBit(fm.levels[0], i) {
			clearBit(fm.levels[0], i)
			fm.free--
			fm.propagate(i)
			fm.cursor = (i + 1) % fm.nblocks
			return fm.dataStart + i, nil
		}
	}
	for off := uint32(1); off <= findFreeWindow && off <= hintIdx; off++ {
		i := hintIdx - off
		if getBit(fm.levels[0], i) {
			clearBit(fm.levels[0], i)
			fm.free--
			fm.propagate(i)
			fm.cursor = (i + 1) % fm.nblocks
			return fm.dataStart + i, nil
		}
	}

	return fm.findFreeLocked()
}
