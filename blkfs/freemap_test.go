package blkfs

import (
	"testing"

	"github.com/gokernel/vfskit/bufcache"
	"github.com/gokernel/vfskit/vfserrno"
)

// memStore is an in-memory bufcache.BlockStore; absent blocks read as
// zero, which for a bitmap region means "everything free".
type memStore struct {
	blocks map[uint32][]byte
}

func newMemStore() *memStore {
	return &memStore{blocks: make(map[uint32][]byte)}
}

func (s *memStore) BlockSize() int { return BSIZE }

func (s *memStore) ReadBlock(blockno uint32, buf []byte) error {
	if d, ok := s.blocks[blockno]; ok {
		copy(buf, d)
		return nil
	}
	for i := range buf[:BSIZE] {
		buf[i] = 0
	}
	return nil
}

func (s *memStore) WriteBlock(blockno uint32, buf []byte) error {
	d := make([]byte, BSIZE)
	copy(d, buf)
	s.blocks[blockno] = d
	return nil
}

func (s *memStore) Sync() error { return nil }

const testDataStart = 100

func newTestFreeMap(t *testing.T, nblocks uint32) *FreeMap {
	t.Helper()
	cache := bufcache.NewCache(newMemStore(), 16)
	fm, err := NewFreeMap(cache, 0, testDataStart, nblocks)
	if err != nil {
		t.Fatalf("NewFreeMap(%d blocks): %v", nblocks, err)
	}
	return fm
}

// Sizes straddling the level fan-out: a single block, exactly one group,
// one more than a group, and a full two-level tree.
func TestFreeMapBoundarySizes(t *testing.T) {
	for _, n := range []uint32{1, bitsPerLevel, bitsPerLevel + 1, bitsPerLevel * bitsPerLevel} {
		fm := newTestFreeMap(t, n)
		if got := fm.FreeCount(); got != n {
			t.Fatalf("n=%d: initial FreeCount = %d, want %d", n, got, n)
		}

		seen := make(map[uint32]bool, n)
		for i := uint32(0); i < n; i++ {
			b, err := fm.FindFree()
			if err != nil {
				t.Fatalf("n=%d: FindFree #%d: %v", n, i, err)
			}
			if b < testDataStart || b >= testDataStart+n {
				t.Fatalf("n=%d: FindFree returned %d, outside [%d, %d)", n, b, testDataStart, testDataStart+n)
			}
			if seen[b] {
				t.Fatalf("n=%d: FindFree returned %d twice", n, b)
			}
			seen[b] = true
		}

		if _, err := fm.FindFree(); err != vfserrno.ENOSPC {
			t.Fatalf("n=%d: FindFree on exhausted map = %v, want ENOSPC", n, err)
		}
		if got := fm.FreeCount(); got != 0 {
			t.Fatalf("n=%d: FreeCount after exhausting = %d, want 0", n, got)
		}
	}
}

func TestMarkFreeMarkUsedRestoresCount(t *testing.T) {
	fm := newTestFreeMap(t, 256)
	before := fm.FreeCount()

	const b = testDataStart + 17
	if err := fm.MarkUsed(b); err != nil {
		t.Fatalf("MarkUsed: %v", err)
	}
	if got := fm.FreeCount(); got != before-1 {
		t.Fatalf("FreeCount after MarkUsed = %d, want %d", got, before-1)
	}
	if err := fm.MarkFree(b); err != nil {
		t.Fatalf("MarkFree: %v", err)
	}
	if got := fm.FreeCount(); got != before {
		t.Fatalf("FreeCount after MarkFree = %d, want %d", got, before)
	}

	// Both are idempotent: repeating either does not skew the count.
	if err := fm.MarkFree(b); err != nil {
		t.Fatalf("MarkFree again: %v", err)
	}
	if got := fm.FreeCount(); got != before {
		t.Fatalf("FreeCount after duplicate MarkFree = %d, want %d", got, before)
	}
}

func TestMarkRejectsOutOfRange(t *testing.T) {
	fm := newTestFreeMap(t, 64)
	for _, b := range []uint32{0, testDataStart - 1, testDataStart + 64} {
		if err := fm.MarkFree(b); err != vfserrno.EINVAL {
			t.Fatalf("MarkFree(%d) = %v, want EINVAL", b, err)
		}
		if err := fm.MarkUsed(b); err != vfserrno.EINVAL {
			t.Fatalf("MarkUsed(%d) = %v, want EINVAL", b, err)
		}
	}
}

// The cursor biases the top-level scan: with the cursor parked in the
// second group, a free bit there wins over an earlier free bit in the
// first group, and the scan wraps back once the second group drains.
func TestFindFreeCursorBiasesGroupChoice(t *testing.T) {
	fm := newTestFreeMap(t, bitsPerLevel*2)

	low := uint32(testDataStart + 10)
	high := uint32(testDataStart + bitsPerLevel + 6)
	for b := uint32(testDataStart); b < testDataStart+bitsPerLevel*2; b++ {
		if b == low || b == high {
			continue
		}
		if err := fm.MarkUsed(b); err != nil {
			t.Fatalf("MarkUsed(%d): %v", b, err)
		}
	}
	fm.cursor = bitsPerLevel + 1

	got, err := fm.FindFree()
	if err != nil {
		t.Fatalf("FindFree: %v", err)
	}
	if got != high {
		t.Fatalf("FindFree with cursor in second group = %d, want %d", got, high)
	}

	got, err = fm.FindFree()
	if err != nil {
		t.Fatalf("FindFree (wrap): %v", err)
	}
	if got != low {
		t.Fatalf("FindFree after second group drained = %d, want %d (wrapped)", got, low)
	}
}

// Only one free bit remains, in the last group, so the search must
// descend through a parent bit far from the cursor.
func TestFindFreeDescendsToFarGroup(t *testing.T) {
	n := uint32(bitsPerLevel * bitsPerLevel)
	fm := newTestFreeMap(t, n)

	want := testDataStart + n - 3
	for b := uint32(testDataStart); b < testDataStart+n; b++ {
		if b == want {
			continue
		}
		if err := fm.MarkUsed(b); err != nil {
			t.Fatalf("MarkUsed(%d): %v", b, err)
		}
	}

	got, err := fm.FindFree()
	if err != nil {
		t.Fatalf("FindFree: %v", err)
	}
	if got != want {
		t.Fatalf("FindFree = %d, want %d (the only free block)", got, want)
	}
	if _, err := fm.FindFree(); err != vfserrno.ENOSPC {
		t.Fatalf("FindFree after last block = %v, want ENOSPC", err)
	}
}

func TestFindFreeNearPrefersWindow(t *testing.T) {
	fm := newTestFreeMap(t, 1024)

	hint := uint32(testDataStart + 500)
	got, err := fm.FindFreeNear(hint)
	if err != nil {
		t.Fatalf("FindFreeNear: %v", err)
	}
	diff := int64(got) - int64(hint)
	if diff < 0 {
		diff = -diff
	}
	if diff > findFreeWindow {
		t.Fatalf("FindFreeNear(%d) = %d, outside the %d-block window with free blocks available nearby",
			hint, got, findFreeWindow)
	}
}

func TestFindFreeNearFallsBackOutsideWindow(t *testing.T) {
	fm := newTestFreeMap(t, 1024)

	// Exhaust the whole window around the hint, both directions.
	hint := uint32(testDataStart + 500)
	for b := hint - findFreeWindow; b <= hint+findFreeWindow; b++ {
		if err := fm.MarkUsed(b); err != nil {
			t.Fatalf("MarkUsed(%d): %v", b, err)
		}
	}

	got, err := fm.FindFreeNear(hint)
	if err != nil {
		t.Fatalf("FindFreeNear with exhausted window: %v", err)
	}
	diff := int64(got) - int64(hint)
	if diff < 0 {
		diff = -diff
	}
	if diff <= findFreeWindow {
		t.Fatalf("FindFreeNear returned %d, inside the exhausted window around %d", got, hint)
	}
}

// A parent bit must be set exactly when some child in its group is set.
func TestParentBitsTrackChildren(t *testing.T) {
	n := uint32(bitsPerLevel * 2)
	fm := newTestFreeMap(t, n)

	// Drain the first group completely; its parent bit must clear.
	for b := uint32(testDataStart); b < testDataStart+bitsPerLevel; b++ {
		if err := fm.MarkUsed(b); err != nil {
			t.Fatalf("MarkUsed(%d): %v", b, err)
		}
	}
	if getBit(fm.levels[1], 0) {
		t.Fatalf("parent bit 0 still set with its whole group used")
	}
	if !getBit(fm.levels[1], 1) {
		t.Fatalf("parent bit 1 clear with its group entirely free")
	}

	// One child back restores the parent.
	if err := fm.MarkFree(testDataStart + 5); err != nil {
		t.Fatalf("MarkFree: %v", err)
	}
	if !getBit(fm.levels[1], 0) {
		t.Fatalf("parent bit 0 not restored by freeing a child")
	}
}

// The on-disk bitmap drives initialization: blocks whose bits are set
// (allocated) must not appear in the rebuilt cache.
func TestNewFreeMapHonorsOnDiskBitmap(t *testing.T) {
	store := newMemStore()
	bitmap := make([]byte, BSIZE)
	// Mark data blocks 0, 1 and 9 allocated.
	bitmap[0] |= 1<<0 | 1<<1
	bitmap[1] |= 1 << 1
	store.blocks[0] = bitmap

	cache := bufcache.NewCache(store, 16)
	fm, err := NewFreeMap(cache, 0, testDataStart, 32)
	if err != nil {
		t.Fatalf("NewFreeMap: %v", err)
	}
	if got := fm.FreeCount(); got != 32-3 {
		t.Fatalf("FreeCount = %d, want %d", got, 32-3)
	}
	for _, used := range []uint32{testDataStart, testDataStart + 1, testDataStart + 9} {
		if getBit(fm.levels[0], used-testDataStart) {
			t.Fatalf("block %d marked free despite an allocated on-disk bit", used)
		}
	}
}
