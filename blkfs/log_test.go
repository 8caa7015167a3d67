package blkfs

import (
	"testing"

	"github.com/gokernel/vfskit/bufcache"
)

func newTestLog(t *testing.T) (*memStore, *bufcache.Cache, *Log) {
	t.Helper()
	store := newMemStore()
	cache := bufcache.NewCache(store, 64)
	l, err := OpenLog(cache, 0, LogSize)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	return store, cache, l
}

func fillBlock(t *testing.T, cache *bufcache.Cache, l *Log, blockno uint32, val byte) {
	t.Helper()
	buf, err := cache.Bread(blockno)
	if err != nil {
		t.Fatalf("Bread %d: %v", blockno, err)
	}
	for i := range buf.Data {
		buf.Data[i] = val
	}
	l.Write(buf)
	cache.Brelse(buf)
}

func TestLogAbsorbsRepeatedWrites(t *testing.T) {
	_, cache, l := newTestLog(t)

	l.Begin()
	fillBlock(t, cache, l, 100, 0x01)
	if l.n != 1 {
		t.Fatalf("log entries after first write = %d, want 1", l.n)
	}

	// Writing the same block again must reuse its slot.
	fillBlock(t, cache, l, 100, 0x02)
	if l.n != 1 {
		t.Fatalf("log entries after rewrite of same block = %d, want 1 (absorption)", l.n)
	}

	fillBlock(t, cache, l, 101, 0x03)
	if l.n != 2 {
		t.Fatalf("log entries after second distinct block = %d, want 2", l.n)
	}

	if err := l.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
}

func TestLogGroupCommitWaitsForLastOp(t *testing.T) {
	store, cache, l := newTestLog(t)

	l.Begin()
	l.Begin()
	fillBlock(t, cache, l, 200, 0xEE)

	// First End: one operation still outstanding, so nothing may reach
	// the home location yet.
	if err := l.End(); err != nil {
		t.Fatalf("End (1st): %v", err)
	}
	if d, ok := store.blocks[200]; ok && d[0] == 0xEE {
		t.Fatalf("home block written before the last outstanding op ended")
	}

	if err := l.End(); err != nil {
		t.Fatalf("End (2nd): %v", err)
	}
	d, ok := store.blocks[200]
	if !ok || d[0] != 0xEE {
		t.Fatalf("home block not installed after group commit")
	}

	// The committed header must be empty again.
	head, err := cache.Bread(0)
	if err != nil {
		t.Fatalf("Bread header: %v", err)
	}
	n := getU32(head.Data, 0)
	cache.Brelse(head)
	if n != 0 {
		t.Fatalf("log header n = %d after commit, want 0", n)
	}
	if l.outstanding != 0 || l.committing {
		t.Fatalf("log state after commit: outstanding=%d committing=%v", l.outstanding, l.committing)
	}
}

func snapshotStore(s *memStore) map[uint32][]byte {
	out := make(map[uint32][]byte, len(s.blocks))
	for k, v := range s.blocks {
		d := make([]byte, len(v))
		copy(d, v)
		out[k] = d
	}
	return out
}

func storesEqual(a, b map[uint32][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || len(v) != len(w) {
			return false
		}
		for i := range v {
			if v[i] != w[i] {
				return false
			}
		}
	}
	return true
}

// A header written before install is the commit point: opening the log
// replays it, and replaying it a second time changes nothing.
func TestLogRecoveryIsIdempotent(t *testing.T) {
	store, cache, l := newTestLog(t)

	const target = uint32(300)
	l.Begin()
	fillBlock(t, cache, l, target, 0xCD)

	// Run the commit steps only up to the header write, simulating a
	// crash after the commit point but before install.
	if err := l.writeLog(); err != nil {
		t.Fatalf("writeLog: %v", err)
	}
	if err := l.writeHead(); err != nil {
		t.Fatalf("writeHead: %v", err)
	}
	store.WriteBlock(target, make([]byte, BSIZE))

	// First recovery installs the transaction.
	cache2 := bufcache.NewCache(store, 64)
	if _, err := OpenLog(cache2, 0, LogSize); err != nil {
		t.Fatalf("OpenLog (recovery): %v", err)
	}
	d, ok := store.blocks[target]
	if !ok || d[0] != 0xCD {
		t.Fatalf("recovery did not install the committed block")
	}

	after := snapshotStore(store)

	// Second recovery must be a no-op.
	cache3 := bufcache.NewCache(store, 64)
	if _, err := OpenLog(cache3, 0, LogSize); err != nil {
		t.Fatalf("OpenLog (2nd recovery): %v", err)
	}
	if !storesEqual(after, snapshotStore(store)) {
		t.Fatalf("second recovery changed on-disk state")
	}
}

// Begin admits operations only while their worst-case block usage fits;
// a full complement of ops must all run and commit once each ends.
func TestLogAdmitsOpsUpToCapacity(t *testing.T) {
	store, cache, l := newTestLog(t)

	// cap = LogSize-1 slots; each op reserves MaxOpBlocks, so two ops fit
	// without blocking (3*MaxOpBlocks-1 capacity).
	l.Begin()
	l.Begin()

	base := uint32(400)
	for i := uint32(0); i < MaxOpBlocks; i++ {
		fillBlock(t, cache, l, base+i, byte(i+1))
	}
	if err := l.End(); err != nil {
		t.Fatalf("End (1st): %v", err)
	}
	if err := l.End(); err != nil {
		t.Fatalf("End (2nd): %v", err)
	}

	for i := uint32(0); i < MaxOpBlocks; i++ {
		d, ok := store.blocks[base+i]
		if !ok || d[0] != byte(i+1) {
			t.Fatalf("block %d not installed after commit", base+i)
		}
	}
}
