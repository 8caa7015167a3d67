package bufcache

import (
	"sync"

	"github.com/gokernel/vfskit/container"
	"github.com/gokernel/vfskit/vfserrno"
)

// Buffer is one cached block: dev-implicit (one Cache per device), keyed
// by Blockno, with its own mutex, acquired and released inside a single
// Bread/Brelse pair and never held across one.
type Buffer struct {
	mu sync.Mutex

	Blockno uint32
	Data    []byte

	valid bool // GUARDED_BY mu: Data reflects the on-disk block
	dirty bool // GUARDED_BY mu: Data has unwritten changes

	cache  *Cache
	refcnt int32            // GUARDED_BY cache.mu
	pinned int32            // GUARDED_BY cache.mu
	handle container.Handle // GUARDED_BY cache.mu: position in the LRU list
}

// Cache is a fixed-capacity, dev-blockno-keyed buffer cache with LRU
// eviction among unpinned, unreferenced buffers, modeled on xv6's bcache.
type Cache struct {
	mu       sync.Mutex
	store    BlockStore
	capacity int

	table *container.Table[uint32, container.Handle]
	lru   *container.List[*Buffer]
}

func blockHash(b uint32) uint64 { return uint64(b) }
func blockEq(a, b uint32) bool  { return a == b }

// NewCache creates a buffer cache over store holding at most capacity
// blocks resident at once.
func NewCache(store BlockStore, capacity int) *Cache {
	return &Cache{
		store:    store,
		capacity: capacity,
		table:    container.NewTable[uint32, container.Handle](blockHash, blockEq),
		lru:      container.NewList[*Buffer](),
	}
}

// Bread returns the buffer for blockno, locked, with Data populated from
// the store if this is the first reference since it entered the cache.
// The caller must call Brelse when done.
func (c *Cache) Bread(blockno uint32) (*Buffer, error) {
	buf, err := c.acquire(blockno)
	if err != nil {
		return nil, err
	}

	buf.mu.Lock()
	if !buf.valid {
		if err := c.store.ReadBlock(blockno, buf.Data); err != nil {
			c.Brelse(buf)
			return nil, err
		}
		buf.valid = true
	}
	return buf, nil
}

func (c *Cache) acquire(blockno uint32) (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.table.Lookup(blockno); ok {
		buf := c.lru.Value(h)
		buf.refcnt++
		c.lru.Remove(h)
		buf.handle = c.lru.PushBack(buf)
		c.table.Insert(blockno, buf.handle)
		return buf, nil
	}

	if c.lru.Len() >= c.capacity {
		if !c.evictLocked() {
			return nil, vfserrno.ENOMEM
		}
	}

	buf := &Buffer{cache: c, Blockno: blockno, Data: make([]byte, c.store.BlockSize()), refcnt: 1}
	buf.handle = c.lru.PushBack(buf)
	c.table.Insert(blockno, buf.handle)
	return buf, nil
}

// evictLocked drops the least-recently-used buffer with no references and
// no pin, returning whether one was found. Must be called with c.mu held.
func (c *Cache) evictLocked() bool {
	found := false
	c.lru.Each(func(h container.Handle, b *Buffer) bool {
		if b.refcnt == 0 && b.pinned == 0 {
			c.table.Delete(b.Blockno)
			c.lru.Remove(h)
			found = true
			return false
		}
		return true
	})
	return found
}

// Bwrite writes buf's current contents through to the store immediately.
// The caller must hold buf locked (as returned by Bread).
func (c *Cache) Bwrite(buf *Buffer) error {
	if err := c.store.WriteBlock(buf.Blockno, buf.Data); err != nil {
		return err
	}
	buf.dirty = false
	return nil
}

// Brelse unlocks buf and drops the caller's reference.
func (c *Cache) Brelse(buf *Buffer) {
	buf.mu.Unlock()

	c.mu.Lock()
	buf.refcnt--
	c.mu.Unlock()
}

// Bpin keeps buf resident in the cache even once its reference count
// drops to zero, used by the log to hold absorbed blocks across an
// `end_op` boundary.
func (c *Cache) Bpin(buf *Buffer) {
	c.mu.Lock()
	buf.pinned++
	c.mu.Unlock()
}

// Bunpin releases a pin taken by Bpin.
func (c *Cache) Bunpin(buf *Buffer) {
	c.mu.Lock()
	buf.pinned--
	c.mu.Unlock()
}

// MarkDirty flags buf as holding unwritten changes; the caller must hold
// buf locked.
func (buf *Buffer) MarkDirty() { buf.dirty = true }

// Dirty reports whether buf has unwritten changes.
func (buf *Buffer) Dirty() bool { return buf.dirty }
