package container

// Table is a bucketed hash table with intrusive chaining: each bucket is a
// slice of handles into a shared arena, so rehashing only touches bucket
// slices, never the values themselves. Hash and Eq are supplied by the
// caller; the table is value-agnostic and owns neither the hash nor the
// payloads.
type Table[K any, V any] struct {
	entries []tentry[K, V]
	free    []Handle
	buckets [][]Handle
	size    int
	hash    func(K) uint64
	eq      func(K, K) bool
}

type tentry[K any, V any] struct {
	key   K
	value V
	inUse bool
}

const defaultBucketCount = 16
const maxLoadFactor = 2 // average chain length before growing

// NewTable creates an empty hash table using the given hash and equality
// functions.
func NewTable[K any, V any](hash func(K) uint64, eq func(K, K) bool) *Table[K, V] {
	return &Table[K, V]{
		buckets: make([][]Handle, defaultBucketCount),
		hash:    hash,
		eq:      eq,
	}
}

// Len returns the number of live entries.
func (t *Table[K, V]) Len() int { return t.size }

func (t *Table[K, V]) bucketIndex(k K) int {
	return int(t.hash(k) % uint64(len(t.buckets)))
}

// Lookup returns the value for k, if present.
func (t *Table[K, V]) Lookup(k K) (V, bool) {
	idx := t.bucketIndex(k)
	for _, h := range t.buckets[idx] {
		e := &t.entries[h]
		if e.inUse && t.eq(e.key, k) {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Insert adds or replaces the entry for k, returning the handle.
func (t *Table[K, V]) Insert(k K, v V) Handle {
	idx := t.bucketIndex(k)
	for _, h := range t.buckets[idx] {
		e := &t.entries[h]
		if e.inUse && t.eq(e.key, k) {
			e.value = v
			return h
		}
	}

	h := t.alloc(k, v)
	t.buckets[idx] = append(t.buckets[idx], h)
	t.size++

	if t.size > len(t.buckets)*maxLoadFactor {
		t.grow()
	}
	return h
}

func (t *Table[K, V]) alloc(k K, v V) Handle {
	e := tentry[K, V]{key: k, value: v, inUse: true}
	if n := len(t.free); n > 0 {
		h := t.free[n-1]
		t.free = t.free[:n-1]
		t.entries[h] = e
		return h
	}
	t.entries = append(t.entries, e)
	return Handle(len(t.entries) - 1)
}

func (t *Table[K, V]) grow() {
	newBuckets := make([][]Handle, len(t.buckets)*2)
	for _, bucket := range t.buckets {
		for _, h := range bucket {
			if !t.entries[h].inUse {
				continue
			}
			idx := int(t.hash(t.entries[h].key) % uint64(len(newBuckets)))
			newBuckets[idx] = append(newBuckets[idx], h)
		}
	}
	t.buckets = newBuckets
}

// Delete removes the entry for k, if present, and reports whether one was
// removed. Safe to call from within an Iterate callback, including for
// the key that callback was just given.
func (t *Table[K, V]) Delete(k K) bool {
	idx := t.bucketIndex(k)
	bucket := t.buckets[idx]
	for i, h := range bucket {
		e := &t.entries[h]
		if e.inUse && t.eq(e.key, k) {
			bucket[i] = bucket[len(bucket)-1]
			t.buckets[idx] = bucket[:len(bucket)-1]
			*e = tentry[K, V]{}
			t.free = append(t.free, h)
			t.size--
			return true
		}
	}
	return false
}

// Iterate visits every live entry in unspecified order. It is safe for fn
// to delete the key it was just given.
func (t *Table[K, V]) Iterate(fn func(K, V) bool) {
	for _, bucket := range t.buckets {
		// Snapshot the bucket since fn may mutate it via Delete.
		snapshot := append([]Handle(nil), bucket...)
		for _, h := range snapshot {
			e := &t.entries[h]
			if !e.inUse {
				continue
			}
			if !fn(e.key, e.value) {
				return
			}
		}
	}
}
