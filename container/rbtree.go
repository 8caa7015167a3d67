// Package container provides the intrusive building blocks used
// throughout the VFS, memfs and blkfs layers: an order-statistic tree
// keyed by an unsigned 64-bit integer, a bucketed hash table, and a
// doubly-linked list. None of the three own their payloads' lifetime
// beyond holding a copy of the value; callers are free to store handles
// back-referencing into these structures.
//
// Nodes are arena-allocated and addressed by Handle (an index into a
// backing slice) rather than by pointer, so parent/child/prev/next
// relationships never form an owning reference cycle for the garbage
// collector to reason about.
package container

// Handle addresses a node in a Tree, Table or List arena. NilHandle (-1)
// addresses no node; a valid Handle is always >= 0, so the zero Handle
// is a valid slot.
type Handle int32

// NilHandle is the address of "no node".
const NilHandle Handle = -1

// Color is the red-black coloring of a Tree node.
type Color bool

const (
	Red   Color = false
	Black Color = true
)

type rbnode[V any] struct {
	key                 uint64
	value               V
	parent, left, right Handle
	color               Color
	inUse               bool
}

// Tree is an order-statistic map keyed by uint64, backed by a red-black
// tree. Extract recovers the sort key from a value at insert time; callers
// that want a different ordering key than the one embedded in V should
// wrap V accordingly. Insert/Find/Delete are O(log n); Each performs an
// O(n) in-order walk that tolerates the visited node being deleted from
// within the callback.
type Tree[V any] struct {
	nodes   []rbnode[V]
	free    []Handle
	root    Handle
	size    int
	extract func(V) uint64
}

// NewTree creates an empty tree. extract must return the same key for a
// given value every time it is called.
func NewTree[V any](extract func(V) uint64) *Tree[V] {
	return &Tree[V]{root: NilHandle, extract: extract}
}

// Len returns the number of entries currently stored.
func (t *Tree[V]) Len() int { return t.size }

func (t *Tree[V]) at(h Handle) *rbnode[V] { return &t.nodes[h] }

func (t *Tree[V]) alloc(key uint64, value V) Handle {
	n := rbnode[V]{key: key, value: value, parent: NilHandle, left: NilHandle, right: NilHandle, color: Red, inUse: true}
	if k := len(t.free); k > 0 {
		h := t.free[k-1]
		t.free = t.free[:k-1]
		t.nodes[h] = n
		return h
	}
	t.nodes = append(t.nodes, n)
	return Handle(len(t.nodes) - 1)
}

func (t *Tree[V]) release(h Handle) {
	t.nodes[h] = rbnode[V]{}
	t.free = append(t.free, h)
}

// Value returns the value stored at h.
func (t *Tree[V]) Value(h Handle) V { return t.at(h).value }

// SetValue replaces the value stored at h without altering its key or
// position in the tree.
func (t *Tree[V]) SetValue(h Handle, value V) { t.at(h).value = value }

// Find locates the node with the given key.
func (t *Tree[V]) Find(key uint64) (Handle, bool) {
	cur := t.root
	for cur != NilHandle {
		n := t.at(cur)
		switch {
		case key < n.key:
			cur = n.left
		case key > n.key:
			cur = n.right
		default:
			return cur, true
		}
	}
	return NilHandle, false
}

func (t *Tree[V]) rotateLeft(x Handle) {
	y := t.at(x).right
	t.at(x).right = t.at(y).left
	if t.at(y).left != NilHandle {
		t.at(t.at(y).left).parent = x
	}
	t.at(y).parent = t.at(x).parent
	if t.at(x).parent == NilHandle {
		t.root = y
	} else if p := t.at(x).parent; t.at(p).left == x {
		t.at(p).left = y
	} else {
		t.at(p).right = y
	}
	t.at(y).left = x
	t.at(x).parent = y
}

func (t *Tree[V]) rotateRight(x Handle) {
	y := t.at(x).left
	t.at(x).left = t.at(y).right
	if t.at(y).right != NilHandle {
		t.at(t.at(y).right).parent = x
	}
	t.at(y).parent = t.at(x).parent
	if t.at(x).parent == NilHandle {
		t.root = y
	} else if p := t.at(x).parent; t.at(p).right == x {
		t.at(p).right = y
	} else {
		t.at(p).left = y
	}
	t.at(y).right = x
	t.at(x).parent = y
}

// Insert adds value under the key extract(value) derives, and returns its
// handle. Behavior is undefined if a node with the same key already
// exists; check Find first if duplicates must be rejected.
func (t *Tree[V]) Insert(value V) Handle {
	key := t.extract(value)
	var parent Handle = NilHandle
	cur := t.root
	for cur != NilHandle {
		parent = cur
		n := t.at(cur)
		if key < n.key {
			cur = n.left
		} else {
			cur = n.right
		}
	}

	z := t.alloc(key, value)
	t.at(z).parent = parent
	if parent == NilHandle {
		t.root = z
	} else if key < t.at(parent).key {
		t.at(parent).left = z
	} else {
		t.at(parent).right = z
	}
	t.size++
	t.insertFixup(z)
	return z
}

func (t *Tree[V]) insertFixup(z Handle) {
	for t.at(z).parent != NilHandle && t.at(t.at(z).parent).color == Red {
		p := t.at(z).parent
		gp := t.at(p).parent
		if p == t.at(gp).left {
			u := t.at(gp).right
			if u != NilHandle && t.at(u).color == Red {
				t.at(p).color = Black
				t.at(u).color = Black
				t.at(gp).color = Red
				z = gp
				continue
			}
			if z == t.at(p).right {
				z = p
				t.rotateLeft(z)
				p = t.at(z).parent
				gp = t.at(p).parent
			}
			t.at(p).color = Black
			t.at(gp).color = Red
			t.rotateRight(gp)
		} else {
			u := t.at(gp).left
			if u != NilHandle && t.at(u).color == Red {
				t.at(p).color = Black
				t.at(u).color = Black
				t.at(gp).color = Red
				z = gp
				continue
			}
			if z == t.at(p).left {
				z = p
				t.rotateRight(z)
				p = t.at(z).parent
				gp = t.at(p).parent
			}
			t.at(p).color = Black
			t.at(gp).color = Red
			t.rotateLeft(gp)
		}
	}
	t.at(t.root).color = Black
}

func (t *Tree[V]) minimum(h Handle) Handle {
	for t.at(h).left != NilHandle {
		h = t.at(h).left
	}
	return h
}

func (t *Tree[V]) transplant(u, v Handle) {
	p := t.at(u).parent
	if p == NilHandle {
		t.root = v
	} else if t.at(p).left == u {
		t.at(p).left = v
	} else {
		t.at(p).right = v
	}
	if v != NilHandle {
		t.at(v).parent = p
	}
}

// Delete removes the node at h. h must have been returned by a prior
// Insert/Find on this tree and not yet deleted.
func (t *Tree[V]) Delete(h Handle) {
	z := h
	y := z
	yOriginalColor := t.at(y).color
	var x, xParent Handle

	if t.at(z).left == NilHandle {
		x = t.at(z).right
		xParent = t.at(z).parent
		t.transplant(z, t.at(z).right)
	} else if t.at(z).right == NilHandle {
		x = t.at(z).left
		xParent = t.at(z).parent
		t.transplant(z, t.at(z).left)
	} else {
		y = t.minimum(t.at(z).right)
		yOriginalColor = t.at(y).color
		x = t.at(y).right
		if t.at(y).parent == z {
			xParent = y
		} else {
			xParent = t.at(y).parent
			t.transplant(y, t.at(y).right)
			t.at(y).right = t.at(z).right
			t.at(t.at(y).right).parent = y
		}
		t.transplant(z, y)
		t.at(y).left = t.at(z).left
		t.at(t.at(y).left).parent = y
		t.at(y).color = t.at(z).color
	}

	if yOriginalColor == Black {
		t.deleteFixup(x, xParent)
	}
	t.release(z)
	t.size--
}

// color/parent of NilHandle are modeled out-of-band via xParent since the
// sentinel has no node slot to store them in.
func (t *Tree[V]) colorOf(h Handle) Color {
	if h == NilHandle {
		return Black
	}
	return t.at(h).color
}

func (t *Tree[V]) deleteFixup(x, xParent Handle) {
	for x != t.root && t.colorOf(x) == Black {
		if xParent == NilHandle {
			break
		}
		if x == t.at(xParent).left {
			w := t.at(xParent).right
			if t.colorOf(w) == Red {
				t.at(w).color = Black
				t.at(xParent).color = Red
				t.rotateLeft(xParent)
				w = t.at(xParent).right
			}
			if w == NilHandle {
				x = xParent
				xParent = t.at(x).parent
				continue
			}
			if t.colorOf(t.at(w).left) == Black && t.colorOf(t.at(w).right) == Black {
				t.at(w).color = Red
				x = xParent
				xParent = t.at(x).parent
			} else {
				if t.colorOf(t.at(w).right) == Black {
					if t.at(w).left != NilHandle {
						t.at(t.at(w).left).color = Black
					}
					t.at(w).color = Red
					t.rotateRight(w)
					w = t.at(xParent).right
				}
				t.at(w).color = t.at(xParent).color
				t.at(xParent).color = Black
				if t.at(w).right != NilHandle {
					t.at(t.at(w).right).color = Black
				}
				t.rotateLeft(xParent)
				x = t.root
				xParent = NilHandle
			}
		} else {
			w := t.at(xParent).left
			if t.colorOf(w) == Red {
				t.at(w).color = Black
				t.at(xParent).color = Red
				t.rotateRight(xParent)
				w = t.at(xParent).left
			}
			if w == NilHandle {
				x = xParent
				xParent = t.at(x).parent
				continue
			}
			if t.colorOf(t.at(w).right) == Black && t.colorOf(t.at(w).left) == Black {
				t.at(w).color = Red
				x = xParent
				xParent = t.at(x).parent
			} else {
				if t.colorOf(t.at(w).left) == Black {
					if t.at(w).right != NilHandle {
						t.at(t.at(w).right).color = Black
					}
					t.at(w).color = Red
					t.rotateLeft(w)
					w = t.at(xParent).left
				}
				t.at(w).color = t.at(xParent).color
				t.at(xParent).color = Black
				if t.at(w).left != NilHandle {
					t.at(t.at(w).left).color = Black
				}
				t.rotateRight(xParent)
				x = t.root
				xParent = NilHandle
			}
		}
	}
	if x != NilHandle {
		t.at(x).color = Black
	}
}

// Next returns the in-order successor of h, or NilHandle if h is the last
// node. It is safe to call Delete(h) after computing Next(h) but before
// visiting the successor.
func (t *Tree[V]) Next(h Handle) Handle {
	if t.at(h).right != NilHandle {
		return t.minimum(t.at(h).right)
	}
	cur, p := h, t.at(h).parent
	for p != NilHandle && cur == t.at(p).right {
		cur, p = p, t.at(p).parent
	}
	return p
}

// First returns the handle of the smallest key, or NilHandle if empty.
func (t *Tree[V]) First() Handle {
	if t.root == NilHandle {
		return NilHandle
	}
	return t.minimum(t.root)
}

// Each walks the tree in key order, invoking fn(handle, value) for each
// entry. fn may delete the handle it was just given (the successor is
// captured before fn runs) but must not delete other, not-yet-visited
// handles. Iteration stops early if fn returns false.
func (t *Tree[V]) Each(fn func(Handle, V) bool) {
	for h := t.First(); h != NilHandle; {
		next := t.Next(h)
		if !fn(h, t.Value(h)) {
			return
		}
		h = next
	}
}
