package container

// List is a doubly-linked intrusive list of arena-allocated nodes
// addressed by Handle, giving O(1) PushBack/PushFront/Remove without a
// container_of macro: the arena slot itself holds prev/next, so recovering
// "the node" from a handle is just an index operation.
type List[V any] struct {
	nodes []lnode[V]
	free  []Handle
	head  Handle
	tail  Handle
	size  int
}

type lnode[V any] struct {
	value      V
	prev, next Handle
	inUse      bool
}

// NewList creates an empty list.
func NewList[V any]() *List[V] {
	return &List[V]{head: NilHandle, tail: NilHandle}
}

// Len returns the number of elements.
func (l *List[V]) Len() int { return l.size }

func (l *List[V]) alloc(v V) Handle {
	n := lnode[V]{value: v, prev: NilHandle, next: NilHandle, inUse: true}
	if k := len(l.free); k > 0 {
		h := l.free[k-1]
		l.free = l.free[:k-1]
		l.nodes[h] = n
		return h
	}
	l.nodes = append(l.nodes, n)
	return Handle(len(l.nodes) - 1)
}

// PushBack appends v and returns its handle.
func (l *List[V]) PushBack(v V) Handle {
	h := l.alloc(v)
	l.nodes[h].prev = l.tail
	if l.tail != NilHandle {
		l.nodes[l.tail].next = h
	} else {
		l.head = h
	}
	l.tail = h
	l.size++
	return h
}

// PushFront prepends v and returns its handle.
func (l *List[V]) PushFront(v V) Handle {
	h := l.alloc(v)
	l.nodes[h].next = l.head
	if l.head != NilHandle {
		l.nodes[l.head].prev = h
	} else {
		l.tail = h
	}
	l.head = h
	l.size++
	return h
}

// Remove detaches h from the list in O(1). h must currently be a member.
func (l *List[V]) Remove(h Handle) {
	n := &l.nodes[h]
	if n.prev != NilHandle {
		l.nodes[n.prev].next = n.next
	} else {
		l.head = n.next
	}
	if n.next != NilHandle {
		l.nodes[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}
	*n = lnode[V]{}
	l.free = append(l.free, h)
	l.size--
}

// Value returns the value stored at h.
func (l *List[V]) Value(h Handle) V { return l.nodes[h].value }

// SetValue replaces the value stored at h.
func (l *List[V]) SetValue(h Handle, v V) { l.nodes[h].value = v }

// Front returns the handle at the head of the list, or NilHandle if empty.
func (l *List[V]) Front() Handle { return l.head }

// Next returns the successor of h, or NilHandle at the tail.
func (l *List[V]) Next(h Handle) Handle { return l.nodes[h].next }

// Each visits every element front-to-back. fn may Remove(handle) the
// element it was just given.
func (l *List[V]) Each(fn func(Handle, V) bool) {
	for h := l.Front(); h != NilHandle; {
		next := l.Next(h)
		if !fn(h, l.Value(h)) {
			return
		}
		h = next
	}
}
