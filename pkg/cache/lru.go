// The LRU strategy keeps keys on a doubly linked list ordered by recency: every access moves the
// key to the front, and the victim is always the key at the back. Both operations are O(1) through
// a key -> node index, so eviction never has to scan the entry set.

package cache

// keyNode is a node in the recency list.
type keyNode struct {
	next *keyNode
	prev *keyNode
	key  string
}

// keyList is a doubly linked list of cache keys, front = most recently used.
type keyList struct {
	head *keyNode
	tail *keyNode
	size int
}

// Len returns the number of keys in the list.
func (l *keyList) Len() int {
	return l.size
}

// Back returns the least recently used node or nil if the list is empty.
func (l *keyList) Back() *keyNode {
	return l.tail
}

// PushFront adds a new key to the front of the list.
func (l *keyList) PushFront(key string) *keyNode {
	n := &keyNode{key: key, next: l.head}
	if l.head != nil {
		l.head.prev = n
	} else { // List was empty.
		l.tail = n
	}
	l.head = n
	l.size++
	return n
}

// Remove unlinks a node from the list.
func (l *keyList) Remove(n *keyNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else { // Node is the head.
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else { // Node is the tail.
		l.tail = n.prev
	}
	// Clean up the removed node's pointers.
	n.next = nil
	n.prev = nil
	l.size--
}

// MoveToFront marks a node as the most recently used.
func (l *keyList) MoveToFront(n *keyNode) {
	if l.head == n {
		return
	}
	l.Remove(n)
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	} else {
		l.tail = n
	}
	l.head = n
	l.size++
}

// lruStrategy evicts the least recently used key.
type lruStrategy[V any] struct { // Implements strategy.
	order *keyList
	nodes map[string]*keyNode
}

func newLRUStrategy[V any]() *lruStrategy[V] {
	return &lruStrategy[V]{order: new(keyList), nodes: make(map[string]*keyNode)}
}

func (s *lruStrategy[V]) onInsert(e *entry[V]) {
	// A fresh insert counts as an access, so the key starts at the front.
	s.nodes[e.key] = s.order.PushFront(e.key)
}

func (s *lruStrategy[V]) onAccess(e *entry[V]) {
	if n, tracked := s.nodes[e.key]; tracked {
		s.order.MoveToFront(n)
	}
}

func (s *lruStrategy[V]) onRemove(key string) {
	if n, tracked := s.nodes[key]; tracked {
		s.order.Remove(n)
		delete(s.nodes, key)
	}
}

func (s *lruStrategy[V]) victim(map[string]*entry[V]) (string, bool) {
	back := s.order.Back()
	if back == nil {
		return "", false
	}
	return back.key, true
}

func (s *lruStrategy[V]) reset() {
	s.order = new(keyList)
	s.nodes = make(map[string]*keyNode)
}
