package lfq

import (
	"sync/atomic"

	"github.com/loveCupid/urcu/rcu"
)

// DNode is the linkage embedded in elements of a Deque.
type DNode struct {
	next atomic.Pointer[DNode]
	prev atomic.Pointer[DNode]
	skip atomic.Bool
}

// Deque is an RCU double-ended queue allowing consistent forward and
// backward traversal concurrent with updates: if an addition is seen by
// a forward traversal, any following backward traversal sees it too,
// and symmetrically; a deletion missed by one direction is guaranteed
// missed by every later traversal of the other direction.
//
// The guarantee rests on the per-node skip flag: a node is fully linked
// in both directions while still flagged, then shown with a single flag
// store; deletion hides the node first and unlinks afterwards.
//
// Traversals require a reader section of the deque's flavor. Updates
// must be serialized externally by the caller.
type Deque struct {
	head   DNode // circular sentinel
	flavor rcu.Flavor
}

// NewDeque creates an empty deque.
func NewDeque(flavor rcu.Flavor) *Deque {
	d := &Deque{flavor: flavor}
	d.head.next.Store(&d.head)
	d.head.prev.Store(&d.head)
	return d
}

// Add inserts n at the head of the deque.
func (d *Deque) Add(n *DNode) {
	d.addBetween(n, &d.head, d.head.next.Load())
}

// AddTail inserts n at the tail of the deque.
func (d *Deque) AddTail(n *DNode) {
	d.addBetween(n, d.head.prev.Load(), &d.head)
}

func (d *Deque) addBetween(n, prev, next *DNode) {
	n.next.Store(next)
	n.prev.Store(prev)
	// Link while hidden, then show: traversals in both directions
	// observe the node all-or-nothing.
	n.skip.Store(true)
	next.prev.Store(n)
	prev.next.Store(n)
	n.skip.Store(false)
}

// Del removes n. The node stays traversable by in-flight readers (its
// own links are only poisoned after a grace period), but is hidden from
// every traversal that starts after the call.
func (d *Deque) Del(n *DNode) {
	// Hide before unlinking, so a traversal crossing the node during
	// the unlink does not surface it in one direction only.
	n.skip.Store(true)
	n.prev.Load().next.Store(n.next.Load())
	n.next.Load().prev.Store(n.prev.Load())
	d.flavor.Defer(func() {
		n.next.Store(nil)
		n.prev.Store(nil)
	})
}

// IsEmpty reports whether no element was linked at load time.
func (d *Deque) IsEmpty() bool {
	return d.head.next.Load() == &d.head
}

// ForEach walks the deque from head to tail, calling fn on every
// visible node until fn returns false. Must run in a reader section.
func (d *Deque) ForEach(fn func(*DNode) bool) {
	for n := d.head.next.Load(); n != &d.head; n = n.next.Load() {
		if n.skip.Load() {
			continue
		}
		if !fn(n) {
			return
		}
	}
}

// ForEachReverse walks the deque from tail to head, calling fn on every
// visible node until fn returns false. Must run in a reader section.
func (d *Deque) ForEachReverse(fn func(*DNode) bool) {
	for n := d.head.prev.Load(); n != &d.head; n = n.prev.Load() {
		if n.skip.Load() {
			continue
		}
		if !fn(n) {
			return
		}
	}
}
