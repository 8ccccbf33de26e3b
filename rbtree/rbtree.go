// Package rbtree implements an RCU-friendly interval-augmented
// red-black tree. Lookups and traversals run lock-free inside a reader
// section of the tree's reclamation flavor; insertion and removal must
// be serialized by one caller-provided mutex and must not run inside a
// reader section, because they defer reclamation internally.
//
// Structural changes never mutate a published node's child pointers.
// Rotations and transplants build a private cluster of copies, fully
// wired internally, and publish it with a single atomic store of one
// external edge. Superseded nodes are "decayed": they keep forwarding
// to their replacement and stay traversable until a grace period ends.
//
// The algorithms follow the red-black tree of Cormen, Leiserson,
// Rivest and Stein, Introduction to Algorithms (3rd ed.), chapter 13,
// adapted for copy-on-write publication.
package rbtree

import (
	"sync/atomic"

	"github.com/loveCupid/urcu/logger"
	"github.com/loveCupid/urcu/rcu"
)

type nodeColor uint8

const (
	colorBlack nodeColor = iota
	colorRed
)

const (
	isLeft uint8 = iota
	isRight
)

// parentRef is the (parent, position) pair published as one immutable
// unit, so prev/next walks observe a consistent edge.
type parentRef[K any] struct {
	parent *Node[K]
	pos    uint8
}

// Node is one interval of the tree. Begin and End must be populated
// before Insert and never change while the node is linked; End is
// exclusive for point searches. The remaining fields are reserved.
type Node[K any] struct {
	Begin K
	End   K

	maxEnd K // maximum End over the subtree

	parent atomic.Pointer[parentRef[K]]
	left   atomic.Pointer[Node[K]]
	right  atomic.Pointer[Node[K]]

	color nodeColor
	nil_  bool

	// decayNext forwards a superseded node to its fresher copy.
	// Writer-internal: written and read only under the update mutex.
	decayNext *Node[K]
}

// Tree is an ordered map over a caller-provided comparator, with
// interval augmentation for point and range search.
type Tree[K any] struct {
	root    atomic.Pointer[Node[K]]
	nilNode Node[K]

	comp   func(a, b K) int
	flavor rcu.Flavor
	freeCb func(*Node[K])
	logger logger.Logger
}

// Option customizes a Tree.
type Option[K any] func(*Tree[K])

// WithLogger sets the logger used for structural diagnostics.
func WithLogger[K any](l logger.Logger) Option[K] {
	return func(t *Tree[K]) {
		t.logger = l
	}
}

// WithFreeCallback registers fn to run for every decayed node copy
// after its grace period. Useful for node pools or accounting; memory
// itself is garbage collected.
func WithFreeCallback[K any](fn func(*Node[K])) Option[K] {
	return func(t *Tree[K]) {
		t.freeCb = fn
	}
}

// New creates a tree ordered by comp (negative: a < b, zero: equal,
// positive: a > b). The flavor provides grace periods for decayed node
// copies.
func New[K any](comp func(a, b K) int, flavor rcu.Flavor, opts ...Option[K]) *Tree[K] {
	t := &Tree[K]{
		comp:   comp,
		flavor: flavor,
		logger: &logger.NopLogger{},
	}
	t.nilNode.nil_ = true
	t.nilNode.color = colorBlack
	t.nilNode.left.Store(&t.nilNode)
	t.nilNode.right.Store(&t.nilNode)
	t.nilNode.parent.Store(&parentRef[K]{parent: &t.nilNode, pos: isRight})
	t.root.Store(&t.nilNode)
	for _, opt := range opts {
		opt(t)
	}
	t.logger.Debug("rbtree initialized")
	return t
}

// IsNil reports whether n is the tree's sentinel bottom node.
func (t *Tree[K]) IsNil(n *Node[K]) bool {
	return n.nil_
}

func (t *Tree[K]) nil() *Node[K] {
	return &t.nilNode
}

func setParent[K any](n, parent *Node[K], pos uint8) {
	n.parent.Store(&parentRef[K]{parent: parent, pos: pos})
}

func getParent[K any](n *Node[K]) *Node[K] {
	return n.parent.Load().parent
}

func getPos[K any](n *Node[K]) uint8 {
	return n.parent.Load().pos
}

func getParentAndPos[K any](n *Node[K]) (*Node[K], uint8) {
	ref := n.parent.Load()
	return ref.parent, ref.pos
}

func setDecay[K any](x, xc *Node[K]) {
	x.decayNext = xc
}

func getDecay[K any](x *Node[K]) *Node[K] {
	if x == nil {
		return nil
	}
	for x.decayNext != nil {
		x = x.decayNext
	}
	return x
}

// dupDecayNode copies x into a fresh private node, forwards x to the
// copy, and hands x to deferred reclamation. The sentinel is returned
// unchanged.
func (t *Tree[K]) dupDecayNode(x *Node[K]) *Node[K] {
	if t.IsNil(x) {
		return x
	}
	xc := &Node[K]{
		Begin:  x.Begin,
		End:    x.End,
		maxEnd: x.maxEnd,
		color:  x.color,
	}
	xc.parent.Store(x.parent.Load())
	xc.left.Store(x.left.Load())
	xc.right.Store(x.right.Load())
	setDecay(x, xc)
	old := x
	t.flavor.Defer(func() {
		if t.freeCb != nil {
			t.freeCb(old)
		}
	})
	return xc
}

// calculateMaxEnd recomputes the subtree augmentation value of node
// from its own End and its children's maxEnd.
func (t *Tree[K]) calculateMaxEnd(node *Node[K]) K {
	maxEnd := node.End
	if r := node.right.Load(); !t.IsNil(r) && t.comp(maxEnd, r.maxEnd) < 0 {
		maxEnd = r.maxEnd
	}
	if l := node.left.Load(); !t.IsNil(l) && t.comp(maxEnd, l.maxEnd) < 0 {
		maxEnd = l.maxEnd
	}
	return maxEnd
}

// Search returns a node whose interval contains point
// (Begin <= point < End), or the sentinel. The augmentation steers the
// descent: when the left subtree's maxEnd exceeds point, a covering
// interval may hide there. Must run under a reader section.
func (t *Tree[K]) Search(point K) *Node[K] {
	x := t.root.Load()
	for !t.IsNil(x) {
		xl := x.left.Load()
		if !t.IsNil(xl) && t.comp(xl.maxEnd, point) > 0 {
			x = xl
		} else if t.comp(x.Begin, point) <= 0 && t.comp(point, x.End) < 0 {
			break
		} else if t.comp(point, x.Begin) > 0 {
			x = x.right.Load()
		} else {
			return t.nil()
		}
	}
	return x
}

// SearchRange returns a node whose interval contains [begin, end), or
// the sentinel. Must run under a reader section.
func (t *Tree[K]) SearchRange(begin, end K) *Node[K] {
	node := t.Search(begin)
	if t.IsNil(node) {
		return node
	}
	if t.comp(node.End, end) < 0 {
		// High bound falls outside the found interval.
		return t.nil()
	}
	return node
}

// SearchBeginKey returns the node whose Begin equals k exactly, or the
// sentinel. Must run under a reader section.
func (t *Tree[K]) SearchBeginKey(k K) *Node[K] {
	x := t.root.Load()
	for !t.IsNil(x) {
		c := t.comp(k, x.Begin)
		if c == 0 {
			break
		}
		if c < 0 {
			x = x.left.Load()
		} else {
			x = x.right.Load()
		}
	}
	return x
}

func (t *Tree[K]) minNode(x *Node[K]) *Node[K] {
	if t.IsNil(x) {
		return x
	}
	for xl := x.left.Load(); !t.IsNil(xl); xl = x.left.Load() {
		x = xl
	}
	return x
}

func (t *Tree[K]) maxNode(x *Node[K]) *Node[K] {
	if t.IsNil(x) {
		return x
	}
	for xr := x.right.Load(); !t.IsNil(xr); xr = x.right.Load() {
		x = xr
	}
	return x
}

// Min returns the smallest node of the tree, or the sentinel. Must run
// under a reader section.
func (t *Tree[K]) Min() *Node[K] {
	return t.minNode(t.root.Load())
}

// Max returns the largest node of the tree, or the sentinel. Must run
// under a reader section.
func (t *Tree[K]) Max() *Node[K] {
	return t.maxNode(t.root.Load())
}

// Next returns the in-order successor of x, or the sentinel. The
// reader section entered before obtaining x must still be held.
func (t *Tree[K]) Next(x *Node[K]) *Node[K] {
	if xr := x.right.Load(); !t.IsNil(xr) {
		return t.minNode(xr)
	}
	y, pos := getParentAndPos(x)
	for !t.IsNil(y) && pos == isRight {
		x = y
		y, pos = getParentAndPos(y)
	}
	return y
}

// Prev returns the in-order predecessor of x, or the sentinel. The
// reader section entered before obtaining x must still be held.
func (t *Tree[K]) Prev(x *Node[K]) *Node[K] {
	if xl := x.left.Load(); !t.IsNil(xl) {
		return t.maxNode(xl)
	}
	y, pos := getParentAndPos(x)
	for !t.IsNil(y) && pos == isLeft {
		x = y
		y, pos = getParentAndPos(y)
	}
	return y
}

// populateNodeEnd recomputes maxEnd bottom-up from node, copying
// parents along the way when copyParents is set, and publishes the
// rebuilt branch with a single store into the first ancestor whose
// maxEnd is unchanged. Propagation stops early at stop without
// publishing: the caller owns a larger unpublished cluster there.
func (t *Tree[K]) populateNodeEnd(node *Node[K], copyParents bool, stop *Node[K]) {
	var prev, top *Node[K]
	orig := node

	for {
		if prev != nil && copyParents {
			node = t.dupDecayNode(node)
			if getPos(prev) == isRight {
				node.right.Store(prev)
			} else {
				node.left.Store(prev)
			}
			setParent(prev, node, getPos(prev))
		}

		maxEnd := t.calculateMaxEnd(node)
		if t.comp(maxEnd, node.maxEnd) != 0 {
			node.maxEnd = maxEnd
		} else {
			// Branch content settled: make it visible to readers.
			top = getParent(node)
			if t.IsNil(top) {
				t.root.Store(node)
			} else if getPos(node) == isLeft {
				top.left.Store(node)
			} else {
				top.right.Store(node)
			}
			goto end
		}

		if node == stop {
			return
		}
		prev = node
		node = getParent(node)
		if t.IsNil(node) {
			break
		}
	}

	top = node // sentinel
	t.root.Store(prev)

end:
	if !copyParents {
		return
	}
	// Reparent the untouched children of every copy to the copies.
	node = orig
	for {
		setParent(node.left.Load(), getDecay(getParent(node.left.Load())), isLeft)
		setParent(node.right.Load(), getDecay(getParent(node.right.Load())), isRight)
		node = getParent(node)
		if node == top {
			return
		}
	}
}

// leftRotate rotates around x. The three nodes whose parent/child
// relationships change (x, its right child y, and y's left child) are
// copied, wired internally, and published through the single edge from
// y's parent.
func (t *Tree[K]) leftRotate(x *Node[K]) {
	y := x.right.Load()
	yLeft := y.left.Load()

	// Operate on fresh copies, decay the old versions.
	x = t.dupDecayNode(x)
	y = t.dupDecayNode(y)
	yLeft = t.dupDecayNode(yLeft)

	// Internal cluster wiring.
	setParent(y, getParent(x), getPos(x))
	setParent(x, y, isLeft)
	y.left.Store(x)
	x.right.Store(yLeft)
	if !t.IsNil(yLeft) {
		setParent(yLeft, x, isRight)
	}

	// Only x and y moved relative to their children, so only their
	// augmentation values need recomputing before publication.
	x.maxEnd = t.calculateMaxEnd(x)
	y.maxEnd = t.calculateMaxEnd(y)

	// Single external reference update, visible to readers.
	if p := getParent(y); t.IsNil(p) {
		t.root.Store(y)
	} else if getPos(y) == isLeft {
		p.left.Store(y)
	} else {
		p.right.Store(y)
	}

	// Point the untouched children at the new copies; parent pointers
	// are only used by updates and prev/next.
	setParent(x.left.Load(), getDecay(getParent(x.left.Load())), getPos(x.left.Load()))
	setParent(y.right.Load(), getDecay(getParent(y.right.Load())), getPos(y.right.Load()))
	if !t.IsNil(yLeft) {
		setParent(yLeft.right.Load(), getDecay(getParent(yLeft.right.Load())), getPos(yLeft.right.Load()))
		setParent(yLeft.left.Load(), getDecay(getParent(yLeft.left.Load())), getPos(yLeft.left.Load()))
	}
}

func (t *Tree[K]) rightRotate(x *Node[K]) {
	y := x.left.Load()
	yRight := y.right.Load()

	x = t.dupDecayNode(x)
	y = t.dupDecayNode(y)
	yRight = t.dupDecayNode(yRight)

	setParent(y, getParent(x), getPos(x))
	setParent(x, y, isRight)
	y.right.Store(x)
	x.left.Store(yRight)
	if !t.IsNil(yRight) {
		setParent(yRight, x, isLeft)
	}

	x.maxEnd = t.calculateMaxEnd(x)
	y.maxEnd = t.calculateMaxEnd(y)

	if p := getParent(y); t.IsNil(p) {
		t.root.Store(y)
	} else if getPos(y) == isRight {
		p.right.Store(y)
	} else {
		p.left.Store(y)
	}

	setParent(x.right.Load(), getDecay(getParent(x.right.Load())), getPos(x.right.Load()))
	setParent(y.left.Load(), getDecay(getParent(y.left.Load())), getPos(y.left.Load()))
	if !t.IsNil(yRight) {
		setParent(yRight.left.Load(), getDecay(getParent(yRight.left.Load())), getPos(yRight.left.Load()))
		setParent(yRight.right.Load(), getDecay(getParent(yRight.right.Load())), getPos(yRight.right.Load()))
	}
}

func (t *Tree[K]) insertFixup(z *Node[K]) {
	for getParent(z).color == colorRed {
		if getParent(z) == getParent(getParent(z)).left.Load() {
			y := getParent(getParent(z)).right.Load()
			if y.color == colorRed {
				getParent(z).color = colorBlack
				y.color = colorBlack
				getParent(getParent(z)).color = colorRed
				z = getParent(getParent(z))
			} else {
				if z == getParent(z).right.Load() {
					z = getParent(z)
					t.leftRotate(z)
					z = getDecay(z)
				}
				getParent(z).color = colorBlack
				getParent(getParent(z)).color = colorRed
				t.rightRotate(getParent(getParent(z)))
			}
		} else {
			y := getParent(getParent(z)).left.Load()
			if y.color == colorRed {
				getParent(z).color = colorBlack
				y.color = colorBlack
				getParent(getParent(z)).color = colorRed
				z = getParent(getParent(z))
			} else {
				if z == getParent(z).left.Load() {
					z = getParent(z)
					t.rightRotate(z)
					z = getDecay(z)
				}
				getParent(z).color = colorBlack
				getParent(getParent(z)).color = colorRed
				t.leftRotate(getParent(getParent(z)))
			}
		}
	}
	t.root.Load().color = colorBlack
}

// Insert links z into the tree. The caller holds the external update
// mutex and is outside any reader section. Begin and End must be set;
// everything else is initialized here.
func (t *Tree[K]) Insert(z *Node[K]) {
	y := t.nil()
	x := t.root.Load()
	for !t.IsNil(x) {
		y = x
		if t.comp(z.Begin, x.Begin) < 0 {
			x = x.left.Load()
		} else {
			x = x.right.Load()
		}
	}

	z.left.Store(t.nil())
	z.right.Store(t.nil())
	z.color = colorRed
	z.decayNext = nil
	z.nil_ = false
	z.maxEnd = z.End

	if t.IsNil(y) {
		// Position is arbitrary for the root node.
		setParent(z, y, isRight)
		t.root.Store(z)
	} else {
		y = t.dupDecayNode(y)
		if t.comp(z.Begin, y.Begin) < 0 {
			setParent(z, y, isLeft)
			y.left.Store(z)
		} else {
			setParent(z, y, isRight)
			y.right.Store(z)
		}
		t.populateNodeEnd(y, true, nil)
	}
	t.insertFixup(z)
}

// transplant replaces the subtree rooted at u with (a copy of) v,
// publishing the new subtree root through u's old parent slot.
func (t *Tree[K]) transplant(u, v *Node[K], copyParents bool, stop *Node[K]) {
	if !t.IsNil(v) {
		v = t.dupDecayNode(v)
	}

	if p := getParent(u); t.IsNil(p) {
		// Position is arbitrary for the root node. The sentinel's
		// parent is written too: remove fixup navigates through it.
		setParent(v, p, isRight)
		t.root.Store(v)
	} else {
		vp := p
		if copyParents {
			vp = t.dupDecayNode(vp)
		}
		setParent(v, vp, getPos(u))
		if getPos(v) == isLeft {
			vp.left.Store(v)
		} else {
			vp.right.Store(v)
		}
		t.populateNodeEnd(vp, copyParents, stop)
	}

	if !t.IsNil(v) {
		setParent(v.right.Load(), getDecay(getParent(v.right.Load())), getPos(v.right.Load()))
		setParent(v.left.Load(), getDecay(getParent(v.left.Load())), getPos(v.left.Load()))
	}
}

// minDupDecay copies the minimum-bound spine of the subtree rooted at
// x, returning the copied minimum and, through zr, the copy of x
// itself. Used by removal to keep the successor visible to readers at
// every step.
func (t *Tree[K]) minDupDecay(x *Node[K]) (min, zr *Node[K]) {
	if t.IsNil(x) {
		return x, x
	}
	x = t.dupDecayNode(x)
	zr = x

	for {
		xl := x.left.Load()
		if t.IsNil(xl) {
			break
		}
		x = t.dupDecayNode(xl)
		setParent(x, getDecay(getParent(x)), getPos(x))
		getParent(x).left.Store(getDecay(getParent(x).left.Load()))
	}
	return x, zr
}

// minUpdateDecay walks the left spine of x reparenting children to the
// decayed copies.
func (t *Tree[K]) minUpdateDecay(x *Node[K]) {
	if t.IsNil(x) {
		return
	}
	fix := func(n *Node[K]) {
		r := n.right.Load()
		setParent(r, getDecay(getParent(r)), getPos(r))
		l := n.left.Load()
		setParent(l, getDecay(getParent(l)), getPos(l))
	}
	fix(x)
	for {
		xl := x.left.Load()
		if t.IsNil(xl) {
			break
		}
		x = xl
		fix(x)
	}
}

// removeNonil deletes z when both children are present: the successor y
// is "teleported" into z's position. y's own right subtree is first
// copy-transplanted into y's old slot, then y takes z's place; the
// copies form one cluster published at its root.
func (t *Tree[K]) removeNonil(z, y *Node[K]) {
	x := y.right.Load()

	if getParent(y) == z {
		y = t.dupDecayNode(y)
		setParent(x, y, getPos(x)) // parent for the sentinel
		y.left.Store(z.left.Load())
		y.maxEnd = t.calculateMaxEnd(y)
		t.transplant(z, y, true, nil)
	} else {
		var zRight *Node[K]
		// The whole min spine is copied so y stays visible to
		// readers at every intermediate step.
		y, zRight = t.minDupDecay(z.right.Load())
		oyRight := y.right.Load()

		// The max bound of zRight is unchanged: only its left
		// children are being rewritten.
		y.right.Store(zRight)
		setParent(zRight, y, isRight)
		y.left.Store(z.left.Load())

		// Transplanting oyRight into old y's slot only updates the
		// already-copied, still unpublished branch; the propagation
		// stops at zRight's spine via the stop node.
		t.transplant(y, oyRight, false, y)
		y.maxEnd = t.calculateMaxEnd(y)
		t.transplant(z, y, true, nil)
		t.minUpdateDecay(y.right.Load())
	}

	y = getDecay(y)
	y.color = z.color
	setParent(y.left.Load(), y, isLeft)
	setParent(y.right.Load(), getDecay(getParent(y.right.Load())), isRight)
}

func (t *Tree[K]) removeFixup(x *Node[K]) {
	for x != t.root.Load() && x.color == colorBlack {
		if x == getParent(x).left.Load() {
			w := getParent(x).right.Load()
			if w.color == colorRed {
				w.color = colorBlack
				getParent(x).color = colorRed
				t.leftRotate(getParent(x))
				x = getDecay(x)
				w = getParent(x).right.Load()
			}
			if w.left.Load().color == colorBlack && w.right.Load().color == colorBlack {
				w.color = colorRed
				x = getParent(x)
			} else {
				if w.right.Load().color == colorBlack {
					w.left.Load().color = colorBlack
					w.color = colorRed
					t.rightRotate(w)
					x = getDecay(x)
					w = getParent(x).right.Load()
				}
				w.color = getParent(x).color
				getParent(x).color = colorBlack
				w.right.Load().color = colorBlack
				t.leftRotate(getParent(x))
				x = t.root.Load()
			}
		} else {
			w := getParent(x).left.Load()
			if w.color == colorRed {
				w.color = colorBlack
				getParent(x).color = colorRed
				t.rightRotate(getParent(x))
				x = getDecay(x)
				w = getParent(x).left.Load()
			}
			if w.right.Load().color == colorBlack && w.left.Load().color == colorBlack {
				w.color = colorRed
				x = getParent(x)
			} else {
				if w.left.Load().color == colorBlack {
					w.right.Load().color = colorBlack
					w.color = colorRed
					t.leftRotate(w)
					x = getDecay(x)
					w = getParent(x).left.Load()
				}
				w.color = getParent(x).color
				getParent(x).color = colorBlack
				w.left.Load().color = colorBlack
				t.rightRotate(getParent(x))
				x = t.root.Load()
			}
		}
	}
	x.color = colorBlack
}

// Remove unlinks z from the tree. The caller holds the external update
// mutex and is outside any reader section. z must be a node freshly
// obtained from a search: a pointer kept from an earlier Insert may
// have been superseded by a copy in the meantime. The caller remains
// responsible for reclaiming z itself after a grace period.
func (t *Tree[K]) Remove(z *Node[K]) {
	var x *Node[K]
	y := z
	yColor := y.color

	if t.IsNil(z.left.Load()) {
		t.transplant(z, z.right.Load(), true, nil)
		x = getDecay(z.right.Load())
	} else if t.IsNil(z.right.Load()) {
		t.transplant(z, z.left.Load(), true, nil)
		x = getDecay(z.left.Load())
	} else {
		y = t.minNode(z.right.Load())
		yColor = y.color
		x = y.right.Load()
		t.removeNonil(z, y)
		x = getDecay(x)
	}
	if yColor == colorBlack {
		t.removeFixup(x)
	}
}
