// Package ja implements an RCU-friendly Judy array: an ordered map
// from fixed-width integer keys to chains of user nodes. Readers
// traverse lock-free under a reader section of the array's reclamation
// flavor; writers serialize through per-node shadow locks and publish
// every structural change with a single atomic pointer store.
//
// The package also provides a range allocator built on the array (see
// RangeMap), which maintains a partition of the 64-bit key space into
// contiguous free and allocated ranges.
package ja

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/loveCupid/urcu/logger"
	"github.com/loveCupid/urcu/rcu"
)

var (
	// ErrExists is returned when the target interval of a range Add is
	// not wholly contained in a single free range.
	ErrExists = errors.New("ja: already exists")

	// ErrNotFound is returned when the target of a removal is gone,
	// possibly because a concurrent writer removed it first.
	ErrNotFound = errors.New("ja: not found")

	// ErrInvalidArgument is returned for keys outside the array's key
	// space, start > end intervals, or an unsupported keyBits value.
	ErrInvalidArgument = errors.New("ja: invalid argument")
)

// Node is the linkage embedded in user values stored in a Judy array.
// All user nodes sharing one key form a singly-linked duplicate chain
// in insertion order.
type Node struct {
	next atomic.Pointer[Node]
}

// Next returns the following node of the duplicate chain, or nil at
// the tail. Must be called under a reader section of the array's
// flavor.
func (n *Node) Next() *Node {
	return n.next.Load()
}

// Ja is a Judy array with keys of a fixed bit width.
type Ja struct {
	root     atomic.Pointer[janode]
	rootLock sync.Mutex // serializes replacement of the root pointer

	depth   int // number of byte levels, keyBits / 8
	keyBits int

	flavor  rcu.Flavor
	shadows *shadowTable
	nextID  atomic.Uint64
	logger  logger.Logger

	nrNodes   atomic.Int64
	reclaimed atomic.Int64
}

// Option customizes a Judy array.
type Option func(*Ja)

// WithLogger sets the logger used for structural diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(ja *Ja) {
		ja.logger = l
	}
}

// New creates a Judy array for keys of the given bit width. keyBits
// must be a multiple of 8 in [8, 64]. The flavor provides deferred
// reclamation for replaced interior nodes; all lookups must run inside
// one of its reader sections.
func New(keyBits int, flavor rcu.Flavor, opts ...Option) (*Ja, error) {
	if keyBits < 8 || keyBits > 64 || keyBits%8 != 0 {
		return nil, fmt.Errorf("%w: keyBits %d", ErrInvalidArgument, keyBits)
	}
	if flavor == nil {
		return nil, fmt.Errorf("%w: nil flavor", ErrInvalidArgument)
	}
	ja := &Ja{
		depth:   keyBits / 8,
		keyBits: keyBits,
		flavor:  flavor,
		shadows: newShadowTable(),
		logger:  &logger.NopLogger{},
	}
	for _, opt := range opts {
		opt(ja)
	}
	return ja, nil
}

// keyByte extracts the byte consumed at the given level: keys decompose
// big-endian, the root indexes the most significant byte.
func (ja *Ja) keyByte(key uint64, level int) byte {
	return byte(key >> (8 * (ja.depth - 1 - level)))
}

// inKeySpace reports whether key fits the array's width.
func (ja *Ja) inKeySpace(key uint64) bool {
	if ja.keyBits == 64 {
		return true
	}
	return key < 1<<uint(ja.keyBits)
}

func (ja *Ja) newID() uint64 {
	return ja.nextID.Add(1)
}

// Lookup returns the head of the duplicate chain stored at key, or nil.
// Must be called under a reader section.
func (ja *Ja) Lookup(key uint64) *Node {
	if !ja.inKeySpace(key) {
		return nil
	}
	n := ja.root.Load()
	for level := 0; level < ja.depth; level++ {
		if n == nil {
			return nil
		}
		n = n.getNth(ja.keyByte(key, level))
	}
	if n == nil {
		return nil
	}
	return n.head.Load()
}

// LookupLowerEqual returns the chain head of the largest key <= key
// present in the array, or nil when no such key exists. Must be called
// under a reader section.
func (ja *Ja) LookupLowerEqual(key uint64) *Node {
	head, _ := ja.lookupLowerEqualKey(key)
	return head
}

// lookupLowerEqualKey also reports the key the returned chain lives at.
func (ja *Ja) lookupLowerEqualKey(key uint64) (*Node, uint64) {
	if !ja.inKeySpace(key) {
		// Everything stored is below key: fall back to the maximum.
		key = 1<<uint(ja.keyBits) - 1
	}
	n := ja.root.Load()
	if n == nil {
		return nil, 0
	}

	type frame struct {
		node *janode
		b    byte
	}
	stack := make([]frame, 0, ja.depth)
	tight := true // all levels so far matched the key byte exactly
	var foundKey uint64
	level := 0

	for level < ja.depth {
		var child *janode
		var cb byte
		var ok bool
		if tight {
			b := ja.keyByte(key, level)
			child, cb, ok = n.getLowerEqual(b)
			if ok && cb < b {
				tight = false
			}
		} else {
			child, cb, ok = n.getMax()
		}
		if !ok {
			// Dead end: resume one level up, strictly below the
			// byte taken there.
			backtracked := false
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				level--
				foundKey >>= 8
				if top.b == 0 {
					continue
				}
				child, cb, ok = top.node.getLowerEqual(top.b - 1)
				if ok {
					n = top.node
					tight = false
					backtracked = true
					break
				}
			}
			if !backtracked {
				return nil, 0
			}
		}
		stack = append(stack, frame{node: n, b: cb})
		foundKey = foundKey<<8 | uint64(cb)
		n = child
		level++
	}
	return n.head.Load(), foundKey
}

// Add appends node at the tail of the duplicate chain stored at key,
// creating interior nodes as needed. Must not be called from a reader
// section of the array's flavor.
func (ja *Ja) Add(key uint64, node *Node) error {
	_, err := ja.add(key, node, false)
	return err
}

// AddUnique behaves like Add, except that when the chain at key is
// already non-empty it leaves the array unchanged and returns the
// existing chain head. The returned node is node itself iff the
// insertion was accepted; ties between concurrent AddUnique callers are
// linearised by the leaf parent's shadow lock order.
func (ja *Ja) AddUnique(key uint64, node *Node) (*Node, error) {
	return ja.add(key, node, true)
}

func (ja *Ja) add(key uint64, node *Node, unique bool) (*Node, error) {
	if !ja.inKeySpace(key) {
		return nil, fmt.Errorf("%w: key %#x outside %d-bit key space", ErrInvalidArgument, key, ja.keyBits)
	}
	g := ja.flavor.ReadBegin()
	defer g.ReadEnd()

	for {
		path, leaf := ja.walk(key)
		if leaf != nil {
			accepted, done := ja.addToChain(path, key, leaf, node, unique)
			if done {
				return accepted, nil
			}
			continue
		}
		accepted, done := ja.attach(path, key, node)
		if done {
			return accepted, nil
		}
	}
}

// walk descends toward key, returning the interior nodes visited (one
// per level, from the root) and the leaf if the full path exists.
func (ja *Ja) walk(key uint64) ([]*janode, *janode) {
	path := make([]*janode, 0, ja.depth)
	n := ja.root.Load()
	for level := 0; level < ja.depth; level++ {
		if n == nil {
			return path, nil
		}
		path = append(path, n)
		n = n.getNth(ja.keyByte(key, level))
	}
	return path, n
}

// addToChain appends node to an existing leaf chain under the leaf
// parent's shadow lock. Returns done == false when the path went stale
// and the caller must retry.
func (ja *Ja) addToChain(path []*janode, key uint64, leaf *janode, node *Node, unique bool) (*Node, bool) {
	parent := path[ja.depth-1]
	shadow := ja.shadows.lookupLock(parent)
	if shadow == nil {
		return nil, false
	}
	defer shadow.lock.Unlock()
	if parent.getNth(ja.keyByte(key, ja.depth-1)) != leaf {
		return nil, false
	}
	head := leaf.head.Load()
	if unique && head != nil {
		return head, true
	}
	node.next.Store(nil)
	if head == nil {
		leaf.head.Store(node)
		return node, true
	}
	tail := head
	for next := tail.next.Load(); next != nil; next = tail.next.Load() {
		tail = next
	}
	tail.next.Store(node)
	return node, true
}

// buildSpine creates the private subtree covering levels [from,
// depth-1] for key, ending in a leaf whose chain is node. Shadow
// entries are registered before publication; nothing can reach the
// spine yet.
func (ja *Ja) buildSpine(key uint64, from int, node *Node) *janode {
	node.next.Store(nil)
	leaf := newLeafNode(ja.newID())
	leaf.head.Store(node)
	cur := leaf
	for level := ja.depth - 1; level >= from; level-- {
		in := newInteriorNode(ja.newID(), 0)
		in.tryAppend(ja.keyByte(key, level), cur)
		ja.shadows.set(ja, in, nil, level, 1)
		ja.nrNodes.Add(1)
		cur = in
	}
	return cur
}

// attach inserts a new child edge at the deepest existing node of the
// path (or at the root slot when the array is empty), growing the node
// by recompaction when the insertion exceeds its capacity. Returns
// done == false on staleness.
func (ja *Ja) attach(path []*janode, key uint64, node *Node) (*Node, bool) {
	if len(path) == 0 {
		// Empty array: publish a full spine as the new root.
		ja.rootLock.Lock()
		defer ja.rootLock.Unlock()
		if ja.root.Load() != nil {
			return nil, false
		}
		spine := ja.buildSpine(key, 0, node)
		ja.root.Store(spine)
		return node, true
	}

	level := len(path) - 1 // level of the node gaining a child
	target := path[level]
	b := ja.keyByte(key, level)

	// Lock the slot holding target first (root pointer or the
	// grandparent node), then target itself: recompaction replaces
	// target, and the replacement is published through that slot.
	unlockParent, ok := ja.lockParentSlot(key, path, level, target)
	if !ok {
		return nil, false
	}
	defer unlockParent()

	shadow := ja.shadows.lookupLock(target)
	if shadow == nil {
		return nil, false
	}
	defer shadow.lock.Unlock()
	if target.getNth(b) != nil {
		// A concurrent writer created the edge; take the chain path.
		return nil, false
	}

	spine := ja.buildSpine(key, level+1, node)

	if target.tryAppend(b, spine) {
		shadow.nrChild.Add(1)
		return node, true
	}

	// Capacity exceeded: recompact to a larger size class.
	entries := append(target.collectChildren(), childEntry{b: b, child: spine})
	newSize := chooseLargerClass(target.size, entries)
	replacement := buildNode(ja.newID(), newSize, entries)
	ja.shadows.set(ja, replacement, shadow, level, len(entries))
	ja.nrNodes.Add(1)
	ja.publishReplacement(key, path, level, replacement)
	ja.shadows.clear(target)
	ja.retireNode(target)
	ja.logger.Debug("recompacted interior node",
		logger.F("level", level),
		logger.F("size", newSize),
		logger.F("nr_child", len(entries)))
	return node, true
}

// lockParentSlot locks whatever holds the edge to path[level]: the root
// pointer, or the shadow of path[level-1]. It verifies the edge is
// still current; ok == false means the caller must retry.
func (ja *Ja) lockParentSlot(key uint64, path []*janode, level int, target *janode) (unlock func(), ok bool) {
	if level == 0 {
		ja.rootLock.Lock()
		if ja.root.Load() != target {
			ja.rootLock.Unlock()
			return nil, false
		}
		return ja.rootLock.Unlock, true
	}
	parent := path[level-1]
	shadow := ja.shadows.lookupLock(parent)
	if shadow == nil {
		return nil, false
	}
	if parent.getNth(ja.keyByte(key, level-1)) != target {
		shadow.lock.Unlock()
		return nil, false
	}
	return shadow.lock.Unlock, true
}

// publishReplacement stores the recompacted node into the slot of its
// predecessor: the root pointer, or the parent's existing slot for the
// same byte. Both parent-side locks are held.
func (ja *Ja) publishReplacement(key uint64, path []*janode, level int, replacement *janode) {
	if level == 0 {
		ja.root.Store(replacement)
		return
	}
	path[level-1].replaceChild(ja.keyByte(key, level-1), replacement)
}

// retireNode hands a replaced or unlinked interior node to the
// reclamation flavor. The memory itself is collected once unreachable;
// the deferred callback keeps the retirement observable in ReadStats.
func (ja *Ja) retireNode(n *janode) {
	ja.nrNodes.Add(-1)
	ja.flavor.Defer(func() {
		ja.reclaimed.Add(1)
	})
}
