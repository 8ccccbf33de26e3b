package ja

import (
	"sort"
	"sync/atomic"
)

// nodeConfig identifies how an interior node stores its children. It is
// the variant-enum rendering of the child-pointer tag: the
// configuration travels in the node header instead of the pointer's low
// bits, and an absent subtree is a nil slot (the NODE_INDEX_NULL
// sentinel).
type nodeConfig uint8

const (
	configLinear nodeConfig = iota // single array of (byte, child) pairs
	configPool                     // 2 or 4 linear sub-nodes, selected by high bits
	configPigeon                   // 256 directly indexed slots
	configLeaf                     // duplicate chain of user nodes
)

func (c nodeConfig) String() string {
	switch c {
	case configLinear:
		return "linear"
	case configPool:
		return "pool"
	case configPigeon:
		return "pigeon"
	case configLeaf:
		return "leaf"
	}
	return "unknown"
}

// sizeClass describes one of the eight interior node sizes. minChild
// and maxChild form the hysteresis band: a node of class s holds
// between minChild and maxChild children except transiently during a
// write-side recompaction. capSub bounds each linear sub-array.
type sizeClass struct {
	config   nodeConfig
	nrSubs   int
	capSub   int
	minChild int
	maxChild int
}

// The size table. Capacities grow monotonically; the pigeon class is
// last. minChild values are chosen so that a growth forced by a full
// sub-array (skewed key bytes) still lands inside the target band.
var sizeClasses = [8]sizeClass{
	{configLinear, 1, 1, 1, 1},
	{configLinear, 1, 3, 1, 3},
	{configLinear, 1, 6, 3, 6},
	{configLinear, 1, 12, 5, 12},
	{configPool, 2, 12, 10, 24},
	{configPool, 4, 12, 13, 48},
	{configPool, 4, 24, 13, 96},
	{configPigeon, 0, 0, 25, 256},
}

const (
	pigeonClass = 7

	// fallbackRemovalCount amortises the pigeon-to-pool shrink
	// decision over this many removals below the band.
	fallbackRemovalCount = 8
)

// janode is one interior node of the tree, or a leaf holding the
// duplicate chain for one key. Interior nodes are immutable in shape:
// child-set changes either append in place (linear), overwrite a single
// slot (pigeon), or replace the whole node by recompaction.
type janode struct {
	id   uint64
	size uint8
	cfg  nodeConfig

	// linear/pool storage: nrSubs sub-arrays.
	subs []linearSub

	// pigeon storage.
	pigeon *[256]atomic.Pointer[janode]

	// leaf storage: head of the duplicate chain.
	head atomic.Pointer[Node]
}

// linearSub is one append-only (byte, child) array. The published entry
// count is stored last, so a reader that observes count == n also
// observes the first n keys and children.
type linearSub struct {
	count    atomic.Int32
	keys     []byte
	children []atomic.Pointer[janode]
}

type childEntry struct {
	b     byte
	child *janode
}

func newInteriorNode(id uint64, size uint8) *janode {
	sc := &sizeClasses[size]
	n := &janode{id: id, size: size, cfg: sc.config}
	switch sc.config {
	case configLinear, configPool:
		n.subs = make([]linearSub, sc.nrSubs)
		for i := range n.subs {
			n.subs[i].keys = make([]byte, sc.capSub)
			n.subs[i].children = make([]atomic.Pointer[janode], sc.capSub)
		}
	case configPigeon:
		n.pigeon = new([256]atomic.Pointer[janode])
	}
	return n
}

func newLeafNode(id uint64) *janode {
	return &janode{id: id, cfg: configLeaf}
}

// subFor selects the linear sub-array for a key byte: the high bits of
// the byte pick among 1, 2 or 4 sub-nodes.
func (n *janode) subFor(b byte) *linearSub {
	switch len(n.subs) {
	case 1:
		return &n.subs[0]
	case 2:
		return &n.subs[b>>7]
	default:
		return &n.subs[b>>6]
	}
}

// getNth returns the child published for key byte b, or nil. Safe for
// lock-free readers.
func (n *janode) getNth(b byte) *janode {
	switch n.cfg {
	case configLinear, configPool:
		sub := n.subFor(b)
		cnt := int(sub.count.Load())
		for i := 0; i < cnt; i++ {
			if sub.keys[i] == b {
				return sub.children[i].Load()
			}
		}
		return nil
	case configPigeon:
		return n.pigeon[b].Load()
	}
	panic("ja: child dispatch on leaf node")
}

// getLowerEqual returns the child with the largest key byte <= b, or
// ok == false when no such child is published. Safe for lock-free
// readers.
func (n *janode) getLowerEqual(b byte) (child *janode, keyByte byte, ok bool) {
	switch n.cfg {
	case configLinear, configPool:
		// Scan every sub-array whose byte range intersects [0, b].
		found := false
		var bestByte byte
		var best *janode
		for i := range n.subs {
			sub := &n.subs[i]
			cnt := int(sub.count.Load())
			for j := 0; j < cnt; j++ {
				kb := sub.keys[j]
				if kb > b {
					continue
				}
				c := sub.children[j].Load()
				if c == nil {
					continue
				}
				if !found || kb > bestByte {
					found = true
					bestByte = kb
					best = c
				}
			}
		}
		return best, bestByte, found
	case configPigeon:
		for i := int(b); i >= 0; i-- {
			if c := n.pigeon[i].Load(); c != nil {
				return c, byte(i), true
			}
		}
		return nil, 0, false
	}
	panic("ja: child dispatch on leaf node")
}

// getMax returns the child with the largest key byte, used by the
// lower-equal descent once a strictly-smaller branch has been taken.
func (n *janode) getMax() (child *janode, keyByte byte, ok bool) {
	return n.getLowerEqual(255)
}

// collectChildren snapshots the published child set. Caller holds the
// node's shadow lock, so counts and slots are stable.
func (n *janode) collectChildren() []childEntry {
	var out []childEntry
	switch n.cfg {
	case configLinear, configPool:
		for i := range n.subs {
			sub := &n.subs[i]
			cnt := int(sub.count.Load())
			for j := 0; j < cnt; j++ {
				if c := sub.children[j].Load(); c != nil {
					out = append(out, childEntry{b: sub.keys[j], child: c})
				}
			}
		}
	case configPigeon:
		for i := 0; i < 256; i++ {
			if c := n.pigeon[i].Load(); c != nil {
				out = append(out, childEntry{b: byte(i), child: c})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].b < out[j].b })
	return out
}

// tryAppend publishes (b, child) in place when the node layout allows
// it: linear/pool append into a non-full sub-array, or a pigeon slot
// store. Returns false when the node must be recompacted instead.
// Caller holds the node's shadow lock and guarantees b is absent.
func (n *janode) tryAppend(b byte, child *janode) bool {
	switch n.cfg {
	case configLinear, configPool:
		sub := n.subFor(b)
		cnt := int(sub.count.Load())
		if cnt >= len(sub.keys) {
			return false
		}
		// Publish child and key byte before the count: readers
		// that observe the new count observe both.
		sub.children[cnt].Store(child)
		sub.keys[cnt] = b
		sub.count.Store(int32(cnt + 1))
		return true
	case configPigeon:
		n.pigeon[b].Store(child)
		return true
	}
	panic("ja: append on leaf node")
}

// replaceChild overwrites the already-published slot for byte b with a
// recompacted child. The slot position is unchanged, so the store is a
// single pointer publication. Caller holds the node's shadow lock.
func (n *janode) replaceChild(b byte, child *janode) {
	switch n.cfg {
	case configLinear, configPool:
		sub := n.subFor(b)
		cnt := int(sub.count.Load())
		for i := 0; i < cnt; i++ {
			if sub.keys[i] == b {
				sub.children[i].Store(child)
				return
			}
		}
		panic("ja: replaceChild: byte not present")
	case configPigeon:
		n.pigeon[b].Store(child)
		return
	}
	panic("ja: replaceChild on leaf node")
}

// pigeonClear unpublishes the slot for byte b. Only pigeon nodes
// support in-place removal; linear nodes recompact.
func (n *janode) pigeonClear(b byte) {
	if n.cfg != configPigeon {
		panic("ja: pigeonClear on non-pigeon node")
	}
	n.pigeon[b].Store(nil)
}

// fitsClass reports whether the child set can be laid out in the given
// size class without overflowing a sub-array.
func fitsClass(size uint8, entries []childEntry) bool {
	sc := &sizeClasses[size]
	if len(entries) > sc.maxChild {
		return false
	}
	if sc.config == configPigeon {
		return true
	}
	var perSub [4]int
	shift := 8
	switch sc.nrSubs {
	case 1:
		shift = 8
	case 2:
		shift = 7
	case 4:
		shift = 6
	}
	for _, e := range entries {
		idx := 0
		if shift < 8 {
			idx = int(e.b >> shift)
		}
		perSub[idx]++
		if perSub[idx] > sc.capSub {
			return false
		}
	}
	return true
}

// chooseClass returns the smallest size class that can hold the child
// set, honoring the distribution of key bytes across sub-arrays.
func chooseClass(entries []childEntry) uint8 {
	for s := uint8(0); s < pigeonClass; s++ {
		if fitsClass(s, entries) {
			return s
		}
	}
	return pigeonClass
}

// chooseLargerClass returns the smallest class above from that fits.
func chooseLargerClass(from uint8, entries []childEntry) uint8 {
	for s := from + 1; s < pigeonClass; s++ {
		if fitsClass(s, entries) {
			return s
		}
	}
	return pigeonClass
}

// buildNode materializes a fresh interior node of the given class from
// a child snapshot. The node is private to the caller until published.
func buildNode(id uint64, size uint8, entries []childEntry) *janode {
	n := newInteriorNode(id, size)
	switch n.cfg {
	case configLinear, configPool:
		for _, e := range entries {
			sub := n.subFor(e.b)
			cnt := int(sub.count.Load())
			sub.children[cnt].Store(e.child)
			sub.keys[cnt] = e.b
			sub.count.Store(int32(cnt + 1))
		}
	case configPigeon:
		for _, e := range entries {
			n.pigeon[e.b].Store(e.child)
		}
	}
	return n
}
