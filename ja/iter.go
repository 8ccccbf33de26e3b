package ja

// ForEach visits every populated key in ascending order and calls fn
// with the key and its chain head. Iteration stops early when fn
// returns false. Must be called under a reader section; keys observed
// are a consistent-per-node snapshot, concurrent writers may add or
// remove keys around the cursor.
func (ja *Ja) ForEach(fn func(key uint64, head *Node) bool) {
	root := ja.root.Load()
	if root == nil {
		return
	}
	ja.forEach(root, 0, 0, fn)
}

func (ja *Ja) forEach(n *janode, level int, prefix uint64, fn func(uint64, *Node) bool) bool {
	for _, e := range n.collectChildren() {
		key := prefix<<8 | uint64(e.b)
		if level == ja.depth-1 {
			head := e.child.head.Load()
			if head == nil {
				continue
			}
			if !fn(key, head) {
				return false
			}
			continue
		}
		if !ja.forEach(e.child, level+1, key, fn) {
			return false
		}
	}
	return true
}

// Destroy releases the whole tree depth-first, invoking freeCb on every
// user node found in the leaf chains. The caller guarantees no
// concurrent operation is in flight; after the call the array is empty
// and must not be reused.
func (ja *Ja) Destroy(freeCb func(*Node)) {
	root := ja.root.Load()
	ja.root.Store(nil)
	if root != nil {
		ja.destroyNode(root, 0, freeCb)
	}
}

func (ja *Ja) destroyNode(n *janode, level int, freeCb func(*Node)) {
	for _, e := range n.collectChildren() {
		if level == ja.depth-1 {
			for un := e.child.head.Load(); un != nil; {
				next := un.next.Load()
				if freeCb != nil {
					freeCb(un)
				}
				un = next
			}
			continue
		}
		ja.destroyNode(e.child, level+1, freeCb)
	}
	ja.shadows.clear(n)
	ja.nrNodes.Add(-1)
}

// Stats is a point-in-time census of the array's interior structure,
// exposed for inspection tooling.
type Stats struct {
	KeyBits       int
	Depth         int
	InteriorNodes int64
	RetiredNodes  int64
}

// ReadStats returns the current structural counters.
func (ja *Ja) ReadStats() Stats {
	return Stats{
		KeyBits:       ja.keyBits,
		Depth:         ja.depth,
		InteriorNodes: ja.nrNodes.Load(),
		RetiredNodes:  ja.reclaimed.Load(),
	}
}
