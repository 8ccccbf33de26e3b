package ja

import (
	"fmt"

	"github.com/loveCupid/urcu/logger"
)

type delStatus int

const (
	delDone delStatus = iota
	delRetry
	delStructural
	delMissing
)

// Del removes the given node from the duplicate chain stored at key.
// When the chain becomes empty the leaf slot is unlinked and interior
// nodes shrink back toward smaller configurations. Must not be called
// from a reader section of the array's flavor; the caller remains
// responsible for reclaiming node after a grace period.
func (ja *Ja) Del(key uint64, node *Node) error {
	if !ja.inKeySpace(key) {
		return fmt.Errorf("%w: key %#x outside %d-bit key space", ErrInvalidArgument, key, ja.keyBits)
	}
	g := ja.flavor.ReadBegin()
	defer g.ReadEnd()

	for {
		path, leaf := ja.walk(key)
		if leaf == nil {
			return ErrNotFound
		}
		switch ja.delFromChain(path, key, leaf, node) {
		case delDone:
			return nil
		case delMissing:
			return ErrNotFound
		case delRetry:
			continue
		case delStructural:
		}
		switch ja.delStructural(key, node) {
		case delDone:
			return nil
		case delMissing:
			return ErrNotFound
		default:
			continue
		}
	}
}

// delFromChain unlinks node from a chain that keeps other members.
// When node is the sole member the caller must take the structural
// path, which unlinks the leaf itself.
func (ja *Ja) delFromChain(path []*janode, key uint64, leaf *janode, node *Node) delStatus {
	parent := path[ja.depth-1]
	shadow := ja.shadows.lookupLock(parent)
	if shadow == nil {
		return delRetry
	}
	defer shadow.lock.Unlock()
	if parent.getNth(ja.keyByte(key, ja.depth-1)) != leaf {
		return delRetry
	}
	head := leaf.head.Load()
	if head == nil {
		return delMissing
	}
	if head == node && node.next.Load() == nil {
		return delStructural
	}
	if head == node {
		// The old head stays valid for readers already on it; its
		// next pointer is left untouched.
		leaf.head.Store(node.next.Load())
		return delDone
	}
	prev := head
	for cur := prev.next.Load(); cur != nil; cur = prev.next.Load() {
		if cur == node {
			prev.next.Store(node.next.Load())
			return delDone
		}
		prev = cur
	}
	return delMissing
}

// unlockStack runs deferred unlocks in reverse acquisition order.
type unlockStack struct {
	fns []func()
}

func (u *unlockStack) push(fn func()) { u.fns = append(u.fns, fn) }

func (u *unlockStack) run() {
	for i := len(u.fns) - 1; i >= 0; i-- {
		u.fns[i]()
	}
}

// delStructural removes the leaf slot for key, unlinking every interior
// node left childless and shrinking the surviving parent. Locks are
// taken strictly top-down along the path, so concurrent writers at
// disjoint positions proceed in parallel and same-path writers
// serialize without deadlock.
func (ja *Ja) delStructural(key uint64, node *Node) delStatus {
	path, leaf := ja.walk(key)
	if leaf == nil {
		return delMissing
	}

	// Optimistic cut computation: the lowest level from which every
	// node holds a single child and therefore vanishes with the leaf.
	// Verified again under the locks.
	cut := ja.depth
	for l := ja.depth - 1; l >= 0; l-- {
		e := ja.shadows.t.Lookup(path[l].id)
		if e == nil {
			return delRetry
		}
		if e.Value().nrChild.Load() != 1 {
			break
		}
		cut = l
	}

	var locks unlockStack
	defer locks.run()

	if cut == 0 {
		// The whole tree empties.
		ja.rootLock.Lock()
		locks.push(ja.rootLock.Unlock)
		if ja.root.Load() != path[0] {
			return delRetry
		}
		shadow := ja.shadows.lookupLock(path[0])
		if shadow == nil {
			return delRetry
		}
		locks.push(shadow.lock.Unlock)
		if shadow.nrChild.Load() != 1 {
			return delRetry
		}
	} else {
		// Lock the slot holding the mutated node, then the node.
		target := path[cut-1]
		unlockParent, ok := ja.lockParentSlot(key, path, cut-1, target)
		if !ok {
			return delRetry
		}
		locks.push(unlockParent)
		shadow := ja.shadows.lookupLock(target)
		if shadow == nil {
			return delRetry
		}
		locks.push(shadow.lock.Unlock)
		if shadow.nrChild.Load() < 2 {
			// The node would vanish too: the cut moved underneath us.
			return delRetry
		}
		if !ja.verifyTail(key, path, cut-1, leaf, &locks) {
			return delRetry
		}
		if !chainIsExactly(leaf, node) {
			return delRetry
		}
		ja.removeChildEdge(key, path, cut-1, shadow)
		ja.unlinkTail(path, cut)
		return delDone
	}

	// cut == 0: verify and drop the root.
	if !ja.verifyTail(key, path, 0, leaf, &locks) {
		return delRetry
	}
	if !chainIsExactly(leaf, node) {
		return delRetry
	}
	ja.root.Store(nil)
	ja.unlinkTail(path, 0)
	return delDone
}

// verifyTail locks every vanishing node below level from, re-checking
// the recorded edges and single-child counts. from is the level of the
// first already-locked node (its edge to path[from+1] is checked here
// as well); pass 0 with the root lock held to verify the whole path.
func (ja *Ja) verifyTail(key uint64, path []*janode, from int, leaf *janode, locks *unlockStack) bool {
	for l := from; l < ja.depth; l++ {
		if l > from {
			shadow := ja.shadows.lookupLock(path[l])
			if shadow == nil {
				return false
			}
			locks.push(shadow.lock.Unlock)
			if shadow.nrChild.Load() != 1 {
				return false
			}
		}
		var want *janode
		if l == ja.depth-1 {
			want = leaf
		} else {
			want = path[l+1]
		}
		if path[l].getNth(ja.keyByte(key, l)) != want {
			return false
		}
	}
	return true
}

// chainIsExactly reports whether the leaf chain holds node alone.
func chainIsExactly(leaf *janode, node *Node) bool {
	head := leaf.head.Load()
	return head == node && node.next.Load() == nil
}

// removeChildEdge drops the edge for key's byte from the locked node at
// the given level, recompacting or applying the pigeon fallback rules.
func (ja *Ja) removeChildEdge(key uint64, path []*janode, level int, shadow *shadowNode) {
	target := path[level]
	b := ja.keyByte(key, level)
	nr := int(shadow.nrChild.Load()) - 1

	if target.cfg == configPigeon {
		sc := &sizeClasses[target.size]
		if nr >= sc.minChild {
			target.pigeonClear(b)
			shadow.fallback = fallbackRemovalCount
			shadow.nrChild.Store(int32(nr))
			return
		}
		// Below the band: burn the countdown before shrinking, so a
		// one-above-boundary workload does not thrash.
		shadow.fallback--
		if shadow.fallback > 0 {
			target.pigeonClear(b)
			shadow.nrChild.Store(int32(nr))
			return
		}
	}

	// Recompact without the removed edge. Linear and pool nodes have
	// no reader-safe in-place removal, so even an in-band delete goes
	// through a copy.
	entries := target.collectChildren()
	filtered := entries[:0]
	for _, e := range entries {
		if e.b != b {
			filtered = append(filtered, e)
		}
	}
	newSize := chooseClass(filtered)
	replacement := buildNode(ja.newID(), newSize, filtered)
	ja.shadows.set(ja, replacement, shadow, level, len(filtered))
	ja.nrNodes.Add(1)
	ja.publishReplacement(key, path, level, replacement)
	ja.shadows.clear(target)
	ja.retireNode(target)
	ja.logger.Debug("shrunk interior node",
		logger.F("level", level),
		logger.F("size", newSize),
		logger.F("nr_child", len(filtered)))
}

// unlinkTail decommissions the vanished nodes from level from to the
// bottom. Their shadows are tombstoned while their locks are held, so
// writers blocked on them observe the removal and retry.
func (ja *Ja) unlinkTail(path []*janode, from int) {
	for l := from; l < ja.depth; l++ {
		ja.shadows.clear(path[l])
		ja.retireNode(path[l])
	}
}
