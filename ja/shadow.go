package ja

import (
	"sync"
	"sync/atomic"

	"github.com/loveCupid/urcu/internal/lfht"
)

// shadowNode carries the write-side bookkeeping for one interior node:
// the mutex serializing mutations at that tree position, the current
// child count, the node's level, and the pigeon fallback-removal
// countdown. Nodes created by recompaction inherit the lock object of
// the node they replace, so writers arriving through either identity
// serialize.
//
// nrChild is written under the lock; removal reads it optimistically
// (atomically) to size its lock set, then re-checks under the lock.
type shadowNode struct {
	lock     *sync.Mutex
	nrChild  atomic.Int32
	level    int
	fallback int
	ja       *Ja
}

// shadowTable maps interior node identities to their shadow nodes. The
// table has its own concurrency control (see internal/lfht), so it puts
// no requirement on the reclamation flavor chosen by the Judy array's
// user.
type shadowTable struct {
	t *lfht.Table[uint64, *shadowNode]
}

func newShadowTable() *shadowTable {
	return &shadowTable{
		t: lfht.New[uint64, *shadowNode](64, lfht.Hash64),
	}
}

// lookupLock finds the shadow for node, acquires its lock, and
// re-checks the entry was not removed while the lock was being taken.
// Returns nil if the node lost a race with removal; the caller retries
// from the top.
func (st *shadowTable) lookupLock(node *janode) *shadowNode {
	e := st.t.Lookup(node.id)
	if e == nil {
		return nil
	}
	shadow := e.Value()
	shadow.lock.Lock()
	if e.Deleted() {
		shadow.lock.Unlock()
		return nil
	}
	return shadow
}

// set registers a shadow for a freshly built node. When inheritFrom is
// non-nil the new shadow reuses its lock object, so the before and
// after versions of a recompaction serialize together. The new node is
// still private to the caller, so the entry cannot race with lookups
// for it.
func (st *shadowTable) set(ja *Ja, node *janode, inheritFrom *shadowNode, level, nrChild int) *shadowNode {
	shadow := &shadowNode{
		level:    level,
		fallback: fallbackRemovalCount,
		ja:       ja,
	}
	shadow.nrChild.Store(int32(nrChild))
	if inheritFrom != nil {
		shadow.lock = inheritFrom.lock
	} else {
		shadow.lock = &sync.Mutex{}
	}
	if _, inserted := st.t.AddUnique(node.id, shadow); !inserted {
		panic("ja: duplicate shadow entry for interior node")
	}
	return shadow
}

// clear removes the shadow entry for node. The caller holds the shadow
// lock (possibly through an heir sharing it); the tombstone left behind
// makes concurrent lookupLock callers fail and retry. Node memory is
// released once in-flight readers drain.
func (st *shadowTable) clear(node *janode) {
	st.t.Delete(node.id)
}
