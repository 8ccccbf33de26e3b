package ja

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/loveCupid/urcu/logger"
	"github.com/loveCupid/urcu/rcu"
)

// RangeType is the lifecycle state of a range. A range only ever moves
// FREE -> REMOVED or ALLOCATED -> REMOVED; REMOVED is terminal and the
// range is reclaimed once in-flight readers drain.
type RangeType int32

const (
	RangeAllocated RangeType = iota
	RangeFree
	RangeRemoved
)

func (t RangeType) String() string {
	switch t {
	case RangeAllocated:
		return "allocated"
	case RangeFree:
		return "free"
	case RangeRemoved:
		return "removed"
	}
	return "unknown"
}

// rangeKeyMax is the last usable key: math.MaxUint64 itself is reserved
// so that end+1 arithmetic never wraps.
const rangeKeyMax = math.MaxUint64 - 1

// Range is one contiguous interval of the partition, indexed in the
// Judy array by its start key. start and end are immutable; the type is
// read optimistically and written under the range lock.
type Range struct {
	node Node // must stay first: the chain linkage maps back to the Range

	start uint64
	end   uint64
	priv  any
	typ   atomic.Int32
	lock  sync.Mutex
}

// Start returns the first key covered by the range (inclusive).
func (r *Range) Start() uint64 { return r.start }

// End returns the last key covered by the range (inclusive).
func (r *Range) End() uint64 { return r.end }

// Priv returns the user payload attached at Add time.
func (r *Range) Priv() any { return r.priv }

// Type returns the range's current lifecycle state.
func (r *Range) Type() RangeType { return RangeType(r.typ.Load()) }

// rangeOf recovers the Range from its embedded chain linkage. node is
// the first field, so the pointers coincide.
func rangeOf(n *Node) *Range {
	return (*Range)(unsafe.Pointer(n))
}

func newRange(start, end uint64, priv any, typ RangeType) *Range {
	r := &Range{
		start: start,
		end:   end,
		priv:  priv,
	}
	r.typ.Store(int32(typ))
	return r
}

// chainTail returns the last node of a duplicate chain. Writers append,
// so the tail is the freshest observation for a key.
func chainTail(head *Node) *Node {
	tail := head
	for next := tail.next.Load(); next != nil; next = tail.next.Load() {
		tail = next
	}
	return tail
}

// RangeMap maintains a partition of [0, 2^64-2] into contiguous free
// and allocated ranges with concurrent add, delete, merge and split.
type RangeMap struct {
	ja      *Ja
	flavor  rcu.Flavor
	logger  logger.Logger
	reclaim func(*Range)
}

// RangeOption customizes a RangeMap.
type RangeOption func(*RangeMap)

// WithRangeLogger sets the logger used for partition diagnostics.
func WithRangeLogger(l logger.Logger) RangeOption {
	return func(rm *RangeMap) {
		rm.logger = l
	}
}

// WithRangeReclaim registers a hook invoked for every REMOVED range
// after its grace period, before the memory is surrendered.
func WithRangeReclaim(fn func(*Range)) RangeOption {
	return func(rm *RangeMap) {
		rm.reclaim = fn
	}
}

// NewRangeMap creates a range map whose whole key space is one free
// range.
func NewRangeMap(flavor rcu.Flavor, opts ...RangeOption) (*RangeMap, error) {
	arr, err := New(64, flavor)
	if err != nil {
		return nil, err
	}
	rm := &RangeMap{
		ja:     arr,
		flavor: flavor,
		logger: &logger.NopLogger{},
	}
	for _, opt := range opts {
		opt(rm)
	}
	seed := newRange(0, rangeKeyMax, nil, RangeFree)
	if err := rm.ja.Add(0, &seed.node); err != nil {
		return nil, err
	}
	rm.logger.Debug("range map initialized", logger.FRange("free", 0, rangeKeyMax))
	return rm, nil
}

// Lookup returns the allocated range covering key, or nil when the key
// is free at the moment of return. Must be called under a reader
// section. A concurrent split that has published the narrower
// replacement but not yet unlinked the old range can yield a transient
// nil; callers may retry.
func (rm *RangeMap) Lookup(key uint64) *Range {
	head := rm.ja.LookupLowerEqual(key)
	if head == nil {
		return nil
	}
	// The tail of the duplicate chain is the freshest observation:
	// writers always append replacements before deleting what they
	// replace.
	r := rangeOf(chainTail(head))

	// Range hidden by a concurrent add.
	if r.end < key {
		return nil
	}
	// A free or removed tail means an update is in progress, or that a
	// removal was the last completed operation: the area is not
	// allocated.
	if r.Type() != RangeAllocated {
		return nil
	}
	return r
}

// Lock acquires the range's mutex, providing mutual exclusion against
// removal. Returns nil when the range lost a race with deletion.
func (rm *RangeMap) Lock(r *Range) *Range {
	r.lock.Lock()
	if r.Type() == RangeRemoved {
		r.lock.Unlock()
		return nil
	}
	return r
}

// Unlock releases a range previously returned by Lock.
func (rm *RangeMap) Unlock(r *Range) {
	r.lock.Unlock()
}

// Add carves [start, end] out of a single containing free range,
// attaching priv to the new allocated range. Returns ErrExists when the
// interval is not wholly inside one free range, ErrInvalidArgument when
// start > end or end is the reserved sentinel key.
func (rm *RangeMap) Add(start, end uint64, priv any) error {
	if start > end || end == math.MaxUint64 {
		return fmt.Errorf("%w: range [%d, %d]", ErrInvalidArgument, start, end)
	}
	for {
		done, err := rm.tryAdd(start, end, priv)
		if done {
			return err
		}
	}
}

func (rm *RangeMap) tryAdd(start, end uint64, priv any) (bool, error) {
	g := rm.flavor.ReadBegin()
	defer g.ReadEnd()

	// Find the free range that would contain [start, end].
	head := rm.ja.LookupLowerEqual(start)
	if head == nil {
		// Hidden by a concurrent add.
		return false, nil
	}
	old := rangeOf(chainTail(head))
	if old.end < start {
		return false, nil
	}
	switch old.Type() {
	case RangeAllocated:
		return true, ErrExists
	case RangeRemoved:
		return false, nil
	case RangeFree:
	}
	// The interval must fit entirely within the free range.
	if old.end < end {
		return true, ErrExists
	}

	old.lock.Lock()
	if old.Type() == RangeRemoved {
		old.lock.Unlock()
		return false, nil
	}

	// Build 1, 2 or 3 replacement ranges; empty boundary ranges are
	// omitted.
	var replacements []*Range
	if start > old.start {
		replacements = append(replacements, newRange(old.start, start-1, nil, RangeFree))
	}
	replacements = append(replacements, newRange(start, end, priv, RangeAllocated))
	if end < old.end {
		replacements = append(replacements, newRange(end+1, old.end, nil, RangeFree))
	}

	// Insert every replacement before deleting the old range, so
	// concurrent traversals always see one or the other. The key is
	// transiently duplicated, which the Judy array tolerates.
	for _, nr := range replacements {
		nr.lock.Lock()
		if err := rm.ja.Add(nr.start, &nr.node); err != nil {
			panic(fmt.Sprintf("ja: range replacement insert failed: %v", err))
		}
		rm.logger.Debug("range add", logger.FRange("range", nr.start, nr.end),
			logger.F("type", RangeType(nr.typ.Load()).String()))
	}

	if err := rm.ja.Del(old.start, &old.node); err != nil {
		panic(fmt.Sprintf("ja: stale free range unlink failed: %v", err))
	}
	old.typ.Store(int32(RangeRemoved))
	old.lock.Unlock()
	for _, nr := range replacements {
		nr.lock.Unlock()
	}
	rm.retire(old)
	return true, nil
}

// Del returns an allocated range to the free pool, coalescing with any
// adjacent free neighbours. The predecessor and successor are locked in
// ascending key order regardless of their type: locking the allocated
// neighbours too serialises concurrent deletions of contiguous
// allocated ranges, so that exactly one merge runs through the middle.
func (rm *RangeMap) Del(r *Range) error {
	for {
		done, err := rm.tryDel(r)
		if done {
			return err
		}
	}
}

func (rm *RangeMap) tryDel(r *Range) (bool, error) {
	g := rm.flavor.ReadBegin()
	defer g.ReadEnd()

	// Concurrently updated already.
	if r.Type() != RangeAllocated {
		return true, ErrNotFound
	}

	var lockRanges, mergeRanges []*Range

	if r.start > 0 {
		head := rm.ja.LookupLowerEqual(r.start - 1)
		if head == nil {
			return false, nil
		}
		prev := rangeOf(chainTail(head))
		// Neighbour temporarily hidden by a concurrent add.
		if prev.end != r.start-1 {
			return false, nil
		}
		lockRanges = append(lockRanges, prev)
		if prev.Type() != RangeAllocated {
			mergeRanges = append(mergeRanges, prev)
		}
	}

	lockRanges = append(lockRanges, r)
	mergeRanges = append(mergeRanges, r)

	if r.end < rangeKeyMax {
		head := rm.ja.LookupLowerEqual(r.end + 1)
		if head == nil {
			return false, nil
		}
		next := rangeOf(chainTail(head))
		if next.start != r.end+1 {
			return false, nil
		}
		lockRanges = append(lockRanges, next)
		if next.Type() != RangeAllocated {
			mergeRanges = append(mergeRanges, next)
		}
	}

	// Acquire locks in increasing key order for the merge.
	for _, lr := range lockRanges {
		lr.lock.Lock()
	}
	if r.Type() != RangeAllocated {
		unlockAll(lockRanges)
		return true, ErrNotFound
	}
	for _, lr := range lockRanges {
		if lr.Type() == RangeRemoved {
			unlockAll(lockRanges)
			return false, nil
		}
	}

	// One free range spans the target and its free neighbours.
	merged := newRange(mergeRanges[0].start, mergeRanges[len(mergeRanges)-1].end, nil, RangeFree)
	merged.lock.Lock()
	if err := rm.ja.Add(merged.start, &merged.node); err != nil {
		panic(fmt.Sprintf("ja: merged free range insert failed: %v", err))
	}
	rm.logger.Debug("range merge", logger.FRange("range", merged.start, merged.end),
		logger.F("parts", len(mergeRanges)))

	for _, mr := range mergeRanges {
		if err := rm.ja.Del(mr.start, &mr.node); err != nil {
			panic(fmt.Sprintf("ja: merged range unlink failed: %v", err))
		}
		mr.typ.Store(int32(RangeRemoved))
	}
	unlockAll(lockRanges)
	merged.lock.Unlock()
	for _, mr := range mergeRanges {
		rm.retire(mr)
	}
	return true, nil
}

func unlockAll(ranges []*Range) {
	for _, r := range ranges {
		r.lock.Unlock()
	}
}

func (rm *RangeMap) retire(r *Range) {
	hook := rm.reclaim
	rm.flavor.Defer(func() {
		if hook != nil {
			hook(r)
		}
	})
}

// Validate checks the partition invariants and returns 0 when they
// hold: non-removed ranges cover [0, 2^64-2] exactly once with no
// duplicate keys, and no two adjacent ranges are both free. Intended
// for quiescent states; discrepancies are logged.
func (rm *RangeMap) Validate() int {
	g := rm.flavor.ReadBegin()
	defer g.ReadEnd()

	ret := 0
	lastEnd := uint64(math.MaxUint64) // sentinel: no range seen yet
	lastType := RangeRemoved
	rm.ja.ForEach(func(key uint64, head *Node) bool {
		first := rangeOf(head)
		last := rangeOf(chainTail(head))
		if first != last {
			rm.logger.Error("duplicate range node",
				logger.FRange("first", first.start, first.end),
				logger.FRange("last", last.start, last.end))
			ret |= 1
		}
		if lastEnd != math.MaxUint64 && last.start != lastEnd+1 {
			rm.logger.Error("range discrepancy",
				logger.F("last_end", lastEnd),
				logger.F("start", last.start))
			ret |= 1
		}
		if lastEnd == math.MaxUint64 && last.start != 0 {
			rm.logger.Error("partition does not start at key 0",
				logger.F("start", last.start))
			ret |= 1
		}
		if last.Type() == RangeFree && lastType == RangeFree {
			rm.logger.Error("adjacent free ranges not coalesced",
				logger.FRange("range", last.start, last.end))
			ret |= 1
		}
		lastEnd = last.end
		lastType = last.Type()
		return true
	})
	if lastEnd != rangeKeyMax {
		rm.logger.Error("partition does not cover the key space",
			logger.F("last_end", lastEnd))
		ret |= 1
	}
	return ret
}

// ForEachRange visits the partition in ascending start order, calling
// fn with the freshest observation for every indexed key until fn
// returns false. Must be called under a reader section.
func (rm *RangeMap) ForEachRange(fn func(*Range) bool) {
	rm.ja.ForEach(func(_ uint64, head *Node) bool {
		return fn(rangeOf(chainTail(head)))
	})
}

// ReadStats exposes the structural census of the underlying array.
func (rm *RangeMap) ReadStats() Stats {
	return rm.ja.ReadStats()
}

// Destroy tears down the map, invoking freePriv on every allocated
// range's payload. The caller guarantees no concurrent operation is in
// flight.
func (rm *RangeMap) Destroy(freePriv func(any)) {
	rm.ja.Destroy(func(n *Node) {
		r := rangeOf(n)
		if freePriv != nil && r.Type() == RangeAllocated {
			freePriv(r.priv)
		}
	})
}
