package ja

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/loveCupid/urcu/rcu"
)

func newTestRangeMap(t *testing.T) (*RangeMap, *rcu.Epoch) {
	t.Helper()
	flavor := rcu.NewEpoch()
	rm, err := NewRangeMap(flavor)
	if err != nil {
		t.Fatalf("NewRangeMap: %v", err)
	}
	return rm, flavor
}

func rangeAt(rm *RangeMap, flavor *rcu.Epoch, key uint64) *Range {
	g := flavor.ReadBegin()
	defer g.ReadEnd()
	return rm.Lookup(key)
}

func TestRangeAddInvalidArguments(t *testing.T) {
	rm, _ := newTestRangeMap(t)
	if err := rm.Add(10, 5, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Add(10, 5) err = %v, want ErrInvalidArgument", err)
	}
	if err := rm.Add(0, math.MaxUint64, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Add(0, MaxUint64) err = %v, want ErrInvalidArgument", err)
	}
}

// Scenario: allocate, collide, allocate adjacent, free with coalescing,
// and validate the partition.
func TestRangeEndToEnd(t *testing.T) {
	rm, flavor := newTestRangeMap(t)

	if err := rm.Add(10, 20, "A"); err != nil {
		t.Fatalf("Add(10, 20): %v", err)
	}
	if err := rm.Add(15, 17, "B"); !errors.Is(err, ErrExists) {
		t.Fatalf("Add(15, 17) err = %v, want ErrExists", err)
	}
	if err := rm.Add(5, 9, "C"); err != nil {
		t.Fatalf("Add(5, 9): %v", err)
	}

	r := rangeAt(rm, flavor, 15)
	if r == nil || r.Priv() != "A" {
		t.Fatalf("Lookup(15) = %v, want the A range", r)
	}
	if r.Start() != 10 || r.End() != 20 {
		t.Fatalf("A range bounds [%d, %d], want [10, 20]", r.Start(), r.End())
	}
	if err := rm.Del(r); err != nil {
		t.Fatalf("Del(A): %v", err)
	}

	if got := rangeAt(rm, flavor, 15); got != nil {
		t.Fatalf("Lookup(15) after free = %v, want nil", got)
	}
	if got := rangeAt(rm, flavor, 7); got == nil || got.Priv() != "C" {
		t.Fatalf("Lookup(7) = %v, want the C range", got)
	}
	if got := rangeAt(rm, flavor, 30); got != nil {
		t.Fatalf("Lookup(30) = %v, want nil", got)
	}

	if ret := rm.Validate(); ret != 0 {
		t.Fatalf("Validate() = %d after adjacent free merges", ret)
	}

	// Freeing C must coalesce everything back into one free range.
	if err := rm.Del(rangeAt(rm, flavor, 7)); err != nil {
		t.Fatalf("Del(C): %v", err)
	}
	if ret := rm.Validate(); ret != 0 {
		t.Fatalf("Validate() = %d after full drain", ret)
	}
	nrRanges := 0
	g := flavor.ReadBegin()
	rm.ForEachRange(func(*Range) bool {
		nrRanges++
		return true
	})
	g.ReadEnd()
	if nrRanges != 1 {
		t.Fatalf("%d ranges after full drain, want the single free range", nrRanges)
	}
	rm.Destroy(nil)
}

func TestRangeLookupSemantics(t *testing.T) {
	rm, flavor := newTestRangeMap(t)

	if err := rm.Add(100, 199, "X"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	for _, key := range []uint64{100, 150, 199} {
		r := rangeAt(rm, flavor, key)
		if r == nil || r.Start() > key || key > r.End() {
			t.Fatalf("Lookup(%d) = %v, want the covering allocated range", key, r)
		}
	}
	for _, key := range []uint64{0, 99, 200, math.MaxUint64 - 1} {
		if r := rangeAt(rm, flavor, key); r != nil {
			t.Fatalf("Lookup(%d) = [%d, %d], want nil", key, r.Start(), r.End())
		}
	}
}

func TestRangeLockRace(t *testing.T) {
	rm, flavor := newTestRangeMap(t)
	if err := rm.Add(10, 20, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r := rangeAt(rm, flavor, 10)
	if rm.Lock(r) == nil {
		t.Fatal("Lock on a live range failed")
	}
	rm.Unlock(r)

	if err := rm.Del(r); err != nil {
		t.Fatalf("Del: %v", err)
	}
	// The loser of a race with deletion observes REMOVED under the
	// lock and backs off.
	if rm.Lock(r) != nil {
		t.Fatal("Lock on a removed range succeeded")
	}
}

func TestRangeDelRemovedReturnsNotFound(t *testing.T) {
	rm, flavor := newTestRangeMap(t)
	if err := rm.Add(10, 20, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	r := rangeAt(rm, flavor, 10)
	if err := rm.Del(r); err != nil {
		t.Fatalf("first Del: %v", err)
	}
	if err := rm.Del(r); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Del err = %v, want ErrNotFound", err)
	}
}

// Scenario: eight writers hammer a shared key space with random
// allocations and frees; at quiesce the partition invariant holds.
func TestRangeConcurrentPartition(t *testing.T) {
	rm, flavor := newTestRangeMap(t)

	const (
		writers  = 8
		ops      = 3000
		keySpace = 1 << 12
	)
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(id), 17))
			type interval struct{ start, end uint64 }
			var owned []interval
			for op := 0; op < ops; op++ {
				if len(owned) > 0 && rng.IntN(2) == 0 {
					i := rng.IntN(len(owned))
					iv := owned[i]
					r := rangeAt(rm, flavor, iv.start)
					if r == nil || r.Start() != iv.start {
						errs <- fmt.Errorf("writer %d: owned [%d, %d] not found", id, iv.start, iv.end)
						return
					}
					if err := rm.Del(r); err != nil {
						errs <- fmt.Errorf("writer %d: Del [%d, %d]: %w", id, iv.start, iv.end, err)
						return
					}
					owned[i] = owned[len(owned)-1]
					owned = owned[:len(owned)-1]
				} else {
					start := rng.Uint64N(keySpace)
					end := start + rng.Uint64N(32)
					if end >= keySpace {
						end = keySpace - 1
					}
					err := rm.Add(start, end, id)
					switch {
					case err == nil:
						owned = append(owned, interval{start, end})
					case errors.Is(err, ErrExists):
					default:
						errs <- fmt.Errorf("writer %d: Add [%d, %d]: %w", id, start, end, err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	flavor.Barrier()
	if ret := rm.Validate(); ret != 0 {
		t.Fatalf("Validate() = %d after concurrent workload", ret)
	}
}
