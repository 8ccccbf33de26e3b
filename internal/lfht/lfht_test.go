package lfht

import (
	"sync"
	"testing"
)

func TestAddUniqueLookupDelete(t *testing.T) {
	tbl := New[uint64, string](8, Hash64)

	e, inserted := tbl.AddUnique(1, "one")
	if !inserted || e.Value() != "one" {
		t.Fatalf("first AddUnique: inserted=%v value=%q", inserted, e.Value())
	}
	if e, inserted = tbl.AddUnique(1, "uno"); inserted {
		t.Fatal("second AddUnique for the same key won")
	}
	if e.Value() != "one" {
		t.Fatalf("AddUnique returned %q, want the original binding", e.Value())
	}

	if got := tbl.Lookup(1); got == nil || got.Value() != "one" {
		t.Fatalf("Lookup(1) = %v", got)
	}
	if got := tbl.Lookup(2); got != nil {
		t.Fatalf("Lookup(2) = %v, want nil", got)
	}

	removed := tbl.Delete(1)
	if removed == nil || !removed.Deleted() {
		t.Fatalf("Delete(1) = %v", removed)
	}
	if got := tbl.Lookup(1); got != nil {
		t.Fatalf("Lookup(1) after delete = %v, want nil", got)
	}
	if tbl.Delete(1) != nil {
		t.Fatal("second Delete(1) found a live entry")
	}
}

func TestTombstoneVisibleThroughHeldEntry(t *testing.T) {
	tbl := New[uint64, int](8, Hash64)
	e, _ := tbl.AddUnique(7, 42)

	if e.Deleted() {
		t.Fatal("fresh entry already tombstoned")
	}
	tbl.Delete(7)
	// The shadow-map pattern: an entry found before a removal must
	// reveal the removal through its tombstone.
	if !e.Deleted() {
		t.Fatal("held entry does not expose the tombstone")
	}
}

func TestReinsertAfterDelete(t *testing.T) {
	tbl := New[uint64, int](8, Hash64)
	tbl.AddUnique(3, 1)
	tbl.Delete(3)
	e, inserted := tbl.AddUnique(3, 2)
	if !inserted || e.Value() != 2 {
		t.Fatalf("reinsert after delete: inserted=%v value=%d", inserted, e.Value())
	}
}

func TestRangeSkipsDeleted(t *testing.T) {
	tbl := New[uint64, int](8, Hash64)
	for i := uint64(0); i < 10; i++ {
		tbl.AddUnique(i, int(i))
	}
	for i := uint64(0); i < 10; i += 2 {
		tbl.Delete(i)
	}
	seen := map[uint64]bool{}
	tbl.Range(func(e *Entry[uint64, int]) bool {
		seen[e.Key()] = true
		return true
	})
	if len(seen) != 5 {
		t.Fatalf("Range saw %d entries, want 5", len(seen))
	}
	for k := range seen {
		if k%2 == 0 {
			t.Fatalf("Range surfaced deleted key %d", k)
		}
	}
}

func TestConcurrentAddUnique(t *testing.T) {
	tbl := New[uint64, int](64, Hash64)
	const (
		goroutines = 8
		keys       = 256
	)
	var wins [keys]int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := uint64(0); k < keys; k++ {
				if _, inserted := tbl.AddUnique(k, int(k)); inserted {
					mu.Lock()
					wins[k]++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	for k, n := range wins {
		if n != 1 {
			t.Fatalf("key %d inserted %d times, want exactly once", k, n)
		}
	}
	for k := uint64(0); k < keys; k++ {
		if e := tbl.Lookup(k); e == nil || e.Value() != int(k) {
			t.Fatalf("Lookup(%d) after concurrent inserts = %v", k, e)
		}
	}
}
