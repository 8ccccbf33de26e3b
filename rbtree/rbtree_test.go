package rbtree

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/loveCupid/urcu/rcu"
)

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func newTestTree(t *testing.T) (*Tree[uint64], *rcu.Epoch) {
	t.Helper()
	flavor := rcu.NewEpoch()
	return New(cmpUint64, flavor), flavor
}

// checkInvariants validates the red-black properties, the interval
// augmentation, parent/child coherence and the in-order key ordering.
// Returns the number of nodes.
func checkInvariants(t *testing.T, tree *Tree[uint64]) int {
	t.Helper()
	root := tree.root.Load()
	if tree.IsNil(root) {
		return 0
	}
	if root.color != colorBlack {
		t.Error("root is not black")
	}

	count := 0
	var lastBegin uint64
	first := true

	var walk func(n *Node[uint64]) int // returns black height
	walk = func(n *Node[uint64]) int {
		if tree.IsNil(n) {
			return 1
		}
		count++
		l := n.left.Load()
		r := n.right.Load()

		if n.color == colorRed {
			if l.color == colorRed || r.color == colorRed {
				t.Errorf("red node %d has a red child", n.Begin)
			}
		}
		if !tree.IsNil(l) {
			if getParent(l) != n || getPos(l) != isLeft {
				t.Errorf("left child of %d has incoherent parent edge", n.Begin)
			}
		}
		if !tree.IsNil(r) {
			if getParent(r) != n || getPos(r) != isRight {
				t.Errorf("right child of %d has incoherent parent edge", n.Begin)
			}
		}
		if n.decayNext != nil {
			t.Errorf("reachable node %d is decayed", n.Begin)
		}

		lh := walk(l)

		// In-order position.
		if !first && n.Begin < lastBegin {
			t.Errorf("in-order violation: %d after %d", n.Begin, lastBegin)
		}
		first = false
		lastBegin = n.Begin

		rh := walk(r)
		if lh != rh {
			t.Errorf("black height mismatch under %d: %d vs %d", n.Begin, lh, rh)
		}

		if want := tree.calculateMaxEnd(n); tree.comp(n.maxEnd, want) != 0 {
			t.Errorf("maxEnd of %d is %d, want %d", n.Begin, n.maxEnd, want)
		}

		h := lh
		if n.color == colorBlack {
			h++
		}
		return h
	}
	walk(root)
	return count
}

func TestEmptyTree(t *testing.T) {
	tree, flavor := newTestTree(t)
	g := flavor.ReadBegin()
	defer g.ReadEnd()
	if !tree.IsNil(tree.Min()) || !tree.IsNil(tree.Max()) {
		t.Fatal("Min/Max of empty tree is not the sentinel")
	}
	if !tree.IsNil(tree.Search(42)) {
		t.Fatal("Search on empty tree found a node")
	}
}

func TestInsertSearchOrdered(t *testing.T) {
	tree, flavor := newTestTree(t)

	for k := uint64(0); k < 100; k++ {
		tree.Insert(&Node[uint64]{Begin: k, End: k + 1})
		checkInvariants(t, tree)
	}

	g := flavor.ReadBegin()
	defer g.ReadEnd()
	for k := uint64(0); k < 100; k++ {
		n := tree.Search(k)
		if tree.IsNil(n) {
			t.Fatalf("Search(%d) found nothing", k)
		}
		if n.Begin > k || k >= n.End {
			t.Fatalf("Search(%d) = [%d, %d)", k, n.Begin, n.End)
		}
		if bn := tree.SearchBeginKey(k); tree.IsNil(bn) || bn.Begin != k {
			t.Fatalf("SearchBeginKey(%d) failed", k)
		}
	}
	if !tree.IsNil(tree.Search(100)) {
		t.Fatal("Search(100) found a node beyond every interval")
	}
}

func TestNextPrevCompleteness(t *testing.T) {
	tree, flavor := newTestTree(t)

	keys := []uint64{50, 20, 80, 10, 30, 70, 90, 25, 35, 65}
	for _, k := range keys {
		tree.Insert(&Node[uint64]{Begin: k, End: k + 1})
	}

	g := flavor.ReadBegin()
	defer g.ReadEnd()

	var forward []uint64
	for n := tree.Min(); !tree.IsNil(n); n = tree.Next(n) {
		forward = append(forward, n.Begin)
	}
	if len(forward) != len(keys) {
		t.Fatalf("forward walk visited %d nodes, want %d", len(forward), len(keys))
	}
	for i := 1; i < len(forward); i++ {
		if forward[i] <= forward[i-1] {
			t.Fatalf("forward walk out of order: %v", forward)
		}
	}

	var backward []uint64
	for n := tree.Max(); !tree.IsNil(n); n = tree.Prev(n) {
		backward = append(backward, n.Begin)
	}
	if len(backward) != len(keys) {
		t.Fatalf("backward walk visited %d nodes, want %d", len(backward), len(keys))
	}
	for i := range backward {
		if backward[i] != forward[len(forward)-1-i] {
			t.Fatalf("backward walk is not the reverse of forward: %v vs %v", backward, forward)
		}
	}
}

func TestSearchRange(t *testing.T) {
	tree, flavor := newTestTree(t)
	tree.Insert(&Node[uint64]{Begin: 10, End: 20})
	tree.Insert(&Node[uint64]{Begin: 30, End: 40})

	g := flavor.ReadBegin()
	defer g.ReadEnd()
	if n := tree.SearchRange(12, 18); tree.IsNil(n) || n.Begin != 10 {
		t.Fatal("SearchRange(12, 18) did not find [10, 20)")
	}
	if n := tree.SearchRange(12, 25); !tree.IsNil(n) {
		t.Fatal("SearchRange(12, 25) found a node, but the high bound is outside")
	}
	if n := tree.SearchRange(20, 25); !tree.IsNil(n) {
		t.Fatal("SearchRange(20, 25) found a node in a hole")
	}
}

// Scenario: insert many random intervals, point-search both ends of
// every interval, remove everything.
func TestRandomIntervalsInsertSearchRemove(t *testing.T) {
	tree, flavor := newTestTree(t)
	rng := rand.New(rand.NewPCG(42, 43))

	type interval struct{ a, b uint64 }
	intervals := make([]interval, 1000)
	for i := range intervals {
		a := rng.Uint64N(1 << 20)
		b := a + rng.Uint64N(1000) + 1
		intervals[i] = interval{a, b}
		tree.Insert(&Node[uint64]{Begin: a, End: b})
	}
	checkInvariants(t, tree)

	g := flavor.ReadBegin()
	for _, iv := range intervals {
		for _, p := range []uint64{iv.a, iv.b - 1} {
			n := tree.Search(p)
			if tree.IsNil(n) {
				t.Fatalf("Search(%d) found nothing, interval [%d, %d) exists", p, iv.a, iv.b)
			}
			if n.Begin > p || p >= n.End {
				t.Fatalf("Search(%d) = [%d, %d), does not contain the point", p, n.Begin, n.End)
			}
		}
	}
	g.ReadEnd()

	for i, iv := range intervals {
		g := flavor.ReadBegin()
		n := tree.SearchBeginKey(iv.a)
		g.ReadEnd()
		if tree.IsNil(n) {
			t.Fatalf("SearchBeginKey(%d) lost interval %d", iv.a, i)
		}
		tree.Remove(n)
		if i%97 == 0 {
			checkInvariants(t, tree)
		}
	}

	g = flavor.ReadBegin()
	if !tree.IsNil(tree.Min()) {
		t.Fatal("Min() is not the sentinel after removing every interval")
	}
	g.ReadEnd()
	flavor.Barrier()
}

func TestRemoveRebalances(t *testing.T) {
	tree, _ := newTestTree(t)

	var begins []uint64
	for k := uint64(0); k < 64; k++ {
		tree.Insert(&Node[uint64]{Begin: k, End: k + 1})
		begins = append(begins, k)
	}
	// Remove in an order that exercises all fixup cases.
	rng := rand.New(rand.NewPCG(7, 8))
	rng.Shuffle(len(begins), func(i, j int) { begins[i], begins[j] = begins[j], begins[i] })
	for i, k := range begins {
		n := tree.SearchBeginKey(k)
		if tree.IsNil(n) {
			t.Fatalf("SearchBeginKey(%d) lost a key", k)
		}
		tree.Remove(n)
		if got := checkInvariants(t, tree); got != 64-i-1 {
			t.Fatalf("node count after %d removals is %d, want %d", i+1, got, 64-i-1)
		}
	}
}

// Readers traverse while a writer mutates under the external mutex;
// every observed node must be internally coherent.
func TestConcurrentReadersDuringUpdates(t *testing.T) {
	tree, flavor := newTestTree(t)
	var mu sync.Mutex

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(id), 5))
			for {
				select {
				case <-stop:
					return
				default:
				}
				g := flavor.ReadBegin()
				p := rng.Uint64N(1 << 16)
				if n := tree.Search(p); !tree.IsNil(n) {
					if n.Begin > p || p >= n.End {
						t.Errorf("Search(%d) returned [%d, %d)", p, n.Begin, n.End)
					}
				}
				// Walk a few steps to exercise next/prev coherency.
				steps := 0
				for n := tree.Min(); !tree.IsNil(n) && steps < 10; n = tree.Next(n) {
					steps++
				}
				g.ReadEnd()
			}
		}(r)
	}

	rng := rand.New(rand.NewPCG(11, 12))
	var live []uint64
	for op := 0; op < 5000; op++ {
		mu.Lock()
		if len(live) > 0 && rng.IntN(2) == 0 {
			i := rng.IntN(len(live))
			g := flavor.ReadBegin()
			n := tree.SearchBeginKey(live[i])
			g.ReadEnd()
			if !tree.IsNil(n) {
				tree.Remove(n)
			}
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			k := rng.Uint64N(1 << 16)
			tree.Insert(&Node[uint64]{Begin: k, End: k + rng.Uint64N(64) + 1})
			live = append(live, k)
		}
		mu.Unlock()
	}
	close(stop)
	wg.Wait()

	checkInvariants(t, tree)
	flavor.Barrier()
}
