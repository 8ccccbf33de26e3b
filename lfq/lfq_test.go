package lfq

import (
	"sync"
	"testing"

	"github.com/loveCupid/urcu/rcu"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue[int](rcu.NewEpoch())

	if !q.IsEmpty() {
		t.Fatal("fresh queue not empty")
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("Dequeue on empty queue succeeded")
	}

	for i := 0; i < 100; i++ {
		q.Enqueue(i)
	}
	for i := 0; i < 100; i++ {
		v, ok := q.Dequeue()
		if !ok || v != i {
			t.Fatalf("Dequeue = (%d, %v), want (%d, true)", v, ok, i)
		}
	}
	if err := q.Destroy(); err != nil {
		t.Fatalf("Destroy on drained queue: %v", err)
	}
}

func TestQueueDestroyNotEmpty(t *testing.T) {
	q := NewQueue[int](rcu.NewEpoch())
	q.Enqueue(1)
	if err := q.Destroy(); err != ErrNotEmpty {
		t.Fatalf("Destroy err = %v, want ErrNotEmpty", err)
	}
}

func TestQueueConcurrent(t *testing.T) {
	flavor := rcu.NewEpoch()
	q := NewQueue[int](flavor)

	const (
		producers = 4
		consumers = 4
		perProd   = 5000
	)
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < perProd; i++ {
				q.Enqueue(id*perProd + i)
			}
		}(p)
	}

	var mu sync.Mutex
	seen := make(map[int]bool, producers*perProd)
	var consumerWg sync.WaitGroup
	done := make(chan struct{})
	for c := 0; c < consumers; c++ {
		consumerWg.Add(1)
		go func() {
			defer consumerWg.Done()
			for {
				v, ok := q.Dequeue()
				if !ok {
					select {
					case <-done:
						// One more attempt closes the race between the
						// empty observation and a late producer.
						if v, ok = q.Dequeue(); !ok {
							return
						}
					default:
						continue
					}
				}
				mu.Lock()
				if seen[v] {
					t.Errorf("element %d dequeued twice", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	close(done)
	consumerWg.Wait()
	flavor.Barrier()

	if len(seen) != producers*perProd {
		t.Fatalf("dequeued %d distinct elements, want %d", len(seen), producers*perProd)
	}
	if err := q.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
}

type dequeItem struct {
	node DNode
	id   int
}

func dequeForward(flavor *rcu.Epoch, d *Deque, items map[*DNode]int) []int {
	g := flavor.ReadBegin()
	defer g.ReadEnd()
	var out []int
	d.ForEach(func(n *DNode) bool {
		out = append(out, items[n])
		return true
	})
	return out
}

func dequeBackward(flavor *rcu.Epoch, d *Deque, items map[*DNode]int) []int {
	g := flavor.ReadBegin()
	defer g.ReadEnd()
	var out []int
	d.ForEachReverse(func(n *DNode) bool {
		out = append(out, items[n])
		return true
	})
	return out
}

func TestDequeOrderAndDelete(t *testing.T) {
	flavor := rcu.NewEpoch()
	d := NewDeque(flavor)

	if !d.IsEmpty() {
		t.Fatal("fresh deque not empty")
	}

	items := map[*DNode]int{}
	mk := func(id int) *dequeItem {
		it := &dequeItem{id: id}
		items[&it.node] = id
		return it
	}

	a, b, c := mk(1), mk(2), mk(3)
	d.AddTail(&a.node) // [1]
	d.Add(&b.node)     // [2 1]
	d.AddTail(&c.node) // [2 1 3]

	if got := dequeForward(flavor, d, items); len(got) != 3 || got[0] != 2 || got[1] != 1 || got[2] != 3 {
		t.Fatalf("forward order %v, want [2 1 3]", got)
	}
	if got := dequeBackward(flavor, d, items); len(got) != 3 || got[0] != 3 || got[1] != 1 || got[2] != 2 {
		t.Fatalf("backward order %v, want [3 1 2]", got)
	}

	d.Del(&a.node) // [2 3]
	if got := dequeForward(flavor, d, items); len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Fatalf("forward order after delete %v, want [2 3]", got)
	}
	if got := dequeBackward(flavor, d, items); len(got) != 2 || got[0] != 3 || got[1] != 2 {
		t.Fatalf("backward order after delete %v, want [3 2]", got)
	}

	d.Del(&b.node)
	d.Del(&c.node)
	if !d.IsEmpty() {
		t.Fatal("deque not empty after removing every node")
	}
	flavor.Barrier()
}

// Forward/backward consistency under concurrent updates: every node a
// forward traversal sees is also seen by a subsequent backward
// traversal once updates quiesce, and traversals never surface a
// half-linked node.
func TestDequeTraversalDuringUpdates(t *testing.T) {
	flavor := rcu.NewEpoch()
	d := NewDeque(flavor)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 2; r++ {
		readers.Add(1)
		go func(reverse bool) {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				g := flavor.ReadBegin()
				if reverse {
					d.ForEachReverse(func(n *DNode) bool { return true })
				} else {
					d.ForEach(func(n *DNode) bool { return true })
				}
				g.ReadEnd()
			}
		}(r == 0)
	}

	var mu sync.Mutex
	var nodes []*DNode
	for op := 0; op < 5000; op++ {
		mu.Lock()
		if len(nodes) > 0 && op%3 == 0 {
			d.Del(nodes[0])
			nodes = nodes[1:]
		} else {
			n := &DNode{}
			if op%2 == 0 {
				d.Add(n)
			} else {
				d.AddTail(n)
			}
			nodes = append(nodes, n)
		}
		mu.Unlock()
	}
	close(stop)
	readers.Wait()

	count := 0
	g := flavor.ReadBegin()
	d.ForEach(func(*DNode) bool { count++; return true })
	g.ReadEnd()
	if count != len(nodes) {
		t.Fatalf("forward traversal sees %d nodes, %d are linked", count, len(nodes))
	}
	flavor.Barrier()
}
