package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loveCupid/urcu/internal/config"
	"github.com/loveCupid/urcu/ja"
	"github.com/loveCupid/urcu/lfq"
	"github.com/loveCupid/urcu/logger"
	"github.com/loveCupid/urcu/rbtree"
	"github.com/loveCupid/urcu/rcu"
)

type workload struct {
	cfg    config.StressConfig
	lgr    logger.Logger
	flavor *rcu.Epoch
	tracer trace.Tracer
	seed   int64

	nrWrites atomic.Int64
	nrReads  atomic.Int64
}

func (w *workload) run(ctx context.Context) error {
	switch w.cfg.Structure {
	case "ja":
		return w.runJa(ctx)
	case "range":
		return w.runRange(ctx)
	case "rbtree":
		return w.runRbtree(ctx)
	case "queue":
		return w.runQueue(ctx)
	case "deque":
		return w.runDeque(ctx)
	}
	return fmt.Errorf("unknown structure %q", w.cfg.Structure)
}

// withWorkers runs the writer pool to completion, keeps the reader pool
// going meanwhile, then quiesces the flavor. Writers stop at their
// operation budget or on context expiry, whichever comes first.
func (w *workload) withWorkers(ctx context.Context, writer func(ctx context.Context, id int) error, reader func(ctx context.Context, id int) error) error {
	ctx, span := w.tracer.Start(ctx, "workers",
		trace.WithAttributes(
			attribute.Int("writers", w.cfg.Writers),
			attribute.Int("readers", w.cfg.Readers),
		))
	defer span.End()

	readCtx, stopReaders := context.WithCancel(context.WithoutCancel(ctx))
	var readerGroup errgroup.Group
	for id := 0; id < w.cfg.Readers; id++ {
		id := id
		readerGroup.Go(func() error { return reader(readCtx, id) })
	}

	writerGroup, wctx := errgroup.WithContext(ctx)
	for id := 0; id < w.cfg.Writers; id++ {
		id := id
		writerGroup.Go(func() error { return writer(wctx, id) })
	}
	err := writerGroup.Wait()
	stopReaders()
	if rerr := readerGroup.Wait(); err == nil {
		err = rerr
	}

	_, qspan := w.tracer.Start(ctx, "quiesce")
	w.flavor.Barrier()
	qspan.End()
	return err
}

// budget iterates the per-writer operation budget while the context is
// alive.
func (w *workload) budget(ctx context.Context) func() bool {
	n := 0
	return func() bool {
		if ctx.Err() != nil {
			return false
		}
		if w.cfg.Operations > 0 && n >= w.cfg.Operations {
			return false
		}
		n++
		return true
	}
}

type jaItem struct {
	node ja.Node
	key  uint64
}

func (w *workload) runJa(ctx context.Context) error {
	arr, err := ja.New(w.cfg.KeyBits, w.flavor, ja.WithLogger(w.lgr.Named("ja")))
	if err != nil {
		return err
	}

	writer := func(ctx context.Context, id int) error {
		rng := rngFor(w.seed, id)
		var owned []*jaItem
		next := w.budget(ctx)
		for next() {
			if len(owned) > 0 && rng.IntN(2) == 0 {
				i := rng.IntN(len(owned))
				it := owned[i]
				if err := arr.Del(it.key, &it.node); err != nil {
					return fmt.Errorf("writer %d: del key %d: %w", id, it.key, err)
				}
				owned[i] = owned[len(owned)-1]
				owned = owned[:len(owned)-1]
			} else {
				it := &jaItem{key: rng.Uint64N(w.cfg.KeySpace)}
				if err := arr.Add(it.key, &it.node); err != nil {
					return fmt.Errorf("writer %d: add key %d: %w", id, it.key, err)
				}
				owned = append(owned, it)
			}
			w.nrWrites.Add(1)
		}
		// Drain what this writer still owns.
		for _, it := range owned {
			if err := arr.Del(it.key, &it.node); err != nil {
				return fmt.Errorf("writer %d: drain key %d: %w", id, it.key, err)
			}
		}
		return nil
	}
	reader := func(ctx context.Context, id int) error {
		rng := rngFor(w.seed, 1000+id)
		for ctx.Err() == nil {
			g := w.flavor.ReadBegin()
			for n := arr.Lookup(rng.Uint64N(w.cfg.KeySpace)); n != nil; n = n.Next() {
			}
			g.ReadEnd()
			w.nrReads.Add(1)
		}
		return nil
	}

	if err := w.withWorkers(ctx, writer, reader); err != nil {
		return err
	}

	if w.cfg.Validate {
		left := 0
		g := w.flavor.ReadBegin()
		arr.ForEach(func(uint64, *ja.Node) bool {
			left++
			return true
		})
		g.ReadEnd()
		if left != 0 {
			return fmt.Errorf("judy array not empty at quiesce: %d keys left", left)
		}
		stats := arr.ReadStats()
		w.lgr.Info("judy array validated",
			logger.F("interior_nodes", stats.InteriorNodes),
			logger.F("retired_nodes", stats.RetiredNodes))
	}
	arr.Destroy(nil)
	return nil
}

func (w *workload) runRange(ctx context.Context) error {
	rm, err := ja.NewRangeMap(w.flavor, ja.WithRangeLogger(w.lgr.Named("range")))
	if err != nil {
		return err
	}

	type interval struct{ start, end uint64 }

	writer := func(ctx context.Context, id int) error {
		rng := rngFor(w.seed, id)
		var owned []interval
		next := w.budget(ctx)
		for next() {
			if len(owned) > 0 && rng.IntN(2) == 0 {
				i := rng.IntN(len(owned))
				iv := owned[i]
				g := w.flavor.ReadBegin()
				r := rm.Lookup(iv.start)
				g.ReadEnd()
				if r == nil || r.Start() != iv.start {
					return fmt.Errorf("writer %d: owned range [%d, %d] not found", id, iv.start, iv.end)
				}
				if err := rm.Del(r); err != nil {
					return fmt.Errorf("writer %d: del [%d, %d]: %w", id, iv.start, iv.end, err)
				}
				owned[i] = owned[len(owned)-1]
				owned = owned[:len(owned)-1]
			} else {
				start := rng.Uint64N(w.cfg.KeySpace)
				end := start + rng.Uint64N(64)
				if end >= w.cfg.KeySpace {
					end = w.cfg.KeySpace - 1
				}
				err := rm.Add(start, end, id)
				switch {
				case err == nil:
					owned = append(owned, interval{start, end})
				case errors.Is(err, ja.ErrExists):
					// Somebody holds part of the interval: not an error.
				default:
					return fmt.Errorf("writer %d: add [%d, %d]: %w", id, start, end, err)
				}
			}
			w.nrWrites.Add(1)
		}
		for _, iv := range owned {
			g := w.flavor.ReadBegin()
			r := rm.Lookup(iv.start)
			g.ReadEnd()
			if r == nil {
				return fmt.Errorf("writer %d: drain range [%d, %d] not found", id, iv.start, iv.end)
			}
			if err := rm.Del(r); err != nil {
				return fmt.Errorf("writer %d: drain [%d, %d]: %w", id, iv.start, iv.end, err)
			}
		}
		return nil
	}
	reader := func(ctx context.Context, id int) error {
		rng := rngFor(w.seed, 1000+id)
		for ctx.Err() == nil {
			g := w.flavor.ReadBegin()
			rm.Lookup(rng.Uint64N(w.cfg.KeySpace))
			g.ReadEnd()
			w.nrReads.Add(1)
		}
		return nil
	}

	if err := w.withWorkers(ctx, writer, reader); err != nil {
		return err
	}

	if w.cfg.Validate {
		_, span := w.tracer.Start(ctx, "validate")
		ret := rm.Validate()
		span.End()
		if ret != 0 {
			return fmt.Errorf("range partition invariant violated (%d)", ret)
		}
		w.lgr.Info("range partition validated")
	}
	rm.Destroy(nil)
	return nil
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (w *workload) runRbtree(ctx context.Context) error {
	tree := rbtree.New(cmpUint64, w.flavor, rbtree.WithLogger[uint64](w.lgr.Named("rbtree")))
	var mu sync.Mutex // external writer mutex required by the tree

	writer := func(ctx context.Context, id int) error {
		rng := rngFor(w.seed, id)
		var owned []uint64
		next := w.budget(ctx)
		for next() {
			if len(owned) > 0 && rng.IntN(2) == 0 {
				i := rng.IntN(len(owned))
				begin := owned[i]
				mu.Lock()
				g := w.flavor.ReadBegin()
				n := tree.SearchBeginKey(begin)
				g.ReadEnd()
				if !tree.IsNil(n) {
					// The writer mutex keeps n alive past the guard:
					// writers are the only source of deferral.
					tree.Remove(n)
				}
				mu.Unlock()
				owned[i] = owned[len(owned)-1]
				owned = owned[:len(owned)-1]
			} else {
				begin := rng.Uint64N(w.cfg.KeySpace)
				end := begin + rng.Uint64N(100) + 1
				n := &rbtree.Node[uint64]{Begin: begin, End: end}
				mu.Lock()
				tree.Insert(n)
				mu.Unlock()
				owned = append(owned, begin)
			}
			w.nrWrites.Add(1)
		}
		for _, begin := range owned {
			mu.Lock()
			g := w.flavor.ReadBegin()
			n := tree.SearchBeginKey(begin)
			g.ReadEnd()
			if !tree.IsNil(n) {
				tree.Remove(n)
			}
			mu.Unlock()
		}
		return nil
	}
	reader := func(ctx context.Context, id int) error {
		rng := rngFor(w.seed, 1000+id)
		for ctx.Err() == nil {
			g := w.flavor.ReadBegin()
			tree.Search(rng.Uint64N(w.cfg.KeySpace))
			g.ReadEnd()
			w.nrReads.Add(1)
		}
		return nil
	}

	if err := w.withWorkers(ctx, writer, reader); err != nil {
		return err
	}

	if w.cfg.Validate {
		g := w.flavor.ReadBegin()
		defer g.ReadEnd()
		if n := tree.Min(); !tree.IsNil(n) {
			return fmt.Errorf("tree not empty at quiesce: min begin %d", n.Begin)
		}
		w.lgr.Info("red-black tree validated")
	}
	return nil
}

func (w *workload) runQueue(ctx context.Context) error {
	q := lfq.NewQueue[uint64](w.flavor)
	var enqueued, dequeued atomic.Int64

	writer := func(ctx context.Context, id int) error {
		rng := rngFor(w.seed, id)
		next := w.budget(ctx)
		for next() {
			if rng.IntN(2) == 0 {
				q.Enqueue(rng.Uint64())
				enqueued.Add(1)
			} else if _, ok := q.Dequeue(); ok {
				dequeued.Add(1)
			}
			w.nrWrites.Add(1)
		}
		return nil
	}
	reader := func(ctx context.Context, id int) error {
		for ctx.Err() == nil {
			q.IsEmpty()
			w.nrReads.Add(1)
		}
		return nil
	}

	if err := w.withWorkers(ctx, writer, reader); err != nil {
		return err
	}

	for {
		if _, ok := q.Dequeue(); !ok {
			break
		}
		dequeued.Add(1)
	}
	w.flavor.Barrier()
	if w.cfg.Validate {
		if enqueued.Load() != dequeued.Load() {
			return fmt.Errorf("queue accounting mismatch: %d enqueued, %d dequeued",
				enqueued.Load(), dequeued.Load())
		}
		if err := q.Destroy(); err != nil {
			return err
		}
		w.lgr.Info("queue validated", logger.F("elements", enqueued.Load()))
	}
	return nil
}

func (w *workload) runDeque(ctx context.Context) error {
	d := lfq.NewDeque(w.flavor)
	var mu sync.Mutex // deque updates are externally serialized
	var linked atomic.Int64

	writer := func(ctx context.Context, id int) error {
		rng := rngFor(w.seed, id)
		var owned []*lfq.DNode
		next := w.budget(ctx)
		for next() {
			if len(owned) > 0 && rng.IntN(2) == 0 {
				i := rng.IntN(len(owned))
				mu.Lock()
				d.Del(owned[i])
				mu.Unlock()
				linked.Add(-1)
				owned[i] = owned[len(owned)-1]
				owned = owned[:len(owned)-1]
			} else {
				n := &lfq.DNode{}
				mu.Lock()
				if rng.IntN(2) == 0 {
					d.Add(n)
				} else {
					d.AddTail(n)
				}
				mu.Unlock()
				linked.Add(1)
				owned = append(owned, n)
			}
			w.nrWrites.Add(1)
		}
		for _, n := range owned {
			mu.Lock()
			d.Del(n)
			mu.Unlock()
			linked.Add(-1)
		}
		return nil
	}
	reader := func(ctx context.Context, id int) error {
		forward := id%2 == 0
		for ctx.Err() == nil {
			g := w.flavor.ReadBegin()
			count := 0
			if forward {
				d.ForEach(func(*lfq.DNode) bool { count++; return true })
			} else {
				d.ForEachReverse(func(*lfq.DNode) bool { count++; return true })
			}
			g.ReadEnd()
			w.nrReads.Add(1)
		}
		return nil
	}

	if err := w.withWorkers(ctx, writer, reader); err != nil {
		return err
	}

	if w.cfg.Validate {
		if linked.Load() != 0 {
			return fmt.Errorf("deque accounting mismatch: %d nodes linked", linked.Load())
		}
		if !d.IsEmpty() {
			return fmt.Errorf("deque not empty at quiesce")
		}
		w.lgr.Info("deque validated")
	}
	return nil
}
