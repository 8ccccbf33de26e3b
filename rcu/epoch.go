package rcu

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/loveCupid/urcu/logger"
)

// Epoch is the default Flavor implementation, based on epoch tracking:
//
//  1. A global epoch is advanced by writers on every deferral.
//  2. Readers record the epoch they entered at; while the guard is
//     held they are visible in the reader registry.
//  3. A callback deferred at epoch E runs once every visible reader
//     entered at an epoch <= E has left: such readers are the only
//     ones that can still hold references published before E.
//
// Reclamation is driven opportunistically from Defer and ReadEnd, so
// no background goroutine is required. Barrier forces the queue to
// drain.
type Epoch struct {
	globalEpoch  atomic.Uint64
	nextReaderID atomic.Uint64

	// readers tracks active reader sections: readerID -> *readerState.
	readers sync.Map

	// retired callbacks, tagged with the epoch current at deferral.
	retiredMu  sync.Mutex
	retired    []retiredCallback
	nrRetired  atomic.Int64
	reclaiming atomic.Bool

	logger logger.Logger
}

type readerState struct {
	epoch  uint64
	active atomic.Bool
}

type retiredCallback struct {
	epoch uint64
	fn    func()
}

// Option customizes an Epoch flavor.
type Option func(*Epoch)

// WithLogger sets the logger used for reclamation diagnostics.
func WithLogger(l logger.Logger) Option {
	return func(e *Epoch) {
		e.logger = l
	}
}

// NewEpoch creates an epoch-based reclamation flavor.
func NewEpoch(opts ...Option) *Epoch {
	e := &Epoch{
		logger: &logger.NopLogger{},
	}
	// Start at 1 so that a zero epoch always reads "not set".
	e.globalEpoch.Store(1)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ReadBegin enters a reader section. The reader is registered before
// the guard is returned, so any deferral that does not observe it in
// the registry is guaranteed to concern objects unlinked before this
// section could reach them.
func (e *Epoch) ReadBegin() *ReadGuard {
	id := e.nextReaderID.Add(1)
	state := &readerState{
		epoch: e.globalEpoch.Load(),
	}
	state.active.Store(true)
	e.readers.Store(id, state)
	return NewReadGuard(func() {
		state.active.Store(false)
		e.readers.Delete(id)
		if e.nrRetired.Load() > 0 {
			e.tryReclaim()
		}
	})
}

// Defer enqueues fn to run after the current grace period. The global
// epoch is advanced so that readers entering from now on can never pin
// this callback.
func (e *Epoch) Defer(fn func()) {
	epoch := e.globalEpoch.Add(1) - 1
	e.retiredMu.Lock()
	e.retired = append(e.retired, retiredCallback{epoch: epoch, fn: fn})
	e.retiredMu.Unlock()
	e.nrRetired.Add(1)
	e.tryReclaim()
}

// Barrier waits until all callbacks deferred before the call have run.
// Must not be called from within a reader section of this flavor.
func (e *Epoch) Barrier() {
	for e.nrRetired.Load() > 0 {
		e.globalEpoch.Add(1)
		e.tryReclaim()
		runtime.Gosched()
	}
}

// minReaderEpoch returns the smallest entry epoch among active readers,
// or math.MaxUint64 when no reader section is in progress.
func (e *Epoch) minReaderEpoch() uint64 {
	min := uint64(math.MaxUint64)
	e.readers.Range(func(_, v any) bool {
		state := v.(*readerState)
		if state.active.Load() && state.epoch < min {
			min = state.epoch
		}
		return true
	})
	return min
}

// tryReclaim runs every retired callback whose epoch precedes all
// active readers. A single goroutine reclaims at a time; concurrent
// callers simply return, the in-flight pass will observe their state.
func (e *Epoch) tryReclaim() {
	if !e.reclaiming.CompareAndSwap(false, true) {
		return
	}
	defer e.reclaiming.Store(false)

	min := e.minReaderEpoch()

	var ready []retiredCallback
	e.retiredMu.Lock()
	keep := e.retired[:0]
	for _, cb := range e.retired {
		if cb.epoch < min {
			ready = append(ready, cb)
		} else {
			keep = append(keep, cb)
		}
	}
	e.retired = keep
	e.retiredMu.Unlock()

	if len(ready) == 0 {
		return
	}
	e.logger.Debug("reclaiming deferred objects", logger.F("count", len(ready)))
	// Callbacks run on their own goroutine: a writer may call Defer
	// while holding structure-internal locks, and a callback is free
	// to take such locks itself. The retired count drops only once the
	// batch has run, so Barrier observes completion, not just dispatch.
	go func() {
		for _, cb := range ready {
			cb.fn()
		}
		e.nrRetired.Add(int64(-len(ready)))
	}()
}
