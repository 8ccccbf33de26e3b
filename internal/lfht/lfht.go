// Package lfht implements the concurrent hash table used by the Judy
// array shadow-metadata map. Buckets are singly-linked lists
// manipulated through atomic pointers; removal first marks the entry
// with a tombstone (logical delete), then unlinks it physically.
//
// The tombstone is the contract the shadow map relies on: a caller that
// found an entry, then acquired an external lock, re-checks Deleted()
// under that lock to learn whether it lost a race with removal.
//
// The table carries no private grace-period machinery: unlinked entries
// stay readable to concurrent traversals until the garbage collector
// proves them unreachable, which is exactly the existence guarantee the
// callers need.
package lfht

import (
	"sync/atomic"
)

// Table is a fixed-bucket-count concurrent hash table. The bucket count
// is rounded up to a power of two at construction.
type Table[K comparable, V any] struct {
	buckets []atomic.Pointer[Entry[K, V]]
	mask    uint64
	hasher  func(K) uint64
}

// Entry is one key/value binding. Entries are immutable except for the
// tombstone flag and the chain pointer.
type Entry[K comparable, V any] struct {
	key     K
	val     V
	deleted atomic.Bool
	next    atomic.Pointer[Entry[K, V]]
}

// Key returns the entry key.
func (e *Entry[K, V]) Key() K { return e.key }

// Value returns the entry value.
func (e *Entry[K, V]) Value() V { return e.val }

// Deleted reports whether the entry has been logically removed. Callers
// serialize against removal with an external lock and re-check this
// flag once the lock is held.
func (e *Entry[K, V]) Deleted() bool { return e.deleted.Load() }

// New creates a table with at least the given bucket count.
func New[K comparable, V any](buckets uint64, hasher func(K) uint64) *Table[K, V] {
	if buckets < 2 {
		buckets = 2
	}
	n := uint64(1)
	for n < buckets {
		n <<= 1
	}
	return &Table[K, V]{
		buckets: make([]atomic.Pointer[Entry[K, V]], n),
		mask:    n - 1,
		hasher:  hasher,
	}
}

// Hash64 mixes a 64-bit key (splitmix64 finalizer). Suitable as hasher
// for dense integer identities.
func Hash64(k uint64) uint64 {
	k ^= k >> 30
	k *= 0xbf58476d1ce4e5b9
	k ^= k >> 27
	k *= 0x94d049bb133111eb
	k ^= k >> 31
	return k
}

func (t *Table[K, V]) bucket(key K) *atomic.Pointer[Entry[K, V]] {
	return &t.buckets[t.hasher(key)&t.mask]
}

// Lookup returns the live entry for key, or nil.
func (t *Table[K, V]) Lookup(key K) *Entry[K, V] {
	for e := t.bucket(key).Load(); e != nil; e = e.next.Load() {
		if e.key == key && !e.deleted.Load() {
			return e
		}
	}
	return nil
}

// AddUnique inserts a binding for key unless a live one already exists.
// It returns the winning entry and whether the caller's binding was the
// one inserted.
func (t *Table[K, V]) AddUnique(key K, val V) (*Entry[K, V], bool) {
	head := t.bucket(key)
	newEntry := &Entry[K, V]{key: key, val: val}
	for {
		if e := t.Lookup(key); e != nil {
			return e, false
		}
		oldHead := head.Load()
		newEntry.next.Store(oldHead)
		if head.CompareAndSwap(oldHead, newEntry) {
			return newEntry, true
		}
	}
}

// Delete tombstones and unlinks the live entry for key. Returns the
// removed entry, or nil if no live entry was found. The entry stays
// traversable by concurrent readers until collected.
func (t *Table[K, V]) Delete(key K) *Entry[K, V] {
	var target *Entry[K, V]
	for e := t.bucket(key).Load(); e != nil; e = e.next.Load() {
		if e.key == key && !e.deleted.Load() {
			target = e
			break
		}
	}
	if target == nil {
		return nil
	}
	if !target.deleted.CompareAndSwap(false, true) {
		// Lost the race with a concurrent delete.
		return nil
	}
	t.unlink(key, target)
	return target
}

// unlink removes target from its bucket chain. Chains are short (one
// shadow entry per interior node hashing here); on CAS contention the
// scan restarts from the head. A target that can no longer be found was
// unlinked together with its predecessor, which is equally final.
func (t *Table[K, V]) unlink(key K, target *Entry[K, V]) {
	head := t.bucket(key)
retry:
	prev := head
	for e := prev.Load(); e != nil; e = prev.Load() {
		if e == target {
			if !prev.CompareAndSwap(e, e.next.Load()) {
				goto retry
			}
			return
		}
		prev = &e.next
	}
}

// Range calls fn for every live entry until fn returns false.
func (t *Table[K, V]) Range(fn func(*Entry[K, V]) bool) {
	for i := range t.buckets {
		for e := t.buckets[i].Load(); e != nil; e = e.next.Load() {
			if e.deleted.Load() {
				continue
			}
			if !fn(e) {
				return
			}
		}
	}
}
