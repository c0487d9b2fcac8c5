package hal

import (
	"sync/atomic"
)

// Queue is a single-producer single-consumer ring over shared memory.
// Each side keeps cached copies of the peer's index to reduce atomic
// traffic and only re-reads the shared index when the cached view falls
// short.
//
// A Queue value is used from one side only: either as producer (Reserve,
// Set, Commit) or as consumer (Available, At, Consume, Release). prod and
// cons may point into memory shared with a kernel or device.
type Queue[T any] struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	entries    []T
}

// NewQueue wraps entries, whose length must be a power of two.
func NewQueue[T any](prod, cons *uint32, entries []T) (*Queue[T], error) {
	n := uint32(len(entries))
	if n == 0 || n&(n-1) != 0 {
		return nil, ErrRingSize
	}
	return &Queue[T]{
		mask:    n - 1,
		size:    n,
		prod:    prod,
		cons:    cons,
		entries: entries,

		cachedProd: atomic.LoadUint32(prod),
		cachedCons: atomic.LoadUint32(cons),
	}, nil
}

func (q *Queue[T]) Size() uint32 { return q.size }

/*---- Consumer side ----*/

// Available returns the number of entries ready to consume. The shared
// producer index is only re-read when the cached view is empty.
func (q *Queue[T]) Available() uint32 {
	avail := q.cachedProd - q.cachedCons
	if avail > 0 {
		return avail
	}
	return q.Sync()
}

// Cached returns the entries ready to consume without touching shared
// memory.
func (q *Queue[T]) Cached() uint32 { return q.cachedProd - q.cachedCons }

// Sync re-reads the shared producer index.
func (q *Queue[T]) Sync() uint32 {
	q.cachedProd = atomic.LoadUint32(q.prod)
	return q.cachedProd - q.cachedCons
}

// At returns the entry at the cached consumer position.
func (q *Queue[T]) At() *T { return &q.entries[q.cachedCons&q.mask] }

// Consume advances the cached consumer position by one.
func (q *Queue[T]) Consume() { q.cachedCons++ }

// Release publishes the cached consumer position.
func (q *Queue[T]) Release() { atomic.StoreUint32(q.cons, q.cachedCons) }

// Pending returns entries the producer published but the consumer has not
// released, read from the shared indices.
func (q *Queue[T]) Pending() uint32 {
	return atomic.LoadUint32(q.prod) - atomic.LoadUint32(q.cons)
}

/*---- Producer side ----*/

// Free returns the number of entries that can be reserved. The shared
// consumer index is re-read when the cached view offers fewer than need.
func (q *Queue[T]) Free(need uint32) uint32 {
	free := q.size - (q.cachedProd - q.cachedCons)
	if free >= need {
		return free
	}
	q.cachedCons = atomic.LoadUint32(q.cons)
	return q.size - (q.cachedProd - q.cachedCons)
}

// Reserve claims n entries and returns the index of the first one.
func (q *Queue[T]) Reserve(n uint32) (idx uint32, ok bool) {
	if q.size-(q.cachedProd-q.cachedCons) < n {
		q.cachedCons = atomic.LoadUint32(q.cons)
		if q.size-(q.cachedProd-q.cachedCons) < n {
			return 0, false
		}
	}
	idx = q.cachedProd
	q.cachedProd += n
	return idx, true
}

// Set writes a reserved entry.
func (q *Queue[T]) Set(idx uint32, v T) { q.entries[idx&q.mask] = v }

// Commit publishes reserved entries.
func (q *Queue[T]) Commit() { atomic.StoreUint32(q.prod, q.cachedProd) }
