package rx

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/nbuf"
	"github.com/romshark/rxpath/rxstat"
)

// Replenisher keeps one pool's refill ring stocked. Engines of rings fed
// by the same pool share its Replenisher.
type Replenisher struct {
	pool   *desc.Pool
	ring   hal.RefillRing
	alloc  nbuf.Allocator
	mapper nbuf.Mapper

	// lock serializes producers of the refill ring.
	lock sync.Mutex
	// deficit is the number of reaped buffers earlier cycles failed to
	// post. Written under lock.
	deficit atomic.Int64
}

func NewReplenisher(
	pool *desc.Pool,
	ring hal.RefillRing,
	alloc nbuf.Allocator,
	mapper nbuf.Mapper,
) *Replenisher {
	return &Replenisher{pool: pool, ring: ring, alloc: alloc, mapper: mapper}
}

func (r *Replenisher) Pool() *desc.Pool { return r.pool }

// Deficit returns the number of buffers earlier cycles owe the ring.
func (r *Replenisher) Deficit() int { return int(r.deficit.Load()) }

// Replenish posts count fresh buffers plus whatever earlier cycles fell
// short of, and returns how many it posted. A shortfall is reported with an
// error wrapping ErrLowMemory, hal.ErrRingFull or desc.ErrPoolExhausted; it
// is recoverable, the missing buffers are carried over to the next cycle.
func (r *Replenisher) Replenish(count int) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	want := count + int(r.deficit.Load())
	if want == 0 {
		return 0, nil
	}
	n := min(want, int(r.ring.Free()))
	posted, err := r.post(n)
	if posted > 0 {
		r.ring.Commit()
	}
	if err == nil && n < want {
		err = fmt.Errorf("pool %d: %d of %d posted: %w",
			r.pool.ID(), posted, want, hal.ErrRingFull)
	}
	// Never owe more than the pool has free descriptors for.
	free, _ := r.pool.Counts()
	r.deficit.Store(int64(min(want-posted, free)))
	return posted, err
}

// Fill posts as many buffers as both the pool and the ring can take.
func (r *Replenisher) Fill() (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	free, _ := r.pool.Counts()
	posted, err := r.post(min(free, int(r.ring.Free())))
	if posted > 0 {
		r.ring.Commit()
	}
	return posted, err
}

func (r *Replenisher) post(count int) (posted int, err error) {
	for posted < count {
		b := r.alloc.Alloc(r.pool.BufferSize())
		if b == nil {
			return posted, fmt.Errorf("pool %d: %d of %d posted: %w",
				r.pool.ID(), posted, count, ErrLowMemory)
		}
		addr, err := r.mapper.Map(b)
		if err != nil {
			b.Free()
			return posted, fmt.Errorf("pool %d: mapping buffer: %w", r.pool.ID(), err)
		}
		d, err := r.pool.Post(b)
		if err != nil {
			r.discard(b)
			return posted, fmt.Errorf("pool %d: %d of %d posted: %w",
				r.pool.ID(), posted, count, err)
		}
		err = r.ring.Post(hal.RefillEntry{Cookie: d.PostedCookie(), Addr: addr})
		if err != nil {
			if _, uerr := r.pool.Unpost(d); uerr != nil {
				glog.Errorf("pool %d: unposting %s: %v", r.pool.ID(), d.Cookie, uerr)
			}
			r.discard(b)
			return posted, fmt.Errorf("pool %d: %d of %d posted: %w",
				r.pool.ID(), posted, count, err)
		}
		posted++
	}
	return posted, nil
}

func (r *Replenisher) discard(b *nbuf.Buffer) {
	if err := r.mapper.Unmap(b); err != nil {
		glog.Warningf("pool %d: unmapping discarded buffer: %v", r.pool.ID(), err)
	}
	b.Free()
}

// replenish refills every pool the last drain reaped from or that still
// owes buffers from an earlier shortfall.
func (e *Engine) replenish() {
	for _, r := range e.poolList {
		id := r.pool.ID()
		n := e.reaped[id]
		if n == 0 && r.Deficit() == 0 {
			continue
		}
		e.reaped[id] = 0
		posted, err := r.Replenish(int(n))
		e.stats.Add(rxstat.Replenished, uint64(posted))
		if err != nil {
			e.stats.Inc(rxstat.ReplenishShortfall)
			if errors.Is(err, hal.ErrRingFull) {
				e.stats.Inc(rxstat.RefillRingFull)
			}
			e.warnf("replenish: %v", err)
		}
	}
}
