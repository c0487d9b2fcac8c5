package hal

import (
	"sync/atomic"
	"time"
)

// SoftRing is an in-memory completion ring. The receive engine consumes it
// through the Ring interface while a device goroutine produces with Push
// and Flush.
type SoftRing struct {
	prod, cons uint32
	consumer   *Queue[Slot]
	producer   *Queue[Slot]
	caps       Caps
	failAccess atomic.Int32
	notify     chan struct{}
}

var (
	_ Ring   = (*SoftRing)(nil)
	_ Waiter = (*SoftRing)(nil)
)

// NewSoftRing allocates a ring of size entries, a power of two.
func NewSoftRing(size uint32, caps Caps) (*SoftRing, error) {
	r := &SoftRing{caps: caps, notify: make(chan struct{}, 1)}
	slots := make([]Slot, size)
	var err error
	if r.consumer, err = NewQueue(&r.prod, &r.cons, slots); err != nil {
		return nil, err
	}
	r.producer, _ = NewQueue(&r.prod, &r.cons, slots)
	return r, nil
}

// FailAccess makes the next n AccessStart calls fail.
func (r *SoftRing) FailAccess(n int) { r.failAccess.Add(int32(n)) }

func (r *SoftRing) AccessStart() error {
	for {
		n := r.failAccess.Load()
		if n <= 0 {
			break
		}
		if r.failAccess.CompareAndSwap(n, n-1) {
			return ErrAccessFailed
		}
	}
	r.consumer.Sync()
	return nil
}

func (r *SoftRing) AccessEnd() { r.consumer.Release() }

func (r *SoftRing) Peek() (*Slot, bool) {
	if r.consumer.Cached() == 0 {
		return nil, false
	}
	return r.consumer.At(), true
}

func (r *SoftRing) Advance()              { r.consumer.Consume() }
func (r *SoftRing) NumValid() uint32      { return r.consumer.Sync() }
func (r *SoftRing) NearFullLevel() uint32 { return r.consumer.Pending() }
func (r *SoftRing) Size() uint32          { return r.consumer.Size() }
func (r *SoftRing) Caps() Caps            { return r.caps }

// Wait blocks until Flush publishes new slots or the timeout expires.
// A negative timeout waits forever.
func (r *SoftRing) Wait(timeoutMS int) error {
	if timeoutMS < 0 {
		<-r.notify
		return nil
	}
	t := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer t.Stop()
	select {
	case <-r.notify:
	case <-t.C:
	}
	return nil
}

// Rewrite applies fn to every published slot the consumer has not
// released yet, the way hardware completes a slot after publishing its
// index. It must not run concurrently with the consumer.
func (r *SoftRing) Rewrite(fn func(*Slot)) {
	cons, prod := atomic.LoadUint32(&r.cons), atomic.LoadUint32(&r.prod)
	for i := cons; i != prod; i++ {
		fn(&r.consumer.entries[i&r.consumer.mask])
	}
}

// Push writes a slot without publishing it.
func (r *SoftRing) Push(s Slot) error {
	idx, ok := r.producer.Reserve(1)
	if !ok {
		return ErrRingFull
	}
	r.producer.Set(idx, s)
	return nil
}

// Room returns the number of slots Push can still write.
func (r *SoftRing) Room() uint32 { return r.producer.Free(r.producer.Size()) }

// Flush publishes pushed slots to the consumer.
func (r *SoftRing) Flush() {
	r.producer.Commit()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// SoftRefillRing is an in-memory refill ring. The receive engine posts
// through the RefillRing interface while a device goroutine takes entries.
type SoftRefillRing struct {
	prod, cons uint32
	producer   *Queue[RefillEntry]
	consumer   *Queue[RefillEntry]
}

var _ RefillRing = (*SoftRefillRing)(nil)

// NewSoftRefillRing allocates a ring of size entries, a power of two.
func NewSoftRefillRing(size uint32) (*SoftRefillRing, error) {
	r := &SoftRefillRing{}
	entries := make([]RefillEntry, size)
	var err error
	if r.producer, err = NewQueue(&r.prod, &r.cons, entries); err != nil {
		return nil, err
	}
	r.consumer, _ = NewQueue(&r.prod, &r.cons, entries)
	return r, nil
}

func (r *SoftRefillRing) Free() uint32 { return r.producer.Free(r.producer.Size()) }

func (r *SoftRefillRing) Post(e RefillEntry) error {
	idx, ok := r.producer.Reserve(1)
	if !ok {
		return ErrRingFull
	}
	r.producer.Set(idx, e)
	return nil
}

func (r *SoftRefillRing) Commit() { r.producer.Commit() }

// Take consumes one posted entry on the device side.
func (r *SoftRefillRing) Take() (RefillEntry, bool) {
	if r.consumer.Available() == 0 {
		return RefillEntry{}, false
	}
	e := *r.consumer.At()
	r.consumer.Consume()
	r.consumer.Release()
	return e, true
}

// Posted returns the number of entries waiting for the device.
func (r *SoftRefillRing) Posted() uint32 { return r.consumer.Pending() }
