package desc

import (
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/romshark/rxpath/nbuf"
)

// MappingHook observes DMA mapping changes of pool buffers, for example to
// keep an offload engine's IOMMU view in sync. It runs under the pool lock
// and must not block.
type MappingHook func(b *nbuf.Buffer, mapped bool)

// Pool is a fixed-size set of descriptors for one hardware resource domain.
//
// The pool lock guards the free list, the in-use accounting and every
// unmap performed on reap; rings servicing different hardware queues share
// pools and contend only here.
type Pool struct {
	id      uint8
	size    int
	bufSize int
	table   *Table
	hook    MappingHook

	lock      sync.Mutex
	descs     []Descriptor
	free      *Descriptor
	freeCount int
	inUse     int
}

// PoolConfig configures NewPool.
type PoolConfig struct {
	ID         uint8
	Size       int
	BufferSize int
	// MappingHook is optional.
	MappingHook MappingHook
}

// NewPool allocates conf.Size descriptors and registers each of them in t.
func NewPool(conf PoolConfig, t *Table) (*Pool, error) {
	if conf.Size <= 0 {
		return nil, fmt.Errorf("pool %d: size must be > 0", conf.ID)
	}
	if conf.BufferSize <= 0 {
		return nil, fmt.Errorf("pool %d: buffer size must be > 0", conf.ID)
	}
	p := &Pool{
		id:      conf.ID,
		size:    conf.Size,
		bufSize: conf.BufferSize,
		table:   t,
		hook:    conf.MappingHook,
		descs:   make([]Descriptor, conf.Size),
	}
	for i := range p.descs {
		d := &p.descs[i]
		if _, err := t.Register(conf.ID, d); err != nil {
			for j := range i {
				_ = t.Unregister(p.descs[j].Cookie)
			}
			return nil, fmt.Errorf("pool %d: registering descriptor %d: %w",
				conf.ID, i, err)
		}
		d.Magic = Magic
		d.Unmapped = true
	}
	// Thread the free list in index order so that the first posts use the
	// lowest cookies.
	for i := len(p.descs) - 1; i >= 0; i-- {
		p.descs[i].next = p.free
		p.free = &p.descs[i]
	}
	p.freeCount = conf.Size

	glog.Infof("rx pool %d: %d descriptors, %d byte buffers, %d table pages",
		conf.ID, conf.Size, conf.BufferSize, t.Pages())
	return p, nil
}

func (p *Pool) ID() uint8       { return p.id }
func (p *Pool) Size() int       { return p.size }
func (p *Pool) BufferSize() int { return p.bufSize }

// Counts returns the number of free and in-use descriptors.
func (p *Pool) Counts() (free, inUse int) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.freeCount, p.inUse
}

// Check verifies free + in_use == size.
func (p *Pool) Check() error {
	free, inUse := p.Counts()
	if free+inUse != p.size {
		return fmt.Errorf("pool %d: free %d + in use %d != size %d",
			p.id, free, inUse, p.size)
	}
	return nil
}

// Post binds b (already mapped) to a free descriptor and marks it in use.
// The returned descriptor's PostedCookie is what must be handed to hardware.
func (p *Pool) Post(b *nbuf.Buffer) (*Descriptor, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	d := p.free
	if d == nil {
		return nil, ErrPoolExhausted
	}
	p.free = d.next
	d.next = nil
	p.freeCount--
	p.inUse++

	d.gen = (d.gen + 1) & genMask
	d.buf = b
	d.InUse = true
	d.Unmapped = false
	d.InErrState = false
	if p.hook != nil {
		p.hook(b, true)
	}
	return d, nil
}

// Unpost reverts a Post whose buffer never reached hardware and returns
// the buffer, still mapped.
func (p *Pool) Unpost(d *Descriptor) (*nbuf.Buffer, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if d.PoolID != p.id {
		return nil, ErrWrongPool
	}
	if !d.InUse {
		return nil, ErrNotInUse
	}
	b := d.buf
	if p.hook != nil {
		p.hook(b, false)
	}
	p.release(d)
	return b, nil
}

// Reap ends the posting of d: the buffer is unmapped through m, d is marked
// unmapped and not in use and goes back to the free list. The detached
// buffer is returned to the caller.
//
// Reaping a descriptor that is not in use fails with ErrNotInUse and
// changes nothing.
func (p *Pool) Reap(d *Descriptor, m nbuf.Mapper) (*nbuf.Buffer, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if d.PoolID != p.id {
		return nil, ErrWrongPool
	}
	if !d.InUse {
		return nil, ErrNotInUse
	}
	b := d.buf
	if p.hook != nil {
		p.hook(b, false)
	}
	if b != nil && b.Mapped() {
		if err := m.Unmap(b); err != nil {
			// The buffer is still handed over: the mapping is gone from
			// the device's point of view once the slot completed.
			glog.Warningf("rx pool %d: unmapping %s: %v", p.id, d.Cookie, err)
		}
	}
	d.Unmapped = true
	p.release(d)
	return b, nil
}

func (p *Pool) release(d *Descriptor) {
	d.InUse = false
	d.buf = nil
	d.next = p.free
	p.free = d
	p.freeCount++
	p.inUse--
}

// Reclaim forcibly ends every posting, including descriptors stuck in an
// error state, unmapping their buffers through m. Used at teardown once the
// hardware no longer owns the ring.
func (p *Pool) Reclaim(m nbuf.Mapper) []*nbuf.Buffer {
	p.lock.Lock()
	defer p.lock.Unlock()

	var bufs []*nbuf.Buffer
	for i := range p.descs {
		d := &p.descs[i]
		if !d.InUse {
			continue
		}
		if b := d.buf; b != nil {
			if b.Mapped() {
				_ = m.Unmap(b)
			}
			bufs = append(bufs, b)
		}
		d.Unmapped = true
		p.release(d)
	}
	return bufs
}

// Close unregisters all cookies of the pool. It fails with ErrPoolBusy while
// any descriptor is in use.
func (p *Pool) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.inUse != 0 {
		return fmt.Errorf("pool %d: %w (%d)", p.id, ErrPoolBusy, p.inUse)
	}
	for i := range p.descs {
		d := &p.descs[i]
		if err := p.table.Unregister(d.Cookie); err != nil {
			return fmt.Errorf("pool %d: unregistering %s: %w", p.id, d.Cookie, err)
		}
		d.Magic = 0
	}
	p.free = nil
	p.freeCount = 0
	p.size = 0
	return nil
}
