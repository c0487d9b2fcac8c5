package nbuf

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// DefaultSizeClasses are the backing sizes HeapAllocator rounds requests up to.
var DefaultSizeClasses = []int{2048, 4096, 9216}

type sizeClass struct {
	size int
	pool sync.Pool
}

// HeapAllocator allocates buffers from size-classed sync.Pools.
// An optional Limit caps the number of outstanding buffers so that
// allocator exhaustion can be provoked deterministically.
type HeapAllocator struct {
	classes     []*sizeClass
	limit       int64
	outstanding atomic.Int64
}

// NewHeapAllocator creates an allocator with the given size classes
// (DefaultSizeClasses when empty). limit <= 0 means unlimited.
func NewHeapAllocator(limit int, sizes ...int) *HeapAllocator {
	if len(sizes) == 0 {
		sizes = DefaultSizeClasses
	}
	sizes = slices.Clone(sizes)
	slices.Sort(sizes)

	a := &HeapAllocator{limit: int64(limit)}
	for _, size := range sizes {
		c := &sizeClass{size: size}
		c.pool.New = func() any {
			return make([]byte, c.size)
		}
		a.classes = append(a.classes, c)
	}
	return a
}

// Alloc returns a zero-window buffer whose capacity is the smallest size
// class that fits size, or nil if the limit is reached.
func (a *HeapAllocator) Alloc(size int) *Buffer {
	i := slices.IndexFunc(a.classes, func(c *sizeClass) bool { return size <= c.size })
	if i < 0 {
		panic(fmt.Errorf("nbuf: no size class for %d byte buffer", size))
	}
	if n := a.outstanding.Add(1); a.limit > 0 && n > a.limit {
		a.outstanding.Add(-1)
		return nil
	}
	return New(a.classes[i].pool.Get().([]byte), a)
}

// Free returns b to its size class.
func (a *HeapAllocator) Free(b *Buffer) {
	data := b.data[:cap(b.data)]
	for _, c := range a.classes {
		if len(data) == c.size {
			b.data = nil
			b.Reset()
			b.ClearDMA()
			c.pool.Put(data)
			a.outstanding.Add(-1)
			return
		}
	}
	panic(fmt.Errorf("nbuf: no size class for %d cap buffer", len(data)))
}

// Outstanding returns the number of buffers allocated and not yet freed.
func (a *HeapAllocator) Outstanding() int { return int(a.outstanding.Load()) }
