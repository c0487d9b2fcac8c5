// Package nbuf implements DMA-capable receive buffers and the allocator and
// mapping primitives the receive path consumes.
//
// A Buffer is a fixed-capacity region hardware writes into. The receive path
// narrows its data window as headers are stripped and fragments are merged;
// the backing storage never moves.
package nbuf

import (
	"errors"
	"fmt"
)

var (
	ErrNotMapped     = errors.New("buffer is not mapped")
	ErrAlreadyMapped = errors.New("buffer is already mapped")
	ErrUnknownAddr   = errors.New("unknown DMA address")
)

// Buffer is a DMA-capable network buffer.
//
// WARNING: Buffer is not safe for concurrent use. Ownership moves between
// hardware, the receive path and the delivery sink; exactly one of them
// holds it at any time.
type Buffer struct {
	data   []byte
	off    int
	n      int
	dma    uint64
	mapped bool
	owner  Allocator
}

// New wraps b as a buffer owned by owner. owner may be nil, in which case
// Free is a no-op.
func New(b []byte, owner Allocator) *Buffer {
	return &Buffer{data: b, owner: owner}
}

// Bytes returns the current data window.
func (b *Buffer) Bytes() []byte { return b.data[b.off : b.off+b.n] }

// Raw returns the whole backing storage regardless of the data window.
func (b *Buffer) Raw() []byte { return b.data }

// Len returns the length of the data window.
func (b *Buffer) Len() int { return b.n }

// Cap returns the size of the backing storage.
func (b *Buffer) Cap() int { return len(b.data) }

// Headroom returns the offset of the data window into the backing storage.
func (b *Buffer) Headroom() int { return b.off }

// SetLen resizes the data window keeping its start.
func (b *Buffer) SetLen(n int) {
	if n < 0 || b.off+n > len(b.data) {
		panic(fmt.Errorf("nbuf: length %d out of range (headroom %d, cap %d)",
			n, b.off, len(b.data)))
	}
	b.n = n
}

// SetWindow positions the data window at [off, off+n).
func (b *Buffer) SetWindow(off, n int) {
	if off < 0 || n < 0 || off+n > len(b.data) {
		panic(fmt.Errorf("nbuf: window [%d,%d) out of range (cap %d)",
			off, off+n, len(b.data)))
	}
	b.off, b.n = off, n
}

// Pull strips n bytes from the front of the data window.
func (b *Buffer) Pull(n int) {
	if n > b.n {
		// Hardware reported more header than data was written;
		// clamp to an empty window instead of reading past it.
		n = b.n
	}
	b.off += n
	b.n -= n
}

// Reset clears the data window.
func (b *Buffer) Reset() { b.off, b.n = 0, 0 }

// DMA returns the device-visible address. Valid only while Mapped.
func (b *Buffer) DMA() uint64 { return b.dma }

// Mapped reports whether the buffer is currently mapped for the device.
func (b *Buffer) Mapped() bool { return b.mapped }

// SetDMA records the device-visible address assigned by a Mapper.
func (b *Buffer) SetDMA(addr uint64) {
	b.dma = addr
	b.mapped = true
}

// ClearDMA forgets the device-visible address.
func (b *Buffer) ClearDMA() {
	b.dma = 0
	b.mapped = false
}

// Free hands the buffer back to the allocator it came from.
func (b *Buffer) Free() {
	if b == nil || b.owner == nil {
		return
	}
	b.owner.Free(b)
}

// Allocator hands out buffers of at least the requested size.
// Alloc returns nil when the allocator is exhausted; callers must treat
// that as a recoverable low-memory condition.
type Allocator interface {
	Alloc(size int) *Buffer
	Free(b *Buffer)
}

// Mapper maps buffers for device access.
type Mapper interface {
	Map(b *Buffer) (addr uint64, err error)
	Unmap(b *Buffer) error
}
