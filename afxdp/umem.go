//go:build linux

package afxdp

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/romshark/rxpath/nbuf"
)

// UMEM is the packet memory shared with the kernel, split into
// fixed-size chunks. It hands chunks out as nbuf buffers and maps them by
// reporting their UMEM offset as the device address, which is what the
// fill ring carries.
type UMEM struct {
	mem       []byte
	frameSize uint64
	bufs      []*nbuf.Buffer

	lock   sync.Mutex
	free   []uint32
	mapped []bool
	nmap   int
}

var (
	_ nbuf.Allocator = (*UMEM)(nil)
	_ nbuf.Mapper    = (*UMEM)(nil)
)

// NewUMEM splits mem into chunks of frameSize bytes, a power of two.
func NewUMEM(mem []byte, frameSize uint32) (*UMEM, error) {
	if frameSize < 2048 || frameSize&(frameSize-1) != 0 {
		return nil, ErrFrameSize
	}
	n := len(mem) / int(frameSize)
	if n == 0 {
		return nil, fmt.Errorf("umem of %d bytes: %w", len(mem), ErrNumFramesTooSmall)
	}
	u := &UMEM{
		mem:       mem,
		frameSize: uint64(frameSize),
		bufs:      make([]*nbuf.Buffer, n),
		free:      make([]uint32, 0, n),
		mapped:    make([]bool, n),
	}
	for i := range n {
		off := i * int(frameSize)
		u.bufs[i] = nbuf.New(mem[off:off+int(frameSize):off+int(frameSize)], u)
	}
	for i := n - 1; i >= 0; i-- {
		u.free = append(u.free, uint32(i))
	}
	return u, nil
}

// FrameSize returns the chunk size.
func (u *UMEM) FrameSize() int { return int(u.frameSize) }

// Frames returns the number of chunks.
func (u *UMEM) Frames() int { return len(u.bufs) }

// FreeFrames returns the number of chunks not handed out.
func (u *UMEM) FreeFrames() int {
	u.lock.Lock()
	defer u.lock.Unlock()
	return len(u.free)
}

// Alloc implements nbuf.Allocator. It returns nil when every chunk is in
// use or size exceeds a chunk.
func (u *UMEM) Alloc(size int) *nbuf.Buffer {
	if size > int(u.frameSize) {
		return nil
	}
	u.lock.Lock()
	defer u.lock.Unlock()
	n := len(u.free)
	if n == 0 {
		return nil
	}
	idx := u.free[n-1]
	u.free = u.free[:n-1]
	return u.bufs[idx]
}

// Free implements nbuf.Allocator.
func (u *UMEM) Free(b *nbuf.Buffer) {
	idx := u.chunkOf(b)
	b.Reset()
	u.lock.Lock()
	defer u.lock.Unlock()
	if u.mapped[idx] {
		u.mapped[idx] = false
		u.nmap--
		b.ClearDMA()
	}
	u.free = append(u.free, idx)
}

// Map implements nbuf.Mapper.
func (u *UMEM) Map(b *nbuf.Buffer) (uint64, error) {
	if b.Mapped() {
		return 0, nbuf.ErrAlreadyMapped
	}
	idx := u.chunkOf(b)
	addr := uint64(idx) * u.frameSize
	u.lock.Lock()
	u.mapped[idx] = true
	u.nmap++
	u.lock.Unlock()
	b.SetDMA(addr)
	return addr, nil
}

// Unmap implements nbuf.Mapper.
func (u *UMEM) Unmap(b *nbuf.Buffer) error {
	if !b.Mapped() {
		return nbuf.ErrNotMapped
	}
	idx := u.chunkOf(b)
	u.lock.Lock()
	defer u.lock.Unlock()
	if !u.mapped[idx] || b.DMA() != uint64(idx)*u.frameSize {
		return nbuf.ErrUnknownAddr
	}
	u.mapped[idx] = false
	u.nmap--
	b.ClearDMA()
	return nil
}

// Mapped returns the number of chunks currently mapped.
func (u *UMEM) Mapped() int {
	u.lock.Lock()
	defer u.lock.Unlock()
	return u.nmap
}

// chunk returns the index and base offset of the chunk addr points into.
func (u *UMEM) chunk(addr uint64) (idx uint32, base uint64, err error) {
	idx64 := addr / u.frameSize
	if idx64 >= uint64(len(u.bufs)) {
		return 0, 0, fmt.Errorf("%#x: %w", addr, ErrUnknownAddr)
	}
	return uint32(idx64), idx64 * u.frameSize, nil
}

func (u *UMEM) chunkOf(b *nbuf.Buffer) uint32 {
	raw := b.Raw()
	off := uintptr(unsafe.Pointer(unsafe.SliceData(raw))) -
		uintptr(unsafe.Pointer(unsafe.SliceData(u.mem)))
	idx := uint32(uint64(off) / u.frameSize)
	if int(idx) >= len(u.bufs) || u.bufs[idx] != b {
		panic(fmt.Errorf("afxdp: buffer at umem offset %#x is not a umem chunk", off))
	}
	return idx
}
