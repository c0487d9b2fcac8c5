//go:build linux

package afxdp

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/hal"
)

// unknownCookie is reported for descriptors pointing outside of UMEM. It
// addresses the last entry of the last table page, which a table never
// fills in practice.
var unknownCookie = desc.MakeCookie(desc.MaxPages-1, desc.PageEntries-1)

// chunkMap records the posting each UMEM chunk carries. FillRing writes it
// and RXRing reads it; both run on the goroutine servicing the socket.
type chunkMap struct {
	cookies []desc.Cookie
	descs   []*desc.Descriptor
	// table enables cookie conversion when set.
	table *desc.Table
}

// RingConfig describes how the completions of a socket are presented to
// the receive engine.
type RingConfig struct {
	// TLVSize is the engine's metadata header size. It must fit the
	// packet headroom the kernel leaves in front of every frame.
	TLVSize int
	// PeerID and VdevID are reported for every frame; an AF_XDP queue
	// stands for a single station.
	PeerID uint16
	VdevID uint8
	// TID is reported as the queue number of every frame.
	TID uint8
	// Table, when set, resolves cookies at post time so that completions
	// arrive converted.
	Table *desc.Table
}

// RXRing presents the AF_XDP RX ring as a hal.Ring. For every descriptor
// it synthesizes the metadata header into the chunk's headroom and reports
// the cookie the chunk was posted with.
type RXRing struct {
	conf   RingConfig
	q      *hal.Queue[unix.XDPDesc]
	umem   *UMEM
	chunks *chunkMap
	caps   hal.Caps
	meta   hal.PeerMeta
	wait   func(timeoutMS int) error

	cur    hal.Slot
	peeked bool
}

var (
	_ hal.Ring   = (*RXRing)(nil)
	_ hal.Waiter = (*RXRing)(nil)
)

// FillRing presents the UMEM fill ring as a hal.RefillRing.
type FillRing struct {
	q      *hal.Queue[uint64]
	umem   *UMEM
	chunks *chunkMap
	flags  *uint32
	kick   func() error
}

var _ hal.RefillRing = (*FillRing)(nil)

// ringMem locates a ring's indices and entries.
type ringMem[T any] struct {
	prod, cons *uint32
	flags      *uint32
	entries    []T
}

func newRings(
	conf RingConfig,
	umem *UMEM,
	rx ringMem[unix.XDPDesc],
	fq ringMem[uint64],
) (*RXRing, *FillRing, error) {
	if conf.TLVSize < hal.MinTLVSize {
		return nil, nil, fmt.Errorf("TLV size %d < %d", conf.TLVSize, hal.MinTLVSize)
	}
	if conf.TLVSize > xdpPacketHeadroom {
		return nil, nil, fmt.Errorf("TLV size %d: %w", conf.TLVSize, ErrHeadroom)
	}
	rxq, err := hal.NewQueue(rx.prod, rx.cons, rx.entries)
	if err != nil {
		return nil, nil, fmt.Errorf("RX ring: %w", err)
	}
	fqq, err := hal.NewQueue(fq.prod, fq.cons, fq.entries)
	if err != nil {
		return nil, nil, fmt.Errorf("fill ring: %w", err)
	}

	chunks := &chunkMap{
		cookies: make([]desc.Cookie, umem.Frames()),
		table:   conf.Table,
	}
	if conf.Table != nil {
		chunks.descs = make([]*desc.Descriptor, umem.Frames())
	}
	r := &RXRing{
		conf:   conf,
		q:      rxq,
		umem:   umem,
		chunks: chunks,
		caps:   hal.Caps{HWCookieConversion: conf.Table != nil},
		meta:   hal.MakePeerMeta(conf.PeerID, conf.VdevID, false),
	}
	f := &FillRing{
		q:      fqq,
		umem:   umem,
		chunks: chunks,
		flags:  fq.flags,
	}
	return r, f, nil
}

func (r *RXRing) AccessStart() error {
	r.q.Sync()
	r.peeked = false
	return nil
}

func (r *RXRing) AccessEnd() { r.q.Release() }

func (r *RXRing) Peek() (*hal.Slot, bool) {
	if r.peeked {
		return &r.cur, true
	}
	if r.q.Cached() == 0 {
		return nil, false
	}
	r.cur = r.slot(*r.q.At())
	r.peeked = true
	return &r.cur, true
}

func (r *RXRing) Advance() {
	r.q.Consume()
	r.peeked = false
}

func (r *RXRing) NumValid() uint32      { return r.q.Sync() }
func (r *RXRing) NearFullLevel() uint32 { return r.q.Pending() }
func (r *RXRing) Size() uint32          { return r.q.Size() }
func (r *RXRing) Caps() hal.Caps        { return r.caps }

// Wait blocks until the socket becomes readable or the timeout expires.
func (r *RXRing) Wait(timeoutMS int) error {
	if r.wait == nil {
		time.Sleep(time.Duration(max(timeoutMS, 0)) * time.Millisecond)
		return nil
	}
	return r.wait(timeoutMS)
}

// slot translates an RX descriptor. Sockets are bound without
// scatter-gather, so every descriptor is a whole frame.
func (r *RXRing) slot(d unix.XDPDesc) hal.Slot {
	s := hal.Slot{
		PeerMeta:  r.meta,
		MSDUFlags: hal.MSDUFirst | hal.MSDULast,
		MSDULen:   uint16(d.Len),
		QueueNum:  r.conf.TID,
	}
	idx, base, err := r.umem.chunk(d.Addr)
	if err != nil {
		s.Cookie = unknownCookie
		s.Converted = r.caps.HWCookieConversion
		return s
	}
	s.Cookie = r.chunks.cookies[idx]
	s.BufAddr = base
	if r.caps.HWCookieConversion {
		s.Converted = true
		s.Desc = r.chunks.descs[idx]
	}

	fs := uint64(r.umem.FrameSize())
	pad := int(d.Addr-base) - r.conf.TLVSize
	if pad < 0 || pad > 0xff || d.Addr+uint64(d.Len) > base+fs {
		s.Status = hal.StatusErrorDetected
		return s
	}
	tlv := hal.RxTLV{
		Flags:   hal.TLVMSDUDone,
		L3Pad:   uint8(pad),
		MSDULen: uint16(d.Len),
	}
	mem := r.umem.mem
	// Cannot fail: TLVSize >= MinTLVSize.
	_ = tlv.Encode(mem[base : base+uint64(r.conf.TLVSize)])
	if d.Len > 0 && mem[d.Addr]&1 != 0 {
		// Group bit of the destination MAC.
		s.MSDUFlags |= hal.MSDUDAIsMCBC
	}
	return s
}

func (f *FillRing) Free() uint32 { return f.q.Free(f.q.Size()) }

// Post queues the chunk e.Addr points into and remembers the cookie it is
// posted with.
func (f *FillRing) Post(e hal.RefillEntry) error {
	idx, base, err := f.umem.chunk(e.Addr)
	if err != nil {
		return err
	}
	i, ok := f.q.Reserve(1)
	if !ok {
		return hal.ErrRingFull
	}
	f.q.Set(i, base)
	f.chunks.cookies[idx] = e.Cookie
	if f.chunks.table != nil {
		d, err := f.chunks.table.Resolve(e.Cookie)
		if err != nil {
			d = nil
		}
		f.chunks.descs[idx] = d
	}
	return nil
}

// Commit publishes posted chunks and rings the doorbell when the kernel
// asks for it.
func (f *FillRing) Commit() {
	f.q.Commit()
	if f.kick == nil || f.flags == nil ||
		atomic.LoadUint32(f.flags)&unix.XDP_RING_NEED_WAKEUP == 0 {
		return
	}
	if err := f.kick(); err != nil {
		glog.Warningf("afxdp: fill ring wakeup: %v", err)
	}
}
