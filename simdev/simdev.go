// Package simdev is a software receive device. It consumes buffers posted
// to a refill ring, writes received frames into them the way DMA would and
// reports completions on a completion ring.
//
// It is used by tests and by rxsim to drive the receive engine without
// hardware, including the failure modes hardware is known to exhibit.
package simdev

import (
	"errors"
	"fmt"
	"sync"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/nbuf"
)

var (
	ErrNoBuffers   = errors.New("not enough posted buffers")
	ErrFrameSize   = errors.New("frame does not fit a buffer chain")
	ErrNothingSent = errors.New("no completion to replay")
)

// Fault selects a failure to inject into a frame's completions.
type Fault uint8

const (
	FaultNone Fault = iota
	// FaultErrorStatus flags the first completion as erroneous.
	FaultErrorStatus
	// FaultNoMSDUDone leaves the end-of-MSDU attention bit clear.
	FaultNoMSDUDone
	// FaultBadCookie reports a cookie that addresses no descriptor.
	FaultBadCookie
	// FaultHoldLast withholds the final buffer of a scattered frame until
	// the next Flush.
	FaultHoldLast
	// FaultDropLast never reports the final buffer of a scattered frame.
	FaultDropLast
	// FaultInvalidated publishes the first completion before its contents
	// are written. Validate completes the write.
	FaultInvalidated
)

// Frame is one MSDU to receive.
type Frame struct {
	PeerID  uint16
	VdevID  uint8
	TID     uint8
	Offload bool
	Payload []byte
	L3Pad   uint8

	MPDUFlags hal.MPDUFlags
	// MSDUFlags are ORed into every completion of the frame. The device
	// sets first on the first buffer, last on the last one and continuation
	// on all others.
	MSDUFlags hal.MSDUFlags
	// TLVFlags are ORed into every buffer's TLV. MSDU done is set by the
	// device.
	TLVFlags hal.TLVFlags
	ProtoTag uint16
	FlowTag  uint32

	Fault Fault
}

// Config configures a Device.
type Config struct {
	// TLVSize is the size of the metadata header at the start of every
	// buffer.
	TLVSize int
	// BufferSize is the capacity of every posted buffer.
	BufferSize int
}

// Device is a simulated receive DMA engine. All methods must be called from
// a single goroutine, the device's.
type Device struct {
	conf   Config
	ring   *hal.SoftRing
	refill *hal.SoftRefillRing
	iommu  *nbuf.IOMMU
	table  *desc.Table

	held []hal.Slot
	sent []hal.Slot

	lock  sync.Mutex
	stats Stats
}

// Stats are device-side counters.
type Stats struct {
	Frames   uint64
	Buffers  uint64
	NoBuffer uint64
}

// New creates a device. table is consulted only when ring advertises
// hardware cookie conversion.
func New(
	conf Config,
	ring *hal.SoftRing,
	refill *hal.SoftRefillRing,
	iommu *nbuf.IOMMU,
	table *desc.Table,
) (*Device, error) {
	if conf.TLVSize < hal.MinTLVSize {
		return nil, fmt.Errorf("simdev: TLV size %d < %d", conf.TLVSize, hal.MinTLVSize)
	}
	if conf.BufferSize <= conf.TLVSize {
		return nil, fmt.Errorf("simdev: buffer size %d <= TLV size %d",
			conf.BufferSize, conf.TLVSize)
	}
	return &Device{
		conf:   conf,
		ring:   ring,
		refill: refill,
		iommu:  iommu,
		table:  table,
	}, nil
}

// Stats returns a copy of the device counters.
func (d *Device) Stats() Stats {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.stats
}

// BuffersFor returns the number of buffers a frame occupies.
func (d *Device) BuffersFor(f Frame) int {
	room := d.conf.BufferSize - d.conf.TLVSize
	n := len(f.Payload) + int(f.L3Pad)
	if n == 0 {
		return 1
	}
	return (n + room - 1) / room
}

// Receive writes f into posted buffers and pushes its completions. The
// completions become visible to the consumer on Flush.
func (d *Device) Receive(f Frame) error {
	if len(f.Payload) > 0xffff {
		return ErrFrameSize
	}
	n := d.BuffersFor(f)
	if d.refill.Posted() < uint32(n) {
		d.lock.Lock()
		d.stats.NoBuffer++
		d.lock.Unlock()
		return ErrNoBuffers
	}
	if d.ring.Room() < uint32(n+len(d.held)) {
		return hal.ErrRingFull
	}

	tlv := hal.RxTLV{
		Flags:    f.TLVFlags | hal.TLVMSDUDone,
		L3Pad:    f.L3Pad,
		ProtoTag: f.ProtoTag,
		MSDULen:  uint16(len(f.Payload)),
		FlowTag:  f.FlowTag,
	}
	if f.Fault == FaultNoMSDUDone {
		tlv.Flags &^= hal.TLVMSDUDone
	}

	// Pending held completions go out ahead of this frame.
	for _, s := range d.held {
		_ = d.ring.Push(s)
	}
	d.held = d.held[:0]

	payload := f.Payload
	for i := range n {
		e, _ := d.refill.Take()
		b, err := d.iommu.Lookup(e.Addr)
		if err != nil {
			return fmt.Errorf("simdev: refill entry %s: %w", e.Cookie, err)
		}
		if b.Cap() < d.conf.BufferSize {
			return fmt.Errorf("simdev: refill entry %s: %w", e.Cookie, ErrFrameSize)
		}
		raw := b.Raw()[:d.conf.BufferSize]
		if err := tlv.Encode(raw[:d.conf.TLVSize]); err != nil {
			return err
		}
		off := d.conf.TLVSize
		if i == 0 {
			clear(raw[off : off+int(f.L3Pad)])
			off += int(f.L3Pad)
		}
		payload = payload[copy(raw[off:], payload):]

		s := hal.Slot{
			Cookie:    e.Cookie,
			BufAddr:   e.Addr,
			MPDUFlags: f.MPDUFlags,
			PeerMeta:  hal.MakePeerMeta(f.PeerID, f.VdevID, f.Offload),
			MSDUFlags: f.MSDUFlags,
			MSDULen:   uint16(len(f.Payload)),
			QueueNum:  f.TID,
		}
		if i == 0 {
			s.MSDUFlags |= hal.MSDUFirst
		}
		if i < n-1 {
			s.MSDUFlags |= hal.MSDUContinuation
		} else {
			s.MSDUFlags |= hal.MSDULast
		}
		if i == 0 && f.Fault == FaultErrorStatus {
			s.Status = hal.StatusErrorDetected
		}
		if i == 0 && f.Fault == FaultInvalidated {
			s.Invalidated = true
		}
		if f.Fault == FaultBadCookie {
			s.Cookie = desc.MakeCookie(desc.MaxPages-1, desc.PageEntries-1)
		}
		d.convert(&s)

		last := i == n-1
		switch {
		case last && n > 1 && f.Fault == FaultHoldLast:
			d.held = append(d.held, s)
		case last && n > 1 && f.Fault == FaultDropLast:
		default:
			if err := d.ring.Push(s); err != nil {
				return err
			}
			d.sent = append(d.sent, s)
		}
	}

	d.lock.Lock()
	d.stats.Frames++
	d.stats.Buffers += uint64(n)
	d.lock.Unlock()
	return nil
}

func (d *Device) convert(s *hal.Slot) {
	if !d.ring.Caps().HWCookieConversion {
		return
	}
	s.Converted = true
	if dsc, err := d.table.Resolve(s.Cookie); err == nil {
		s.Desc = dsc
	}
}

// Flush publishes pushed completions, including held ones when release is
// set.
func (d *Device) Flush(release bool) {
	if release {
		for _, s := range d.held {
			if d.ring.Push(s) == nil {
				d.sent = append(d.sent, s)
			}
		}
		d.held = d.held[:0]
	}
	d.ring.Flush()
	if len(d.sent) > 1024 {
		d.sent = append(d.sent[:0], d.sent[len(d.sent)-64:]...)
	}
}

// Validate finishes writing completions published with FaultInvalidated.
func (d *Device) Validate() {
	d.ring.Rewrite(func(s *hal.Slot) { s.Invalidated = false })
	for i := range d.sent {
		d.sent[i].Invalidated = false
	}
}

// Replay pushes the n-th most recent completion again (0 being the last),
// the way a misbehaving device reports a buffer twice.
func (d *Device) Replay(n int) error {
	if n >= len(d.sent) {
		return ErrNothingSent
	}
	s := d.sent[len(d.sent)-1-n]
	if err := d.ring.Push(s); err != nil {
		return err
	}
	d.sent = append(d.sent, s)
	return nil
}
