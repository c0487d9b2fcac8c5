package rx

import (
	"encoding/binary"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/nbuf"
)

// Meta is the per-frame record filled while reaping and read by dispatch.
type Meta struct {
	// Cookie is the head buffer's completion cookie.
	Cookie  desc.Cookie
	PeerID  uint16
	VdevID  uint8
	TID     uint8
	Ring    string
	ReoDest uint8
	// MSDULen is the declared MSDU length from the completion.
	MSDULen   uint16
	MPDUFlags hal.MPDUFlags
	// MSDUFlags holds the first buffer's flags plus MSDULast from the
	// final buffer.
	MSDUFlags hal.MSDUFlags
	// Offload is set when the frame belongs to the capture offload.
	Offload bool
	// TLV is the head buffer's metadata header.
	TLV hal.RxTLV

	// Priority is the stack priority, set when HasPriority.
	Priority    uint8
	HasPriority bool
	// CsumIPValid and CsumL4Valid are set by checksum offload bookkeeping.
	CsumIPValid bool
	CsumL4Valid bool
	// ProtoTag and FlowTag carry classifier results.
	ProtoTag uint16
	FlowTag  uint32
	// VLAN is the multipass group the frame was tagged with.
	VLAN uint16
}

// Raw reports whether the frame is an undecapsulated 802.11 frame.
func (m *Meta) Raw() bool { return m.MPDUFlags&hal.MPDURawAMPDU != 0 }

// Continuation reports whether the head buffer continues into others.
func (m *Meta) Continuation() bool { return m.MSDUFlags&hal.MSDUContinuation != 0 }

// Frame is a reassembled packet: one buffer or a chain of them.
//
// WARNING: a Frame is owned by exactly one party at a time. Once handed
// to a Sink it belongs to the sink, which must Free it.
type Frame struct {
	Meta Meta
	bufs []*nbuf.Buffer
}

// Buffers returns the buffer chain, head first.
func (f *Frame) Buffers() []*nbuf.Buffer { return f.bufs }

// Len returns the total data length.
func (f *Frame) Len() int {
	n := 0
	for _, b := range f.bufs {
		n += b.Len()
	}
	return n
}

// Bytes returns the data of the frame. Single-buffer frames are returned
// without copying.
func (f *Frame) Bytes() []byte {
	if len(f.bufs) == 1 {
		return f.bufs[0].Bytes()
	}
	out := make([]byte, 0, f.Len())
	for _, b := range f.bufs {
		out = append(out, b.Bytes()...)
	}
	return out
}

// Free returns every buffer to its allocator.
func (f *Frame) Free() {
	for _, b := range f.bufs {
		b.Free()
	}
	f.bufs = nil
}

// EtherTypes seen by dispatch.
const (
	EtherTypeVLAN  = 0x8100
	EtherTypeEAPOL = 0x888e
	EtherTypeWAPI  = 0x88b4
)

// EtherType returns the EtherType of a decapsulated frame, looking past a
// single VLAN tag. It returns 0 if the frame is too short.
func (f *Frame) EtherType() uint16 {
	if len(f.bufs) == 0 {
		return 0
	}
	b := f.bufs[0].Bytes()
	if len(b) < 14 {
		return 0
	}
	et := binary.BigEndian.Uint16(b[12:14])
	if et == EtherTypeVLAN {
		if len(b) < 18 {
			return 0
		}
		et = binary.BigEndian.Uint16(b[16:18])
	}
	return et
}
