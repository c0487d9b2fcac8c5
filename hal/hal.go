// Package hal describes the hardware side of the receive path: the
// completion slot format, the ring operations the receive engine relies on,
// and software rings that implement them in memory.
//
// Terminology:
//
//   - Completion ring: slots written by hardware for every filled buffer.
//   - Refill ring: buffers software posts for hardware to fill.
package hal

import (
	"errors"

	"github.com/romshark/rxpath/desc"
)

var (
	ErrAccessFailed = errors.New("ring access handshake failed")
	ErrRingFull     = errors.New("ring is full")
	ErrRingEmpty    = errors.New("ring is empty")
	ErrShortTLV     = errors.New("buffer shorter than rx TLV header")
	ErrRingSize     = errors.New("ring size must be a power of two")
)

// ErrorStatus is the hardware-reported status of a completion slot.
type ErrorStatus uint8

const (
	StatusOK ErrorStatus = iota
	// StatusErrorDetected means hardware flagged the slot itself as broken.
	StatusErrorDetected
)

// MPDUFlags describe the MPDU a slot's buffer belongs to.
type MPDUFlags uint16

const (
	// MPDUFragment marks 802.11 fragments reinjected as scatter.
	MPDUFragment MPDUFlags = 1 << iota
	MPDURetry
	// MPDURawAMPDU marks raw (undecapsulated) frames.
	MPDURawAMPDU
	// MPDURawDrop marks raw frames hardware considers drop-eligible.
	MPDURawDrop
)

// MSDUFlags describe the buffer's position within its MSDU and MPDU.
type MSDUFlags uint16

const (
	MSDUFirst MSDUFlags = 1 << iota
	MSDULast
	// MSDUContinuation is set on every buffer of a scattered MSDU but the last.
	MSDUContinuation
	MSDUDAIsMCBC
	MSDUDAIsValid
	MSDUSAIsValid
)

// PeerMeta is the routing word hardware attaches to every completion:
//
//	| reserved (7) | offload (1) | vdev id (8) | peer id (16) |
type PeerMeta uint32

const peerMetaOffload = 1 << 24

// MakePeerMeta packs the routing word.
func MakePeerMeta(peerID uint16, vdevID uint8, offload bool) PeerMeta {
	m := PeerMeta(peerID) | PeerMeta(vdevID)<<16
	if offload {
		m |= peerMetaOffload
	}
	return m
}

func (m PeerMeta) PeerID() uint16 { return uint16(m) }
func (m PeerMeta) VdevID() uint8  { return uint8(m >> 16) }

// Offload reports whether the frame is owned by the packet capture offload.
func (m PeerMeta) Offload() bool { return m&peerMetaOffload != 0 }

// Slot is one completion ring entry. The receive path reads it once and
// never writes it.
type Slot struct {
	Status ErrorStatus
	// Cookie is the value software posted along with the buffer.
	Cookie desc.Cookie
	// Desc is the descriptor hardware resolved Cookie to. Valid only when
	// Converted is set.
	Desc      *desc.Descriptor
	Converted bool
	// Invalidated is set while hardware has published the slot index but
	// not yet rewritten its contents. Such a slot must be retried later.
	Invalidated bool
	// BufAddr is the DMA address hardware wrote to.
	BufAddr uint64

	MPDUFlags MPDUFlags
	PeerMeta  PeerMeta
	MSDUFlags MSDUFlags
	// MSDULen is the length of the whole MSDU, not just this buffer.
	MSDULen uint16
	// QueueNum is the reorder queue, which is the TID.
	QueueNum   uint8
	ReoDestInd uint8
}

// Caps are capabilities the hardware abstraction advertises.
type Caps struct {
	// HWCookieConversion is set when hardware resolves cookies itself and
	// delivers Slot.Desc.
	HWCookieConversion bool
}

// Ring is the consumer side of a completion ring.
//
// Peek, Advance and NumValid are only valid between a successful
// AccessStart and the matching AccessEnd.
type Ring interface {
	// AccessStart synchronizes with hardware before consuming.
	AccessStart() error
	// AccessEnd publishes the consumed position to hardware.
	AccessEnd()
	// Peek returns the next slot without consuming it.
	Peek() (*Slot, bool)
	// Advance consumes the slot returned by the last Peek.
	Advance()
	// NumValid returns the number of slots ready to consume, re-reading the
	// hardware producer position.
	NumValid() uint32
	// NearFullLevel returns the current occupancy in entries.
	NearFullLevel() uint32
	// Size returns the number of entries in the ring.
	Size() uint32
	Caps() Caps
}

// RefillEntry is what software posts to the refill ring.
type RefillEntry struct {
	Cookie desc.Cookie
	Addr   uint64
}

// RefillRing is the producer side of a refill ring.
type RefillRing interface {
	// Free returns the number of entries that can be posted, as of the
	// latest consumer index hardware published.
	Free() uint32
	// Post writes an entry. It fails with ErrRingFull.
	Post(e RefillEntry) error
	// Commit publishes posted entries to hardware.
	Commit()
}

// Waiter is implemented by rings that can block until new completions
// arrive.
type Waiter interface {
	Wait(timeoutMS int) error
}
