package rx

import (
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/nbuf"
	"github.com/romshark/rxpath/peer"
	"github.com/romshark/rxpath/rxstat"
)

// assemble appends a reaped buffer to the frame it belongs to. Buffers of
// a scattered MSDU collect in e.open until the one without the
// continuation flag closes it.
func (e *Engine) assemble(b *nbuf.Buffer, s *hal.Slot) {
	if e.open != nil && s.MSDUFlags&hal.MSDUFirst != 0 {
		// A new MPDU started before the open one ended.
		e.closeOpen()
	}

	if e.open == nil {
		f := &Frame{
			Meta: Meta{
				Cookie:    s.Cookie,
				PeerID:    s.PeerMeta.PeerID(),
				VdevID:    s.PeerMeta.VdevID(),
				Offload:   s.PeerMeta.Offload(),
				TID:       s.QueueNum,
				Ring:      e.name,
				ReoDest:   s.ReoDestInd,
				MSDULen:   s.MSDULen,
				MPDUFlags: s.MPDUFlags,
				MSDUFlags: s.MSDUFlags,
			},
			bufs: []*nbuf.Buffer{b},
		}
		// Buffers are at least TLVSize long, decoding cannot fail.
		f.Meta.TLV, _ = hal.DecodeTLV(b.Raw())
		if s.MSDUFlags&hal.MSDUContinuation != 0 {
			e.open = f
			return
		}
		e.frames = append(e.frames, f)
		return
	}

	e.open.bufs = append(e.open.bufs, b)
	if s.MSDUFlags&hal.MSDUContinuation == 0 {
		e.open.Meta.MSDUFlags |= s.MSDUFlags & hal.MSDULast
		e.frames = append(e.frames, e.open)
		e.open = nil
	}
}

// closeOpen discards a scattered frame whose remaining buffers never
// arrived.
func (e *Engine) closeOpen() {
	if e.open == nil {
		return
	}
	e.stats.Inc(rxstat.ScatterIncomplete)
	e.warnf("discarding incomplete scatter %s (%d buffers, msdu len %d)",
		e.open.Meta.Cookie, len(e.open.bufs), e.open.Meta.MSDULen)
	e.open.Free()
	e.open = nil
}

// normalize positions the data windows of f past the hardware header. It
// returns false when the frame must be dropped.
func (e *Engine) normalize(f *Frame, p *peer.Peer) bool {
	m := &f.Meta
	tlvSize := e.conf.TLVSize
	head := f.bufs[0]

	switch {
	case m.MPDUFlags&hal.MPDUFragment != 0:
		// 802.11 fragments come back from reinjection with an MSDU end
		// that may differ from the completion; only the header goes.
		m.MSDUFlags &^= hal.MSDUDAIsMCBC | hal.MSDUDAIsValid | hal.MSDUSAIsValid
		if m.TLV.Has(hal.TLVDAIsMCBC) {
			m.MSDUFlags |= hal.MSDUDAIsMCBC
		}
		if m.TLV.Has(hal.TLVDAIsValid) {
			m.MSDUFlags |= hal.MSDUDAIsValid
		}
		if m.TLV.Has(hal.TLVSAIsValid) {
			m.MSDUFlags |= hal.MSDUSAIsValid
		}
		head.SetWindow(0, min(tlvSize+int(m.MSDULen), e.conf.BufferSize))
		head.Pull(tlvSize)
		e.stats.Inc(rxstat.FragPull)

	case len(f.bufs) > 1:
		if !m.Raw() {
			e.stats.Inc(rxstat.ScatterMSDU)
			e.warnf("scatter msdu %s len %d dropped", m.Cookie, m.MSDULen)
			return false
		}
		remaining := int(m.MSDULen)
		for i, b := range f.bufs {
			off := tlvSize
			if i == 0 {
				off += int(m.TLV.L3Pad)
			}
			n := max(min(remaining, e.conf.BufferSize-off), 0)
			b.SetWindow(off, n)
			remaining -= n
		}
		p.Stats.Raw.Add(1)

	default:
		pktLen := int(m.MSDULen) + int(m.TLV.L3Pad) + tlvSize
		head.SetWindow(0, min(pktLen, e.conf.BufferSize))
		head.Pull(tlvSize + int(m.TLV.L3Pad))
	}
	return true
}
