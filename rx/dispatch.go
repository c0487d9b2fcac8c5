package rx

import (
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/peer"
	"github.com/romshark/rxpath/rxstat"
)

// peerRef holds at most one peer reference for a dispatch pass. The
// reference is swapped when the peer id changes and dropped at pass end,
// so every path releases exactly what it acquired.
type peerRef struct {
	dir *peer.Directory
	p   *peer.Peer
}

func (r *peerRef) get(id uint16) *peer.Peer {
	if r.p != nil && r.p.ID == id {
		return r.p
	}
	r.release()
	r.p = r.dir.Lookup(id)
	return r.p
}

func (r *peerRef) release() {
	if r.p != nil {
		r.dir.Release(r.p)
		r.p = nil
	}
}

// dispatch walks the frames of the last drain in ring order, applies the
// admission policies and delivers survivors in per-destination batches.
func (e *Engine) dispatch() {
	frames := e.frames
	var tid uint8

	for i, f := range frames {
		frames[i] = nil
		m := &f.Meta

		if m.Raw() && m.MPDUFlags&hal.MPDURawDrop != 0 {
			e.stats.Inc(rxstat.RawFrameDrop)
			f.Free()
			continue
		}

		// A peer always delivers on its own vdev, whatever vdev the
		// completion names.
		if len(e.batch) > 0 && e.batchPeer.ID != m.PeerID {
			e.flush()
		}

		if m.MSDUFlags&hal.MSDUFirst != 0 {
			tid = m.TID
		}

		p := e.ref.get(m.PeerID)
		if p == nil {
			e.deliverNoPeer(f)
			continue
		}
		v := p.Vdev
		if v.Deleted() {
			e.stats.Inc(rxstat.InvalidVdev)
			f.Free()
			continue
		}

		m.TID = tid
		if v.HLOSTIDOverride {
			m.Priority = tid
			m.HasPriority = true
		}

		// MSDU done is the last bit DMA writes.
		if !m.Continuation() && !m.TLV.Has(hal.TLVMSDUDone) {
			e.stats.Inc(rxstat.MSDUDoneFail)
			f.Free()
			e.fatal(FatalMSDUDone, m.Cookie)
			continue
		}

		if !e.normalize(f, p) {
			f.Free()
			continue
		}

		if !e.admit(v, p, f) {
			f.Free()
			continue
		}

		if e.conf.ProcessRxStatus {
			m.CsumIPValid = m.TLV.Has(hal.TLVIPCsumOK)
			m.CsumL4Valid = m.TLV.Has(hal.TLVL4CsumOK)
		}
		e.hooks.Tag(v, f)

		if v.Mesh && e.hooks.MeshFilter(v, f) {
			e.stats.Inc(rxstat.MeshFilter)
			p.Stats.MeshFiltered.Add(1)
			f.Free()
			continue
		}

		if !v.Raw && !v.Mesh {
			e.hooks.LearnDA(p, f)
			if v.WDS {
				e.hooks.LearnSrcPort(p, f)
			}
			if v.APBridge && e.hooks.IntraBSS(v, p, f) {
				e.stats.Inc(rxstat.IntraBSS)
				p.Stats.IntraBSS.Add(1)
				continue
			}
		}

		n := uint64(f.Len())
		e.batch = append(e.batch, f)
		e.batchVdev, e.batchPeer, e.lastVdev = v, p, v
		e.stats.Inc(rxstat.ToStack)
		e.stats.Add(rxstat.ToStackBytes, n)
		p.Stats.ToStack.Add(1)
		p.Stats.ToStackBytes.Add(n)
		if p.InTWT() {
			p.Stats.ToStackTWT.Add(1)
		}
	}

	e.flush()
	e.ref.release()
	e.frames = frames[:0]
}

// admit runs the policy checks in order; false drops the frame.
func (e *Engine) admit(v *peer.Vdev, p *peer.Peer, f *Frame) bool {
	m := &f.Meta
	if v.Multipass && !e.hooks.Multipass(p, f, m.TID) {
		e.stats.Inc(rxstat.MultipassDrop)
		p.Stats.MultipassDrop.Add(1)
		return false
	}
	if !e.hooks.WDSPolicy(v, p, f) {
		e.stats.Inc(rxstat.PolicyDrop)
		p.Stats.PolicyDrop.Add(1)
		return false
	}
	if p.NAWDS && m.MSDUFlags&hal.MSDUDAIsMCBC != 0 && !m.TLV.Has(hal.TLVAD4Valid) {
		e.stats.Inc(rxstat.NAWDSMcastDrop)
		p.Stats.NAWDSMcastDrop.Add(1)
		return false
	}
	if !p.Authorized() {
		// Only the authentication handshake may pass.
		if et := f.EtherType(); et != EtherTypeEAPOL && et != EtherTypeWAPI {
			e.stats.Inc(rxstat.UnauthDrop)
			p.Stats.UnauthDrop.Add(1)
			return false
		}
	}
	return true
}

// flush hands the running batch to the capture tap and the stack.
func (e *Engine) flush() {
	if len(e.batch) == 0 {
		return
	}
	v, p := e.batchVdev, e.batchPeer
	if e.tap != nil {
		e.tap.Capture(v, p, e.batch)
	}
	out := e.batch[:0]
	for _, f := range e.batch {
		if f.Meta.Offload {
			e.stats.Inc(rxstat.CaptureOffload)
			f.Free()
			continue
		}
		out = append(out, f)
	}
	if len(out) > 0 {
		e.sink.Deliver(v, p, out)
	}
	clear(e.batch)
	e.batch = e.batch[:0]
	e.batchVdev, e.batchPeer = nil, nil
}

func (e *Engine) deliverNoPeer(f *Frame) {
	if e.tap != nil {
		e.tap.CaptureNoPeer(f)
	}
	if f.Meta.Offload {
		e.stats.Inc(rxstat.CaptureOffload)
		f.Free()
		return
	}
	if e.noPeer == nil {
		e.stats.Inc(rxstat.InvalidVdev)
		f.Free()
		return
	}
	e.stats.Inc(rxstat.NoPeer)
	e.noPeerSlot[0] = f
	e.noPeer.DeliverNoPeer(e.noPeerSlot[:])
	e.noPeerSlot[0] = nil
}
