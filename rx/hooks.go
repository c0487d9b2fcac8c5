package rx

import (
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/peer"
)

// Sink is the network stack side of delivery.
type Sink interface {
	// Deliver hands over a batch of frames for one (vdev, peer) pair in
	// ring order. The sink owns the frames; the slice itself is reused
	// once Deliver returns.
	Deliver(v *peer.Vdev, p *peer.Peer, batch []*Frame)
}

// NoPeerSink is implemented by sinks accepting frames of unknown peers.
// Without it such frames are dropped.
type NoPeerSink interface {
	DeliverNoPeer(batch []*Frame)
}

// CaptureTap sees frames right before stack delivery. It must copy
// whatever it keeps: frames owned by the capture offload are freed right
// after the call.
type CaptureTap interface {
	Capture(v *peer.Vdev, p *peer.Peer, batch []*Frame)
	CaptureNoPeer(f *Frame)
}

// Hooks are the external classifiers and policies dispatch consults.
type Hooks interface {
	// Multipass tags the frame with the peer's group; false drops it.
	Multipass(p *peer.Peer, f *Frame, tid uint8) bool
	// WDSPolicy reports whether the frame's addressing is acceptable.
	WDSPolicy(v *peer.Vdev, p *peer.Peer, f *Frame) bool
	// Tag applies protocol and flow classifier results.
	Tag(v *peer.Vdev, f *Frame)
	// MeshFilter reports whether a frame on a mesh vdev must be dropped.
	MeshFilter(v *peer.Vdev, f *Frame) bool
	// LearnDA and LearnSrcPort feed WDS address learning on
	// ethernet-decap vdevs.
	LearnDA(p *peer.Peer, f *Frame)
	LearnSrcPort(p *peer.Peer, f *Frame)
	// IntraBSS may forward the frame to another peer of the vdev and
	// reports whether it took ownership.
	IntraBSS(v *peer.Vdev, p *peer.Peer, f *Frame) bool
	// Flush runs once per invocation for the last vdev delivered to, to
	// flush receive offload aggregation.
	Flush(v *peer.Vdev, ring string)
}

// DefaultHooks implement Hooks from frame metadata alone. The function
// fields are optional extension points.
type DefaultHooks struct {
	// Forward sends a frame back out on v. Without it nothing is
	// forwarded intra-BSS.
	Forward func(v *peer.Vdev, from *peer.Peer, f *Frame) bool
	// Learn receives WDS learning events.
	Learn func(p *peer.Peer, f *Frame, srcPort bool)
	// OnFlush receives offload flush requests.
	OnFlush func(v *peer.Vdev, ring string)
}

var _ Hooks = DefaultHooks{}

// Multipass accepts frames of peers that belong to a group and tags them
// with it.
func (DefaultHooks) Multipass(p *peer.Peer, f *Frame, _ uint8) bool {
	if p.VLANID == 0 {
		return false
	}
	f.Meta.VLAN = p.VLANID
	return true
}

// WDSPolicy drops 4-address frames from peers that are not WDS peers.
func (DefaultHooks) WDSPolicy(v *peer.Vdev, p *peer.Peer, f *Frame) bool {
	if !v.WDS {
		return true
	}
	fourAddr := f.Meta.TLV.Has(hal.TLVToDS | hal.TLVFromDS)
	return !fourAddr || p.NAWDS || f.Meta.TLV.Has(hal.TLVAD4Valid)
}

func (DefaultHooks) Tag(_ *peer.Vdev, f *Frame) {
	if f.Meta.TLV.Has(hal.TLVProtoTagValid) {
		f.Meta.ProtoTag = f.Meta.TLV.ProtoTag
	}
	if f.Meta.TLV.Has(hal.TLVFlowTagValid) {
		f.Meta.FlowTag = f.Meta.TLV.FlowTag
	}
}

func (DefaultHooks) MeshFilter(v *peer.Vdev, f *Frame) bool {
	mcbc := f.Meta.MSDUFlags&hal.MSDUDAIsMCBC != 0
	switch {
	case mcbc && v.MeshRxFilter&peer.MeshDropMcast != 0:
		return true
	case !mcbc && v.MeshRxFilter&peer.MeshDropUcast != 0:
		return true
	case f.Meta.TLV.Has(hal.TLVFromDS) && v.MeshRxFilter&peer.MeshDropFromDS != 0:
		return true
	case f.Meta.TLV.Has(hal.TLVToDS) && v.MeshRxFilter&peer.MeshDropToDS != 0:
		return true
	}
	return false
}

func (h DefaultHooks) LearnDA(p *peer.Peer, f *Frame) {
	if h.Learn != nil && f.Meta.MSDUFlags&hal.MSDUDAIsValid == 0 {
		h.Learn(p, f, false)
	}
}

func (h DefaultHooks) LearnSrcPort(p *peer.Peer, f *Frame) {
	if h.Learn != nil && f.Meta.MSDUFlags&hal.MSDUSAIsValid == 0 {
		h.Learn(p, f, true)
	}
}

// IntraBSS forwards unicast frames whose destination hardware resolved to
// a known station.
func (h DefaultHooks) IntraBSS(v *peer.Vdev, p *peer.Peer, f *Frame) bool {
	if h.Forward == nil {
		return false
	}
	if f.Meta.MSDUFlags&hal.MSDUDAIsValid == 0 ||
		f.Meta.MSDUFlags&hal.MSDUDAIsMCBC != 0 {
		return false
	}
	return h.Forward(v, p, f)
}

func (h DefaultHooks) Flush(v *peer.Vdev, ring string) {
	if h.OnFlush != nil {
		h.OnFlush(v, ring)
	}
}
