package rx_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/peer"
	"github.com/romshark/rxpath/rx"
	"github.com/romshark/rxpath/simdev"
)

type recordingTap struct {
	captured []string
	noPeer   int
}

func (t *recordingTap) Capture(_ *peer.Vdev, _ *peer.Peer, batch []*rx.Frame) {
	for _, f := range batch {
		t.captured = append(t.captured, string(f.Bytes()))
	}
}

func (t *recordingTap) CaptureNoPeer(*rx.Frame) { t.noPeer++ }

func withPeer(h *harness, id uint16, fn func(p *peer.Peer)) {
	p := h.peers.Lookup(id)
	require.NotNil(h.t, p)
	fn(p)
	h.peers.Release(p)
}

func TestUnauthorizedPeer(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	eapol := ethFrame(rx.EtherTypeEAPOL, 2, 60)
	wapi := ethFrame(rx.EtherTypeWAPI, 3, 60)
	tagged := ethFrame(rx.EtherTypeVLAN, 4, 60)
	binary.BigEndian.PutUint16(tagged[16:18], rx.EtherTypeEAPOL)
	h.receive(
		simdev.Frame{PeerID: 3, VdevID: 1, Payload: ipv4(1)},
		simdev.Frame{PeerID: 3, VdevID: 1, Payload: eapol},
		simdev.Frame{PeerID: 3, VdevID: 1, Payload: wapi},
		simdev.Frame{PeerID: 3, VdevID: 1, Payload: tagged},
	)

	require.Equal(t, uint32(4), h.eng.Process(10))
	require.Len(t, h.sink.batches, 1)
	require.Equal(t, payloads(eapol, wapi, tagged), h.sink.batches[0].Payloads)
	h.requireCounters(map[string]uint64{
		"reaped": 4, "to_stack": 3, "peer_unauth_rx_pkt_drop": 1,
	})
	withPeer(h, 3, func(p *peer.Peer) {
		require.Equal(t, uint64(1), p.Stats.UnauthDrop.Load())
	})
	h.checkInvariants()
}

func TestRawFrameDrop(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.receive(
		simdev.Frame{
			PeerID: 1, VdevID: 1, Payload: ipv4(1),
			MPDUFlags: hal.MPDURawAMPDU | hal.MPDURawDrop,
		},
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(2), MPDUFlags: hal.MPDURawAMPDU},
	)
	require.Equal(t, uint32(2), h.eng.Process(10))
	require.Equal(t, payloads(ipv4(2)), h.sink.batches[0].Payloads)
	h.requireCounters(map[string]uint64{"reaped": 2, "to_stack": 1, "raw_frm_drop": 1})
	h.checkInvariants()
}

func TestNAWDSMulticastDrop(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	withPeer(h, 1, func(p *peer.Peer) { p.NAWDS = true })
	h.receive(
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(1), MSDUFlags: hal.MSDUDAIsMCBC},
		simdev.Frame{
			PeerID: 1, VdevID: 1, Payload: ipv4(2),
			MSDUFlags: hal.MSDUDAIsMCBC, TLVFlags: hal.TLVAD4Valid,
		},
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(3)},
	)
	require.Equal(t, uint32(3), h.eng.Process(10))
	require.Equal(t, payloads(ipv4(2), ipv4(3)), h.sink.batches[0].Payloads)
	h.requireCounters(map[string]uint64{"reaped": 3, "to_stack": 2, "nawds_mcast_drop": 1})
	h.checkInvariants()
}

func TestMultipass(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.peers.Vdev(1).Multipass = true
	withPeer(h, 2, func(p *peer.Peer) { p.VLANID = 10 })
	h.receive(
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(1)},
		simdev.Frame{PeerID: 2, VdevID: 1, Payload: ipv4(2)},
	)
	require.Equal(t, uint32(2), h.eng.Process(10))
	require.Len(t, h.sink.batches, 1)
	require.Equal(t, uint16(2), h.sink.batches[0].Peer)
	require.Equal(t, uint16(10), h.sink.batches[0].Metas[0].VLAN)
	h.requireCounters(map[string]uint64{
		"reaped": 2, "to_stack": 1, "multipass_rx_pkt_drop": 1,
	})
	h.checkInvariants()
}

type learnEvent struct {
	Peer    uint16
	SrcPort bool
}

func TestWDSPolicyAndLearning(t *testing.T) {
	var learned []learnEvent
	h := newHarness(t, harnessConfig{hooks: rx.DefaultHooks{
		Learn: func(p *peer.Peer, _ *rx.Frame, srcPort bool) {
			learned = append(learned, learnEvent{p.ID, srcPort})
		},
	}})
	h.peers.Vdev(1).WDS = true
	fourAddr := hal.TLVToDS | hal.TLVFromDS
	h.receive(
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(1), TLVFlags: fourAddr},
		simdev.Frame{
			PeerID: 1, VdevID: 1, Payload: ipv4(2),
			TLVFlags: fourAddr | hal.TLVAD4Valid,
		},
		simdev.Frame{
			PeerID: 2, VdevID: 1, Payload: ipv4(3),
			MSDUFlags: hal.MSDUDAIsValid | hal.MSDUSAIsValid,
		},
	)
	require.Equal(t, uint32(3), h.eng.Process(10))
	require.Len(t, h.sink.batches, 2)
	h.requireCounters(map[string]uint64{"reaped": 3, "to_stack": 2, "policy_check_drop": 1})
	require.Equal(t, []learnEvent{{1, false}, {1, true}}, learned)
	h.checkInvariants()
}

func TestMeshFilter(t *testing.T) {
	var learned int
	h := newHarness(t, harnessConfig{hooks: rx.DefaultHooks{
		Learn: func(*peer.Peer, *rx.Frame, bool) { learned++ },
	}})
	v := h.peers.Vdev(2)
	v.Mesh = true
	v.MeshRxFilter = peer.MeshDropMcast
	h.receive(
		simdev.Frame{PeerID: 4, VdevID: 2, Payload: ipv4(1), MSDUFlags: hal.MSDUDAIsMCBC},
		simdev.Frame{PeerID: 4, VdevID: 2, Payload: ipv4(2)},
	)
	require.Equal(t, uint32(2), h.eng.Process(10))
	require.Equal(t, payloads(ipv4(2)), h.sink.batches[0].Payloads)
	h.requireCounters(map[string]uint64{"reaped": 2, "to_stack": 1, "mesh_filter": 1})
	require.Zero(t, learned)
	withPeer(h, 4, func(p *peer.Peer) {
		require.Equal(t, uint64(1), p.Stats.MeshFiltered.Load())
	})
	h.checkInvariants()
}

func TestIntraBSS(t *testing.T) {
	var forwarded []string
	h := newHarness(t, harnessConfig{hooks: rx.DefaultHooks{
		Forward: func(_ *peer.Vdev, _ *peer.Peer, f *rx.Frame) bool {
			forwarded = append(forwarded, string(f.Bytes()))
			f.Free()
			return true
		},
	}})
	h.peers.Vdev(1).APBridge = true
	h.receive(
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(1), MSDUFlags: hal.MSDUDAIsValid},
		simdev.Frame{
			PeerID: 1, VdevID: 1, Payload: ipv4(2),
			MSDUFlags: hal.MSDUDAIsValid | hal.MSDUDAIsMCBC,
		},
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(3)},
	)
	require.Equal(t, uint32(3), h.eng.Process(10))
	require.Equal(t, payloads(ipv4(1)), forwarded)
	require.Equal(t, payloads(ipv4(2), ipv4(3)), h.sink.batches[0].Payloads)
	h.requireCounters(map[string]uint64{"reaped": 3, "to_stack": 2, "intrabss": 1})
	h.checkInvariants()
}

func TestCaptureOffload(t *testing.T) {
	tap := &recordingTap{}
	h := newHarness(t, harnessConfig{tap: tap})
	h.receive(
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(1)},
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(2), Offload: true},
		simdev.Frame{PeerID: 99, VdevID: 1, Payload: ipv4(3), Offload: true},
	)
	require.Equal(t, uint32(3), h.eng.Process(10))
	require.Equal(t, payloads(ipv4(1), ipv4(2)), tap.captured)
	require.Equal(t, 1, tap.noPeer)
	require.Equal(t, payloads(ipv4(1)), h.sink.batches[0].Payloads)
	require.Empty(t, h.sink.noPeer)
	h.requireCounters(map[string]uint64{"reaped": 3, "to_stack": 2, "capture_offload": 2})
	h.checkInvariants()
}

func TestFrameMeta(t *testing.T) {
	h := newHarness(t, harnessConfig{conf: rx.Config{ProcessRxStatus: true}})
	h.peers.Vdev(1).HLOSTIDOverride = true
	withPeer(h, 1, func(p *peer.Peer) { p.SetInTWT(true) })
	h.receive(simdev.Frame{
		PeerID: 1, VdevID: 1, TID: 5, Payload: ipv4(1), L3Pad: 2,
		TLVFlags: hal.TLVIPCsumOK | hal.TLVProtoTagValid | hal.TLVFlowTagValid,
		ProtoTag: 0x42, FlowTag: 0xbeef,
	})
	require.Equal(t, uint32(1), h.eng.Process(10))
	require.Equal(t, payloads(ipv4(1)), h.sink.batches[0].Payloads)

	m := h.sink.batches[0].Metas[0]
	require.Equal(t, uint8(5), m.TID)
	require.True(t, m.HasPriority)
	require.Equal(t, uint8(5), m.Priority)
	require.True(t, m.CsumIPValid)
	require.False(t, m.CsumL4Valid)
	require.Equal(t, uint16(0x42), m.ProtoTag)
	require.Equal(t, uint32(0xbeef), m.FlowTag)
	require.Equal(t, "reo0", m.Ring)
	withPeer(h, 1, func(p *peer.Peer) {
		require.Equal(t, uint64(1), p.Stats.ToStackTWT.Load())
	})
	h.checkInvariants()
}

func TestFragment(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.receive(simdev.Frame{
		PeerID: 1, VdevID: 1, Payload: ipv4(1),
		MPDUFlags: hal.MPDUFragment,
		MSDUFlags: hal.MSDUDAIsValid,
		TLVFlags:  hal.TLVDAIsMCBC,
	})
	require.Equal(t, uint32(1), h.eng.Process(10))
	require.Equal(t, payloads(ipv4(1)), h.sink.batches[0].Payloads)
	m := h.sink.batches[0].Metas[0]
	require.NotZero(t, m.MSDUFlags&hal.MSDUDAIsMCBC)
	require.Zero(t, m.MSDUFlags&hal.MSDUDAIsValid)
	h.requireCounters(map[string]uint64{"reaped": 1, "to_stack": 1, "frag_pull": 1})
	h.checkInvariants()
}

func TestDeletedVdev(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	require.True(t, h.peers.DeleteVdev(2))
	h.receive(
		simdev.Frame{PeerID: 4, VdevID: 2, Payload: ipv4(1)},
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(2)},
	)
	require.Equal(t, uint32(2), h.eng.Process(10))
	require.Len(t, h.sink.batches, 1)
	require.Equal(t, payloads(ipv4(2)), h.sink.batches[0].Payloads)
	h.requireCounters(map[string]uint64{"reaped": 2, "to_stack": 1, "invalid_vdev": 1})
	h.checkInvariants()
}

func TestBatchFollowsPeerVdev(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	// Peer 1 lives on vdev 1 whatever the completions say.
	h.receive(
		simdev.Frame{PeerID: 1, VdevID: 2, Payload: ipv4(1)},
		simdev.Frame{PeerID: 1, VdevID: 2, Payload: ipv4(2)},
		simdev.Frame{PeerID: 1, VdevID: 1, Payload: ipv4(3)},
	)
	require.Equal(t, uint32(3), h.eng.Process(10))
	require.Len(t, h.sink.batches, 1)
	require.Equal(t, uint8(1), h.sink.batches[0].Vdev)
	require.Equal(t, payloads(ipv4(1), ipv4(2), ipv4(3)), h.sink.batches[0].Payloads)
	h.checkInvariants()
}
