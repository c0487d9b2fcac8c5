package rx_test

import (
	"encoding/binary"
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/nbuf"
	"github.com/romshark/rxpath/peer"
	"github.com/romshark/rxpath/rx"
	"github.com/romshark/rxpath/rxstat"
	"github.com/romshark/rxpath/simdev"
)

const (
	tlvSize = 128
	bufSize = 2048
	room    = bufSize - tlvSize
)

type delivery struct {
	Vdev     uint8
	Peer     uint16
	Payloads []string
	Metas    []rx.Meta
}

type recordingSink struct {
	batches []delivery
	noPeer  []string
}

func (s *recordingSink) Deliver(v *peer.Vdev, p *peer.Peer, batch []*rx.Frame) {
	d := delivery{Vdev: v.ID, Peer: p.ID}
	for _, f := range batch {
		d.Payloads = append(d.Payloads, string(f.Bytes()))
		d.Metas = append(d.Metas, f.Meta)
		f.Free()
	}
	s.batches = append(s.batches, d)
}

func (s *recordingSink) DeliverNoPeer(batch []*rx.Frame) {
	for _, f := range batch {
		s.noPeer = append(s.noPeer, string(f.Bytes()))
		f.Free()
	}
}

// stackOnly has no no-peer path.
type stackOnly struct{ rec *recordingSink }

func (s stackOnly) Deliver(v *peer.Vdev, p *peer.Peer, batch []*rx.Frame) {
	s.rec.Deliver(v, p, batch)
}

type harnessConfig struct {
	caps       hal.Caps
	ringSize   uint32
	poolSize   int
	allocLimit int
	conf       rx.Config
	noNoPeer   bool
	hooks      rx.Hooks
	tap        rx.CaptureTap
}

type harness struct {
	t      *testing.T
	table  *desc.Table
	iommu  *nbuf.IOMMU
	alloc  *nbuf.HeapAllocator
	pool   *desc.Pool
	repl   *rx.Replenisher
	refill *hal.SoftRefillRing
	ring   *hal.SoftRing
	dev    *simdev.Device
	peers  *peer.Directory
	sink   *recordingSink
	eng    *rx.Engine
	fatals []*rx.FatalError
}

// Peers of the harness: 1 and 2 authorized on vdev 1, 3 unauthorized on
// vdev 1, 4 authorized on vdev 2.
func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	if hc.ringSize == 0 {
		hc.ringSize = 64
	}
	if hc.poolSize == 0 {
		hc.poolSize = 64
	}
	h := &harness{
		t:     t,
		table: desc.NewTable(0),
		iommu: nbuf.NewIOMMU(0x100000, 0),
		alloc: nbuf.NewHeapAllocator(hc.allocLimit),
		peers: peer.NewDirectory(),
		sink:  &recordingSink{},
	}
	var err error
	h.pool, err = desc.NewPool(desc.PoolConfig{ID: 0, Size: hc.poolSize, BufferSize: bufSize}, h.table)
	require.NoError(t, err)
	h.refill, err = hal.NewSoftRefillRing(hc.ringSize)
	require.NoError(t, err)
	h.ring, err = hal.NewSoftRing(hc.ringSize, hc.caps)
	require.NoError(t, err)
	h.dev, err = simdev.New(simdev.Config{TLVSize: tlvSize, BufferSize: bufSize},
		h.ring, h.refill, h.iommu, h.table)
	require.NoError(t, err)

	require.NoError(t, h.peers.AddVdev(&peer.Vdev{ID: 1}))
	require.NoError(t, h.peers.AddVdev(&peer.Vdev{ID: 2}))
	for _, p := range []struct {
		id   uint16
		vdev uint8
		auth bool
	}{{1, 1, true}, {2, 1, true}, {3, 1, false}, {4, 2, true}} {
		_, err := h.peers.AddPeer(p.id, p.vdev, func(pr *peer.Peer) { pr.SetAuthorized(p.auth) })
		require.NoError(t, err)
	}

	conf := hc.conf
	conf.TLVSize, conf.BufferSize = tlvSize, bufSize
	conf.Escalate = func(err *rx.FatalError) { h.fatals = append(h.fatals, err) }

	h.repl = rx.NewReplenisher(h.pool, h.refill, h.alloc, h.iommu)

	var sink rx.Sink = h.sink
	if hc.noNoPeer {
		sink = stackOnly{h.sink}
	}
	h.eng, err = rx.NewEngine("reo0", conf, rx.Deps{
		Ring:   h.ring,
		Table:  h.table,
		Mapper: h.iommu,
		Pools:  []*rx.Replenisher{h.repl},
		Peers:  h.peers,
		Sink:   sink,
		Tap:    hc.tap,
		Hooks:  hc.hooks,
	})
	require.NoError(t, err)

	n, err := h.eng.Prime()
	require.NoError(t, err)
	require.Equal(t, min(hc.poolSize, int(hc.ringSize)), n)
	return h
}

func (h *harness) receive(frames ...simdev.Frame) {
	h.t.Helper()
	for _, f := range frames {
		require.NoError(h.t, h.dev.Receive(f))
	}
	h.dev.Flush(false)
}

// checkInvariants verifies pool accounting and that no buffer leaked:
// every allocated buffer is either posted or held by a descriptor.
func (h *harness) checkInvariants() {
	h.t.Helper()
	require.NoError(h.t, h.pool.Check())
	_, inUse := h.pool.Counts()
	require.Equal(h.t, inUse, h.alloc.Outstanding())
	require.Equal(h.t, inUse, h.iommu.Len())
}

// counters returns the non-zero ring counters minus those every test
// touches.
func (h *harness) counters() map[string]uint64 {
	out := map[string]uint64{}
	s := h.eng.Stats().Snapshot()
	for _, c := range rxstat.All() {
		switch c {
		case rxstat.Replenished, rxstat.ToStackBytes:
			continue
		}
		if v := s[c]; v != 0 {
			out[c.String()] = v
		}
	}
	return out
}

func (h *harness) requireCounters(want map[string]uint64) {
	h.t.Helper()
	if diff := pretty.Compare(want, h.counters()); diff != "" {
		h.t.Fatalf("counters (-want +got):\n%s", diff)
	}
}

func ethFrame(etherType uint16, tag byte, n int) []byte {
	b := make([]byte, max(n, 14))
	copy(b[0:6], []byte{0x02, 0, 0, 0, 0, 1})
	copy(b[6:12], []byte{0x02, 0, 0, 0, 0, 2})
	binary.BigEndian.PutUint16(b[12:14], etherType)
	for i := 14; i < len(b); i++ {
		b[i] = tag
	}
	return b
}

func ipv4(tag byte) []byte { return ethFrame(0x0800, tag, 64) }

func payloads(ps ...[]byte) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
