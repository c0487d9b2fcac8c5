//go:build linux

package afxdp

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/nbuf"
	"github.com/romshark/rxpath/peer"
	"github.com/romshark/rxpath/rx"
	"github.com/romshark/rxpath/rxstat"
)

const frameSize = 2048

func TestUMEM(t *testing.T) {
	_, err := NewUMEM(make([]byte, 4*frameSize), 3000)
	require.ErrorIs(t, err, ErrFrameSize)

	mem := make([]byte, 4*frameSize)
	u, err := NewUMEM(mem, frameSize)
	require.NoError(t, err)
	require.Equal(t, 4, u.Frames())

	var bufs []*nbuf.Buffer
	for i := range 4 {
		b := u.Alloc(frameSize)
		require.NotNil(t, b)
		require.Equal(t, frameSize, b.Cap())
		addr, err := u.Map(b)
		require.NoError(t, err)
		require.Equal(t, uint64(i*frameSize), addr)
		bufs = append(bufs, b)
	}
	require.Nil(t, u.Alloc(frameSize))
	require.Nil(t, u.Alloc(frameSize+1))
	require.Equal(t, 4, u.Mapped())

	_, err = u.Map(bufs[0])
	require.ErrorIs(t, err, nbuf.ErrAlreadyMapped)
	require.NoError(t, u.Unmap(bufs[0]))
	require.ErrorIs(t, u.Unmap(bufs[0]), nbuf.ErrNotMapped)
	bufs[0].Free()
	// Freeing a mapped buffer drops its mapping too.
	bufs[1].Free()
	require.Equal(t, 2, u.Mapped())
	require.Equal(t, 2, u.FreeFrames())

	// The most recently freed chunk is handed out first.
	require.Same(t, bufs[1], u.Alloc(frameSize))

	require.Panics(t, func() { u.Free(nbuf.New(make([]byte, frameSize), u)) })
}

// kernel plays the kernel side of an RX/FQ ring pair.
type kernel struct {
	t    *testing.T
	mem  []byte
	rx   *hal.Queue[unix.XDPDesc]
	fill *hal.Queue[uint64]
}

type rig struct {
	k      *kernel
	umem   *UMEM
	rx     *RXRing
	fill   *FillRing
	table  *desc.Table
	pool   *desc.Pool
	peers  *peer.Directory
	eng    *rx.Engine
	frames [][]byte
	metas  []rx.Meta
}

func (r *rig) Deliver(_ *peer.Vdev, _ *peer.Peer, batch []*rx.Frame) {
	for _, f := range batch {
		r.frames = append(r.frames, append([]byte(nil), f.Bytes()...))
		r.metas = append(r.metas, f.Meta)
		f.Free()
	}
}

func newRig(t *testing.T, convert bool) *rig {
	t.Helper()
	const ringSize = 8

	mem := make([]byte, 2*ringSize*frameSize)
	u, err := NewUMEM(mem, frameSize)
	require.NoError(t, err)

	var rxProd, rxCons, fqProd, fqCons uint32
	rxEntries := make([]unix.XDPDesc, ringSize)
	fqEntries := make([]uint64, ringSize)

	r := &rig{umem: u, table: desc.NewTable(0), peers: peer.NewDirectory()}
	conf := RingConfig{TLVSize: 128, PeerID: 1, VdevID: 1, TID: 3}
	if convert {
		conf.Table = r.table
	}
	r.rx, r.fill, err = newRings(conf, u,
		ringMem[unix.XDPDesc]{prod: &rxProd, cons: &rxCons, entries: rxEntries},
		ringMem[uint64]{prod: &fqProd, cons: &fqCons, entries: fqEntries},
	)
	require.NoError(t, err)

	r.k = &kernel{t: t, mem: mem}
	r.k.rx, err = hal.NewQueue(&rxProd, &rxCons, rxEntries)
	require.NoError(t, err)
	r.k.fill, err = hal.NewQueue(&fqProd, &fqCons, fqEntries)
	require.NoError(t, err)

	r.pool, err = desc.NewPool(desc.PoolConfig{Size: ringSize, BufferSize: frameSize}, r.table)
	require.NoError(t, err)
	require.NoError(t, r.peers.AddVdev(&peer.Vdev{ID: 1}))
	_, err = r.peers.AddPeer(1, 1, peer.Authorized)
	require.NoError(t, err)

	r.eng, err = rx.NewEngine("xsk0", rx.Config{TLVSize: 128, BufferSize: frameSize}, rx.Deps{
		Ring:   r.rx,
		Table:  r.table,
		Mapper: u,
		Pools:  []*rx.Replenisher{rx.NewReplenisher(r.pool, r.fill, u, u)},
		Peers:  r.peers,
		Sink:   r,
	})
	require.NoError(t, err)
	n, err := r.eng.Prime()
	require.NoError(t, err)
	require.Equal(t, ringSize, n)
	return r
}

// receive takes a chunk from the fill ring, writes payload behind the
// packet headroom and reports it on the RX ring.
func (k *kernel) receive(payload []byte) {
	k.t.Helper()
	require.NotZero(k.t, k.fill.Available(), "fill ring empty")
	chunk := *k.fill.At()
	k.fill.Consume()
	k.fill.Release()
	copy(k.mem[chunk+xdpPacketHeadroom:], payload)
	k.send(unix.XDPDesc{Addr: chunk + xdpPacketHeadroom, Len: uint32(len(payload))})
}

func (k *kernel) send(d unix.XDPDesc) {
	idx, ok := k.rx.Reserve(1)
	require.True(k.t, ok, "rx ring full")
	k.rx.Set(idx, d)
	k.rx.Commit()
}

func frame(dst byte, tag byte) []byte {
	b := make([]byte, 60)
	b[0] = dst
	b[12], b[13] = 0x08, 0x00
	for i := 14; i < len(b); i++ {
		b[i] = tag
	}
	return b
}

func TestEngineOverRings(t *testing.T) {
	for _, convert := range []bool{false, true} {
		r := newRig(t, convert)
		require.Equal(t, convert, r.rx.Caps().HWCookieConversion)

		for i := range 20 {
			r.k.receive(frame(0x02, byte(i)))
			require.Equal(t, uint32(1), r.eng.Process(64))
		}
		mcast := frame(0x01, 0xff)
		r.k.receive(mcast)
		r.k.receive(frame(0x02, 0xee))
		require.Equal(t, uint32(2), r.eng.Process(64))

		require.Len(t, r.frames, 22)
		for i := range 20 {
			require.Equal(t, frame(0x02, byte(i)), r.frames[i])
		}
		require.Equal(t, mcast, r.frames[20])
		require.NotZero(t, r.metas[20].MSDUFlags&hal.MSDUDAIsMCBC)
		require.Zero(t, r.metas[21].MSDUFlags&hal.MSDUDAIsMCBC)
		require.Equal(t, uint8(3), r.metas[0].TID)
		require.Equal(t, uint16(60), r.metas[0].MSDULen)

		require.NoError(t, r.pool.Check())
		_, inUse := r.pool.Counts()
		require.Equal(t, 8, inUse)
		require.Equal(t, 8, r.umem.Mapped())
		require.Equal(t, r.umem.Frames()-8, r.umem.FreeFrames())
	}
}

func TestUnknownAddress(t *testing.T) {
	for _, convert := range []bool{false, true} {
		r := newRig(t, convert)
		r.k.send(unix.XDPDesc{Addr: uint64(r.umem.Frames()) * frameSize, Len: 60})
		r.k.receive(frame(0x02, 1))

		require.Equal(t, uint32(1), r.eng.Process(64))
		require.Len(t, r.frames, 1)
		require.Equal(t, uint64(1), r.eng.Stats().Get(rxstat.InvalidCookie))
	}
}

func TestFillRingRejectsForeignAddress(t *testing.T) {
	r := newRig(t, false)
	err := r.fill.Post(hal.RefillEntry{Addr: uint64(r.umem.Frames()) * frameSize})
	require.ErrorIs(t, err, ErrUnknownAddr)
	// Primed full.
	require.ErrorIs(t, r.fill.Post(hal.RefillEntry{}), hal.ErrRingFull)
}

func TestNewRingsHeadroom(t *testing.T) {
	u, err := NewUMEM(make([]byte, 2*frameSize), frameSize)
	require.NoError(t, err)
	var p, c uint32
	_, _, err = newRings(RingConfig{TLVSize: xdpPacketHeadroom + 1}, u,
		ringMem[unix.XDPDesc]{prod: &p, cons: &c, entries: make([]unix.XDPDesc, 2)},
		ringMem[uint64]{prod: &p, cons: &c, entries: make([]uint64, 2)},
	)
	require.ErrorIs(t, err, ErrHeadroom)
}
