package hal_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/hal"
)

func TestPeerMeta(t *testing.T) {
	m := hal.MakePeerMeta(0xbeef, 7, true)
	require.Equal(t, uint16(0xbeef), m.PeerID())
	require.Equal(t, uint8(7), m.VdevID())
	require.True(t, m.Offload())

	m = hal.MakePeerMeta(1, 255, false)
	require.Equal(t, uint8(255), m.VdevID())
	require.False(t, m.Offload())
}

func TestTLV(t *testing.T) {
	in := hal.RxTLV{
		Flags:    hal.TLVMSDUDone | hal.TLVIPCsumOK | hal.TLVFlowTagValid,
		L3Pad:    2,
		ProtoTag: 0x1234,
		MSDULen:  1500,
		FlowTag:  0xdeadbeef,
	}
	b := make([]byte, 32)
	for i := range b {
		b[i] = 0xff
	}
	require.NoError(t, in.Encode(b))
	require.Equal(t, byte(0xff), b[hal.MinTLVSize])

	out, err := hal.DecodeTLV(b)
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.True(t, out.Has(hal.TLVMSDUDone))
	require.False(t, out.Has(hal.TLVL4CsumOK))

	_, err = hal.DecodeTLV(b[:hal.MinTLVSize-1])
	require.ErrorIs(t, err, hal.ErrShortTLV)
	require.ErrorIs(t, in.Encode(b[:4]), hal.ErrShortTLV)
}

func TestQueueSize(t *testing.T) {
	var p, c uint32
	_, err := hal.NewQueue(&p, &c, make([]int, 3))
	require.ErrorIs(t, err, hal.ErrRingSize)
	_, err = hal.NewQueue(&p, &c, []int(nil))
	require.ErrorIs(t, err, hal.ErrRingSize)
}

func TestSoftRing(t *testing.T) {
	r, err := hal.NewSoftRing(4, hal.Caps{})
	require.NoError(t, err)
	require.Equal(t, uint32(4), r.Size())

	for i := range 4 {
		require.NoError(t, r.Push(hal.Slot{Cookie: desc.MakeCookie(0, uint32(i))}))
	}
	require.ErrorIs(t, r.Push(hal.Slot{}), hal.ErrRingFull)

	// Unpublished slots are invisible.
	require.NoError(t, r.AccessStart())
	_, ok := r.Peek()
	require.False(t, ok)
	r.AccessEnd()

	r.Flush()
	require.Equal(t, uint32(4), r.NearFullLevel())

	require.NoError(t, r.AccessStart())
	require.Equal(t, uint32(4), r.NumValid())
	for i := range 2 {
		s, ok := r.Peek()
		require.True(t, ok)
		require.Equal(t, uint32(i), s.Cookie.Slot())
		r.Advance()
	}
	// Consumed but not yet released.
	require.Equal(t, uint32(4), r.NearFullLevel())
	require.Equal(t, uint32(0), r.Room())
	r.AccessEnd()
	require.Equal(t, uint32(2), r.NearFullLevel())
	require.Equal(t, uint32(2), r.Room())

	require.NoError(t, r.Wait(0))

	r.FailAccess(1)
	require.ErrorIs(t, r.AccessStart(), hal.ErrAccessFailed)
	require.NoError(t, r.AccessStart())
	r.AccessEnd()
}

func TestSoftRefillRing(t *testing.T) {
	r, err := hal.NewSoftRefillRing(2)
	require.NoError(t, err)
	require.Equal(t, uint32(2), r.Free())

	require.NoError(t, r.Post(hal.RefillEntry{Cookie: 1, Addr: 0x1000}))
	require.NoError(t, r.Post(hal.RefillEntry{Cookie: 2, Addr: 0x2000}))
	require.ErrorIs(t, r.Post(hal.RefillEntry{}), hal.ErrRingFull)

	_, ok := r.Take()
	require.False(t, ok, "nothing committed yet")

	r.Commit()
	require.Equal(t, uint32(2), r.Posted())
	e, ok := r.Take()
	require.True(t, ok)
	require.Equal(t, hal.RefillEntry{Cookie: 1, Addr: 0x1000}, e)
	require.Equal(t, uint32(1), r.Free())
}

func TestRefillRingFreeSeesConsumer(t *testing.T) {
	r, err := hal.NewSoftRefillRing(4)
	require.NoError(t, err)
	require.NoError(t, r.Post(hal.RefillEntry{Cookie: 1}))
	require.NoError(t, r.Post(hal.RefillEntry{Cookie: 2}))
	r.Commit()
	require.Equal(t, uint32(2), r.Free())

	// The device took both entries; the producer must see all of the ring
	// as free again even though its cached view still had room.
	for range 2 {
		_, ok := r.Take()
		require.True(t, ok)
	}
	require.Equal(t, uint32(4), r.Free())
}

func TestSoftRingRewrite(t *testing.T) {
	r, err := hal.NewSoftRing(4, hal.Caps{})
	require.NoError(t, err)
	require.NoError(t, r.Push(hal.Slot{Cookie: 1, Invalidated: true}))
	r.Flush()

	require.NoError(t, r.AccessStart())
	s, ok := r.Peek()
	require.True(t, ok)
	require.True(t, s.Invalidated)
	r.AccessEnd()

	r.Rewrite(func(s *hal.Slot) { s.Invalidated = false })
	require.NoError(t, r.AccessStart())
	s, ok = r.Peek()
	require.True(t, ok)
	require.False(t, s.Invalidated)
	require.Equal(t, desc.Cookie(1), s.Cookie)
	r.AccessEnd()
}
