package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/ratelimit"
	"github.com/romshark/rxpath/simdev"
)

const (
	ethLen = 14
	ipLen  = 20
	udpLen = 8

	minFrameSize = ethLen + ipLen + udpLen + 4
)

var (
	srcMAC   = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	dstMAC   = [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	mcastMAC = [6]byte{0x01, 0x00, 0x5e, 0x00, 0x00, 0x01}
	srcIP    = [4]byte{10, 0, 0, 2}
	dstIP    = [4]byte{10, 0, 0, 1}
	mcastIP  = [4]byte{239, 0, 0, 1}
)

func ipChecksum(buf []byte) uint16 {
	var sum uint32
	for len(buf) > 1 {
		sum += uint32(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
	}
	if len(buf) > 0 {
		sum += uint32(buf[0]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// buildUDPFrame writes an ethernet/IPv4/UDP frame of size bytes carrying
// seq into buf and returns it.
func buildUDPFrame(buf []byte, mcast bool, seq uint32, size int) []byte {
	size = max(size, minFrameSize)
	buf = buf[:size]
	payloadLen := size - (ethLen + ipLen + udpLen)

	dst, dip := dstMAC, dstIP
	if mcast {
		dst, dip = mcastMAC, mcastIP
	}
	copy(buf[0:6], dst[:])
	copy(buf[6:12], srcMAC[:])
	buf[12], buf[13] = 0x08, 0x00

	ip := buf[ethLen:]
	clear(ip[:ipLen])
	ip[0] = 0x45
	binary.BigEndian.PutUint16(ip[2:], uint16(ipLen+udpLen+payloadLen))
	ip[8], ip[9] = 64, 17
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dip[:])
	binary.BigEndian.PutUint16(ip[10:], ipChecksum(ip[:ipLen]))

	udp := ip[ipLen:]
	binary.BigEndian.PutUint16(udp[0:], 40000)
	binary.BigEndian.PutUint16(udp[2:], 9)
	binary.BigEndian.PutUint16(udp[4:], uint16(udpLen+payloadLen))
	binary.BigEndian.PutUint16(udp[6:], 0)

	binary.BigEndian.PutUint32(udp[udpLen:], seq)
	return buf
}

// unknownPeer is a peer ID no configuration uses.
const unknownPeer = 0xfff

// mix decides the shape of every generated frame.
type mix struct {
	conf      TrafficConfig
	peers     []PeerConfig
	scatterSz int
	buf       []byte
	seq       uint32
}

func newMix(conf TrafficConfig, peers []PeerConfig, payloadRoom int) *mix {
	scatterSz := max(conf.FrameSize, 2*payloadRoom+payloadRoom/2)
	return &mix{
		conf:      conf,
		peers:     peers,
		scatterSz: scatterSz,
		buf:       make([]byte, max(conf.FrameSize, scatterSz)),
	}
}

func every(n, seq uint64) bool { return n != 0 && seq%n == n-1 }

// next returns the frame for sequence number seq. The payload is only
// valid until the next call.
func (m *mix) next() simdev.Frame {
	seq := uint64(m.seq)
	m.seq++

	p := m.peers[seq%uint64(len(m.peers))]
	f := simdev.Frame{PeerID: p.ID, VdevID: p.Vdev, TID: uint8(seq % 8)}
	if every(m.conf.UnknownPeerEvery, seq) {
		f.PeerID = unknownPeer
	}
	size := m.conf.FrameSize
	if every(m.conf.ScatterEvery, seq) {
		size = m.scatterSz
		if m.conf.RawScatter {
			f.MPDUFlags |= hal.MPDURawAMPDU
		}
	}
	mcast := every(m.conf.McastEvery, seq)
	if mcast {
		f.MSDUFlags |= hal.MSDUDAIsMCBC
	}
	f.Payload = buildUDPFrame(m.buf, mcast, uint32(seq), size)
	return f
}

// simRing is a simulated device feeding one ring.
type simRing struct {
	name string
	dev  *simdev.Device
	mix  *mix
	// pending holds a frame the device had no room for.
	pending *simdev.Frame
	batched int
}

type genStats struct {
	Frames       atomic.Uint64
	Bytes        atomic.Uint64
	Backpressure atomic.Uint64
}

// generate feeds frames into every ring round-robin until count frames
// were generated (unbounded when 0) or ctx is canceled.
func generate(
	ctx context.Context,
	rings []*simRing,
	conf *Config,
	stats *genStats,
) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	throttle := ratelimit.New(conf.Rate)
	flushAll := func() {
		for _, r := range rings {
			if r.batched > 0 {
				r.dev.Flush(false)
				r.batched = 0
			}
		}
	}
	defer flushAll()

	for ctx.Err() == nil {
		progress := false
		for _, r := range rings {
			if conf.Count != 0 && stats.Frames.Load() >= conf.Count {
				return nil
			}
			if r.pending == nil {
				f := r.mix.next()
				r.pending = &f
			}
			err := r.dev.Receive(*r.pending)
			switch {
			case err == nil:
				stats.Frames.Add(1)
				stats.Bytes.Add(uint64(len(r.pending.Payload)))
				r.pending = nil
				progress = true
				throttle.ThrottleN(1)
				if r.batched++; r.batched >= conf.Traffic.BatchSize {
					r.dev.Flush(false)
					r.batched = 0
				}
			case errors.Is(err, simdev.ErrNoBuffers), errors.Is(err, hal.ErrRingFull):
				stats.Backpressure.Add(1)
			default:
				return fmt.Errorf("ring %s: %w", r.name, err)
			}
		}
		if !progress {
			// Every ring is waiting on its engine.
			flushAll()
			time.Sleep(50 * time.Microsecond)
		}
	}
	return nil
}
