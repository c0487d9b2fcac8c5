//go:build linux

package afxdp

import (
	"errors"
	"fmt"
	"net"
	"unsafe"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"
)

const (
	DefaultNumFrames = 4096
	DefaultFrameSize = 2048
	DefaultRxSize    = 2048
	DefaultFillSize  = 2048
	DefaultTLVSize   = 128
	// The completion ring only serves TX, which a receive socket does
	// not do, but the kernel refuses to bind a UMEM without one.
	completionRingSize = 64
)

type SocketConfig struct {
	// QueueID identifies the NIC RX queue to bind to.
	QueueID uint32
	// NumFrames is the total number of UMEM frames allocated. Frames
	// held by the stack after delivery count against it, so it must
	// exceed FillSize.
	NumFrames uint32
	// FrameSize defines the size of each UMEM frame in bytes.
	FrameSize uint32
	// RxSize sets the number of descriptors in the RX ring.
	RxSize uint32
	// FillSize sets the number of entries in the fill ring.
	FillSize uint32
	// Ring configures how completions are presented.
	Ring RingConfig
}

func (c *SocketConfig) ValidateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.RxSize == 0 {
		c.RxSize = DefaultRxSize
	}
	if c.FillSize == 0 {
		c.FillSize = DefaultFillSize
	}
	if c.Ring.TLVSize == 0 {
		c.Ring.TLVSize = DefaultTLVSize
	}
	if c.FrameSize < 2048 || c.FrameSize&(c.FrameSize-1) != 0 {
		return ErrFrameSize
	}
	if c.NumFrames < 2*c.FillSize {
		return ErrNumFramesTooSmall
	}
	return nil
}

// Socket is an RX-only AF_XDP socket bound to one queue.
//
// WARNING: Socket is not safe for concurrent use. Its rings are meant to
// be serviced by a single receive engine.
type Socket struct {
	conf       SocketConfig
	isZerocopy bool

	fd int

	mem  []byte
	umem *UMEM
	rx   *RXRing
	fill *FillRing

	rxRegion []byte
	fqRegion []byte
	cqRegion []byte
}

// Open creates and initializes an AF_XDP socket.
// It allocates UMEM, maps rings, binds to the target NIC queue and
// registers the socket in xsks_map. The fill ring starts empty: the
// receive engine primes it with buffers it allocates from UMEM.
func (i *Interface) Open(conf SocketConfig) (*Socket, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}

	s := &Socket{conf: conf, fd: -1}
	fail := func(errf string, a ...any) error {
		_ = s.Close()
		return fmt.Errorf(errf, a...)
	}

	iface, err := net.InterfaceByName(i.ifaceName)
	if err != nil {
		return nil, fmt.Errorf("fetching iface info by name: %w", err)
	}

	if s.fd, err = unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0); err != nil {
		return nil, fail("opening AF_XDP socket: %w", err)
	}

	// UMEM registration.
	umemLen := uintptr(conf.NumFrames) * uintptr(conf.FrameSize)
	if s.mem, err = mmapUmem(umemLen); err != nil {
		return nil, fail("mmap UMEM: %w", err)
	}
	if s.umem, err = NewUMEM(s.mem, conf.FrameSize); err != nil {
		return nil, fail("UMEM: %w", err)
	}
	reg := unix.XDPUmemReg{
		Addr:     uint64(uintptr(unsafe.Pointer(&s.mem[0]))),
		Len:      uint64(len(s.mem)),
		Size:     conf.FrameSize,
		Headroom: 0,
	}
	if err := setsockopt(
		s.fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
		unsafe.Pointer(&reg), unsafe.Sizeof(reg),
	); err != nil {
		return nil, fail("setsockopt XDP_UMEM_REG: %w", err)
	}

	fillSize, compSize, rxSize := conf.FillSize, uint32(completionRingSize), conf.RxSize
	for _, o := range []struct {
		name string
		opt  int
		val  *uint32
	}{
		{"XDP_UMEM_FILL_RING", unix.XDP_UMEM_FILL_RING, &fillSize},
		{"XDP_UMEM_COMPLETION_RING", unix.XDP_UMEM_COMPLETION_RING, &compSize},
		{"XDP_RX_RING", unix.XDP_RX_RING, &rxSize},
	} {
		if err := setsockopt(
			s.fd, unix.SOL_XDP, o.opt,
			unsafe.Pointer(o.val), unsafe.Sizeof(*o.val),
		); err != nil {
			return nil, fail("setsockopt %s: %w", o.name, err)
		}
	}

	var offs unix.XDPMmapOffsets
	if err := getsockopt(
		s.fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs),
	); err != nil {
		return nil, fail("getsockopt XDP_MMAP_OFFSETS: %w", err)
	}

	rxLen := uintptr(offs.Rx.Desc) + uintptr(conf.RxSize)*unsafe.Sizeof(unix.XDPDesc{})
	if s.rxRegion, err = mmapRegion(s.fd, rxLen, unix.XDP_PGOFF_RX_RING); err != nil {
		return nil, fail("mmap RX ring: %w", err)
	}
	fqLen := uintptr(offs.Fr.Desc) + uintptr(conf.FillSize)*unsafe.Sizeof(uint64(0))
	if s.fqRegion, err = mmapRegion(s.fd, fqLen, unix.XDP_UMEM_PGOFF_FILL_RING); err != nil {
		return nil, fail("mmap FQ ring: %w", err)
	}
	cqLen := uintptr(offs.Cr.Desc) + uintptr(completionRingSize)*unsafe.Sizeof(uint64(0))
	if s.cqRegion, err = mmapRegion(
		s.fd, cqLen, unix.XDP_UMEM_PGOFF_COMPLETION_RING,
	); err != nil {
		return nil, fail("mmap CQ ring: %w", err)
	}

	rxMem, err := mapRing[unix.XDPDesc](s.rxRegion, offs.Rx, conf.RxSize)
	if err != nil {
		return nil, fail("RX ring: %w", err)
	}
	fqMem, err := mapRing[uint64](s.fqRegion, offs.Fr, conf.FillSize)
	if err != nil {
		return nil, fail("FQ ring: %w", err)
	}
	if s.rx, s.fill, err = newRings(conf.Ring, s.umem, rxMem, fqMem); err != nil {
		return nil, fail("making rings: %w", err)
	}
	s.rx.wait = s.Wait
	s.fill.kick = func() error { return wakeupRx(s.fd) }

	// Bind AF_XDP socket to iface:queue.
	sa := &unix.RawSockaddrXDP{
		Family:   unix.AF_XDP,
		Ifindex:  uint32(iface.Index),
		Queue_id: conf.QueueID,
	}
	zerocopy := i.preferZerocopy
	if zerocopy {
		sa.Flags = unix.XDP_ZEROCOPY | unix.XDP_USE_NEED_WAKEUP
	} else {
		sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
	}
	err = rawBind(s.fd, sa)
	if err != nil && zerocopy {
		// Zero-copy is not supported on every queue; fall back to copy mode.
		var errno unix.Errno
		if errors.As(err, &errno) &&
			(errno == unix.EPROTONOSUPPORT || errno == unix.EOPNOTSUPP) {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			zerocopy = false
			err = rawBind(s.fd, sa)
		}
	}
	if err != nil {
		return nil, fail("binding socket: %w", err)
	}
	s.isZerocopy = zerocopy

	if err := i.registerXSK(s.fd, conf.QueueID); err != nil {
		return nil, fail("registering XSK: %w", err)
	}

	glog.Infof("afxdp %s/%d: %d frames of %d bytes, rx %d, fill %d, zerocopy %t",
		i.ifaceName, conf.QueueID, conf.NumFrames, conf.FrameSize,
		conf.RxSize, conf.FillSize, zerocopy)
	return s, nil
}

// mapRing locates a ring's indices and entries inside its mmap region.
func mapRing[T any](region []byte, off unix.XDPRingOffset, size uint32) (ringMem[T], error) {
	if len(region) == 0 {
		return ringMem[T]{}, ErrRegionIsEmpty
	}
	base := unsafe.Pointer(&region[0])
	return ringMem[T]{
		prod:    (*uint32)(unsafe.Add(base, off.Producer)),
		cons:    (*uint32)(unsafe.Add(base, off.Consumer)),
		flags:   (*uint32)(unsafe.Add(base, off.Flags)),
		entries: unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size),
	}, nil
}

// IsZerocopy reports whether the socket is operating in zero-copy mode.
// May return false even if PreferZerocopy was true because the queue may
// not support XDP_ZEROCOPY and the socket fell back to XDP_COPY.
func (s *Socket) IsZerocopy() bool { return s.isZerocopy }

func (s *Socket) QueueID() uint32     { return s.conf.QueueID }
func (s *Socket) Ring() *RXRing       { return s.rx }
func (s *Socket) FillRing() *FillRing { return s.fill }
func (s *Socket) UMEM() *UMEM         { return s.umem }

// Close releases the socket, UMEM and kernel resources. Buffers handed
// out from UMEM must not be used afterwards.
func (s *Socket) Close() error {
	var errs []error

	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing fd: %w", err))
		}
		s.fd = -1
	}
	for _, r := range []*[]byte{&s.rxRegion, &s.fqRegion, &s.cqRegion, &s.mem} {
		if *r == nil {
			continue
		}
		if err := unix.Munmap(*r); err != nil {
			errs = append(errs, err)
		}
		*r = nil
	}
	return errors.Join(errs...)
}

// Wait blocks until the AF_XDP socket becomes readable or the timeout expires.
// Returns nil when the socket becomes readable OR when the timeout expires.
// Returns a non-nil error only for real system call failures.
func (s *Socket) Wait(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(s.fd),
			Events: unix.POLLIN,
		}}, timeoutMS)
		if err == nil {
			return nil
		}
		// EINTR is never surfaced: profilers, debuggers and timers deliver
		// signals all the time.
		if err == unix.EINTR {
			continue
		}
		return err
	}
}
