//go:build linux

// Package afxdp runs the receive engine on a real NIC through AF_XDP.
// Interface owns the XDP program and the XSKMAP redirecting every RX queue
// to its socket. Socket is an RX-only AF_XDP socket bound to one queue
// whose rings are exposed through the hal interfaces:
//
//   - RX ring: completions, consumed as a hal.Ring (RXRing).
//   - FQ ring: UMEM addresses handed to the kernel, a hal.RefillRing
//     (FillRing).
//   - UMEM: the buffer memory, an nbuf.Allocator and nbuf.Mapper.
package afxdp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"
)

var (
	ErrXSKSMapNotFound   = errors.New("xsks_map not found")
	ErrNumFramesTooSmall = errors.New("NumFrames must be >= 2 * FillSize")
	ErrRegionIsEmpty     = errors.New("ring region is empty")
	ErrFrameSize         = errors.New("frame size must be a power of two >= 2048")
	ErrHeadroom          = errors.New("packet headroom does not fit the TLV header")
	ErrUnknownAddr       = errors.New("address outside of UMEM")
)

const (
	// xdpPacketHeadroom is XDP_PACKET_HEADROOM: the kernel places received
	// data this far into a chunk, after the UMEM headroom.
	xdpPacketHeadroom = 256
	// xdpPass is the XDP_PASS action.
	xdpPass = 2
)

// InterfaceConfig controls how AF_XDP is attached to a network interface.
type InterfaceConfig struct {
	PreferZerocopy bool
	// MaxQueues sizes the XSKMAP. Defaults to the highest RX queue id + 1.
	MaxQueues uint32
}

// Interface represents a NIC with an XDP program attached for AF_XDP use.
// It owns the XDP program and eBPF objects and can create AF_XDP sockets
// bound to individual hardware queues.
type Interface struct {
	ifaceName      string
	ifaceIndex     int
	preferZerocopy bool

	link    link.Link
	xsksMap *ebpf.Map
	prog    *ebpf.Program
}

// MakeInterface attaches the XDP program to the given interface name
// and returns an Interface handle that can open AF_XDP sockets on its queues.
func MakeInterface(iface string, conf InterfaceConfig) (*Interface, error) {
	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("getting interface: %w", err)
	}
	i := &Interface{
		ifaceName:      iface,
		ifaceIndex:     netIf.Index,
		preferZerocopy: conf.PreferZerocopy,
	}

	maxQueues := conf.MaxQueues
	if maxQueues == 0 {
		ids, err := i.RXQueueIDs()
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			maxQueues = max(maxQueues, id+1)
		}
		maxQueues = max(maxQueues, 1)
	}

	if err := i.attachXDP(maxQueues); err != nil {
		_ = i.Close()
		return nil, fmt.Errorf("attaching XDP program: %w", err)
	}
	return i, nil
}

// Info returns the interface name and kernel index.
func (i *Interface) Info() (name string, index int) { return i.ifaceName, i.ifaceIndex }

// RXQueueIDs returns the list of RX queue IDs available on the interface,
// sorted in ascending order inspecting /sys/class/net/<iface>/queues.
func (i *Interface) RXQueueIDs() (ids []uint32, err error) {
	path := "/sys/class/net/" + i.ifaceName + "/queues"
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	for _, e := range entries {
		if idStr, ok := strings.CutPrefix(e.Name(), "rx-"); ok {
			id, err := strconv.Atoi(idStr)
			if err != nil {
				return nil, fmt.Errorf("parsing entry %q: %w", idStr, err)
			}
			ids = append(ids, uint32(id))
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// Close detaches the XDP program from the interface and frees the eBPF
// resources owned by this Interface. Sockets must be closed separately.
func (i *Interface) Close() error {
	var errs []error
	if i.link != nil {
		if err := i.link.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP link: %w", err))
		}
		i.link = nil
	}
	if i.prog != nil {
		if err := i.prog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing XDP program: %w", err))
		}
		i.prog = nil
	}
	if i.xsksMap != nil {
		if err := i.xsksMap.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing xsks_map: %w", err))
		}
		i.xsksMap = nil
	}
	return errors.Join(errs...)
}

// xdpProgram redirects every frame to the socket registered for its RX
// queue and passes it to the stack when there is none:
//
//	return bpf_redirect_map(&xsks_map, ctx->rx_queue_index, XDP_PASS);
func xdpProgram(xsksMap *ebpf.Map) asm.Instructions {
	return asm.Instructions{
		// struct xdp_md: rx_queue_index is at offset 16.
		asm.LoadMem(asm.R2, asm.R1, 16, asm.Word),
		asm.LoadMapPtr(asm.R1, xsksMap.FD()),
		asm.Mov.Imm(asm.R3, xdpPass),
		asm.FnRedirectMap.Call(),
		asm.Return(),
	}
}

// attachXDP creates the XSKMAP, loads the redirect program and attaches
// it to the interface. Driver mode is requested for zero-copy.
func (i *Interface) attachXDP(maxQueues uint32) error {
	m, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: maxQueues,
	})
	if err != nil {
		return fmt.Errorf("creating xsks_map: %w", err)
	}
	i.xsksMap = m

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "xdp_sock_prog",
		Type:         ebpf.XDP,
		License:      "GPL",
		Instructions: xdpProgram(m),
	})
	if err != nil {
		return fmt.Errorf("loading XDP program: %w", err)
	}
	i.prog = prog

	opts := link.XDPOptions{
		Program:   prog,
		Interface: i.ifaceIndex,
	}
	if i.preferZerocopy {
		opts.Flags = link.XDPDriverMode
	}
	l, err := link.AttachXDP(opts)
	if err != nil {
		return err
	}
	i.link = l
	return nil
}

// registerXSK registers the socket FD in the xsks_map for the given queue.
func (i *Interface) registerXSK(fd int, queue uint32) error {
	if i.xsksMap == nil {
		return ErrXSKSMapNotFound
	}
	return i.xsksMap.Update(queue, uint32(fd), ebpf.UpdateAny)
}

/*---- Syscall helpers ----*/

func rawBind(fd int, sa *unix.RawSockaddrXDP) error {
	_, _, e := unix.Syscall(unix.SYS_BIND,
		uintptr(fd),
		uintptr(unsafe.Pointer(sa)),
		unsafe.Sizeof(*sa),
	)
	if e != 0 {
		return e
	}
	return nil
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd),
		uintptr(level),
		uintptr(name),
		uintptr(val),
		uintptr(unsafe.Pointer(&l)),
		0,
	)
	if e != 0 {
		return e
	}
	return nil
}

// mmapRegion maps one of the socket's rings.
func mmapRegion(fd int, length uintptr, offset int64) ([]byte, error) {
	return unix.Mmap(fd, offset, int(length),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
}

// mmapUmem maps an anonymous, page-backed region for UMEM.
func mmapUmem(length uintptr) ([]byte, error) {
	return unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
}

// wakeupRx kicks the kernel to pick up fill ring entries. AF_XDP treats a
// zero-length recvfrom as the doorbell when XDP_USE_NEED_WAKEUP is set.
func wakeupRx(fd int) error {
	_, _, err := unix.Recvfrom(fd, nil, unix.MSG_DONTWAIT)
	if err == unix.EAGAIN || err == unix.EBUSY {
		// Backpressure, the kernel is already busy with the ring.
		return nil
	}
	return err
}
