// Package peer keeps the directory of virtual devices and the remote
// stations (peers) associated to them. The receive path acquires a peer
// reference per frame batch and releases it once the batch is delivered.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrExists      = errors.New("already exists")
	ErrUnknownVdev = errors.New("unknown vdev")
)

// Vdev is a virtual interface frames are delivered on.
type Vdev struct {
	ID uint8
	// Multipass enables VLAN tagging per peer group.
	Multipass bool
	// Mesh enables the mesh receive filter.
	Mesh bool
	// APBridge enables intra-BSS forwarding between peers of the vdev.
	APBridge bool
	// WDS enables the 4-address source port policy.
	WDS bool
	// Raw is set when the vdev receives raw 802.11 frames.
	Raw bool
	// HLOSTIDOverride makes the stack's TID win over the hardware queue.
	HLOSTIDOverride bool
	// MeshRxFilter selects frames a mesh vdev drops.
	MeshRxFilter MeshRxFilter

	deleted atomic.Bool
}

// Deleted reports whether the vdev was removed from its directory. Peers
// still attached to it receive nothing.
func (v *Vdev) Deleted() bool { return v.deleted.Load() }

// MeshRxFilter is a set of mesh receive drop rules.
type MeshRxFilter uint8

const (
	MeshDropUcast MeshRxFilter = 1 << iota
	MeshDropMcast
	MeshDropToDS
	MeshDropFromDS
)

// Stats are per-peer receive counters.
type Stats struct {
	ToStack        atomic.Uint64
	ToStackBytes   atomic.Uint64
	ToStackTWT     atomic.Uint64
	Raw            atomic.Uint64
	IntraBSS       atomic.Uint64
	NAWDSMcastDrop atomic.Uint64
	MultipassDrop  atomic.Uint64
	PolicyDrop     atomic.Uint64
	UnauthDrop     atomic.Uint64
	MeshFiltered   atomic.Uint64
}

// StatsSnapshot is a plain copy of Stats.
type StatsSnapshot struct {
	ToStack, ToStackBytes, ToStackTWT, Raw, IntraBSS      uint64
	NAWDSMcastDrop, MultipassDrop, PolicyDrop, UnauthDrop uint64
	MeshFiltered                                          uint64
}

func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		ToStack:        s.ToStack.Load(),
		ToStackBytes:   s.ToStackBytes.Load(),
		ToStackTWT:     s.ToStackTWT.Load(),
		Raw:            s.Raw.Load(),
		IntraBSS:       s.IntraBSS.Load(),
		NAWDSMcastDrop: s.NAWDSMcastDrop.Load(),
		MultipassDrop:  s.MultipassDrop.Load(),
		PolicyDrop:     s.PolicyDrop.Load(),
		UnauthDrop:     s.UnauthDrop.Load(),
		MeshFiltered:   s.MeshFiltered.Load(),
	}
}

// Peer is a remote station.
type Peer struct {
	ID   uint16
	Vdev *Vdev
	// NAWDS marks a statically configured 4-address peer.
	NAWDS bool
	// VLANID is the multipass group of the peer; 0 means none.
	VLANID uint16

	Stats Stats

	authorized atomic.Bool
	inTWT      atomic.Bool
	refs       atomic.Int32
	deleted    atomic.Bool
}

func (p *Peer) Authorized() bool     { return p.authorized.Load() }
func (p *Peer) SetAuthorized(v bool) { p.authorized.Store(v) }
func (p *Peer) InTWT() bool          { return p.inTWT.Load() }
func (p *Peer) SetInTWT(v bool)      { p.inTWT.Store(v) }
func (p *Peer) Refs() int            { return int(p.refs.Load()) }
func (p *Peer) String() string       { return fmt.Sprintf("peer %d/vdev %d", p.ID, p.Vdev.ID) }

// Directory maps ids to vdevs and peers.
type Directory struct {
	lock  sync.RWMutex
	vdevs map[uint8]*Vdev
	peers map[uint16]*Peer
}

func NewDirectory() *Directory {
	return &Directory{
		vdevs: make(map[uint8]*Vdev),
		peers: make(map[uint16]*Peer),
	}
}

func (d *Directory) AddVdev(v *Vdev) error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.vdevs[v.ID]; ok {
		return fmt.Errorf("vdev %d: %w", v.ID, ErrExists)
	}
	d.vdevs[v.ID] = v
	return nil
}

// Vdev returns the vdev with the given id or nil.
func (d *Directory) Vdev(id uint8) *Vdev {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.vdevs[id]
}

// AddPeer registers a peer on vdev vdevID.
func (d *Directory) AddPeer(id uint16, vdevID uint8, opts ...func(*Peer)) (*Peer, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	v, ok := d.vdevs[vdevID]
	if !ok {
		return nil, fmt.Errorf("peer %d: vdev %d: %w", id, vdevID, ErrUnknownVdev)
	}
	if _, ok := d.peers[id]; ok {
		return nil, fmt.Errorf("peer %d: %w", id, ErrExists)
	}
	p := &Peer{ID: id, Vdev: v}
	for _, o := range opts {
		o(p)
	}
	d.peers[id] = p
	return p, nil
}

// Authorized marks a new peer as authorized.
func Authorized(p *Peer) { p.authorized.Store(true) }

// Lookup returns the peer with a reference held, or nil. Every non-nil
// result must be handed back to Release.
func (d *Directory) Lookup(id uint16) *Peer {
	d.lock.RLock()
	defer d.lock.RUnlock()
	p, ok := d.peers[id]
	if !ok || p.deleted.Load() {
		return nil
	}
	p.refs.Add(1)
	return p
}

// Release drops a reference taken by Lookup.
func (d *Directory) Release(p *Peer) {
	if n := p.refs.Add(-1); n < 0 {
		panic(fmt.Errorf("%s: reference count underflow", p))
	}
}

// DeletePeer removes a peer from the directory. References already held
// stay valid until released.
func (d *Directory) DeletePeer(id uint16) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	p, ok := d.peers[id]
	if !ok {
		return false
	}
	p.deleted.Store(true)
	delete(d.peers, id)
	return true
}

// DeleteVdev removes a vdev from the directory. Its peers stay registered
// until deleted but no longer have a vdev to deliver on.
func (d *Directory) DeleteVdev(id uint8) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	v, ok := d.vdevs[id]
	if !ok {
		return false
	}
	v.deleted.Store(true)
	delete(d.vdevs, id)
	return true
}
