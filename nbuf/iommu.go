package nbuf

import (
	"sync"
)

// IOMMU is a software Mapper that assigns unique device addresses and
// remembers which buffer each address belongs to, the way an IOMMU
// translation table would. Devices resolve DMA targets through Lookup.
type IOMMU struct {
	lock    sync.Mutex
	next    uint64
	align   uint64
	entries map[uint64]*Buffer
}

// NewIOMMU creates a mapper handing out addresses aligned to align bytes
// (64 when zero) starting at base.
func NewIOMMU(base, align uint64) *IOMMU {
	if align == 0 {
		align = 64
	}
	return &IOMMU{
		next:    base,
		align:   align,
		entries: make(map[uint64]*Buffer),
	}
}

// Map implements Mapper.
func (m *IOMMU) Map(b *Buffer) (uint64, error) {
	if b.Mapped() {
		return 0, ErrAlreadyMapped
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	addr := m.next
	size := (uint64(b.Cap()) + m.align - 1) &^ (m.align - 1)
	m.next += size
	m.entries[addr] = b
	b.SetDMA(addr)
	return addr, nil
}

// Unmap implements Mapper.
func (m *IOMMU) Unmap(b *Buffer) error {
	if !b.Mapped() {
		return ErrNotMapped
	}
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.entries[b.DMA()] != b {
		return ErrUnknownAddr
	}
	delete(m.entries, b.DMA())
	b.ClearDMA()
	return nil
}

// Lookup returns the buffer mapped at addr.
func (m *IOMMU) Lookup(addr uint64) (*Buffer, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	b, ok := m.entries[addr]
	if !ok {
		return nil, ErrUnknownAddr
	}
	return b, nil
}

// Len returns the number of live mappings.
func (m *IOMMU) Len() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return len(m.entries)
}
