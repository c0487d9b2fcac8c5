package desc

import (
	"sync"
)

// entry stores a descriptor together with the identity it was registered
// under: owning pool and cookie index.
type entry struct {
	desc *Descriptor
	tag  uint32
}

type page struct {
	entries [PageEntries]entry
	used    int
	owner   uint8
}

// Table is the cookie index. Pages are allocated per pool so that a page
// never mixes descriptors of different pools.
//
// Registration and unregistration are serialized by an internal lock and
// must complete before any ring starts resolving cookies; Resolve itself
// takes no lock and never allocates.
type Table struct {
	lock  sync.Mutex
	pages []*page
	// open is the page index currently filled per pool, -1 if none.
	open map[uint8]int
	// freePages holds indexes of released pages.
	freePages []int
}

// NewTable creates a table that can grow to maxPages pages
// (MaxPages when maxPages <= 0 or larger).
func NewTable(maxPages int) *Table {
	if maxPages <= 0 || maxPages > MaxPages {
		maxPages = MaxPages
	}
	return &Table{
		pages: make([]*page, maxPages),
		open:  make(map[uint8]int),
	}
}

func tagOf(poolID uint8, c Cookie) uint32 {
	return 1<<31 | uint32(poolID)<<indexBits | uint32(c.Index())
}

// Register assigns d a cookie within a page owned by poolID.
func (t *Table) Register(poolID uint8, d *Descriptor) (Cookie, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	pi, ok := t.open[poolID]
	if !ok || t.pages[pi] == nil || t.pages[pi].owner != poolID ||
		t.pages[pi].used == PageEntries {
		var err error
		if pi, err = t.allocPage(poolID); err != nil {
			return 0, err
		}
		t.open[poolID] = pi
	}

	pg := t.pages[pi]
	for si := range pg.entries {
		if pg.entries[si].desc != nil {
			continue
		}
		c := MakeCookie(uint32(pi), uint32(si))
		pg.entries[si] = entry{desc: d, tag: tagOf(poolID, c)}
		pg.used++
		d.Cookie = c
		d.PoolID = poolID
		return c, nil
	}
	panic("desc: open page has no free entry")
}

func (t *Table) allocPage(owner uint8) (int, error) {
	if n := len(t.freePages); n > 0 {
		pi := t.freePages[n-1]
		t.freePages = t.freePages[:n-1]
		t.pages[pi] = &page{owner: owner}
		return pi, nil
	}
	for pi, pg := range t.pages {
		if pg == nil {
			t.pages[pi] = &page{owner: owner}
			return pi, nil
		}
	}
	return 0, ErrTableFull
}

// Unregister zeroes the entry addressed by c and releases the page once
// it holds no entries.
func (t *Table) Unregister(c Cookie) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	pg, e, err := t.entry(c)
	if err != nil {
		return err
	}
	*e = entry{}
	pg.used--
	if pg.used == 0 {
		pi := int(c.Page())
		t.pages[pi] = nil
		t.freePages = append(t.freePages, pi)
		if t.open[pg.owner] == pi {
			delete(t.open, pg.owner)
		}
	}
	return nil
}

func (t *Table) entry(c Cookie) (*page, *entry, error) {
	pi := int(c.Page())
	if pi >= len(t.pages) {
		return nil, nil, ErrInvalidCookie
	}
	pg := t.pages[pi]
	if pg == nil {
		return nil, nil, ErrInvalidCookie
	}
	e := &pg.entries[c.Slot()]
	if e.desc == nil {
		return nil, nil, ErrInvalidCookie
	}
	// The descriptor must still carry the identity it was registered with.
	if e.tag != tagOf(pg.owner, c) || e.tag != tagOf(e.desc.PoolID, e.desc.Cookie) {
		return nil, nil, ErrInvalidCookie
	}
	return pg, e, nil
}

// Resolve maps a cookie from a completion slot to its descriptor.
// It fails with ErrInvalidCookie when the page or slot is out of range or
// the stored identity does not match, and with ErrStaleCookie when the
// cookie belongs to an earlier posting of the descriptor.
func (t *Table) Resolve(c Cookie) (*Descriptor, error) {
	_, e, err := t.entry(c)
	if err != nil {
		return nil, err
	}
	if e.desc.gen != c.Gen() {
		return nil, ErrStaleCookie
	}
	return e.desc, nil
}

// Pages returns the number of allocated pages.
func (t *Table) Pages() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := 0
	for _, pg := range t.pages {
		if pg != nil {
			n++
		}
	}
	return n
}
