// Package desc implements software receive descriptors, the cookie index
// that maps hardware cookies back to them and the per-pool free lists.
//
// Every buffer posted to hardware is bound to a Descriptor. Hardware echoes
// the descriptor's Cookie in the completion slot; the Table resolves it back
// in O(1) by two-level array indexing. Cookies carry a posting generation so
// that a completion referring to an earlier posting of the same descriptor is
// detected as stale instead of being mistaken for the current one.
package desc

import (
	"errors"
	"fmt"

	"github.com/romshark/rxpath/nbuf"
)

var (
	ErrInvalidCookie = errors.New("invalid cookie")
	ErrStaleCookie   = errors.New("stale cookie")
	ErrTableFull     = errors.New("descriptor table is full")
	ErrPoolExhausted = errors.New("descriptor pool exhausted")
	ErrNotInUse      = errors.New("descriptor not in use")
	ErrInUse         = errors.New("descriptor in use")
	ErrPoolBusy      = errors.New("pool has descriptors in use")
	ErrWrongPool     = errors.New("descriptor belongs to a different pool")
)

const (
	// SlotBits is the number of cookie bits addressing an entry in a page.
	SlotBits = 9
	// PageEntries is the number of descriptors one table page indexes.
	PageEntries = 1 << SlotBits
	// PageBits is the number of cookie bits addressing a page.
	PageBits = 11
	// MaxPages is the maximum number of pages a Table can hold.
	MaxPages = 1 << PageBits
	// GenBits is the number of cookie bits carrying the posting generation.
	GenBits = 12

	indexBits = SlotBits + PageBits
	indexMask = 1<<indexBits - 1
	genMask   = 1<<GenBits - 1
)

// Magic tags a live descriptor. A descriptor whose Magic differs was
// overwritten by something else.
const Magic uint32 = 0xdecaf00d

// Cookie is the opaque value hardware carries for a posted buffer:
//
//	| gen (12) | page (11) | slot (9) |
type Cookie uint32

// MakeCookie builds a generation-zero cookie addressing page/slot.
func MakeCookie(page, slot uint32) Cookie {
	return Cookie((page&(MaxPages-1))<<SlotBits | slot&(PageEntries-1))
}

func (c Cookie) Page() uint32 { return uint32(c>>SlotBits) & (MaxPages - 1) }
func (c Cookie) Slot() uint32 { return uint32(c) & (PageEntries - 1) }
func (c Cookie) Gen() uint16  { return uint16(c>>indexBits) & genMask }

// Index strips the generation.
func (c Cookie) Index() Cookie { return c & indexMask }

// WithGen returns c tagged with generation g.
func (c Cookie) WithGen(g uint16) Cookie {
	return c.Index() | Cookie(g&genMask)<<indexBits
}

func (c Cookie) String() string {
	return fmt.Sprintf("%d:%d@%d", c.Page(), c.Slot(), c.Gen())
}

// Descriptor binds one hardware buffer to its pool.
//
// InUse is true exactly while the buffer is posted to hardware and not yet
// reaped. All mutation happens through the owning Pool under its lock,
// except InErrState which the ring consumer sets on integrity failures.
type Descriptor struct {
	// Cookie is assigned at registration and never changes.
	Cookie Cookie
	PoolID uint8
	Magic  uint32

	InUse      bool
	Unmapped   bool
	InErrState bool

	gen  uint16
	buf  *nbuf.Buffer
	next *Descriptor
}

// PostedCookie returns the cookie of the current posting, the value
// hardware is expected to hand back on completion.
func (d *Descriptor) PostedCookie() Cookie { return d.Cookie.WithGen(d.gen) }

// Buffer returns the attached buffer, nil when the descriptor is free.
func (d *Descriptor) Buffer() *nbuf.Buffer { return d.buf }

// CheckMagic reports whether the descriptor still carries its tag.
func (d *Descriptor) CheckMagic() bool { return d.Magic == Magic }

// CheckStale validates a descriptor resolved by hardware cookie conversion
// against the cookie in the completion slot.
func CheckStale(d *Descriptor, c Cookie) error {
	if d == nil || d.Cookie != c.Index() {
		return ErrInvalidCookie
	}
	if d.gen != c.Gen() {
		return ErrStaleCookie
	}
	return nil
}
