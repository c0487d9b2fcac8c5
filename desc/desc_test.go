package desc_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/nbuf"
)

func TestCookieLayout(t *testing.T) {
	c := desc.MakeCookie(3, 17)
	require.Equal(t, uint32(3), c.Page())
	require.Equal(t, uint32(17), c.Slot())
	require.Equal(t, uint16(0), c.Gen())

	g := c.WithGen(4095)
	require.Equal(t, uint16(4095), g.Gen())
	require.Equal(t, c, g.Index())
	require.Equal(t, "3:17@4095", g.String())

	// Generation wraps inside its field.
	require.Equal(t, uint16(1), c.WithGen(4097).Gen())
}

func newPool(t *testing.T, tab *desc.Table, id uint8, size int) *desc.Pool {
	t.Helper()
	p, err := desc.NewPool(desc.PoolConfig{ID: id, Size: size, BufferSize: 2048}, tab)
	require.NoError(t, err)
	return p
}

func TestTableRegisterAcrossPages(t *testing.T) {
	tab := desc.NewTable(0)
	p0 := newPool(t, tab, 0, desc.PageEntries+1)
	p1 := newPool(t, tab, 1, 3)

	// Pool 0 needs two pages, pool 1 gets its own page.
	require.Equal(t, 3, tab.Pages())

	a := nbuf.NewHeapAllocator(0)
	m := nbuf.NewIOMMU(0x1000, 0)

	b := a.Alloc(2048)
	_, err := m.Map(b)
	require.NoError(t, err)
	d, err := p1.Post(b)
	require.NoError(t, err)
	require.Equal(t, uint8(1), d.PoolID)
	require.Equal(t, uint32(2), d.Cookie.Page())

	got, err := tab.Resolve(d.PostedCookie())
	require.NoError(t, err)
	require.Same(t, d, got)

	require.NoError(t, p0.Check())
	require.NoError(t, p1.Check())
}

func TestTableResolveFailures(t *testing.T) {
	tab := desc.NewTable(4)
	p := newPool(t, tab, 0, 2)

	// Page out of range.
	_, err := tab.Resolve(desc.MakeCookie(100, 0))
	require.ErrorIs(t, err, desc.ErrInvalidCookie)
	// Page not allocated.
	_, err = tab.Resolve(desc.MakeCookie(1, 0))
	require.ErrorIs(t, err, desc.ErrInvalidCookie)
	// Slot not registered.
	_, err = tab.Resolve(desc.MakeCookie(0, 5))
	require.ErrorIs(t, err, desc.ErrInvalidCookie)

	a := nbuf.NewHeapAllocator(0)
	d, err := p.Post(a.Alloc(100))
	require.NoError(t, err)

	// Generation of an older posting.
	_, err = tab.Resolve(d.Cookie.WithGen(d.PostedCookie().Gen() - 1))
	require.ErrorIs(t, err, desc.ErrStaleCookie)

	require.NoError(t, desc.CheckStale(d, d.PostedCookie()))
	require.ErrorIs(t, desc.CheckStale(d, d.Cookie), desc.ErrStaleCookie)
	require.ErrorIs(t, desc.CheckStale(nil, d.Cookie), desc.ErrInvalidCookie)
}

func TestTableResolveCorruptedEntry(t *testing.T) {
	tab := desc.NewTable(4)
	p := newPool(t, tab, 3, 2)
	a := nbuf.NewHeapAllocator(0)
	d, err := p.Post(a.Alloc(100))
	require.NoError(t, err)
	c := d.PostedCookie()

	got, err := tab.Resolve(c)
	require.NoError(t, err)
	require.Same(t, d, got)

	// Overwritten cookie.
	d.Cookie = desc.MakeCookie(0, 1)
	_, err = tab.Resolve(c)
	require.ErrorIs(t, err, desc.ErrInvalidCookie)
	d.Cookie = c.Index()

	// Overwritten pool.
	d.PoolID = 4
	_, err = tab.Resolve(c)
	require.ErrorIs(t, err, desc.ErrInvalidCookie)
	d.PoolID = 3

	got, err = tab.Resolve(c)
	require.NoError(t, err)
	require.Same(t, d, got)
}

func TestTableFull(t *testing.T) {
	tab := desc.NewTable(1)
	newPool(t, tab, 0, desc.PageEntries)
	_, err := desc.NewPool(desc.PoolConfig{ID: 1, Size: 1, BufferSize: 64}, tab)
	require.ErrorIs(t, err, desc.ErrTableFull)
}

func TestPoolPostReap(t *testing.T) {
	tab := desc.NewTable(0)
	p := newPool(t, tab, 0, 4)
	a := nbuf.NewHeapAllocator(0)
	m := nbuf.NewIOMMU(0x1000, 0)

	var posted []*desc.Descriptor
	for range 4 {
		b := a.Alloc(2048)
		_, err := m.Map(b)
		require.NoError(t, err)
		d, err := p.Post(b)
		require.NoError(t, err)
		require.True(t, d.InUse)
		require.False(t, d.Unmapped)
		posted = append(posted, d)
		require.NoError(t, p.Check())
	}
	_, err := p.Post(a.Alloc(2048))
	require.ErrorIs(t, err, desc.ErrPoolExhausted)

	free, inUse := p.Counts()
	require.Equal(t, 0, free)
	require.Equal(t, 4, inUse)

	b, err := p.Reap(posted[0], m)
	require.NoError(t, err)
	require.NotNil(t, b)
	require.False(t, b.Mapped())
	require.True(t, posted[0].Unmapped)
	require.False(t, posted[0].InUse)
	require.Nil(t, posted[0].Buffer())
	require.NoError(t, p.Check())

	// A second reap of the same posting is detected and changes nothing.
	_, err = p.Reap(posted[0], m)
	require.ErrorIs(t, err, desc.ErrNotInUse)
	free, inUse = p.Counts()
	require.Equal(t, 1, free)
	require.Equal(t, 3, inUse)

	// Reposting bumps the generation: the old cookie is now stale.
	old := posted[0].PostedCookie()
	d, err := p.Post(a.Alloc(2048))
	require.NoError(t, err)
	require.Same(t, posted[0], d)
	_, err = tab.Resolve(old)
	require.ErrorIs(t, err, desc.ErrStaleCookie)

	require.ErrorIs(t, p.Close(), desc.ErrPoolBusy)
	bufs := p.Reclaim(m)
	require.Len(t, bufs, 4)
	require.Equal(t, 0, m.Len())
	require.NoError(t, p.Check())

	require.NoError(t, p.Close())
	require.Equal(t, 0, tab.Pages())
	_, err = tab.Resolve(d.PostedCookie())
	require.ErrorIs(t, err, desc.ErrInvalidCookie)
}

func TestPoolUnpostAndHook(t *testing.T) {
	var mapped, unmapped int
	tab := desc.NewTable(0)
	p, err := desc.NewPool(desc.PoolConfig{
		ID: 2, Size: 1, BufferSize: 64,
		MappingHook: func(b *nbuf.Buffer, m bool) {
			if m {
				mapped++
			} else {
				unmapped++
			}
		},
	}, tab)
	require.NoError(t, err)

	b := nbuf.New(make([]byte, 64), nil)
	d, err := p.Post(b)
	require.NoError(t, err)
	got, err := p.Unpost(d)
	require.NoError(t, err)
	require.Same(t, b, got)
	require.Equal(t, 1, mapped)
	require.Equal(t, 1, unmapped)

	_, err = p.Unpost(d)
	require.ErrorIs(t, err, desc.ErrNotInUse)
	require.NoError(t, p.Check())
}
