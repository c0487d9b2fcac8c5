package rxstat_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/romshark/rxpath/rxstat"
)

func TestCounterNames(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range rxstat.All() {
		name := c.String()
		require.NotEmpty(t, name, "counter %d", int(c))
		require.False(t, seen[name], "duplicate name %q", name)
		seen[name] = true
	}
	require.Equal(t, "stale_cookie", rxstat.StaleCookie.String())
	require.Equal(t, "counter(-1)", rxstat.Counter(-1).String())
}

func TestSnapshotAndPrint(t *testing.T) {
	var c rxstat.Counters
	c.Inc(rxstat.ToStack)
	before := c.Snapshot()
	c.Add(rxstat.ToStack, 1233)
	c.Add(rxstat.ToStackBytes, 2048)
	c.Inc(rxstat.HPOOS2)

	d := c.Snapshot().Since(before)
	require.Equal(t, uint64(1233), d[rxstat.ToStack])
	require.Equal(t, uint64(1), d[rxstat.HPOOS2])
	require.Zero(t, d[rxstat.StaleCookie])
	require.Equal(t, uint64(1234), d.Add(before)[rxstat.ToStack])

	var out bytes.Buffer
	require.NoError(t, rxstat.Print(&out, map[string]rxstat.Snapshot{
		"ring1": d,
		"ring0": {},
	}))
	s := out.String()
	require.Less(t, strings.Index(s, "ring0:"), strings.Index(s, "ring1:"))
	require.Contains(t, s, "1,233")
	require.Contains(t, s, "2.0 kB")
	require.NotContains(t, s, "stale_cookie")
}

func TestCollector(t *testing.T) {
	var c0, c1 rxstat.Counters
	c0.Add(rxstat.Reaped, 5)
	c1.Inc(rxstat.StaleCookie)

	col := rxstat.NewCollector("rxpath")
	col.Add("r0", &c0)
	col.Add("r1", &c1)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(col))

	n, err := testutil.GatherAndCount(reg, "rxpath_ring_events_total")
	require.NoError(t, err)
	require.Equal(t, 2*len(rxstat.All()), n)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			var ring, ctr string
			for _, l := range m.GetLabel() {
				switch l.GetName() {
				case "ring":
					ring = l.GetValue()
				case "counter":
					ctr = l.GetValue()
				}
			}
			got[ring+"/"+ctr] = m.GetCounter().GetValue()
		}
	}
	require.Equal(t, 5.0, got["r0/reaped"])
	require.Equal(t, 1.0, got["r1/stale_cookie"])
	require.Zero(t, got["r1/reaped"])
}
