// Package rxstat holds the per-ring receive counters, snapshots of them and
// their export to Prometheus.
package rxstat

import (
	"fmt"
	"io"
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	Reaped Counter = iota
	HALReoError
	InvalidCookie
	StaleCookie
	DescSanityFail
	HALReoDestDup
	NbufSanityFail
	InvalidMagic
	ScatterWaitBreak
	RingAccessFail
	RawFrameDrop
	InvalidVdev
	MSDUDoneFail
	ScatterMSDU
	ScatterIncomplete
	FragPull
	PolicyDrop
	NAWDSMcastDrop
	MultipassDrop
	UnauthDrop
	MeshFilter
	IntraBSS
	ToStack
	ToStackBytes
	NoPeer
	CaptureOffload
	HPOOS2
	NearFull
	Replenished
	ReplenishShortfall
	RefillRingFull
	Yield

	numCounters
)

var names = [numCounters]string{
	Reaped:             "reaped",
	HALReoError:        "hal_reo_error",
	InvalidCookie:      "invalid_cookie",
	StaleCookie:        "stale_cookie",
	DescSanityFail:     "rx_desc_sanity_fail",
	HALReoDestDup:      "hal_reo_dest_dup",
	NbufSanityFail:     "nbuf_sanity_fail",
	InvalidMagic:       "rx_desc_invalid_magic",
	ScatterWaitBreak:   "msdu_scatter_wait_break",
	RingAccessFail:     "hal_ring_access_fail",
	RawFrameDrop:       "raw_frm_drop",
	InvalidVdev:        "invalid_vdev",
	MSDUDoneFail:       "msdu_done_fail",
	ScatterMSDU:        "scatter_msdu",
	ScatterIncomplete:  "scatter_incomplete",
	FragPull:           "frag_pull",
	PolicyDrop:         "policy_check_drop",
	NAWDSMcastDrop:     "nawds_mcast_drop",
	MultipassDrop:      "multipass_rx_pkt_drop",
	UnauthDrop:         "peer_unauth_rx_pkt_drop",
	MeshFilter:         "mesh_filter",
	IntraBSS:           "intrabss",
	ToStack:            "to_stack",
	ToStackBytes:       "to_stack_bytes",
	NoPeer:             "no_peer",
	CaptureOffload:     "capture_offload",
	HPOOS2:             "hp_oos2",
	NearFull:           "near_full",
	Replenished:        "replenished",
	ReplenishShortfall: "replenish_shortfall",
	RefillRingFull:     "refill_ring_full",
	Yield:              "yield",
}

func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return fmt.Sprintf("counter(%d)", int(c))
	}
	return names[c]
}

// All returns every counter in declaration order.
func All() []Counter {
	out := make([]Counter, numCounters)
	for i := range out {
		out[i] = Counter(i)
	}
	return out
}

// Counters is one ring's counter set. A ring has a single writer; readers
// may snapshot concurrently.
type Counters struct {
	v [numCounters]atomic.Uint64
}

func (c *Counters) Inc(ctr Counter)           { c.v[ctr].Add(1) }
func (c *Counters) Add(ctr Counter, n uint64) { c.v[ctr].Add(n) }
func (c *Counters) Get(ctr Counter) uint64    { return c.v[ctr].Load() }

// Snapshot is a point-in-time copy of Counters.
type Snapshot [numCounters]uint64

func (c *Counters) Snapshot() Snapshot {
	var s Snapshot
	for i := range s {
		s[i] = c.v[i].Load()
	}
	return s
}

// Since computes s - old.
func (s Snapshot) Since(old Snapshot) Snapshot {
	for i := range s {
		s[i] -= old[i]
	}
	return s
}

// Add sums two snapshots.
func (s Snapshot) Add(o Snapshot) Snapshot {
	for i := range s {
		s[i] += o[i]
	}
	return s
}

// Print writes the non-zero counters of every ring in name order.
func Print(w io.Writer, rings map[string]Snapshot) error {
	names := make([]string, 0, len(rings))
	for name := range rings {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		s := rings[name]
		if _, err := fmt.Fprintf(w, "%s:\n", name); err != nil {
			return err
		}
		for i, v := range s {
			if v == 0 {
				continue
			}
			ctr := Counter(i)
			line := fmt.Sprintf("  %-26s %s", ctr, humanize.Comma(int64(v)))
			if ctr == ToStackBytes {
				line += fmt.Sprintf("  ≈ %s", humanize.Bytes(v))
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
	}
	return nil
}
