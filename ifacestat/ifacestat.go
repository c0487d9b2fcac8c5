// Package ifacestat reads the kernel's per-interface receive counters so
// tools can report what the NIC saw next to what the engine delivered.
package ifacestat

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

type Counter int

const (
	RxPackets Counter = iota
	RxBytes
	RxDropped
	RxErrors
	RxMissed
)

// All lists every counter in print order.
var All = []Counter{RxPackets, RxBytes, RxDropped, RxErrors, RxMissed}

// String returns the counter's file name under statistics/.
func (c Counter) String() string {
	switch c {
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case RxDropped:
		return "rx_dropped"
	case RxErrors:
		return "rx_errors"
	case RxMissed:
		return "rx_missed_errors"
	}
	return ""
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// SysfsRoot is where interface directories live.
var SysfsRoot = "/sys/class/net"

// Snapshot reads counters of every interface in ifaces. Counters the
// driver does not expose read as zero.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	if len(counters) == 0 {
		counters = All
	}
	s := make(Stats)
	for _, iface := range ifaces {
		vals, err := readIface(iface, counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func readIface(name string, counters []Counter) (IfaceStats, error) {
	dir := filepath.Join(SysfsRoot, name, "statistics")
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	found := make(IfaceStats, len(counters))
	for _, ctr := range counters {
		b, err := os.ReadFile(filepath.Join(dir, ctr.String()))
		if errors.Is(err, fs.ErrNotExist) {
			found[ctr] = 0
			continue
		} else if err != nil {
			return nil, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", ctr, err)
		}
		found[ctr] = v
	}
	return found, nil
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		if alias, ok := aliases[iface]; ok {
			if _, err := fmt.Fprintf(w, "%s (%s):\n", iface, alias); err != nil {
				return err
			}
		} else if _, err := fmt.Fprintf(w, "%s :\n", iface); err != nil {
			return err
		}

		rxBytes := stats[RxBytes]
		if _, err := fmt.Fprintf(w, "  RX      %-12d  ≈ %-8s (%s)\n",
			stats[RxPackets], humanize.Bytes(rxBytes), humanize.Comma(int64(rxBytes)),
		); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "  dropped %-12s  errors %s  missed %s\n",
			humanize.Comma(int64(stats[RxDropped])),
			humanize.Comma(int64(stats[RxErrors])),
			humanize.Comma(int64(stats[RxMissed])),
		); err != nil {
			return err
		}
	}

	return nil
}
