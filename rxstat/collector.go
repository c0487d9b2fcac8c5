package rxstat

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the counters of registered rings as
// <namespace>_ring_events_total{ring, counter}.
type Collector struct {
	desc *prometheus.Desc

	lock  sync.RWMutex
	rings map[string]*Counters
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(namespace string) *Collector {
	return &Collector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ring", "events_total"),
			"Receive ring events by counter.",
			[]string{"ring", "counter"}, nil,
		),
		rings: make(map[string]*Counters),
	}
}

// Add registers the counters of a ring.
func (c *Collector) Add(ring string, ctrs *Counters) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.rings[ring] = ctrs
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	for ring, ctrs := range c.rings {
		s := ctrs.Snapshot()
		for i, v := range s {
			ch <- prometheus.MustNewConstMetric(
				c.desc, prometheus.CounterValue, float64(v),
				ring, Counter(i).String(),
			)
		}
	}
}
