// Command rxsim runs receive engines against simulated devices and
// reports what they delivered.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/nbuf"
	"github.com/romshark/rxpath/peer"
	"github.com/romshark/rxpath/rx"
	"github.com/romshark/rxpath/rxstat"
	"github.com/romshark/rxpath/simdev"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// countingSink stands in for the network stack.
type countingSink struct {
	frames atomic.Uint64
	bytes  atomic.Uint64
	noPeer atomic.Uint64
}

func (s *countingSink) Deliver(_ *peer.Vdev, _ *peer.Peer, batch []*rx.Frame) {
	var n uint64
	for _, f := range batch {
		n += uint64(f.Len())
		f.Free()
	}
	s.frames.Add(uint64(len(batch)))
	s.bytes.Add(n)
}

func (s *countingSink) DeliverNoPeer(batch []*rx.Frame) {
	for _, f := range batch {
		f.Free()
	}
	s.noPeer.Add(uint64(len(batch)))
}

type simPool struct {
	pool   *desc.Pool
	refill *hal.SoftRefillRing
	alloc  *nbuf.HeapAllocator
	repl   *rx.Replenisher
}

// sim is a fully wired simulation.
type sim struct {
	conf    *Config
	table   *desc.Table
	iommu   *nbuf.IOMMU
	pools   map[uint8]*simPool
	peers   *peer.Directory
	sink    *countingSink
	rings   []*simRing
	engines []*rx.Engine
	fatals  atomic.Uint64
}

func newSim(conf *Config) (*sim, error) {
	s := &sim{
		conf:  conf,
		table: desc.NewTable(0),
		iommu: nbuf.NewIOMMU(0x1000_0000, 0),
		pools: make(map[uint8]*simPool, len(conf.Pools)),
		peers: peer.NewDirectory(),
		sink:  &countingSink{},
	}

	for _, pc := range conf.Pools {
		p := &simPool{alloc: nbuf.NewHeapAllocator(pc.AllocLimit)}
		var err error
		p.pool, err = desc.NewPool(desc.PoolConfig{
			ID:         pc.ID,
			Size:       pc.Size,
			BufferSize: conf.Engine.BufferSize,
		}, s.table)
		if err != nil {
			return nil, err
		}
		if p.refill, err = hal.NewSoftRefillRing(pc.RefillSize); err != nil {
			return nil, fmt.Errorf("pool %d refill ring: %w", pc.ID, err)
		}
		p.repl = rx.NewReplenisher(p.pool, p.refill, p.alloc, s.iommu)
		s.pools[pc.ID] = p
	}

	for _, vc := range conf.Vdevs {
		if err := s.peers.AddVdev(&peer.Vdev{
			ID:              vc.ID,
			Multipass:       vc.Multipass,
			Mesh:            vc.Mesh,
			APBridge:        vc.APBridge,
			WDS:             vc.WDS,
			Raw:             vc.Raw,
			HLOSTIDOverride: vc.HLOSTIDOverride,
		}); err != nil {
			return nil, err
		}
	}
	for _, pc := range conf.Peers {
		if _, err := s.peers.AddPeer(pc.ID, pc.Vdev, func(p *peer.Peer) {
			p.SetAuthorized(pc.Authorized)
			p.VLANID = pc.VLAN
			p.NAWDS = pc.NAWDS
		}); err != nil {
			return nil, err
		}
	}

	engConf := conf.Engine
	engConf.Escalate = func(err *rx.FatalError) {
		s.fatals.Add(1)
		glog.Errorf("%v", err)
	}
	room := conf.Engine.BufferSize - conf.Engine.TLVSize
	for _, rc := range conf.Rings {
		p := s.pools[rc.Pool]
		ring, err := hal.NewSoftRing(rc.Size, hal.Caps{
			HWCookieConversion: rc.HWCookieConversion,
		})
		if err != nil {
			return nil, fmt.Errorf("ring %s: %w", rc.Name, err)
		}
		dev, err := simdev.New(simdev.Config{
			TLVSize:    conf.Engine.TLVSize,
			BufferSize: conf.Engine.BufferSize,
		}, ring, p.refill, s.iommu, s.table)
		if err != nil {
			return nil, err
		}
		eng, err := rx.NewEngine(rc.Name, engConf, rx.Deps{
			Ring:   ring,
			Table:  s.table,
			Mapper: s.iommu,
			Pools:  []*rx.Replenisher{p.repl},
			Peers:  s.peers,
			Sink:   s.sink,
		})
		if err != nil {
			return nil, err
		}
		n, err := eng.Prime()
		if err != nil {
			return nil, fmt.Errorf("priming %s: %w", rc.Name, err)
		}
		glog.Infof("ring %s: %d buffers primed from pool %d", rc.Name, n, rc.Pool)

		s.engines = append(s.engines, eng)
		s.rings = append(s.rings, &simRing{
			name: rc.Name,
			dev:  dev,
			mix:  newMix(conf.Traffic, conf.Peers, room),
		})
	}
	return s, nil
}

func (s *sim) snapshots() map[string]rxstat.Snapshot {
	m := make(map[string]rxstat.Snapshot, len(s.engines))
	for _, e := range s.engines {
		m[e.Name()] = e.Stats().Snapshot()
	}
	return m
}

// settle waits until the engines have reaped every buffer the devices
// completed or stop making progress.
func (s *sim) settle(ctx context.Context, idle time.Duration) {
	var target uint64
	for _, r := range s.rings {
		target += r.dev.Stats().Buffers
	}
	t := time.NewTicker(max(idle, time.Millisecond))
	defer t.Stop()
	var last uint64
	for stalled := 0; stalled < 50; {
		var reaped uint64
		for _, e := range s.engines {
			reaped += e.Stats().Get(rxstat.Reaped)
		}
		if reaped >= target {
			return
		}
		if reaped == last {
			stalled++
		} else {
			stalled = 0
		}
		last = reaped
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// teardown takes back every posted buffer and unregisters the pools.
func (s *sim) teardown() error {
	var errs []error
	for id, p := range s.pools {
		for _, b := range p.pool.Reclaim(s.iommu) {
			b.Free()
		}
		if err := p.pool.Close(); err != nil {
			errs = append(errs, err)
		}
		if n := p.alloc.Outstanding(); n != 0 {
			errs = append(errs, fmt.Errorf("pool %d: %d buffers leaked", id, n))
		}
	}
	return errors.Join(errs...)
}

type Report struct {
	Elapsed      time.Duration
	Generated    uint64
	GenBytes     uint64
	Backpressure uint64
	Delivered    uint64
	DelivBytes   uint64
	NoPeer       uint64
	Fatals       uint64
	Rings        map[string]rxstat.Snapshot
}

// run drives the simulation until conf's count or duration is reached or
// ctx is canceled. Periodic stats go to statsOut.
func run(ctx context.Context, conf *Config, statsOut io.Writer) (*Report, error) {
	s, err := newSim(conf)
	if err != nil {
		return nil, err
	}

	if conf.Metrics != "" {
		reg := prometheus.NewRegistry()
		col := rxstat.NewCollector("rxsim")
		for _, e := range s.engines {
			col.Add(e.Name(), e.Stats())
		}
		reg.MustRegister(col)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: conf.Metrics, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				glog.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
		fmt.Fprintf(os.Stderr, "serving metrics on %s/metrics\n", conf.Metrics)
	}

	genCtx := ctx
	if conf.Duration > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, conf.Duration)
		defer cancel()
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runErr := make(chan error, 1)
	go func() { runErr <- rx.Run(runCtx, conf.Idle, s.engines...) }()

	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		t := time.NewTicker(conf.StatsInterval)
		defer t.Stop()
		last := s.snapshots()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
			}
			cur := s.snapshots()
			delta := make(map[string]rxstat.Snapshot, len(cur))
			for name, snap := range cur {
				delta[name] = snap.Since(last[name])
			}
			last = cur
			if err := rxstat.Print(statsOut, delta); err != nil {
				glog.Warningf("printing stats: %v", err)
			}
		}
	}()

	var gen genStats
	start := time.Now()
	genErr := generate(genCtx, s.rings, conf, &gen)
	s.settle(ctx, conf.Idle)
	elapsed := time.Since(start)

	cancelRun()
	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		genErr = errors.Join(genErr, err)
	}
	<-statsDone

	r := &Report{
		Elapsed:      elapsed,
		Generated:    gen.Frames.Load(),
		GenBytes:     gen.Bytes.Load(),
		Backpressure: gen.Backpressure.Load(),
		Delivered:    s.sink.frames.Load(),
		DelivBytes:   s.sink.bytes.Load(),
		NoPeer:       s.sink.noPeer.Load(),
		Fatals:       s.fatals.Load(),
		Rings:        s.snapshots(),
	}
	if err := s.teardown(); err != nil {
		genErr = errors.Join(genErr, err)
	}
	return r, genErr
}

func (r *Report) Print(w io.Writer) {
	p := message.NewPrinter(language.English)

	secs := r.Elapsed.Seconds()
	dropped := r.Generated - min(r.Generated, r.Delivered+r.NoPeer)

	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Elapsed:           %.3f s\n", secs)
	p.Fprintf(w, " Generated:         %d frames\n", r.Generated)
	p.Fprintf(w, " Delivered:         %d frames\n", r.Delivered)
	p.Fprintf(w, " No peer:           %d frames\n", r.NoPeer)
	p.Fprintf(w, " Avg PPS:           %d\n", uint64(float64(r.Delivered)/secs))
	p.Fprintf(w, " Avg rate:          %.1f Mbps\n", float64(r.DelivBytes*8)/1e6/secs)
	p.Fprintf(w, " Backpressure:      %d\n", r.Backpressure)
	p.Fprintf(w, " Fatal events:      %d\n", r.Fatals)
	if r.Generated > 0 {
		p.Fprintf(w, " Dropped:           %d (%.4f%%)\n",
			dropped, float64(dropped)/float64(r.Generated)*100)
	}
	p.Fprint(w, "\nRING COUNTERS\n")
	_ = rxstat.Print(w, r.Rings)
}

func main() {
	conf, err := loadConfig()
	fatalIf(err, "reading config")
	defer glog.Flush()

	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	fatalIf(err, "encoding final YAML config")
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := run(ctx, conf, os.Stdout)
	if report != nil {
		report.Print(os.Stdout)
	}
	fatalIf(err, "running simulation")
}
