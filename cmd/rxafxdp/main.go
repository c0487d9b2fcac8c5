//go:build linux

// Command rxafxdp runs one receive engine per RX queue of a NIC, with the
// AF_XDP RX ring as completion ring and the fill ring as refill ring.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
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

	"github.com/romshark/rxpath/afxdp"
	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/ifacestat"
	"github.com/romshark/rxpath/peer"
	"github.com/romshark/rxpath/rx"
	"github.com/romshark/rxpath/rxstat"
)

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		glog.Flush()
		os.Exit(1)
	}
}

// countingSink consumes delivered frames.
type countingSink struct {
	frames atomic.Uint64
	bytes  atomic.Uint64
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

type queue struct {
	sock *afxdp.Socket
	pool *desc.Pool
	eng  *rx.Engine
}

const (
	stationPeer = 1
	stationVdev = 1
)

func main() {
	fIface := flag.String("i", "", "Interface")
	fZeroCopy := flag.Bool("z", false, "Use zerocopy")
	fHWConv := flag.Bool("c", false, "Resolve cookies when posting (hardware cookie conversion)")
	fDuration := flag.Duration("t", 0, "Run duration (until interrupted when 0)")
	fMetrics := flag.String("m", "", "Metrics listen address")
	fQuota := flag.Uint("quota", rx.DefaultQuota, "Frames per engine invocation")
	flag.Parse()
	defer glog.Flush()

	if *fIface == "" {
		fmt.Fprint(os.Stderr, "missing -i interface\n")
		os.Exit(1)
	}

	iface, err := afxdp.MakeInterface(*fIface, afxdp.InterfaceConfig{
		PreferZerocopy: *fZeroCopy,
	})
	fatalIf(err, "initializing interface")
	defer iface.Close()

	queueIDs, err := iface.RXQueueIDs()
	fatalIf(err, "listing queue ids")
	if len(queueIDs) == 0 {
		fmt.Fprintf(os.Stderr, "no RX queues found for %s\n", *fIface)
		os.Exit(1)
	}
	if len(queueIDs) > 256 {
		queueIDs = queueIDs[:256]
	}

	fmt.Fprintf(os.Stderr,
		"AF_XDP RX: iface=%s use_zerocopy=%t hw_cookie_conversion=%t queues=%v\n",
		*fIface, *fZeroCopy, *fHWConv, queueIDs,
	)

	peers := peer.NewDirectory()
	fatalIf(peers.AddVdev(&peer.Vdev{ID: stationVdev}), "adding vdev")
	_, err = peers.AddPeer(stationPeer, stationVdev, peer.Authorized)
	fatalIf(err, "adding peer")

	table := desc.NewTable(0)
	sink := &countingSink{}
	collector := rxstat.NewCollector("rxafxdp")

	var queues []*queue
	for i, qid := range queueIDs {
		ringConf := afxdp.RingConfig{
			TLVSize: afxdp.DefaultTLVSize,
			PeerID:  stationPeer,
			VdevID:  stationVdev,
		}
		if *fHWConv {
			ringConf.Table = table
		}
		sock, err := iface.Open(afxdp.SocketConfig{QueueID: qid, Ring: ringConf})
		fatalIf(err, "opening socket on queue %d", qid)
		defer sock.Close()

		umem := sock.UMEM()
		pool, err := desc.NewPool(desc.PoolConfig{
			ID:         uint8(i),
			Size:       int(afxdp.DefaultFillSize),
			BufferSize: umem.FrameSize(),
		}, table)
		fatalIf(err, "creating pool for queue %d", qid)

		name := fmt.Sprintf("%s/%d", *fIface, qid)
		eng, err := rx.NewEngine(name, rx.Config{
			Quota:      uint32(*fQuota),
			TLVSize:    afxdp.DefaultTLVSize,
			BufferSize: umem.FrameSize(),
			Escalate: func(err *rx.FatalError) {
				glog.Errorf("%v", err)
			},
		}, rx.Deps{
			Ring:   sock.Ring(),
			Table:  table,
			Mapper: umem,
			Pools: []*rx.Replenisher{
				rx.NewReplenisher(pool, sock.FillRing(), umem, umem),
			},
			Peers: peers,
			Sink:  sink,
		})
		fatalIf(err, "creating engine for queue %d", qid)

		n, err := eng.Prime()
		fatalIf(err, "priming queue %d", qid)
		fmt.Fprintf(os.Stderr, "queue %d: %d buffers posted (zerocopy=%t)\n",
			qid, n, sock.IsZerocopy())

		collector.Add(name, eng.Stats())
		queues = append(queues, &queue{sock: sock, pool: pool, eng: eng})
	}

	if *fMetrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collector)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *fMetrics, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				glog.Errorf("metrics server: %v", err)
			}
		}()
		defer srv.Close()
	}

	ifaceBefore, err := ifacestat.Snapshot([]string{*fIface})
	fatalIf(err, "reading interface stats")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *fDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *fDuration)
		defer cancel()
	}

	engines := make([]*rx.Engine, len(queues))
	for i, q := range queues {
		engines[i] = q.eng
	}
	runErr := make(chan error, 1)
	start := time.Now()
	go func() { runErr <- rx.Run(ctx, 100*time.Millisecond, engines...) }()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	var (
		lastPackets uint64
		lastBytes   uint64
		maxPPS      float64
		maxMbps     float64
	)
	lastTime := time.Now()

loop:
	for {
		select {
		case err := <-runErr:
			if !errors.Is(err, context.Canceled) {
				fatalIf(err, "running engines")
			}
			break loop
		case <-ticker.C:
		}
		now := time.Now()
		elapsed := now.Sub(lastTime).Seconds()

		pkts := sink.frames.Load()
		bytes := sink.bytes.Load()

		pps := float64(pkts-lastPackets) / elapsed
		mbps := float64((bytes-lastBytes)*8) / elapsed / 1e6
		maxPPS = max(maxPPS, pps)
		maxMbps = max(maxMbps, mbps)

		fmt.Printf(
			"total=%d | cur=%.0f pps %.2f Mbit/s | max=%.0f pps %.2f Mbit/s\n",
			pkts, pps, mbps, maxPPS, maxMbps,
		)

		lastPackets, lastBytes, lastTime = pkts, bytes, now
	}
	elapsed := time.Since(start).Seconds()

	ifaceAfter, err := ifacestat.Snapshot([]string{*fIface})
	fatalIf(err, "reading interface stats")

	rings := make(map[string]rxstat.Snapshot, len(queues))
	for _, q := range queues {
		rings[q.eng.Name()] = q.eng.Stats().Snapshot()
		for _, b := range q.pool.Reclaim(q.sock.UMEM()) {
			b.Free()
		}
		if err := q.pool.Close(); err != nil {
			glog.Warningf("closing pool: %v", err)
		}
	}

	delivered := sink.frames.Load()
	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" Delivered:         %d frames\n", delivered)
	p.Printf(" Avg PPS:           %d\n", uint64(float64(delivered)/elapsed))
	p.Printf(" Avg rate:          %.1f Mbps\n", float64(sink.bytes.Load()*8)/1e6/elapsed)
	p.Print("\nINTERFACE\n")
	_ = ifacestat.Print(os.Stdout, ifaceAfter.Since(ifaceBefore), nil)
	p.Print("\nRING COUNTERS\n")
	_ = rxstat.Print(os.Stdout, rings)
}
