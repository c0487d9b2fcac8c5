// Package rx is the receive ring service: it drains a completion ring,
// resolves cookies to descriptors, reassembles scattered frames, refills
// the hardware with fresh buffers and dispatches frames per destination.
//
// One Engine services one ring and is not safe for concurrent use. Engines
// of different rings run concurrently and share only the descriptor table
// and the pools behind their Replenishers.
package rx

import (
	"errors"
	"fmt"

	"github.com/golang/glog"

	"github.com/romshark/rxpath/desc"
	"github.com/romshark/rxpath/hal"
	"github.com/romshark/rxpath/nbuf"
	"github.com/romshark/rxpath/peer"
	"github.com/romshark/rxpath/ratelimit"
	"github.com/romshark/rxpath/rxstat"
)

// Deps are the collaborators of an Engine.
type Deps struct {
	Ring   hal.Ring
	Table  *desc.Table
	Mapper nbuf.Mapper
	// Pools lists the replenishers of every pool whose buffers can show up
	// on Ring.
	Pools []*Replenisher
	Peers *peer.Directory
	Sink  Sink
	// Tap is optional.
	Tap CaptureTap
	// Hooks default to DefaultHooks{}.
	Hooks Hooks
	// Stats is allocated when nil.
	Stats *rxstat.Counters
}

// Engine services one completion ring.
type Engine struct {
	name   string
	conf   Config
	ring   hal.Ring
	caps   hal.Caps
	table  *desc.Table
	mapper nbuf.Mapper
	pools  [256]*Replenisher
	// poolList holds the non-nil entries of pools.
	poolList []*Replenisher
	peers    *peer.Directory
	sink     Sink
	noPeer   NoPeerSink
	tap      CaptureTap
	hooks    Hooks
	stats    *rxstat.Counters
	logs     *ratelimit.Limiter

	// Pass state, reset by every pass.
	frames   []*Frame
	reaped   [256]uint32
	open     *Frame
	prevLast bool
	// staleRetries counts consecutive stops on a slot not yet rewritten.
	staleRetries uint32

	// Dispatch state.
	ref        peerRef
	batch      []*Frame
	batchVdev  *peer.Vdev
	batchPeer  *peer.Peer
	lastVdev   *peer.Vdev
	noPeerSlot [1]*Frame
}

// NewEngine creates the service for one ring. conf is validated and
// defaulted.
func NewEngine(name string, conf Config, deps Deps) (*Engine, error) {
	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, fmt.Errorf("ring %s: config: %w", name, err)
	}
	var errs []error
	if deps.Ring == nil {
		errs = append(errs, errors.New("missing ring"))
	}
	if deps.Table == nil {
		errs = append(errs, errors.New("missing descriptor table"))
	}
	if deps.Mapper == nil {
		errs = append(errs, errors.New("missing mapper"))
	}
	if deps.Peers == nil {
		errs = append(errs, errors.New("missing peer directory"))
	}
	if deps.Sink == nil {
		errs = append(errs, errors.New("missing sink"))
	}
	if len(deps.Pools) == 0 {
		errs = append(errs, ErrNoPools)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("ring %s: %w", name, err)
	}

	e := &Engine{
		name:   name,
		conf:   conf,
		ring:   deps.Ring,
		caps:   deps.Ring.Caps(),
		table:  deps.Table,
		mapper: deps.Mapper,
		peers:  deps.Peers,
		sink:   deps.Sink,
		tap:    deps.Tap,
		hooks:  deps.Hooks,
		stats:  deps.Stats,
		logs:   ratelimit.NewLimiter(conf.LogInterval, conf.LogBurst),
		ref:    peerRef{dir: deps.Peers},
	}
	e.noPeer, _ = deps.Sink.(NoPeerSink)
	if e.hooks == nil {
		e.hooks = DefaultHooks{}
	}
	if e.stats == nil {
		e.stats = new(rxstat.Counters)
	}
	for _, r := range deps.Pools {
		id := r.pool.ID()
		if e.pools[id] != nil {
			return nil, fmt.Errorf("ring %s: pool %d listed twice", name, id)
		}
		if r.pool.BufferSize() < conf.BufferSize {
			return nil, fmt.Errorf("ring %s: pool %d buffers (%d) smaller than %d",
				name, id, r.pool.BufferSize(), conf.BufferSize)
		}
		e.pools[id] = r
		e.poolList = append(e.poolList, r)
	}
	return e, nil
}

func (e *Engine) Name() string            { return e.name }
func (e *Engine) Config() Config          { return e.conf }
func (e *Engine) Stats() *rxstat.Counters { return e.stats }
func (e *Engine) Ring() hal.Ring          { return e.ring }

// Prime fills the refill rings of the engine's pools before hardware
// starts receiving.
func (e *Engine) Prime() (int, error) {
	var (
		total int
		errs  []error
	)
	for _, r := range e.poolList {
		n, err := r.Fill()
		total += n
		e.stats.Add(rxstat.Replenished, uint64(n))
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

// Process is one invocation of the ring service. It drains at most quota
// frames, scattered frames costing one unit, and returns the number of
// buffers it consumed from the ring.
//
// While the ring stays near full, or the end-of-invocation check finds
// pending entries, Process keeps draining until quota runs out or the
// yield budget expires.
func (e *Engine) Process(quota uint32) uint32 {
	if e.conf.PanicOnFatal {
		defer func() {
			if r := recover(); r != nil {
				e.abortPass()
				panic(r)
			}
		}()
	}
	var consumed uint32
	budget := ratelimit.NewBudget(e.conf.YieldBudget)
	size := e.ring.Size()

	for {
		nearFull := e.nearFull(e.ring.NearFullLevel(), size)
		limit := e.conf.ReapLimit
		if nearFull {
			limit = e.conf.NearFullReapLimit
		}

		n := e.drain(&quota, limit)
		consumed += n
		e.replenish()
		e.dispatch()

		if glog.V(2) {
			glog.Infof("rx %s: pass reaped %d, quota left %d, near full %t",
				e.name, n, quota, nearFull)
		}
		if n == 0 {
			// Nothing moved; another pass would spin.
			break
		}
		if nearFull && quota > 0 {
			continue
		}
		if !e.conf.EOLCheck || consumed == 0 {
			break
		}
		if quota > 0 {
			if pending := e.ring.NearFullLevel(); pending > 0 {
				e.stats.Inc(rxstat.HPOOS2)
				if !budget.Expired() {
					continue
				}
				if e.nearFull(pending, size) {
					e.stats.Inc(rxstat.NearFull)
					continue
				}
				e.stats.Inc(rxstat.Yield)
			}
		}
		break
	}
	if e.lastVdev != nil {
		e.hooks.Flush(e.lastVdev, e.name)
		e.lastVdev = nil
	}
	return consumed
}

func (e *Engine) nearFull(level, size uint32) bool {
	return size > 0 && uint64(level)*100 >= uint64(e.conf.NearFullThreshold)*uint64(size)
}

// abortPass drops what a pass unwound by a fatal panic left behind, so the
// engine stays usable once the panic is recovered.
func (e *Engine) abortPass() {
	if e.open != nil {
		e.open.Free()
		e.open = nil
	}
	for i, f := range e.frames {
		if f != nil {
			f.Free()
			e.frames[i] = nil
		}
	}
	e.frames = e.frames[:0]
	for i, f := range e.batch {
		f.Free()
		e.batch[i] = nil
	}
	e.batch = e.batch[:0]
	e.batchVdev, e.batchPeer, e.lastVdev = nil, nil, nil
	e.ref.release()
	e.replenish()
}

// fatal escalates a ring-protocol violation.
func (e *Engine) fatal(kind FatalKind, c desc.Cookie) {
	err := &FatalError{Kind: kind, Ring: e.name, Cookie: c}
	glog.Errorf("rx: %v", err)
	if e.conf.Escalate != nil {
		e.conf.Escalate(err)
	}
	if e.conf.PanicOnFatal {
		panic(err)
	}
}

// warnf logs a hot-path anomaly through the rate limiter.
func (e *Engine) warnf(format string, args ...any) {
	ok, suppressed := e.logs.Allow()
	if !ok {
		return
	}
	if suppressed > 0 {
		glog.Warningf("rx %s: %d messages suppressed", e.name, suppressed)
	}
	glog.Warningf("rx %s: %s", e.name, fmt.Sprintf(format, args...))
}
