// Package ratelimit provides a packets-per-second throttle, an event rate
// limiter and processing time budgets.
package ratelimit

import (
	"sync"
	"time"
)

// Throttle limits to pps packets per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerPacket int64
	packetsSent uint64
	startTime   time.Time
	checkEvery  uint64
}

// New creates a limiter for pps packets per second.
// If pps == 0, throttling is disabled.
func New(pps uint64) *Throttle {
	if pps == 0 {
		return nil
	}
	return &Throttle{
		nsPerPacket: int64(time.Second) / int64(pps),
		startTime:   time.Now(),

		// Check time every ~10ms of packets to balance accuracy vs overhead
		// At least every 32 packets. At most every 1024 packets.
		checkEvery: min(max(pps/100, 32), 1024),
	}
}

// ThrottleN blocks until n packets are allowed.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) ThrottleN(n uint64) {
	if l == nil || n == 0 {
		return
	}

	l.packetsSent += n
	if l.packetsSent%l.checkEvery != 0 {
		return // Fast path: only check time periodically.
	}

	// Slow path: check if we need to sleep
	expectedTime := l.startTime.Add(time.Duration(int64(l.packetsSent) * l.nsPerPacket))

	if now := time.Now(); now.Before(expectedTime) {
		time.Sleep(expectedTime.Sub(now))
	}
	// If behind schedule, naturally catch up by not sleeping
}

// Limiter allows at most burst events per interval, for example to keep
// hot-path anomaly logs from flooding. Safe for concurrent use.
// A nil Limiter allows everything.
type Limiter struct {
	lock       sync.Mutex
	interval   time.Duration
	burst      int
	windowEnd  time.Time
	allowed    int
	suppressed uint64
	now        func() time.Time
}

// NewLimiter creates a limiter allowing burst events per interval.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	return &Limiter{interval: interval, burst: max(burst, 1), now: time.Now}
}

// Allow reports whether an event may proceed. When a new window opens it
// also returns how many events the previous windows suppressed.
func (l *Limiter) Allow() (ok bool, suppressed uint64) {
	if l == nil {
		return true, 0
	}
	l.lock.Lock()
	defer l.lock.Unlock()

	if now := l.now(); now.After(l.windowEnd) {
		l.windowEnd = now.Add(l.interval)
		l.allowed = 0
		suppressed, l.suppressed = l.suppressed, 0
	}
	if l.allowed >= l.burst {
		l.suppressed++
		return false, 0
	}
	l.allowed++
	return true, suppressed
}

// Budget is a processing time budget. A zero Budget never expires.
// Not safe for concurrent use.
type Budget struct {
	deadline time.Time
	now      func() time.Time
}

// NewBudget starts a budget of d. d <= 0 disables it.
func NewBudget(d time.Duration) Budget {
	if d <= 0 {
		return Budget{}
	}
	return Budget{deadline: time.Now().Add(d), now: time.Now}
}

// Expired reports whether the budget is used up.
func (b Budget) Expired() bool {
	if b.deadline.IsZero() {
		return false
	}
	return !b.now().Before(b.deadline)
}
