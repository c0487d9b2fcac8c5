package rx

import (
	"errors"
	"fmt"
	"time"

	"github.com/romshark/rxpath/hal"
)

// Defaults applied by ValidateAndSetDefaults.
const (
	DefaultQuota             = 64
	DefaultReapLimit         = 64
	DefaultNearFullReapLimit = 1024
	DefaultNearFullThreshold = 75
	DefaultTLVSize           = 128
	DefaultBufferSize        = 2048
	DefaultLogInterval       = time.Second
	DefaultLogBurst          = 10
	DefaultStaleRetryLimit   = 8
)

// Config holds the tunables of a ring service Engine.
type Config struct {
	// Quota is the per-invocation frame budget Run passes to Process.
	Quota uint32 `yaml:"quota"`
	// ReapLimit bounds the buffers reaped in one pass; the pass only stops
	// on it at an MPDU boundary.
	ReapLimit uint32 `yaml:"reap-limit"`
	// NearFullReapLimit replaces ReapLimit while the ring is near full.
	NearFullReapLimit uint32 `yaml:"near-full-reap-limit"`
	// NearFullThreshold is the ring occupancy, in percent of its size, at
	// which the ring counts as near full.
	NearFullThreshold uint32 `yaml:"near-full-threshold"`
	// EOLCheck re-checks the ring at the end of an invocation and keeps
	// draining while entries are pending and quota is left.
	EOLCheck bool `yaml:"eol-check"`
	// YieldBudget is the time an invocation may run before it yields to
	// the scheduler. Zero never yields early.
	YieldBudget time.Duration `yaml:"yield-budget"`

	// TLVSize is the size of the hardware metadata header of every buffer.
	TLVSize int `yaml:"tlv-size"`
	// BufferSize is the capacity of the buffers posted to hardware.
	BufferSize int `yaml:"buffer-size"`

	// ProcessRxStatus enables checksum offload bookkeeping.
	ProcessRxStatus bool `yaml:"process-rx-status"`
	// PanicOnFatal makes fatal-class ring violations panic once escalated.
	PanicOnFatal bool `yaml:"panic-on-fatal"`
	// MagicCheckLogOnly keeps processing slots whose descriptor failed the
	// magic check instead of dropping them.
	MagicCheckLogOnly bool `yaml:"magic-check-log-only"`

	// StaleRetryLimit is the number of consecutive invocations a slot
	// hardware has not rewritten yet stops the drain before it is skipped.
	StaleRetryLimit uint32 `yaml:"stale-retry-limit"`

	// LogInterval and LogBurst rate limit hot-path anomaly logs.
	LogInterval time.Duration `yaml:"log-interval"`
	LogBurst    int           `yaml:"log-burst"`

	// Escalate receives fatal-class ring violations. Optional.
	Escalate func(*FatalError) `yaml:"-"`
}

// ValidateAndSetDefaults fills zero values and rejects inconsistent ones.
func (c *Config) ValidateAndSetDefaults() error {
	if c.Quota == 0 {
		c.Quota = DefaultQuota
	}
	if c.ReapLimit == 0 {
		c.ReapLimit = DefaultReapLimit
	}
	if c.NearFullReapLimit == 0 {
		c.NearFullReapLimit = DefaultNearFullReapLimit
	}
	if c.NearFullThreshold == 0 {
		c.NearFullThreshold = DefaultNearFullThreshold
	}
	if c.TLVSize == 0 {
		c.TLVSize = DefaultTLVSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.LogInterval == 0 {
		c.LogInterval = DefaultLogInterval
	}
	if c.LogBurst == 0 {
		c.LogBurst = DefaultLogBurst
	}
	if c.StaleRetryLimit == 0 {
		c.StaleRetryLimit = DefaultStaleRetryLimit
	}

	var errs []error
	if c.NearFullThreshold > 100 {
		errs = append(errs, fmt.Errorf("near-full threshold %d%% > 100%%",
			c.NearFullThreshold))
	}
	if c.NearFullReapLimit < c.ReapLimit {
		errs = append(errs, fmt.Errorf("near-full reap limit %d < reap limit %d",
			c.NearFullReapLimit, c.ReapLimit))
	}
	if c.TLVSize < hal.MinTLVSize {
		errs = append(errs, fmt.Errorf("TLV size %d < %d", c.TLVSize, hal.MinTLVSize))
	}
	if c.BufferSize <= c.TLVSize {
		errs = append(errs, fmt.Errorf("buffer size %d <= TLV size %d",
			c.BufferSize, c.TLVSize))
	}
	if c.YieldBudget < 0 {
		errs = append(errs, errors.New("negative yield budget"))
	}
	return errors.Join(errs...)
}

// payloadSize is the data a single buffer carries after its header.
func (c *Config) payloadSize() int { return c.BufferSize - c.TLVSize }
