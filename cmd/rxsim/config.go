package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/romshark/rxpath/rx"
)

type Config struct {
	// Duration bounds the run; Count bounds the frames generated. The run
	// ends on whichever comes first.
	Duration time.Duration `yaml:"duration"`
	Count    uint64        `yaml:"count"`
	// Rate is the generated frame rate across all rings; 0 is unlimited.
	Rate          uint64        `yaml:"rate"`
	StatsInterval time.Duration `yaml:"stats-interval"`
	// Idle is how long an engine waits on an empty ring.
	Idle time.Duration `yaml:"idle"`
	// Metrics is the listen address of the /metrics endpoint, if any.
	Metrics string `yaml:"metrics"`

	Engine rx.Config `yaml:"engine"`

	Pools   []PoolConfig  `yaml:"pools"`
	Rings   []RingConfig  `yaml:"rings"`
	Vdevs   []VdevConfig  `yaml:"vdevs"`
	Peers   []PeerConfig  `yaml:"peers"`
	Traffic TrafficConfig `yaml:"traffic"`
}

type PoolConfig struct {
	ID   uint8 `yaml:"id"`
	Size int   `yaml:"size"`
	// RefillSize is the number of entries of the pool's refill ring.
	RefillSize uint32 `yaml:"refill-size"`
	// AllocLimit caps outstanding buffers; 0 is unlimited.
	AllocLimit int `yaml:"alloc-limit"`
}

type RingConfig struct {
	Name               string `yaml:"name"`
	Pool               uint8  `yaml:"pool"`
	Size               uint32 `yaml:"size"`
	HWCookieConversion bool   `yaml:"hw-cookie-conversion"`
}

type VdevConfig struct {
	ID              uint8 `yaml:"id"`
	Multipass       bool  `yaml:"multipass"`
	Mesh            bool  `yaml:"mesh"`
	APBridge        bool  `yaml:"ap-bridge"`
	WDS             bool  `yaml:"wds"`
	Raw             bool  `yaml:"raw"`
	HLOSTIDOverride bool  `yaml:"hlos-tid-override"`
}

type PeerConfig struct {
	ID         uint16 `yaml:"id"`
	Vdev       uint8  `yaml:"vdev"`
	Authorized bool   `yaml:"authorized"`
	VLAN       uint16 `yaml:"vlan"`
	NAWDS      bool   `yaml:"nawds"`
}

type TrafficConfig struct {
	// FrameSize is the size of generated frames including the ethernet
	// header.
	FrameSize int `yaml:"frame-size"`
	// BatchSize is the number of frames a device receives before
	// publishing them.
	BatchSize int `yaml:"batch-size"`
	// Every n-th frame is multicast, scattered over several buffers or
	// sent by a peer that does not exist. 0 disables each.
	McastEvery       uint64 `yaml:"mcast-every"`
	ScatterEvery     uint64 `yaml:"scatter-every"`
	UnknownPeerEvery uint64 `yaml:"unknown-peer-every"`
	// RawScatter sends scattered frames as raw 802.11 so that they are
	// delivered instead of dropped.
	RawScatter bool `yaml:"raw-scatter"`
}

func defaultConfig() Config {
	return Config{
		Duration:      5 * time.Second,
		StatsInterval: time.Second,
		Idle:          time.Millisecond,
		Pools:         []PoolConfig{{ID: 0, Size: 4096, RefillSize: 4096}},
		Rings:         []RingConfig{{Name: "reo0", Pool: 0, Size: 1024}},
		Vdevs:         []VdevConfig{{ID: 1}},
		Peers:         []PeerConfig{{ID: 1, Vdev: 1, Authorized: true}},
		Traffic:       TrafficConfig{FrameSize: 512, BatchSize: 32},
	}
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file (built-in defaults when empty)")
	fCount := flag.Uint64("n", 0, "frame count")
	fRate := flag.Uint64("r", 0, "frames per second")
	fDuration := flag.Duration("t", 0, "run duration")
	fMetrics := flag.String("m", "", "metrics listen address")
	fFrameSize := flag.Int("l", 0, "frame size")

	flag.Parse()

	conf := defaultConfig()
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if conf, err = parseConfig(b); err != nil {
			return nil, err
		}
	}

	// Apply CLI overrides if necessary.
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fRate != 0 {
		conf.Rate = *fRate
	}
	if *fDuration != 0 {
		conf.Duration = *fDuration
	}
	if *fMetrics != "" {
		conf.Metrics = *fMetrics
	}
	if *fFrameSize != 0 {
		conf.Traffic.FrameSize = *fFrameSize
	}

	if err := conf.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &conf, nil
}

// parseConfig decodes YAML on top of the defaults. Lists given in the
// file replace the default ones.
func parseConfig(b []byte) (Config, error) {
	conf := defaultConfig()
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return Config{}, fmt.Errorf("parsing YAML: %w", err)
	}
	return conf, nil
}

func (c *Config) ValidateAndSetDefaults() error {
	if c.Duration == 0 && c.Count == 0 {
		c.Duration = 5 * time.Second
	}
	if c.StatsInterval == 0 {
		c.StatsInterval = time.Second
	}
	if c.Idle == 0 {
		c.Idle = time.Millisecond
	}
	if c.Traffic.BatchSize <= 0 {
		c.Traffic.BatchSize = 32
	}
	if err := c.Engine.ValidateAndSetDefaults(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	var errs []error
	pools := make(map[uint8]bool, len(c.Pools))
	for i := range c.Pools {
		p := &c.Pools[i]
		if pools[p.ID] {
			errs = append(errs, fmt.Errorf("pool %d defined twice", p.ID))
		}
		pools[p.ID] = true
		if p.Size <= 0 {
			errs = append(errs, fmt.Errorf("pool %d: size must be > 0", p.ID))
		}
		if p.RefillSize == 0 {
			p.RefillSize = uint32(p.Size)
		}
	}

	if len(c.Rings) == 0 {
		errs = append(errs, errors.New("at least one ring must be configured"))
	}
	names := make(map[string]bool, len(c.Rings))
	for _, r := range c.Rings {
		if r.Name == "" {
			errs = append(errs, errors.New("ring name must be set"))
		} else if names[r.Name] {
			errs = append(errs, fmt.Errorf("ring %q defined twice", r.Name))
		}
		names[r.Name] = true
		if !pools[r.Pool] {
			errs = append(errs, fmt.Errorf("ring %q: unknown pool %d", r.Name, r.Pool))
		}
		if r.Size == 0 {
			errs = append(errs, fmt.Errorf("ring %q: size must be > 0", r.Name))
		}
	}

	vdevs := make(map[uint8]bool, len(c.Vdevs))
	for _, v := range c.Vdevs {
		vdevs[v.ID] = true
	}
	if len(c.Peers) == 0 {
		errs = append(errs, errors.New("at least one peer must be configured"))
	}
	for _, p := range c.Peers {
		if !vdevs[p.Vdev] {
			errs = append(errs, fmt.Errorf("peer %d: unknown vdev %d", p.ID, p.Vdev))
		}
	}

	if c.Traffic.FrameSize < minFrameSize || c.Traffic.FrameSize > 0xffff {
		errs = append(errs, fmt.Errorf("traffic.frame-size %d out of range [%d, %d]",
			c.Traffic.FrameSize, minFrameSize, 0xffff))
	}
	return errors.Join(errs...)
}
