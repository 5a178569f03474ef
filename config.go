package drtp

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config carries the protocol constants. The zero values of individual
// fields are replaced by defaults in withDefaults, so a partially filled
// struct (or yaml file) is fine.
type Config struct {
	// MTU is the largest datagram handed to the channel, header included.
	// It must stay comfortably under the path MTU so UDP never fragments.
	MTU int
	// WindowSize is the sliding-window size in segments the client
	// announces at handshake time.
	WindowSize uint16
	// RetransmissionTimeout is the single fixed timer value driving
	// handshake, data and teardown retransmissions.
	RetransmissionTimeout time.Duration
	// MaxRetries bounds handshake and teardown retransmissions. Data
	// segments are retried indefinitely.
	MaxRetries int
	// DiscardSeq makes the receiver silently drop the first data segment
	// carrying this sequence number, once, to exercise the
	// timeout/retransmit path. Zero disables the hook.
	DiscardSeq uint32
}

func DefaultConfig() *Config {
	return &Config{
		MTU:                   defaultMTU,
		WindowSize:            defaultWindowSize,
		RetransmissionTimeout: defaultRetransmissionTimeout,
		MaxRetries:            defaultMaxRetries,
	}
}

func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := *c
	if out.MTU == 0 {
		out.MTU = defaultMTU
	}
	if out.WindowSize == 0 {
		out.WindowSize = defaultWindowSize
	}
	if out.RetransmissionTimeout == 0 {
		out.RetransmissionTimeout = defaultRetransmissionTimeout
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = defaultMaxRetries
	}
	return &out
}

func (c *Config) validate() error {
	if c.MTU <= headerLength {
		return fmt.Errorf("drtp: mtu %d leaves no room for payload", c.MTU)
	}
	if c.WindowSize == 0 {
		return fmt.Errorf("drtp: window size must be positive")
	}
	if c.RetransmissionTimeout <= 0 {
		return fmt.Errorf("drtp: retransmission timeout must be positive")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("drtp: max retries must be positive")
	}
	return nil
}

type fileConfig struct {
	MTU                     int    `yaml:"mtu"`
	WindowSize              uint16 `yaml:"window_size"`
	RetransmissionTimeoutMs int    `yaml:"retransmission_timeout_ms"`
	MaxRetries              int    `yaml:"max_retries"`
	DiscardSeq              uint32 `yaml:"discard_seq"`
}

// LoadConfig reads a yaml config file and overlays it on the defaults.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("drtp: parsing config %s: %w", path, err)
	}
	cfg := &Config{
		MTU:                   fc.MTU,
		WindowSize:            fc.WindowSize,
		RetransmissionTimeout: time.Duration(fc.RetransmissionTimeoutMs) * time.Millisecond,
		MaxRetries:            fc.MaxRetries,
		DiscardSeq:            fc.DiscardSeq,
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
