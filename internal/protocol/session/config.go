package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/battlegrounds/internal/protocol"
)

var ErrInvalidConfig = errors.New("session: invalid config")

// RetryConfig defines retransmission behavior for one reliable exchange.
type RetryConfig struct {
	Interval    time.Duration
	MaxRetries  int
	Multiplier  float64
	MaxInterval time.Duration
	Jitter      bool
}

// ReservedBitsPolicy selects how the two reserved movement bits are handled.
type ReservedBitsPolicy string

const (
	ReservedBitsReject ReservedBitsPolicy = "reject"
	ReservedBitsIgnore ReservedBitsPolicy = "ignore"
)

const (
	AckPolicyFIFO   = "fifo"
	AckPolicyLatest = "latest"
)

// Config defines session protocol defaults.
type Config struct {
	Retry         RetryConfig
	MoveBuffer    int
	PropAckPolicy string
	ReservedBits  ReservedBitsPolicy
}

// DefaultConfig returns a fixed 500ms retransmit interval with 10 retries,
// strict reserved bits and FIFO PROP_OK correlation.
func DefaultConfig() Config {
	return Config{
		Retry: RetryConfig{
			Interval:    500 * time.Millisecond,
			MaxRetries:  10,
			Multiplier:  1.0,
			MaxInterval: 0,
			Jitter:      false,
		},
		MoveBuffer:    8,
		PropAckPolicy: AckPolicyFIFO,
		ReservedBits:  ReservedBitsReject,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Retry.Interval <= 0 {
		c.Retry.Interval = def.Retry.Interval
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = def.Retry.MaxRetries
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = def.Retry.Multiplier
	}
	if c.MoveBuffer <= 0 {
		c.MoveBuffer = def.MoveBuffer
	}
	if strings.TrimSpace(c.PropAckPolicy) == "" {
		c.PropAckPolicy = def.PropAckPolicy
	}
	if strings.TrimSpace(string(c.ReservedBits)) == "" {
		c.ReservedBits = def.ReservedBits
	}
	return c
}

func (c Config) Validate() error {
	if c.Retry.Interval <= 0 {
		return fmt.Errorf("%w: retransmit interval must be positive", ErrInvalidConfig)
	}
	if c.Retry.MaxRetries <= 0 {
		return fmt.Errorf("%w: max retries must be positive", ErrInvalidConfig)
	}
	if c.MoveBuffer <= 0 {
		return fmt.Errorf("%w: move buffer must be positive", ErrInvalidConfig)
	}
	if _, err := ParseAckPolicy(c.PropAckPolicy); err != nil {
		return err
	}
	switch c.ReservedBits {
	case ReservedBitsReject, ReservedBitsIgnore:
	default:
		return fmt.Errorf("%w: reserved movement bits policy %q", ErrInvalidConfig, c.ReservedBits)
	}
	return nil
}

// Decoder returns the wire decoder matching the reserved-bit policy.
func (c Config) Decoder() protocol.Decoder {
	return protocol.Decoder{IgnoreReservedBits: c.ReservedBits == ReservedBitsIgnore}
}
