package session

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var ErrDeliveryFailed = errors.New("session: delivery failed")

// Timer is the cancellation handle of a scheduled callback.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d. *time.Timer satisfies Timer.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// RealScheduler schedules on the runtime timer heap.
var RealScheduler Scheduler = realScheduler{}

// Channel retransmits one logical exchange until Ack, Close, or the retry
// budget runs out. At most one payload is outstanding; Send while pending
// supersedes it and resets the retry count.
//
// Callbacks (transmit, failed) are always invoked without the channel lock held.
type Channel struct {
	mu sync.Mutex

	cfg      RetryConfig
	sched    Scheduler
	transmit func([]byte) error
	failed   func(error)
	rng      *rand.Rand

	payload     []byte
	pending     bool
	closed      bool
	retries     int
	generation  uint64
	timer       Timer
	lastSent    time.Time
	sentCount   int
	lastSendErr error
}

// NewChannel builds an idle channel. failed is called at most once per
// exchange, with an error wrapping ErrDeliveryFailed.
func NewChannel(cfg RetryConfig, sched Scheduler, transmit func([]byte) error, failed func(error)) *Channel {
	if sched == nil {
		sched = RealScheduler
	}
	var rng *rand.Rand
	if cfg.Jitter {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Channel{
		cfg:      cfg,
		sched:    sched,
		transmit: transmit,
		failed:   failed,
		rng:      rng,
	}
}

// Send transmits payload now and schedules retransmission.
func (c *Channel) Send(payload []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.payload = payload
	c.pending = true
	c.retries = 0
	c.generation++
	c.markSentLocked()
	c.armLocked()
	c.mu.Unlock()

	c.send(payload)
}

// Ack cancels the pending exchange. It reports whether one was pending.
func (c *Channel) Ack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending {
		return false
	}
	c.pending = false
	c.generation++
	c.stopLocked()
	return true
}

// Close cancels any pending exchange; no callback runs afterwards.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.pending = false
	c.generation++
	c.stopLocked()
}

// Pending reports whether an exchange awaits acknowledgment.
func (c *Channel) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Payload returns the outstanding payload, if any.
func (c *Channel) Payload() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload, c.pending
}

// Retries returns how many retransmissions the current exchange has used.
func (c *Channel) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// SentCount returns the total number of transmissions, retransmissions included.
func (c *Channel) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentCount
}

// LastSent returns the time of the most recent transmission.
func (c *Channel) LastSent() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSent
}

func (c *Channel) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || !c.pending || gen != c.generation {
		c.mu.Unlock()
		return
	}
	if c.retries >= c.cfg.MaxRetries {
		c.pending = false
		c.generation++
		c.timer = nil
		retries := c.retries
		lastErr := c.lastSendErr
		c.mu.Unlock()
		if c.failed != nil {
			c.failed(deliveryError(retries, lastErr))
		}
		return
	}
	c.retries++
	payload := c.payload
	c.markSentLocked()
	c.armLocked()
	c.mu.Unlock()

	c.send(payload)
}

func (c *Channel) send(payload []byte) {
	if c.transmit == nil {
		return
	}
	err := c.transmit(payload)
	c.mu.Lock()
	c.lastSendErr = err
	c.mu.Unlock()
}

func (c *Channel) markSentLocked() {
	c.sentCount++
	c.lastSent = time.Now()
}

func (c *Channel) armLocked() {
	gen := c.generation
	delay := NextRetryDelay(c.cfg, c.retries+1, c.rng)
	c.timer = c.sched.AfterFunc(delay, func() { c.fire(gen) })
}

func (c *Channel) stopLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func deliveryError(retries int, lastErr error) error {
	if lastErr != nil {
		return fmt.Errorf("%w: no ack after %d retries (last send error: %v)", ErrDeliveryFailed, retries, lastErr)
	}
	return fmt.Errorf("%w: no ack after %d retries", ErrDeliveryFailed, retries)
}
