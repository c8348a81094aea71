package session

import (
	"math"
	"math/rand"
	"time"
)

// NextRetryDelay returns the delay before retransmission N (1-based).
// With the default multiplier of 1 this is a fixed interval.
func NextRetryDelay(cfg RetryConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.Interval <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.Interval)
	if attempt > 1 {
		delay *= math.Pow(cfg.Multiplier, float64(attempt-1))
	}
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
