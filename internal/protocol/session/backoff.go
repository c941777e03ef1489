package session

import (
	"math"
	"math/rand"
	"time"
)

// Nominal returns the delay before retry attempt n (1-based) without jitter:
// InitialDelay grown by Multiplier per attempt and capped at MaxDelay.
func (c BackoffConfig) Nominal(attempt int) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(math.Max(c.Multiplier, 1), float64(attempt-1))
	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}

// Backoff yields the delays of one retry loop. It owns its jitter source and
// is not safe for concurrent use.
type Backoff struct {
	cfg BackoffConfig
	rng *rand.Rand
}

// NewBackoff seeds the jitter source. Equal seeds yield equal sequences.
func NewBackoff(cfg BackoffConfig, seed int64) *Backoff {
	return &Backoff{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// Delay returns the wait before retry attempt n. With Jitter set the nominal
// delay is scaled by a factor drawn uniformly from [0.5, 1.5).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.cfg.Nominal(attempt)
	if !b.cfg.Jitter || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (0.5 + b.rng.Float64()))
}
