package session

import (
	"time"

	"github.com/danmuck/chirp/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// FixedBackoff waits the same delay before every attempt.
func FixedBackoff(d time.Duration) BackoffConfig {
	return BackoffConfig{InitialDelay: d, Multiplier: 1.0}
}

// Config defines link reliability defaults.
type Config struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// HeartbeatDivisor splits the assign timeout into heartbeat periods.
	HeartbeatDivisor int
	// IdleHeartbeat keeps the peer's dead-peer detection fed when the local
	// side runs without a timeout.
	IdleHeartbeat    time.Duration
	Limits           frame.Limits
	Backoff          BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		HeartbeatDivisor: 3,
		IdleHeartbeat:    time.Second,
		Limits:           frame.DefaultLimits(),
		Backoff:          FixedBackoff(time.Second),
	}
}

// HeartbeatInterval derives the keepalive period for a dead-peer timeout.
// Without a timeout it falls back to IdleHeartbeat.
func (c Config) HeartbeatInterval(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return c.IdleHeartbeat
	}
	div := c.HeartbeatDivisor
	if div < 2 {
		div = 2
	}
	return timeout / time.Duration(div)
}
