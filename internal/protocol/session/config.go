package session

import (
	"time"

	"github.com/danmuck/gcomm/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines peer-mesh connection defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	DialAttempts     int
	Backoff          BackoffConfig
	Limits           frame.Limits
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		DialAttempts:     20,
		Backoff: BackoffConfig{
			InitialDelay: 50 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
		Limits: frame.DefaultLimits(),
	}
}
