package manager

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how the node is restarted after it exits.
type Policy struct {
	// InitialInterval is the delay before the first restart.
	InitialInterval time.Duration `json:"initial_interval"`
	Multiplier      float64       `json:"multiplier"`
	MaxInterval     time.Duration `json:"max_interval"`
	// MaxRetries is the number of consecutive restarts before the node is
	// declared degraded. Zero means unlimited.
	MaxRetries int `json:"max_retries"`
	// StableAfter resets the backoff when a run lasted at least this long.
	StableAfter time.Duration `json:"stable_after"`
}

// DefaultPolicy restarts after 5s, doubling up to 5m, for at most 10 attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 5 * time.Second,
		Multiplier:      2,
		MaxInterval:     5 * time.Minute,
		MaxRetries:      10,
		StableAfter:     time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return p
}

// newBackOff returns a deterministic exponential backoff: no jitter, no
// elapsed-time limit, capped at MaxRetries.
func (p Policy) newBackOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	if p.MaxRetries == 0 {
		return b
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxRetries))
}
