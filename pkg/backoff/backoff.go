// Package backoff computes reconnect delays for the persistent connection.
//
// The delay for attempt n (n >= 1) is min(Base * Decay^(n-1), Cap). A Policy is
// a plain value; Delay and Exhausted are pure apart from the optional jitter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultBase        = 1000 * time.Millisecond
	DefaultCap         = 30000 * time.Millisecond
	DefaultDecay       = 1.5
	DefaultMaxAttempts = 10
)

type Policy struct {
	Base  time.Duration
	Cap   time.Duration
	Decay float64
	// MaxAttempts is the number of reconnect attempts allowed before giving up.
	// Zero means unlimited.
	MaxAttempts int
	// Jitter is the fraction of the delay that may be randomly shaved off, in [0, 1).
	// A jittered delay is never larger than the unjittered one.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		Base:        DefaultBase,
		Cap:         DefaultCap,
		Decay:       DefaultDecay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns the wait before reconnect attempt number attempt.
// Attempts below 1 are treated as the first attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Base)
	if base <= 0 {
		base = float64(DefaultBase)
	}
	decay := p.Decay
	if decay < 1 {
		decay = 1
	}

	d := base * math.Pow(decay, float64(attempt-1))
	if p.Cap > 0 && (d > float64(p.Cap) || math.IsInf(d, 1)) {
		d = float64(p.Cap)
	}

	if p.Jitter > 0 && p.Jitter < 1 {
		d -= d * p.Jitter * rand.Float64()
	}

	return time.Duration(d)
}

// Exhausted reports whether attempt is past the configured maximum.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}
