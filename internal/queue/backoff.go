package queue

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy computes retry delays: base · multiplier^attempt, capped,
// with jitter in [0, delay·JitterFraction] to avoid thundering herds.
type BackoffPolicy struct {
	Base           time.Duration
	Multiplier     float64
	Cap            time.Duration
	JitterFraction float64
}

// DefaultBackoff is the queue retry policy.
var DefaultBackoff = BackoffPolicy{
	Base:           time.Second,
	Multiplier:     2,
	Cap:            5 * time.Minute,
	JitterFraction: 0.1,
}

// Delay returns the wait before retry number attempt (0-based: the first
// retry waits roughly Base).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		p.Base = DefaultBackoff.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultBackoff.Multiplier
	}
	if p.Cap <= 0 {
		p.Cap = DefaultBackoff.Cap
	}

	delay := time.Duration(float64(p.Base) * math.Pow(p.Multiplier, float64(attempt)))
	if delay <= 0 || delay > p.Cap {
		delay = p.Cap
	}
	if p.JitterFraction > 0 {
		delay += time.Duration(rand.Int63n(int64(float64(delay)*p.JitterFraction) + 1))
	}
	return delay
}
