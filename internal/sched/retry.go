package sched

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy computes the delay before a failed card is re-enqueued.
//
// Delay for attempt n (1-based) is min(Base * Multiplier^(n-1), Cap) with
// ±Jitter applied uniformly at random. A card gets at most MaxAttempts
// automatic retries per failure streak; the next consecutive failure is
// terminal.
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration

	// Jitter is the randomization factor. Zero means "unset" and falls back
	// to the default; set NoJitter for a deterministic schedule.
	Jitter   float64
	NoJitter bool

	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        30 * time.Second,
		Multiplier:  2,
		Cap:         5 * time.Minute,
		Jitter:      0.1,
		MaxAttempts: 5,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	if p.NoJitter {
		p.Jitter = 0
	} else if p.Jitter <= 0 {
		p.Jitter = def.Jitter
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// Exhausted reports whether failure streak n leaves no automatic retry.
func (p RetryPolicy) Exhausted(n int) bool { return n > p.MaxAttempts }

// Delay returns the backoff delay for attempt n (1-based). Attempts below 1
// are treated as 1.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Cap
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}
