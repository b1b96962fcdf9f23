package domain

import (
	"math/rand/v2"
	"time"
)

// RetryPolicy computes the delay before a failed job re-enters the queue.
// The delay doubles with each recorded retry and is capped at Max. Jitter,
// when non-zero, spreads retries by up to that fraction either way so a
// burst of failures does not come back as a burst of retries.
type RetryPolicy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand overrides the jitter source; tests pin it for determinism.
	Rand func() float64
}

// DefaultRetryPolicy returns the production schedule: 60s, 120s, 240s, 480s,
// then 480s for every further attempt, each within plus or minus 15 percent.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:   time.Minute,
		Max:    8 * time.Minute,
		Jitter: 0.15,
	}
}

// Allows reports whether the retry budget covers another attempt.
func (p RetryPolicy) Allows(retryCount, maxRetries int) bool {
	return retryCount < maxRetries
}

// Delay returns the backoff for the attempt after retryCount recorded
// retries.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	d := p.Base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.Max {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	if p.Jitter > 0 {
		f := p.Rand
		if f == nil {
			f = rand.Float64
		}
		d = time.Duration(float64(d) * (1 + p.Jitter*(2*f()-1)))
	}
	return d
}

// NextAt returns the wall-clock time the retry becomes due.
func (p RetryPolicy) NextAt(now time.Time, retryCount int) time.Time {
	return now.Add(p.Delay(retryCount))
}
