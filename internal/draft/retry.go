package draft

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds automatic draft retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // randomization factor in [0, 1)
}

// DefaultRetryPolicy allows three attempts in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    5 * time.Minute,
		Jitter:      0.2,
	}
}

// Exhausted reports whether failures have used up the budget.
func (p RetryPolicy) Exhausted(failures int) bool {
	return failures >= p.MaxAttempts
}

// Delay returns how long to wait before the retry that follows the given
// number of failures: base × 2^(failures-1), capped, with jitter.
func (p RetryPolicy) Delay(failures int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < failures; i++ {
		d = b.NextBackOff()
	}
	return d
}
