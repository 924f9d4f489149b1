package bridge

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Default backoff bounds.
const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newBackoff returns an unjittered exponential schedule starting at base,
// doubling each step and capped at max. Delays never decrease.
func newBackoff(base, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delays returns the first n delays of the schedule.
func Delays(base, max time.Duration, n int) []time.Duration {
	b := newBackoff(base, max)
	out := make([]time.Duration, n)
	for i := range out {
		out[i] = b.NextBackOff()
	}
	return out
}
