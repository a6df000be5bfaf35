package portalsync

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffStrategy selects how reconnect delays grow.
type BackoffStrategy string

const (
	// BackoffLinear waits base × attempt (base, 2×base, 3×base, ...).
	BackoffLinear BackoffStrategy = "linear"
	// BackoffExponential waits base × 2^(attempt-1), capped at the max
	// delay, without jitter.
	BackoffExponential BackoffStrategy = "exponential"
)

// linearBackOff implements backoff.BackOff with delays growing by a fixed
// step per attempt.
type linearBackOff struct {
	step    time.Duration
	max     time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	d := b.step * time.Duration(b.attempt)
	if b.max > 0 && d > b.max {
		d = b.max
	}
	return d
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// reconnector decides whether and when to retry a dropped connection.
// Not safe for concurrent use; the Transport guards it with its own lock.
type reconnector struct {
	backoff     backoff.BackOff
	maxAttempts int
	attempt     int
}

func newReconnector(config *Config, clk backoff.Clock) *reconnector {
	var b backoff.BackOff
	switch config.Backoff {
	case BackoffExponential:
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = config.ReconnectBaseDelay
		eb.MaxInterval = config.ReconnectMaxDelay
		eb.Multiplier = 2
		eb.RandomizationFactor = 0
		eb.MaxElapsedTime = 0
		if clk != nil {
			eb.Clock = clk
		}
		eb.Reset()
		b = eb
	default:
		b = &linearBackOff{step: config.ReconnectBaseDelay, max: config.ReconnectMaxDelay}
	}
	if config.MaxReconnectAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(config.MaxReconnectAttempts))
	}
	return &reconnector{backoff: b, maxAttempts: config.MaxReconnectAttempts}
}

// next returns the delay before the next attempt, or false once attempts
// are exhausted.
func (r *reconnector) next() (time.Duration, bool) {
	d := r.backoff.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempt++
	return d, true
}

// reset is called after a successful connect.
func (r *reconnector) reset() {
	r.attempt = 0
	r.backoff.Reset()
}
