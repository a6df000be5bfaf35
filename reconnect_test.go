package portalsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/medpulse-health/portalsync/clock"
)

func drain(r *reconnector, limit int) []time.Duration {
	var out []time.Duration
	for i := 0; i < limit; i++ {
		d, ok := r.next()
		if !ok {
			break
		}
		out = append(out, d)
	}
	return out
}

func TestReconnectorLinear(t *testing.T) {
	cfg := &Config{ReconnectBaseDelay: time.Second, ReconnectMaxDelay: 4 * time.Second, MaxReconnectAttempts: 6}
	cfg.defaults()
	r := newReconnector(cfg, clock.Fake(epoch))

	got := drain(r, 10)
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second,
	}, got)
	assert.Equal(t, 6, r.attempt)

	_, ok := r.next()
	assert.False(t, ok, "no retry past the attempt limit")
}

func TestReconnectorDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.defaults()
	r := newReconnector(cfg, nil)

	assert.Equal(t, []time.Duration{
		3 * time.Second, 6 * time.Second, 9 * time.Second, 12 * time.Second, 15 * time.Second,
	}, drain(r, 10))
}

func TestReconnectorExponential(t *testing.T) {
	cfg := &Config{
		Backoff:              BackoffExponential,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    10 * time.Second,
		MaxReconnectAttempts: 6,
	}
	cfg.defaults()
	r := newReconnector(cfg, clock.Fake(epoch))

	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, drain(r, 10))
}

func TestReconnectorDelaysNeverDecrease(t *testing.T) {
	for _, strategy := range []BackoffStrategy{BackoffLinear, BackoffExponential} {
		t.Run(string(strategy), func(t *testing.T) {
			cfg := &Config{Backoff: strategy, ReconnectBaseDelay: 500 * time.Millisecond, MaxReconnectAttempts: -1}
			cfg.defaults()
			r := newReconnector(cfg, clock.Fake(epoch))

			delays := drain(r, 50)
			assert.Len(t, delays, 50, "negative limit retries forever")
			for i := 1; i < len(delays); i++ {
				assert.GreaterOrEqual(t, delays[i], delays[i-1])
			}
		})
	}
}

func TestReconnectorReset(t *testing.T) {
	cfg := &Config{MaxReconnectAttempts: 2}
	cfg.defaults()
	r := newReconnector(cfg, nil)

	drain(r, 5)
	_, ok := r.next()
	assert.False(t, ok)

	r.reset()
	d, ok := r.next()
	assert.True(t, ok)
	assert.Equal(t, DefaultReconnectBaseDelay, d)
	assert.Equal(t, 1, r.attempt)
}
