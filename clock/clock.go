// Package clock wraps timer scheduling so the sync client's heartbeat,
// reconnect backoff and simulation ticks can run against virtual time in
// tests.
//
// Production code holds a Clock and never calls time.Now or
// time.AfterFunc directly:
//
//	t := &Transport{clock: clock.Real()}
//
// Tests inject a FakeClock and move time forward explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	c.WaitForTimers(1)
//	c.Advance(30 * time.Second)
package clock

import "time"

// Clock schedules deferred work.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels
	// the call. Real clocks run f on its own goroutine; the fake clock
	// runs it synchronously inside Advance.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the pending call. It reports whether the call was still
// pending.
func (t *Timer) Stop() bool {
	if t == nil || t.stop == nil {
		return false
	}
	return t.stop()
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}
