package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a Clock whose time only moves when Advance is called.
// Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	at   time.Time
	seq  uint64
	fn   func()
	done bool
}

// Fake returns a FakeClock starting at start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the virtual time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run when the clock is advanced past now+d.
// A non-positive d still registers the timer; it fires on the next
// Advance, including Advance(0). This keeps callers that hold their own
// locks from re-entering themselves.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d < 0 {
		d = 0
	}
	c.seq++
	ft := &fakeTimer{at: c.now.Add(d), seq: c.seq, fn: f}
	c.pending = append(c.pending, ft)
	c.changed.Broadcast()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if ft.done {
			return false
		}
		ft.done = true
		c.removeLocked(ft)
		c.changed.Broadcast()
		return true
	}}
}

// Advance moves the clock forward by d and runs every timer whose
// deadline has been reached, in deadline order, on the calling
// goroutine. Timers registered by those callbacks with a deadline inside
// the advanced window also fire before Advance returns.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		ft := c.popDue(target)
		if ft == nil {
			break
		}
		ft.fn()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// popDue removes and returns the earliest timer due at or before target,
// moving the clock to its deadline so callbacks observe the right Now.
func (c *FakeClock) popDue(target time.Time) *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil
	}
	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].at.Equal(c.pending[j].at) {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].at.Before(c.pending[j].at)
	})
	ft := c.pending[0]
	if ft.at.After(target) {
		return nil
	}
	c.pending = c.pending[1:]
	ft.done = true
	if ft.at.After(c.now) {
		c.now = ft.at
	}
	c.changed.Broadcast()
	return ft
}

func (c *FakeClock) removeLocked(ft *fakeTimer) {
	for i, p := range c.pending {
		if p == ft {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// PendingCount returns how many timers are waiting to fire.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WaitForTimers blocks until at least n timers are pending. Use it to
// wait for a goroutine to arm its next timer before calling Advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}
