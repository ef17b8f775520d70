package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by the sweep for every wait. Components
// depend on this interface rather than on the time package so that tests can
// run a full sweep without sleeping.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Mode describes how a clock advances.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances instantly: every wait completes immediately and
	// moves the clock forward by the waited duration.
	Accelerated
)

// New returns a clock for the given mode. start is only used by Accelerated.
func New(mode Mode, start time.Time) Clock {
	if mode == Accelerated {
		return NewVirtualClock(start)
	}
	return wallClock{}
}

type wallClock struct{}

func (wallClock) Now() time.Time                         { return time.Now() }
func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// VirtualClock is an accelerated Clock. It records each wait so callers can
// assert on the waiting pattern.
type VirtualClock struct {
	mu      sync.Mutex
	now     time.Time
	elapsed time.Duration
	waits   []time.Duration
}

// NewVirtualClock constructs a clock starting at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

// Now returns the current virtual time.
func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock by d and returns an already-fired channel.
func (c *VirtualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.elapsed += d
	}
	c.waits = append(c.waits, d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// SetTime moves the clock to t without recording a wait.
func (c *VirtualClock) SetTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Elapsed returns the total virtual time spent waiting.
func (c *VirtualClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Waits returns a copy of every wait duration requested so far.
func (c *VirtualClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

// Sleep blocks for d on clock, returning early with ctx.Err() if ctx is
// cancelled first. Non-positive durations return immediately.
func Sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}
