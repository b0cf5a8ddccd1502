package ledger

import (
	"sync"
	"time"
)

// BlockClock reports wall time truncated to whole seconds, the granularity
// of a block timestamp.
type BlockClock struct{}

// Now returns the current block timestamp in UTC.
func (BlockClock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// ManualClock is a settable clock for tests and simulations. Time never
// moves backwards.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock starts a ManualClock at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t.UTC().Truncate(time.Second)}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t if t is not earlier than the current time.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t = t.UTC().Truncate(time.Second)
	if t.After(c.now) {
		c.now = t
	}
}
