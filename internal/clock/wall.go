package clock

import (
	"sync"
	"time"
)

// WallClock issues hybrid millisecond timestamps for local writes.
//
// Next returns max(now, last+1) where last is the greatest stamp issued or
// observed. Observing every remote stamp before writing means a write that
// causally follows another always carries a strictly greater stamp, which
// keeps last-writer-wins consistent with causality.
type WallClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewWallClock creates a clock reading now. A nil now uses time.Now.
func NewWallClock(now func() time.Time) *WallClock {
	if now == nil {
		now = time.Now
	}
	return &WallClock{now: now}
}

// Next returns the next timestamp in unix milliseconds.
func (c *WallClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Observe records a timestamp seen on a remote operation.
func (c *WallClock) Observe(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ts > c.last {
		c.last = ts
	}
}

// Last returns the greatest timestamp issued or observed so far.
func (c *WallClock) Last() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
