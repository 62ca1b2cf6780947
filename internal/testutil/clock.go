package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start time of a StepClock: 2024-01-01T00:00:00Z.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// StepClock is a manual time source for tests.
//
// Now returns the same instant until Advance or Set moves it, so documents
// built with it stamp operations deterministically: each write gets the
// next millisecond after the last stamp issued or observed.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewStepClock creates a clock at Epoch.
func NewStepClock() *StepClock {
	return &StepClock{now: Epoch}
}

// NewStepClockAt creates a clock at t.
func NewStepClockAt(t time.Time) *StepClock {
	return &StepClock{now: t}
}

// Now returns the current instant.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new instant.
func (c *StepClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Set moves the clock to t.
func (c *StepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Reset moves the clock back to Epoch.
func (c *StepClock) Reset() {
	c.Set(Epoch)
}
