package replicator

import (
	"context"
	"sync"
)

// gate admits at most limit sessions at once. Waiters are admitted in
// arrival order: Release hands its slot directly to the oldest waiter.
type gate struct {
	mu      sync.Mutex
	limit   int
	active  int
	waiters []chan struct{} // each buffered, size 1
}

func newGate(limit int) *gate {
	if limit < 1 {
		limit = 1
	}
	return &gate{limit: limit, waiters: make([]chan struct{}, 0, 8)}
}

// TryAcquire takes a slot without waiting. It fails when all slots are busy
// or other sessions are already queued.
func (g *gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active < g.limit && len(g.waiters) == 0 {
		g.active++
		return true
	}
	return false
}

// Acquire takes a slot, waiting in FIFO order until one is free or ctx is
// done.
func (g *gate) Acquire(ctx context.Context) error {
	g.mu.Lock()
	if g.active < g.limit && len(g.waiters) == 0 {
		g.active++
		g.mu.Unlock()
		return nil
	}
	signal := make(chan struct{}, 1)
	g.waiters = append(g.waiters, signal)
	g.mu.Unlock()

	select {
	case <-signal:
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	for i, w := range g.waiters {
		if w == signal {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			g.mu.Unlock()
			return ctx.Err()
		}
	}
	g.mu.Unlock()

	// The slot was handed over while ctx fired; pass it on.
	g.Release()
	return ctx.Err()
}

// Release frees a slot, handing it to the oldest waiter if there is one.
func (g *gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.waiters) > 0 {
		next := g.waiters[0]
		g.waiters[0] = nil
		g.waiters = g.waiters[1:]
		next <- struct{}{}
		return
	}
	if g.active > 0 {
		g.active--
	}
}

// Active returns the number of held slots.
func (g *gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Waiting returns the number of queued sessions.
func (g *gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
