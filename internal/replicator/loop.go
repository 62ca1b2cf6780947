package replicator

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// Start begins the periodic sync loop. Under StrategyOnDemand no loop runs
// and sessions happen only through SyncWithPeer. The loop stops when ctx is
// done or Stop is called.
func (r *Replicator) Start(ctx context.Context) error {
	r.lmu.Lock()
	defer r.lmu.Unlock()

	if r.running {
		return errors.New("replicator already running")
	}
	r.running = true

	if r.cfg.Strategy == StrategyOnDemand {
		r.logger.Info("replicator started", "strategy", r.cfg.Strategy)
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)

	r.logger.Info("replicator started",
		"strategy", r.cfg.Strategy,
		"interval", r.cfg.SyncInterval,
		"peers", len(r.loopPeers()))
	return nil
}

// Stop ends the loop and waits for its sessions. In-flight sessions are
// canceled; whatever they applied stays applied. Stop is idempotent.
func (r *Replicator) Stop() {
	r.lmu.Lock()
	if !r.running {
		r.lmu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.lmu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	r.logger.Info("replicator stopped")
}

func (r *Replicator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(r.cfg.SyncInterval)
	defer ticker.Stop()

	r.tick(ctx, &wg)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx, &wg)
		}
	}
}

// tick starts one session per loop peer. A peer whose previous scheduled
// session is still running is skipped until the next tick.
func (r *Replicator) tick(ctx context.Context, wg *sync.WaitGroup) {
	cols := r.loopCollections()
	if len(cols) == 0 {
		return
	}
	for _, peer := range r.loopPeers() {
		if !r.claim(peer) {
			r.logger.Debug("previous session still running, skipping", "peer", peer)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer r.unclaim(peer)
			if err := r.SyncWithPeer(ctx, peer, WithCollections(cols...)); err != nil {
				r.logger.Debug("scheduled sync failed", "peer", peer, "error", err)
			}
		}()
	}
}

func (r *Replicator) claim(peer string) bool {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	if r.inflight[peer] {
		return false
	}
	r.inflight[peer] = true
	return true
}

func (r *Replicator) unclaim(peer string) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	delete(r.inflight, peer)
}

func (r *Replicator) loopPeers() []string {
	if r.cfg.Strategy == StrategySelective && len(r.cfg.PriorityPeers) > 0 {
		return r.cfg.PriorityPeers
	}
	return r.cfg.Peers
}

func (r *Replicator) loopCollections() []string {
	registered := r.Collections()
	if r.cfg.Strategy != StrategySelective || len(r.cfg.Collections) == 0 {
		return registered
	}
	return slices.DeleteFunc(slices.Clone(r.cfg.Collections), func(name string) bool {
		return !slices.Contains(registered, name)
	})
}
