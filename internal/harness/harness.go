package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
	"github.com/roach88/convergent/internal/replicator"
	"github.com/roach88/convergent/internal/resolver"
	"github.com/roach88/convergent/internal/testutil"
	"github.com/roach88/convergent/internal/transport"
)

// Harness executes one scenario. Every replica runs on the same in-memory
// network and the same step clock.
type Harness struct {
	scenario *Scenario
	clock    *testutil.StepClock
	network  *transport.Network
	replicas map[string]*replicator.Replicator
	logger   *slog.Logger
}

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the logger handed to every replica. Defaults to a
// discarding logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Harness) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// Run executes a scenario and returns the result. Step and assertion
// failures are reported in the result; the error is only for a scenario
// that could not be set up.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h, err := newHarness(scenario, opts...)
	if err != nil {
		return nil, err
	}
	defer h.close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, i, step)
		result.Trace = append(result.Trace, ev)
		if err != nil {
			result.AddError(fmt.Sprintf("steps[%d] %s on %s: %v", i, step.Action, step.Replica, err))
		}
	}

	if err := h.collectFinal(result); err != nil {
		return nil, err
	}
	for _, msg := range EvaluateAssertions(h, result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario, opts ...Option) (*Harness, error) {
	h := &Harness{
		scenario: s,
		clock:    testutil.NewStepClock(),
		network:  transport.NewNetwork(),
		replicas: make(map[string]*replicator.Replicator, len(s.Replicas)),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(h)
	}

	strategy, err := replicator.ParseStrategy(s.Strategy)
	if err != nil {
		return nil, err
	}
	var timeout time.Duration
	if s.SessionTimeout != "" {
		if timeout, err = time.ParseDuration(s.SessionTimeout); err != nil {
			return nil, fmt.Errorf("session_timeout: %w", err)
		}
	}

	for _, id := range s.Replicas {
		cfg := replicator.Config{
			Strategy:       strategy,
			SessionTimeout: timeout,
			MaxBatchSize:   s.MaxBatchSize,
			Peers:          slices.DeleteFunc(slices.Clone(s.Replicas), func(p string) bool { return p == id }),
			Collections:    s.Collections,
		}
		r, err := replicator.New(id, h.network.Join(id), cfg,
			replicator.WithNow(h.clock.Now),
			replicator.WithLogger(h.logger),
			replicator.WithIDGenerator(replicator.NewSequenceGenerator(id)),
		)
		if err != nil {
			h.close()
			return nil, fmt.Errorf("replica %s: %w", id, err)
		}
		if s.Resolver == ResolverConcat {
			r.OnConflict(concatResolver)
		}
		h.replicas[id] = r
	}
	return h, nil
}

func (h *Harness) close() {
	for _, r := range h.replicas {
		r.Stop()
	}
}

// concatResolver joins two concurrent string writes as "older+newer".
// Anything else falls back to the newer value.
var concatResolver = resolver.Func(func(_ string, older, newer ir.Operation) (ir.IRValue, error) {
	a, okA := older.Value.(ir.IRString)
	b, okB := newer.Value.(ir.IRString)
	if !okA || !okB {
		return newer.Value, nil
	}
	return a + "+" + b, nil
})

func (h *Harness) document(replica, collection string) (*crdt.Document, error) {
	doc, ok := h.replicas[replica].Collection(collection)
	if !ok {
		return nil, fmt.Errorf("collection %q is not registered on %s", collection, replica)
	}
	return doc, nil
}

// execute runs one step and returns its trace event.
func (h *Harness) execute(ctx context.Context, index int, step Step) (TraceEvent, error) {
	ev := TraceEvent{
		Step:       index,
		Replica:    step.Replica,
		Action:     step.Action,
		Collection: step.Collection,
		Key:        step.Key,
		Peer:       step.Peer,
	}

	switch step.Action {
	case ActionSet, ActionDelete, ActionAdd, ActionRemove:
		value, err := h.write(step)
		ev.Value = value
		return ev, err

	case ActionSync:
		err := h.replicas[step.Replica].SyncWithPeer(ctx, step.Peer)
		var se *replicator.SyncError
		if errors.As(err, &se) {
			ev.Error = string(se.Code)
		} else if err != nil {
			ev.Error = err.Error()
		}
		switch {
		case step.ExpectError == "" && err != nil:
			return ev, err
		case step.ExpectError != "" && ev.Error != step.ExpectError:
			return ev, fmt.Errorf("expected sync error %s, got %q", step.ExpectError, ev.Error)
		}
		return ev, nil

	case ActionPartition:
		h.network.Partition(step.Replica, step.Peer)
	case ActionHeal:
		h.network.Heal(step.Replica, step.Peer)
	case ActionBlock:
		h.network.Block(step.Peer)
	case ActionUnblock:
		h.network.Unblock(step.Peer)

	case ActionAdvance:
		d, err := time.ParseDuration(step.Duration)
		if err != nil {
			return ev, err
		}
		h.clock.Advance(d)

	case ActionCompact:
		doc, err := h.document(step.Replica, step.Collection)
		if err != nil {
			return ev, err
		}
		doc.Compact(doc.VersionVector())

	default:
		return ev, fmt.Errorf("unknown action %q", step.Action)
	}
	return ev, nil
}

// write performs a local write and returns the resolved value of the key.
func (h *Harness) write(step Step) (ir.IRValue, error) {
	doc, err := h.document(step.Replica, step.Collection)
	if err != nil {
		return nil, err
	}

	var value ir.IRValue
	if step.Value != nil {
		if value, err = ir.FromGo(step.Value); err != nil {
			return nil, fmt.Errorf("value: %w", err)
		}
	}

	switch step.Action {
	case ActionSet:
		return doc.Set(step.Key, value)
	case ActionDelete:
		return doc.Delete(step.Key), nil
	case ActionAdd:
		return doc.Add(step.Key, value)
	default:
		return doc.Remove(step.Key, value), nil
	}
}

// collectFinal records every replica's final view of every collection.
func (h *Harness) collectFinal(result *Result) error {
	for _, id := range h.scenario.Replicas {
		views := make(map[string]ReplicaState, len(h.scenario.Collections))
		for _, name := range h.scenario.Collections {
			doc, err := h.document(id, name)
			if err != nil {
				return err
			}
			state := doc.State()
			digest, err := ir.StateDigest(state)
			if err != nil {
				return fmt.Errorf("replica %s: %w", id, err)
			}
			views[name] = ReplicaState{State: state, Vector: doc.VersionVector(), Digest: digest}
		}
		result.Final[id] = views
	}
	return nil
}
