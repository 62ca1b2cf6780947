package crdt

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/ir"
	"github.com/roach88/convergent/internal/oplog"
	"github.com/roach88/convergent/internal/resolver"
)

// DefaultOrphanRetention is how long an operation may stay buffered before
// Orphans reports it.
const DefaultOrphanRetention = 5 * time.Minute

// Checkpointer persists applied operations. It is called once after every
// applied batch, in application order, and never while a batch is half
// applied.
type Checkpointer interface {
	Checkpoint(ctx context.Context, document string, ops []ir.Operation) error
}

// SnapshotCheckpointer is implemented by checkpointers that also persist
// full snapshots. It is called after compaction and after a snapshot merge.
type SnapshotCheckpointer interface {
	CheckpointSnapshot(ctx context.Context, s *Snapshot) error
}

// Listener is invoked once per applied operation with the operation and a
// copy of the resolved state immediately after it.
type Listener func(op ir.Operation, state map[string]ir.IRValue)

// Outcome reports what ApplyOperation did with an operation.
type Outcome int

const (
	// Applied means the operation took effect.
	Applied Outcome = iota + 1
	// Buffered means the operation waits for a dependency.
	Buffered
	// Duplicate means the operation was already applied.
	Duplicate
	// Rejected means the operation failed validation.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Stats counts what a document has done since it was created.
type Stats struct {
	Applied            int64 `json:"applied"`
	Buffered           int   `json:"buffered"`
	Duplicates         int64 `json:"duplicates"`
	Rejected           int64 `json:"rejected"`
	Conflicts          int64 `json:"conflicts"`
	ResolverFailures   int64 `json:"resolver_failures"`
	CheckpointFailures int64 `json:"checkpoint_failures"`
	Retained           int   `json:"retained"`
}

// opMeta is kept for every applied operation, including pruned ones.
// vector is the operation's full causal past.
type opMeta struct {
	actor  string
	seq    int64
	vector clock.VersionVector
}

// register is one surviving write in a key's frontier.
type register struct {
	op     ir.Operation
	vector clock.VersionVector
}

type pendingOp struct {
	op     ir.Operation
	since  time.Time
	warned bool
}

type listenerEntry struct {
	id     uint64
	fn     Listener
	active *atomic.Bool
}

// Document is a replicated key/value document.
type Document struct {
	id    string
	actor string

	mu        sync.RWMutex
	log       *oplog.Log
	vv        clock.VersionVector
	index     map[string]*opMeta
	heads     map[string]string
	registers map[string][]register
	members   map[string]map[string]ir.IRValue
	state     map[string]ir.IRValue
	pending   map[string]*pendingOp
	stats     Stats

	resolver     resolver.Resolver
	wall         *clock.WallClock
	now          func() time.Time
	retention    time.Duration
	checkpointer Checkpointer
	logger       *slog.Logger

	// ckMu orders checkpoints. It is taken before mu is released so
	// batches reach the checkpointer in application order.
	ckMu       sync.Mutex
	ckFailures atomic.Int64

	// nmu guards the notification queue. delivering is set while one
	// goroutine drains it.
	nmu        sync.Mutex
	queue      []event
	delivering bool

	lmu       sync.Mutex
	listeners []listenerEntry
	nextID    uint64
}

// Option configures a Document.
type Option func(*Document)

// WithResolver sets the conflict resolver. Nil means last-writer-wins.
func WithResolver(r resolver.Resolver) Option {
	return func(d *Document) {
		if r != nil {
			d.resolver = r
		}
	}
}

// WithNow sets the time source used for wall clock stamps and orphan
// retention.
func WithNow(now func() time.Time) Option {
	return func(d *Document) {
		if now != nil {
			d.now = now
		}
	}
}

// WithCheckpointer sets the durable storage hook.
func WithCheckpointer(c Checkpointer) Option {
	return func(d *Document) {
		d.checkpointer = c
	}
}

// WithOrphanRetention sets how long an operation may stay buffered before
// it is reported as orphaned.
func WithOrphanRetention(retention time.Duration) Option {
	return func(d *Document) {
		if retention >= 0 {
			d.retention = retention
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates an empty document. id names the document (its collection)
// and actor identifies this replica in every local operation. actor is
// stored in its canonical form.
func New(id, actor string, opts ...Option) *Document {
	d := &Document{
		id:        id,
		actor:     ir.NormalizeString(actor),
		log:       oplog.New(),
		vv:        clock.New(),
		index:     make(map[string]*opMeta),
		heads:     make(map[string]string),
		registers: make(map[string][]register),
		members:   make(map[string]map[string]ir.IRValue),
		state:     make(map[string]ir.IRValue),
		pending:   make(map[string]*pendingOp),
		resolver:  resolver.LWW{},
		now:       time.Now,
		retention: DefaultOrphanRetention,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wall = clock.NewWallClock(d.now)
	d.logger = d.logger.With("document", id)
	return d
}

// ID returns the document id.
func (d *Document) ID() string {
	return d.id
}

// Actor returns the local replica id.
func (d *Document) Actor() string {
	return d.actor
}

// Get returns the resolved value for key. The second result is false when
// the key is absent (never written, or deleted).
func (d *Document) Get(key string) (ir.IRValue, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.state[norm.NFC.String(key)]
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

// State returns a copy of the full resolved mapping.
func (d *Document) State() map[string]ir.IRValue {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyState(d.state)
}

// VersionVector returns a copy of the document's causal clock.
func (d *Document) VersionVector() clock.VersionVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.vv.Copy()
}

// Floor returns a copy of the compaction floor.
func (d *Document) Floor() clock.VersionVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.log.Floor()
}

// Stats returns a snapshot of the document counters.
func (d *Document) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := d.stats
	s.Buffered = len(d.pending)
	s.Retained = d.log.Len()
	s.CheckpointFailures = d.ckFailures.Load()
	return s
}

// OperationsSince returns every applied operation not reflected in vv, in
// an order where no operation precedes its dependencies. If vv sits below
// the compaction floor it returns a SNAPSHOT_REQUIRED error.
func (d *Document) OperationsSince(vv clock.VersionVector) ([]ir.Operation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ops, err := d.log.Since(vv)
	if err != nil {
		return nil, &Error{
			Code:     ErrCodeSnapshotRequired,
			Message:  "requested operations were compacted",
			Document: d.id,
			Cause:    err,
		}
	}
	return ops, nil
}

// Subscribe registers a listener for applied operations and returns a
// function that removes it. Listeners are called one at a time, in the
// order operations were applied. Unsubscribing is idempotent and does not
// affect other listeners.
func (d *Document) Subscribe(fn Listener) func() {
	d.lmu.Lock()
	defer d.lmu.Unlock()

	d.nextID++
	entry := listenerEntry{id: d.nextID, fn: fn, active: new(atomic.Bool)}
	entry.active.Store(true)
	d.listeners = append(d.listeners, entry)

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.active.Store(false)
			d.lmu.Lock()
			defer d.lmu.Unlock()
			d.listeners = slices.DeleteFunc(d.listeners, func(e listenerEntry) bool {
				return e.id == entry.id
			})
		})
	}
}

// SetResolver replaces the conflict resolver and re-resolves every key that
// currently holds concurrent writes.
func (d *Document) SetResolver(r resolver.Resolver) {
	if r == nil {
		r = resolver.LWW{}
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.resolver = r
	for key, front := range d.registers {
		if len(front) > 1 {
			d.resolveKeyLocked(key)
		}
	}
}

// Merge pulls every operation other has that d lacks. When other has
// compacted past d's vector, its snapshot is merged instead.
func (d *Document) Merge(other *Document) (int, error) {
	if other == nil || other == d {
		return 0, nil
	}
	ops, err := other.OperationsSince(d.VersionVector())
	if IsSnapshotRequired(err) {
		return d.ApplySnapshot(other.Snapshot())
	}
	if err != nil {
		return 0, err
	}
	return d.ApplyOperations(ops), nil
}
