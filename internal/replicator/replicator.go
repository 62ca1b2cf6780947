package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
	"github.com/roach88/convergent/internal/resolver"
	"github.com/roach88/convergent/internal/transport"
)

// VectorCache persists the last known version vector of each peer per
// collection, so incremental deltas and the compaction floor survive a
// restart.
type VectorCache interface {
	// LoadPeerVector returns nil when nothing is stored.
	LoadPeerVector(ctx context.Context, peer, collection string) (clock.VersionVector, error)
	SavePeerVector(ctx context.Context, peer, collection string, vv clock.VersionVector) error
}

// DocumentFactory creates the document backing a collection, for example by
// hydrating it from storage.
type DocumentFactory func(name string) (*crdt.Document, error)

// Replicator synchronizes registered collections with peers.
//
// Thread-safety: every method is safe for concurrent use.
type Replicator struct {
	actor     string
	cfg       Config
	transport transport.Transport
	logger    *slog.Logger
	ids       IDGenerator
	now       func() time.Time
	factory   DocumentFactory
	cache     VectorCache

	mu       sync.RWMutex
	docs     map[string]*crdt.Document
	resolver resolver.Resolver

	vmu    sync.Mutex
	remote map[peerCollection]clock.VersionVector

	plmu      sync.Mutex
	peerLocks map[string]chan struct{}

	gate   *gate
	status *tracker

	lmu      sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	inflight map[string]bool
}

type peerCollection struct {
	peer       string
	collection string
}

type collection struct {
	name string
	doc  *crdt.Document
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Replicator) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIDGenerator sets the session id generator. Defaults to UUIDv7.
func WithIDGenerator(g IDGenerator) Option {
	return func(r *Replicator) {
		if g != nil {
			r.ids = g
		}
	}
}

// WithNow sets the time source for status timestamps and new documents.
func WithNow(now func() time.Time) Option {
	return func(r *Replicator) {
		if now != nil {
			r.now = now
		}
	}
}

// WithDocumentFactory sets how RegisterCollection creates documents.
func WithDocumentFactory(f DocumentFactory) Option {
	return func(r *Replicator) {
		r.factory = f
	}
}

// WithVectorCache persists peer vectors.
func WithVectorCache(c VectorCache) Option {
	return func(r *Replicator) {
		r.cache = c
	}
}

// New creates a Replicator for the local replica actor and installs its
// inbound handler on t. Config.Collections are registered immediately.
func New(actor string, t transport.Transport, cfg Config, opts ...Option) (*Replicator, error) {
	if actor == "" {
		return nil, errors.New("replicator needs an actor id")
	}
	if !ir.IsCanonicalString(actor) {
		return nil, fmt.Errorf("actor id %q must be valid UTF-8 in NFC", actor)
	}
	if t == nil {
		return nil, errors.New("replicator needs a transport")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid replicator config: %w", err)
	}

	r := &Replicator{
		actor:     actor,
		cfg:       cfg,
		transport: t,
		logger:    slog.Default(),
		ids:       UUIDv7Generator{},
		now:       time.Now,
		docs:      make(map[string]*crdt.Document),
		remote:    make(map[peerCollection]clock.VersionVector),
		peerLocks: make(map[string]chan struct{}),
		gate:      newGate(cfg.MaxConcurrentSyncs),
		status:    newTracker(cfg.MaxSyncErrors),
		inflight:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("actor", actor)
	if r.factory == nil {
		r.factory = func(name string) (*crdt.Document, error) {
			return crdt.New(name, r.actor, crdt.WithNow(r.now), crdt.WithLogger(r.logger)), nil
		}
	}

	for _, name := range cfg.Collections {
		if _, err := r.RegisterCollection(name); err != nil {
			return nil, err
		}
	}
	t.Listen(r.handle)
	return r, nil
}

// Actor returns the local replica id.
func (r *Replicator) Actor() string {
	return r.actor
}

// Config returns the effective configuration.
func (r *Replicator) Config() Config {
	return r.cfg.withDefaults()
}

// RegisterCollection adds a collection and returns its document.
// Registering a name twice returns the existing document.
func (r *Replicator) RegisterCollection(name string) (*crdt.Document, error) {
	if name == "" {
		return nil, errors.New("collection name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if doc, ok := r.docs[name]; ok {
		return doc, nil
	}
	doc, err := r.factory(name)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", name, err)
	}
	if doc.ID() != name {
		return nil, fmt.Errorf("create collection %s: factory returned document %q", name, doc.ID())
	}
	if r.resolver != nil {
		doc.SetResolver(r.resolver)
	}
	r.docs[name] = doc
	r.logger.Info("registered collection", "collection", name)
	return doc, nil
}

// UnregisterCollection removes a collection. It reports whether the
// collection was registered. Sessions already running keep their document.
func (r *Replicator) UnregisterCollection(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.docs[name]; !ok {
		return false
	}
	delete(r.docs, name)
	r.logger.Info("unregistered collection", "collection", name)
	return true
}

// Collection returns a registered collection's document.
func (r *Replicator) Collection(name string) (*crdt.Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[name]
	return doc, ok
}

// Collections returns the registered collection names, sorted.
func (r *Replicator) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.docs))
	for name := range r.docs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OnConflict installs res on every managed document, current and future.
// Nil restores last-writer-wins.
func (r *Replicator) OnConflict(res resolver.Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.resolver = res
	for _, doc := range r.docs {
		doc.SetResolver(res)
	}
}

// Status returns a snapshot of replication activity.
func (r *Replicator) Status() Status {
	s := r.status.snapshot()
	s.Strategy = r.cfg.Strategy
	s.Collections = r.Collections()
	r.lmu.Lock()
	s.Running = r.running
	r.lmu.Unlock()
	return s
}

type syncOptions struct {
	queue       bool
	collections []string
}

// SyncOption configures one SyncWithPeer call.
type SyncOption func(*syncOptions)

// WithoutQueue makes SyncWithPeer fail with CAPACITY_EXCEEDED instead of
// waiting for a free slot.
func WithoutQueue() SyncOption {
	return func(o *syncOptions) {
		o.queue = false
	}
}

// WithCollections limits the session to the named collections.
func WithCollections(names ...string) SyncOption {
	return func(o *syncOptions) {
		o.collections = append(o.collections, names...)
	}
}

// SyncWithPeer runs one session with peer: for each collection it exchanges
// version vectors, pushes the local delta, then pulls and applies the
// peer's delta. It returns nil when the session succeeded. Failures are
// *SyncError values (joined when several collections failed) and are also
// recorded in Status.
func (r *Replicator) SyncWithPeer(ctx context.Context, peer string, opts ...SyncOption) error {
	o := syncOptions{queue: true}
	for _, opt := range opts {
		opt(&o)
	}
	if peer == "" || peer == r.actor {
		return fmt.Errorf("invalid sync peer %q", peer)
	}

	cols, err := r.resolveCollections(o.collections)
	if err != nil {
		se := classify(err, peer, "")
		r.status.rejected(r.record(se))
		return se
	}

	r.status.queued()
	release, err := r.admit(ctx, peer, o.queue)
	r.status.dequeued()
	if err != nil {
		se := classify(err, peer, "")
		r.logger.Warn("sync session not admitted", "peer", peer, "code", se.Code, "error", err)
		r.status.rejected(r.record(se))
		return se
	}
	defer release()

	return r.runSession(ctx, peer, cols)
}

func (r *Replicator) resolveCollections(names []string) ([]collection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(names) == 0 {
		for name := range r.docs {
			names = append(names, name)
		}
	}
	names = slices.Compact(slices.Sorted(slices.Values(names)))

	cols := make([]collection, 0, len(names))
	for _, name := range names {
		doc, ok := r.docs[name]
		if !ok {
			return nil, &SyncError{
				Code:       ErrCodeUnknownCollection,
				Message:    fmt.Sprintf("collection %q is not registered", name),
				Collection: name,
			}
		}
		cols = append(cols, collection{name: name, doc: doc})
	}
	return cols, nil
}

// admit takes the peer's session lock and a gate slot. Same-peer sessions
// never overlap; without queuing either wait fails fast.
func (r *Replicator) admit(ctx context.Context, peer string, queue bool) (func(), error) {
	lock := r.peerLock(peer)

	if !queue {
		select {
		case lock <- struct{}{}:
		default:
			return nil, &SyncError{Code: ErrCodeCapacityExceeded, Message: "a session with this peer is in progress", Peer: peer}
		}
		if !r.gate.TryAcquire() {
			<-lock
			return nil, &SyncError{
				Code:    ErrCodeCapacityExceeded,
				Message: fmt.Sprintf("all %d session slots are busy", r.cfg.MaxConcurrentSyncs),
				Peer:    peer,
			}
		}
		return func() { r.gate.Release(); <-lock }, nil
	}

	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := r.gate.Acquire(ctx); err != nil {
		<-lock
		return nil, err
	}
	return func() { r.gate.Release(); <-lock }, nil
}

func (r *Replicator) peerLock(peer string) chan struct{} {
	r.plmu.Lock()
	defer r.plmu.Unlock()
	lock, ok := r.peerLocks[peer]
	if !ok {
		lock = make(chan struct{}, 1)
		r.peerLocks[peer] = lock
	}
	return lock
}

func (r *Replicator) runSession(ctx context.Context, peer string, cols []collection) error {
	id := r.ids.Generate()
	log := r.logger.With("session", id, "peer", peer)
	timer := prometheus.NewTimer(syncSessionDuration)
	defer timer.ObserveDuration()

	sctx, cancel := context.WithTimeout(ctx, r.cfg.SessionTimeout)
	defer cancel()

	r.status.started()
	log.Debug("sync session started", "collections", len(cols))

	var (
		errs           []error
		recs           []SyncErrorRecord
		pushed, pulled int
	)
	for _, c := range cols {
		p, q, err := r.syncCollection(sctx, peer, c)
		pushed += p
		pulled += q
		if err == nil {
			continue
		}
		se := classify(err, peer, c.name)
		se.SessionID = id
		errs = append(errs, se)
		recs = append(recs, r.record(se))
		log.Warn("collection sync failed", "collection", c.name, "code", se.Code, "error", err)
		if aborts(se) {
			break
		}
	}
	r.status.finished(r.now(), recs)

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Info("sync session completed", "pushed", pushed, "pulled", pulled)
	if r.cfg.GarbageCollect {
		for _, c := range cols {
			r.collectGarbage(ctx, c)
		}
	}
	return nil
}

func (r *Replicator) record(se *SyncError) SyncErrorRecord {
	return SyncErrorRecord{
		SessionID:  se.SessionID,
		Peer:       se.Peer,
		Collection: se.Collection,
		Code:       se.Code,
		Error:      se.Error(),
		Time:       r.now(),
	}
}

func (r *Replicator) syncCollection(ctx context.Context, peer string, c collection) (pushed, pulled int, err error) {
	remote, err := r.exchangeVectors(ctx, peer, c)
	if err != nil {
		return 0, 0, err
	}
	if pushed, err = r.push(ctx, peer, c, remote); err != nil {
		return pushed, 0, err
	}
	if pulled, err = r.pull(ctx, peer, c); err != nil {
		return pushed, pulled, err
	}

	if orphans := c.doc.Orphans(); len(orphans) > 0 {
		r.logger.Warn("recovering orphaned operations from snapshot",
			"collection", c.name, "peer", peer, "orphans", len(orphans))
		n, err := r.pullSnapshot(ctx, peer, c)
		return pushed, pulled + n, err
	}
	return pushed, pulled, nil
}

// exchangeVectors returns the peer's vector. Delta strategies reuse the
// last known vector; every response refreshes it.
func (r *Replicator) exchangeVectors(ctx context.Context, peer string, c collection) (clock.VersionVector, error) {
	if r.cfg.Strategy != StrategyFull {
		if vv, ok := r.cached(ctx, peer, c.name); ok {
			return vv, nil
		}
	}
	return r.remoteVector(ctx, peer, c)
}

// RemoteStateVector queries peer's current version vector for collection.
func (r *Replicator) RemoteStateVector(ctx context.Context, peer, collectionName string) (clock.VersionVector, error) {
	cols, err := r.resolveCollections([]string{collectionName})
	if err != nil {
		return nil, classify(err, peer, collectionName)
	}
	vv, err := r.remoteVector(ctx, peer, cols[0])
	if err != nil {
		return nil, classify(err, peer, collectionName)
	}
	return vv, nil
}

func (r *Replicator) remoteVector(ctx context.Context, peer string, c collection) (clock.VersionVector, error) {
	resp, err := r.request(ctx, peer, &Request{Type: MsgVector, Collection: c.name, Vector: c.doc.VersionVector()})
	if err != nil {
		return nil, err
	}
	r.observe(ctx, peer, c.name, resp.Vector)
	return resp.Vector, nil
}

// push sends the operations remote lacks. FULL sends the whole log. A peer
// below the local compaction floor gets a snapshot.
func (r *Replicator) push(ctx context.Context, peer string, c collection, remote clock.VersionVector) (int, error) {
	since := remote
	if r.cfg.Strategy == StrategyFull {
		since = clock.New()
	}
	ops, err := c.doc.OperationsSince(since)
	if crdt.IsSnapshotRequired(err) {
		return r.pushSnapshot(ctx, peer, c)
	}
	if err != nil {
		return 0, err
	}
	return r.sendOperations(ctx, peer, c.name, ops)
}

func (r *Replicator) sendOperations(ctx context.Context, peer, name string, ops []ir.Operation) (int, error) {
	sent := 0
	for batch := range slices.Chunk(ops, r.cfg.MaxBatchSize) {
		resp, err := r.request(ctx, peer, &Request{Type: MsgPush, Collection: name, Operations: batch})
		if err != nil {
			return sent, err
		}
		r.observe(ctx, peer, name, resp.Vector)
		sent += len(batch)
		syncOperationsTotal.WithLabelValues(directionPushed).Add(float64(len(batch)))
	}
	return sent, nil
}

func (r *Replicator) pushSnapshot(ctx context.Context, peer string, c collection) (int, error) {
	resp, err := r.request(ctx, peer, &Request{Type: MsgPush, Collection: c.name, Snapshot: c.doc.Snapshot()})
	if err != nil {
		return 0, err
	}
	r.observe(ctx, peer, c.name, resp.Vector)
	syncSnapshotsTotal.WithLabelValues(directionPushed).Inc()
	r.logger.Info("pushed snapshot", "collection", c.name, "peer", peer, "peer_new_ops", resp.Applied)
	return resp.Applied, nil
}

// pull requests the operations the local vector lacks, one page of at most
// MaxBatchSize at a time. FULL requests the whole log.
func (r *Replicator) pull(ctx context.Context, peer string, c collection) (int, error) {
	since := c.doc.VersionVector()
	if r.cfg.Strategy == StrategyFull {
		since = clock.New()
	}

	applied := 0
	for offset := 0; ; {
		resp, err := r.request(ctx, peer, &Request{
			Type:       MsgPull,
			Collection: c.name,
			Vector:     since,
			Offset:     offset,
			Limit:      r.cfg.MaxBatchSize,
		})
		if err != nil {
			return applied, err
		}
		if resp.SnapshotRequired {
			n, err := r.pullSnapshot(ctx, peer, c)
			return applied + n, err
		}

		n, err := r.applyRemote(peer, c, resp.Operations)
		applied += n
		r.observe(ctx, peer, c.name, resp.Vector)
		if err != nil {
			return applied, err
		}
		if !resp.More || len(resp.Operations) == 0 {
			return applied, nil
		}
		offset += len(resp.Operations)
	}
}

func (r *Replicator) pullSnapshot(ctx context.Context, peer string, c collection) (int, error) {
	resp, err := r.request(ctx, peer, &Request{Type: MsgSnapshot, Collection: c.name})
	if err != nil {
		return 0, err
	}
	if resp.Snapshot == nil {
		return 0, &SyncError{Code: ErrCodeMalformedDelta, Message: "snapshot response has no snapshot", Peer: peer, Collection: c.name}
	}
	n, err := c.doc.ApplySnapshot(resp.Snapshot)
	if err != nil {
		return 0, &SyncError{Code: ErrCodeMalformedDelta, Message: "snapshot rejected", Peer: peer, Collection: c.name, Cause: err}
	}
	r.observe(ctx, peer, c.name, resp.Vector)
	syncSnapshotsTotal.WithLabelValues(directionPulled).Inc()
	r.logger.Info("merged snapshot from peer", "collection", c.name, "peer", peer, "new_ops", n)
	return n, nil
}

// applyRemote applies every valid operation and reports the invalid ones.
func (r *Replicator) applyRemote(peer string, c collection, ops []ir.Operation) (int, error) {
	valid, invalid := splitValid(ops)
	n := c.doc.ApplyOperations(valid)
	syncOperationsTotal.WithLabelValues(directionPulled).Add(float64(n))
	if invalid > 0 {
		return n, &SyncError{
			Code:       ErrCodeMalformedDelta,
			Message:    fmt.Sprintf("%d of %d operations failed verification", invalid, len(ops)),
			Peer:       peer,
			Collection: c.name,
		}
	}
	return n, nil
}

func splitValid(ops []ir.Operation) ([]ir.Operation, int) {
	valid := make([]ir.Operation, 0, len(ops))
	for _, op := range ops {
		if op.Verify() == nil {
			valid = append(valid, op)
		}
	}
	return valid, len(ops) - len(valid)
}

func (r *Replicator) request(ctx context.Context, peer string, req *Request) (*Response, error) {
	req.Version = ir.WireVersion
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Type, err)
	}
	reply, err := r.transport.Send(ctx, peer, payload)
	if err != nil {
		return nil, err
	}
	resp, err := DecodeResponse(reply)
	if err != nil {
		var se *SyncError
		if errors.As(err, &se) {
			se.Peer = peer
			se.Collection = req.Collection
		}
		return nil, err
	}
	return resp, nil
}

// PushOperations sends ops for collection to peers, or to every configured
// peer when none are named. It does not touch Status.
func (r *Replicator) PushOperations(ctx context.Context, collectionName string, ops []ir.Operation, peers ...string) error {
	if _, err := r.resolveCollections([]string{collectionName}); err != nil {
		return err
	}
	if len(peers) == 0 {
		peers = r.cfg.Peers
	}
	var errs []error
	for _, peer := range peers {
		if _, err := r.sendOperations(ctx, peer, collectionName, ops); err != nil {
			errs = append(errs, classify(err, peer, collectionName))
		}
	}
	return errors.Join(errs...)
}

// PullOperations pulls and applies collection's delta from peers, or from
// every configured peer when none are named. It returns the number of
// operations applied and does not touch Status.
func (r *Replicator) PullOperations(ctx context.Context, collectionName string, peers ...string) (int, error) {
	cols, err := r.resolveCollections([]string{collectionName})
	if err != nil {
		return 0, err
	}
	if len(peers) == 0 {
		peers = r.cfg.Peers
	}
	var (
		errs  []error
		total int
	)
	for _, peer := range peers {
		n, err := r.pull(ctx, peer, cols[0])
		total += n
		if err != nil {
			errs = append(errs, classify(err, peer, collectionName))
		}
	}
	return total, errors.Join(errs...)
}

// observe records peer's latest vector for a collection.
func (r *Replicator) observe(ctx context.Context, peer, name string, vv clock.VersionVector) {
	if vv == nil {
		return
	}
	r.vmu.Lock()
	r.remote[peerCollection{peer, name}] = vv.Copy()
	r.vmu.Unlock()

	if r.cache == nil {
		return
	}
	if err := r.cache.SavePeerVector(ctx, peer, name, vv); err != nil {
		r.logger.Warn("failed to persist peer vector", "peer", peer, "collection", name, "error", err)
	}
}

func (r *Replicator) cached(ctx context.Context, peer, name string) (clock.VersionVector, bool) {
	key := peerCollection{peer, name}
	r.vmu.Lock()
	vv, ok := r.remote[key]
	r.vmu.Unlock()
	if ok {
		return vv.Copy(), true
	}
	if r.cache == nil {
		return nil, false
	}

	vv, err := r.cache.LoadPeerVector(ctx, peer, name)
	if err != nil {
		r.logger.Warn("failed to load peer vector", "peer", peer, "collection", name, "error", err)
		return nil, false
	}
	if vv == nil {
		return nil, false
	}
	r.vmu.Lock()
	r.remote[key] = vv.Copy()
	r.vmu.Unlock()
	return vv, true
}

// collectGarbage compacts c to the pointwise minimum of the local vector
// and every configured peer's last known vector. Operations at or below it
// are held by every peer. Nothing is pruned while a peer's vector is
// unknown.
func (r *Replicator) collectGarbage(ctx context.Context, c collection) int {
	if len(r.cfg.Peers) == 0 {
		return 0
	}
	vectors := []clock.VersionVector{c.doc.VersionVector()}
	for _, peer := range r.cfg.Peers {
		vv, ok := r.cached(ctx, peer, c.name)
		if !ok {
			return 0
		}
		vectors = append(vectors, vv)
	}
	return c.doc.Compact(clock.Min(vectors...))
}
