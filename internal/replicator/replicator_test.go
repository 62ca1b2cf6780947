package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
	"github.com/roach88/convergent/internal/resolver"
	"github.com/roach88/convergent/internal/testutil"
	"github.com/roach88/convergent/internal/transport"
)

// countingTransport counts outbound requests by message type.
type countingTransport struct {
	transport.Transport

	mu     sync.Mutex
	counts map[MessageType]int
}

func newCounting(inner transport.Transport) *countingTransport {
	return &countingTransport{Transport: inner, counts: make(map[MessageType]int)}
}

func (c *countingTransport) Send(ctx context.Context, peer string, payload []byte) ([]byte, error) {
	if req, err := DecodeRequest(payload); err == nil {
		c.mu.Lock()
		c.counts[req.Type]++
		c.mu.Unlock()
	}
	return c.Transport.Send(ctx, peer, payload)
}

func (c *countingTransport) count(t MessageType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[t]
}

func (c *countingTransport) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.counts)
}

// holdTransport holds every send until release is closed.
type holdTransport struct {
	transport.Transport
	release chan struct{}
}

func newHold(inner transport.Transport) *holdTransport {
	return &holdTransport{Transport: inner, release: make(chan struct{})}
}

func (h *holdTransport) Send(ctx context.Context, peer string, payload []byte) ([]byte, error) {
	select {
	case <-h.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.Transport.Send(ctx, peer, payload)
}

func newReplicator(t *testing.T, tr transport.Transport, actor string, cfg Config, opts ...Option) *Replicator {
	t.Helper()
	opts = append([]Option{WithIDGenerator(NewSequenceGenerator(actor))}, opts...)
	r, err := New(actor, tr, cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

func collectionDoc(t *testing.T, r *Replicator, name string) *crdt.Document {
	t.Helper()
	d, ok := r.Collection(name)
	require.True(t, ok, "collection %s not registered", name)
	return d
}

func mustSet(t *testing.T, d *crdt.Document, key string, v ir.IRValue) {
	t.Helper()
	_, err := d.Set(key, v)
	require.NoError(t, err)
}

func has(d *crdt.Document, key string) func() bool {
	return func() bool {
		_, ok := d.Get(key)
		return ok
	}
}

func TestNewValidates(t *testing.T) {
	net := transport.NewNetwork()

	_, err := New("", net.Join("A"), Config{})
	assert.Error(t, err)

	_, err = New("A", nil, Config{})
	assert.Error(t, err)

	_, err = New("bad\xff", net.Join("bad"), Config{})
	assert.ErrorContains(t, err, "NFC")

	_, err = New("Ame\u0301lie", net.Join("amelie"), Config{})
	assert.ErrorContains(t, err, "NFC")

	_, err = New("A", net.Join("A"), Config{Strategy: "SOMETIMES"})
	assert.ErrorContains(t, err, "invalid replicator config")
}

func TestRegisterCollection(t *testing.T) {
	net := transport.NewNetwork()
	r := newReplicator(t, net.Join("A"), "A", Config{Collections: []string{"b", "a"}})
	assert.Equal(t, []string{"a", "b"}, r.Collections())

	d1, err := r.RegisterCollection("c")
	require.NoError(t, err)
	d2, err := r.RegisterCollection("c")
	require.NoError(t, err)
	assert.Same(t, d1, d2)
	assert.Equal(t, "A", d1.Actor())

	_, err = r.RegisterCollection("")
	assert.Error(t, err)

	assert.True(t, r.UnregisterCollection("c"))
	assert.False(t, r.UnregisterCollection("c"))
	assert.Equal(t, []string{"a", "b"}, r.Status().Collections)
}

func TestSyncWithPeerConverges(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{Collections: []string{"notes"}})
	b := newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"notes"}})
	da, db := collectionDoc(t, a, "notes"), collectionDoc(t, b, "notes")

	mustSet(t, da, "title", ir.IRString("draft"))
	mustSet(t, da, "shared", ir.IRString("a"))
	mustSet(t, db, "shared", ir.IRString("b"))
	mustSet(t, db, "body", ir.IRInt(42))
	_, err := db.Add("tags", ir.IRString("x"))
	require.NoError(t, err)

	require.NoError(t, a.SyncWithPeer(ctx, "B"))

	assert.Equal(t, da.State(), db.State())
	assert.Equal(t, clock.VersionVector{"A": 2, "B": 3}, da.VersionVector())
	assert.Equal(t, da.VersionVector(), db.VersionVector())

	st := a.Status()
	assert.EqualValues(t, 1, st.CompletedSyncs)
	assert.Zero(t, st.FailedSyncs)
	assert.False(t, st.LastSyncTime.IsZero())
	assert.Empty(t, st.SyncErrors)
	assert.Equal(t, StrategyIncremental, st.Strategy)
}

func TestSyncWithSelfIsRejected(t *testing.T) {
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{})
	assert.Error(t, a.SyncWithPeer(context.Background(), "A"))
	assert.Error(t, a.SyncWithPeer(context.Background(), ""))
}

func TestEveryStrategyConverges(t *testing.T) {
	for _, strategy := range []Strategy{StrategyFull, StrategyIncremental, StrategySelective, StrategyOnDemand} {
		t.Run(string(strategy), func(t *testing.T) {
			ctx := context.Background()
			net := transport.NewNetwork()
			a := newReplicator(t, net.Join("A"), "A", Config{Strategy: strategy, Collections: []string{"c"}, Peers: []string{"B"}})
			b := newReplicator(t, net.Join("B"), "B", Config{Strategy: strategy, Collections: []string{"c"}, Peers: []string{"A"}})
			da, db := collectionDoc(t, a, "c"), collectionDoc(t, b, "c")

			for i := range 3 {
				mustSet(t, da, "a", ir.IRInt(int64(i)))
				mustSet(t, db, "b", ir.IRInt(int64(i)))
			}
			require.NoError(t, a.SyncWithPeer(ctx, "B"))
			assert.Equal(t, da.State(), db.State())
			assert.Equal(t, da.VersionVector(), db.VersionVector())

			mustSet(t, db, "later", ir.IRBool(true))
			require.NoError(t, a.SyncWithPeer(ctx, "B"))
			assert.Equal(t, da.State(), db.State())
			assert.Equal(t, clock.VersionVector{"A": 3, "B": 4}, da.VersionVector())
		})
	}
}

func TestIncrementalReusesKnownPeerVector(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	ca := newCounting(net.Join("A"))
	a := newReplicator(t, ca, "A", Config{Collections: []string{"c"}})
	b := newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"c"}})
	da, db := collectionDoc(t, a, "c"), collectionDoc(t, b, "c")

	mustSet(t, da, "k", ir.IRInt(1))
	require.NoError(t, a.SyncWithPeer(ctx, "B"))
	assert.Equal(t, 1, ca.count(MsgVector))
	assert.Equal(t, 1, ca.count(MsgPush))
	assert.Equal(t, 1, ca.count(MsgPull))

	// Nothing changed: no vector round trip and nothing to push.
	ca.reset()
	require.NoError(t, a.SyncWithPeer(ctx, "B"))
	assert.Zero(t, ca.count(MsgVector))
	assert.Zero(t, ca.count(MsgPush))
	assert.Equal(t, 1, ca.count(MsgPull))

	ca.reset()
	mustSet(t, da, "k", ir.IRInt(2))
	require.NoError(t, a.SyncWithPeer(ctx, "B"))
	assert.Equal(t, 1, ca.count(MsgPush))
	assert.Equal(t, da.State(), db.State())
}

func TestFullStrategyResendsWholeLog(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	ca := newCounting(net.Join("A"))
	a := newReplicator(t, ca, "A", Config{Strategy: StrategyFull, Collections: []string{"c"}})
	newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"c"}})
	da := collectionDoc(t, a, "c")

	mustSet(t, da, "k", ir.IRInt(1))
	require.NoError(t, a.SyncWithPeer(ctx, "B"))
	ca.reset()

	require.NoError(t, a.SyncWithPeer(ctx, "B"))
	assert.Equal(t, 1, ca.count(MsgVector))
	assert.Equal(t, 1, ca.count(MsgPush))
	assert.Equal(t, 1, ca.count(MsgPull))
}

func TestBatchesArePaged(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	ca := newCounting(net.Join("A"))
	a := newReplicator(t, ca, "A", Config{Collections: []string{"c"}, MaxBatchSize: 3})
	b := newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"c"}, MaxBatchSize: 3})
	da, db := collectionDoc(t, a, "c"), collectionDoc(t, b, "c")

	for i := range 7 {
		mustSet(t, da, "a", ir.IRInt(int64(i)))
	}
	for i := range 10 {
		mustSet(t, db, "b", ir.IRInt(int64(i)))
	}

	require.NoError(t, a.SyncWithPeer(ctx, "B"))
	assert.Equal(t, 3, ca.count(MsgPush), "7 operations in batches of 3")
	assert.Equal(t, 4, ca.count(MsgPull), "10 operations in pages of 3")
	assert.Equal(t, da.State(), db.State())
	assert.Equal(t, da.VersionVector(), db.VersionVector())
}

func TestMaxConcurrentSyncsQueuesSessions(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	hold := newHold(net.Join("A"))
	a := newReplicator(t, hold, "A", Config{Collections: []string{"c"}, MaxConcurrentSyncs: 1})
	peers := []string{"P1", "P2", "P3"}
	docs := make(map[string]*crdt.Document)
	for _, p := range peers {
		docs[p] = collectionDoc(t, newReplicator(t, net.Join(p), p, Config{Collections: []string{"c"}}), "c")
	}
	mustSet(t, collectionDoc(t, a, "c"), "k", ir.IRString("v"))

	errs := make(chan error, len(peers))
	for _, p := range peers {
		go func() { errs <- a.SyncWithPeer(ctx, p) }()
	}

	require.Eventually(t, func() bool {
		s := a.Status()
		return s.ActiveSyncs == 1 && s.PendingSyncs == 2
	}, time.Second, time.Millisecond)

	close(hold.release)
	for range peers {
		assert.NoError(t, <-errs)
	}

	st := a.Status()
	assert.EqualValues(t, 3, st.CompletedSyncs)
	assert.Equal(t, 1, st.PeakActiveSyncs)
	assert.Zero(t, st.ActiveSyncs)
	assert.Zero(t, st.PendingSyncs)
	for _, p := range peers {
		assert.True(t, has(docs[p], "k")(), "peer %s", p)
	}
}

func TestWithoutQueueFailsFast(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	hold := newHold(net.Join("A"))
	a := newReplicator(t, hold, "A", Config{Collections: []string{"c"}, MaxConcurrentSyncs: 1})
	newReplicator(t, net.Join("P1"), "P1", Config{Collections: []string{"c"}})
	newReplicator(t, net.Join("P2"), "P2", Config{Collections: []string{"c"}})

	done := make(chan error, 1)
	go func() { done <- a.SyncWithPeer(ctx, "P1") }()
	require.Eventually(t, func() bool { return a.Status().ActiveSyncs == 1 }, time.Second, time.Millisecond)

	err := a.SyncWithPeer(ctx, "P2", WithoutQueue())
	assert.True(t, IsCapacityExceeded(err), "got %v", err)
	err = a.SyncWithPeer(ctx, "P1", WithoutQueue())
	assert.True(t, IsCapacityExceeded(err), "got %v", err)

	close(hold.release)
	require.NoError(t, <-done)

	st := a.Status()
	assert.EqualValues(t, 1, st.CompletedSyncs)
	assert.EqualValues(t, 2, st.FailedSyncs)
	require.Len(t, st.SyncErrors, 2)
	assert.Equal(t, "P2", st.SyncErrors[0].Peer)
	assert.Equal(t, "P1", st.SyncErrors[1].Peer)
	for _, rec := range st.SyncErrors {
		assert.Equal(t, ErrCodeCapacityExceeded, rec.Code)
	}
}

func TestTimeoutIsIsolatedToOnePeer(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{
		Collections:        []string{"c"},
		MaxConcurrentSyncs: 2,
		SessionTimeout:     200 * time.Millisecond,
	})
	p1 := collectionDoc(t, newReplicator(t, net.Join("P1"), "P1", Config{Collections: []string{"c"}}), "c")
	p2 := collectionDoc(t, newReplicator(t, net.Join("P2"), "P2", Config{Collections: []string{"c"}}), "c")
	mustSet(t, collectionDoc(t, a, "c"), "k", ir.IRString("v"))

	net.SetDelay("P1", 5*time.Millisecond)
	net.Block("P2")

	var (
		wg           sync.WaitGroup
		errP1, errP2 error
	)
	wg.Add(2)
	go func() { defer wg.Done(); errP1 = a.SyncWithPeer(ctx, "P1") }()
	go func() { defer wg.Done(); errP2 = a.SyncWithPeer(ctx, "P2") }()
	wg.Wait()

	require.NoError(t, errP1)
	require.True(t, IsTimeout(errP2), "got %v", errP2)
	assert.True(t, has(p1, "k")())
	assert.False(t, has(p2, "k")())

	st := a.Status()
	assert.EqualValues(t, 1, st.CompletedSyncs)
	assert.EqualValues(t, 1, st.FailedSyncs)
	require.Len(t, st.SyncErrors, 1)
	assert.Equal(t, "P2", st.SyncErrors[0].Peer)
	assert.Equal(t, "c", st.SyncErrors[0].Collection)
	assert.Equal(t, ErrCodeSyncTimeout, st.SyncErrors[0].Code)
	assert.NotEmpty(t, st.SyncErrors[0].SessionID)

	net.Unblock("P2")
	require.NoError(t, a.SyncWithPeer(ctx, "P2"))
	assert.True(t, has(p2, "k")())
	assert.EqualValues(t, 2, a.Status().CompletedSyncs)
}

func TestLoopRetriesTimedOutPeerNextInterval(t *testing.T) {
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{
		Collections:    []string{"c"},
		Peers:          []string{"P1", "P2"},
		SyncInterval:   20 * time.Millisecond,
		SessionTimeout: 50 * time.Millisecond,
	})
	p1 := collectionDoc(t, newReplicator(t, net.Join("P1"), "P1", Config{Collections: []string{"c"}}), "c")
	p2 := collectionDoc(t, newReplicator(t, net.Join("P2"), "P2", Config{Collections: []string{"c"}}), "c")
	mustSet(t, collectionDoc(t, a, "c"), "k", ir.IRString("v"))
	net.Block("P2")

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, has(p1, "k"), time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return a.Status().FailedSyncs >= 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, has(p2, "k")())

	net.Unblock("P2")
	require.Eventually(t, has(p2, "k"), time.Second, 5*time.Millisecond)
	for _, rec := range a.Status().SyncErrors {
		assert.Equal(t, "P2", rec.Peer)
	}
}

func TestUnknownCollections(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{Collections: []string{"c", "only-a"}})
	b := newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"c"}})
	mustSet(t, collectionDoc(t, a, "c"), "k", ir.IRInt(1))

	err := a.SyncWithPeer(ctx, "B", WithCollections("missing"))
	assert.True(t, IsUnknownCollection(err), "got %v", err)

	// The peer lacks "only-a"; "c" still syncs.
	err = a.SyncWithPeer(ctx, "B")
	assert.True(t, IsUnknownCollection(err), "got %v", err)
	assert.True(t, has(collectionDoc(t, b, "c"), "k")())

	st := a.Status()
	assert.EqualValues(t, 2, st.FailedSyncs)
	require.Len(t, st.SyncErrors, 2)
	assert.Equal(t, "missing", st.SyncErrors[0].Collection)
	assert.Equal(t, "only-a", st.SyncErrors[1].Collection)
	assert.Equal(t, "B", st.SyncErrors[1].Peer)
}

func TestSyncErrorsAreBounded(t *testing.T) {
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{Collections: []string{"c"}, MaxSyncErrors: 2})

	for range 3 {
		err := a.SyncWithPeer(context.Background(), "ghost")
		var se *SyncError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, ErrCodeTransport, se.Code)
	}
	st := a.Status()
	assert.EqualValues(t, 3, st.FailedSyncs)
	assert.Len(t, st.SyncErrors, 2)
}

func TestCompactedPeerServesSnapshot(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{Collections: []string{"c"}, Peers: []string{"B"}, GarbageCollect: true})
	b := newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"c"}})
	c := newReplicator(t, net.Join("C"), "C", Config{Collections: []string{"c"}})
	da := collectionDoc(t, a, "c")

	for i := range 5 {
		mustSet(t, da, "k", ir.IRInt(int64(i)))
	}
	_, err := da.Add("s", ir.IRString("m"))
	require.NoError(t, err)

	require.NoError(t, a.SyncWithPeer(ctx, "B"))
	assert.Zero(t, da.Stats().Retained, "every operation is held by every peer")
	assert.Equal(t, da.VersionVector(), da.Floor())
	assert.Equal(t, da.State(), collectionDoc(t, b, "c").State())

	// C never synced and sits below the floor.
	require.NoError(t, c.SyncWithPeer(ctx, "A"))
	dc := collectionDoc(t, c, "c")
	assert.Equal(t, da.State(), dc.State())
	assert.Equal(t, da.VersionVector(), dc.VersionVector())

	// A pushes a snapshot to a peer below its floor too.
	d := newReplicator(t, net.Join("D"), "D", Config{Collections: []string{"c"}})
	require.NoError(t, a.SyncWithPeer(ctx, "D"))
	assert.Equal(t, da.State(), collectionDoc(t, d, "c").State())
}

func TestGarbageCollectionWaitsForEveryPeer(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{Collections: []string{"c"}, Peers: []string{"B", "C"}, GarbageCollect: true})
	newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"c"}})
	newReplicator(t, net.Join("C"), "C", Config{Collections: []string{"c"}})
	da := collectionDoc(t, a, "c")
	mustSet(t, da, "k", ir.IRInt(1))

	require.NoError(t, a.SyncWithPeer(ctx, "B"))
	assert.Equal(t, 1, da.Stats().Retained, "C's vector is unknown")

	require.NoError(t, a.SyncWithPeer(ctx, "C"))
	assert.Zero(t, da.Stats().Retained)
}

func TestOnConflictAppliesToCurrentAndFutureCollections(t *testing.T) {
	ctx := context.Background()
	concat := resolver.Func(func(_ string, older, newer ir.Operation) (ir.IRValue, error) {
		o, _ := older.Value.(ir.IRString)
		n, _ := newer.Value.(ir.IRString)
		return ir.IRString(string(o) + "+" + string(n)), nil
	})

	clkA := testutil.NewStepClock()
	clkB := testutil.NewStepClock()
	clkB.Advance(time.Second)

	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{Collections: []string{"c"}}, WithNow(clkA.Now))
	a.OnConflict(concat)

	b := newReplicator(t, net.Join("B"), "B", Config{}, WithNow(clkB.Now))
	b.OnConflict(concat)
	db, err := b.RegisterCollection("c")
	require.NoError(t, err)
	da := collectionDoc(t, a, "c")

	mustSet(t, da, "k", ir.IRString("a"))
	mustSet(t, db, "k", ir.IRString("b"))
	require.NoError(t, a.SyncWithPeer(ctx, "B"))

	va, _ := da.Get("k")
	vb, _ := db.Get("k")
	assert.Equal(t, ir.IRString("a+b"), va)
	assert.Equal(t, va, vb)

	a.OnConflict(nil)
	va, _ = da.Get("k")
	assert.Equal(t, ir.IRString("b"), va)
}

func TestStartAndStop(t *testing.T) {
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{Collections: []string{"c"}, Peers: []string{"B"}, SyncInterval: 10 * time.Millisecond})
	b := newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"c"}})
	da, db := collectionDoc(t, a, "c"), collectionDoc(t, b, "c")

	mustSet(t, da, "k", ir.IRInt(1))
	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))
	assert.True(t, a.Status().Running)

	require.Eventually(t, has(db, "k"), time.Second, 5*time.Millisecond)
	mustSet(t, db, "back", ir.IRInt(2))
	require.Eventually(t, has(da, "back"), time.Second, 5*time.Millisecond)

	a.Stop()
	a.Stop()
	assert.False(t, a.Status().Running)
	assert.Zero(t, a.Status().ActiveSyncs)
}

func TestOnDemandHasNoLoop(t *testing.T) {
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{
		Strategy:     StrategyOnDemand,
		Collections:  []string{"c"},
		Peers:        []string{"B"},
		SyncInterval: 5 * time.Millisecond,
	})
	b := newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"c"}})
	db := collectionDoc(t, b, "c")
	mustSet(t, collectionDoc(t, a, "c"), "k", ir.IRInt(1))

	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Status().Running)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, has(db, "k")())
	assert.Zero(t, a.Status().CompletedSyncs)

	require.NoError(t, a.SyncWithPeer(context.Background(), "B"))
	assert.True(t, has(db, "k")())
}

func TestSelectiveLoopScope(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{
		Strategy:      StrategySelective,
		Collections:   []string{"hot"},
		Peers:         []string{"B", "C"},
		PriorityPeers: []string{"B"},
		SyncInterval:  10 * time.Millisecond,
	})
	cold, err := a.RegisterCollection("cold")
	require.NoError(t, err)
	b := newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"hot", "cold"}})
	c := newReplicator(t, net.Join("C"), "C", Config{Collections: []string{"hot"}})

	mustSet(t, collectionDoc(t, a, "hot"), "k", ir.IRInt(1))
	mustSet(t, cold, "k", ir.IRInt(2))

	require.NoError(t, a.Start(ctx))
	require.Eventually(t, has(collectionDoc(t, b, "hot"), "k"), time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	a.Stop()

	assert.False(t, has(collectionDoc(t, b, "cold"), "k")(), "cold is outside the loop scope")
	assert.False(t, has(collectionDoc(t, c, "hot"), "k")(), "C is not a priority peer")

	require.NoError(t, a.SyncWithPeer(ctx, "B", WithCollections("cold")))
	assert.True(t, has(collectionDoc(t, b, "cold"), "k")())
}

func TestPushPullPrimitives(t *testing.T) {
	ctx := context.Background()
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{Collections: []string{"c"}})
	b := newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"c"}})
	da, db := collectionDoc(t, a, "c"), collectionDoc(t, b, "c")

	for i := range 3 {
		mustSet(t, da, "x", ir.IRInt(int64(i)))
	}
	ops, err := da.OperationsSince(clock.New())
	require.NoError(t, err)
	require.NoError(t, a.PushOperations(ctx, "c", ops, "B"))
	assert.Equal(t, da.State(), db.State())

	mustSet(t, db, "y", ir.IRBool(true))
	n, err := a.PullOperations(ctx, "c", "B")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, da.State(), db.State())

	vv, err := a.RemoteStateVector(ctx, "B", "c")
	require.NoError(t, err)
	assert.Equal(t, db.VersionVector(), vv)

	_, err = a.RemoteStateVector(ctx, "B", "nope")
	assert.True(t, IsUnknownCollection(err))
	assert.True(t, IsUnknownCollection(a.PushOperations(ctx, "nope", nil, "B")))

	st := a.Status()
	assert.Zero(t, st.CompletedSyncs)
	assert.Zero(t, st.FailedSyncs)
}

type memoryCache struct {
	mu      sync.Mutex
	vectors map[[2]string]clock.VersionVector
}

func (m *memoryCache) LoadPeerVector(_ context.Context, peer, collection string) (clock.VersionVector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vv, ok := m.vectors[[2]string{peer, collection}]
	if !ok {
		return nil, nil
	}
	return vv.Copy(), nil
}

func (m *memoryCache) SavePeerVector(_ context.Context, peer, collection string, vv clock.VersionVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[[2]string{peer, collection}] = vv.Copy()
	return nil
}

func TestVectorCacheSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cache := &memoryCache{vectors: make(map[[2]string]clock.VersionVector)}
	net := transport.NewNetwork()
	a := newReplicator(t, net.Join("A"), "A", Config{Collections: []string{"c"}}, WithVectorCache(cache))
	b := newReplicator(t, net.Join("B"), "B", Config{Collections: []string{"c"}})
	mustSet(t, collectionDoc(t, a, "c"), "k", ir.IRInt(1))
	require.NoError(t, a.SyncWithPeer(ctx, "B"))

	restarted := newReplicator(t, net.Join("A2"), "A", Config{Collections: []string{"c"}}, WithVectorCache(cache))
	vv, ok := restarted.cached(ctx, "B", "c")
	require.True(t, ok)
	assert.Equal(t, collectionDoc(t, b, "c").VersionVector(), vv)

	_, ok = restarted.cached(ctx, "Z", "c")
	assert.False(t, ok)
}
