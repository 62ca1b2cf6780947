package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
)

func writeOps(t *testing.T, actor string, n int) []ir.Operation {
	t.Helper()
	d := crdt.New("doc", actor)
	for i := range n {
		_, err := d.Set("k", ir.IRInt(int64(i)))
		require.NoError(t, err)
	}
	ops, err := d.OperationsSince(clock.New())
	require.NoError(t, err)
	return ops
}

func TestCheckpoint_AppendsInOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ops := writeOps(t, "A", 3)

	require.NoError(t, s.Checkpoint(ctx, "doc", ops[:1]))
	require.NoError(t, s.Checkpoint(ctx, "doc", ops[1:]))

	got, err := s.ReadOperations(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, ops, got)
}

func TestCheckpoint_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ops := writeOps(t, "A", 3)

	require.NoError(t, s.Checkpoint(ctx, "doc", ops[:2]))
	require.NoError(t, s.Checkpoint(ctx, "doc", ops))

	n, err := s.CountOperations(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := s.ReadOperations(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, ops, got)
}

func TestCheckpoint_Empty(t *testing.T) {
	s := createTestStore(t)
	assert.NoError(t, s.Checkpoint(context.Background(), "doc", nil))
}

func TestCheckpoint_DocumentsAreSeparate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	ops := writeOps(t, "A", 2)

	require.NoError(t, s.Checkpoint(ctx, "users", ops))
	require.NoError(t, s.Checkpoint(ctx, "orders", ops[:1]))

	users, err := s.CountOperations(ctx, "users")
	require.NoError(t, err)
	orders, err := s.CountOperations(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 2, users)
	assert.Equal(t, 1, orders)

	docs, err := s.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "users"}, docs)
}

func TestReadOperations_EmptyNotNil(t *testing.T) {
	s := createTestStore(t)

	ops, err := s.ReadOperations(context.Background(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, ops)
	assert.Empty(t, ops)
}

func TestReadOperations_RejectsTamperedRecord(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Checkpoint(ctx, "doc", writeOps(t, "A", 1)))

	_, err := s.DB().Exec(`UPDATE operations SET record = replace(record, '"seq":1', '"seq":2')`)
	require.NoError(t, err)

	_, err = s.ReadOperations(ctx, "doc")
	assert.Error(t, err)
}

func TestSnapshot_RoundTripAndReplace(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	snap, err := s.ReadSnapshot(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, snap)

	d := crdt.New("doc", "A")
	_, err = d.Set("k", ir.IRString("v"))
	require.NoError(t, err)
	_, err = d.Add("tags", ir.IRString("x"))
	require.NoError(t, err)
	require.NoError(t, s.CheckpointSnapshot(ctx, d.Snapshot()))

	_, err = d.Set("k", ir.IRString("w"))
	require.NoError(t, err)
	want := d.Snapshot()
	require.NoError(t, s.CheckpointSnapshot(ctx, want))

	got, err := s.ReadSnapshot(ctx, "doc")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Vector, got.Vector)

	restored := crdt.New("doc", "B")
	_, err = restored.ApplySnapshot(got)
	require.NoError(t, err)
	assert.Equal(t, d.State(), restored.State())

	docs, err := s.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc"}, docs)
}

func TestCheckpointSnapshot_Nil(t *testing.T) {
	s := createTestStore(t)
	assert.Error(t, s.CheckpointSnapshot(context.Background(), nil))
}

func TestPeerVector(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	vv, err := s.LoadPeerVector(ctx, "P1", "users")
	require.NoError(t, err)
	assert.Nil(t, vv)

	require.NoError(t, s.SavePeerVector(ctx, "P1", "users", clock.VersionVector{"A": 2, "B": 1}))
	require.NoError(t, s.SavePeerVector(ctx, "P1", "orders", clock.VersionVector{"A": 9}))
	require.NoError(t, s.SavePeerVector(ctx, "P1", "users", clock.VersionVector{"A": 3, "B": 1}))

	vv, err = s.LoadPeerVector(ctx, "P1", "users")
	require.NoError(t, err)
	assert.Equal(t, clock.VersionVector{"A": 3, "B": 1}, vv)

	vv, err = s.LoadPeerVector(ctx, "P1", "orders")
	require.NoError(t, err)
	assert.Equal(t, clock.VersionVector{"A": 9}, vv)

	vv, err = s.LoadPeerVector(ctx, "P2", "users")
	require.NoError(t, err)
	assert.Nil(t, vv)
}

func TestPeerVector_Empty(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePeerVector(ctx, "P1", "users", clock.New()))
	vv, err := s.LoadPeerVector(ctx, "P1", "users")
	require.NoError(t, err)
	assert.Equal(t, clock.New(), vv)
}
