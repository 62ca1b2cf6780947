package store

import (
	"context"
	"fmt"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
)

// Checkpoint appends a batch of applied operations to document's log in a
// single transaction. Uses ON CONFLICT DO NOTHING so a batch that was
// already written, in full or in part, is not an error.
func (s *Store) Checkpoint(ctx context.Context, document string, ops []ir.Operation) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", document, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO operations (document, id, actor, seq, record)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", document, err)
	}
	defer stmt.Close()

	for _, op := range ops {
		record, err := marshalOperation(op)
		if err != nil {
			return fmt.Errorf("checkpoint %s: %w", document, err)
		}
		if _, err := stmt.ExecContext(ctx, document, op.ID, op.Actor, op.Seq, record); err != nil {
			return fmt.Errorf("checkpoint %s: write operation %s: %w", document, op.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint %s: %w", document, err)
	}
	return nil
}

// CheckpointSnapshot replaces the stored snapshot of the snapshot's
// document.
func (s *Store) CheckpointSnapshot(ctx context.Context, snap *crdt.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("checkpoint snapshot: nil snapshot")
	}
	vector, err := marshalVector(snap.Vector)
	if err != nil {
		return fmt.Errorf("checkpoint snapshot %s: %w", snap.Document, err)
	}
	body, err := marshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("checkpoint snapshot %s: %w", snap.Document, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (document, vector, body)
		VALUES (?, ?, ?)
		ON CONFLICT(document) DO UPDATE SET vector = excluded.vector, body = excluded.body
	`, snap.Document, vector, body)
	if err != nil {
		return fmt.Errorf("checkpoint snapshot %s: %w", snap.Document, err)
	}
	return nil
}

// SavePeerVector records the last vector seen from peer for collection.
func (s *Store) SavePeerVector(ctx context.Context, peer, collection string, vv clock.VersionVector) error {
	vector, err := marshalVector(vv)
	if err != nil {
		return fmt.Errorf("save peer vector %s/%s: %w", peer, collection, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO peer_vectors (peer, collection, vector)
		VALUES (?, ?, ?)
		ON CONFLICT(peer, collection) DO UPDATE SET vector = excluded.vector
	`, peer, collection, vector)
	if err != nil {
		return fmt.Errorf("save peer vector %s/%s: %w", peer, collection, err)
	}
	return nil
}
