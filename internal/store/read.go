package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
)

// ReadOperations returns document's operations in append order.
// Returns an empty slice (not nil) when there are none.
func (s *Store) ReadOperations(ctx context.Context, document string) ([]ir.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM operations
		WHERE document = ?
		ORDER BY position ASC
	`, document)
	if err != nil {
		return nil, fmt.Errorf("read operations %s: %w", document, err)
	}
	defer rows.Close()

	ops := []ir.Operation{}
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("read operations %s: %w", document, err)
		}
		op, err := unmarshalOperation(record)
		if err != nil {
			return nil, fmt.Errorf("read operations %s: %w", document, err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read operations %s: %w", document, err)
	}
	return ops, nil
}

// CountOperations returns how many operations are stored for document.
func (s *Store) CountOperations(ctx context.Context, document string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations WHERE document = ?`, document).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count operations %s: %w", document, err)
	}
	return n, nil
}

// ReadSnapshot returns document's latest snapshot, or nil if none was
// written.
func (s *Store) ReadSnapshot(ctx context.Context, document string) (*crdt.Snapshot, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM snapshots WHERE document = ?`, document).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", document, err)
	}
	snap, err := unmarshalSnapshot(body)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", document, err)
	}
	return snap, nil
}

// Documents lists every document with stored operations or a snapshot,
// sorted by name.
func (s *Store) Documents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document FROM operations
		UNION
		SELECT document FROM snapshots
		ORDER BY document COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list documents: %w", err)
		}
		docs = append(docs, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

// LoadPeerVector returns the stored vector for peer and collection, or nil
// when none was saved.
func (s *Store) LoadPeerVector(ctx context.Context, peer, collection string) (clock.VersionVector, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT vector FROM peer_vectors WHERE peer = ? AND collection = ?
	`, peer, collection).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load peer vector %s/%s: %w", peer, collection, err)
	}
	vv, err := unmarshalVector(data)
	if err != nil {
		return nil, fmt.Errorf("load peer vector %s/%s: %w", peer, collection, err)
	}
	return vv, nil
}
