package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/convergent/internal/crdt"
)

// Hydrate rebuilds doc from storage: the latest snapshot is merged first,
// then every stored operation is applied in append order. Operations the
// snapshot already covers are skipped as duplicates. It returns the number
// of operations the document learned.
func (s *Store) Hydrate(ctx context.Context, doc *crdt.Document) (int, error) {
	learned := 0

	snap, err := s.ReadSnapshot(ctx, doc.ID())
	if err != nil {
		return 0, fmt.Errorf("hydrate %s: %w", doc.ID(), err)
	}
	if snap != nil {
		n, err := doc.ApplySnapshot(snap)
		if err != nil {
			return 0, fmt.Errorf("hydrate %s: %w", doc.ID(), err)
		}
		learned += n
	}

	ops, err := s.ReadOperations(ctx, doc.ID())
	if err != nil {
		return learned, fmt.Errorf("hydrate %s: %w", doc.ID(), err)
	}
	learned += doc.ApplyOperations(ops)

	slog.Debug("hydrated document",
		"document", doc.ID(),
		"snapshot", snap != nil,
		"stored_ops", len(ops),
		"learned", learned,
		"vector", doc.VersionVector().String(),
	)
	return learned, nil
}

// OpenDocument creates a document checkpointed to s and hydrates it from
// what s already holds.
func (s *Store) OpenDocument(ctx context.Context, name, actor string, opts ...crdt.Option) (*crdt.Document, error) {
	doc := crdt.New(name, actor, append(opts, crdt.WithCheckpointer(s))...)
	if _, err := s.Hydrate(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
