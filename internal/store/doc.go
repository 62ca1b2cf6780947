// Package store provides SQLite-backed durable storage for replicated
// documents.
//
// Three tables are kept:
//   - operations: the append-only operation log, one canonical record per row
//   - snapshots: the latest full snapshot of each document
//   - peer_vectors: the last version vector seen from each peer
//
// Operation writes use ON CONFLICT DO NOTHING, so checkpointing the same
// batch twice is harmless. Reads return operations in append order, which
// is always a causal order because a document only applies an operation
// after its dependencies.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// A Store satisfies crdt.Checkpointer, crdt.SnapshotCheckpointer and
// replicator.VectorCache.
package store
