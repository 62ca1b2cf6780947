// Package replicator synchronizes CRDT documents between peers.
//
// A Replicator owns a set of named documents (collections) and runs sync
// sessions with peers over a transport.Transport. A session exchanges
// version vectors, pushes the local delta and pulls the peer's delta for
// each collection. Sessions with different peers run in parallel up to
// Config.MaxConcurrentSyncs; sessions with the same peer never overlap.
//
// Application is incremental and idempotent, so an abandoned session leaves
// every replica behind but valid. The next successful session reconciles it.
//
// Peers that fell behind a compaction floor, and documents holding orphaned
// buffered operations, are brought up to date with full snapshots.
package replicator
