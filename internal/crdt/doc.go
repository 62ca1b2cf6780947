// Package crdt implements the replicated document: an operation-based CRDT
// holding one operation log, one version vector and the resolved key/value
// state derived from them.
//
// Two key shapes share one keyspace:
//   - Registers (SET/DELETE). Each key keeps the frontier of writes no other
//     write has observed. One survivor is installed directly; several are
//     folded in canonical (wallClock, actor, seq) order through the conflict
//     resolver.
//   - Observed-remove sets (ADD/REMOVE). ADD tags an element with its op id.
//     REMOVE retracts exactly the tags listed in its dependencies, so a
//     concurrent ADD survives.
//
// A key resolves to the sorted array of live set elements when any exist,
// otherwise to its register value. Register writes retract the set members
// they observed.
//
// Remote operations apply only when every dependency has been applied and
// seq is the next one expected from the actor. Anything else is buffered
// and drained once it becomes ready. Application is idempotent: an id that
// was already applied is reported as a duplicate and changes nothing.
//
// Thread-safety: all methods are safe for concurrent use. Writers are
// serialized by a document-level lock; readers see whole batches.
package crdt
