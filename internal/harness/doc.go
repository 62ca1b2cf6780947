// Package harness runs replication scenarios.
//
// A scenario starts a set of replicas on an in-memory network, drives local
// writes, sync sessions and network faults step by step, then checks
// assertions about the final state. Every replica shares one step clock,
// so operation ids and the recorded trace are deterministic and can be
// compared against golden files.
//
// # Scenario Format
//
//	name: concurrent-writes
//	description: "Two replicas write the same key while partitioned"
//	collections: [users]
//	replicas: [A, B]
//	steps:
//	  - {replica: A, action: partition, peer: B}
//	  - {replica: A, action: set, collection: users, key: name, value: ada}
//	  - {replica: B, action: set, collection: users, key: name, value: grace}
//	  - {replica: A, action: heal, peer: B}
//	  - {replica: A, action: sync, peer: B}
//	assertions:
//	  - type: converged
//	    collection: users
//	  - type: state
//	    replica: A
//	    collection: users
//	    key: name
//	    value: grace
//
// # Actions
//
//	set, delete, add, remove   local writes on one collection
//	sync                       replica runs a session with peer
//	partition, heal            cut or restore the link between replica and peer
//	block, unblock             peer stops or resumes answering
//	advance                    move the shared clock by duration
//	compact                    compact a collection to the replica's own vector
//
// A sync step may name expect_error with a sync error code; the step then
// fails unless the session failed with that code.
//
// # Assertions
//
//	converged   every replica holds the same state for collection
//	state       key has value (or is absent) on replica
//	vector      replica's version vector for collection equals vector
//	status      replica's completed_syncs / failed_syncs counters
package harness
