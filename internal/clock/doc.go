// Package clock provides the causal and wall clocks used by documents.
//
// VersionVector maps an actor id to the highest contiguous seq applied from
// that actor. It only advances. WallClock stamps local writes with a hybrid
// millisecond time that is strictly greater than every stamp it has issued
// or observed, so a causally later write never carries an earlier stamp.
//
// Thread-safety: VersionVector is a plain map and callers synchronize.
// WallClock is safe for concurrent use.
package clock
