// Package oplog holds the append-only operation log owned by a document.
//
// Operations are appended only after they have been applied, so append
// order always respects dependencies. The log is not safe for concurrent
// use; the owning document serializes access.
package oplog

import (
	"errors"
	"fmt"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/ir"
)

// ErrBehindFloor is returned by Since when the requester has not seen
// operations that were already pruned. The requester needs a snapshot.
var ErrBehindFloor = errors.New("requester is behind the compaction floor")

// Log is an ordered, deduplicated record of applied operations.
type Log struct {
	ops   []ir.Operation
	index map[string]int
	floor clock.VersionVector
}

// New creates an empty log.
func New() *Log {
	return &Log{
		index: make(map[string]int),
		floor: clock.New(),
	}
}

// Append adds op to the end of the log. It returns false if an operation
// with the same id is already retained.
func (l *Log) Append(op ir.Operation) bool {
	if _, ok := l.index[op.ID]; ok {
		return false
	}
	l.index[op.ID] = len(l.ops)
	l.ops = append(l.ops, op)
	return true
}

// Has reports whether the log retains an operation with this id.
func (l *Log) Has(id string) bool {
	_, ok := l.index[id]
	return ok
}

// Len returns the number of retained operations.
func (l *Log) Len() int {
	return len(l.ops)
}

// All returns a copy of every retained operation in append order.
func (l *Log) All() []ir.Operation {
	out := make([]ir.Operation, len(l.ops))
	copy(out, l.ops)
	return out
}

// Since returns every retained operation with seq > vv[actor], in append
// order. If vv sits below the floor for any actor, the operations it lacks
// are gone and Since returns ErrBehindFloor.
func (l *Log) Since(vv clock.VersionVector) ([]ir.Operation, error) {
	for _, actor := range l.floor.Actors() {
		if vv.Get(actor) < l.floor.Get(actor) {
			return nil, fmt.Errorf("actor %s: have %d, floor %d: %w",
				actor, vv.Get(actor), l.floor.Get(actor), ErrBehindFloor)
		}
	}

	var out []ir.Operation
	for _, op := range l.ops {
		if op.Seq > vv.Get(op.Actor) {
			out = append(out, op)
		}
	}
	return out, nil
}

// Prune drops every operation at or below floor and raises the log's own
// floor. It returns the number of operations removed.
func (l *Log) Prune(floor clock.VersionVector) int {
	l.floor.Merge(floor)

	kept := l.ops[:0]
	removed := 0
	for _, op := range l.ops {
		if l.floor.Includes(op.Actor, op.Seq) {
			delete(l.index, op.ID)
			removed++
			continue
		}
		kept = append(kept, op)
	}
	clear(l.ops[len(kept):])
	l.ops = kept
	for i, op := range l.ops {
		l.index[op.ID] = i
	}
	return removed
}

// Floor returns a copy of the compaction floor.
func (l *Log) Floor() clock.VersionVector {
	return l.floor.Copy()
}
