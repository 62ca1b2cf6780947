package clock

import (
	"fmt"
	"slices"
	"strings"
)

// VersionVector maps actor ids to the highest seq seen from that actor.
// Absent actors read as 0.
type VersionVector map[string]int64

// New creates an empty version vector.
func New() VersionVector {
	return make(VersionVector)
}

// Get returns the entry for actor, or 0 if absent.
func (vv VersionVector) Get(actor string) int64 {
	return vv[actor]
}

// Advance raises the entry for actor to seq. Lower values are ignored,
// so the vector never rolls back.
func (vv VersionVector) Advance(actor string, seq int64) {
	if seq > vv[actor] {
		vv[actor] = seq
	}
}

// Merge raises every entry to the pointwise maximum with other.
func (vv VersionVector) Merge(other VersionVector) {
	for actor, seq := range other {
		vv.Advance(actor, seq)
	}
}

// Copy returns an independent copy. A nil vector copies to an empty one.
func (vv VersionVector) Copy() VersionVector {
	out := make(VersionVector, len(vv))
	for actor, seq := range vv {
		out[actor] = seq
	}
	return out
}

// Includes reports whether the operation (actor, seq) is reflected in vv.
func (vv VersionVector) Includes(actor string, seq int64) bool {
	return vv[actor] >= seq
}

// Ordering is the causal relationship between two vectors.
type Ordering int

const (
	// Equal means both vectors hold the same entries.
	Equal Ordering = iota
	// Before means the receiver happened before the argument.
	Before
	// After means the receiver happened after the argument.
	After
	// Concurrent means neither vector dominates the other.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Compare returns the causal relationship of vv to other.
// Zero entries and absent entries compare equal.
func (vv VersionVector) Compare(other VersionVector) Ordering {
	var less, greater bool
	for actor, seq := range vv {
		if seq > other[actor] {
			greater = true
		} else if seq < other[actor] {
			less = true
		}
	}
	for actor, seq := range other {
		if _, seen := vv[actor]; !seen && seq > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Equal reports whether the vectors hold the same non-zero entries.
func (vv VersionVector) Equal(other VersionVector) bool {
	return vv.Compare(other) == Equal
}

// Actors returns the actor ids with non-zero entries in sorted order.
func (vv VersionVector) Actors() []string {
	actors := make([]string, 0, len(vv))
	for actor, seq := range vv {
		if seq > 0 {
			actors = append(actors, actor)
		}
	}
	slices.Sort(actors)
	return actors
}

// Min returns the pointwise minimum over all vectors. An actor missing
// from any vector reads as 0 there and drops out of the result.
// The result is the causal stability floor: every operation at or below
// it has been seen by every vector's owner.
func Min(vectors ...VersionVector) VersionVector {
	out := New()
	if len(vectors) == 0 {
		return out
	}
	for actor, seq := range vectors[0] {
		floor := seq
		for _, other := range vectors[1:] {
			floor = min(floor, other[actor])
		}
		if floor > 0 {
			out[actor] = floor
		}
	}
	return out
}

// String returns a deterministic representation, e.g. "{A:1, B:2}".
func (vv VersionVector) String() string {
	if len(vv) == 0 {
		return "{}"
	}
	actors := make([]string, 0, len(vv))
	for actor := range vv {
		actors = append(actors, actor)
	}
	slices.Sort(actors)

	parts := make([]string, 0, len(actors))
	for _, actor := range actors {
		parts = append(parts, fmt.Sprintf("%s:%d", actor, vv[actor]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
