package harness

import (
	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/ir"
)

// TraceEvent records one executed step.
type TraceEvent struct {
	Step       int    `json:"step"`
	Replica    string `json:"replica"`
	Action     string `json:"action"`
	Collection string `json:"collection,omitempty"`
	Key        string `json:"key,omitempty"`
	Peer       string `json:"peer,omitempty"`

	// Value is the resolved value of Key after a local write.
	Value ir.IRValue `json:"value,omitempty"`

	// Error is the sync error code of a failed session.
	Error string `json:"error,omitempty"`
}

// ReplicaState is a replica's final view of one collection.
type ReplicaState struct {
	State  map[string]ir.IRValue `json:"state"`
	Vector clock.VersionVector   `json:"vector"`
	Digest string                `json:"digest"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every step and assertion succeeded.
	Pass bool `json:"pass"`

	// Trace lists every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors holds failed steps and assertions.
	Errors []string `json:"errors,omitempty"`

	// Final maps replica -> collection -> final state.
	Final map[string]map[string]ReplicaState `json:"final"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Final:  make(map[string]map[string]ReplicaState),
	}
}

// AddError adds an error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
