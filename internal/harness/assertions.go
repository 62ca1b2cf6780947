package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the final result and
// returns one message per failure.
func EvaluateAssertions(h *Harness, result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(h, result, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(h *Harness, result *Result, a Assertion) error {
	switch a.Type {
	case AssertConverged:
		return assertConverged(result, h.scenario.Replicas, a.Collection)
	case AssertState:
		return assertState(result, a)
	case AssertVector:
		return assertVector(result, a)
	case AssertStatus:
		return assertStatus(h, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

// assertConverged checks that every replica has the same state digest.
func assertConverged(result *Result, replicas []string, collection string) error {
	first := result.Final[replicas[0]][collection]
	for _, id := range replicas[1:] {
		view := result.Final[id][collection]
		if view.Digest != first.Digest {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s on %s: %s", collection, replicas[0], formatState(first.State)),
				Actual:   fmt.Sprintf("%s on %s: %s", collection, id, formatState(view.State)),
			}
		}
	}
	return nil
}

func assertState(result *Result, a Assertion) error {
	state := result.Final[a.Replica][a.Collection].State
	got, ok := state[a.Key]

	if a.Absent {
		if ok {
			return &AssertionError{
				Type:     AssertState,
				Expected: fmt.Sprintf("%s.%s absent on %s", a.Collection, a.Key, a.Replica),
				Actual:   formatValue(got),
			}
		}
		return nil
	}

	want, err := ir.FromGo(a.Value)
	if err != nil {
		return fmt.Errorf("expected value: %w", err)
	}
	if !ok || !ir.EqualValues(want, got) {
		actual := "absent"
		if ok {
			actual = formatValue(got)
		}
		return &AssertionError{
			Type:     AssertState,
			Expected: fmt.Sprintf("%s.%s = %s on %s", a.Collection, a.Key, formatValue(want), a.Replica),
			Actual:   actual,
		}
	}
	return nil
}

func assertVector(result *Result, a Assertion) error {
	got := result.Final[a.Replica][a.Collection].Vector
	want := clock.VersionVector(a.Vector)
	if !got.Equal(want) {
		return &AssertionError{
			Type:     AssertVector,
			Expected: fmt.Sprintf("%s on %s at %s", a.Collection, a.Replica, want),
			Actual:   got.String(),
		}
	}
	return nil
}

func assertStatus(h *Harness, a Assertion) error {
	st := h.replicas[a.Replica].Status()
	if a.CompletedSyncs != nil && int64(*a.CompletedSyncs) != st.CompletedSyncs {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s completed_syncs = %d", a.Replica, *a.CompletedSyncs),
			Actual:   fmt.Sprintf("%d", st.CompletedSyncs),
		}
	}
	if a.FailedSyncs != nil && int64(*a.FailedSyncs) != st.FailedSyncs {
		return &AssertionError{
			Type:     AssertStatus,
			Expected: fmt.Sprintf("%s failed_syncs = %d", a.Replica, *a.FailedSyncs),
			Actual:   fmt.Sprintf("%d", st.FailedSyncs),
		}
	}
	return nil
}

func formatValue(v ir.IRValue) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func formatState(state map[string]ir.IRValue) string {
	return formatValue(ir.IRObject(state))
}
