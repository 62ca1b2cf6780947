package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/ir"
)

func finalResult(t *testing.T, views map[string]map[string]ir.IRValue) *Result {
	t.Helper()
	r := NewResult()
	for replica, state := range views {
		digest, err := ir.StateDigest(state)
		require.NoError(t, err)
		r.Final[replica] = map[string]ReplicaState{
			"c": {State: state, Vector: clock.VersionVector{replica: 1}, Digest: digest},
		}
	}
	return r
}

func TestAssertConverged(t *testing.T) {
	same := finalResult(t, map[string]map[string]ir.IRValue{
		"A": {"k": ir.IRString("v")},
		"B": {"k": ir.IRString("v")},
	})
	assert.NoError(t, assertConverged(same, []string{"A", "B"}, "c"))

	diverged := finalResult(t, map[string]map[string]ir.IRValue{
		"A": {"k": ir.IRString("v")},
		"B": {},
	})
	err := assertConverged(diverged, []string{"A", "B"}, "c")
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertConverged, ae.Type)
	assert.Contains(t, ae.Expected, `{"k":"v"}`)
	assert.Contains(t, ae.Actual, "{}")
}

func TestAssertState(t *testing.T) {
	r := finalResult(t, map[string]map[string]ir.IRValue{
		"A": {"k": ir.IRArray{ir.IRString("x")}},
	})

	assert.NoError(t, assertState(r, Assertion{Replica: "A", Collection: "c", Key: "k", Value: []any{"x"}}))
	assert.Error(t, assertState(r, Assertion{Replica: "A", Collection: "c", Key: "k", Value: []any{"y"}}))
	assert.NoError(t, assertState(r, Assertion{Replica: "A", Collection: "c", Key: "other", Absent: true}))
	assert.Error(t, assertState(r, Assertion{Replica: "A", Collection: "c", Key: "k", Absent: true}))

	err := assertState(r, Assertion{Replica: "A", Collection: "c", Key: "other", Value: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: absent")
}

func TestAssertVector(t *testing.T) {
	r := finalResult(t, map[string]map[string]ir.IRValue{"A": {}})

	assert.NoError(t, assertVector(r, Assertion{Replica: "A", Collection: "c", Vector: map[string]int64{"A": 1}}))
	err := assertVector(r, Assertion{Replica: "A", Collection: "c", Vector: map[string]int64{"A": 1, "B": 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Assertion failed: vector")
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{Type: "state", Expected: "a", Actual: "b"}
	assert.Equal(t, "Assertion failed: state\n  Expected: a\n  Actual: b", err.Error())
}
