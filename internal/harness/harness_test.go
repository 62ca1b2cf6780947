package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/convergent/internal/ir"
)

func mustParse(t *testing.T, src string) *Scenario {
	t.Helper()
	s, err := ParseScenario([]byte(src))
	require.NoError(t, err)
	return s
}

func TestScenarioFiles_Golden(t *testing.T) {
	files, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_IsDeterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/set_union.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := Snapshot(scenario.Name, first)
	require.NoError(t, err)
	b, err := Snapshot(scenario.Name, second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, first.Final["A"]["tags"].Digest, second.Final["C"]["tags"].Digest)
}

func TestRun_ConcatResolver(t *testing.T) {
	s := mustParse(t, `
name: concat
description: "concurrent strings are joined"
replicas: [A, B]
collections: [c]
resolver: concat
steps:
  - {replica: A, action: set, collection: c, key: k, value: a}
  - {replica: B, action: set, collection: c, key: k, value: b}
  - {replica: B, action: sync, peer: A}
assertions:
  - {type: converged, collection: c}
  - {type: state, replica: A, collection: c, key: k, value: "a+b"}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_TimeoutThenRecovery(t *testing.T) {
	s := mustParse(t, `
name: timeout
description: "a blocked peer times out and is synced once it answers again"
replicas: [A, B]
collections: [c]
session_timeout: 50ms
steps:
  - {replica: A, action: set, collection: c, key: k, value: 1}
  - {replica: A, action: block, peer: B}
  - {replica: A, action: sync, peer: B, expect_error: SYNC_TIMEOUT}
  - {replica: A, action: unblock, peer: B}
  - {replica: A, action: sync, peer: B}
assertions:
  - {type: converged, collection: c}
  - {type: state, replica: B, collection: c, key: k, value: 1}
  - {type: status, replica: A, completed_syncs: 1, failed_syncs: 1}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "SYNC_TIMEOUT", result.Trace[2].Error)
	assert.Empty(t, result.Trace[4].Error)
}

func TestRun_PartitionedSyncFails(t *testing.T) {
	s := mustParse(t, `
name: partitioned
description: "a sync across a partition fails and state diverges"
replicas: [A, B]
collections: [c]
steps:
  - {replica: A, action: partition, peer: B}
  - {replica: A, action: set, collection: c, key: k, value: x}
  - {replica: A, action: sync, peer: B, expect_error: TRANSPORT}
assertions:
  - {type: state, replica: B, collection: c, key: k, absent: true}
  - {type: status, replica: A, failed_syncs: 1}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_ReportsStepAndAssertionFailures(t *testing.T) {
	s := mustParse(t, `
name: failing
description: "unexpected errors and wrong expectations are reported"
replicas: [A, B]
collections: [c]
steps:
  - {replica: A, action: partition, peer: B}
  - {replica: A, action: set, collection: c, key: k, value: x}
  - {replica: A, action: sync, peer: B}
assertions:
  - {type: converged, collection: c}
  - {type: state, replica: A, collection: c, key: k, value: y}
  - {type: vector, replica: A, collection: c, vector: {A: 2}}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 4)
	assert.Contains(t, result.Errors[0], "steps[2] sync on A")
	assert.Contains(t, result.Errors[1], "assertions[0]")
	assert.Contains(t, result.Errors[2], `"x"`)
	assert.Contains(t, result.Errors[3], "vector")
}

func TestRun_DeleteAndCompact(t *testing.T) {
	s := mustParse(t, `
name: delete
description: "a delete replicates and compaction keeps state"
replicas: [A, B]
collections: [c]
steps:
  - {replica: A, action: set, collection: c, key: k, value: {n: 1}}
  - {replica: A, action: sync, peer: B}
  - {replica: B, action: delete, collection: c, key: k}
  - {replica: B, action: advance, duration: 1s}
  - {replica: B, action: set, collection: c, key: j, value: true}
  - {replica: B, action: compact, collection: c}
  - {replica: A, action: sync, peer: B}
assertions:
  - {type: converged, collection: c}
  - {type: state, replica: A, collection: c, key: k, absent: true}
  - {type: state, replica: A, collection: c, key: j, value: true}
`)
	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, ir.IRObject{"n": ir.IRInt(1)}, result.Trace[0].Value)
	assert.Nil(t, result.Trace[2].Value)
}
