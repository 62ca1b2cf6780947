package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/ir"
)

// Snapshot renders a result as canonical JSON: the trace and every
// replica's final state and vector. Operation ids and digests are left out
// so golden files stay readable.
func Snapshot(name string, result *Result) ([]byte, error) {
	trace := make(ir.IRArray, len(result.Trace))
	for i, ev := range result.Trace {
		obj := ir.IRObject{
			"step":    ir.IRInt(int64(ev.Step)),
			"replica": ir.IRString(ev.Replica),
			"action":  ir.IRString(ev.Action),
		}
		if ev.Collection != "" {
			obj["collection"] = ir.IRString(ev.Collection)
		}
		if ev.Key != "" {
			obj["key"] = ir.IRString(ev.Key)
		}
		if ev.Peer != "" {
			obj["peer"] = ir.IRString(ev.Peer)
		}
		if ev.Value != nil {
			obj["value"] = ev.Value
		}
		if ev.Error != "" {
			obj["error"] = ir.IRString(ev.Error)
		}
		trace[i] = obj
	}

	final := make(ir.IRObject, len(result.Final))
	for replica, views := range result.Final {
		cols := make(ir.IRObject, len(views))
		for name, view := range views {
			cols[name] = ir.IRObject{
				"state":  ir.IRObject(view.State),
				"vector": vectorObject(view.Vector),
			}
		}
		final[replica] = cols
	}

	return ir.MarshalCanonical(ir.IRObject{
		"scenario_name": ir.IRString(name),
		"trace":         trace,
		"final":         final,
	})
}

func vectorObject(vv clock.VersionVector) ir.IRObject {
	obj := make(ir.IRObject, len(vv))
	for actor, seq := range vv {
		obj[actor] = ir.IRInt(seq)
	}
	return obj
}

// RunWithGolden executes a scenario and compares its snapshot against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
