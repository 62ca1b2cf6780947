package crdt

import (
	"github.com/mitchellh/copystructure"

	"github.com/roach88/convergent/internal/ir"
)

// copyValue returns a deep copy so callers never share arrays or objects
// with the document.
func copyValue(v ir.IRValue) ir.IRValue {
	switch v.(type) {
	case nil:
		return nil
	case ir.IRString, ir.IRInt, ir.IRBool:
		return v
	}
	return copystructure.Must(copystructure.Copy(v)).(ir.IRValue)
}

func copyState(state map[string]ir.IRValue) map[string]ir.IRValue {
	out := make(map[string]ir.IRValue, len(state))
	for k, v := range state {
		out[k] = copyValue(v)
	}
	return out
}
