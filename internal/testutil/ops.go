package testutil

import (
	"slices"
	"strconv"

	"github.com/roach88/convergent/internal/ir"
)

// Op builds a content-addressed operation for tests. Dependencies are
// sorted; a nil value makes a DELETE unless kind says otherwise.
func Op(kind ir.OpKind, actor string, seq, wallClock int64, key string, value ir.IRValue, deps ...string) ir.Operation {
	sorted := slices.Clone(deps)
	if sorted == nil {
		sorted = []string{}
	}
	slices.Sort(sorted)

	op := ir.Operation{
		Kind:         kind,
		Key:          key,
		Value:        value,
		Actor:        actor,
		Seq:          seq,
		WallClock:    wallClock,
		Dependencies: sorted,
	}
	op.ID = ir.MustOperationID(op)
	return op
}

// SetOp builds a SET.
func SetOp(actor string, seq, wallClock int64, key string, value ir.IRValue, deps ...string) ir.Operation {
	return Op(ir.OpSet, actor, seq, wallClock, key, value, deps...)
}

// DeleteOp builds a DELETE.
func DeleteOp(actor string, seq, wallClock int64, key string, deps ...string) ir.Operation {
	return Op(ir.OpDelete, actor, seq, wallClock, key, nil, deps...)
}

// Chain builds n SETs from one actor, each depending on the previous,
// writing "v<seq>" at key.
func Chain(actor string, n int, key string) []ir.Operation {
	ops := make([]ir.Operation, 0, n)
	prev := []string{}
	for i := 1; i <= n; i++ {
		op := SetOp(actor, int64(i), int64(i)*10, key, ir.IRString("v"+strconv.Itoa(i)), prev...)
		ops = append(ops, op)
		prev = []string{op.ID}
	}
	return ops
}
