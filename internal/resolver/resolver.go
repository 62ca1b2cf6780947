// Package resolver decides the value of a key when two register writes are
// concurrent.
//
// A resolver sees operations in canonical order: older precedes newer by
// (wallClock, actor, seq). Every replica folds concurrent writes in that
// same order, so any deterministic, side-effect-free resolver converges.
package resolver

import (
	"cmp"
	"fmt"

	"github.com/roach88/convergent/internal/ir"
)

// Resolver returns the resolved value for key given two concurrent writes.
// A nil value means the key is absent.
type Resolver interface {
	Resolve(key string, older, newer ir.Operation) (ir.IRValue, error)
}

// Func adapts a plain function to Resolver.
type Func func(key string, older, newer ir.Operation) (ir.IRValue, error)

// Resolve calls f.
func (f Func) Resolve(key string, older, newer ir.Operation) (ir.IRValue, error) {
	return f(key, older, newer)
}

// LWW is last-writer-wins: the newer operation's value always wins.
// A winning DELETE resolves to absent.
type LWW struct{}

// Resolve returns newer's value.
func (LWW) Resolve(_ string, _, newer ir.Operation) (ir.IRValue, error) {
	return newer.Value, nil
}

// Compare orders operations by (wallClock, actor, seq). The order is total
// and evaluated identically on every replica.
func Compare(a, b ir.Operation) int {
	if c := cmp.Compare(a.WallClock, b.WallClock); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Actor, b.Actor); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// Failure records a resolver that panicked, returned an error, returned an
// unencodable value or answered differently for the same input. The engine
// falls back to LWW and keeps both writes.
type Failure struct {
	Key   string
	Older string
	Newer string
	Cause error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("resolver failed for key %q (%s vs %s): %v", f.Key, f.Older, f.Newer, f.Cause)
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Invoke runs r on two concurrent operations, ordering them canonically
// first. It calls the resolver twice and requires the same answer both
// times. On any failure the LWW value is returned together with a *Failure.
func Invoke(r Resolver, key string, a, b ir.Operation) (ir.IRValue, error) {
	older, newer := a, b
	if Compare(a, b) > 0 {
		older, newer = b, a
	}
	fallback := newer.Value

	if r == nil {
		return fallback, nil
	}
	if _, ok := r.(LWW); ok {
		return fallback, nil
	}

	fail := func(cause error) (ir.IRValue, error) {
		return fallback, &Failure{Key: key, Older: older.ID, Newer: newer.ID, Cause: cause}
	}

	first, err := call(r, key, older, newer)
	if err != nil {
		return fail(err)
	}
	second, err := call(r, key, older, newer)
	if err != nil {
		return fail(err)
	}
	if !ir.EqualValues(first, second) {
		return fail(fmt.Errorf("non-deterministic result"))
	}
	return first, nil
}

// call runs the resolver once, converting panics into errors and checking
// that the result can be encoded.
func call(r Resolver, key string, older, newer ir.Operation) (val ir.IRValue, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			val = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()

	val, err = r.Resolve(key, cloneOp(older), cloneOp(newer))
	if err != nil {
		return nil, err
	}
	if _, isNull := val.(ir.IRNull); isNull {
		return nil, nil
	}
	if val != nil {
		if _, encErr := ir.MarshalCanonical(val); encErr != nil {
			return nil, fmt.Errorf("unencodable result: %w", encErr)
		}
	}
	return val, nil
}

// cloneOp hands the resolver its own dependency slice so it cannot alias
// the stored operation.
func cloneOp(op ir.Operation) ir.Operation {
	deps := make([]string, len(op.Dependencies))
	copy(deps, op.Dependencies)
	op.Dependencies = deps
	return op
}
