package crdt

import (
	"fmt"
	"slices"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/convergent/internal/ir"
)

// Set writes value at key and returns the resolved value. The write is
// visible immediately. key and string values are stored in NFC. It fails
// only if value cannot be encoded or key or value is not valid UTF-8.
func (d *Document) Set(key string, value ir.IRValue) (ir.IRValue, error) {
	key, value, err := d.canonicalWrite(key, value)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	op := d.localOpLocked(ir.OpSet, key, value, d.observedLocked(key))
	return d.commitLocal(op), nil
}

// Delete removes key, including any set members this replica has seen.
// It returns the resolved value afterwards, which is nil.
func (d *Document) Delete(key string) ir.IRValue {
	if !utf8.ValidString(key) {
		return nil
	}
	key = norm.NFC.String(key)

	d.mu.Lock()
	op := d.localOpLocked(ir.OpDelete, key, nil, d.observedLocked(key))
	return d.commitLocal(op)
}

// Add inserts element into the set at key and returns the resolved value.
func (d *Document) Add(key string, element ir.IRValue) (ir.IRValue, error) {
	key, element, err := d.canonicalWrite(key, element)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	deps := []string{}
	if head, ok := d.heads[d.actor]; ok {
		deps = append(deps, head)
	}
	op := d.localOpLocked(ir.OpAdd, key, element, deps)
	return d.commitLocal(op), nil
}

// Remove retracts every copy of element this replica has seen in the set at
// key. Concurrent adds elsewhere survive. If the element is not present no
// operation is created.
func (d *Document) Remove(key string, element ir.IRValue) ir.IRValue {
	if !utf8.ValidString(key) {
		return nil
	}
	key = norm.NFC.String(key)
	element, err := ir.CanonicalValue(element)

	d.mu.Lock()

	observed := []string{}
	for tag, el := range d.members[key] {
		if ir.EqualValues(el, element) {
			observed = append(observed, tag)
		}
	}
	if err != nil || len(observed) == 0 {
		v := copyValue(d.state[key])
		d.mu.Unlock()
		return v
	}
	slices.Sort(observed)

	// A REMOVE lists only the adds it retracts. Ordering after this actor's
	// previous operation is implied by seq.
	op := d.localOpLocked(ir.OpRemove, key, nil, observed)
	return d.commitLocal(op)
}

// observedLocked returns the dependencies of a register write: this actor's
// previous operation, the key's current frontier and its live set members.
func (d *Document) observedLocked(key string) []string {
	deps := []string{}
	if head, ok := d.heads[d.actor]; ok {
		deps = append(deps, head)
	}
	for _, r := range d.registers[key] {
		deps = append(deps, r.op.ID)
	}
	for tag := range d.members[key] {
		deps = append(deps, tag)
	}
	slices.Sort(deps)
	return slices.Compact(deps)
}

func (d *Document) localOpLocked(kind ir.OpKind, key string, value ir.IRValue, deps []string) ir.Operation {
	op := ir.Operation{
		Kind:         kind,
		Key:          key,
		Value:        value,
		Actor:        d.actor,
		Seq:          d.vv.Get(d.actor) + 1,
		WallClock:    d.wall.Next(),
		Dependencies: deps,
	}
	op.ID = ir.MustOperationID(op)
	return op
}

// commitLocal applies a local operation and releases the lock.
func (d *Document) commitLocal(op ir.Operation) ir.IRValue {
	b := &batch{}
	d.applyLocked(op, b)
	value := copyValue(d.state[op.Key])
	d.unlockAndCommit(b)
	return value
}

// canonicalWrite returns key and value in the form peers decode them from
// the wire, so a local write and its replicated copy resolve identically.
func (d *Document) canonicalWrite(key string, value ir.IRValue) (string, ir.IRValue, error) {
	if !utf8.ValidString(key) {
		return "", nil, &Error{Code: ErrCodeMalformed, Message: fmt.Sprintf("key %q is not valid UTF-8", key), Document: d.id}
	}
	key = norm.NFC.String(key)
	if err := checkValue(value); err != nil {
		return "", nil, &Error{Code: ErrCodeMalformed, Message: "invalid value for " + key, Document: d.id, Cause: err}
	}
	value, err := ir.CanonicalValue(value)
	if err != nil {
		return "", nil, &Error{Code: ErrCodeMalformed, Message: "invalid value for " + key, Document: d.id, Cause: err}
	}
	return key, value, nil
}

func checkValue(v ir.IRValue) error {
	if v == nil {
		return fmt.Errorf("value is required")
	}
	if _, isNull := v.(ir.IRNull); isNull {
		return fmt.Errorf("value cannot be null")
	}
	_, err := ir.MarshalCanonical(v)
	return err
}
