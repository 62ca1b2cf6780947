package ir

import (
	"encoding/json"
	"fmt"
	"slices"
)

// OpKind identifies the mutation an operation performs.
type OpKind string

const (
	// OpSet writes a register value at a key.
	OpSet OpKind = "SET"
	// OpDelete clears the register at a key and the set members it observed.
	OpDelete OpKind = "DELETE"
	// OpAdd inserts an element into the observed-remove set at a key.
	OpAdd OpKind = "ADD"
	// OpRemove removes the set members listed in its dependencies.
	OpRemove OpKind = "REMOVE"
)

// Valid reports whether k is one of the four known kinds.
func (k OpKind) Valid() bool {
	switch k {
	case OpSet, OpDelete, OpAdd, OpRemove:
		return true
	}
	return false
}

// CarriesValue reports whether operations of this kind have a value.
func (k OpKind) CarriesValue() bool {
	return k == OpSet || k == OpAdd
}

// Operation is an immutable, causally tagged record of one key mutation.
// It is the only payload peers ever exchange.
type Operation struct {
	ID           string   `json:"id"`
	Kind         OpKind   `json:"kind"`
	Key          string   `json:"key"`
	Value        IRValue  `json:"value,omitempty"` // SET and ADD only
	Actor        string   `json:"actor"`
	Seq          int64    `json:"seq"`        // actor-local, starts at 1
	WallClock    int64    `json:"wall_clock"` // unix milliseconds, hybrid
	Dependencies []string `json:"dependencies"`
}

// Payload is the kind-specific part of an operation. Exactly one of the
// four payload types below implements it.
type Payload interface {
	payload()
}

// SetPayload carries the value written by a SET.
type SetPayload struct{ Value IRValue }

// DeletePayload marks a DELETE.
type DeletePayload struct{}

// AddPayload carries the element inserted by an ADD.
type AddPayload struct{ Element IRValue }

// RemovePayload lists the ADD operations a REMOVE retracts.
type RemovePayload struct{ Observed []string }

func (SetPayload) payload()    {}
func (DeletePayload) payload() {}
func (AddPayload) payload()    {}
func (RemovePayload) payload() {}

// Payload returns the typed payload for exhaustive switching.
// It panics on an unknown kind; call Validate first for untrusted input.
func (op Operation) Payload() Payload {
	switch op.Kind {
	case OpSet:
		return SetPayload{Value: op.Value}
	case OpDelete:
		return DeletePayload{}
	case OpAdd:
		return AddPayload{Element: op.Value}
	case OpRemove:
		return RemovePayload{Observed: slices.Clone(op.Dependencies)}
	default:
		panic(fmt.Sprintf("ir: unknown operation kind %q", op.Kind))
	}
}

// Validate checks structural rules. It does not check the id; see Verify.
func (op Operation) Validate() error {
	if !op.Kind.Valid() {
		return fmt.Errorf("invalid kind %q", op.Kind)
	}
	if op.Actor == "" {
		return fmt.Errorf("actor is required")
	}
	if err := checkString(op.Actor); err != nil {
		return fmt.Errorf("actor: %w", err)
	}
	if err := checkString(op.Key); err != nil {
		return fmt.Errorf("key: %w", err)
	}
	if op.Seq < 1 {
		return fmt.Errorf("seq must be >= 1, got %d", op.Seq)
	}
	if op.Kind.CarriesValue() {
		if op.Value == nil {
			return fmt.Errorf("%s requires a value", op.Kind)
		}
		if _, isNull := op.Value.(IRNull); isNull {
			return fmt.Errorf("%s value cannot be null", op.Kind)
		}
		if err := CheckCanonical(op.Value); err != nil {
			return fmt.Errorf("value: %w", err)
		}
	} else if op.Value != nil {
		return fmt.Errorf("%s must not carry a value", op.Kind)
	}
	if !slices.IsSorted(op.Dependencies) {
		return fmt.Errorf("dependencies must be sorted")
	}
	return nil
}

// Verify validates the operation and checks that its id matches its content.
func (op Operation) Verify() error {
	if err := op.Validate(); err != nil {
		return err
	}
	id, err := OperationID(op)
	if err != nil {
		return err
	}
	if id != op.ID {
		return fmt.Errorf("id mismatch: record says %s, content hashes to %s", op.ID, id)
	}
	return nil
}

// record returns the canonical object form of the operation.
// includeID is false when computing the content-addressed id.
func (op Operation) record(includeID bool) IRObject {
	deps := make(IRArray, len(op.Dependencies))
	for i, d := range op.Dependencies {
		deps[i] = IRString(d)
	}
	obj := IRObject{
		"kind":         IRString(op.Kind),
		"key":          IRString(op.Key),
		"actor":        IRString(op.Actor),
		"seq":          IRInt(op.Seq),
		"wall_clock":   IRInt(op.WallClock),
		"dependencies": deps,
	}
	if op.Value != nil {
		obj["value"] = op.Value
	}
	if includeID {
		obj["id"] = IRString(op.ID)
	}
	return obj
}

// EncodeOperation returns the canonical wire record of op.
func EncodeOperation(op Operation) ([]byte, error) {
	data, err := MarshalCanonical(op.record(true))
	if err != nil {
		return nil, fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return data, nil
}

// DecodeOperation parses a wire record. Re-encoding the result yields
// the same bytes for any record produced by EncodeOperation.
func DecodeOperation(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	return op, nil
}

// MarshalJSON encodes the operation as its canonical wire record.
func (op Operation) MarshalJSON() ([]byte, error) {
	return EncodeOperation(op)
}

// UnmarshalJSON decodes a wire record, keeping the value typed.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           string          `json:"id"`
		Kind         OpKind          `json:"kind"`
		Key          string          `json:"key"`
		Value        json.RawMessage `json:"value"`
		Actor        string          `json:"actor"`
		Seq          int64           `json:"seq"`
		WallClock    int64           `json:"wall_clock"`
		Dependencies []string        `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*op = Operation{
		ID:           raw.ID,
		Kind:         raw.Kind,
		Key:          raw.Key,
		Actor:        raw.Actor,
		Seq:          raw.Seq,
		WallClock:    raw.WallClock,
		Dependencies: raw.Dependencies,
	}
	if op.Dependencies == nil {
		op.Dependencies = []string{}
	}
	if len(raw.Value) > 0 {
		val, err := DecodeValue(raw.Value)
		if err != nil {
			return fmt.Errorf("operation %s value: %w", raw.ID, err)
		}
		op.Value = val
	}
	return nil
}
