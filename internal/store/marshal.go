package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
)

// marshalVector converts a version vector to canonical JSON TEXT.
func marshalVector(vv clock.VersionVector) (string, error) {
	obj := make(ir.IRObject, len(vv))
	for actor, seq := range vv {
		obj[actor] = ir.IRInt(seq)
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal vector: %w", err)
	}
	return string(data), nil
}

func unmarshalVector(data string) (clock.VersionVector, error) {
	vv := clock.New()
	if data == "" || data == "{}" {
		return vv, nil
	}
	if err := json.Unmarshal([]byte(data), &vv); err != nil {
		return nil, fmt.Errorf("unmarshal vector: %w", err)
	}
	return vv, nil
}

// marshalOperation returns the canonical wire record of op. It is the same
// record peers exchange, so stored bytes hash back to op.ID.
func marshalOperation(op ir.Operation) (string, error) {
	data, err := ir.EncodeOperation(op)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalOperation(data string) (ir.Operation, error) {
	op, err := ir.DecodeOperation([]byte(data))
	if err != nil {
		return ir.Operation{}, err
	}
	if err := op.Verify(); err != nil {
		return ir.Operation{}, fmt.Errorf("stored operation %s: %w", op.ID, err)
	}
	return op, nil
}

func marshalSnapshot(s *crdt.Snapshot) (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(data), nil
}

func unmarshalSnapshot(data string) (*crdt.Snapshot, error) {
	var s crdt.Snapshot
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &s, nil
}
