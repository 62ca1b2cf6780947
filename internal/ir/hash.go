package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for a future algorithm change.
const (
	DomainOperation = "convergent/operation/v1"
	DomainState     = "convergent/state/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator keeps domain and data unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// OperationID computes the content-addressed id of an operation from every
// field except the id itself. Two replicas that build the same operation
// always agree on its id, and a tampered record no longer matches.
func OperationID(op Operation) (string, error) {
	canonical, err := MarshalCanonical(op.record(false))
	if err != nil {
		return "", fmt.Errorf("OperationID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOperation, canonical), nil
}

// StateDigest hashes a resolved key/value mapping. Replicas holding the same
// operation set produce the same digest.
func StateDigest(state map[string]IRValue) (string, error) {
	canonical, err := MarshalCanonical(IRObject(state))
	if err != nil {
		return "", fmt.Errorf("StateDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainState, canonical), nil
}

// MustOperationID is like OperationID but panics on error.
// Use only in tests or when the operation is known to be valid.
func MustOperationID(op Operation) string {
	id, err := OperationID(op)
	if err != nil {
		panic(err)
	}
	return id
}
