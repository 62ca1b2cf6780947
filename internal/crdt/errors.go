package crdt

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode categorizes document errors.
type ErrorCode string

const (
	// ErrCodeOutOfOrder indicates an operation was buffered because a
	// dependency or an earlier seq from its actor has not been applied.
	ErrCodeOutOfOrder ErrorCode = "OUT_OF_ORDER"

	// ErrCodeResolverFailure indicates the conflict resolver failed and
	// last-writer-wins was used instead.
	ErrCodeResolverFailure ErrorCode = "CONFLICT_RESOLVER_FAILURE"

	// ErrCodeSnapshotRequired indicates the requester is behind the
	// compaction floor and needs a full snapshot.
	ErrCodeSnapshotRequired ErrorCode = "SNAPSHOT_REQUIRED"

	// ErrCodeOrphaned indicates an operation stayed buffered past the
	// retention window.
	ErrCodeOrphaned ErrorCode = "ORPHANED_OPERATION"

	// ErrCodeMalformed indicates an operation or snapshot failed validation.
	ErrCodeMalformed ErrorCode = "MALFORMED_OPERATION"
)

// Error is a document error with structured fields for diagnostics.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Document is the id of the document that raised the error.
	Document string

	// OpID identifies the operation, if any.
	OpID string

	// Missing lists dependency ids not yet applied (OUT_OF_ORDER, ORPHANED_OPERATION).
	Missing []string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Document != "" {
		fmt.Fprintf(&b, " (document=%s", e.Document)
		if e.OpID != "" {
			fmt.Fprintf(&b, ", op=%s", e.OpID)
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

func hasCode(err error, code ErrorCode) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// IsOutOfOrder reports whether err is a buffered-operation notice.
func IsOutOfOrder(err error) bool {
	return hasCode(err, ErrCodeOutOfOrder)
}

// IsSnapshotRequired reports whether the caller must fall back to a snapshot.
func IsSnapshotRequired(err error) bool {
	return hasCode(err, ErrCodeSnapshotRequired)
}

// IsMalformed reports whether err rejects an invalid operation or snapshot.
func IsMalformed(err error) bool {
	return hasCode(err, ErrCodeMalformed)
}

// IsOrphaned reports whether err describes a stuck buffered operation.
func IsOrphaned(err error) bool {
	return hasCode(err, ErrCodeOrphaned)
}
