package replicator

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/convergent/internal/transport"
)

// ErrorCode categorizes sync errors.
type ErrorCode string

const (
	// ErrCodeSyncTimeout indicates a session exceeded its deadline.
	ErrCodeSyncTimeout ErrorCode = "SYNC_TIMEOUT"

	// ErrCodeCapacityExceeded indicates a session was refused because
	// every slot was busy and the caller opted out of queuing.
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"

	// ErrCodeUnknownCollection indicates a collection is not registered
	// locally or at the peer.
	ErrCodeUnknownCollection ErrorCode = "UNKNOWN_COLLECTION"

	// ErrCodeTransport indicates the payload could not be delivered.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeRemote indicates the peer failed to serve the request.
	ErrCodeRemote ErrorCode = "REMOTE"

	// ErrCodeMalformedDelta indicates a message or operation failed
	// validation.
	ErrCodeMalformedDelta ErrorCode = "MALFORMED_DELTA"

	// ErrCodeCanceled indicates the session was abandoned by its caller.
	ErrCodeCanceled ErrorCode = "CANCELED"
)

// SyncError describes a failed session, or the failed part of one.
type SyncError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Peer is the remote peer.
	Peer string

	// Collection is the collection being synced, if any.
	Collection string

	// SessionID identifies the session, if one was started.
	SessionID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := fmt.Sprintf("%s: %s (peer=%s", e.Code, e.Message, e.Peer)
	if e.Collection != "" {
		msg += ", collection=" + e.Collection
	}
	msg += ")"
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

func hasCode(err error, code ErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsTimeout reports whether err is a session timeout.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeSyncTimeout)
}

// IsCapacityExceeded reports whether err is a refused session.
func IsCapacityExceeded(err error) bool {
	return hasCode(err, ErrCodeCapacityExceeded)
}

// IsUnknownCollection reports whether err names an unregistered collection.
func IsUnknownCollection(err error) bool {
	return hasCode(err, ErrCodeUnknownCollection)
}

// IsMalformedDelta reports whether err rejects an invalid message.
func IsMalformedDelta(err error) bool {
	return hasCode(err, ErrCodeMalformedDelta)
}

// classify turns an error from one exchange into a *SyncError.
func classify(err error, peer, collection string) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		if se.Peer == "" {
			se.Peer = peer
		}
		if se.Collection == "" {
			se.Collection = collection
		}
		return se
	}

	e := &SyncError{Peer: peer, Collection: collection, Cause: err}
	var remote *transport.RemoteError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.Code, e.Message = ErrCodeSyncTimeout, "session deadline exceeded"
	case errors.Is(err, context.Canceled):
		e.Code, e.Message = ErrCodeCanceled, "session abandoned"
	case errors.As(err, &remote):
		e.Code, e.Message = ErrCodeRemote, "peer failed the request"
	default:
		e.Code, e.Message = ErrCodeTransport, "delivery failed"
	}
	return e
}

// aborts reports whether a failed collection should end the session. Only
// errors specific to one collection let the session continue.
func aborts(e *SyncError) bool {
	switch e.Code {
	case ErrCodeUnknownCollection, ErrCodeMalformedDelta:
		return false
	default:
		return true
	}
}
