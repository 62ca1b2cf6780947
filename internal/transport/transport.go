// Package transport moves opaque sync payloads between peers.
//
// The replicator treats a transport as a request/response channel: Send
// delivers a payload to a peer's handler and returns its reply. Retries and
// timeouts belong to the caller, which bounds every Send with a context.
package transport

import (
	"context"
	"errors"
)

// Handler serves an inbound payload from peer from and returns the reply.
type Handler func(ctx context.Context, from string, payload []byte) ([]byte, error)

// Transport delivers payloads to peers.
type Transport interface {
	// Send delivers payload to peer and waits for its reply or ctx.
	Send(ctx context.Context, peer string, payload []byte) ([]byte, error)

	// Listen installs the handler for inbound payloads, replacing any
	// previous handler.
	Listen(h Handler)
}

var (
	// ErrUnreachable means the peer is unknown or cannot be reached.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrNoHandler means the peer is reachable but not serving.
	ErrNoHandler = errors.New("peer has no handler")
)

// RemoteError is an error returned by the peer's handler, as opposed to a
// failure delivering the payload.
type RemoteError struct {
	Peer    string
	Message string
}

func (e *RemoteError) Error() string {
	return "peer " + e.Peer + ": " + e.Message
}
