package replicator

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/convergent/internal/clock"
	"github.com/roach88/convergent/internal/crdt"
	"github.com/roach88/convergent/internal/ir"
)

// MessageType names a sync request.
type MessageType string

const (
	// MsgVector asks for the peer's version vector. The request carries the
	// sender's vector so the peer learns it too.
	MsgVector MessageType = "vector"

	// MsgPull asks for the operations the sender's vector lacks, paged by
	// Offset and Limit.
	MsgPull MessageType = "pull"

	// MsgPush delivers operations, or a snapshot, to the peer.
	MsgPush MessageType = "push"

	// MsgSnapshot asks for the peer's full snapshot.
	MsgSnapshot MessageType = "snapshot"
)

// Request is one sync message.
type Request struct {
	Version    string              `json:"version"`
	Type       MessageType         `json:"type"`
	Collection string              `json:"collection"`
	Vector     clock.VersionVector `json:"vector,omitempty"`
	Offset     int                 `json:"offset,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
	Operations []ir.Operation      `json:"operations,omitempty"`
	Snapshot   *crdt.Snapshot      `json:"snapshot,omitempty"`
}

// Response answers a Request. Vector is always the responder's vector after
// serving the request.
type Response struct {
	Vector           clock.VersionVector `json:"vector"`
	Operations       []ir.Operation      `json:"operations,omitempty"`
	More             bool                `json:"more,omitempty"`
	SnapshotRequired bool                `json:"snapshot_required,omitempty"`
	Snapshot         *crdt.Snapshot      `json:"snapshot,omitempty"`
	Applied          int                 `json:"applied,omitempty"`
	Error            *WireError          `json:"error,omitempty"`
}

// WireError carries a SyncError code across the transport.
type WireError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DecodeRequest parses and checks a request.
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if req.Version != ir.WireVersion {
		return nil, fmt.Errorf("unsupported wire version %q (want %q)", req.Version, ir.WireVersion)
	}
	switch req.Type {
	case MsgVector, MsgPull, MsgPush, MsgSnapshot:
	default:
		return nil, fmt.Errorf("unknown message type %q", req.Type)
	}
	if req.Collection == "" {
		return nil, fmt.Errorf("%s request has no collection", req.Type)
	}
	if req.Offset < 0 || req.Limit < 0 {
		return nil, fmt.Errorf("negative paging (offset=%d, limit=%d)", req.Offset, req.Limit)
	}
	return &req, nil
}

// DecodeResponse parses a response. A carried WireError is returned as a
// *SyncError.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &SyncError{Code: ErrCodeMalformedDelta, Message: "undecodable response", Cause: err}
	}
	if resp.Error != nil {
		return nil, &SyncError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	if resp.Vector == nil {
		resp.Vector = clock.New()
	}
	return &resp, nil
}
