package replicator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/convergent/internal/crdt"
)

// handle serves inbound sync requests. Domain failures travel in
// Response.Error; only an unencodable response is a transport error.
func (r *Replicator) handle(ctx context.Context, from string, payload []byte) ([]byte, error) {
	resp := r.serve(ctx, from, payload)
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return data, nil
}

func (r *Replicator) serve(ctx context.Context, from string, payload []byte) *Response {
	req, err := DecodeRequest(payload)
	if err != nil {
		r.logger.Debug("rejected sync request", "from", from, "error", err)
		return errorResponse(ErrCodeMalformedDelta, err.Error())
	}
	doc, ok := r.Collection(req.Collection)
	if !ok {
		return errorResponse(ErrCodeUnknownCollection, fmt.Sprintf("collection %q is not registered", req.Collection))
	}

	resp := &Response{}
	switch req.Type {
	case MsgVector:
		r.observe(ctx, from, req.Collection, req.Vector)

	case MsgPull:
		ops, err := doc.OperationsSince(req.Vector)
		if crdt.IsSnapshotRequired(err) {
			resp.SnapshotRequired = true
			break
		}
		if err != nil {
			return errorResponse(ErrCodeRemote, err.Error())
		}
		limit := r.cfg.MaxBatchSize
		if req.Limit > 0 {
			limit = min(limit, req.Limit)
		}
		start := min(req.Offset, len(ops))
		end := min(start+limit, len(ops))
		resp.Operations = ops[start:end]
		resp.More = end < len(ops)
		syncOperationsTotal.WithLabelValues(directionServed).Add(float64(len(resp.Operations)))

	case MsgPush:
		if req.Snapshot != nil {
			n, err := doc.ApplySnapshot(req.Snapshot)
			if err != nil {
				return errorResponse(ErrCodeMalformedDelta, err.Error())
			}
			resp.Applied = n
			syncSnapshotsTotal.WithLabelValues(directionPulled).Inc()
			break
		}
		valid, invalid := splitValid(req.Operations)
		resp.Applied = doc.ApplyOperations(valid)
		syncOperationsTotal.WithLabelValues(directionPulled).Add(float64(resp.Applied))
		if invalid > 0 {
			r.logger.Warn("rejected pushed operations", "from", from, "collection", req.Collection, "invalid", invalid)
			return errorResponse(ErrCodeMalformedDelta,
				fmt.Sprintf("%d of %d operations failed verification", invalid, len(req.Operations)))
		}

	case MsgSnapshot:
		resp.Snapshot = doc.Snapshot()
		syncSnapshotsTotal.WithLabelValues(directionServed).Inc()
	}

	resp.Vector = doc.VersionVector()
	r.logger.Debug("served sync request", "from", from, "type", req.Type, "collection", req.Collection)
	return resp
}

func errorResponse(code ErrorCode, msg string) *Response {
	return &Response{Error: &WireError{Code: code, Message: msg}}
}
