package replicator

import (
	"slices"
	"sync"
	"time"
)

// SyncErrorRecord is one entry of Status.SyncErrors.
type SyncErrorRecord struct {
	SessionID  string    `json:"session_id,omitempty"`
	Peer       string    `json:"peer"`
	Collection string    `json:"collection,omitempty"`
	Code       ErrorCode `json:"code"`
	Error      string    `json:"error"`
	Time       time.Time `json:"time"`
}

// Status is a point-in-time view of replication activity.
type Status struct {
	Strategy        Strategy          `json:"strategy"`
	Running         bool              `json:"running"`
	ActiveSyncs     int               `json:"active_syncs"`
	PendingSyncs    int               `json:"pending_syncs"`
	PeakActiveSyncs int               `json:"peak_active_syncs"`
	CompletedSyncs  int64             `json:"completed_syncs"`
	FailedSyncs     int64             `json:"failed_syncs"`
	LastSyncTime    time.Time         `json:"last_sync_time"`
	Collections     []string          `json:"collections"`
	SyncErrors      []SyncErrorRecord `json:"sync_errors"`
}

// tracker owns the mutable part of Status. Counters move only on the
// session admission and completion paths.
type tracker struct {
	mu        sync.Mutex
	status    Status
	maxErrors int
}

func newTracker(maxErrors int) *tracker {
	return &tracker{maxErrors: maxErrors}
}

func (t *tracker) queued() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.PendingSyncs++
	syncPendingSessions.Inc()
}

func (t *tracker) dequeued() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.PendingSyncs--
	syncPendingSessions.Dec()
}

func (t *tracker) started() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.ActiveSyncs++
	t.status.PeakActiveSyncs = max(t.status.PeakActiveSyncs, t.status.ActiveSyncs)
	syncActiveSessions.Inc()
}

// finished ends a started session.
func (t *tracker) finished(at time.Time, errs []SyncErrorRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.ActiveSyncs--
	syncActiveSessions.Dec()
	if len(errs) == 0 {
		t.status.CompletedSyncs++
		t.status.LastSyncTime = at
		syncSessionsTotal.WithLabelValues(outcomeCompleted).Inc()
		return
	}
	t.status.FailedSyncs++
	syncSessionsTotal.WithLabelValues(outcomeFailed).Inc()
	t.recordLocked(errs...)
}

// rejected records a session that was never admitted.
func (t *tracker) rejected(rec SyncErrorRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.FailedSyncs++
	syncSessionsTotal.WithLabelValues(outcomeRejected).Inc()
	t.recordLocked(rec)
}

func (t *tracker) recordLocked(recs ...SyncErrorRecord) {
	t.status.SyncErrors = append(t.status.SyncErrors, recs...)
	if over := len(t.status.SyncErrors) - t.maxErrors; over > 0 {
		t.status.SyncErrors = slices.Delete(t.status.SyncErrors, 0, over)
	}
}

func (t *tracker) snapshot() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.status
	s.SyncErrors = slices.Clone(t.status.SyncErrors)
	return s
}
