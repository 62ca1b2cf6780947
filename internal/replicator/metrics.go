package replicator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome and direction label values.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRejected  = "rejected"

	directionPushed = "pushed"
	directionPulled = "pulled"
	directionServed = "served"
)

var (
	syncSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convergent_sync_sessions_total",
		Help: "Sync sessions by outcome",
	}, []string{"outcome"})

	syncSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "convergent_sync_session_duration_seconds",
		Help:    "Duration of sync sessions with one peer",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	syncOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convergent_sync_operations_total",
		Help: "Operations transferred by direction",
	}, []string{"direction"})

	syncSnapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "convergent_sync_snapshots_total",
		Help: "Full snapshots transferred by direction",
	}, []string{"direction"})

	syncActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convergent_sync_active_sessions",
		Help: "Sync sessions currently running",
	})

	syncPendingSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "convergent_sync_pending_sessions",
		Help: "Sync sessions waiting for a slot",
	})
)
