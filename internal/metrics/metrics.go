// Package metrics registers the prometheus instruments for the session
// protocol; /metrics is served by promhttp in cmd/api.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted counts faculty-initiated sessions.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_sessions_started_total",
		Help: "Number of attendance sessions started.",
	})

	// ActiveSessions tracks rotation engines currently running in this process.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qrattend_sessions_active",
		Help: "Rotation engines currently active.",
	})

	// DegradedSessions tracks sessions whose rotation persists keep failing.
	DegradedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qrattend_sessions_degraded",
		Help: "Active sessions serving a stale payload after repeated store failures.",
	})

	// RotationsTotal counts successfully persisted payload rotations.
	RotationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_rotations_total",
		Help: "Payload rotations persisted across all sessions.",
	})

	// RotationFailures counts rotation ticks that failed to persist.
	RotationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_rotation_failures_total",
		Help: "Rotation ticks that could not persist a new payload.",
	})

	// ScansTotal counts scan decisions by result ("accepted" or a reject reason).
	ScansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_scans_total",
		Help: "Scan validation decisions.",
	}, []string{"result"})

	// RecordsTotal counts accepted attendance records by derived status.
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qrattend_records_total",
		Help: "Attendance records written, labelled present or late.",
	}, []string{"status"})

	// PartialWrites counts record writes whose aggregate update failed.
	PartialWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_partial_writes_total",
		Help: "Record writes that left the session aggregate pending reconciliation.",
	})

	// ReconcilesTotal counts aggregate rebuilds performed by the worker.
	ReconcilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qrattend_reconciles_total",
		Help: "Session aggregates recomputed from durable records.",
	})
)
