package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MetricActiveSessions tracks sessions currently in the active state.
	MetricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "beacon",
		Name:      "sessions_active_total",
		Help:      "Number of active validation sessions.",
	})

	// MetricGateEvaluations counts phase-gate evaluations by outcome.
	MetricGateEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "gate_evaluations_total",
		Help:      "Phase-gate evaluations by readiness outcome.",
	}, []string{"ready"})

	// MetricDecisionsApplied counts lifecycle decisions by type and outcome.
	MetricDecisionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "decisions_total",
		Help:      "Lifecycle decisions by type and outcome.",
	}, []string{"decision", "outcome"})

	// MetricTriggersFired counts emergency triggers by metric.
	MetricTriggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "triggers_fired_total",
		Help:      "Emergency triggers fired, labelled by metric.",
	}, []string{"metric"})

	// MetricTriggersResolved counts trigger resolutions.
	MetricTriggersResolved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "triggers_resolved_total",
		Help:      "Emergency triggers resolved.",
	})

	// MetricDispatchAttempts counts automation dispatch attempts by result.
	MetricDispatchAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "dispatch_attempts_total",
		Help:      "Automation dispatch attempts by result.",
	}, []string{"result"})

	// MetricWindowsIngested counts metrics windows accepted by the engine.
	MetricWindowsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "beacon",
		Name:      "windows_ingested_total",
		Help:      "Campaign metrics windows ingested.",
	})

	// MetricCycleDuration observes batch evaluation cycle duration.
	MetricCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "beacon",
		Name:      "cycle_duration_seconds",
		Help:      "Duration of one batch evaluation cycle.",
		Buckets:   prometheus.DefBuckets,
	})
)
