// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package metrics provides Prometheus metrics for the sync pipeline,
// exposed by the status listener at /metrics.
//
// Metric families:
//   - queue_depth: rows per queue state (gauge)
//   - jobs_processed_total: worker outcomes by result (counter)
//   - job_processing_duration_seconds: per-job latency (histogram)
//   - circuit_breaker_state: 0=closed, 1=half-open, 2=open (gauge)
//   - circuit_breaker_transitions_total: transitions by edge (counter)
//   - dlq_entries_total: jobs dead-lettered by error kind (counter)
//   - health_probe_duration_seconds: /identity probe latency (histogram)
//   - reconcile_gaps_total: gaps detected by kind (counter)
//   - reconcile_duration_seconds: full reconciliation runs (histogram)
//   - plex_requests_total: outbound Plex requests by outcome (counter)
//   - match_confidence_total: matcher outcomes (counter)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of queue rows per state",
		},
		[]string{"state"}, // "pending", "in_progress", "completed", "failed"
	)

	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Total jobs processed by the worker",
		},
		[]string{"result"}, // "success", "retry", "dlq", "server_down"
	)

	JobProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "job_processing_duration_seconds",
			Help:    "Duration of a single sync job including Plex writes",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Total circuit breaker state transitions",
		},
		[]string{"from", "to"},
	)

	// Dead-letter metrics
	DLQEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_entries_total",
			Help: "Total jobs moved to the dead-letter store",
		},
		[]string{"error_kind"},
	)

	// Health probe metrics
	HealthProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "health_probe_duration_seconds",
			Help:    "Duration of Plex /identity health probes",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		},
	)

	// Reconciliation metrics
	ReconcileGaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_gaps_total",
			Help: "Total metadata gaps detected during reconciliation",
		},
		[]string{"kind"}, // "empty_in_plex", "stale_sync", "missing_in_plex"
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_duration_seconds",
			Help:    "Duration of reconciliation runs",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)

	// Plex client metrics
	PlexRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plex_requests_total",
			Help: "Total outbound Plex API requests",
		},
		[]string{"outcome"}, // "success", "error", "rate_limited"
	)

	// Matcher metrics
	MatchConfidence = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "match_confidence_total",
			Help: "Matcher outcomes by confidence",
		},
		[]string{"confidence"}, // "HIGH", "LOW", "FAIL"
	)
)
