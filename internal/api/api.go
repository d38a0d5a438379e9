// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package api serves the read-only status listener: liveness, a pipeline
// status snapshot, and Prometheus metrics. Every handler only reads
// worker-owned state; mutations stay with the worker and the task modes.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stash2plex/stash2plex/internal/breaker"
	"github.com/stash2plex/stash2plex/internal/dlq"
	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/outage"
	"github.com/stash2plex/stash2plex/internal/queue"
	"github.com/stash2plex/stash2plex/internal/reconcile"
	"github.com/stash2plex/stash2plex/internal/recovery"
	"github.com/stash2plex/stash2plex/internal/stats"
)

// requestTimeout bounds every status request.
const requestTimeout = 10 * time.Second

// Deps are the read-only views the listener exposes.
type Deps struct {
	Queue     *queue.Queue
	DLQ       *dlq.Store
	Breaker   *breaker.Breaker
	Outages   *outage.History
	Recovery  *recovery.Scheduler
	Stats     *stats.Store
	Scheduler *reconcile.Scheduler
}

// Status is the /status response body.
type Status struct {
	Queue   queue.Stats    `json:"queue"`
	Breaker BreakerStatus  `json:"circuit_breaker"`
	DLQ     DLQStatus      `json:"dlq"`
	Totals  stats.Counters `json:"totals"`

	RecoveryCount   int        `json:"recovery_count"`
	LastRecoveryAt  *time.Time `json:"last_recovery_at,omitempty"`
	LastReconcileAt *time.Time `json:"last_reconcile_at,omitempty"`
	OutageSummary   string     `json:"outage_summary"`
}

// BreakerStatus is the breaker portion of /status.
type BreakerStatus struct {
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

// DLQStatus is the dead-letter portion of /status.
type DLQStatus struct {
	Count int `json:"count"`
}

// NewRouter builds the chi router for the status listener.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	r.Get("/healthz", handleHealthz)
	r.Get("/status", handleStatus(d))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

func handleStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		qs, err := d.Queue.Stats()
		if err != nil {
			serverError(w, err, "queue stats")
			return
		}
		dlqCount, err := d.DLQ.Count()
		if err != nil {
			serverError(w, err, "dlq count")
			return
		}

		state, failures, _, openedAt := d.Breaker.Snapshot()
		_, recoveryCount, lastRecovery := d.Recovery.Snapshot()

		status := Status{
			Queue: qs,
			Breaker: BreakerStatus{
				State:               state.String(),
				ConsecutiveFailures: failures,
				OpenedAt:            openedAt,
			},
			DLQ:            DLQStatus{Count: dlqCount},
			Totals:         d.Stats.Snapshot(),
			RecoveryCount:  recoveryCount,
			LastRecoveryAt: lastRecovery,
			OutageSummary:  d.Outages.Summary(state == breaker.StateClosed),
		}
		if d.Scheduler != nil && !d.Scheduler.LastRun().IsZero() {
			last := d.Scheduler.LastRun()
			status.LastReconcileAt = &last
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(&status); err != nil {
			logging.Error().Err(err).Msg("Encode status response")
		}
	}
}

func serverError(w http.ResponseWriter, err error, what string) {
	logging.Error().Err(err).Str("handler", what).Msg("Status handler failed")
	http.Error(w, "internal error", http.StatusInternalServerError)
}
