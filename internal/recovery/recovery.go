// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package recovery schedules Plex health probes while the circuit breaker
// is open and detects when the server comes back. Probe results feed the
// breaker only in HALF_OPEN; probes in OPEN merely refresh the check clock
// so the breaker's own recovery timeout stays authoritative.
package recovery

import (
	"time"

	"github.com/stash2plex/stash2plex/internal/breaker"
	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/metrics"
	"github.com/stash2plex/stash2plex/internal/state"
)

// CheckInterval is the minimum spacing between health probes.
const CheckInterval = 5 * time.Second

// persistedState is the on-disk probe bookkeeping.
type persistedState struct {
	LastCheckTime        time.Time  `json:"last_check_time"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	LastRecoveryTime     *time.Time `json:"last_recovery_time,omitempty"`
	RecoveryCount        int        `json:"recovery_count"`
}

// Scheduler tracks health probe cadence and recovery detection. The worker
// is its only caller; no locking needed.
type Scheduler struct {
	path string
	st   persistedState
}

// Load restores the scheduler state, starting fresh when the file is
// missing or corrupt.
func Load(path string) *Scheduler {
	s := &Scheduler{path: path}
	state.LoadJSON(path, &s.st)
	return s
}

// ShouldCheck reports whether enough time has passed since the last probe.
func (s *Scheduler) ShouldCheck(now time.Time) bool {
	return now.Sub(s.st.LastCheckTime) >= CheckInterval
}

// RecordHealthCheck records a probe outcome and forwards it to the breaker
// when the breaker is HALF_OPEN. Returns true when this probe closed the
// breaker, i.e. a recovery was detected.
func (s *Scheduler) RecordHealthCheck(success bool, latency time.Duration, b *breaker.Breaker) bool {
	s.st.LastCheckTime = time.Now().UTC()
	metrics.HealthProbeDuration.Observe(latency.Seconds())

	if success {
		s.st.ConsecutiveFailures = 0
		s.st.ConsecutiveSuccesses++
	} else {
		s.st.ConsecutiveSuccesses = 0
		s.st.ConsecutiveFailures++
	}

	recovered := false
	if b.State() == breaker.StateHalfOpen {
		if success {
			b.RecordSuccess()
			if b.State() == breaker.StateClosed {
				recovered = true
				now := time.Now().UTC()
				s.st.LastRecoveryTime = &now
				s.st.RecoveryCount++
				logging.Info().
					Int("recovery_count", s.st.RecoveryCount).
					Dur("probe_latency", latency).
					Msgf("Recovery detected: Plex is back online (recovery #%d)", s.st.RecoveryCount)
			}
		} else {
			b.RecordFailure("ServerDown")
		}
	}

	s.persist()
	return recovered
}

// Snapshot returns the current bookkeeping for status views.
func (s *Scheduler) Snapshot() (lastCheck time.Time, recoveryCount int, lastRecovery *time.Time) {
	if s.st.LastRecoveryTime != nil {
		t := *s.st.LastRecoveryTime
		lastRecovery = &t
	}
	return s.st.LastCheckTime, s.st.RecoveryCount, lastRecovery
}

func (s *Scheduler) persist() {
	if s.path == "" {
		return
	}
	if err := state.SaveJSON(s.path, s.st); err != nil {
		logging.Error().Err(err).Str("path", s.path).Msg("Failed to persist recovery state")
	}
}
