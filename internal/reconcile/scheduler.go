// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package reconcile

import (
	"time"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/state"
)

// schedulerState is the persisted record of the last completed run.
type schedulerState struct {
	LastRunTime   time.Time      `json:"last_run_time"`
	LastScope     string         `json:"last_scope,omitempty"`
	ScenesChecked int            `json:"scenes_checked"`
	GapsByKind    map[string]int `json:"gaps_by_kind,omitempty"`
	EnqueuedCount int            `json:"enqueued_count"`
	SkippedCount  int            `json:"skipped_count"`
}

// Scheduler decides when a periodic reconciliation is due. The last run
// time is persisted so restarts do not re-trigger a fresh sweep.
type Scheduler struct {
	path string
	st   schedulerState
}

// LoadScheduler restores the scheduler from disk.
func LoadScheduler(path string) *Scheduler {
	s := &Scheduler{path: path}
	state.LoadJSON(path, &s.st)
	return s
}

// intervalDuration maps an interval name to its period; zero means never.
func intervalDuration(interval string) time.Duration {
	switch interval {
	case "hourly":
		return time.Hour
	case "daily":
		return 24 * time.Hour
	case "weekly":
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// Due reports whether a run is due for the configured interval.
func (s *Scheduler) Due(interval string, now time.Time) bool {
	period := intervalDuration(interval)
	if period == 0 {
		return false
	}
	return now.Sub(s.st.LastRunTime) >= period
}

// MarkRun records a completed run and its report. A nil report stamps
// the time only.
func (s *Scheduler) MarkRun(now time.Time, report *Report) {
	s.st.LastRunTime = now.UTC()
	if report != nil {
		s.st.LastScope = report.Scope
		s.st.ScenesChecked = report.ScenesChecked
		s.st.GapsByKind = report.Gaps
		s.st.EnqueuedCount = report.Enqueued
		s.st.SkippedCount = report.Skipped()
	}
	if s.path == "" {
		return
	}
	if err := state.SaveJSON(s.path, s.st); err != nil {
		logging.Error().Err(err).Str("path", s.path).Msg("Failed to persist reconciliation schedule")
	}
}

// LastRun returns the persisted last run time.
func (s *Scheduler) LastRun() time.Time {
	return s.st.LastRunTime
}
