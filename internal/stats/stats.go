// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package stats accumulates lifetime pipeline counters. The file is loaded
// once at startup and overwritten on every save; counters are incremented
// in memory only, so a save never double-counts what is already on disk.
package stats

import (
	"sync"
	"time"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/state"
)

// Counters is the persisted stats shape.
type Counters struct {
	SuccessCount       int64          `json:"success_count"`
	FailureCount       int64          `json:"failure_count"`
	DLQCount           int64          `json:"dlq_count"`
	BytesWritten       int64          `json:"bytes_written"`
	TotalProcessingSec float64        `json:"total_processing_sec"`
	ConfidenceHist     map[string]int `json:"confidence_hist"`
}

// Store holds the counters. The worker is the only writer; the mutex
// exists for concurrent status reads.
type Store struct {
	path string

	mu sync.Mutex
	c  Counters
}

// Load reads the stats file, starting at zero when missing or corrupt.
func Load(path string) *Store {
	s := &Store{path: path}
	state.LoadJSON(path, &s.c)
	if s.c.ConfidenceHist == nil {
		s.c.ConfidenceHist = make(map[string]int)
	}
	return s
}

// RecordSuccess counts one synced job with its processing time and the
// approximate bytes written to Plex.
func (s *Store) RecordSuccess(elapsed time.Duration, bytesWritten int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.SuccessCount++
	s.c.BytesWritten += bytesWritten
	s.c.TotalProcessingSec += elapsed.Seconds()
	s.persistLocked()
}

// RecordFailure counts one failed attempt (retried or not).
func (s *Store) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.FailureCount++
	s.persistLocked()
}

// RecordDLQ counts one job moved to the dead-letter store.
func (s *Store) RecordDLQ() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.DLQCount++
	s.persistLocked()
}

// RecordMatchConfidence counts a matcher outcome (HIGH, LOW, FAIL).
func (s *Store) RecordMatchConfidence(confidence string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.ConfidenceHist[confidence]++
	s.persistLocked()
}

// Snapshot returns a copy of the counters.
func (s *Store) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.c
	out.ConfidenceHist = make(map[string]int, len(s.c.ConfidenceHist))
	for k, v := range s.c.ConfidenceHist {
		out.ConfidenceHist[k] = v
	}
	return out
}

func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	if err := state.SaveJSON(s.path, s.c); err != nil {
		logging.Error().Err(err).Str("path", s.path).Msg("Failed to persist pipeline stats")
	}
}
