// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package synctime records when each scene was last successfully synced to
// Plex. Reconciliation compares these timestamps against Stash's updated_at
// to find scenes whose metadata changed after their last sync.
package synctime

import (
	"strconv"
	"sync"
	"time"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/state"
)

// Store maps scene IDs to last-sync times, persisted as a JSON object with
// string keys. The worker is the only writer.
type Store struct {
	path string

	mu    sync.Mutex
	times map[int]int64
}

// Load reads the timestamp file, starting empty when missing or corrupt.
func Load(path string) *Store {
	s := &Store{path: path, times: make(map[int]int64)}

	var raw map[string]int64
	if !state.LoadJSON(path, &raw) {
		return s
	}
	for key, unixSec := range raw {
		id, err := strconv.Atoi(key)
		if err != nil {
			logging.Warn().Str("key", key).Msg("Skipping malformed scene ID in sync timestamps")
			continue
		}
		s.times[id] = unixSec
	}
	return s
}

// Get returns the last sync time for a scene.
func (s *Store) Get(sceneID int) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unixSec, ok := s.times[sceneID]
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(unixSec, 0).UTC(), true
}

// Set records a successful sync for a scene.
func (s *Store) Set(sceneID int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.times[sceneID] = at.Unix()
	s.persistLocked()
}

// Delete forgets a scene, used when it is removed from Stash.
func (s *Store) Delete(sceneID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.times[sceneID]; !ok {
		return
	}
	delete(s.times, sceneID)
	s.persistLocked()
}

// Len returns the number of tracked scenes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.times)
}

func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	raw := make(map[string]int64, len(s.times))
	for id, unixSec := range s.times {
		raw[strconv.Itoa(id)] = unixSec
	}
	if err := state.SaveJSON(s.path, raw); err != nil {
		logging.Error().Err(err).Str("path", s.path).Msg("Failed to persist sync timestamps")
	}
}
