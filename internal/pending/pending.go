// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package pending is the in-memory dedup set of scene IDs currently queued
// or in flight. It is rebuilt from the durable queue at startup and keeps
// hook bursts from enqueuing the same scene twice.
package pending

import "sync"

// Set tracks scene IDs with pending work.
type Set struct {
	mu  sync.Mutex
	ids map[int]struct{}
}

// New returns an empty set.
func New() *Set {
	return &Set{ids: make(map[int]struct{})}
}

// Add inserts a scene ID, reporting whether it was newly added. A false
// return means the scene is already pending and the caller should skip the
// enqueue.
func (s *Set) Add(sceneID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[sceneID]; ok {
		return false
	}
	s.ids[sceneID] = struct{}{}
	return true
}

// Remove drops a scene ID once its job reaches a terminal state.
func (s *Set) Remove(sceneID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, sceneID)
}

// Contains reports whether a scene has pending work.
func (s *Set) Contains(sceneID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[sceneID]
	return ok
}

// Len returns the number of pending scenes.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Rebuild replaces the set's contents from the durable queue's view,
// called once at startup before any hooks are handled.
func (s *Set) Rebuild(sceneIDs map[int]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = make(map[int]struct{}, len(sceneIDs))
	for id := range sceneIDs {
		s.ids[id] = struct{}{}
	}
}
