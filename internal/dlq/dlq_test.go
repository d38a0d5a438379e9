// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stash2plex/stash2plex/internal/queue"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: t.TempDir(), SyncWrites: false})
	if err != nil {
		t.Fatalf("open dlq store: %v", err)
	}
	return s
}

func failedJob(sceneID, retries int) queue.Job {
	return queue.Job{
		ID:         uint64(sceneID),
		SceneID:    sceneID,
		Kind:       queue.UpdateMetadata,
		Payload:    queue.Payload{Path: "/media/a.mp4", Title: "T"},
		RetryCount: retries,
	}
}

func TestAddAndGetByID(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	defer s.Close()

	entry, err := s.Add(failedJob(42, 5), "Permanent", "400 Bad Request")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if entry.SceneID != 42 || entry.RetryCountAtFailure != 5 {
		t.Errorf("entry fields wrong: %+v", entry)
	}

	got, err := s.GetByID(entry.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if got.ErrorKind != "Permanent" || got.ErrorMessage != "400 Bad Request" {
		t.Errorf("stored entry = %+v", got)
	}
	if got.Job.SceneID != 42 {
		t.Errorf("original job not preserved: %+v", got.Job)
	}
}

func TestGetByIDMissing(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	defer s.Close()

	if _, err := s.GetByID(999); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestGetRecentNewestFirst(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	defer s.Close()

	for i := 1; i <= 5; i++ {
		if _, err := s.Add(failedJob(i, 0), "Transient", "timeout"); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.GetRecent(3)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ID >= entries[i-1].ID {
			t.Errorf("entries not newest-first: %d then %d", entries[i-1].ID, entries[i].ID)
		}
	}
	if entries[0].SceneID != 5 {
		t.Errorf("newest entry scene = %d, want 5", entries[0].SceneID)
	}
}

func TestGetByScene(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	defer s.Close()

	if _, err := s.Add(failedJob(7, 0), "Transient", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(failedJob(8, 0), "Transient", "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(failedJob(7, 1), "Permanent", "y"); err != nil {
		t.Fatal(err)
	}

	entries, err := s.GetByScene(7)
	if err != nil {
		t.Fatalf("get by scene: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries for scene 7, want 2", len(entries))
	}
	for _, e := range entries {
		if e.SceneID != 7 {
			t.Errorf("wrong scene in result: %+v", e)
		}
	}
}

func TestCountAndClear(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	defer s.Close()

	for i := 1; i <= 4; i++ {
		if _, err := s.Add(failedJob(i, 0), "NotFound", "no match"); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("count = %d, want 4", n)
	}

	cleared, err := s.Clear()
	if err != nil {
		t.Fatal(err)
	}
	if cleared != 4 {
		t.Errorf("cleared = %d, want 4", cleared)
	}
	if n, _ := s.Count(); n != 0 {
		t.Errorf("count after clear = %d", n)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	defer s.Close()

	if _, err := s.Add(failedJob(1, 0), "Permanent", "x"); err != nil {
		t.Fatal(err)
	}

	// Nothing predates a 24h window that just started.
	pruned, err := s.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Errorf("pruned %d inside retention window", pruned)
	}

	// A zero window makes the entry immediately stale.
	pruned, err = s.DeleteOlderThan(0)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
}

func TestReplayReEnqueuesWithFreshCounters(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	defer s.Close()

	q, err := queue.Open(queue.Config{Path: t.TempDir(), SyncWrites: false})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	job := failedJob(11, 5)
	job.LastErrorKind = "Transient"
	job.NextRetryAt = time.Now().Add(time.Hour)
	entry, err := s.Add(job, "Transient", "gave up")
	if err != nil {
		t.Fatal(err)
	}

	newID, err := s.Replay(entry.ID, q)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if newID == 0 {
		t.Error("replay returned zero job ID")
	}

	row, err := q.GetPending(context.Background(), time.Second)
	if err != nil || row == nil {
		t.Fatalf("dequeue replayed job: %v", err)
	}
	if row.Job.SceneID != 11 {
		t.Errorf("replayed scene = %d, want 11", row.Job.SceneID)
	}
	if row.Job.RetryCount != 0 || row.Job.ServerDownCount != 0 || !row.Job.NextRetryAt.IsZero() {
		t.Errorf("retry bookkeeping not reset: %+v", row.Job)
	}

	// Replayed entries leave the store.
	if _, err := s.GetByID(entry.ID); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("entry still present after replay: %v", err)
	}
}

func TestReplayMissingEntry(t *testing.T) {
	t.Parallel()

	s := setupStore(t)
	defer s.Close()

	q, err := queue.Open(queue.Config{Path: t.TempDir(), SyncWrites: false})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	if _, err := s.Replay(12345, q); !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}
