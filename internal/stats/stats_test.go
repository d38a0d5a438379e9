// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package stats

import (
	"path/filepath"
	"testing"
	"time"
)

func TestCountersAccumulate(t *testing.T) {
	t.Parallel()

	s := Load(filepath.Join(t.TempDir(), "stats.json"))
	s.RecordSuccess(2*time.Second, 1024)
	s.RecordSuccess(3*time.Second, 512)
	s.RecordFailure()
	s.RecordDLQ()
	s.RecordMatchConfidence("HIGH")
	s.RecordMatchConfidence("HIGH")
	s.RecordMatchConfidence("FAIL")

	c := s.Snapshot()
	if c.SuccessCount != 2 || c.FailureCount != 1 || c.DLQCount != 1 {
		t.Errorf("counts = %+v", c)
	}
	if c.BytesWritten != 1536 {
		t.Errorf("bytes written = %d, want 1536", c.BytesWritten)
	}
	if c.TotalProcessingSec != 5 {
		t.Errorf("total processing = %v, want 5", c.TotalProcessingSec)
	}
	if c.ConfidenceHist["HIGH"] != 2 || c.ConfidenceHist["FAIL"] != 1 {
		t.Errorf("confidence hist = %v", c.ConfidenceHist)
	}
}

func TestLoadThenOverwriteNeverDoubleCounts(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stats.json")

	s := Load(path)
	s.RecordSuccess(time.Second, 100)

	// A restart loads the persisted counters, then continues from them.
	s2 := Load(path)
	s2.RecordSuccess(time.Second, 100)

	c := Load(path).Snapshot()
	if c.SuccessCount != 2 {
		t.Errorf("success count after restart = %d, want 2", c.SuccessCount)
	}
	if c.BytesWritten != 200 {
		t.Errorf("bytes written after restart = %d, want 200", c.BytesWritten)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	s := Load(filepath.Join(t.TempDir(), "stats.json"))
	s.RecordMatchConfidence("LOW")

	c := s.Snapshot()
	c.ConfidenceHist["LOW"] = 99

	if got := s.Snapshot().ConfidenceHist["LOW"]; got != 1 {
		t.Errorf("snapshot aliased internal map: %d", got)
	}
}

func TestMissingFileStartsZero(t *testing.T) {
	t.Parallel()

	s := Load(filepath.Join(t.TempDir(), "stats.json"))
	c := s.Snapshot()
	if c.SuccessCount != 0 || c.FailureCount != 0 || len(c.ConfidenceHist) != 0 {
		t.Errorf("fresh counters = %+v", c)
	}
}
