// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package spool

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stash2plex/stash2plex/internal/queue"
)

func metadataJob(sceneID int) queue.Job {
	return queue.Job{
		SceneID: sceneID,
		Kind:    queue.UpdateMetadata,
		Payload: queue.Payload{Title: "t", Path: "/m/a.mp4"},
	}
}

func TestWriteThenIngestRoundTrip(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "spool")
	for i := 1; i <= 3; i++ {
		if err := Write(dir, metadataJob(i)); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	var got []int
	n, err := Ingest(dir, func(job queue.Job) error {
		got = append(got, job.SceneID)
		return nil
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 3 {
		t.Errorf("ingested = %d, want 3", n)
	}
	// Nanosecond-prefixed names keep arrival order.
	for i, id := range got {
		if id != i+1 {
			t.Errorf("got order %v", got)
			break
		}
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("spool holds %d files after ingest, want none", len(entries))
	}
}

func TestIngestMissingDirIsEmpty(t *testing.T) {
	t.Parallel()

	n, err := Ingest(filepath.Join(t.TempDir(), "never-created"), func(queue.Job) error {
		t.Error("fn called for a missing dir")
		return nil
	})
	if err != nil || n != 0 {
		t.Errorf("Ingest() = %d, %v", n, err)
	}
}

func TestIngestDropsCorruptFiles(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "spool")
	if err := Write(dir, metadataJob(1)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "0-corrupt.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := Ingest(dir, func(queue.Job) error { return nil })
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 1 {
		t.Errorf("ingested = %d, want the valid job only", n)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("corrupt file survived: %d entries", len(entries))
	}
}

func TestIngestStopsOnError(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "spool")
	for i := 1; i <= 2; i++ {
		if err := Write(dir, metadataJob(i)); err != nil {
			t.Fatal(err)
		}
	}

	boom := errors.New("queue full")
	n, err := Ingest(dir, func(queue.Job) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want the fn error", err)
	}
	if n != 0 {
		t.Errorf("ingested = %d, want none", n)
	}
	// Both files stay for the next pass.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("spool holds %d files, want 2", len(entries))
	}
}

func TestWriteRejectsInvalidJob(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "spool")
	if err := Write(dir, queue.Job{}); err == nil {
		t.Error("invalid job spooled")
	}
}

func TestEnqueuerAdaptsHookInterface(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "spool")
	e := Enqueuer{Dir: dir}
	if _, err := e.Enqueue(metadataJob(1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	ids, err := e.QueuedSceneIDs(0)
	if err != nil || len(ids) != 0 {
		t.Errorf("QueuedSceneIDs() = %v, %v, want empty", ids, err)
	}

	n, err := Ingest(dir, func(queue.Job) error { return nil })
	if err != nil || n != 1 {
		t.Errorf("Ingest() = %d, %v", n, err)
	}
}
