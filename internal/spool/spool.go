// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package spool is the handoff directory between short-lived hook
// invocations and the long-lived worker. The worker holds the Badger
// stores exclusively while it runs, so an invocation that cannot open the
// queue writes each job as one atomically renamed JSON file here; the
// worker (or the next process to hold the stores) ingests the files into
// the durable queue and deletes them.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/queue"
)

// Write persists one job as a spool file. Names start with a nanosecond
// timestamp so ingest order tracks arrival order; the uuid suffix keeps
// concurrent writers from colliding.
func Write(dir string, job queue.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create spool dir: %w", err)
	}

	data, err := json.Marshal(&job)
	if err != nil {
		return fmt.Errorf("marshal spool job: %w", err)
	}
	name := strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + uuid.NewString()[:8] + ".json"
	if err := renameio.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write spool file: %w", err)
	}
	return nil
}

// Ingest feeds every spooled job to fn in file-name order, deleting each
// file fn accepts. Corrupt files are dropped with a warning. The first fn
// error stops the pass and leaves the failing job's file for the next one.
func Ingest(dir string, fn func(queue.Job) error) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read spool dir: %w", err)
	}

	ingested := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			return ingested, fmt.Errorf("read spool file %s: %w", entry.Name(), err)
		}
		var job queue.Job
		if err := json.Unmarshal(data, &job); err != nil {
			logging.Warn().Err(err).Str("file", entry.Name()).Msg("Corrupt spool file dropped")
			os.Remove(path)
			continue
		}

		if err := fn(job); err != nil {
			return ingested, err
		}
		if err := os.Remove(path); err != nil {
			return ingested, fmt.Errorf("remove spool file %s: %w", entry.Name(), err)
		}
		ingested++
	}
	return ingested, nil
}

// Enqueuer adapts the spool to the hook handler's queue interface for
// invocations that find the stores held by a running worker.
type Enqueuer struct {
	Dir string
}

// Enqueue writes the job to the spool. The returned job ID is zero; real
// IDs are assigned when the worker ingests.
func (e Enqueuer) Enqueue(job queue.Job) (uint64, error) {
	if err := Write(e.Dir, job); err != nil {
		return 0, err
	}
	return 0, nil
}

// QueuedSceneIDs returns an empty set. The spool cannot see the queue, so
// dedup against queued scenes happens at ingest instead.
func (e Enqueuer) QueuedSceneIDs(time.Duration) (map[int]struct{}, error) {
	return map[int]struct{}{}, nil
}
