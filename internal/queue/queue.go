// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package queue provides the durable at-least-once job queue backing the
// sync pipeline. Rows are persisted to BadgerDB with fsync on every state
// transition, so a crash at any point leaves a resumable queue: rows left
// IN_PROGRESS are returned to PENDING the next time the queue opens.
//
// Dedup is the caller's responsibility; Enqueue itself is unconditional.
// QueuedSceneIDs supplies the dedup set, including recently COMPLETED rows
// so a scene synced moments ago cannot be re-enqueued by a concurrent
// reconciliation pass.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/metrics"
)

// Key prefixes per row state. Job IDs are zero-padded so Badger's
// lexicographic iteration yields FIFO order within a prefix.
const (
	prefixPending    = "pending:"
	prefixInProgress = "inprogress:"
	prefixCompleted  = "completed:"
	prefixFailed     = "failed:"

	seqKey = "queue:jobid"
)

var (
	// ErrClosed is returned for operations on a closed queue.
	ErrClosed = errors.New("queue is closed")

	// ErrRowNotFound is returned when an ack/nack/fail target row is gone.
	ErrRowNotFound = errors.New("queue row not found")
)

// Config holds queue storage configuration.
type Config struct {
	// Path is the BadgerDB directory for the queue store.
	Path string

	// SyncWrites forces fsync on every transition. Leave enabled outside
	// of tests; the crash-safety contract depends on it.
	SyncWrites bool
}

// Queue is the durable job queue. Safe for one writer (the worker) plus
// concurrent enqueuers (hook invocations share the worker process's queue
// handle through the enqueue path only).
type Queue struct {
	db  *badger.DB
	seq *badger.Sequence

	// notify wakes a blocked GetPending when a row is enqueued or nacked.
	notify chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the queue store and auto-resumes any rows left
// IN_PROGRESS by a previous process.
func Open(cfg Config) (*Queue, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), 1)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open job id sequence: %w", err)
	}

	q := &Queue{
		db:     db,
		seq:    seq,
		notify: make(chan struct{}, 1),
	}

	resumed, err := q.resumeInProgress()
	if err != nil {
		q.Close()
		return nil, fmt.Errorf("resume in-progress rows: %w", err)
	}
	if resumed > 0 {
		logging.Info().Int("rows", resumed).Msg("Resumed in-progress queue rows to pending")
	}

	return q, nil
}

// resumeInProgress moves every IN_PROGRESS row back to PENDING. Called once
// before the first dequeue.
func (q *Queue) resumeInProgress() (int, error) {
	resumed := 0
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixInProgress)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var row Row
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("unmarshal row: %w", err)
			}

			row.State = StatePending
			data, err := json.Marshal(&row)
			if err != nil {
				return fmt.Errorf("marshal row: %w", err)
			}
			if err := txn.Set(pendingKey(row.Job.ID), data); err != nil {
				return err
			}
			if err := txn.Delete(item.KeyCopy(nil)); err != nil {
				return err
			}
			resumed++
		}
		return nil
	})
	return resumed, err
}

func pendingKey(id uint64) []byte    { return []byte(fmt.Sprintf("%s%020d", prefixPending, id)) }
func inProgressKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixInProgress, id)) }
func completedKey(id uint64) []byte  { return []byte(fmt.Sprintf("%s%020d", prefixCompleted, id)) }
func failedKey(id uint64) []byte     { return []byte(fmt.Sprintf("%s%020d", prefixFailed, id)) }

// Enqueue appends a job as a PENDING row, assigning a monotonic job ID and
// stamping the row timestamp. Dedup against queued or recently synced
// scenes is the caller's responsibility.
func (q *Queue) Enqueue(job Job) (uint64, error) {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return 0, ErrClosed
	}
	q.mu.RUnlock()

	if err := job.Validate(); err != nil {
		return 0, fmt.Errorf("invalid job: %w", err)
	}

	id, err := q.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next job id: %w", err)
	}
	job.ID = id
	now := time.Now().UTC()
	job.EnqueuedAt = now

	row := Row{Job: job, State: StatePending, Timestamp: now}
	data, err := json.Marshal(&row)
	if err != nil {
		return 0, fmt.Errorf("marshal row: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(id), data)
	})
	if err != nil {
		return 0, fmt.Errorf("write queue row: %w", err)
	}

	// Wake a blocked GetPending without blocking the enqueuer.
	select {
	case q.notify <- struct{}{}:
	default:
	}

	return id, nil
}

// GetPending blocks up to timeout for a PENDING row, atomically transitions
// it to IN_PROGRESS, and returns it. Returns (nil, nil) when the timeout
// elapses with nothing available.
func (q *Queue) GetPending(ctx context.Context, timeout time.Duration) (*Row, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.RLock()
		if q.closed {
			q.mu.RUnlock()
			return nil, ErrClosed
		}
		q.mu.RUnlock()

		row, err := q.claimFirstPending()
		if err != nil {
			return nil, err
		}
		if row != nil {
			return row, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
			// Something arrived; try again.
		}
	}
}

// claimFirstPending atomically moves the first PENDING row to IN_PROGRESS.
// Returns (nil, nil) when the queue has no pending rows.
func (q *Queue) claimFirstPending() (*Row, error) {
	var claimed *Row
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixPending)
		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return nil
		}

		item := it.Item()
		var row Row
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &row)
		}); err != nil {
			return fmt.Errorf("unmarshal row: %w", err)
		}

		row.State = StateInProgress
		data, err := json.Marshal(&row)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		if err := txn.Set(inProgressKey(row.Job.ID), data); err != nil {
			return err
		}
		if err := txn.Delete(item.KeyCopy(nil)); err != nil {
			return err
		}

		claimed = &row
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Ack marks the row terminally successful (IN_PROGRESS -> COMPLETED).
// Completed rows keep their enqueue timestamp and are retained for the
// dedup window; PruneCompleted removes them once the window has passed.
func (q *Queue) Ack(row *Row) error {
	return q.transition(row, StateCompleted, completedKey(row.Job.ID))
}

// Nack returns the row to PENDING. Retry counters inside the job are the
// caller's to update before nacking.
func (q *Queue) Nack(row *Row) error {
	if err := q.transition(row, StatePending, pendingKey(row.Job.ID)); err != nil {
		return err
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Fail marks the row terminally failed (IN_PROGRESS -> FAILED). The caller
// has already copied the job into the dead-letter store.
func (q *Queue) Fail(row *Row) error {
	return q.transition(row, StateFailed, failedKey(row.Job.ID))
}

// transition moves an IN_PROGRESS row to its destination state and key.
func (q *Queue) transition(row *Row, to RowState, destKey []byte) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrClosed
	}
	q.mu.RUnlock()

	return q.db.Update(func(txn *badger.Txn) error {
		srcKey := inProgressKey(row.Job.ID)
		if _, err := txn.Get(srcKey); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrRowNotFound
			}
			return err
		}

		row.State = to
		data, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("marshal row: %w", err)
		}
		if err := txn.Set(destKey, data); err != nil {
			return err
		}
		return txn.Delete(srcKey)
	})
}

// Stats returns queue depth per state and refreshes the depth gauges.
func (q *Queue) Stats() (Stats, error) {
	var s Stats
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			switch {
			case hasPrefix(key, prefixPending):
				s.Pending++
			case hasPrefix(key, prefixInProgress):
				s.InProgress++
			case hasPrefix(key, prefixCompleted):
				s.Completed++
			case hasPrefix(key, prefixFailed):
				s.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}

	metrics.QueueDepth.WithLabelValues("pending").Set(float64(s.Pending))
	metrics.QueueDepth.WithLabelValues("in_progress").Set(float64(s.InProgress))
	metrics.QueueDepth.WithLabelValues("completed").Set(float64(s.Completed))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(s.Failed))

	return s, nil
}

func hasPrefix(key []byte, prefix string) bool {
	return len(key) >= len(prefix) && string(key[:len(prefix)]) == prefix
}

// QueuedSceneIDs returns the scene IDs of every PENDING and IN_PROGRESS
// row, plus COMPLETED rows whose timestamp falls inside completedWindow.
// The completed-window clause is what prevents a reconciliation pass from
// re-enqueueing a scene the worker synced moments earlier.
func (q *Queue) QueuedSceneIDs(completedWindow time.Duration) (map[int]struct{}, error) {
	ids := make(map[int]struct{})
	cutoff := time.Now().UTC().Add(-completedWindow)

	err := q.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()

			active := hasPrefix(key, prefixPending) || hasPrefix(key, prefixInProgress)
			completed := completedWindow > 0 && hasPrefix(key, prefixCompleted)
			if !active && !completed {
				continue
			}

			var row Row
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return fmt.Errorf("unmarshal row: %w", err)
			}

			if completed && row.Timestamp.Before(cutoff) {
				continue
			}
			ids[row.Job.SceneID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PruneCompleted deletes COMPLETED rows older than the retention window.
func (q *Queue) PruneCompleted(retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	pruned := 0

	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixCompleted)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var row Row
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			if row.Timestamp.Before(cutoff) {
				if err := txn.Delete(item.KeyCopy(nil)); err != nil {
					return err
				}
				pruned++
			}
		}
		return nil
	})
	return pruned, err
}

// ClearPending deletes every PENDING row, returning how many were removed.
// Used by the clear_queue maintenance task; IN_PROGRESS rows are left for
// the worker to finish.
func (q *Queue) ClearPending() (int, error) {
	cleared := 0
	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := txn.Delete(it.Item().KeyCopy(nil)); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	return cleared, err
}

// ResetRetrySchedules clears NextRetryAt on every PENDING row so jobs
// parked by outage backoff become runnable immediately. Used by the
// recover_outage_jobs maintenance task after Plex comes back.
func (q *Queue) ResetRetrySchedules() (int, error) {
	reset := 0
	err := q.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixPending)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var row Row
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			}); err != nil {
				return err
			}
			if row.Job.NextRetryAt.IsZero() {
				continue
			}
			row.Job.NextRetryAt = time.Time{}
			data, err := json.Marshal(&row)
			if err != nil {
				return err
			}
			if err := txn.Set(item.KeyCopy(nil), data); err != nil {
				return err
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if reset > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return reset, nil
}

// Close releases the job ID sequence and closes the store.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	if err := q.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("Release job id sequence")
	}
	return q.db.Close()
}
