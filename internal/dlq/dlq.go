// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package dlq is the append-only dead-letter store for terminally failed
// jobs. Entries carry the serialized original job so a replay re-enqueues
// exactly what failed, plus the error kind and message for user inspection.
// Secondary index keys by scene and error kind support the status views.
package dlq

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/stash2plex/stash2plex/internal/metrics"
	"github.com/stash2plex/stash2plex/internal/queue"
)

const (
	prefixEntry = "entry:"
	prefixScene = "scene:"
	prefixKind  = "kind:"

	seqKey = "dlq:id"
)

var (
	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("dlq store is closed")

	// ErrEntryNotFound is returned when a lookup or replay target is gone.
	ErrEntryNotFound = errors.New("dlq entry not found")
)

// Entry is one terminally failed job.
type Entry struct {
	ID                  uint64    `json:"id"`
	SceneID             int       `json:"scene_id"`
	Job                 queue.Job `json:"job"`
	ErrorKind           string    `json:"error_kind"`
	ErrorMessage        string    `json:"error_message"`
	RetryCountAtFailure int       `json:"retry_count_at_failure"`
	FailedAt            time.Time `json:"failed_at"`
}

// Config holds DLQ storage configuration.
type Config struct {
	Path       string
	SyncWrites bool
}

// Store is the badger-backed dead-letter store.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens (or creates) the dead-letter store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open dlq store: %w", err)
	}
	seq, err := db.GetSequence([]byte(seqKey), 1)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open dlq id sequence: %w", err)
	}
	return &Store{db: db, seq: seq}, nil
}

func entryKey(id uint64) []byte { return []byte(fmt.Sprintf("%s%020d", prefixEntry, id)) }

func sceneIndexKey(sceneID int, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%010d:%020d", prefixScene, sceneID, id))
}

func kindIndexKey(kind string, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixKind, kind, id))
}

// Add appends a terminally failed job.
func (s *Store) Add(job queue.Job, errorKind, errorMessage string) (*Entry, error) {
	id, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("next dlq id: %w", err)
	}

	entry := &Entry{
		ID:                  id,
		SceneID:             job.SceneID,
		Job:                 job,
		ErrorKind:           errorKind,
		ErrorMessage:        errorMessage,
		RetryCountAtFailure: job.RetryCount,
		FailedAt:            time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal dlq entry: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(entryKey(id), data); err != nil {
			return err
		}
		if err := txn.Set(sceneIndexKey(job.SceneID, id), nil); err != nil {
			return err
		}
		return txn.Set(kindIndexKey(errorKind, id), nil)
	})
	if err != nil {
		return nil, fmt.Errorf("write dlq entry: %w", err)
	}

	metrics.DLQEntries.WithLabelValues(errorKind).Inc()
	return entry, nil
}

// GetRecent returns up to limit entries, newest first.
func (s *Store) GetRecent(limit int) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts just past the entry prefix range.
		seek := []byte(prefixEntry + "~")
		prefix := []byte(prefixEntry)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(entries) < limit; it.Next() {
			var entry Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return fmt.Errorf("unmarshal dlq entry: %w", err)
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetByID returns one entry.
func (s *Store) GetByID(id uint64) (*Entry, error) {
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetByScene returns every entry for one scene, oldest first.
func (s *Store) GetByScene(sceneID int) ([]*Entry, error) {
	var ids []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(fmt.Sprintf("%s%010d:", prefixScene, sceneID))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			var id uint64
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%d", &id); err != nil {
				return fmt.Errorf("parse dlq index key: %w", err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		entry, err := s.GetByID(id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// DeleteOlderThan removes entries whose FailedAt predates the retention
// window, returning how many were pruned.
func (s *Store) DeleteOlderThan(retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)
	pruned := 0

	err := s.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixEntry)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var entry Entry
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			if !entry.FailedAt.Before(cutoff) {
				continue
			}
			if err := deleteEntryKeys(txn, &entry); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// deleteEntryKeys removes an entry and its index keys inside txn.
func deleteEntryKeys(txn *badger.Txn, entry *Entry) error {
	if err := txn.Delete(entryKey(entry.ID)); err != nil {
		return err
	}
	if err := txn.Delete(sceneIndexKey(entry.SceneID, entry.ID)); err != nil {
		return err
	}
	return txn.Delete(kindIndexKey(entry.ErrorKind, entry.ID))
}

// Count returns the number of dead-lettered jobs.
func (s *Store) Count() (int, error) {
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixEntry)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Clear removes every entry, returning how many were deleted.
func (s *Store) Clear() (int, error) {
	cleared := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) == seqKey {
				continue
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if len(key) > len(prefixEntry) && string(key[:len(prefixEntry)]) == prefixEntry {
				cleared++
			}
		}
		return nil
	})
	return cleared, err
}

// Replay copies an entry's original job back into the queue with fresh
// retry bookkeeping, then deletes the entry. The job gets a new ID from the
// queue's sequence; the replayed payload is byte-for-byte the one that
// failed.
func (s *Store) Replay(id uint64, q *queue.Queue) (uint64, error) {
	entry, err := s.GetByID(id)
	if err != nil {
		return 0, err
	}

	job := entry.Job
	job.RetryCount = 0
	job.ServerDownCount = 0
	job.NextRetryAt = time.Time{}
	job.LastErrorKind = ""

	newID, err := q.Enqueue(job)
	if err != nil {
		return 0, fmt.Errorf("re-enqueue dlq entry %d: %w", id, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return deleteEntryKeys(txn, entry)
	})
	if err != nil {
		return 0, fmt.Errorf("delete replayed entry %d: %w", id, err)
	}
	return newID, nil
}

// Close releases the ID sequence and closes the store.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		return err
	}
	return s.db.Close()
}
