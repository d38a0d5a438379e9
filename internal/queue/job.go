// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package queue

import (
	"errors"
	"time"
)

// UpdateKind identifies what a sync job asks the worker to do.
type UpdateKind string

const (
	// UpdateMetadata writes scene metadata into the matched Plex item.
	UpdateMetadata UpdateKind = "metadata"

	// UpdateDelete handles a scene removed from Stash.
	UpdateDelete UpdateKind = "delete"

	// UpdateScan asks Plex to rescan the library section for the scene path.
	UpdateScan UpdateKind = "scan"
)

// Payload is the validated metadata bundle a job carries from Stash.
type Payload struct {
	Title          string    `json:"title,omitempty"`
	Details        string    `json:"details,omitempty"`
	Date           string    `json:"date,omitempty"`
	Rating100      int       `json:"rating100,omitempty"`
	Studio         string    `json:"studio,omitempty"`
	Performers     []string  `json:"performers,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	Path           string    `json:"path,omitempty"`
	PosterURL      string    `json:"poster_url,omitempty"`
	BackgroundURL  string    `json:"background_url,omitempty"`
	StashUpdatedAt time.Time `json:"stash_updated_at,omitempty"`
}

// Job is one sync request. Its ID is assigned at enqueue; the carried
// SceneID independently identifies the Stash scene being synced.
type Job struct {
	ID      uint64     `json:"id"`
	SceneID int        `json:"scene_id"`
	Kind    UpdateKind `json:"kind"`
	Payload Payload    `json:"payload"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// Retry bookkeeping, mutated only by the worker.
	RetryCount      int       `json:"retry_count"`
	ServerDownCount int       `json:"server_down_count"`
	NextRetryAt     time.Time `json:"next_retry_at,omitempty"`
	LastErrorKind   string    `json:"last_error_kind,omitempty"`
}

// Validate checks the job invariants that must hold before enqueue.
func (j *Job) Validate() error {
	if j.SceneID <= 0 {
		return errors.New("job scene_id must be positive")
	}
	switch j.Kind {
	case UpdateMetadata:
		if j.Payload.Path == "" {
			return errors.New("metadata job requires payload path")
		}
	case UpdateDelete, UpdateScan:
	default:
		return errors.New("unknown update kind: " + string(j.Kind))
	}
	if j.RetryCount < 0 {
		return errors.New("retry_count must not be negative")
	}
	return nil
}

// ReadyAt reports whether the job's retry schedule permits processing at t.
func (j *Job) ReadyAt(t time.Time) bool {
	return j.NextRetryAt.IsZero() || !j.NextRetryAt.After(t)
}

// RowState is a queue row's lifecycle state. Only pending rows are
// dequeuable; in-progress rows found at startup auto-resume to pending.
type RowState string

const (
	StatePending    RowState = "PENDING"
	StateInProgress RowState = "IN_PROGRESS"
	StateAcked      RowState = "ACKED"
	StateNacked     RowState = "NACKED"
	StateFailed     RowState = "FAILED"
	StateCompleted  RowState = "COMPLETED"
)

// Row is a job's storage envelope. Timestamp is set once at enqueue and
// survives all state transitions; the completed-window dedup in
// QueuedSceneIDs keys off it.
type Row struct {
	Job       Job       `json:"job"`
	State     RowState  `json:"state"`
	Timestamp time.Time `json:"row_timestamp"`
}

// Stats summarizes queue depth per state.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
