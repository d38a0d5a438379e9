// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package hook handles the host's JSON-on-stdin envelope: hook events from
// Stash (scene created, updated, destroyed) and explicit task invocations.
// Hook handlers enqueue only; the single-writer rule reserves breaker,
// outage, recovery, stats, and sync-timestamp mutations for the worker.
package hook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/pending"
	"github.com/stash2plex/stash2plex/internal/queue"
	"github.com/stash2plex/stash2plex/internal/stash"
)

// Hook event types delivered by Stash.
const (
	SceneUpdatePost  = "Scene.Update.Post"
	SceneCreatePost  = "Scene.Create.Post"
	SceneDestroyPost = "Scene.Destroy.Post"
)

// Context is the hook portion of the host envelope.
type Context struct {
	Type        string                 `json:"type"`
	ID          json.Number            `json:"id"`
	Input       map[string]interface{} `json:"input"`
	InputFields []string               `json:"inputFields"`
}

// Envelope is the host's stdin payload. A hook invocation carries
// HookContext; a task invocation carries args.mode.
type Envelope struct {
	Args        map[string]interface{} `json:"args"`
	HookContext *Context               `json:"hookContext"`
}

// ParseEnvelope decodes the stdin envelope.
func ParseEnvelope(r io.Reader) (*Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(r)
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode host envelope: %w", err)
	}
	return &env, nil
}

// Mode returns the task mode, empty for hook invocations.
func (e *Envelope) Mode() string {
	if e.Args == nil {
		return ""
	}
	mode, _ := e.Args["mode"].(string)
	return mode
}

// fieldsOfInterest are the scene fields whose change warrants a sync.
// Play-state churn (play count, resume time, view history) is deliberately
// absent: those updates fire constantly and never affect metadata.
var fieldsOfInterest = map[string]bool{
	"title":         true,
	"details":       true,
	"date":          true,
	"rating100":     true,
	"studio_id":     true,
	"performer_ids": true,
	"tag_ids":       true,
	"urls":          true,
	"url":           true,
	"cover_image":   true,
	"organized":     true,
}

// interestingChange reports whether any updated field matters for sync.
// An empty field list means the hook did not say what changed; treat that
// as interesting rather than drop a real edit.
func interestingChange(inputFields []string) bool {
	if len(inputFields) == 0 {
		return true
	}
	for _, field := range inputFields {
		if fieldsOfInterest[field] {
			return true
		}
	}
	return false
}

// SceneSource is the slice of the Stash client the hook handler uses.
type SceneSource interface {
	FindScene(ctx context.Context, sceneID int) (*stash.Scene, error)
}

// Enqueuer is the slice of the durable queue the hook handler uses.
type Enqueuer interface {
	Enqueue(job queue.Job) (uint64, error)
	QueuedSceneIDs(completedWindow time.Duration) (map[int]struct{}, error)
}

// Handler turns hook events into queue jobs.
type Handler struct {
	q               Enqueuer
	scenes          SceneSource
	pend            *pending.Set
	completedWindow time.Duration
}

// NewHandler wires a hook event handler.
func NewHandler(q Enqueuer, scenes SceneSource, pend *pending.Set, completedWindow time.Duration) *Handler {
	return &Handler{q: q, scenes: scenes, pend: pend, completedWindow: completedWindow}
}

// HandleEvent processes one hook event. Validation and lookup failures are
// logged and swallowed: a bad event skips enqueue, it never fails the host
// invocation.
func (h *Handler) HandleEvent(ctx context.Context, hc *Context) error {
	sceneID, err := parseSceneID(hc.ID)
	if err != nil {
		logging.Warn().Err(err).Str("hook_type", hc.Type).Msg("Hook event without usable scene id, skipping")
		return nil
	}

	switch hc.Type {
	case SceneDestroyPost:
		return h.enqueue(queue.Job{SceneID: sceneID, Kind: queue.UpdateDelete})

	case SceneUpdatePost, SceneCreatePost:
		if !interestingChange(hc.InputFields) {
			logging.Debug().Int("scene_id", sceneID).Strs("fields", hc.InputFields).
				Msg("Hook event changed no synced fields, skipping")
			return nil
		}
		if dup, err := h.isDuplicate(sceneID); err != nil {
			return err
		} else if dup {
			logging.Debug().Int("scene_id", sceneID).Msg("Scene already queued, skipping")
			return nil
		}

		scene, err := h.scenes.FindScene(ctx, sceneID)
		if err != nil {
			logging.Warn().Err(err).Int("scene_id", sceneID).Msg("Scene lookup failed, skipping enqueue")
			return nil
		}
		job := jobForScene(scene)
		if err := job.Validate(); err != nil {
			logging.Warn().Err(err).Int("scene_id", sceneID).Msg("Scene fails validation, skipping enqueue")
			return nil
		}
		return h.enqueue(job)

	default:
		logging.Debug().Str("hook_type", hc.Type).Msg("Unhandled hook type")
		return nil
	}
}

// isDuplicate checks the in-process pending set first, then the durable
// queue including the completed window.
func (h *Handler) isDuplicate(sceneID int) (bool, error) {
	if h.pend != nil && h.pend.Contains(sceneID) {
		return true, nil
	}
	queued, err := h.q.QueuedSceneIDs(h.completedWindow)
	if err != nil {
		return false, fmt.Errorf("snapshot queued scenes: %w", err)
	}
	_, dup := queued[sceneID]
	return dup, nil
}

func (h *Handler) enqueue(job queue.Job) error {
	id, err := h.q.Enqueue(job)
	if err != nil {
		return fmt.Errorf("enqueue scene %d: %w", job.SceneID, err)
	}
	if h.pend != nil {
		h.pend.Add(job.SceneID)
	}
	logging.Info().
		Uint64("job_id", id).
		Int("scene_id", job.SceneID).
		Str("kind", string(job.Kind)).
		Msg("Hook event enqueued")
	return nil
}

func parseSceneID(id json.Number) (int, error) {
	if id == "" {
		return 0, errors.New("empty scene id")
	}
	n, err := id.Int64()
	if err != nil {
		return 0, fmt.Errorf("parse scene id %q: %w", id, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("scene id %d out of range", n)
	}
	return int(n), nil
}

// jobForScene builds the metadata sync job for a Stash scene.
func jobForScene(scene *stash.Scene) queue.Job {
	return queue.Job{
		SceneID: scene.ID,
		Kind:    queue.UpdateMetadata,
		Payload: queue.Payload{
			Title:          scene.Title,
			Details:        scene.Details,
			Date:           scene.Date,
			Rating100:      scene.Rating100,
			Studio:         scene.Studio,
			Performers:     scene.Performers,
			Tags:           scene.Tags,
			Path:           scene.Path,
			PosterURL:      scene.Screenshot,
			StashUpdatedAt: scene.UpdatedAt,
		},
	}
}
