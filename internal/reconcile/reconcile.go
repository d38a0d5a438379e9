// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package reconcile sweeps Stash and Plex for metadata gaps the event
// pipeline missed: items synced before a crash, items Plex re-scanned and
// wiped, scenes Plex never indexed. Detected gaps are re-enqueued as
// ordinary sync jobs; the worker, not the reconciler, writes to Plex.
package reconcile

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/matcher"
	"github.com/stash2plex/stash2plex/internal/metrics"
	"github.com/stash2plex/stash2plex/internal/plex"
	"github.com/stash2plex/stash2plex/internal/queue"
	"github.com/stash2plex/stash2plex/internal/stash"
)

// Gap kinds reported by a run.
const (
	GapEmptyInPlex   = "empty_in_plex"
	GapStaleSync     = "stale_sync"
	GapMissingInPlex = "missing_in_plex"
)

// SceneSource streams Stash scenes for a scope in bounded pages.
type SceneSource interface {
	WalkScenesUpdatedSince(ctx context.Context, since time.Time, pageSize int, fn func([]*stash.Scene) error) error
}

// LibraryView reads the Plex side.
type LibraryView interface {
	Sections(ctx context.Context) ([]plex.Section, error)
	SectionItems(ctx context.Context, sectionKey string) ([]plex.Item, error)
}

// Enqueuer is the slice of the durable queue the reconciler needs.
type Enqueuer interface {
	Enqueue(job queue.Job) (uint64, error)
	QueuedSceneIDs(completedWindow time.Duration) (map[int]struct{}, error)
}

// SyncTimes reads last-sync timestamps.
type SyncTimes interface {
	Get(sceneID int) (time.Time, bool)
}

// Config holds reconciliation policy.
type Config struct {
	// Sections names the configured Plex library sections.
	Sections []string

	// ReconcileMissing enables the missing-in-Plex gap. Off for Stash
	// libraries that are supersets of Plex.
	ReconcileMissing bool

	// BatchSize bounds the scene pages fetched from Stash, keeping memory
	// flat on large libraries. Every gap found is enqueued.
	BatchSize int

	// CompletedWindow is the dedup window passed to the queue snapshot.
	CompletedWindow time.Duration

	// Rewrites are the path rules applied before filename comparison.
	Rewrites []matcher.Rewrite
}

// Engine runs reconciliation sweeps.
type Engine struct {
	cfg    Config
	scenes SceneSource
	view   LibraryView
	q      Enqueuer
	times  SyncTimes
}

// NewEngine wires a reconciliation engine.
func NewEngine(cfg Config, scenes SceneSource, view LibraryView, q Enqueuer, times SyncTimes) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Engine{cfg: cfg, scenes: scenes, view: view, q: q, times: times}
}

// Report summarizes one run.
type Report struct {
	Scope                string
	ScenesChecked        int
	Gaps                 map[string]int
	Enqueued             int
	SkippedQueued        int
	SkippedAlreadySynced int
	SkippedNoMetadata    int
}

// Skipped is the total of all skip reasons.
func (r *Report) Skipped() int {
	return r.SkippedQueued + r.SkippedAlreadySynced + r.SkippedNoMetadata
}

// ScopeCutoff maps a reconcile scope to its updated_at cutoff. Unknown
// scopes behave like "all".
func ScopeCutoff(scope string, now time.Time) time.Time {
	switch scope {
	case "24h":
		return now.Add(-24 * time.Hour)
	case "7days":
		return now.Add(-7 * 24 * time.Hour)
	default:
		return time.Time{}
	}
}

// plexEntry is one indexed Plex item with its comparable fields.
type plexEntry struct {
	item    plex.Item
	hasMeta bool
}

// Run executes one reconciliation sweep. Scenes stream in BatchSize
// pages; the Plex index and queue snapshot are taken once up front.
func (e *Engine) Run(ctx context.Context, scope string) (*Report, error) {
	started := time.Now()
	report := &Report{Scope: scope, Gaps: make(map[string]int)}

	index, err := e.buildPlexIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("build plex index: %w", err)
	}

	// One snapshot for the whole run; per-scene queries would race with
	// the worker draining the queue mid-sweep.
	queued, err := e.q.QueuedSceneIDs(e.cfg.CompletedWindow)
	if err != nil {
		return nil, fmt.Errorf("snapshot queued scenes: %w", err)
	}

	cutoff := ScopeCutoff(scope, started)
	err = e.scenes.WalkScenesUpdatedSince(ctx, cutoff, e.cfg.BatchSize, func(page []*stash.Scene) error {
		for _, scene := range page {
			if err := e.checkScene(scene, index, queued, report); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk stash scenes: %w", err)
	}

	elapsed := time.Since(started)
	metrics.ReconcileDuration.Observe(elapsed.Seconds())
	logging.Info().
		Str("scope", scope).
		Int("scenes", report.ScenesChecked).
		Int("enqueued", report.Enqueued).
		Int("empty_in_plex", report.Gaps[GapEmptyInPlex]).
		Int("stale_sync", report.Gaps[GapStaleSync]).
		Int("missing_in_plex", report.Gaps[GapMissingInPlex]).
		Int("skipped_queued", report.SkippedQueued).
		Int("skipped_already_synced", report.SkippedAlreadySynced).
		Int("skipped_no_metadata", report.SkippedNoMetadata).
		Dur("elapsed", elapsed).
		Msg("Reconciliation run complete")

	return report, nil
}

// checkScene applies the skip chain to one scene and enqueues its gap.
// The chain is the same for every gap kind: queued scenes, scenes whose
// last sync is at or after their Stash update, and scenes without
// meaningful metadata never re-enqueue.
func (e *Engine) checkScene(scene *stash.Scene, index map[string]plexEntry, queued map[int]struct{}, report *Report) error {
	if scene.Path == "" {
		return nil
	}
	report.ScenesChecked++

	if _, dup := queued[scene.ID]; dup {
		report.SkippedQueued++
		return nil
	}
	if lastSync, synced := e.times.Get(scene.ID); synced && !scene.UpdatedAt.After(lastSync) {
		report.SkippedAlreadySynced++
		return nil
	}

	gap := e.classifyGap(scene, index)
	if gap == "" {
		return nil
	}
	if !sceneHasMeaningfulMetadata(scene) {
		report.SkippedNoMetadata++
		logging.Info().
			Int("scene_id", scene.ID).
			Str("title", scene.Title).
			Str("gap", gap).
			Msg("Scene has no meaningful metadata yet, not re-enqueued")
		return nil
	}

	report.Gaps[gap]++
	metrics.ReconcileGaps.WithLabelValues(gap).Inc()

	if _, err := e.q.Enqueue(jobForScene(scene)); err != nil {
		logging.Error().Err(err).Int("scene_id", scene.ID).Msg("Reconcile enqueue failed")
		return nil
	}
	report.Enqueued++
	return nil
}

// buildPlexIndex fetches every configured section and keys items by
// filename.
func (e *Engine) buildPlexIndex(ctx context.Context) (map[string]plexEntry, error) {
	sections, err := e.view.Sections(ctx)
	if err != nil {
		return nil, err
	}

	configured := make(map[string]string) // title -> key
	for _, s := range sections {
		for _, want := range e.cfg.Sections {
			if s.Title == want {
				configured[s.Title] = s.Key
			}
		}
	}

	index := make(map[string]plexEntry)
	for title, key := range configured {
		items, err := e.view.SectionItems(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list section %q: %w", title, err)
		}
		for _, item := range items {
			entry := plexEntry{item: item, hasMeta: itemHasMetadata(&item)}
			for _, p := range item.Paths() {
				index[path.Base(p)] = entry
			}
		}
	}
	return index, nil
}

// itemHasMetadata reports whether a Plex item carries any of the synced
// descriptive fields.
func itemHasMetadata(item *plex.Item) bool {
	return item.Studio != "" ||
		item.Summary != "" ||
		item.OriginallyAvailableAt != "" ||
		len(item.Genre) > 0 ||
		len(item.Role) > 0
}

// sceneHasMeaningfulMetadata gates re-enqueue for every gap kind: a
// scene with nothing but a rating is not ready to sync. Rating100 is
// deliberately excluded.
func sceneHasMeaningfulMetadata(scene *stash.Scene) bool {
	return scene.Studio != "" ||
		scene.Details != "" ||
		scene.Date != "" ||
		len(scene.Performers) > 0 ||
		len(scene.Tags) > 0
}

// classifyGap decides which gap, if any, a scene represents. The caller
// has already ruled out queued and already-synced scenes, so anything in
// Plex with metadata is a stale sync by elimination.
func (e *Engine) classifyGap(scene *stash.Scene, index map[string]plexEntry) string {
	rewritten := matcher.ApplyRewrites(scene.Path, e.cfg.Rewrites)
	entry, inPlex := index[path.Base(rewritten)]

	if !inPlex {
		if e.cfg.ReconcileMissing {
			return GapMissingInPlex
		}
		return ""
	}
	if !entry.hasMeta {
		return GapEmptyInPlex
	}
	return GapStaleSync
}

// jobForScene builds the sync job a gap turns into.
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
