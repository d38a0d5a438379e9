// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package hook

import (
	"context"
	"fmt"
	"time"

	"github.com/stash2plex/stash2plex/internal/breaker"
	"github.com/stash2plex/stash2plex/internal/config"
	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/outage"
	"github.com/stash2plex/stash2plex/internal/reconcile"
	"github.com/stash2plex/stash2plex/internal/spool"
)

// SharedDispatcher handles the task modes that can run while a worker
// holds the pipeline stores. Sync tasks hand jobs off through the spool;
// reporting tasks read state files directly and never construct live
// stores, so the worker stays the single writer. Everything else needs
// exclusive access and tells the operator so.
type SharedDispatcher struct {
	Config  *config.Config
	Scenes  RecentScenes
	Times   reconcile.SyncTimes
	Prober  Prober
	Outages *outage.History
}

// Run executes one task mode and returns its user-facing output.
func (d *SharedDispatcher) Run(ctx context.Context, mode string, _ map[string]interface{}) (string, error) {
	switch mode {
	case ModeSyncAll:
		return d.spoolScenes(ctx, time.Time{})
	case ModeSyncRecent:
		return d.spoolScenes(ctx, time.Now().Add(-24*time.Hour))
	case ModeHealthCheck:
		return probeReport(ctx, d.Prober)
	case ModeOutageSummary:
		st, _, _ := breaker.ReadState(d.Config.BreakerStatePath())
		return d.Outages.Summary(st == breaker.StateClosed), nil
	case ModeViewStatus, ModeClearQueue, ModeClearDLQ, ModePurgeDLQ,
		ModeProcessQueue, ModeReconcileAll, ModeReconcileRecent,
		ModeReconcile7Days, ModeRecoverOutageJobs, ModeReplayDLQ:
		return fmt.Sprintf("The %s task needs exclusive access to the pipeline stores and the worker is running; stop the worker and retry.", mode), nil
	default:
		return "", fmt.Errorf("unknown task mode %q", mode)
	}
}

// spoolScenes hands every scene updated since the cutoff to the running
// worker through the spool, skipping scenes whose last sync already
// covers their Stash update. Queue-level dedup happens at ingest.
func (d *SharedDispatcher) spoolScenes(ctx context.Context, cutoff time.Time) (string, error) {
	scenes, err := d.Scenes.FindScenesUpdatedSince(ctx, cutoff)
	if err != nil {
		return "", fmt.Errorf("list stash scenes: %w", err)
	}

	spooled, skipped := 0, 0
	for _, scene := range scenes {
		if d.Times != nil {
			if last, ok := d.Times.Get(scene.ID); ok && !scene.UpdatedAt.After(last) {
				skipped++
				continue
			}
		}
		job := jobForScene(scene)
		if err := job.Validate(); err != nil {
			logging.Warn().Err(err).Int("scene_id", scene.ID).Msg("Scene fails validation, skipping")
			skipped++
			continue
		}
		if err := spool.Write(d.Config.SpoolPath(), job); err != nil {
			return "", fmt.Errorf("spool scene %d: %w", scene.ID, err)
		}
		spooled++
	}
	return fmt.Sprintf("Spooled %d of %d scenes for the running worker (%d skipped).", spooled, len(scenes), skipped), nil
}
