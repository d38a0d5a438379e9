// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package hook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stash2plex/stash2plex/internal/breaker"
	"github.com/stash2plex/stash2plex/internal/config"
	"github.com/stash2plex/stash2plex/internal/dlq"
	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/outage"
	"github.com/stash2plex/stash2plex/internal/plex"
	"github.com/stash2plex/stash2plex/internal/queue"
	"github.com/stash2plex/stash2plex/internal/reconcile"
	"github.com/stash2plex/stash2plex/internal/recovery"
	"github.com/stash2plex/stash2plex/internal/stash"
	"github.com/stash2plex/stash2plex/internal/stats"
)

// Task modes accepted in args.mode.
const (
	ModeSyncAll           = "sync_all"
	ModeSyncRecent        = "sync_recent"
	ModeViewStatus        = "view_status"
	ModeClearQueue        = "clear_queue"
	ModeClearDLQ          = "clear_dlq"
	ModePurgeDLQ          = "purge_dlq"
	ModeProcessQueue      = "process_queue"
	ModeReconcileAll      = "reconcile_all"
	ModeReconcileRecent   = "reconcile_recent"
	ModeReconcile7Days    = "reconcile_7days"
	ModeRecoverOutageJobs = "recover_outage_jobs"
	ModeHealthCheck       = "health_check"
	ModeOutageSummary     = "outage_summary"
	ModeReplayDLQ         = "replay_dlq"
)

// Prober issues the deep health probe.
type Prober interface {
	Identity(ctx context.Context) (*plex.Identity, error)
}

// Drainer processes queued jobs one at a time.
type Drainer interface {
	ProcessOne(ctx context.Context) (bool, error)
}

// Reconciler runs a reconciliation sweep.
type Reconciler interface {
	Run(ctx context.Context, scope string) (*reconcile.Report, error)
}

// RecentScenes lists Stash scenes for the sync_* tasks.
type RecentScenes interface {
	FindScenesUpdatedSince(ctx context.Context, since time.Time) ([]*stash.Scene, error)
}

// Dispatcher routes task-mode invocations. It requires exclusive access
// to the pipeline stores; Handlers that report (status, outage summary,
// health check) only read worker-owned state.
type Dispatcher struct {
	Config    *config.Config
	Queue     *queue.Queue
	DLQ       *dlq.Store
	Breaker   *breaker.Breaker
	Outages   *outage.History
	Recovery  *recovery.Scheduler
	Stats     *stats.Store
	Times     reconcile.SyncTimes
	Scenes    RecentScenes
	Engine    Reconciler
	Scheduler *reconcile.Scheduler
	Prober    Prober
	Drainer   Drainer
}

// Run executes one task mode and returns its user-facing output.
func (d *Dispatcher) Run(ctx context.Context, mode string, args map[string]interface{}) (string, error) {
	switch mode {
	case ModeSyncAll:
		return d.syncScenes(ctx, time.Time{})
	case ModeSyncRecent:
		return d.syncScenes(ctx, time.Now().Add(-24*time.Hour))
	case ModeViewStatus:
		return d.statusReport()
	case ModeClearQueue:
		n, err := d.Queue.ClearPending()
		if err != nil {
			return "", fmt.Errorf("clear queue: %w", err)
		}
		return fmt.Sprintf("Cleared %d pending jobs.", n), nil
	case ModeClearDLQ:
		n, err := d.DLQ.Clear()
		if err != nil {
			return "", fmt.Errorf("clear dlq: %w", err)
		}
		return fmt.Sprintf("Cleared %d dead-letter entries.", n), nil
	case ModePurgeDLQ:
		n, err := d.DLQ.DeleteOlderThan(d.Config.DLQRetention())
		if err != nil {
			return "", fmt.Errorf("purge dlq: %w", err)
		}
		return fmt.Sprintf("Purged %d dead-letter entries past the %d-day retention.", n, d.Config.DLQRetentionDays), nil
	case ModeProcessQueue:
		return d.drainQueue(ctx)
	case ModeReconcileAll:
		return d.reconcileScope(ctx, "all")
	case ModeReconcileRecent:
		return d.reconcileScope(ctx, "24h")
	case ModeReconcile7Days:
		return d.reconcileScope(ctx, "7days")
	case ModeRecoverOutageJobs:
		n, err := d.Queue.ResetRetrySchedules()
		if err != nil {
			return "", fmt.Errorf("reset retry schedules: %w", err)
		}
		return fmt.Sprintf("Reset retry schedules on %d jobs; they are runnable now.", n), nil
	case ModeHealthCheck:
		return d.healthCheck(ctx)
	case ModeOutageSummary:
		return d.Outages.Summary(d.Breaker.State() == breaker.StateClosed), nil
	case ModeReplayDLQ:
		return d.replayDLQ(args)
	default:
		return "", fmt.Errorf("unknown task mode %q", mode)
	}
}

// syncScenes force-enqueues every scene updated since the cutoff, deduped
// against the queue and against scenes whose last sync already covers
// their Stash update.
func (d *Dispatcher) syncScenes(ctx context.Context, cutoff time.Time) (string, error) {
	scenes, err := d.Scenes.FindScenesUpdatedSince(ctx, cutoff)
	if err != nil {
		return "", fmt.Errorf("list stash scenes: %w", err)
	}
	queued, err := d.Queue.QueuedSceneIDs(d.Config.CompletedWindow())
	if err != nil {
		return "", fmt.Errorf("snapshot queued scenes: %w", err)
	}

	enqueued, skipped := 0, 0
	for _, scene := range scenes {
		if _, dup := queued[scene.ID]; dup {
			skipped++
			continue
		}
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
		if _, err := d.Queue.Enqueue(job); err != nil {
			return "", fmt.Errorf("enqueue scene %d: %w", scene.ID, err)
		}
		enqueued++
	}
	return fmt.Sprintf("Enqueued %d of %d scenes (%d skipped).", enqueued, len(scenes), skipped), nil
}

// drainQueue processes jobs until none are runnable.
func (d *Dispatcher) drainQueue(ctx context.Context) (string, error) {
	processed := 0
	for {
		ok, err := d.Drainer.ProcessOne(ctx)
		if err != nil {
			return "", fmt.Errorf("process queue: %w", err)
		}
		if !ok {
			break
		}
		processed++
	}
	return fmt.Sprintf("Processed %d jobs.", processed), nil
}

func (d *Dispatcher) reconcileScope(ctx context.Context, scope string) (string, error) {
	report, err := d.Engine.Run(ctx, scope)
	if err != nil {
		return "", fmt.Errorf("reconcile %s: %w", scope, err)
	}
	if d.Scheduler != nil {
		d.Scheduler.MarkRun(time.Now(), report)
	}
	return fmt.Sprintf(
		"Reconciled %d scenes (%s): %d enqueued, %d empty-in-Plex, %d stale, %d missing, %d skipped.",
		report.ScenesChecked, scope, report.Enqueued,
		report.Gaps[reconcile.GapEmptyInPlex],
		report.Gaps[reconcile.GapStaleSync],
		report.Gaps[reconcile.GapMissingInPlex],
		report.Skipped(),
	), nil
}

// probeReport runs the deep health probe and renders its outcome.
func probeReport(ctx context.Context, p Prober) (string, error) {
	start := time.Now()
	identity, err := p.Identity(ctx)
	latency := time.Since(start).Round(time.Millisecond)
	if err != nil {
		return fmt.Sprintf("Plex is OFFLINE: %v", err), nil
	}
	return fmt.Sprintf("Plex is online (version %s, %s).", identity.Version, latency), nil
}

func (d *Dispatcher) healthCheck(ctx context.Context) (string, error) {
	return probeReport(ctx, d.Prober)
}

// replayDLQ re-enqueues one dead-letter entry named by args.dlq_id.
func (d *Dispatcher) replayDLQ(args map[string]interface{}) (string, error) {
	raw, ok := args["dlq_id"]
	if !ok {
		return "", fmt.Errorf("replay_dlq requires a dlq_id argument")
	}
	var id uint64
	switch v := raw.(type) {
	case float64:
		id = uint64(v)
	case string:
		if _, err := fmt.Sscanf(v, "%d", &id); err != nil {
			return "", fmt.Errorf("parse dlq_id %q: %w", v, err)
		}
	default:
		return "", fmt.Errorf("dlq_id has unsupported type %T", raw)
	}

	jobID, err := d.DLQ.Replay(id, d.Queue)
	if err != nil {
		return "", fmt.Errorf("replay dlq entry %d: %w", id, err)
	}
	return fmt.Sprintf("Replayed dead-letter entry %d as job %d.", id, jobID), nil
}

// statusReport renders the operator-facing pipeline summary.
func (d *Dispatcher) statusReport() (string, error) {
	var b strings.Builder

	qs, err := d.Queue.Stats()
	if err != nil {
		return "", fmt.Errorf("queue stats: %w", err)
	}
	fmt.Fprintf(&b, "Queue: %d pending, %d in progress, %d completed, %d failed\n",
		qs.Pending, qs.InProgress, qs.Completed, qs.Failed)

	state, failures, _, openedAt := d.Breaker.Snapshot()
	fmt.Fprintf(&b, "Circuit breaker: %s", state)
	if state != breaker.StateClosed && openedAt != nil {
		fmt.Fprintf(&b, " (opened %s ago, %d consecutive failures)",
			time.Since(*openedAt).Round(time.Second), failures)
	}
	b.WriteString("\n")

	dlqCount, err := d.DLQ.Count()
	if err != nil {
		return "", fmt.Errorf("dlq count: %w", err)
	}
	fmt.Fprintf(&b, "Dead letters: %d\n", dlqCount)

	counters := d.Stats.Snapshot()
	fmt.Fprintf(&b, "Lifetime: %d synced, %d failures, %d dead-lettered\n",
		counters.SuccessCount, counters.FailureCount, counters.DLQCount)

	_, recoveryCount, lastRecovery := d.Recovery.Snapshot()
	if lastRecovery != nil {
		fmt.Fprintf(&b, "Recoveries: %d (last %s ago)\n",
			recoveryCount, time.Since(*lastRecovery).Round(time.Second))
	}

	if d.Scheduler != nil && !d.Scheduler.LastRun().IsZero() {
		fmt.Fprintf(&b, "Last reconciliation: %s ago\n",
			time.Since(d.Scheduler.LastRun()).Round(time.Second))
	}

	b.WriteString("\n")
	b.WriteString(d.Outages.Summary(state == breaker.StateClosed))
	return b.String(), nil
}
