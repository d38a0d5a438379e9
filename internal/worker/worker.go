// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package worker drains the durable queue into Plex. It is the single
// writer for the circuit breaker, outage history, recovery scheduler,
// stats, and sync timestamps; every other component only reads them.
//
// The loop per iteration:
//  1. While the breaker is not CLOSED, probe Plex health on the recovery
//     schedule and sleep with escalating jitter; no jobs move.
//  2. Claim the oldest pending job, honoring per-job retry schedules.
//  3. Match the scene to a Plex item, diff, write, upload artwork, and
//     issue one deferred refresh.
//  4. Route the outcome: ack, retry with backoff, or dead-letter.
package worker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/stash2plex/stash2plex/internal/backoff"
	"github.com/stash2plex/stash2plex/internal/breaker"
	"github.com/stash2plex/stash2plex/internal/config"
	"github.com/stash2plex/stash2plex/internal/dlq"
	"github.com/stash2plex/stash2plex/internal/errclass"
	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/matcher"
	"github.com/stash2plex/stash2plex/internal/metrics"
	"github.com/stash2plex/stash2plex/internal/outage"
	"github.com/stash2plex/stash2plex/internal/pending"
	"github.com/stash2plex/stash2plex/internal/plex"
	"github.com/stash2plex/stash2plex/internal/queue"
	"github.com/stash2plex/stash2plex/internal/reconcile"
	"github.com/stash2plex/stash2plex/internal/recovery"
	"github.com/stash2plex/stash2plex/internal/sanitize"
	"github.com/stash2plex/stash2plex/internal/spool"
	"github.com/stash2plex/stash2plex/internal/stats"
	"github.com/stash2plex/stash2plex/internal/synctime"
)

const (
	// healthSleepBase and healthSleepCap bound the outage sleep escalation
	// (5s, 10s, 20s, 40s, 60s before jitter).
	healthSleepBase = 5 * time.Second
	healthSleepCap  = 60 * time.Second

	// notReadySleep is the pause after nacking a job whose retry schedule
	// has not come due, keeping the loop from spinning on a head-of-line
	// scheduled job.
	notReadySleep = 100 * time.Millisecond

	// sectionCacheTTL bounds staleness of the Plex section index.
	sectionCacheTTL = 5 * time.Minute

	// maintenanceInterval paces DLQ retention pruning and completed-row
	// cleanup, done opportunistically on idle polls.
	maintenanceInterval = time.Hour

	// drainTimeout bounds the shutdown drain. It must fit inside the
	// supervisor's stop window.
	drainTimeout = 20 * time.Second

	// detailsMaxLen bounds scene descriptions written to Plex summaries,
	// which hold long text, well above the per-field default.
	detailsMaxLen = 10000
)

// PlexAPI is the slice of the Plex client the worker uses.
type PlexAPI interface {
	Identity(ctx context.Context) (*plex.Identity, error)
	Sections(ctx context.Context) ([]plex.Section, error)
	SectionItems(ctx context.Context, sectionKey string) ([]plex.Item, error)
	GetItem(ctx context.Context, ratingKey string) (*plex.Item, error)
	EditMetadata(ctx context.Context, ratingKey string, params url.Values) error
	Refresh(ctx context.Context, ratingKey string) error
	UploadArtworkFromURL(ctx context.Context, ratingKey string, kind plex.ArtworkKind, imageURL string) error
	ScanSection(ctx context.Context, sectionKey, scopePath string) error
}

// Reconciler runs a reconciliation sweep.
type Reconciler interface {
	Run(ctx context.Context, scope string) (*reconcile.Report, error)
}

// Deps bundles the worker's collaborators. Reconcile and ReconcileSched
// are optional; without them scheduled reconciliation is off.
type Deps struct {
	Queue    *queue.Queue
	DLQ      *dlq.Store
	Breaker  *breaker.Breaker
	Outages  *outage.History
	Recovery *recovery.Scheduler
	Stats    *stats.Store
	Times    *synctime.Store
	Pending  *pending.Set
	Plex     PlexAPI

	Reconcile      Reconciler
	ReconcileSched *reconcile.Scheduler
}

// Worker is the queue-draining sync loop.
type Worker struct {
	cfg *config.Config
	d   Deps

	sectionIndexes map[string]*matcher.Index
	sectionKeys    map[string]string
	cacheBuiltAt   time.Time

	healthFailStreak int
	lastMaintenance  time.Time
}

// New creates a worker and wires the breaker's outage hooks to the outage
// history, keeping all outage writes on this goroutine's call paths.
func New(cfg *config.Config, d Deps) *Worker {
	return &Worker{cfg: cfg, d: d}
}

// Serve runs the loop until ctx is canceled. It satisfies suture's
// Service interface.
func (w *Worker) Serve(ctx context.Context) error {
	logging.Info().
		Int("pending", w.d.Pending.Len()).
		Str("breaker", w.d.Breaker.State().String()).
		Msg("Worker started")

	for {
		if err := ctx.Err(); err != nil {
			return w.drain(err)
		}

		w.ingestSpool()

		if !w.d.Breaker.CanExecute() {
			w.outageTick(ctx)
			continue
		}
		w.healthFailStreak = 0

		row, err := w.d.Queue.GetPending(ctx, w.cfg.PollInterval())
		if err != nil {
			if ctx.Err() != nil {
				return w.drain(ctx.Err())
			}
			logging.Error().Err(err).Msg("Queue poll failed")
			continue
		}
		if row == nil {
			w.reconcileTick(ctx)
			w.maintain()
			continue
		}

		now := time.Now()
		if !row.Job.ReadyAt(now) {
			if err := w.d.Queue.Nack(row); err != nil {
				logging.Error().Err(err).Uint64("job_id", row.Job.ID).Msg("Nack of unready job failed")
			}
			w.sleep(ctx, notReadySleep)
			continue
		}

		w.processRow(ctx, row)
	}
}

// ProcessOne claims and processes a single job. It returns false when no
// runnable job is available: the queue is empty, the breaker is not closed,
// or the head job's retry schedule has not come due. The process_queue
// maintenance task drains by calling this until it reports false.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	if !w.d.Breaker.CanExecute() {
		return false, nil
	}
	row, err := w.d.Queue.GetPending(ctx, 100*time.Millisecond)
	if err != nil || row == nil {
		return false, err
	}
	if !row.Job.ReadyAt(time.Now()) {
		if err := w.d.Queue.Nack(row); err != nil {
			return false, err
		}
		return false, nil
	}
	w.processRow(ctx, row)
	return true, nil
}

// drain finishes runnable work before shutdown: jobs already claimed or
// pending keep flowing until the queue has no runnable head or the drain
// window closes. Jobs still queued at the deadline stay durable and
// resume on the next start.
func (w *Worker) drain(cause error) error {
	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	drained := 0
	for dctx.Err() == nil {
		ok, err := w.ProcessOne(dctx)
		if err != nil {
			logging.Error().Err(err).Msg("Drain stopped on error")
			break
		}
		if !ok {
			break
		}
		drained++
	}
	if drained > 0 {
		logging.Info().Int("drained", drained).Msg("Worker drained before shutdown")
	}
	return cause
}

// ingestSpool moves jobs handed off by hook invocations into the durable
// queue, deduped per scene against the pending set.
func (w *Worker) ingestSpool() {
	n, err := spool.Ingest(w.cfg.SpoolPath(), func(job queue.Job) error {
		if job.Kind == queue.UpdateMetadata && w.d.Pending.Contains(job.SceneID) {
			return nil
		}
		if _, err := w.d.Queue.Enqueue(job); err != nil {
			return err
		}
		if job.Kind == queue.UpdateMetadata {
			w.d.Pending.Add(job.SceneID)
		}
		return nil
	})
	if err != nil {
		logging.Error().Err(err).Msg("Spool ingest failed")
		return
	}
	if n > 0 {
		logging.Info().Int("jobs", n).Msg("Ingested spooled hook jobs")
	}
}

// reconcileTick runs a scheduled reconciliation sweep when one is due.
// The due check is a cheap in-memory compare, so it runs on every idle
// poll; the interval gates the sweep itself.
func (w *Worker) reconcileTick(ctx context.Context) {
	if w.d.Reconcile == nil || w.d.ReconcileSched == nil {
		return
	}
	now := time.Now()
	if !w.d.ReconcileSched.Due(w.cfg.ReconcileInterval, now) {
		return
	}

	report, err := w.d.Reconcile.Run(ctx, w.cfg.ReconcileScope)
	if err != nil {
		logging.Error().Err(err).Str("scope", w.cfg.ReconcileScope).Msg("Scheduled reconciliation failed")
		return
	}
	w.d.ReconcileSched.MarkRun(now, report)
	logging.Info().
		Str("scope", w.cfg.ReconcileScope).
		Int("scenes_checked", report.ScenesChecked).
		Int("enqueued", report.Enqueued).
		Msg("Scheduled reconciliation complete")
}

// outageTick runs one probe-or-sleep cycle while the breaker is open.
func (w *Worker) outageTick(ctx context.Context) {
	now := time.Now()
	if w.d.Recovery.ShouldCheck(now) {
		start := time.Now()
		_, err := w.d.Plex.Identity(ctx)
		latency := time.Since(start)

		recovered := w.d.Recovery.RecordHealthCheck(err == nil, latency, w.d.Breaker)
		if recovered {
			w.healthFailStreak = 0
			// Section cache is stale after an outage; Plex may have
			// rescanned while we were gone.
			w.cacheBuiltAt = time.Time{}
			return
		}
		if err != nil {
			w.healthFailStreak++
		}
	}

	delay := backoff.Delay(w.healthFailStreak, backoff.Params{
		Base: healthSleepBase,
		Cap:  healthSleepCap,
	})
	w.sleep(ctx, delay)
}

// sleep waits for d or until ctx is canceled.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// maintain prunes expired DLQ entries and stale completed rows, at most
// once per maintenance interval, only on idle polls.
func (w *Worker) maintain() {
	if time.Since(w.lastMaintenance) < maintenanceInterval {
		return
	}
	w.lastMaintenance = time.Now()

	if w.cfg.DLQRetentionDays > 0 {
		if n, err := w.d.DLQ.DeleteOlderThan(w.cfg.DLQRetention()); err != nil {
			logging.Error().Err(err).Msg("DLQ retention prune failed")
		} else if n > 0 {
			logging.Info().Int("pruned", n).Msg("Pruned expired DLQ entries")
		}
	}
	if w.cfg.CompletedWindowHours > 0 {
		if _, err := w.d.Queue.PruneCompleted(w.cfg.CompletedWindow()); err != nil {
			logging.Error().Err(err).Msg("Completed-row prune failed")
		}
	}
	// Stats refreshes the queue depth gauges as a side effect.
	if _, err := w.d.Queue.Stats(); err != nil {
		logging.Error().Err(err).Msg("Queue stats refresh failed")
	}
}

// processRow executes one claimed job and routes its outcome. A claimed
// job always runs to completion: shutdown is observed between jobs, never
// mid-write.
func (w *Worker) processRow(ctx context.Context, row *queue.Row) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	bytesWritten, err := w.processJob(ctx, &row.Job)
	elapsed := time.Since(start)
	metrics.JobProcessingDuration.Observe(elapsed.Seconds())

	if err == nil {
		w.d.Breaker.RecordSuccess()
		if ackErr := w.d.Queue.Ack(row); ackErr != nil {
			logging.Error().Err(ackErr).Uint64("job_id", row.Job.ID).Msg("Ack failed")
			return
		}
		w.d.Times.Set(row.Job.SceneID, time.Now())
		w.d.Stats.RecordSuccess(elapsed, bytesWritten)
		w.d.Pending.Remove(row.Job.SceneID)
		metrics.JobsProcessed.WithLabelValues("success").Inc()
		logging.Info().
			Uint64("job_id", row.Job.ID).
			Int("scene_id", row.Job.SceneID).
			Dur("elapsed", elapsed).
			Msg("Scene synced")
		return
	}

	kind := errclass.Classify(err)
	logging.Warn().
		Err(err).
		Uint64("job_id", row.Job.ID).
		Int("scene_id", row.Job.SceneID).
		Str("error_kind", kind.String()).
		Msg("Job failed")

	switch kind {
	case errclass.ServerDown:
		// Availability failure, not a job failure: the retry budget is
		// untouched and the breaker moves toward OPEN. The job still gets
		// a backoff schedule so the loop does not hot-cycle dial failures
		// before the breaker trips.
		row.Job.ServerDownCount++
		row.Job.LastErrorKind = kind.String()
		row.Job.NextRetryAt = time.Now().Add(backoff.Delay(row.Job.ServerDownCount, backoff.ForKind(kind)))
		w.d.Breaker.RecordFailure(kind.String())
		w.d.Stats.RecordFailure()
		if nackErr := w.d.Queue.Nack(row); nackErr != nil {
			logging.Error().Err(nackErr).Uint64("job_id", row.Job.ID).Msg("Nack failed")
		}
		metrics.JobsProcessed.WithLabelValues("server_down").Inc()

	case errclass.Permanent:
		// A malformed payload says nothing about server availability; the
		// breaker is not consulted or counted.
		w.deadLetter(row, kind, err)

	default: // Transient, NotFound
		w.d.Breaker.RecordFailure(kind.String())
		w.d.Stats.RecordFailure()

		row.Job.RetryCount++
		row.Job.LastErrorKind = kind.String()

		params := backoff.ForKind(kind)
		maxRetries := params.MaxRetries
		if kind == errclass.Transient && w.cfg.MaxRetries > 0 {
			maxRetries = w.cfg.MaxRetries
		}
		if backoff.Exhausted(row.Job.RetryCount, backoff.Params{
			Base: params.Base, Cap: params.Cap, MaxRetries: maxRetries,
		}) {
			w.deadLetter(row, kind, err)
			return
		}

		delay := backoff.Delay(row.Job.RetryCount, params)
		row.Job.NextRetryAt = time.Now().Add(delay)
		if nackErr := w.d.Queue.Nack(row); nackErr != nil {
			logging.Error().Err(nackErr).Uint64("job_id", row.Job.ID).Msg("Nack failed")
			return
		}
		metrics.JobsProcessed.WithLabelValues("retry").Inc()
		logging.Info().
			Uint64("job_id", row.Job.ID).
			Int("retry_count", row.Job.RetryCount).
			Dur("next_retry_in", delay).
			Msg("Job scheduled for retry")
	}
}

// deadLetter moves a job to the DLQ and marks its queue row failed.
func (w *Worker) deadLetter(row *queue.Row, kind errclass.Kind, cause error) {
	if _, err := w.d.DLQ.Add(row.Job, kind.String(), cause.Error()); err != nil {
		// Keep the job in the queue rather than lose it.
		logging.Error().Err(err).Uint64("job_id", row.Job.ID).Msg("DLQ write failed, job stays queued")
		if nackErr := w.d.Queue.Nack(row); nackErr != nil {
			logging.Error().Err(nackErr).Uint64("job_id", row.Job.ID).Msg("Nack after DLQ failure failed")
		}
		return
	}
	if err := w.d.Queue.Fail(row); err != nil {
		logging.Error().Err(err).Uint64("job_id", row.Job.ID).Msg("Fail transition failed")
	}
	w.d.Stats.RecordDLQ()
	w.d.Pending.Remove(row.Job.SceneID)
	metrics.JobsProcessed.WithLabelValues("dlq").Inc()
	logging.Warn().
		Uint64("job_id", row.Job.ID).
		Int("scene_id", row.Job.SceneID).
		Str("error_kind", kind.String()).
		Msg("Job dead-lettered")
}

// processJob performs the Plex-facing work for one job, returning the
// approximate bytes of metadata written.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) (int64, error) {
	switch job.Kind {
	case queue.UpdateDelete:
		// The scene left Stash; forget its sync history. The Plex item,
		// if any, stays — deleting media is not this pipeline's call.
		w.d.Times.Delete(job.SceneID)
		return 0, nil

	case queue.UpdateScan:
		return 0, w.triggerScan(ctx, job.Payload.Path)

	default:
		return w.syncMetadata(ctx, job)
	}
}

// triggerScan asks every configured section to pick up a path.
func (w *Worker) triggerScan(ctx context.Context, scopePath string) error {
	if err := w.ensureSectionCache(ctx); err != nil {
		return err
	}
	for title, key := range w.sectionKeys {
		if err := w.d.Plex.ScanSection(ctx, key, scopePath); err != nil {
			return fmt.Errorf("scan section %q: %w", title, err)
		}
	}
	return nil
}

// syncMetadata matches, diffs, and writes one scene's metadata.
func (w *Worker) syncMetadata(ctx context.Context, job *queue.Job) (int64, error) {
	if err := w.ensureSectionCache(ctx); err != nil {
		return 0, err
	}

	res := matcher.FindAcrossSections(w.sectionIndexes, job.Payload.Path, w.cfg.Rewrites())
	w.d.Stats.RecordMatchConfidence(string(res.Confidence))

	switch res.Confidence {
	case matcher.ConfidenceFail:
		if w.cfg.TriggerPlexScan {
			// The file may simply not be scanned yet; a scoped scan plus
			// the NotFound retry window usually resolves it.
			if err := w.triggerScan(ctx, job.Payload.Path); err != nil {
				logging.Warn().Err(err).Msg("Scan trigger after failed match")
			}
		}
		return 0, &errclass.HTTPError{StatusCode: 404, Status: "no matching Plex item", URL: job.Payload.Path}

	case matcher.ConfidenceLow:
		if w.cfg.StrictMatching {
			return 0, fmt.Errorf("%d candidates for scene %d: %w", len(res.Candidates), job.SceneID,
				&errclass.HTTPError{StatusCode: 422, Status: "ambiguous match (strict matching)", URL: job.Payload.Path})
		}
		logging.Warn().
			Int("scene_id", job.SceneID).
			Int("candidates", len(res.Candidates)).
			Msg("Ambiguous match, skipping write")
		return 0, nil
	}

	item, err := w.d.Plex.GetItem(ctx, res.Match.RatingKey)
	if err != nil {
		return 0, fmt.Errorf("fetch plex item %s: %w", res.Match.RatingKey, err)
	}

	params, bytesWritten := w.buildEdits(item, &job.Payload)
	if len(params) == 0 && !w.artworkWanted(&job.Payload) {
		logging.Debug().Int("scene_id", job.SceneID).Msg("No metadata changes, skipping write")
		return 0, nil
	}

	if len(params) > 0 {
		if err := w.d.Plex.EditMetadata(ctx, item.RatingKey, params); err != nil {
			return 0, fmt.Errorf("edit metadata: %w", err)
		}
		// One reload for the whole edit set, not one per field.
		defer func() {
			if err := w.d.Plex.Refresh(ctx, item.RatingKey); err != nil {
				logging.Warn().Err(err).Str("rating_key", item.RatingKey).Msg("Deferred refresh failed")
			}
		}()
	}

	if w.artworkWanted(&job.Payload) {
		if job.Payload.PosterURL != "" {
			if err := w.d.Plex.UploadArtworkFromURL(ctx, item.RatingKey, plex.ArtworkPoster, job.Payload.PosterURL); err != nil {
				return bytesWritten, fmt.Errorf("upload poster: %w", err)
			}
		}
		if job.Payload.BackgroundURL != "" {
			if err := w.d.Plex.UploadArtworkFromURL(ctx, item.RatingKey, plex.ArtworkBackground, job.Payload.BackgroundURL); err != nil {
				return bytesWritten, fmt.Errorf("upload background: %w", err)
			}
		}
	}

	return bytesWritten, nil
}

func (w *Worker) artworkWanted(p *queue.Payload) bool {
	return w.cfg.SyncArtwork && (p.PosterURL != "" || p.BackgroundURL != "")
}

// ensureSectionCache builds or refreshes the per-section match indexes.
func (w *Worker) ensureSectionCache(ctx context.Context) error {
	if time.Since(w.cacheBuiltAt) < sectionCacheTTL && w.sectionIndexes != nil {
		return nil
	}

	sections, err := w.d.Plex.Sections(ctx)
	if err != nil {
		return fmt.Errorf("list plex sections: %w", err)
	}

	wanted := make(map[string]bool, len(w.cfg.PlexLibrary))
	for _, name := range w.cfg.PlexLibrary {
		wanted[name] = true
	}

	indexes := make(map[string]*matcher.Index)
	keys := make(map[string]string)
	for _, section := range sections {
		if !wanted[section.Title] {
			continue
		}
		items, err := w.d.Plex.SectionItems(ctx, section.Key)
		if err != nil {
			return fmt.Errorf("list section %q: %w", section.Title, err)
		}
		var candidates []matcher.Candidate
		for _, item := range items {
			for _, p := range item.Paths() {
				candidates = append(candidates, matcher.Candidate{
					RatingKey:   item.RatingKey,
					Title:       item.Title,
					Path:        p,
					SectionName: section.Title,
				})
			}
		}
		indexes[section.Title] = matcher.NewIndex(candidates)
		keys[section.Title] = section.Key
	}

	w.sectionIndexes = indexes
	w.sectionKeys = keys
	w.cacheBuiltAt = time.Now()
	logging.Debug().Int("sections", len(indexes)).Msg("Section index rebuilt")
	return nil
}

// buildEdits computes the field diff between the job payload and the
// current Plex values. Only enabled, changed fields appear in the result;
// written fields are locked so Plex agents do not overwrite them.
func (w *Worker) buildEdits(item *plex.Item, p *queue.Payload) (url.Values, int64) {
	params := url.Values{}
	var bytes int64

	setField := func(name, value, current string) {
		if value == "" || value == current {
			return
		}
		if w.cfg.PreservePlexEdits && current != "" {
			return
		}
		params.Set(name+".value", value)
		params.Set(name+".locked", "1")
		bytes += int64(len(value))
	}

	if w.cfg.SyncTitle {
		setField("title", sanitize.ForPlex(p.Title, sanitize.DefaultMaxLen), item.Title)
	}
	if w.cfg.SyncDetails {
		setField("summary", sanitize.ForPlex(p.Details, detailsMaxLen), item.Summary)
	}
	if w.cfg.SyncStudio {
		setField("studio", sanitize.ForPlex(p.Studio, sanitize.DefaultMaxLen), item.Studio)
	}
	if w.cfg.SyncDate {
		setField("originallyAvailableAt", p.Date, item.OriginallyAvailableAt)
	}

	if w.cfg.SyncRating && p.Rating100 > 0 {
		want := float64(p.Rating100) / 10.0
		if want != item.UserRating {
			params.Set("userRating.value", strconv.FormatFloat(want, 'f', 1, 64))
			params.Set("userRating.locked", "1")
			bytes += 4
		}
	}

	if w.cfg.SyncPerformers && len(p.Performers) > 0 && !stringSlicesEqual(p.Performers, item.RoleTags()) {
		for i, name := range p.Performers {
			clean := sanitize.ForPlex(name, sanitize.DefaultMaxLen)
			params.Set(fmt.Sprintf("actor[%d].tag.tag", i), clean)
			bytes += int64(len(clean))
		}
		params.Set("actor.locked", "1")
	}

	if w.cfg.SyncTags && len(p.Tags) > 0 && !stringSlicesEqual(p.Tags, item.GenreTags()) {
		for i, tag := range p.Tags {
			clean := sanitize.ForPlex(tag, sanitize.DefaultMaxLen)
			params.Set(fmt.Sprintf("genre[%d].tag.tag", i), clean)
			bytes += int64(len(clean))
		}
		params.Set("genre.locked", "1")
	}

	return params, bytes
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, s := range a {
		seen[s]++
	}
	for _, s := range b {
		seen[s]--
		if seen[s] < 0 {
			return false
		}
	}
	return true
}
