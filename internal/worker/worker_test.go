// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package worker

import (
	"context"
	"net/url"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stash2plex/stash2plex/internal/breaker"
	"github.com/stash2plex/stash2plex/internal/config"
	"github.com/stash2plex/stash2plex/internal/dlq"
	"github.com/stash2plex/stash2plex/internal/errclass"
	"github.com/stash2plex/stash2plex/internal/outage"
	"github.com/stash2plex/stash2plex/internal/pending"
	"github.com/stash2plex/stash2plex/internal/plex"
	"github.com/stash2plex/stash2plex/internal/queue"
	"github.com/stash2plex/stash2plex/internal/reconcile"
	"github.com/stash2plex/stash2plex/internal/recovery"
	"github.com/stash2plex/stash2plex/internal/spool"
	"github.com/stash2plex/stash2plex/internal/stats"
	"github.com/stash2plex/stash2plex/internal/synctime"
)

type fakePlex struct {
	identityErr error
	sections    []plex.Section
	items       map[string][]plex.Item
	getItem     map[string]*plex.Item
	editErr     error

	edits     []url.Values
	refreshed []string
	uploads   []string
	scans     []string
}

func (f *fakePlex) Identity(context.Context) (*plex.Identity, error) {
	if f.identityErr != nil {
		return nil, f.identityErr
	}
	return &plex.Identity{MachineIdentifier: "test"}, nil
}

func (f *fakePlex) Sections(context.Context) ([]plex.Section, error) {
	return f.sections, nil
}

func (f *fakePlex) SectionItems(_ context.Context, key string) ([]plex.Item, error) {
	return f.items[key], nil
}

func (f *fakePlex) GetItem(_ context.Context, ratingKey string) (*plex.Item, error) {
	if item, ok := f.getItem[ratingKey]; ok {
		return item, nil
	}
	return nil, &errclass.HTTPError{StatusCode: 404, Status: "Not Found", URL: ratingKey}
}

func (f *fakePlex) EditMetadata(ctx context.Context, ratingKey string, params url.Values) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, params)
	return nil
}

func (f *fakePlex) Refresh(_ context.Context, ratingKey string) error {
	f.refreshed = append(f.refreshed, ratingKey)
	return nil
}

func (f *fakePlex) UploadArtworkFromURL(_ context.Context, ratingKey string, kind plex.ArtworkKind, imageURL string) error {
	f.uploads = append(f.uploads, string(kind)+":"+imageURL)
	return nil
}

func (f *fakePlex) ScanSection(_ context.Context, sectionKey, scopePath string) error {
	f.scans = append(f.scans, sectionKey+":"+scopePath)
	return nil
}

// oneMovieSection is a section with a single item at /media/a.mp4 and no
// metadata filled in.
func oneMovieSection() *fakePlex {
	return &fakePlex{
		sections: []plex.Section{{Key: "1", Title: "Movies", Type: "movie"}},
		items: map[string][]plex.Item{
			"1": {{
				RatingKey: "10",
				Title:     "a",
				Media:     []plex.Media{{Part: []plex.Part{{File: "/media/a.mp4"}}}},
			}},
		},
		getItem: map[string]*plex.Item{
			"10": {RatingKey: "10", Title: "a"},
		},
	}
}

func testConfig(dataDir string) *config.Config {
	return &config.Config{
		PlexURL:              "http://localhost:32400",
		PlexToken:            "tok",
		PlexLibrary:          []string{"Movies"},
		DataDir:              dataDir,
		SyncTitle:            true,
		SyncStudio:           true,
		SyncPerformers:       true,
		SyncTags:             true,
		SyncDetails:          true,
		SyncDate:             true,
		SyncRating:           true,
		SyncArtwork:          true,
		MaxRetries:           5,
		PollIntervalSec:      1,
		DLQRetentionDays:     30,
		CompletedWindowHours: 24,
	}
}

type fixture struct {
	w    *Worker
	cfg  *config.Config
	fp   *fakePlex
	q    *queue.Queue
	dead *dlq.Store
	cb   *breaker.Breaker
	hist *outage.History
	st   *stats.Store
	tm   *synctime.Store
	pend *pending.Set
}

func newFixture(t *testing.T, fp *fakePlex, mutate func(*config.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)
	if mutate != nil {
		mutate(cfg)
	}

	q, err := queue.Open(queue.Config{Path: cfg.QueuePath()})
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	dead, err := dlq.Open(dlq.Config{Path: cfg.DLQPath()})
	if err != nil {
		t.Fatalf("open dlq: %v", err)
	}
	t.Cleanup(func() { dead.Close() })

	hist := outage.Load(cfg.OutageHistoryPath())
	bcfg := breaker.DefaultConfig(cfg.BreakerStatePath())
	bcfg.OnOpen = hist.RecordOutageStart
	bcfg.OnClose = hist.RecordOutageEnd
	cb := breaker.New(bcfg)

	f := &fixture{
		cfg:  cfg,
		fp:   fp,
		q:    q,
		dead: dead,
		cb:   cb,
		hist: hist,
		st:   stats.Load(cfg.StatsPath()),
		tm:   synctime.Load(cfg.SyncTimestampsPath()),
		pend: pending.New(),
	}
	f.w = New(cfg, Deps{
		Queue:    q,
		DLQ:      dead,
		Breaker:  cb,
		Outages:  hist,
		Recovery: recovery.Load(cfg.RecoveryStatePath()),
		Stats:    f.st,
		Times:    f.tm,
		Pending:  f.pend,
		Plex:     fp,
	})
	return f
}

// claim enqueues a job and dequeues its row.
func (f *fixture) claim(t *testing.T, job queue.Job) *queue.Row {
	t.Helper()
	if _, err := f.q.Enqueue(job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.pend.Add(job.SceneID)
	row, err := f.q.GetPending(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("get pending: %v", err)
	}
	if row == nil {
		t.Fatal("no row claimed")
	}
	return row
}

func metadataJob(sceneID int, path string) queue.Job {
	return queue.Job{
		SceneID: sceneID,
		Kind:    queue.UpdateMetadata,
		Payload: queue.Payload{
			Title:  "New Title",
			Studio: "New Studio",
			Path:   path,
		},
	}
}

func TestSuccessfulSync(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), nil)
	row := f.claim(t, metadataJob(1, "/media/a.mp4"))
	f.w.processRow(context.Background(), row)

	if len(f.fp.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(f.fp.edits))
	}
	params := f.fp.edits[0]
	if params.Get("title.value") != "New Title" || params.Get("title.locked") != "1" {
		t.Errorf("title params = %v", params)
	}
	if params.Get("studio.value") != "New Studio" {
		t.Errorf("studio params = %v", params)
	}
	if len(f.fp.refreshed) != 1 || f.fp.refreshed[0] != "10" {
		t.Errorf("refreshed = %v, want one refresh of 10", f.fp.refreshed)
	}

	qs, _ := f.q.Stats()
	if qs.Completed != 1 || qs.Pending != 0 {
		t.Errorf("queue stats = %+v", qs)
	}
	if _, ok := f.tm.Get(1); !ok {
		t.Error("sync timestamp not recorded")
	}
	if f.pend.Contains(1) {
		t.Error("scene still pending after success")
	}
	if f.st.Snapshot().SuccessCount != 1 {
		t.Error("success not counted")
	}
}

func TestNoChangeSkipsWrite(t *testing.T) {
	t.Parallel()

	fp := oneMovieSection()
	fp.getItem["10"] = &plex.Item{RatingKey: "10", Title: "New Title", Studio: "New Studio"}

	f := newFixture(t, fp, nil)
	row := f.claim(t, metadataJob(1, "/media/a.mp4"))
	f.w.processRow(context.Background(), row)

	if len(fp.edits) != 0 {
		t.Errorf("edits = %v, want none", fp.edits)
	}
	if len(fp.refreshed) != 0 {
		t.Errorf("refresh issued without an edit: %v", fp.refreshed)
	}
	qs, _ := f.q.Stats()
	if qs.Completed != 1 {
		t.Errorf("unchanged job not acked: %+v", qs)
	}
}

func TestTransientErrorSchedulesRetry(t *testing.T) {
	t.Parallel()

	fp := oneMovieSection()
	fp.editErr = &errclass.HTTPError{StatusCode: 503, Status: "Service Unavailable", URL: "/"}

	f := newFixture(t, fp, nil)
	row := f.claim(t, metadataJob(1, "/media/a.mp4"))
	f.w.processRow(context.Background(), row)

	qs, _ := f.q.Stats()
	if qs.Pending != 1 {
		t.Fatalf("queue stats = %+v, want job back in pending", qs)
	}
	retried, err := f.q.GetPending(context.Background(), time.Second)
	if err != nil || retried == nil {
		t.Fatalf("reclaim: %v", err)
	}
	if retried.Job.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", retried.Job.RetryCount)
	}
	if retried.Job.NextRetryAt.IsZero() || !retried.Job.NextRetryAt.After(time.Now()) {
		t.Errorf("next retry at = %v, want future", retried.Job.NextRetryAt)
	}
	if retried.Job.LastErrorKind != "Transient" {
		t.Errorf("last error kind = %q", retried.Job.LastErrorKind)
	}
}

func TestServerDownPreservesRetryBudget(t *testing.T) {
	t.Parallel()

	fp := oneMovieSection()
	fp.editErr = syscall.ECONNREFUSED

	f := newFixture(t, fp, nil)
	row := f.claim(t, metadataJob(1, "/media/a.mp4"))
	f.w.processRow(context.Background(), row)

	retried, err := f.q.GetPending(context.Background(), time.Second)
	if err != nil || retried == nil {
		t.Fatalf("reclaim: %v", err)
	}
	if retried.Job.RetryCount != 0 {
		t.Errorf("retry count = %d, outage must not spend the budget", retried.Job.RetryCount)
	}
	if retried.Job.ServerDownCount != 1 {
		t.Errorf("server down count = %d, want 1", retried.Job.ServerDownCount)
	}
	if retried.Job.NextRetryAt.IsZero() || !retried.Job.NextRetryAt.After(time.Now()) {
		t.Errorf("next retry at = %v, want a future backoff schedule", retried.Job.NextRetryAt)
	}
	if _, failures, _, _ := f.cb.Snapshot(); failures != 1 {
		t.Errorf("breaker failures = %d, want 1", failures)
	}
}

func TestBreakerOpensAfterConsecutiveServerDown(t *testing.T) {
	t.Parallel()

	fp := oneMovieSection()
	fp.editErr = syscall.ECONNREFUSED

	f := newFixture(t, fp, nil)
	// Fail the same job five times; each failure nacks it back to pending.
	row := f.claim(t, metadataJob(1, "/media/a.mp4"))
	for i := 0; i < 5; i++ {
		f.w.processRow(context.Background(), row)
		if i == 4 {
			break
		}
		var err error
		row, err = f.q.GetPending(context.Background(), time.Second)
		if err != nil || row == nil {
			t.Fatalf("reclaim %d: %v", i, err)
		}
	}

	if got := f.cb.State(); got != breaker.StateOpen {
		t.Fatalf("breaker state = %v, want OPEN", got)
	}
	records := f.hist.Records()
	if len(records) != 1 || records[0].EndedAt != nil {
		t.Errorf("outage records = %+v, want one open record", records)
	}
	if records[0].FirstErrorKind != "ServerDown" {
		t.Errorf("first error kind = %q", records[0].FirstErrorKind)
	}
}

func TestPermanentErrorDeadLetters(t *testing.T) {
	t.Parallel()

	fp := oneMovieSection()
	fp.editErr = &errclass.HTTPError{StatusCode: 401, Status: "Unauthorized", URL: "/"}

	f := newFixture(t, fp, nil)
	// Two prior failures on the breaker; a permanent error must leave
	// them exactly as they are.
	f.cb.RecordFailure("Transient")
	f.cb.RecordFailure("Transient")

	row := f.claim(t, metadataJob(1, "/media/a.mp4"))
	f.w.processRow(context.Background(), row)

	n, err := f.dead.Count()
	if err != nil || n != 1 {
		t.Fatalf("dlq count = %d (%v), want 1", n, err)
	}
	entries, _ := f.dead.GetRecent(1)
	if entries[0].ErrorKind != "Permanent" || entries[0].SceneID != 1 {
		t.Errorf("dlq entry = %+v", entries[0])
	}
	qs, _ := f.q.Stats()
	if qs.Failed != 1 || qs.Pending != 0 {
		t.Errorf("queue stats = %+v", qs)
	}
	if f.pend.Contains(1) {
		t.Error("dead-lettered scene still pending")
	}
	if f.st.Snapshot().DLQCount != 1 {
		t.Error("dlq not counted in stats")
	}
	if _, failures, _, _ := f.cb.Snapshot(); failures != 2 {
		t.Errorf("breaker failures = %d, want the prior 2 untouched", failures)
	}
}

func TestStrictMatchingAmbiguityDeadLetters(t *testing.T) {
	t.Parallel()

	fp := oneMovieSection()
	fp.items["1"] = append(fp.items["1"], plex.Item{
		RatingKey: "11",
		Title:     "a copy",
		Media:     []plex.Media{{Part: []plex.Part{{File: "/backup/a.mp4"}}}},
	})

	f := newFixture(t, fp, func(c *config.Config) { c.StrictMatching = true })
	// Filename matches both items; exact path matches neither.
	row := f.claim(t, metadataJob(1, "/stash/a.mp4"))
	f.w.processRow(context.Background(), row)

	n, _ := f.dead.Count()
	if n != 1 {
		t.Fatalf("dlq count = %d, want 1", n)
	}
	if len(fp.edits) != 0 {
		t.Errorf("ambiguous match wrote metadata: %v", fp.edits)
	}
}

func TestAmbiguousMatchWithoutStrictSkips(t *testing.T) {
	t.Parallel()

	fp := oneMovieSection()
	fp.items["1"] = append(fp.items["1"], plex.Item{
		RatingKey: "11",
		Title:     "a copy",
		Media:     []plex.Media{{Part: []plex.Part{{File: "/backup/a.mp4"}}}},
	})

	f := newFixture(t, fp, nil)
	row := f.claim(t, metadataJob(1, "/stash/a.mp4"))
	f.w.processRow(context.Background(), row)

	if len(fp.edits) != 0 {
		t.Errorf("ambiguous match wrote metadata: %v", fp.edits)
	}
	qs, _ := f.q.Stats()
	if qs.Completed != 1 {
		t.Errorf("queue stats = %+v, want acked without write", qs)
	}
	n, _ := f.dead.Count()
	if n != 0 {
		t.Errorf("dlq count = %d, want 0", n)
	}
}

func TestNoMatchRetriesAsNotFound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), func(c *config.Config) { c.TriggerPlexScan = true })
	row := f.claim(t, metadataJob(2, "/media/unscanned.mp4"))
	f.w.processRow(context.Background(), row)

	retried, err := f.q.GetPending(context.Background(), time.Second)
	if err != nil || retried == nil {
		t.Fatalf("reclaim: %v", err)
	}
	if retried.Job.LastErrorKind != "NotFound" {
		t.Errorf("last error kind = %q, want NotFound", retried.Job.LastErrorKind)
	}
	if _, failures, _, _ := f.cb.Snapshot(); failures != 1 {
		t.Errorf("breaker failures = %d, want the missing item counted", failures)
	}
	if len(f.fp.scans) == 0 {
		t.Error("scan not triggered for unmatched path")
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	t.Parallel()

	fp := oneMovieSection()
	fp.editErr = &errclass.HTTPError{StatusCode: 503, Status: "Service Unavailable", URL: "/"}

	f := newFixture(t, fp, nil)
	job := metadataJob(1, "/media/a.mp4")
	job.RetryCount = 4 // one attempt left of the default 5
	row := f.claim(t, job)
	f.w.processRow(context.Background(), row)

	n, _ := f.dead.Count()
	if n != 1 {
		t.Fatalf("dlq count = %d, want 1 after budget exhausted", n)
	}
	entries, _ := f.dead.GetRecent(1)
	if entries[0].RetryCountAtFailure != 5 {
		t.Errorf("retry count at failure = %d, want 5", entries[0].RetryCountAtFailure)
	}
}

func TestDeleteJobClearsSyncTime(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), nil)
	f.tm.Set(3, time.Now())

	row := f.claim(t, queue.Job{SceneID: 3, Kind: queue.UpdateDelete})
	f.w.processRow(context.Background(), row)

	if _, ok := f.tm.Get(3); ok {
		t.Error("sync timestamp survived delete job")
	}
	qs, _ := f.q.Stats()
	if qs.Completed != 1 {
		t.Errorf("queue stats = %+v", qs)
	}
}

func TestArtworkUploaded(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), nil)
	job := metadataJob(1, "/media/a.mp4")
	job.Payload.PosterURL = "http://stash/screenshot.jpg"
	row := f.claim(t, job)
	f.w.processRow(context.Background(), row)

	if len(f.fp.uploads) != 1 || f.fp.uploads[0] != "posters:http://stash/screenshot.jpg" {
		t.Errorf("uploads = %v", f.fp.uploads)
	}
}

func TestArtworkDisabledByToggle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), func(c *config.Config) { c.SyncArtwork = false })
	job := metadataJob(1, "/media/a.mp4")
	job.Payload.PosterURL = "http://stash/screenshot.jpg"
	row := f.claim(t, job)
	f.w.processRow(context.Background(), row)

	if len(f.fp.uploads) != 0 {
		t.Errorf("uploads = %v, want none with sync_artwork off", f.fp.uploads)
	}
}

func TestPreservePlexEditsSkipsFilledFields(t *testing.T) {
	t.Parallel()

	fp := oneMovieSection()
	fp.getItem["10"] = &plex.Item{RatingKey: "10", Title: "Hand Edited", Studio: ""}

	f := newFixture(t, fp, func(c *config.Config) { c.PreservePlexEdits = true })
	row := f.claim(t, metadataJob(1, "/media/a.mp4"))
	f.w.processRow(context.Background(), row)

	if len(fp.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(fp.edits))
	}
	params := fp.edits[0]
	if params.Get("title.value") != "" {
		t.Error("filled title overwritten despite preserve_plex_edits")
	}
	if params.Get("studio.value") != "New Studio" {
		t.Error("empty studio not filled")
	}
}

func TestOutageTickProbesAndRecovers(t *testing.T) {
	t.Parallel()

	fp := oneMovieSection()
	f := newFixture(t, fp, nil)

	// Force the breaker open, then age it past the recovery timeout so the
	// next State() read moves it to HALF_OPEN.
	bcfg := breaker.DefaultConfig(filepath.Join(t.TempDir(), "circuit_breaker.json"))
	bcfg.RecoveryTimeout = time.Millisecond
	cb := breaker.New(bcfg)
	cb.ForceOpen()
	f.w.d.Breaker = cb
	time.Sleep(5 * time.Millisecond)

	if cb.State() != breaker.StateHalfOpen {
		t.Fatalf("breaker state = %v, want HALF_OPEN", cb.State())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	f.w.outageTick(ctx)

	if cb.State() != breaker.StateClosed {
		t.Errorf("breaker state = %v, want CLOSED after successful probe", cb.State())
	}
}

func TestWorkerServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.w.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("Serve returned nil, want context error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not stop on cancel")
	}
}

func TestCancelDoesNotAbortClaimedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), nil)
	row := f.claim(t, metadataJob(1, "/media/a.mp4"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.w.processRow(ctx, row)

	if len(f.fp.edits) != 1 {
		t.Fatalf("edits = %d, want the claimed job written despite cancellation", len(f.fp.edits))
	}
	qs, _ := f.q.Stats()
	if qs.Completed != 1 || qs.InProgress != 0 {
		t.Errorf("queue stats = %+v, want the job finished", qs)
	}
}

func TestShutdownDrainsPendingJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), nil)
	for i := 1; i <= 2; i++ {
		if _, err := f.q.Enqueue(metadataJob(i, "/media/a.mp4")); err != nil {
			t.Fatal(err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.w.Serve(ctx); err == nil {
		t.Error("Serve returned nil, want context error")
	}

	qs, _ := f.q.Stats()
	if qs.Completed != 2 || qs.Pending != 0 {
		t.Errorf("queue stats = %+v, want both jobs drained before exit", qs)
	}
}

type fakeReconciler struct {
	runs  int
	scope string
}

func (f *fakeReconciler) Run(_ context.Context, scope string) (*reconcile.Report, error) {
	f.runs++
	f.scope = scope
	return &reconcile.Report{Scope: scope, Gaps: map[string]int{}}, nil
}

func TestScheduledReconcileRunsWhenDue(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), func(c *config.Config) {
		c.ReconcileInterval = "hourly"
		c.ReconcileScope = "24h"
	})
	eng := &fakeReconciler{}
	sched := reconcile.LoadScheduler(filepath.Join(f.cfg.DataDir, "reconciliation_state.json"))
	f.w.d.Reconcile = eng
	f.w.d.ReconcileSched = sched

	f.w.reconcileTick(context.Background())
	if eng.runs != 1 || eng.scope != "24h" {
		t.Fatalf("runs = %d scope = %q, want one run at the configured scope", eng.runs, eng.scope)
	}
	if sched.LastRun().IsZero() {
		t.Error("run not marked on the scheduler")
	}

	// Just ran; the next idle poll must not re-trigger.
	f.w.reconcileTick(context.Background())
	if eng.runs != 1 {
		t.Errorf("runs = %d, want still 1 inside the interval", eng.runs)
	}
}

func TestReconcileTickOffWithoutSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), nil) // reconcile_interval defaults to never
	eng := &fakeReconciler{}
	f.w.d.Reconcile = eng
	f.w.d.ReconcileSched = reconcile.LoadScheduler("")

	f.w.reconcileTick(context.Background())
	if eng.runs != 0 {
		t.Errorf("runs = %d, want none with the interval unset", eng.runs)
	}
}

func TestSpooledJobsIngested(t *testing.T) {
	t.Parallel()

	f := newFixture(t, oneMovieSection(), nil)
	job := metadataJob(9, "/media/a.mp4")
	if err := spool.Write(f.cfg.SpoolPath(), job); err != nil {
		t.Fatalf("spool write: %v", err)
	}

	f.w.ingestSpool()
	qs, _ := f.q.Stats()
	if qs.Pending != 1 {
		t.Fatalf("pending = %d, want the spooled job queued", qs.Pending)
	}
	if !f.pend.Contains(9) {
		t.Error("ingested scene missing from the pending set")
	}

	// A second spool file for the same scene is dropped at ingest.
	if err := spool.Write(f.cfg.SpoolPath(), job); err != nil {
		t.Fatalf("spool write: %v", err)
	}
	f.w.ingestSpool()
	qs, _ = f.q.Stats()
	if qs.Pending != 1 {
		t.Errorf("pending = %d, want the duplicate dropped", qs.Pending)
	}
}
