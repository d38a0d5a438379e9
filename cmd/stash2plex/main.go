// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package main is the entry point for the Stash2Plex pipeline.
//
// The binary runs in two modes:
//
//   - Plugin invocation (default): the Stash plugin runtime launches the
//     binary with a JSON envelope on stdin carrying either a hook event
//     (scene created/updated/destroyed) or an explicit task mode. Hook
//     events enqueue sync jobs and exit; task modes run maintenance and
//     report to stdout.
//
//   - Worker process (--serve): the long-lived process that drains the
//     queue into Plex, supervised by a suture tree together with the
//     read-only status listener. One worker per data directory, enforced
//     with an advisory lock.
//
// Exit codes: 0 on success, non-zero only for fatal configuration errors;
// the error names the missing settings. Transient runtime failures are
// logged and retried, never surfaced as exit status.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stash2plex/stash2plex/internal/api"
	"github.com/stash2plex/stash2plex/internal/breaker"
	"github.com/stash2plex/stash2plex/internal/config"
	"github.com/stash2plex/stash2plex/internal/dlq"
	"github.com/stash2plex/stash2plex/internal/hook"
	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/outage"
	"github.com/stash2plex/stash2plex/internal/pending"
	"github.com/stash2plex/stash2plex/internal/plex"
	"github.com/stash2plex/stash2plex/internal/queue"
	"github.com/stash2plex/stash2plex/internal/reconcile"
	"github.com/stash2plex/stash2plex/internal/recovery"
	"github.com/stash2plex/stash2plex/internal/spool"
	"github.com/stash2plex/stash2plex/internal/stash"
	"github.com/stash2plex/stash2plex/internal/state"
	"github.com/stash2plex/stash2plex/internal/stats"
	"github.com/stash2plex/stash2plex/internal/supervisor"
	"github.com/stash2plex/stash2plex/internal/synctime"
	"github.com/stash2plex/stash2plex/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	serve := flag.Bool("serve", false, "run the long-lived worker process")
	flag.Parse()

	if *serve {
		cfg, err := config.Load(nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
		return runServe(cfg)
	}

	env, err := hook.ParseEnvelope(os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, err := config.Load(env.Args)
	if err != nil {
		// Validation errors name the missing settings; the host shows them.
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir %s: %v\n", cfg.DataDir, err)
		return 1
	}

	ctx := context.Background()
	if env.HookContext != nil {
		runHookEvent(ctx, cfg, env)
		return 0
	}
	if mode := env.Mode(); mode != "" {
		runTask(ctx, cfg, mode, env.Args)
		return 0
	}

	logging.Warn().Msg("Envelope carried neither a hook event nor a task mode")
	return 0
}

// runHookEvent enqueues one scene event. Failures are logged, never fatal:
// a bad event must not break the host's hook chain.
func runHookEvent(ctx context.Context, cfg *config.Config, env *hook.Envelope) {
	scenes := stash.NewClient(stash.Config{
		BaseURL: cfg.StashURL,
		APIKey:  cfg.StashAPIKey,
		Timeout: cfg.ReadTimeout(),
	})

	q, err := queue.Open(queue.Config{Path: cfg.QueuePath(), SyncWrites: true})
	if err != nil {
		// A running worker holds the stores. Hand the event off through
		// the spool instead of dropping it; the worker ingests it on its
		// next loop pass.
		logging.Debug().Err(err).Msg("Queue held by a running worker, spooling hook event")
		h := hook.NewHandler(spool.Enqueuer{Dir: cfg.SpoolPath()}, scenes, nil, cfg.CompletedWindow())
		if err := h.HandleEvent(ctx, env.HookContext); err != nil {
			logging.Error().Err(err).Str("hook_type", env.HookContext.Type).Msg("Hook event failed")
		}
		return
	}
	defer q.Close()
	drainSpool(cfg, q)

	// Short-lived process: no in-memory pending set to consult, the durable
	// queue snapshot is the dedup source.
	h := hook.NewHandler(q, scenes, nil, cfg.CompletedWindow())
	if err := h.HandleEvent(ctx, env.HookContext); err != nil {
		logging.Error().Err(err).Str("hook_type", env.HookContext.Type).Msg("Hook event failed")
	}
}

// drainSpool moves jobs left behind by lock-contended invocations into
// the queue, deduped per scene against the queue snapshot.
func drainSpool(cfg *config.Config, q *queue.Queue) {
	queued, err := q.QueuedSceneIDs(cfg.CompletedWindow())
	if err != nil {
		logging.Warn().Err(err).Msg("Spool drain snapshot failed")
		queued = map[int]struct{}{}
	}
	n, err := spool.Ingest(cfg.SpoolPath(), func(job queue.Job) error {
		if job.Kind == queue.UpdateMetadata {
			if _, dup := queued[job.SceneID]; dup {
				return nil
			}
		}
		_, enqErr := q.Enqueue(job)
		return enqErr
	})
	if err != nil {
		logging.Error().Err(err).Msg("Spool drain failed")
	}
	if n > 0 {
		logging.Info().Int("jobs", n).Msg("Drained spooled jobs into the queue")
	}
}

// runTask executes one maintenance mode and prints its report. Modes
// that mutate the pipeline stores run only with the worker lock held;
// when a worker is running, the shared dispatcher takes over.
func runTask(ctx context.Context, cfg *config.Config, mode string, args map[string]interface{}) {
	lock, err := state.AcquireLock(cfg.WorkerLockPath())
	if err != nil {
		if !errors.Is(err, state.ErrLockHeld) {
			logging.Warn().Err(err).Msg("Worker lock unavailable, assuming a worker is running")
		}
		runSharedTask(ctx, cfg, mode, args)
		return
	}
	defer lock.Release()

	q, err := queue.Open(queue.Config{Path: cfg.QueuePath(), SyncWrites: true})
	if err != nil {
		logging.Error().Err(err).Msg("Open queue for task")
		return
	}
	defer q.Close()
	drainSpool(cfg, q)

	dead, err := dlq.Open(dlq.Config{Path: cfg.DLQPath(), SyncWrites: true})
	if err != nil {
		logging.Error().Err(err).Msg("Open dead-letter store for task")
		return
	}
	defer dead.Close()

	hist := outage.Load(cfg.OutageHistoryPath())
	cb := breaker.New(breaker.DefaultConfig(cfg.BreakerStatePath()))
	times := synctime.Load(cfg.SyncTimestampsPath())
	st := stats.Load(cfg.StatsPath())
	rec := recovery.Load(cfg.RecoveryStatePath())

	plexClient := plex.NewClient(plex.Config{
		BaseURL:        cfg.PlexURL,
		Token:          cfg.PlexToken,
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
	})
	stashClient := stash.NewClient(stash.Config{
		BaseURL: cfg.StashURL,
		APIKey:  cfg.StashAPIKey,
		Timeout: cfg.ReadTimeout(),
	})

	engine := reconcile.NewEngine(reconcile.Config{
		Sections:         cfg.PlexLibrary,
		ReconcileMissing: cfg.ReconcileMissing,
		BatchSize:        cfg.ReconcileBatchSize,
		CompletedWindow:  cfg.CompletedWindow(),
		Rewrites:         cfg.Rewrites(),
	}, stashClient, plexClient, q, times)

	w := worker.New(cfg, worker.Deps{
		Queue:    q,
		DLQ:      dead,
		Breaker:  cb,
		Outages:  hist,
		Recovery: rec,
		Stats:    st,
		Times:    times,
		Pending:  pending.New(),
		Plex:     plexClient,
	})

	d := &hook.Dispatcher{
		Config:    cfg,
		Queue:     q,
		DLQ:       dead,
		Breaker:   cb,
		Outages:   hist,
		Recovery:  rec,
		Stats:     st,
		Times:     times,
		Scenes:    stashClient,
		Engine:    engine,
		Scheduler: reconcile.LoadScheduler(cfg.ReconcileStatePath()),
		Prober:    plexClient,
		Drainer:   w,
	}

	out, err := d.Run(ctx, mode, args)
	if err != nil {
		logging.Error().Err(err).Str("mode", mode).Msg("Task failed")
		fmt.Printf("Task %s failed: %v\n", mode, err)
		return
	}
	fmt.Println(out)
}

// runSharedTask handles a task mode while a worker owns the stores. Sync
// tasks spool for the worker; reporting tasks read state files; the rest
// report that they need exclusive access.
func runSharedTask(ctx context.Context, cfg *config.Config, mode string, args map[string]interface{}) {
	d := &hook.SharedDispatcher{
		Config: cfg,
		Scenes: stash.NewClient(stash.Config{
			BaseURL: cfg.StashURL,
			APIKey:  cfg.StashAPIKey,
			Timeout: cfg.ReadTimeout(),
		}),
		Times: synctime.Load(cfg.SyncTimestampsPath()),
		Prober: plex.NewClient(plex.Config{
			BaseURL:        cfg.PlexURL,
			Token:          cfg.PlexToken,
			ConnectTimeout: cfg.ConnectTimeout(),
			ReadTimeout:    cfg.ReadTimeout(),
		}),
		Outages: outage.Load(cfg.OutageHistoryPath()),
	}

	out, err := d.Run(ctx, mode, args)
	if err != nil {
		logging.Error().Err(err).Str("mode", mode).Msg("Task failed")
		fmt.Printf("Task %s failed: %v\n", mode, err)
		return
	}
	fmt.Println(out)
}

// runServe runs the supervised worker process until SIGINT/SIGTERM.
func runServe(cfg *config.Config) int {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create data dir %s: %v\n", cfg.DataDir, err)
		return 1
	}

	lock, err := state.AcquireLock(cfg.WorkerLockPath())
	if err != nil {
		logging.Error().Err(err).Msg("Another worker holds the lock")
		return 1
	}
	defer lock.Release()

	deviceID, err := state.DeviceIdentity(cfg.DeviceIdentityPath())
	if err != nil {
		logging.Warn().Err(err).Msg("Device identity unavailable")
	}

	q, err := queue.Open(queue.Config{Path: cfg.QueuePath(), SyncWrites: true})
	if err != nil {
		logging.Error().Err(err).Msg("Open queue")
		return 1
	}
	defer q.Close()

	dead, err := dlq.Open(dlq.Config{Path: cfg.DLQPath(), SyncWrites: true})
	if err != nil {
		logging.Error().Err(err).Msg("Open dead-letter store")
		return 1
	}
	defer dead.Close()

	hist := outage.Load(cfg.OutageHistoryPath())
	bcfg := breaker.DefaultConfig(cfg.BreakerStatePath())
	bcfg.OnOpen = hist.RecordOutageStart
	bcfg.OnClose = hist.RecordOutageEnd
	cb := breaker.New(bcfg)

	pend := pending.New()
	if ids, err := q.QueuedSceneIDs(0); err != nil {
		logging.Warn().Err(err).Msg("Pending set rebuild failed, starting empty")
	} else {
		pend.Rebuild(ids)
	}

	rec := recovery.Load(cfg.RecoveryStatePath())
	st := stats.Load(cfg.StatsPath())
	times := synctime.Load(cfg.SyncTimestampsPath())

	plexClient := plex.NewClient(plex.Config{
		BaseURL:        cfg.PlexURL,
		Token:          cfg.PlexToken,
		ConnectTimeout: cfg.ConnectTimeout(),
		ReadTimeout:    cfg.ReadTimeout(),
	})
	stashClient := stash.NewClient(stash.Config{
		BaseURL: cfg.StashURL,
		APIKey:  cfg.StashAPIKey,
		Timeout: cfg.ReadTimeout(),
	})

	engine := reconcile.NewEngine(reconcile.Config{
		Sections:         cfg.PlexLibrary,
		ReconcileMissing: cfg.ReconcileMissing,
		BatchSize:        cfg.ReconcileBatchSize,
		CompletedWindow:  cfg.CompletedWindow(),
		Rewrites:         cfg.Rewrites(),
	}, stashClient, plexClient, q, times)
	sched := reconcile.LoadScheduler(cfg.ReconcileStatePath())

	w := worker.New(cfg, worker.Deps{
		Queue:    q,
		DLQ:      dead,
		Breaker:  cb,
		Outages:  hist,
		Recovery: rec,
		Stats:    st,
		Times:    times,
		Pending:  pend,
		Plex:     plexClient,

		Reconcile:      engine,
		ReconcileSched: sched,
	})

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	tree.AddPipelineService(w)

	if cfg.ListenAddr != "" {
		router := api.NewRouter(api.Deps{
			Queue:     q,
			DLQ:       dead,
			Breaker:   cb,
			Outages:   hist,
			Recovery:  rec,
			Stats:     st,
			Scheduler: sched,
		})
		tree.AddAPIService(supervisor.NewHTTPService(&http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("device_id", deviceID).
		Str("listen_addr", cfg.ListenAddr).
		Msg("Stash2Plex worker starting")

	errCh := tree.ServeBackground(ctx)
	<-ctx.Done()
	logging.Info().Msg("Shutdown signal received, draining")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree exited with error")
		}
	case <-time.After(30 * time.Second):
		if report, reportErr := tree.UnstoppedServiceReport(); reportErr == nil {
			for _, svc := range report {
				logging.Warn().Str("service", fmt.Sprintf("%v", svc)).Msg("Service did not stop in time")
			}
		}
	}

	logging.Info().Msg("Stash2Plex worker stopped")
	return 0
}
