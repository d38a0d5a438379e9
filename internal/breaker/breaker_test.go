// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package breaker

import (
	"path/filepath"
	"testing"
	"time"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "circuit_breaker.json"))
	cfg.RecoveryTimeout = 50 * time.Millisecond
	return cfg
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := New(testConfig(t))
	for i := 0; i < 4; i++ {
		b.RecordFailure("Transient")
	}
	if b.State() != StateClosed {
		t.Fatalf("state after 4 failures = %s, want CLOSED", b.State())
	}
	b.RecordFailure("Transient")
	if b.State() != StateOpen {
		t.Fatalf("state after 5 failures = %s, want OPEN", b.State())
	}
	if b.CanExecute() {
		t.Error("CanExecute must be false while OPEN")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	t.Parallel()

	b := New(testConfig(t))
	for i := 0; i < 4; i++ {
		b.RecordFailure("Transient")
	}
	b.RecordSuccess()
	for i := 0; i < 4; i++ {
		b.RecordFailure("Transient")
	}
	if b.State() != StateClosed {
		t.Errorf("non-consecutive failures opened the breaker: %s", b.State())
	}
}

func TestLazyHalfOpenAfterTimeout(t *testing.T) {
	t.Parallel()

	b := New(testConfig(t))
	for i := 0; i < 5; i++ {
		b.RecordFailure("ServerDown")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}

	time.Sleep(60 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after recovery timeout = %s, want HALF_OPEN", got)
	}
	// HALF_OPEN still gates regular traffic.
	if b.CanExecute() {
		t.Error("CanExecute must be false while HALF_OPEN")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	b := New(testConfig(t))
	for i := 0; i < 5; i++ {
		b.RecordFailure("ServerDown")
	}
	time.Sleep(60 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatal("breaker should be HALF_OPEN")
	}

	before := time.Now().UTC()
	b.RecordFailure("ServerDown")
	st, _, _, openedAt := b.Snapshot()
	if st != StateOpen {
		t.Fatalf("state after probe failure = %s, want OPEN", st)
	}
	// The recovery clock restarts from the probe failure.
	if openedAt == nil || openedAt.Before(before) {
		t.Errorf("openedAt not restarted: %v", openedAt)
	}
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	var closedAt time.Time
	cfg.OnClose = func(at time.Time) { closedAt = at }

	b := New(cfg)
	for i := 0; i < 5; i++ {
		b.RecordFailure("ServerDown")
	}
	time.Sleep(60 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatal("breaker should be HALF_OPEN")
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state after probe success = %s, want CLOSED", b.State())
	}
	if closedAt.IsZero() {
		t.Error("OnClose hook did not fire")
	}
	if !b.CanExecute() {
		t.Error("CanExecute must be true once CLOSED")
	}
}

func TestOnOpenReportsFirstErrorKind(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	var gotKind string
	cfg.OnOpen = func(_ time.Time, kind string) { gotKind = kind }

	b := New(cfg)
	for i := 0; i < 5; i++ {
		b.RecordFailure("ServerDown")
	}
	if gotKind != "ServerDown" {
		t.Errorf("OnOpen kind = %q, want ServerDown", gotKind)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	// Long timeout so the restored breaker is still mid-outage.
	cfg.RecoveryTimeout = time.Hour

	b := New(cfg)
	for i := 0; i < 5; i++ {
		b.RecordFailure("ServerDown")
	}
	if b.State() != StateOpen {
		t.Fatal("breaker should be OPEN")
	}

	restored := New(cfg)
	if restored.State() != StateOpen {
		t.Errorf("restored state = %s, want OPEN", restored.State())
	}
}

func TestRestoredOpenMovesToHalfOpenWhenTimeoutElapsed(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	b := New(cfg)
	for i := 0; i < 5; i++ {
		b.RecordFailure("ServerDown")
	}

	time.Sleep(60 * time.Millisecond)

	// Restart after the outage window: the first read goes HALF_OPEN.
	restored := New(cfg)
	if got := restored.State(); got != StateHalfOpen {
		t.Errorf("restored state = %s, want HALF_OPEN", got)
	}
}

func TestReadStateObservesWithoutMutating(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	b := New(cfg)
	for i := 0; i < 5; i++ {
		b.RecordFailure("ServerDown")
	}

	time.Sleep(60 * time.Millisecond)

	// The recovery timeout has elapsed, but a plain file read must not
	// apply the lazy HALF_OPEN transition or rewrite the state file;
	// that transition belongs to the owning worker.
	st, failures, openedAt := ReadState(cfg.StatePath)
	if st != StateOpen || failures != 5 || openedAt == nil {
		t.Errorf("ReadState() = %s, %d, %v", st, failures, openedAt)
	}
	if st, _, _ := ReadState(cfg.StatePath); st != StateOpen {
		t.Errorf("second read = %s, want still OPEN on disk", st)
	}
}

func TestReadStateMissingFileIsClosed(t *testing.T) {
	t.Parallel()

	st, failures, openedAt := ReadState(filepath.Join(t.TempDir(), "none.json"))
	if st != StateClosed || failures != 0 || openedAt != nil {
		t.Errorf("ReadState() = %s, %d, %v", st, failures, openedAt)
	}
}

func TestMissingStateFileStartsClosed(t *testing.T) {
	t.Parallel()

	b := New(testConfig(t))
	if b.State() != StateClosed {
		t.Errorf("fresh breaker state = %s, want CLOSED", b.State())
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	b := New(testConfig(t))
	for i := 0; i < 5; i++ {
		b.RecordFailure("Transient")
	}
	b.Reset()
	st, failures, _, openedAt := b.Snapshot()
	if st != StateClosed || failures != 0 || openedAt != nil {
		t.Errorf("after reset: state=%s failures=%d openedAt=%v", st, failures, openedAt)
	}
}
