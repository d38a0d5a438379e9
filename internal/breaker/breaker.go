// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package breaker implements a circuit breaker whose state survives process
// restarts. State is persisted to a JSON file on every transition, so a
// breaker that opened during a Plex outage stays open when the worker comes
// back up mid-outage.
//
// Transitions out of OPEN are lazy: there is no background timer. The first
// State() read after the recovery timeout elapses moves the breaker to
// HALF_OPEN. In HALF_OPEN only the recovery health probe reports outcomes;
// regular job traffic stays gated until the breaker closes.
package breaker

import (
	"sync"
	"time"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/metrics"
	"github.com/stash2plex/stash2plex/internal/state"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the state name used in logs and the persisted file.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

func parseState(s string) State {
	switch s {
	case "HALF_OPEN":
		return StateHalfOpen
	case "OPEN":
		return StateOpen
	default:
		return StateClosed
	}
}

// persistedState is the on-disk breaker snapshot.
type persistedState struct {
	State                string     `json:"state"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// ReadState reads the persisted breaker state without constructing a
// live breaker. Processes that only observe (a task invocation while the
// worker runs) must use this: the live accessors apply the lazy
// OPEN->HALF_OPEN transition and persist it, and that write belongs to
// the worker alone. The lazy transition is not applied here.
func ReadState(statePath string) (State, int, *time.Time) {
	var saved persistedState
	if !state.LoadJSON(statePath, &saved) {
		return StateClosed, 0, nil
	}
	return parseState(saved.State), saved.ConsecutiveFailures, saved.OpenedAt
}

// Config holds breaker thresholds and the persistence path.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker from CLOSED.
	FailureThreshold int

	// SuccessThreshold is the consecutive-success count that closes the
	// breaker from HALF_OPEN.
	SuccessThreshold int

	// RecoveryTimeout is how long the breaker stays OPEN before a State()
	// read moves it to HALF_OPEN.
	RecoveryTimeout time.Duration

	// StatePath is the JSON file the breaker persists to.
	StatePath string

	// OnOpen fires after a CLOSED->OPEN transition with the error kind of
	// the failure that tripped the breaker. Called without the lock held.
	OnOpen func(openedAt time.Time, firstErrorKind string)

	// OnClose fires after a HALF_OPEN->CLOSED transition. Called without
	// the lock held.
	OnClose func(closedAt time.Time)
}

// DefaultConfig returns production thresholds.
func DefaultConfig(statePath string) Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		RecoveryTimeout:  60 * time.Second,
		StatePath:        statePath,
	}
}

// Breaker is a persistent circuit breaker. A single worker goroutine owns
// all mutations; the mutex exists so status views can read concurrently.
type Breaker struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             *time.Time
}

// New restores the breaker from its state file, starting CLOSED when the
// file is missing or unreadable. A restored OPEN breaker whose recovery
// timeout already elapsed moves to HALF_OPEN on the first State() read.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}

	b := &Breaker{cfg: cfg, state: StateClosed}

	var saved persistedState
	if state.LoadJSON(cfg.StatePath, &saved) {
		b.state = parseState(saved.State)
		b.consecutiveFailures = saved.ConsecutiveFailures
		b.consecutiveSuccesses = saved.ConsecutiveSuccesses
		b.openedAt = saved.OpenedAt
		logging.Info().
			Str("state", b.state.String()).
			Int("consecutive_failures", b.consecutiveFailures).
			Msg("[CIRCUIT BREAKER] Restored persisted state")
	}

	metrics.CircuitBreakerState.Set(stateToFloat(b.state))
	return b
}

func stateToFloat(s State) float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return -1
	}
}

// State returns the current state, applying the lazy OPEN->HALF_OPEN
// transition when the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// CanExecute reports whether regular job traffic may proceed. Only CLOSED
// permits jobs; HALF_OPEN admits nothing but the recovery probe.
func (b *Breaker) CanExecute() bool {
	return b.State() == StateClosed
}

// maybeHalfOpenLocked applies the timer-free OPEN->HALF_OPEN transition.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state != StateOpen || b.openedAt == nil {
		return
	}
	if time.Since(*b.openedAt) < b.cfg.RecoveryTimeout {
		return
	}
	b.transitionLocked(StateHalfOpen)
	b.consecutiveSuccesses = 0
	b.persistLocked()
}

// RecordFailure reports a failed Plex operation. kind is the classified
// error kind, recorded so the outage history knows what started an outage.
func (b *Breaker) RecordFailure(kind string) {
	b.mu.Lock()
	b.maybeHalfOpenLocked()

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	var opened *time.Time
	switch b.state {
	case StateHalfOpen:
		// Recovery probe failed: reopen and restart the recovery clock.
		now := time.Now().UTC()
		b.openedAt = &now
		b.transitionLocked(StateOpen)
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			now := time.Now().UTC()
			b.openedAt = &now
			opened = &now
			b.transitionLocked(StateOpen)
		}
	}
	b.persistLocked()
	b.mu.Unlock()

	if opened != nil && b.cfg.OnOpen != nil {
		b.cfg.OnOpen(*opened, kind)
	}
}

// RecordSuccess reports a successful Plex operation or recovery probe.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.maybeHalfOpenLocked()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	var closed *time.Time
	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		now := time.Now().UTC()
		closed = &now
		b.openedAt = nil
		b.transitionLocked(StateClosed)
	}
	b.persistLocked()
	b.mu.Unlock()

	if closed != nil && b.cfg.OnClose != nil {
		b.cfg.OnClose(*closed)
	}
}

// ForceOpen opens the breaker immediately, used when an operator wants to
// pause Plex traffic without waiting for failures to accumulate.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return
	}
	now := time.Now().UTC()
	b.openedAt = &now
	b.transitionLocked(StateOpen)
	b.persistLocked()
}

// Reset returns the breaker to CLOSED and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.openedAt = nil
	if b.state != StateClosed {
		b.transitionLocked(StateClosed)
	}
	b.persistLocked()
}

// Snapshot returns the current counters for status views.
func (b *Breaker) Snapshot() (st State, failures, successes int, openedAt *time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	if b.openedAt != nil {
		t := *b.openedAt
		openedAt = &t
	}
	return b.state, b.consecutiveFailures, b.consecutiveSuccesses, openedAt
}

// transitionLocked changes state and records the transition.
func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	logging.Info().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("consecutive_failures", b.consecutiveFailures).
		Msg("[CIRCUIT BREAKER] State transition")

	metrics.CircuitBreakerState.Set(stateToFloat(to))
	metrics.CircuitBreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
}

// persistLocked writes the current state to disk. Persistence failures are
// logged and swallowed; an unwritable state file must not stop the worker.
func (b *Breaker) persistLocked() {
	if b.cfg.StatePath == "" {
		return
	}
	snapshot := persistedState{
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
	if err := state.SaveJSON(b.cfg.StatePath, snapshot); err != nil {
		logging.Error().Err(err).Str("path", b.cfg.StatePath).Msg("[CIRCUIT BREAKER] Failed to persist state")
	}
}
