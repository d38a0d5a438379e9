// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package outage tracks Plex outage episodes: when the circuit breaker
// opened, when it closed again, and the reliability figures (MTTR, MTBF)
// derived from them. The history is persisted to JSON so outage records
// survive restarts.
package outage

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/state"
)

// maxRecords bounds the persisted history; the oldest records roll off.
const maxRecords = 100

// Record is one outage episode. EndedAt is nil while the outage is
// ongoing; DurationSec is set when it ends.
type Record struct {
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	FirstErrorKind string     `json:"first_error_kind"`
	DurationSec    *float64   `json:"duration_sec,omitempty"`
}

// History is the persisted outage log. The worker is the only writer;
// the mutex lets status views read concurrently.
type History struct {
	path string

	mu      sync.Mutex
	records []Record
}

// Load reads the history file, starting empty when missing or corrupt.
func Load(path string) *History {
	h := &History{path: path}
	var records []Record
	if state.LoadJSON(path, &records) {
		h.records = records
	}
	return h
}

// RecordOutageStart opens a new outage episode. An already-open episode is
// left alone; the breaker cannot open twice without closing in between, so
// a duplicate start means a stale file and the existing record wins.
func (h *History) RecordOutageStart(startedAt time.Time, firstErrorKind string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.records); n > 0 && h.records[n-1].EndedAt == nil {
		logging.Warn().
			Time("existing_start", h.records[n-1].StartedAt).
			Msg("Outage start recorded while previous outage still open")
		return
	}

	h.records = append(h.records, Record{
		StartedAt:      startedAt.UTC(),
		FirstErrorKind: firstErrorKind,
	})
	if len(h.records) > maxRecords {
		h.records = h.records[len(h.records)-maxRecords:]
	}
	h.persistLocked()

	logging.Warn().
		Time("started_at", startedAt).
		Str("first_error_kind", firstErrorKind).
		Msg("Plex outage started")
}

// RecordOutageEnd closes the open episode. A missing open episode is a
// no-op: the breaker can close after a restart that lost the start.
func (h *History) RecordOutageEnd(endedAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.records)
	if n == 0 || h.records[n-1].EndedAt != nil {
		return
	}

	rec := &h.records[n-1]
	ended := endedAt.UTC()
	rec.EndedAt = &ended
	dur := ended.Sub(rec.StartedAt).Seconds()
	rec.DurationSec = &dur
	h.persistLocked()

	logging.Info().
		Time("ended_at", endedAt).
		Float64("duration_sec", dur).
		Msg("Plex outage ended")
}

// Records returns a copy of the history, oldest first.
func (h *History) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}

// MTTR returns the mean time to recovery over completed outages, zero when
// none have completed.
func (h *History) MTTR() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	var total float64
	count := 0
	for _, rec := range h.records {
		if rec.DurationSec == nil {
			continue
		}
		total += *rec.DurationSec
		count++
	}
	if count == 0 {
		return 0
	}
	return time.Duration(total / float64(count) * float64(time.Second))
}

// MTBF returns the mean time between failures, measured as the uptime
// between one outage's end and the next outage's start. At least two
// outages are needed for one interval; zero otherwise.
func (h *History) MTBF() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	var total time.Duration
	count := 0
	for i := 1; i < len(h.records); i++ {
		prev := h.records[i-1]
		if prev.EndedAt == nil {
			continue
		}
		up := h.records[i].StartedAt.Sub(*prev.EndedAt)
		if up < 0 {
			continue
		}
		total += up
		count++
	}
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}

// Summary renders the history for the outage report task. breakerClosed
// lets an orphaned open record display as resolved without rewriting the
// file; only RecordOutageEnd mutates history.
func (h *History) Summary(breakerClosed bool) string {
	records := h.Records()
	if len(records) == 0 {
		return "No outages recorded."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Outage history (%d episodes):\n", len(records))
	for i, rec := range records {
		fmt.Fprintf(&b, "%3d. %s  kind=%s  ", i+1,
			rec.StartedAt.Format(time.RFC3339), rec.FirstErrorKind)
		switch {
		case rec.EndedAt != nil:
			fmt.Fprintf(&b, "duration=%s\n", formatDuration(*rec.DurationSec))
		case breakerClosed:
			b.WriteString("resolved — breaker closed\n")
		default:
			b.WriteString("ONGOING\n")
		}
	}
	if mttr := h.MTTR(); mttr > 0 {
		fmt.Fprintf(&b, "MTTR: %s\n", mttr.Round(time.Second))
	}
	if mtbf := h.MTBF(); mtbf > 0 {
		fmt.Fprintf(&b, "MTBF: %s\n", mtbf.Round(time.Second))
	}
	return b.String()
}

func formatDuration(sec float64) string {
	return time.Duration(sec * float64(time.Second)).Round(time.Second).String()
}

// persistLocked writes the history; failures are logged and swallowed.
func (h *History) persistLocked() {
	if h.path == "" {
		return
	}
	if err := state.SaveJSON(h.path, h.records); err != nil {
		logging.Error().Err(err).Str("path", h.path).Msg("Failed to persist outage history")
	}
}
