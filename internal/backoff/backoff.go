// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package backoff computes retry schedules per error kind. Delays grow
// exponentially up to a per-kind cap and carry full jitter bounded below at
// 50% so concurrent retries spread out without ever collapsing to zero.
package backoff

import (
	"math/rand/v2"
	"time"

	"github.com/stash2plex/stash2plex/internal/errclass"
)

// UnlimitedRetries marks a kind that is never dead-lettered.
const UnlimitedRetries = -1

// Params is the retry policy for one error kind.
type Params struct {
	// Base is the first-retry delay before jitter.
	Base time.Duration

	// Cap bounds the exponential growth.
	Cap time.Duration

	// MaxRetries is the retry budget before the job is dead-lettered.
	// UnlimitedRetries means the job is retried forever.
	MaxRetries int
}

// ForKind returns the retry policy for an error kind.
func ForKind(kind errclass.Kind) Params {
	switch kind {
	case errclass.NotFound:
		// A newly added file may still be scanning; give Plex a long window.
		return Params{Base: 30 * time.Second, Cap: 10 * time.Minute, MaxRetries: 12}
	case errclass.ServerDown:
		// Outages end, not jobs.
		return Params{Base: 5 * time.Second, Cap: 60 * time.Second, MaxRetries: UnlimitedRetries}
	case errclass.Permanent:
		return Params{Base: 0, Cap: 0, MaxRetries: 0}
	default:
		return Params{Base: 1 * time.Second, Cap: 60 * time.Second, MaxRetries: 5}
	}
}

// Delay computes the backoff before retry number retryCount (0-based):
// min(cap, base * 2^retryCount) scaled by a uniform jitter factor in
// [0.5, 1.0). rand/v2's generator is process-seeded, so concurrent callers
// never draw identical jitter sequences.
func Delay(retryCount int, p Params) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}

	delay := p.Cap
	// Beyond 62 doublings any int64 base has saturated the cap.
	if retryCount < 62 {
		exp := p.Base << uint(retryCount)
		if exp > 0 && exp < p.Cap {
			delay = exp
		}
	}

	jitter := 0.5 + rand.Float64()/2
	return time.Duration(float64(delay) * jitter)
}

// Exhausted reports whether a job with the given retry count has used up its
// budget for the kind.
func Exhausted(retryCount int, p Params) bool {
	if p.MaxRetries == UnlimitedRetries {
		return false
	}
	return retryCount >= p.MaxRetries
}
