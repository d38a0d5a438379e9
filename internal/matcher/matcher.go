// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package matcher resolves a Stash scene's file path to a Plex library item.
// Three strategies run in order, strictest first: exact path, filename,
// case-insensitive filename. The first strategy with any matches decides
// the outcome; a unique match is HIGH confidence, multiple matches are LOW.
package matcher

import (
	"path"
	"strings"

	"github.com/stash2plex/stash2plex/internal/metrics"
)

// Confidence is a match outcome.
type Confidence string

const (
	ConfidenceHigh Confidence = "HIGH"
	ConfidenceLow  Confidence = "LOW"
	ConfidenceFail Confidence = "FAIL"
)

// Candidate is one Plex item a path could resolve to.
type Candidate struct {
	RatingKey   string
	Title       string
	Path        string
	SectionName string
}

// Result is a matcher outcome. Match is set only for HIGH; Candidates
// carries the full ambiguity list for LOW.
type Result struct {
	Confidence Confidence
	Match      *Candidate
	Candidates []Candidate
}

// Rewrite is one path-prefix substitution rule for Stash-vs-Plex mount
// divergence.
type Rewrite struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ApplyRewrites rewrites a path's prefix using the first matching rule.
func ApplyRewrites(filePath string, rules []Rewrite) string {
	for _, r := range rules {
		if r.From != "" && strings.HasPrefix(filePath, r.From) {
			return r.To + strings.TrimPrefix(filePath, r.From)
		}
	}
	return filePath
}

// Index holds one library section's items keyed for the three strategies.
type Index struct {
	byPath          map[string][]Candidate
	byFilename      map[string][]Candidate
	byLowerFilename map[string][]Candidate
}

// NewIndex builds a section index. A candidate per media part path is
// expected; items with several files appear once per file.
func NewIndex(candidates []Candidate) *Index {
	ix := &Index{
		byPath:          make(map[string][]Candidate),
		byFilename:      make(map[string][]Candidate),
		byLowerFilename: make(map[string][]Candidate),
	}
	for _, c := range candidates {
		name := path.Base(c.Path)
		ix.byPath[c.Path] = append(ix.byPath[c.Path], c)
		ix.byFilename[name] = append(ix.byFilename[name], c)
		lower := strings.ToLower(name)
		ix.byLowerFilename[lower] = append(ix.byLowerFilename[lower], c)
	}
	return ix
}

// candidatesFor returns a strategy's matches within this section.
func (ix *Index) candidatesFor(strategy int, filePath string) []Candidate {
	switch strategy {
	case 0:
		return ix.byPath[filePath]
	case 1:
		return ix.byFilename[path.Base(filePath)]
	default:
		return ix.byLowerFilename[strings.ToLower(path.Base(filePath))]
	}
}

// FindAcrossSections resolves a file path against every configured section.
// Rewrite rules apply before matching. Zero configured sections fails
// outright; callers treat FAIL as NotFound.
func FindAcrossSections(sections map[string]*Index, filePath string, rules []Rewrite) Result {
	filePath = ApplyRewrites(filePath, rules)

	if len(sections) == 0 {
		metrics.MatchConfidence.WithLabelValues(string(ConfidenceFail)).Inc()
		return Result{Confidence: ConfidenceFail}
	}

	for strategy := 0; strategy < 3; strategy++ {
		var found []Candidate
		for _, ix := range sections {
			found = append(found, ix.candidatesFor(strategy, filePath)...)
		}
		switch {
		case len(found) == 1:
			metrics.MatchConfidence.WithLabelValues(string(ConfidenceHigh)).Inc()
			return Result{Confidence: ConfidenceHigh, Match: &found[0], Candidates: found}
		case len(found) > 1:
			metrics.MatchConfidence.WithLabelValues(string(ConfidenceLow)).Inc()
			return Result{Confidence: ConfidenceLow, Candidates: found}
		}
	}

	metrics.MatchConfidence.WithLabelValues(string(ConfidenceFail)).Inc()
	return Result{Confidence: ConfidenceFail}
}
