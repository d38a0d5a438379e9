// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package sanitize normalizes text for the Plex field model. Sanitization is
// non-rejecting: every input string is acceptable and the result is always
// safe to write. Applying ForPlex twice yields the same result as applying
// it once.
package sanitize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/stash2plex/stash2plex/internal/logging"
)

// DefaultMaxLen is the length bound applied when the caller passes 0.
const DefaultMaxLen = 255

// wordBoundaryRatio is the minimum share of maxLen a word-boundary cut must
// keep before a hard cut is used instead.
const wordBoundaryRatio = 0.8

// asciiFold maps typographic punctuation onto ASCII equivalents.
var asciiFold = strings.NewReplacer(
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"‚", "'", // single low quote
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"„", `"`, // double low quote
	"–", "-", // en dash
	"—", "-", // em dash
	"…", "...", // ellipsis
)

// ForPlex normalizes text for writing into a Plex metadata field:
// Unicode NFC, control and format codepoints stripped, smart punctuation
// folded to ASCII, whitespace collapsed, and the result bounded to maxLen
// runes (preferring a word boundary when the break keeps at least 80% of
// maxLen).
func ForPlex(text string, maxLen int) string {
	if text == "" {
		return text
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	out := norm.NFC.String(text)
	out = strings.Map(dropControlAndFormat, out)
	out = asciiFold.Replace(out)
	out = strings.Join(strings.Fields(out), " ")
	out = truncate(out, maxLen)

	if out != text {
		logging.Debug().Int("in_len", len(text)).Int("out_len", len(out)).Msg("Sanitized text for Plex")
	}
	return out
}

// dropControlAndFormat removes codepoints in the Unicode Cc and Cf
// categories. Tabs and newlines fall under Cc and are removed here; the
// whitespace they separated is re-joined by the caller's Fields pass only
// when a space survives, so they are mapped to a plain space instead.
func dropControlAndFormat(r rune) rune {
	if r == '\t' || r == '\n' || r == '\r' {
		return ' '
	}
	if unicode.Is(unicode.Cc, r) || unicode.Is(unicode.Cf, r) {
		return -1
	}
	return r
}

// truncate bounds s to maxLen runes, preferring the last word boundary when
// that keeps at least wordBoundaryRatio of maxLen.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}

	cut := runes[:maxLen]
	boundary := -1
	for i := len(cut) - 1; i >= 0; i-- {
		if cut[i] == ' ' {
			boundary = i
			break
		}
	}
	if boundary >= int(float64(maxLen)*wordBoundaryRatio) {
		cut = cut[:boundary]
	}
	return strings.TrimRight(string(cut), " ")
}
