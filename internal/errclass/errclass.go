// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package errclass maps errors raised while talking to Plex into the four
// kinds that drive the worker's retry policy: Transient, ServerDown,
// NotFound, and Permanent. ServerDown and NotFound are distinguished
// transients: ServerDown failures never count against retry limits, and
// NotFound gets a much longer retry window because Plex may still be
// scanning a newly added file.
package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Kind is the error classification driving retry, backoff, and DLQ routing.
type Kind int

const (
	// Transient errors are retried with standard exponential backoff.
	Transient Kind = iota

	// ServerDown means Plex itself is unreachable. It opens the circuit
	// breaker and is retried forever: outages end, not jobs.
	ServerDown

	// NotFound means Plex answered but the target does not exist yet,
	// typically because a scan is still in flight. Retried on a long window.
	NotFound

	// Permanent errors reflect the payload, not Plex health. The job goes
	// straight to the dead-letter store.
	Permanent
)

// String returns the canonical kind name used in DLQ entries and logs.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "Transient"
	case ServerDown:
		return "ServerDown"
	case NotFound:
		return "NotFound"
	case Permanent:
		return "Permanent"
	default:
		return "Unknown"
	}
}

// IsTransient reports whether the kind permits a retry at all.
// ServerDown and NotFound are specializations of Transient.
func (k Kind) IsTransient() bool {
	return k != Permanent
}

// ParseKind maps a stored kind name back to its Kind. Unknown names map to
// Transient, the safe default that still allows retry.
func ParseKind(name string) Kind {
	switch name {
	case "ServerDown":
		return ServerDown
	case "NotFound":
		return NotFound
	case "Permanent":
		return Permanent
	default:
		return Transient
	}
}

// HTTPError carries a non-2xx response from Plex or Stash so the classifier
// can route on the status code.
type HTTPError struct {
	StatusCode int
	Status     string
	URL        string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("unexpected status %d %s from %s", e.StatusCode, e.Status, e.URL)
}

// ClassifyHTTPStatus maps an HTTP status code to an error kind.
func ClassifyHTTPStatus(code int) Kind {
	switch code {
	case 429, 500, 502, 503, 504:
		return Transient
	case 400, 401, 403, 405, 410, 422:
		return Permanent
	case 404:
		// Plex may be mid-scan; the item can appear later.
		return NotFound
	}
	switch {
	case code >= 400 && code < 500:
		return Permanent
	case code >= 500:
		return Transient
	default:
		return Transient
	}
}

// serverDownFragments are substrings that identify an unreachable server in
// wrapped error text when the typed checks below do not match.
var serverDownFragments = []string{
	"connection refused",
	"econnrefused",
	"no such host",
	"network is unreachable",
	"host is down",
	"no route to host",
}

// Classify maps an error raised during a Plex operation to its kind.
//
// Order matters: connection-level failures are checked before generic
// network errors so an unreachable server is never mistaken for an
// ordinary timeout, and an embedded HTTP response always wins over
// message-text heuristics.
func Classify(err error) Kind {
	if err == nil {
		return Transient
	}

	// An HTTP response means the server is up; delegate to the status table.
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return ClassifyHTTPStatus(httpErr.StatusCode)
	}

	if isServerDown(err) {
		return ServerDown
	}

	// Timeouts and other network/OS-level failures retry normally.
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	var sysErr syscall.Errno
	if errors.As(err, &sysErr) {
		return Transient
	}

	if isValidation(err) {
		return Permanent
	}

	// Unknown errors retry: dropping a job on a novel error is worse than
	// one extra round through the queue.
	return Transient
}

// isServerDown detects connection-refused, DNS failure, and unreachable-host
// conditions.
func isServerDown(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range serverDownFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// isValidation detects value, validation, and type errors in the payload.
func isValidation(err error) bool {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		return true
	}
	var invalidValidation *validator.InvalidValidationError
	if errors.As(err, &invalidValidation) {
		return true
	}
	var numErr *strconv.NumError
	if errors.As(err, &numErr) {
		return true
	}
	var jsonType *json.UnmarshalTypeError
	if errors.As(err, &jsonType) {
		return true
	}
	var jsonSyntax *json.SyntaxError
	if errors.As(err, &jsonSyntax) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Op == "parse" {
		return true
	}
	return false
}
