// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package errclass

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
)

func TestClassifyHTTPStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code int
		want Kind
	}{
		{429, Transient},
		{500, Transient},
		{502, Transient},
		{503, Transient},
		{504, Transient},
		{400, Permanent},
		{401, Permanent},
		{403, Permanent},
		{405, Permanent},
		{410, Permanent},
		{422, Permanent},
		{404, NotFound},
		{418, Permanent}, // other 4xx
		{599, Transient}, // other 5xx
		{200, Transient}, // not an error status; safe default
	}
	for _, tc := range cases {
		if got := ClassifyHTTPStatus(tc.code); got != tc.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestClassifyConnectionRefused(t *testing.T) {
	t.Parallel()

	cases := []error{
		syscall.ECONNREFUSED,
		&net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED},
		&net.DNSError{Err: "no such host", Name: "plex.local"},
		fmt.Errorf("request failed: %w", syscall.EHOSTUNREACH),
		errors.New("dial tcp 127.0.0.1:32400: connect: connection refused"),
		errors.New("ECONNREFUSED while connecting"),
	}
	for _, err := range cases {
		if got := Classify(err); got != ServerDown {
			t.Errorf("Classify(%v) = %v, want ServerDown", err, got)
		}
	}
}

func TestClassifyTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	if got := Classify(context.DeadlineExceeded); got != Transient {
		t.Errorf("deadline exceeded = %v, want Transient", got)
	}

	timeoutErr := &net.OpError{Op: "read", Net: "tcp", Err: &timeoutError{}}
	if got := Classify(timeoutErr); got != Transient {
		t.Errorf("net timeout = %v, want Transient", got)
	}
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

func TestClassifyHTTPErrorDelegates(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("edit metadata: %w", &HTTPError{StatusCode: 404, Status: "Not Found", URL: "http://plex:32400/library/metadata/1"})
	if got := Classify(err); got != NotFound {
		t.Errorf("wrapped 404 = %v, want NotFound", got)
	}

	err = &HTTPError{StatusCode: 401, Status: "Unauthorized", URL: "http://plex:32400/identity"}
	if got := Classify(err); got != Permanent {
		t.Errorf("401 = %v, want Permanent", got)
	}
}

func TestClassifyUnknownIsTransient(t *testing.T) {
	t.Parallel()

	if got := Classify(errors.New("something odd happened")); got != Transient {
		t.Errorf("unknown error = %v, want Transient", got)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	for _, k := range []Kind{Transient, ServerDown, NotFound, Permanent} {
		if ParseKind(k.String()) != k {
			t.Errorf("ParseKind(%q) did not round-trip", k.String())
		}
	}
	if ParseKind("Garbage") != Transient {
		t.Error("unknown kind name must parse to Transient")
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	if !Transient.IsTransient() || !ServerDown.IsTransient() || !NotFound.IsTransient() {
		t.Error("transient family must report IsTransient")
	}
	if Permanent.IsTransient() {
		t.Error("Permanent must not report IsTransient")
	}
}
