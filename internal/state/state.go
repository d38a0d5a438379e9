// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package state provides the shared persistence primitives for the pipeline:
// atomic JSON state files, the worker advisory lock, and the device identity
// file. Every state file is written via temp-file + atomic rename so a crash
// mid-write never leaves a partially written file behind. Readers that find
// corrupt JSON log a warning and fall back to defaults; they never fail.
package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"

	"github.com/stash2plex/stash2plex/internal/logging"
)

// ErrLockHeld is returned when the worker advisory lock is already held by
// another process.
var ErrLockHeld = errors.New("worker lock already held")

// SaveJSON atomically writes v as indented JSON to path.
func SaveJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write state file %s: %w", filepath.Base(path), err)
	}
	return nil
}

// LoadJSON reads path into v. Returns false when the file does not exist or
// contains corrupt JSON; corrupt files are logged at warn level and the
// caller is expected to proceed with defaults.
func LoadJSON(path string, v interface{}) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.Warn().Err(err).Str("file", filepath.Base(path)).Msg("State file unreadable, using defaults")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		logging.Warn().Err(err).Str("file", filepath.Base(path)).Msg("State file corrupt, using defaults")
		return false
	}
	return true
}

// Lock is the advisory lock that guards "there is already a worker".
type Lock struct {
	fl *flock.Flock
}

// AcquireLock takes the worker advisory lock without blocking.
// Returns ErrLockHeld when another process owns it.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire worker lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{fl: fl}, nil
}

// Release drops the advisory lock.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// DeviceIdentity returns the persisted device UUID used to identify this
// pipeline in Plex's known-devices list, creating the file on first use.
func DeviceIdentity(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr == nil {
			return id, nil
		}
		logging.Warn().Str("file", filepath.Base(path)).Msg("Device identity corrupt, regenerating")
	}

	id := uuid.New().String()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create identity dir: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write device identity: %w", err)
	}
	return id, nil
}
