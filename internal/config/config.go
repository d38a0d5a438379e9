// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package config loads pipeline settings from layered sources with clear
// precedence: env vars > plugin settings (hook envelope) > config file >
// built-in defaults. Keys are flat because Stash plugin settings are flat.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/stash2plex/stash2plex/internal/matcher"
)

// DefaultConfigPaths lists where a config file is searched, first hit wins.
var DefaultConfigPaths = []string{
	"stash2plex.yaml",
	"stash2plex.yml",
	"/etc/stash2plex/config.yaml",
	"/etc/stash2plex/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "STASH2PLEX_CONFIG"

// envPrefix namespaces environment variable overrides.
const envPrefix = "STASH2PLEX_"

// Config holds every pipeline setting.
type Config struct {
	PlexURL     string   `koanf:"plex_url" validate:"required,url"`
	PlexToken   string   `koanf:"plex_token" validate:"required"`
	PlexLibrary []string `koanf:"plex_library" validate:"required,min=1"`

	StashURL    string `koanf:"stash_url"`
	StashAPIKey string `koanf:"stash_api_key"`

	DataDir    string `koanf:"data_dir" validate:"required"`
	ListenAddr string `koanf:"listen_addr"`

	// Per-field sync toggles.
	SyncTitle      bool `koanf:"sync_title"`
	SyncStudio     bool `koanf:"sync_studio"`
	SyncPerformers bool `koanf:"sync_performers"`
	SyncTags       bool `koanf:"sync_tags"`
	SyncDetails    bool `koanf:"sync_details"`
	SyncDate       bool `koanf:"sync_date"`
	SyncRating     bool `koanf:"sync_rating"`
	SyncArtwork    bool `koanf:"sync_artwork"`

	MaxRetries        int  `koanf:"max_retries" validate:"min=0"`
	PollIntervalSec   int  `koanf:"poll_interval_sec" validate:"min=1"`
	ConnectTimeoutSec int  `koanf:"connect_timeout_sec" validate:"min=1"`
	ReadTimeoutSec    int  `koanf:"read_timeout_sec" validate:"min=1"`
	StrictMatching    bool `koanf:"strict_matching"`
	PreservePlexEdits bool `koanf:"preserve_plex_edits"`

	ReconcileInterval  string `koanf:"reconcile_interval" validate:"oneof=never hourly daily weekly"`
	ReconcileScope     string `koanf:"reconcile_scope" validate:"oneof=all 24h 7days"`
	ReconcileMissing   bool   `koanf:"reconcile_missing"`
	ReconcileBatchSize int    `koanf:"reconcile_batch_size" validate:"min=1"`

	DLQRetentionDays     int  `koanf:"dlq_retention_days" validate:"min=0"`
	CompletedWindowHours int  `koanf:"completed_window_hours" validate:"min=0"`
	TriggerPlexScan      bool `koanf:"trigger_plex_scan"`

	// PathRewrites maps Stash path prefixes to Plex ones, each entry as
	// "from=>to", applied in order with first match winning.
	PathRewrites []string `koanf:"path_rewrites"`

	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`
}

// defaultConfig returns the built-in defaults applied before any source.
func defaultConfig() *Config {
	return &Config{
		DataDir: defaultDataDir(),

		SyncTitle:      true,
		SyncStudio:     true,
		SyncPerformers: true,
		SyncTags:       true,
		SyncDetails:    true,
		SyncDate:       true,
		SyncRating:     true,
		SyncArtwork:    true,

		MaxRetries:        5,
		PollIntervalSec:   1,
		ConnectTimeoutSec: 10,
		ReadTimeoutSec:    30,

		ReconcileInterval:  "never",
		ReconcileScope:     "24h",
		ReconcileMissing:   true,
		ReconcileBatchSize: 100,

		DLQRetentionDays:     30,
		CompletedWindowHours: 24,

		LogLevel:  "info",
		LogFormat: "json",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stash2plex"
	}
	return filepath.Join(home, ".stash2plex")
}

// Load builds the configuration from all layers. pluginSettings carries
// the flat settings object from the Stash hook envelope; nil is fine for
// task mode.
func Load(pluginSettings map[string]interface{}) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	if len(pluginSettings) > 0 {
		if err := k.Load(confmap.Provider(pluginSettings, "."), nil); err != nil {
			return nil, fmt.Errorf("load plugin settings: %w", err)
		}
	}

	envProvider := env.Provider(envPrefix, ".", func(key string) string {
		return strings.ToLower(strings.TrimPrefix(key, envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// sliceConfigPaths lists flat keys that accept comma-separated strings.
var sliceConfigPaths = []string{
	"plex_library",
	"path_rewrites",
}

// processSliceFields converts comma-separated strings into slices, since
// plugin settings and env vars deliver strings where YAML delivers lists.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// fieldKeys maps struct field names to their flat config keys for error
// messages. Only validated fields need entries.
var fieldKeys = map[string]string{
	"PlexURL":              "plex_url",
	"PlexToken":            "plex_token",
	"PlexLibrary":          "plex_library",
	"DataDir":              "data_dir",
	"MaxRetries":           "max_retries",
	"PollIntervalSec":      "poll_interval_sec",
	"ConnectTimeoutSec":    "connect_timeout_sec",
	"ReadTimeoutSec":       "read_timeout_sec",
	"ReconcileInterval":    "reconcile_interval",
	"ReconcileScope":       "reconcile_scope",
	"ReconcileBatchSize":   "reconcile_batch_size",
	"DLQRetentionDays":     "dlq_retention_days",
	"CompletedWindowHours": "completed_window_hours",
}

// Validate checks the configuration, turning validator output into errors
// that name the offending keys so a misconfigured plugin is diagnosable
// from the message alone.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	validationErrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return fmt.Errorf("configuration validation: %w", err)
	}

	var problems []string
	for _, fieldErr := range validationErrs {
		key, ok := fieldKeys[fieldErr.StructField()]
		if !ok {
			key = strings.ToLower(fieldErr.StructField())
		}
		switch fieldErr.Tag() {
		case "required":
			problems = append(problems, fmt.Sprintf("missing required setting %q", key))
		case "url":
			problems = append(problems, fmt.Sprintf("setting %q must be a valid URL", key))
		case "oneof":
			problems = append(problems, fmt.Sprintf("setting %q must be one of: %s", key, fieldErr.Param()))
		case "min":
			problems = append(problems, fmt.Sprintf("setting %q is below its minimum (%s)", key, fieldErr.Param()))
		default:
			problems = append(problems, fmt.Sprintf("setting %q failed %s validation", key, fieldErr.Tag()))
		}
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
}

// ConnectTimeout returns the dial timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// ReadTimeout returns the response timeout as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSec) * time.Second
}

// PollInterval returns the queue poll timeout as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// DLQRetention returns the dead-letter retention as a duration.
func (c *Config) DLQRetention() time.Duration {
	return time.Duration(c.DLQRetentionDays) * 24 * time.Hour
}

// CompletedWindow returns the dedup window for completed jobs.
func (c *Config) CompletedWindow() time.Duration {
	return time.Duration(c.CompletedWindowHours) * time.Hour
}

// Rewrites parses the configured "from=>to" path rewrite rules. Malformed
// entries are skipped.
func (c *Config) Rewrites() []matcher.Rewrite {
	var rules []matcher.Rewrite
	for _, raw := range c.PathRewrites {
		from, to, ok := strings.Cut(raw, "=>")
		if !ok {
			continue
		}
		from = strings.TrimSpace(from)
		to = strings.TrimSpace(to)
		if from == "" {
			continue
		}
		rules = append(rules, matcher.Rewrite{From: from, To: to})
	}
	return rules
}

// Data directory layout. Every piece of persistent state lives under
// DataDir so one directory holds the whole pipeline's footprint.

func (c *Config) QueuePath() string          { return filepath.Join(c.DataDir, "queue") }
func (c *Config) DLQPath() string            { return filepath.Join(c.DataDir, "dlq") }
func (c *Config) BreakerStatePath() string   { return filepath.Join(c.DataDir, "circuit_breaker.json") }
func (c *Config) OutageHistoryPath() string  { return filepath.Join(c.DataDir, "outage_history.json") }
func (c *Config) RecoveryStatePath() string  { return filepath.Join(c.DataDir, "recovery_state.json") }
func (c *Config) ReconcileStatePath() string { return filepath.Join(c.DataDir, "reconciliation_state.json") }
func (c *Config) SyncTimestampsPath() string { return filepath.Join(c.DataDir, "sync_timestamps.json") }
func (c *Config) StatsPath() string          { return filepath.Join(c.DataDir, "stats.json") }
func (c *Config) DeviceIdentityPath() string { return filepath.Join(c.DataDir, "device_identity") }
func (c *Config) WorkerLockPath() string     { return filepath.Join(c.DataDir, "worker.lock") }
func (c *Config) SpoolPath() string          { return filepath.Join(c.DataDir, "spool") }
