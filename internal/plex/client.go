// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

/*
client.go - Plex HTTP Transport

This file provides the HTTP transport for the Plex Media Server API with
consistent configuration.

Request Configuration:
  - Authentication: X-Plex-Token header on all requests
  - JSON Accept: Accept: application/json header on read requests
  - Rate Limiting: client-side limiter plus automatic retry on HTTP 429
  - Status Validation: non-2xx responses become classified HTTP errors
*/
package plex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/stash2plex/stash2plex/internal/errclass"
	"github.com/stash2plex/stash2plex/internal/logging"
	"github.com/stash2plex/stash2plex/internal/metrics"
)

// identityTimeout caps the health probe so an unresponsive server is
// detected quickly even with generous read timeouts configured.
const identityTimeout = 5 * time.Second

// Config holds Plex connection settings.
type Config struct {
	BaseURL        string
	Token          string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// RequestsPerSecond caps outbound request rate. Zero disables the
	// client-side limiter; 429 retry still applies.
	RequestsPerSecond float64
}

// Client is a Plex Media Server API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a Plex client.
func NewClient(cfg Config) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = readTimeout

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout:   connectTimeout + readTimeout,
			Transport: transport,
		},
		limiter: limiter,
	}
}

// requestConfig holds configuration for building HTTP requests.
type requestConfig struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	acceptJSON  bool
	timeout     time.Duration
}

// doRequest executes a Plex API request and decodes the JSON response into
// result when non-nil. Non-2xx statuses return an errclass.HTTPError so
// the worker's classifier sees the real status code.
func (c *Client) doRequest(ctx context.Context, cfg requestConfig, result interface{}) error {
	if cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	reqURL := fmt.Sprintf("%s%s", c.baseURL, cfg.path)

	var body io.Reader = http.NoBody
	if len(cfg.body) > 0 {
		body = bytes.NewReader(cfg.body)
	}
	req, err := http.NewRequestWithContext(ctx, cfg.method, reqURL, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Plex-Token", c.token)
	if cfg.acceptJSON {
		req.Header.Set("Accept", "application/json")
	}
	if cfg.contentType != "" {
		req.Header.Set("Content-Type", cfg.contentType)
	}
	if len(cfg.query) > 0 {
		req.URL.RawQuery = cfg.query.Encode()
	}

	resp, err := c.doRequestWithRateLimit(req, cfg.body)
	if err != nil {
		metrics.PlexRequests.WithLabelValues("error").Inc()
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.PlexRequests.WithLabelValues("error").Inc()
		return &errclass.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        req.URL.Redacted(),
		}
	}

	metrics.PlexRequests.WithLabelValues("success").Inc()

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// doJSONRequest is a convenience wrapper for JSON GET requests.
func (c *Client) doJSONRequest(ctx context.Context, path string, result interface{}) error {
	return c.doRequest(ctx, requestConfig{
		method:     http.MethodGet,
		path:       path,
		acceptJSON: true,
	}, result)
}

// doJSONRequestWithQuery is a convenience wrapper for JSON GET requests
// with query parameters.
func (c *Client) doJSONRequestWithQuery(ctx context.Context, path string, query url.Values, result interface{}) error {
	return c.doRequest(ctx, requestConfig{
		method:     http.MethodGet,
		path:       path,
		query:      query,
		acceptJSON: true,
	}, result)
}

// doRequestWithRateLimit executes an HTTP request with automatic retry on
// HTTP 429, honoring the Retry-After header when present. The request body
// is re-supplied on each retry.
func (c *Client) doRequestWithRateLimit(req *http.Request, body []byte) (*http.Response, error) {
	const maxRetries = 5
	baseDelay := 1 * time.Second

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 && len(body) > 0 {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("execute request: %w", err)
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		resp.Body.Close()
		metrics.PlexRequests.WithLabelValues("rate_limited").Inc()

		if attempt == maxRetries {
			return nil, fmt.Errorf("rate limit exceeded after %d retries", maxRetries)
		}

		retryDelay := baseDelay * (1 << attempt)
		if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
				retryDelay = seconds
			}
		}

		logging.Warn().
			Dur("retry_delay", retryDelay).
			Int("attempt", attempt+1).
			Int("max_retries", maxRetries).
			Msg("Plex API rate limited (HTTP 429), retrying")

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(retryDelay):
		}
	}

	return nil, fmt.Errorf("unreachable: rate limit retry loop exited")
}
