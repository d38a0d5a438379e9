// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

// Package stash is a minimal GraphQL client for the Stash server. It only
// speaks the queries the sync pipeline needs: scene lookups and paged
// scans over recently updated scenes.
package stash

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/stash2plex/stash2plex/internal/errclass"
)

// pageSize is the findScenes page size for full scans.
const pageSize = 100

// Config holds Stash connection settings.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is a Stash GraphQL API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a Stash client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Scene is the slice of a Stash scene the pipeline syncs.
type Scene struct {
	ID         int
	Title      string
	Details    string
	Date       string
	Rating100  int
	Studio     string
	Performers []string
	Tags       []string
	Path       string
	Screenshot string
	UpdatedAt  time.Time
}

// rawScene mirrors the GraphQL response shape before extraction.
type rawScene struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Details   string `json:"details"`
	Date      string `json:"date"`
	Rating100 int    `json:"rating100"`
	UpdatedAt string `json:"updated_at"`
	Studio    *struct {
		Name string `json:"name"`
	} `json:"studio"`
	Performers []struct {
		Name string `json:"name"`
	} `json:"performers"`
	Tags []struct {
		Name string `json:"name"`
	} `json:"tags"`
	Files []struct {
		Path string `json:"path"`
	} `json:"files"`
	Paths *struct {
		Screenshot string `json:"screenshot"`
	} `json:"paths"`
}

const sceneFields = `
id
title
details
date
rating100
updated_at
studio { name }
performers { name }
tags { name }
files { path }
paths { screenshot }
`

// extract converts a raw GraphQL scene into the pipeline shape. Scenes
// with a malformed ID are rejected.
func (r *rawScene) extract() (*Scene, error) {
	id, err := strconv.Atoi(r.ID)
	if err != nil {
		return nil, fmt.Errorf("malformed scene id %q: %w", r.ID, err)
	}

	s := &Scene{
		ID:        id,
		Title:     r.Title,
		Details:   r.Details,
		Date:      r.Date,
		Rating100: r.Rating100,
	}
	if r.Studio != nil {
		s.Studio = r.Studio.Name
	}
	for _, p := range r.Performers {
		s.Performers = append(s.Performers, p.Name)
	}
	for _, t := range r.Tags {
		s.Tags = append(s.Tags, t.Name)
	}
	if len(r.Files) > 0 {
		s.Path = r.Files[0].Path
	}
	if r.Paths != nil {
		s.Screenshot = r.Paths.Screenshot
	}
	if r.UpdatedAt != "" {
		if at, err := time.Parse(time.RFC3339, r.UpdatedAt); err == nil {
			s.UpdatedAt = at.UTC()
		}
	}
	return s, nil
}

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// query executes one GraphQL request and decodes the data payload.
func (c *Client) query(ctx context.Context, q string, vars map[string]interface{}, data interface{}) error {
	body, err := json.Marshal(graphqlRequest{Query: q, Variables: vars})
	if err != nil {
		return fmt.Errorf("marshal graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/graphql", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("ApiKey", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute graphql request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &errclass.HTTPError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        req.URL.Redacted(),
		}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}
	return json.Unmarshal(envelope.Data, data)
}

// FindScene fetches one scene by ID.
func (c *Client) FindScene(ctx context.Context, sceneID int) (*Scene, error) {
	q := fmt.Sprintf(`query FindScene($id: ID!) { findScene(id: $id) { %s } }`, sceneFields)

	var data struct {
		FindScene *rawScene `json:"findScene"`
	}
	if err := c.query(ctx, q, map[string]interface{}{"id": strconv.Itoa(sceneID)}, &data); err != nil {
		return nil, err
	}
	if data.FindScene == nil {
		return nil, fmt.Errorf("scene %d not found in stash", sceneID)
	}
	return data.FindScene.extract()
}

// WalkScenesUpdatedSince streams scenes whose updated_at is at or after
// the cutoff, one bounded page at a time, so callers never hold the whole
// library in memory. A zero cutoff walks every scene; fn errors stop the
// walk. perPage falls back to the client default when not positive.
func (c *Client) WalkScenesUpdatedSince(ctx context.Context, since time.Time, perPage int, fn func([]*Scene) error) error {
	if perPage <= 0 {
		perPage = pageSize
	}

	q := fmt.Sprintf(`query FindScenes($filter: FindFilterType!, $scene_filter: SceneFilterType) {
  findScenes(filter: $filter, scene_filter: $scene_filter) {
    count
    scenes { %s }
  }
}`, sceneFields)

	var sceneFilter map[string]interface{}
	if !since.IsZero() {
		sceneFilter = map[string]interface{}{
			"updated_at": map[string]interface{}{
				"value":    since.UTC().Format(time.RFC3339),
				"modifier": "GREATER_THAN",
			},
		}
	}

	walked := 0
	for page := 1; ; page++ {
		vars := map[string]interface{}{
			"filter": map[string]interface{}{
				"page":      page,
				"per_page":  perPage,
				"sort":      "updated_at",
				"direction": "DESC",
			},
		}
		if sceneFilter != nil {
			vars["scene_filter"] = sceneFilter
		}

		var data struct {
			FindScenes struct {
				Count  int         `json:"count"`
				Scenes []*rawScene `json:"scenes"`
			} `json:"findScenes"`
		}
		if err := c.query(ctx, q, vars, &data); err != nil {
			return err
		}

		scenes := make([]*Scene, 0, len(data.FindScenes.Scenes))
		for _, raw := range data.FindScenes.Scenes {
			scene, err := raw.extract()
			if err != nil {
				return err
			}
			scenes = append(scenes, scene)
		}
		if len(scenes) > 0 {
			if err := fn(scenes); err != nil {
				return err
			}
			walked += len(scenes)
		}

		if len(data.FindScenes.Scenes) == 0 || walked >= data.FindScenes.Count {
			return nil
		}
	}
}

// FindScenesUpdatedSince collects the walk into one slice for callers
// that need the full result.
func (c *Client) FindScenesUpdatedSince(ctx context.Context, since time.Time) ([]*Scene, error) {
	var scenes []*Scene
	err := c.WalkScenesUpdatedSince(ctx, since, pageSize, func(page []*Scene) error {
		scenes = append(scenes, page...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scenes, nil
}
