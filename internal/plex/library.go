// Stash2Plex - Stash to Plex Metadata Sync Pipeline
// Copyright 2026 Stash2Plex Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/stash2plex/stash2plex

package plex

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
)

// sectionPageSize is the container page size for section listings.
const sectionPageSize = 200

// Identity is the server identity returned by the health probe.
type Identity struct {
	MachineIdentifier string `json:"machineIdentifier"`
	Version           string `json:"version"`
}

type identityResponse struct {
	MediaContainer Identity `json:"MediaContainer"`
}

// Section is one Plex library section.
type Section struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type sectionsResponse struct {
	MediaContainer struct {
		Directory []Section `json:"Directory"`
	} `json:"MediaContainer"`
}

// Tag is a Plex tag entry (genres, actors).
type Tag struct {
	Tag string `json:"tag"`
}

// Part is one media part (a file on disk).
type Part struct {
	File string `json:"file"`
}

// Media is one media element wrapping parts.
type Media struct {
	Part []Part `json:"Part"`
}

// Item is one library item with the fields the sync pipeline compares and
// writes.
type Item struct {
	RatingKey             string  `json:"ratingKey"`
	Title                 string  `json:"title"`
	Summary               string  `json:"summary"`
	Studio                string  `json:"studio"`
	UserRating            float64 `json:"userRating"`
	OriginallyAvailableAt string  `json:"originallyAvailableAt"`
	Media                 []Media `json:"Media"`
	Genre                 []Tag   `json:"Genre"`
	Role                  []Tag   `json:"Role"`
}

// Paths returns every file path behind this item.
func (i *Item) Paths() []string {
	var paths []string
	for _, m := range i.Media {
		for _, p := range m.Part {
			if p.File != "" {
				paths = append(paths, p.File)
			}
		}
	}
	return paths
}

// GenreTags returns the item's genre tag names.
func (i *Item) GenreTags() []string {
	return tagNames(i.Genre)
}

// RoleTags returns the item's actor tag names.
func (i *Item) RoleTags() []string {
	return tagNames(i.Role)
}

func tagNames(tags []Tag) []string {
	if len(tags) == 0 {
		return nil
	}
	names := make([]string, 0, len(tags))
	for _, t := range tags {
		names = append(names, t.Tag)
	}
	return names
}

type itemsResponse struct {
	MediaContainer struct {
		Size      int    `json:"size"`
		TotalSize int    `json:"totalSize"`
		Metadata  []Item `json:"Metadata"`
	} `json:"MediaContainer"`
}

// Identity probes /identity with a short timeout. This is the outage
// health check; it must fail fast when the server is down.
func (c *Client) Identity(ctx context.Context) (*Identity, error) {
	var resp identityResponse
	err := c.doRequest(ctx, requestConfig{
		method:     http.MethodGet,
		path:       "/identity",
		acceptJSON: true,
		timeout:    identityTimeout,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.MediaContainer, nil
}

// Sections lists the server's library sections.
func (c *Client) Sections(ctx context.Context) ([]Section, error) {
	var resp sectionsResponse
	if err := c.doJSONRequest(ctx, "/library/sections", &resp); err != nil {
		return nil, err
	}
	return resp.MediaContainer.Directory, nil
}

// SectionItems lists every item in a section, following container paging.
func (c *Client) SectionItems(ctx context.Context, sectionKey string) ([]Item, error) {
	var items []Item
	start := 0
	for {
		query := url.Values{}
		query.Set("X-Plex-Container-Start", strconv.Itoa(start))
		query.Set("X-Plex-Container-Size", strconv.Itoa(sectionPageSize))

		var resp itemsResponse
		path := fmt.Sprintf("/library/sections/%s/all", url.PathEscape(sectionKey))
		if err := c.doJSONRequestWithQuery(ctx, path, query, &resp); err != nil {
			return nil, err
		}

		items = append(items, resp.MediaContainer.Metadata...)
		start += len(resp.MediaContainer.Metadata)
		if len(resp.MediaContainer.Metadata) == 0 || start >= resp.MediaContainer.TotalSize {
			return items, nil
		}
	}
}

// GetItem fetches one item by rating key.
func (c *Client) GetItem(ctx context.Context, ratingKey string) (*Item, error) {
	var resp itemsResponse
	path := fmt.Sprintf("/library/metadata/%s", url.PathEscape(ratingKey))
	if err := c.doJSONRequest(ctx, path, &resp); err != nil {
		return nil, err
	}
	if len(resp.MediaContainer.Metadata) == 0 {
		return nil, &errNoItem{ratingKey: ratingKey}
	}
	return &resp.MediaContainer.Metadata[0], nil
}

type errNoItem struct{ ratingKey string }

func (e *errNoItem) Error() string {
	return "plex item not found: rating key " + e.ratingKey
}

// EditMetadata applies field edits to an item. params uses Plex's edit
// parameter shapes, e.g. "title.value", "studio.value",
// "genre[0].tag.tag"; lock fields with "<field>.locked=1".
func (c *Client) EditMetadata(ctx context.Context, ratingKey string, params url.Values) error {
	path := fmt.Sprintf("/library/metadata/%s", url.PathEscape(ratingKey))
	return c.doRequest(ctx, requestConfig{
		method: http.MethodPut,
		path:   path,
		query:  params,
	}, nil)
}

// Refresh asks Plex to reload an item's metadata, issued once after all
// edits rather than once per field.
func (c *Client) Refresh(ctx context.Context, ratingKey string) error {
	path := fmt.Sprintf("/library/metadata/%s/refresh", url.PathEscape(ratingKey))
	return c.doRequest(ctx, requestConfig{
		method: http.MethodPut,
		path:   path,
	}, nil)
}

// ArtworkKind selects which artwork slot an upload targets.
type ArtworkKind string

const (
	ArtworkPoster     ArtworkKind = "posters"
	ArtworkBackground ArtworkKind = "arts"
)

// UploadArtwork posts raw image bytes into an item's poster or background
// slot.
func (c *Client) UploadArtwork(ctx context.Context, ratingKey string, kind ArtworkKind, filename string, data []byte) (int64, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return 0, fmt.Errorf("build artwork form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return 0, fmt.Errorf("write artwork form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return 0, fmt.Errorf("close artwork form: %w", err)
	}

	path := fmt.Sprintf("/library/metadata/%s/%s", url.PathEscape(ratingKey), kind)
	err = c.doRequest(ctx, requestConfig{
		method:      http.MethodPost,
		path:        path,
		body:        buf.Bytes(),
		contentType: mw.FormDataContentType(),
	}, nil)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// UploadArtworkFromURL has Plex fetch artwork from a URL it can reach,
// avoiding a proxy download when the image host is shared.
func (c *Client) UploadArtworkFromURL(ctx context.Context, ratingKey string, kind ArtworkKind, imageURL string) error {
	query := url.Values{}
	query.Set("url", imageURL)
	path := fmt.Sprintf("/library/metadata/%s/%s", url.PathEscape(ratingKey), kind)
	return c.doRequest(ctx, requestConfig{
		method: http.MethodPost,
		path:   path,
		query:  query,
	}, nil)
}

// DownloadArtwork fetches image bytes from an arbitrary URL (typically a
// Stash screenshot path) for re-upload into Plex.
func (c *Client) DownloadArtwork(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create artwork request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch artwork: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch artwork: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// ScanSection triggers a section rescan, optionally scoped to one path.
func (c *Client) ScanSection(ctx context.Context, sectionKey, scopePath string) error {
	query := url.Values{}
	if scopePath != "" {
		query.Set("path", scopePath)
	}
	path := fmt.Sprintf("/library/sections/%s/refresh", url.PathEscape(sectionKey))
	return c.doRequest(ctx, requestConfig{
		method: http.MethodGet,
		path:   path,
		query:  query,
	}, nil)
}
