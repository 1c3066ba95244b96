// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
)

// ErrStatusNotOK is returned when the config endpoint answers without
// status 200 or without experiments.
var ErrStatusNotOK = errors.New("remote catalog status not ok")

// DefaultRemoteHost serves published experiment configs.
const DefaultRemoteHost = "https://cdn.growthbook.io"

// remotePayload is the config endpoint's response. Experiments may be a
// list or an object keyed by experiment key.
type remotePayload struct {
	Status      int                            `json:"status"`
	Experiments json.RawMessage                `json:"experiments"`
	Overrides   map[string]assignment.Override `json:"overrides,omitempty"`
}

// Fetcher pulls a published catalog from "<host>/config/<apiKey>".
// Concurrent Fetch calls share one request.
type Fetcher struct {
	host   string
	apiKey string
	store  *Store
	client *http.Client
	logger *slog.Logger
	group  singleflight.Group
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithHost replaces DefaultRemoteHost.
func WithHost(host string) FetcherOption {
	return func(f *Fetcher) { f.host = strings.TrimRight(host, "/") }
}

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *Fetcher) { f.client = c }
}

// WithFetcherLogger sets the logger.
func WithFetcherLogger(l *slog.Logger) FetcherOption {
	return func(f *Fetcher) { f.logger = l }
}

// NewFetcher creates a fetcher that loads into store.
func NewFetcher(apiKey string, store *Store, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		host:   DefaultRemoteHost,
		apiKey: apiKey,
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// URL returns the endpoint the fetcher reads.
func (f *Fetcher) URL() string {
	return f.host + "/config/" + url.PathEscape(f.apiKey)
}

// Fetch downloads the catalog and replaces the store's contents.
//
// # Description
//
// Only a response whose JSON body has "status": 200 and a non-empty
// "experiments" field is applied. Transport errors, non-2xx responses,
// other statuses and invalid catalogs all leave the store untouched and
// are returned.
//
// # Outputs
//
//   - bool: True when the store was updated.
//   - error: Why the catalog was not applied.
func (f *Fetcher) Fetch(ctx context.Context) (bool, error) {
	v, err, _ := f.group.Do(f.apiKey, func() (any, error) {
		return f.fetch(ctx)
	})
	if err != nil {
		f.logger.Error("remote catalog pull failed",
			slog.String("url", f.URL()),
			slog.String("error", err.Error()))
		return false, err
	}
	return v.(bool), nil
}

func (f *Fetcher) fetch(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("%w: http %d", ErrStatusNotOK, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return false, fmt.Errorf("failed to read catalog: %w", err)
	}

	c, err := decodeRemote(body)
	if err != nil {
		return false, err
	}
	if err := f.store.Replace(c, f.URL()); err != nil {
		return false, err
	}
	return true, nil
}

func decodeRemote(body []byte) (*Catalog, error) {
	var payload remotePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidCatalog, err)
	}
	raw := strings.TrimSpace(string(payload.Experiments))
	if payload.Status != 200 || raw == "" || raw == "null" {
		return nil, fmt.Errorf("%w: status %d", ErrStatusNotOK, payload.Status)
	}

	c := &Catalog{Overrides: payload.Overrides}
	if strings.HasPrefix(raw, "{") {
		var keyed map[string]*assignment.Experiment
		if err := json.Unmarshal(payload.Experiments, &keyed); err != nil {
			return nil, fmt.Errorf("%w: decode experiments: %v", ErrInvalidCatalog, err)
		}
		keys := make([]string, 0, len(keyed))
		for k := range keyed {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			exp := keyed[k]
			if exp == nil {
				continue
			}
			if exp.Key == "" {
				exp.Key = k
			}
			c.Experiments = append(c.Experiments, exp)
		}
		return c, nil
	}

	if err := json.Unmarshal(payload.Experiments, &c.Experiments); err != nil {
		return nil, fmt.Errorf("%w: decode experiments: %v", ErrInvalidCatalog, err)
	}
	return c, nil
}

// Poll fetches immediately and then every interval until ctx is done.
// Failures are logged by Fetch and the previous catalog keeps serving.
func (f *Fetcher) Poll(ctx context.Context, interval time.Duration) {
	_, _ = f.Fetch(ctx)
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = f.Fetch(ctx)
		}
	}
}
