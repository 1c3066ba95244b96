// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/catalog"
)

// catalogSource is a loaded catalog origin.
type catalogSource struct {
	name string

	// reload fetches the catalog again.
	reload func(ctx context.Context) error

	// refresh keeps the catalog current until ctx is done. It may be nil.
	refresh func(ctx context.Context) error

	close func() error
}

// openCatalog loads cfg's catalog into store.
func openCatalog(ctx context.Context, cfg CatalogConfig, store *catalog.Store, logger *slog.Logger) (*catalogSource, error) {
	switch {
	case cfg.GCS != "":
		return openGCS(ctx, cfg, store, logger)
	case cfg.APIKey != "":
		return openRemote(ctx, cfg, store, logger)
	case cfg.Path != "":
		return openFile(cfg, store, logger)
	}
	return nil, errors.New("no catalog configured: set catalog.path, catalog.gcs or catalog.api_key")
}

func openFile(cfg CatalogConfig, store *catalog.Store, logger *slog.Logger) (*catalogSource, error) {
	if err := store.LoadFile(cfg.Path); err != nil {
		return nil, err
	}
	src := &catalogSource{
		name:   cfg.Path,
		reload: func(context.Context) error { return store.LoadFile(cfg.Path) },
		close:  func() error { return nil },
	}
	src.refresh = func(ctx context.Context) error {
		w, err := catalog.NewWatcher(cfg.Path, store, nil, logger)
		if err != nil {
			return fmt.Errorf("watch catalog: %w", err)
		}
		if err := w.Start(ctx); err != nil {
			return fmt.Errorf("watch catalog: %w", err)
		}
		<-ctx.Done()
		w.Stop()
		reloads, failures := w.Stats()
		logger.Info("catalog watcher stopped", slog.Int("reloads", reloads), slog.Int("failures", failures))
		return nil
	}
	return src, nil
}

func openGCS(ctx context.Context, cfg CatalogConfig, store *catalog.Store, logger *slog.Logger) (*catalogSource, error) {
	bucket, object, err := catalog.ParseGCSURL(cfg.GCS)
	if err != nil {
		return nil, err
	}
	loader, err := catalog.NewGCSLoader(ctx, bucket, object, cfg.GCSCredentials)
	if err != nil {
		return nil, err
	}
	if err := loader.Load(ctx, store); err != nil {
		_ = loader.Close()
		return nil, err
	}
	src := &catalogSource{
		name:   loader.URL(),
		reload: func(ctx context.Context) error { return loader.Load(ctx, store) },
		close:  loader.Close,
	}
	if cfg.PollInterval > 0 {
		src.refresh = func(ctx context.Context) error {
			ticker := time.NewTicker(cfg.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := loader.Load(ctx, store); err != nil {
						logger.Warn("catalog refresh failed",
							slog.String("source", loader.URL()),
							slog.String("error", err.Error()))
					}
				}
			}
		}
	}
	return src, nil
}

func openRemote(ctx context.Context, cfg CatalogConfig, store *catalog.Store, logger *slog.Logger) (*catalogSource, error) {
	opts := []catalog.FetcherOption{catalog.WithFetcherLogger(logger)}
	if cfg.RemoteHost != "" {
		opts = append(opts, catalog.WithHost(cfg.RemoteHost))
	}
	f := catalog.NewFetcher(cfg.APIKey, store, opts...)
	if _, err := f.Fetch(ctx); err != nil {
		return nil, err
	}
	src := &catalogSource{
		name: f.URL(),
		reload: func(ctx context.Context) error {
			_, err := f.Fetch(ctx)
			return err
		},
		close: func() error { return nil },
	}
	if cfg.PollInterval > 0 {
		src.refresh = func(ctx context.Context) error {
			// Poll fetches on entry; wait one interval since we just loaded.
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(cfg.PollInterval):
			}
			f.Poll(ctx, cfg.PollInterval)
			return nil
		}
	}
	return src, nil
}
