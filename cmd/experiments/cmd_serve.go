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
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/catalog"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/identity"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/observability"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/server"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/telemetry"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/tracking"
)

const shutdownTimeout = 10 * time.Second

func (c *cli) newServeCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the assignment HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen != "" {
				c.cfg.Listen = listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to listen on (overrides the config file)")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg
	logger := c.log.Slog()

	if cfg.Production {
		gin.SetMode(gin.ReleaseMode)
	}

	metrics := observability.NewMetrics(nil)
	tcfg := cfg.Telemetry
	tcfg.Registry = metrics.Registry()
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	store := catalog.NewStore(logger)
	store.OnChange(func(*catalog.Catalog) { metrics.CatalogLoaded(store.Version()) })
	src, err := openCatalog(ctx, cfg.Catalog, store, logger)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	defer src.close()

	ids, err := openIdentities(cfg.Identity, logger)
	if err != nil {
		return err
	}
	defer ids.Close()

	sinks, beacon, closeSinks, err := buildSinks(cfg, logger)
	if err != nil {
		return err
	}
	hub := tracking.NewHub(logger)
	sinks = append(sinks, hub)
	dispatcher := tracking.NewDispatcher(tracking.DispatcherOptions{
		BufferSize: cfg.Tracking.BufferSize,
		Logger:     logger,
	}, sinks...)
	defer closeSinks()
	defer dispatcher.Close()

	srv := server.New(server.Options{
		Production:          cfg.Production,
		QueryStringOverride: cfg.QueryStringOverride,
		QAMode:              cfg.QAMode,
		SecureCookie:        cfg.Production,
	}, server.Deps{
		Catalog:    store,
		Identities: ids,
		Track:      dispatcher.Callback(),
		Metrics:    metrics,
		Hub:        hub,
		Events:     eventTracker(beacon),
		Reload: func(ctx context.Context) error {
			if err := src.reload(ctx); err != nil {
				metrics.CatalogFailed()
				return err
			}
			return nil
		},
		Logger: logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("experiments server listening",
			slog.String("address", cfg.Listen),
			slog.String("catalog", src.name),
			slog.Uint64("catalog_version", store.Version()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if src.refresh != nil {
		g.Go(func() error { return src.refresh(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down experiments server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	err = g.Wait()
	delivered, dropped, failed := dispatcher.Stats()
	logger.Info("tracking summary",
		slog.Int64("delivered", delivered),
		slog.Int64("dropped", dropped),
		slog.Int64("failed", failed))
	return err
}

func openIdentities(cfg IdentityConfig, logger *slog.Logger) (*identity.Store, error) {
	icfg := identity.InMemoryConfig()
	if cfg.Path != "" {
		icfg = identity.DefaultConfig()
		icfg.Path = cfg.Path
	}
	if cfg.AnonTTL > 0 {
		icfg.AnonTTL = cfg.AnonTTL
	}
	icfg.Logger = logger
	ids, err := identity.Open(icfg)
	if err != nil {
		return nil, fmt.Errorf("open identity store: %w", err)
	}
	return ids, nil
}

// buildSinks creates the configured analytics sinks. The beacon is nil
// without a tracking host. The returned func releases the sinks after the
// dispatcher has drained.
func buildSinks(cfg Config, logger *slog.Logger) ([]tracking.Sink, *tracking.Beacon, func(), error) {
	var sinks []tracking.Sink
	var beacon *tracking.Beacon
	var closers []func()

	if cfg.Tracking.Host != "" {
		opts := []tracking.BeaconOption{
			tracking.WithTrackingHost(cfg.Tracking.Host),
			tracking.WithDefaultProperties(cfg.Tracking.Properties),
			tracking.WithBeaconLogger(logger),
			tracking.WithProduction(cfg.Production),
		}
		if cfg.Tracking.RateLimit > 0 {
			opts = append(opts, tracking.WithRateLimit(cfg.Tracking.RateLimit, cfg.Tracking.Burst))
		}
		beacon = tracking.NewBeacon(opts...)
		sinks = append(sinks, beacon)
		closers = append(closers, beacon.Wait)
	}

	if cfg.Influx.Enabled() {
		influx, err := tracking.NewInfluxSink(cfg.Influx)
		if err != nil {
			return nil, nil, nil, err
		}
		sinks = append(sinks, influx)
		closers = append(closers, influx.Close)
	}

	return sinks, beacon, func() {
		for _, fn := range closers {
			fn()
		}
	}, nil
}

// eventTracker keeps a nil beacon from becoming a non-nil interface.
func eventTracker(b *tracking.Beacon) server.EventTracker {
	if b == nil {
		return nil
	}
	return b
}
