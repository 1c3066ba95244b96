// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the assignment engine over HTTP.
//
// Routes:
//
//	GET  /health              liveness and catalog version
//	GET  /metrics             Prometheus exposition
//	GET  /v1/experiments      the active catalog
//	POST /v1/evaluate         assign a visitor to experiments
//	POST /v1/lookup           find a value by variation data key
//	POST /v1/render           apply auto experiments to an HTML page
//	POST /v1/catalog/reload   reload the catalog from its source
//	POST /v1/events           turn a page event into an analytics event
//	GET  /v1/events/ws        live stream of tracked assignments
//
// Every request builds its own assignment.Client over the shared catalog,
// so the page URL and forced variations never leak between requests.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/catalog"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/identity"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/observability"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/tracking"
)

// AnonCookie carries the anonymous visitor id between requests.
const AnonCookie = "exp_anon"

// Options tunes evaluation for every request.
type Options struct {
	// Production silences repair warnings from experiment definitions.
	Production bool

	// QueryStringOverride honours "?<key>=<n>" in request URLs.
	QueryStringOverride bool

	// QAMode turns hashing off; only forced variations are served.
	QAMode bool

	// MaxBodyBytes bounds request bodies. Default: 4 MiB.
	MaxBodyBytes int64

	// SecureCookie marks the anonymous id cookie Secure.
	SecureCookie bool
}

// Deps are the collaborators a Server uses. Catalog is required.
type Deps struct {
	Catalog *catalog.Store

	// Identities persists visitors and the tracked set. Nil keeps
	// tracking state in memory for the life of the process.
	Identities *identity.Store

	// Track receives tracked assignments.
	Track assignment.TrackingCallback

	Metrics *observability.Metrics
	Hub     *tracking.Hub

	// Events sends analytics events matched by the catalog's event rules.
	// Nil disables the route.
	Events EventTracker

	// Reload refreshes the catalog from its source. Nil disables the route.
	Reload func(ctx context.Context) error

	Logger *slog.Logger
}

// EventTracker sends named analytics events. *tracking.Beacon implements it.
type EventTracker interface {
	Track(ev tracking.Event)
}

// Server holds the shared state behind the HTTP API.
type Server struct {
	opts    Options
	deps    Deps
	tracked assignment.TrackedSet
	logger  *slog.Logger
	started time.Time
}

// New creates a Server.
func New(opts Options, deps Deps) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 4 << 20
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{opts: opts, deps: deps, logger: logger, started: time.Now()}
	if deps.Identities != nil {
		s.tracked = deps.Identities.TrackedSet()
	} else {
		s.tracked = assignment.NewMemoryTrackedSet()
	}
	return s
}

// Router builds the gin engine with middleware and routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("experiments"))
	router.Use(s.observe())
	router.Use(s.limitBody())

	s.SetupRoutes(router)
	return router
}

// SetupRoutes registers the API on router.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/experiments", s.handleExperiments)
		v1.POST("/evaluate", s.handleEvaluate)
		v1.POST("/lookup", s.handleLookup)
		v1.POST("/render", s.handleRender)
		v1.POST("/catalog/reload", s.handleReload)
		if s.deps.Events != nil {
			v1.POST("/events", s.handleEvent)
		}
		if s.deps.Hub != nil {
			v1.GET("/events/ws", gin.WrapH(s.deps.Hub))
		}
	}
}

// observe records request latency by route.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.deps.Metrics == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		s.deps.Metrics.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) limitBody() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)
		}
		c.Next()
	}
}

// newClient builds the per-request assignment client.
func (s *Server) newClient(url string, forced map[string]int, extra ...assignment.Option) *assignment.Client {
	opts := []assignment.Option{
		assignment.WithCatalog(s.deps.Catalog),
		assignment.WithURL(url),
		assignment.WithQueryStringOverride(s.opts.QueryStringOverride),
		assignment.WithQAMode(s.opts.QAMode),
		assignment.WithProduction(s.opts.Production),
		assignment.WithLogger(s.logger),
		assignment.WithForcedVariations(forced),
	}
	if s.deps.Track != nil {
		opts = append(opts, assignment.WithTracking(s.deps.Track))
	}
	if s.deps.Metrics != nil {
		opts = append(opts, assignment.WithMetrics(s.deps.Metrics))
	}
	return assignment.NewClient(append(opts, extra...)...)
}
