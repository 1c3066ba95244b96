// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability exposes Prometheus metrics for assignment,
// mutation, catalog and HTTP activity.
//
// Metrics registers its collectors on an injectable registry so tests and
// embedded uses do not touch the global default registry.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/mutation"
)

const namespace = "experiments"

// Metrics implements assignment.Metrics and mutation.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	// evaluations counts evaluations by outcome.
	// Labels: experiment, reason (see assignment.Reason)
	evaluations *prometheus.CounterVec

	// tracked counts assignments handed to the tracking callback.
	// Labels: experiment
	tracked *prometheus.CounterVec

	// mutationsApplied and mutationsReverted count engine registrations.
	// Labels: type (addClass, removeClass, setHTML, appendHTML, setAttribute)
	mutationsApplied  *prometheus.CounterVec
	mutationsReverted *prometheus.CounterVec

	// externalChanges counts page writes the engine had to re-apply over.
	// Labels: attribute
	externalChanges *prometheus.CounterVec

	catalogVersion prometheus.Gauge
	catalogReloads *prometheus.CounterVec

	// renderDuration measures POST /v1/render end to end.
	renderDuration prometheus.Histogram

	// httpRequests measures API latency.
	// Labels: method, route, status
	httpRequests *prometheus.HistogramVec
}

// NewMetrics registers all collectors on reg. A nil reg gets a fresh
// registry with Go and process collectors.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		evaluations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "evaluations_total",
			Help:      "Experiment evaluations by outcome",
		}, []string{"experiment", "reason"}),
		tracked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assignment",
			Name:      "tracked_total",
			Help:      "Assignments reported to the tracking callback",
		}, []string{"experiment"}),
		mutationsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "applied_total",
			Help:      "Mutations registered with the engine",
		}, []string{"type"}),
		mutationsReverted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "reverted_total",
			Help:      "Mutations reverted and unregistered",
		}, []string{"type"}),
		externalChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutation",
			Name:      "external_changes_total",
			Help:      "External page writes absorbed into a mutation baseline",
		}, []string{"attribute"}),
		catalogVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "version",
			Help:      "Version of the active catalog",
		}),
		catalogReloads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "catalog",
			Name:      "reloads_total",
			Help:      "Catalog loads by result",
		}, []string{"result"}),
		renderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "render",
			Name:      "duration_seconds",
			Help:      "Server-side render latency",
			Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		httpRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Registry returns the registry the metrics live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Evaluated implements assignment.Metrics.
func (m *Metrics) Evaluated(experiment string, reason assignment.Reason) {
	m.evaluations.WithLabelValues(experiment, string(reason)).Inc()
}

// Tracked implements assignment.Metrics.
func (m *Metrics) Tracked(experiment string) {
	m.tracked.WithLabelValues(experiment).Inc()
}

// MutationApplied implements mutation.Recorder.
func (m *Metrics) MutationApplied(t mutation.Type) {
	m.mutationsApplied.WithLabelValues(string(t)).Inc()
}

// MutationReverted implements mutation.Recorder.
func (m *Metrics) MutationReverted(t mutation.Type) {
	m.mutationsReverted.WithLabelValues(string(t)).Inc()
}

// ExternalChange implements mutation.Recorder.
func (m *Metrics) ExternalChange(attribute string) {
	m.externalChanges.WithLabelValues(attribute).Inc()
}

// CatalogLoaded records a successful load.
func (m *Metrics) CatalogLoaded(version uint64) {
	m.catalogVersion.Set(float64(version))
	m.catalogReloads.WithLabelValues("success").Inc()
}

// CatalogFailed records a rejected load.
func (m *Metrics) CatalogFailed() {
	m.catalogReloads.WithLabelValues("error").Inc()
}

// ObserveRender records one render.
func (m *Metrics) ObserveRender(d time.Duration) {
	m.renderDuration.Observe(d.Seconds())
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

var (
	_ assignment.Metrics = (*Metrics)(nil)
	_ mutation.Recorder  = (*Metrics)(nil)
)
