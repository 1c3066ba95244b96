// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
)

// EventExperimentViewed is sent once per tracked assignment.
const EventExperimentViewed = "Experiment Viewed"

// Event is the beacon payload.
type Event struct {
	UserID      string         `json:"user_id"`
	AnonymousID string         `json:"anonymous_id"`
	URL         string         `json:"url"`
	Referrer    string         `json:"referrer"`
	Event       string         `json:"event"`
	Properties  map[string]any `json:"properties"`
}

// ExperimentViewed builds the analytics event for a tracked assignment.
func ExperimentViewed(a assignment.Assignment) Event {
	return Event{
		UserID:      a.UserID,
		AnonymousID: a.AnonID,
		URL:         a.URL,
		Event:       EventExperimentViewed,
		Properties: map[string]any{
			"experiment_id": a.ExperimentKey,
			"variation_id":  a.VariationIndex,
		},
	}
}

// BeaconOption configures a Beacon.
type BeaconOption func(*Beacon)

// WithTrackingHost sets the host at construction time.
func WithTrackingHost(host string) BeaconOption {
	return func(b *Beacon) { b.host = strings.TrimRight(host, "/") }
}

// WithDefaultProperties are merged under every event's own properties.
func WithDefaultProperties(props map[string]any) BeaconOption {
	return func(b *Beacon) { b.defaults = maps.Clone(props) }
}

// WithRateLimit caps sends per second. Events over the limit are dropped.
func WithRateLimit(perSecond float64, burst int) BeaconOption {
	return func(b *Beacon) { b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithBeaconHTTPClient replaces the default client (5s timeout).
func WithBeaconHTTPClient(c *http.Client) BeaconOption {
	return func(b *Beacon) { b.client = c }
}

// WithBeaconLogger sets the logger.
func WithBeaconLogger(l *slog.Logger) BeaconOption {
	return func(b *Beacon) { b.logger = l }
}

// WithProduction silences delivery errors.
func WithProduction(production bool) BeaconOption {
	return func(b *Beacon) { b.production = production }
}

// Beacon sends events to "<host>/t?payload=<json>".
//
// # Description
//
// Events tracked before a host is configured are queued and sent when
// SetHost is called. Delivery is fire-and-forget: one GET per event, no
// retries, errors logged only outside production.
//
// # Thread Safety
//
// Safe for concurrent use.
type Beacon struct {
	mu         sync.Mutex
	host       string
	queue      []Event
	defaults   map[string]any
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	production bool

	inflight sync.WaitGroup
	sent     atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

// NewBeacon creates a beacon. Without WithRateLimit sends are unlimited.
func NewBeacon(opts ...BeaconOption) *Beacon {
	b := &Beacon{
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Inf, 0),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetHost configures the tracking host and flushes queued events.
func (b *Beacon) SetHost(host string) {
	b.mu.Lock()
	b.host = strings.TrimRight(host, "/")
	queued := b.queue
	b.queue = nil
	b.mu.Unlock()

	for _, ev := range queued {
		b.Track(ev)
	}
}

// Track sends ev, or queues it while no host is configured.
func (b *Beacon) Track(ev Event) {
	b.mu.Lock()
	if b.host == "" {
		b.queue = append(b.queue, ev)
		b.mu.Unlock()
		return
	}
	host := b.host
	props := maps.Clone(b.defaults)
	b.mu.Unlock()

	if !b.limiter.Allow() {
		b.dropped.Add(1)
		b.logger.Debug("tracking rate limit exceeded, dropping event", slog.String("event", ev.Event))
		return
	}

	if props == nil {
		props = make(map[string]any, len(ev.Properties))
	}
	maps.Copy(props, ev.Properties)
	ev.Properties = props

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		b.send(host, ev)
	}()
}

// Record implements Sink.
func (b *Beacon) Record(_ context.Context, a assignment.Assignment) error {
	b.Track(ExperimentViewed(a))
	return nil
}

// Pending returns the number of events waiting for a host.
func (b *Beacon) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Wait blocks until in-flight sends finish.
func (b *Beacon) Wait() {
	b.inflight.Wait()
}

// Stats returns delivery counters.
func (b *Beacon) Stats() (sent, dropped, failed int64) {
	return b.sent.Load(), b.dropped.Load(), b.failed.Load()
}

func (b *Beacon) send(host string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.fail(ev, err)
		return
	}
	target := host + "/t?payload=" + url.QueryEscape(string(payload))

	resp, err := b.client.Get(target)
	if err != nil {
		b.fail(ev, err)
		return
	}
	resp.Body.Close()
	b.sent.Add(1)
}

func (b *Beacon) fail(ev Event, err error) {
	b.failed.Add(1)
	if b.production {
		return
	}
	b.logger.Error("tracking beacon failed",
		slog.String("event", ev.Event),
		slog.String("error", err.Error()))
}
