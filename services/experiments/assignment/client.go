// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package assignment decides which variation of an experiment a visitor sees.
//
// A Client holds the page-wide state: the experiment catalog, runtime
// overrides, developer-forced variations, the current URL and the tracking
// callback. An Identity holds one visitor: randomization units, attributes,
// groups and the set of experiments already tracked for them.
//
//	client := assignment.NewClient(
//	    assignment.WithCatalog(store),
//	    assignment.WithTracking(tracker.OnAssignment),
//	    assignment.WithLogger(logger.Slog()),
//	)
//	visitor := client.NewIdentity(assignment.IdentityOptions{ID: "u-42"})
//	res := visitor.Evaluate(exp)
//
// Evaluation is synchronous and never blocks on I/O. Client and Identity
// are safe for concurrent use; the Activation of a Result is not, because
// it drives a mutation engine.
package assignment

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/mutation"
)

// CatalogSource supplies experiment definitions and runtime overrides.
// Both are re-read on every evaluation and treated as read-only.
type CatalogSource interface {
	Experiments() []*Experiment
	Overrides() map[string]Override
}

// Metrics receives evaluation outcomes.
type Metrics interface {
	Evaluated(experiment string, reason Reason)
	Tracked(experiment string)
}

// EventType identifies a Client event.
type EventType int

const (
	EventIdentityCreated EventType = iota + 1
	EventAttributesChanged
	EventURLChanged
	EventIdentityDestroyed
)

func (t EventType) String() string {
	switch t {
	case EventIdentityCreated:
		return "identity_created"
	case EventAttributesChanged:
		return "attributes_changed"
	case EventURLChanged:
		return "url_changed"
	case EventIdentityDestroyed:
		return "identity_destroyed"
	default:
		return "unknown"
	}
}

// Event is delivered to Client subscribers. Identity is nil for
// EventURLChanged, which affects every identity.
type Event struct {
	Type     EventType
	Identity *Identity
}

// Client is the shared evaluation context.
type Client struct {
	mu sync.RWMutex

	enabled       bool
	url           string
	queryOverride bool
	qaMode        bool
	production    bool

	logger  *slog.Logger
	track   TrackingCallback
	metrics Metrics
	engine  *mutation.Engine

	source      CatalogSource
	experiments []*Experiment
	overrides   map[string]Override
	forced      map[string]int

	identities  map[*Identity]struct{}
	listeners   map[int]func(Event)
	nextListen  int
	listenOrder []int
}

// Option configures a Client.
type Option func(*Client)

// WithEnabled turns evaluation on or off. Clients start enabled.
func WithEnabled(enabled bool) Option {
	return func(c *Client) { c.enabled = enabled }
}

// WithURL sets the initial page URL.
func WithURL(url string) Option {
	return func(c *Client) { c.url = url }
}

// WithQueryStringOverride lets "?<key>=<n>" in the URL pick a variation.
func WithQueryStringOverride(enabled bool) Option {
	return func(c *Client) { c.queryOverride = enabled }
}

// WithQAMode excludes everyone from hashed assignment.
func WithQAMode(enabled bool) Option {
	return func(c *Client) { c.qaMode = enabled }
}

// WithProduction suppresses warnings about repaired definitions.
func WithProduction(production bool) Option {
	return func(c *Client) { c.production = production }
}

// WithLogger sets the logger. Without it the client is silent.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithTracking sets the callback fired once per identity and experiment.
func WithTracking(cb TrackingCallback) Option {
	return func(c *Client) { c.track = cb }
}

// WithMetrics records evaluation outcomes.
func WithMetrics(m Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithMutationEngine sets the engine used by activations of identities
// that do not bring their own.
func WithMutationEngine(e *mutation.Engine) Option {
	return func(c *Client) { c.engine = e }
}

// WithCatalog sets where experiments and overrides come from.
func WithCatalog(source CatalogSource) Option {
	return func(c *Client) { c.source = source }
}

// WithExperiments sets a fixed catalog, used when no CatalogSource is set.
func WithExperiments(experiments ...*Experiment) Option {
	return func(c *Client) { c.experiments = experiments }
}

// WithOverrides sets runtime overrides. They take precedence over the
// overrides of the CatalogSource.
func WithOverrides(overrides map[string]Override) Option {
	return func(c *Client) { c.overrides = maps.Clone(overrides) }
}

// WithForcedVariations pins experiments to variations for development.
// Forced variations are never tracked.
func WithForcedVariations(forced map[string]int) Option {
	return func(c *Client) { c.forced = maps.Clone(forced) }
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		enabled:    true,
		overrides:  make(map[string]Override),
		forced:     make(map[string]int),
		identities: make(map[*Identity]struct{}),
		listeners:  make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.overrides == nil {
		c.overrides = make(map[string]Override)
	}
	if c.forced == nil {
		c.forced = make(map[string]int)
	}
	return c
}

// SetEnabled turns evaluation on or off.
func (c *Client) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// URL returns the current page URL.
func (c *Client) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// SetURL changes the current page URL and notifies subscribers.
func (c *Client) SetURL(url string) {
	c.mu.Lock()
	changed := c.url != url
	c.url = url
	c.mu.Unlock()
	if changed {
		c.emit(Event{Type: EventURLChanged})
	}
}

// SetOverride replaces the runtime override for one experiment.
func (c *Client) SetOverride(key string, o Override) {
	c.mu.Lock()
	c.overrides[key] = o
	c.mu.Unlock()
}

// ClearOverride removes the runtime override for one experiment.
func (c *Client) ClearOverride(key string) {
	c.mu.Lock()
	delete(c.overrides, key)
	c.mu.Unlock()
}

// SetForcedVariation pins key to variation. Excluded (-1) pins the
// visitor out of the experiment; use ClearForcedVariation to unpin.
func (c *Client) SetForcedVariation(key string, variation int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced[key] = variation
}

// ClearForcedVariation removes the pin for key.
func (c *Client) ClearForcedVariation(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.forced, key)
}

// Experiments returns the current catalog.
func (c *Client) Experiments() []*Experiment {
	c.mu.RLock()
	source, fixed := c.source, c.experiments
	c.mu.RUnlock()
	if source != nil {
		return source.Experiments()
	}
	return fixed
}

// Experiment returns the catalog entry for key.
func (c *Client) Experiment(key string) (*Experiment, bool) {
	for _, exp := range c.Experiments() {
		if exp.Key == key {
			return exp, true
		}
	}
	return nil, false
}

// Engine returns the client's mutation engine, which may be nil.
func (c *Client) Engine() *mutation.Engine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.engine
}

// Logger returns the client logger, which may be nil.
func (c *Client) Logger() *slog.Logger { return c.logger }

// Identities returns the identities that have not been destroyed.
func (c *Client) Identities() []*Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := slices.Collect(maps.Keys(c.identities))
	slices.SortFunc(out, func(a, b *Identity) int { return a.seq - b.seq })
	return out
}

// Subscribe registers fn for client events. Listeners run synchronously on
// the goroutine that caused the event, in subscription order.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextListen++
	id := c.nextListen
	c.listeners[id] = fn
	c.listenOrder = append(c.listenOrder, id)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.listenOrder = slices.DeleteFunc(c.listenOrder, func(x int) bool { return x == id })
		c.mu.Unlock()
	}
}

func (c *Client) emit(ev Event) {
	c.mu.RLock()
	fns := make([]func(Event), 0, len(c.listenOrder))
	for _, id := range c.listenOrder {
		fns = append(fns, c.listeners[id])
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// snapshot is the client state one evaluation needs.
type snapshot struct {
	enabled       bool
	url           string
	queryOverride bool
	qaMode        bool
	override      Override
	hasOverride   bool
	forced        int
	hasForced     bool
	track         TrackingCallback
	metrics       Metrics
	engine        *mutation.Engine
	logger        *slog.Logger
}

func (c *Client) snapshot(key string) snapshot {
	var sourceOverride Override
	var hasSource bool
	c.mu.RLock()
	source := c.source
	c.mu.RUnlock()
	if source != nil {
		sourceOverride, hasSource = source.Overrides()[key]
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	s := snapshot{
		enabled:       c.enabled,
		url:           c.url,
		queryOverride: c.queryOverride,
		qaMode:        c.qaMode,
		track:         c.track,
		metrics:       c.metrics,
		engine:        c.engine,
	}
	if !c.production {
		s.logger = c.logger
	}
	if o, ok := c.overrides[key]; ok {
		s.override, s.hasOverride = o, true
	} else if hasSource {
		s.override, s.hasOverride = sourceOverride, true
	}
	s.forced, s.hasForced = c.forced[key]
	return s
}
