// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reconcile keeps auto experiments applied to the page in step with
// who the visitor is and where they are.
//
// A Reconciler listens to client events. Whenever an identity is created,
// its attributes change, or the URL changes, it re-evaluates every active
// auto experiment, deactivating the ones that no longer include the
// visitor, then activates the auto experiments that now do. Deactivation
// always runs before activation for the same experiment so two variations
// are never on the page at once.
package reconcile

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
)

// Reconciler manages the active auto experiments of a client's identities.
type Reconciler struct {
	client *assignment.Client
	logger *slog.Logger

	// queue serialises event handling, including events raised from
	// activation hooks while a pass is running.
	queueMu sync.Mutex
	queue   []assignment.Event
	running bool

	stateMu sync.Mutex
	active  map[*assignment.Identity]*activeSet

	unsubscribe func()
}

// activeSet keeps activations in the order they were activated.
type activeSet struct {
	keys  []string
	byKey map[string]*assignment.Activation
}

func newActiveSet() *activeSet {
	return &activeSet{byKey: make(map[string]*assignment.Activation)}
}

func (s *activeSet) add(key string, a *assignment.Activation) {
	if _, ok := s.byKey[key]; !ok {
		s.keys = append(s.keys, key)
	}
	s.byKey[key] = a
}

func (s *activeSet) remove(key string) {
	delete(s.byKey, key)
	s.keys = slices.DeleteFunc(s.keys, func(k string) bool { return k == key })
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// New subscribes a Reconciler to client and reconciles the identities that
// already exist.
func New(client *assignment.Client, opts ...Option) *Reconciler {
	r := &Reconciler{
		client: client,
		active: make(map[*assignment.Identity]*activeSet),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.unsubscribe = client.Subscribe(r.handle)
	for _, id := range client.Identities() {
		r.Reconcile(id)
	}
	return r
}

// Reconcile runs a pass for one identity.
func (r *Reconciler) Reconcile(id *assignment.Identity) {
	r.handle(assignment.Event{Type: assignment.EventAttributesChanged, Identity: id})
}

// ReconcileAll runs a pass for every live identity.
func (r *Reconciler) ReconcileAll() {
	r.handle(assignment.Event{Type: assignment.EventURLChanged})
}

// Active returns the keys of the experiments active for id, in activation order.
func (r *Reconciler) Active(id *assignment.Identity) []string {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	set, ok := r.active[id]
	if !ok {
		return nil
	}
	return slices.Clone(set.keys)
}

// Variation returns the active variation of key for id.
func (r *Reconciler) Variation(id *assignment.Identity, key string) (int, bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	set, ok := r.active[id]
	if !ok {
		return 0, false
	}
	a, ok := set.byKey[key]
	if !ok {
		return 0, false
	}
	return a.Variation(), true
}

// Close stops listening and deactivates everything for every identity.
func (r *Reconciler) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
	r.stateMu.Lock()
	ids := make([]*assignment.Identity, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.stateMu.Unlock()
	for _, id := range ids {
		r.deactivateAll(id)
	}
}

func (r *Reconciler) handle(ev assignment.Event) {
	r.queueMu.Lock()
	r.queue = append(r.queue, ev)
	if r.running {
		r.queueMu.Unlock()
		return
	}
	r.running = true
	for len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]
		r.queueMu.Unlock()
		r.process(next)
		r.queueMu.Lock()
	}
	r.running = false
	r.queueMu.Unlock()
}

func (r *Reconciler) process(ev assignment.Event) {
	switch ev.Type {
	case assignment.EventIdentityCreated, assignment.EventAttributesChanged:
		if ev.Identity != nil && !ev.Identity.Destroyed() {
			r.pass(ev.Identity)
		}
	case assignment.EventURLChanged:
		for _, id := range r.client.Identities() {
			r.pass(id)
		}
	case assignment.EventIdentityDestroyed:
		if ev.Identity != nil {
			r.deactivateAll(ev.Identity)
		}
	}
}

// pass re-evaluates active experiments, then activates newly included ones.
func (r *Reconciler) pass(id *assignment.Identity) {
	set := r.set(id)
	justExcluded := make(map[string]bool)

	for _, key := range r.Active(id) {
		current, ok := r.lookup(set, key)
		if !ok {
			continue
		}
		exp, ok := r.client.Experiment(key)
		if !ok {
			r.deactivate(id, set, key)
			justExcluded[key] = true
			continue
		}
		res := id.Evaluate(exp)
		switch {
		case res.Activation == nil:
			r.deactivate(id, set, key)
			justExcluded[key] = true
		case res.VariationIndex != current.Variation():
			r.deactivate(id, set, key)
			r.activate(id, set, key, res.Activation)
		}
	}

	for _, exp := range r.client.Experiments() {
		if !exp.Auto || !exp.HasVisualChange() || justExcluded[exp.Key] {
			continue
		}
		if _, isActive := r.lookup(set, exp.Key); isActive {
			continue
		}
		res := id.Evaluate(exp)
		if res.Activation != nil {
			r.activate(id, set, exp.Key, res.Activation)
		}
	}
}

func (r *Reconciler) set(id *assignment.Identity) *activeSet {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	set, ok := r.active[id]
	if !ok {
		set = newActiveSet()
		r.active[id] = set
	}
	return set
}

func (r *Reconciler) lookup(set *activeSet, key string) (*assignment.Activation, bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	a, ok := set.byKey[key]
	return a, ok
}

func (r *Reconciler) activate(id *assignment.Identity, set *activeSet, key string, a *assignment.Activation) {
	a.Activate()
	r.stateMu.Lock()
	set.add(key, a)
	r.stateMu.Unlock()
	r.debug("experiment activated", slog.String("experiment", key), slog.Int("variation", a.Variation()), slog.String("identity", id.ID()))
}

// deactivate runs the hook and revert, then drops the experiment.
func (r *Reconciler) deactivate(id *assignment.Identity, set *activeSet, key string) {
	a, ok := r.lookup(set, key)
	if !ok {
		return
	}
	a.Deactivate()
	r.stateMu.Lock()
	set.remove(key)
	r.stateMu.Unlock()
	r.debug("experiment deactivated", slog.String("experiment", key), slog.String("identity", id.ID()))
}

func (r *Reconciler) deactivateAll(id *assignment.Identity) {
	r.stateMu.Lock()
	set, ok := r.active[id]
	r.stateMu.Unlock()
	if !ok {
		return
	}
	keys := r.Active(id)
	for i := len(keys) - 1; i >= 0; i-- {
		r.deactivate(id, set, keys[i])
	}
	r.stateMu.Lock()
	delete(r.active, id)
	r.stateMu.Unlock()
}

func (r *Reconciler) debug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}
