// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package assignment

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/mutation"
)

// Unit names that resolve to the identity's own ids.
const (
	UnitID     = "id"
	UnitAnonID = "anonId"
)

// TrackedSet remembers which assignments have been tracked.
type TrackedSet interface {
	// Add records key and reports whether it was not already present.
	Add(key string) bool
}

// MemoryTrackedSet is a TrackedSet that lives as long as the process.
type MemoryTrackedSet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryTrackedSet creates an empty set.
func NewMemoryTrackedSet() *MemoryTrackedSet {
	return &MemoryTrackedSet{keys: make(map[string]struct{})}
}

// Add implements TrackedSet.
func (s *MemoryTrackedSet) Add(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	s.keys[key] = struct{}{}
	return true
}

// Len returns the number of tracked keys.
func (s *MemoryTrackedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// IdentityOptions describes a visitor.
type IdentityOptions struct {
	ID     string
	AnonID string

	// Units holds extra randomization units such as "company" or "device".
	Units map[string]string

	Attributes map[string]any
	Groups     []string

	// Tracked defaults to a MemoryTrackedSet.
	Tracked TrackedSet

	// Engine overrides the client's mutation engine for this visitor.
	Engine *mutation.Engine
}

// Identity is one visitor or session.
type Identity struct {
	client  *Client
	seq     int
	tracked TrackedSet
	engine  *mutation.Engine

	mu         sync.RWMutex
	id         string
	anonID     string
	units      map[string]string
	attributes map[string]any
	flat       map[string]string
	groups     map[string]struct{}
	last       map[string]int

	subMu       sync.Mutex
	subscribers map[int]func(key string, res Result)
	subOrder    []int
	nextSub     int

	destroyed atomic.Bool
}

var identitySeq atomic.Int64

// NewIdentity creates and registers an identity, then notifies subscribers.
func (c *Client) NewIdentity(opts IdentityOptions) *Identity {
	id := &Identity{
		client:      c,
		seq:         int(identitySeq.Add(1)),
		tracked:     opts.Tracked,
		engine:      opts.Engine,
		id:          opts.ID,
		anonID:      opts.AnonID,
		units:       maps.Clone(opts.Units),
		attributes:  maps.Clone(opts.Attributes),
		groups:      make(map[string]struct{}, len(opts.Groups)),
		last:        make(map[string]int),
		subscribers: make(map[int]func(string, Result)),
	}
	if id.tracked == nil {
		id.tracked = NewMemoryTrackedSet()
	}
	if id.attributes == nil {
		id.attributes = make(map[string]any)
	}
	for _, g := range opts.Groups {
		id.groups[g] = struct{}{}
	}
	id.flat = Flatten(id.attributes)

	c.mu.Lock()
	c.identities[id] = struct{}{}
	c.mu.Unlock()

	c.emit(Event{Type: EventIdentityCreated, Identity: id})
	return id
}

// Client returns the owning client.
func (id *Identity) Client() *Client { return id.client }

// Engine returns the mutation engine used for this identity's activations.
func (id *Identity) Engine() *mutation.Engine {
	if id.engine != nil {
		return id.engine
	}
	return id.client.Engine()
}

// ID returns the primary id.
func (id *Identity) ID() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.id
}

// AnonID returns the anonymous id.
func (id *Identity) AnonID() string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.anonID
}

// Attributes returns a copy of the raw attributes.
func (id *Identity) Attributes() map[string]any {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return maps.Clone(id.attributes)
}

// FlatAttributes returns a copy of the flattened attribute map.
func (id *Identity) FlatAttributes() map[string]string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return maps.Clone(id.flat)
}

// SetID changes the primary id.
func (id *Identity) SetID(v string) {
	id.mu.Lock()
	id.id = v
	id.mu.Unlock()
	id.client.emit(Event{Type: EventAttributesChanged, Identity: id})
}

// SetAttributes replaces the attributes, or merges them into the existing
// ones when merge is true, and notifies client subscribers.
func (id *Identity) SetAttributes(attrs map[string]any, merge bool) {
	id.mu.Lock()
	if merge {
		maps.Copy(id.attributes, attrs)
	} else {
		id.attributes = maps.Clone(attrs)
		if id.attributes == nil {
			id.attributes = make(map[string]any)
		}
	}
	id.flat = Flatten(id.attributes)
	id.mu.Unlock()
	id.client.emit(Event{Type: EventAttributesChanged, Identity: id})
}

// SetGroups replaces the group memberships.
func (id *Identity) SetGroups(groups ...string) {
	id.mu.Lock()
	id.groups = make(map[string]struct{}, len(groups))
	for _, g := range groups {
		id.groups[g] = struct{}{}
	}
	id.mu.Unlock()
	id.client.emit(Event{Type: EventAttributesChanged, Identity: id})
}

// LastAssignment returns the last variation evaluated for key.
func (id *Identity) LastAssignment(key string) (int, bool) {
	id.mu.RLock()
	defer id.mu.RUnlock()
	v, ok := id.last[key]
	return v, ok
}

// Subscribe registers fn to run whenever an evaluation changes the last
// known variation of an experiment for this identity.
func (id *Identity) Subscribe(fn func(key string, res Result)) (unsubscribe func()) {
	id.subMu.Lock()
	id.nextSub++
	n := id.nextSub
	id.subscribers[n] = fn
	id.subOrder = append(id.subOrder, n)
	id.subMu.Unlock()

	return func() {
		id.subMu.Lock()
		delete(id.subscribers, n)
		id.subOrder = slices.DeleteFunc(id.subOrder, func(x int) bool { return x == n })
		id.subMu.Unlock()
	}
}

// Destroyed reports whether Destroy has been called.
func (id *Identity) Destroyed() bool { return id.destroyed.Load() }

// Destroy unregisters the identity. Subscribers of EventIdentityDestroyed,
// such as the reconciler, deactivate everything it activated.
func (id *Identity) Destroy() {
	if !id.destroyed.CompareAndSwap(false, true) {
		return
	}
	id.client.mu.Lock()
	delete(id.client.identities, id)
	id.client.mu.Unlock()

	id.client.emit(Event{Type: EventIdentityDestroyed, Identity: id})

	id.subMu.Lock()
	id.subscribers = make(map[int]func(string, Result))
	id.subOrder = nil
	id.subMu.Unlock()
}

func (id *Identity) hasGroup(groups []string) bool {
	id.mu.RLock()
	defer id.mu.RUnlock()
	for _, g := range groups {
		if _, ok := id.groups[g]; ok {
			return true
		}
	}
	return false
}

// unit resolves a randomization unit to its value. Named units win over
// flattened attributes.
func (id *Identity) unit(name string) string {
	id.mu.RLock()
	defer id.mu.RUnlock()
	switch name {
	case UnitID:
		return id.id
	case UnitAnonID:
		return id.anonID
	}
	if v, ok := id.units[name]; ok {
		return v
	}
	return id.flat[name]
}

// remember updates the last-assignment cache and reports whether it changed.
func (id *Identity) remember(key string, variation int) bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	prev, ok := id.last[key]
	id.last[key] = variation
	return !ok || prev != variation
}

func (id *Identity) notify(key string, res Result) {
	id.subMu.Lock()
	fns := make([]func(string, Result), 0, len(id.subOrder))
	for _, n := range id.subOrder {
		fns = append(fns, id.subscribers[n])
	}
	id.subMu.Unlock()
	for _, fn := range fns {
		fn(key, res)
	}
}
