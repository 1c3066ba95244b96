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
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/tracking"
)

// Store holds the active catalog. It is safe for concurrent use and
// implements assignment.CatalogSource.
type Store struct {
	mu        sync.RWMutex
	catalog   *Catalog
	version   uint64
	source    string
	events    *tracking.EventRules
	listeners []func(*Catalog)
	logger    *slog.Logger
}

// NewStore creates an empty store. A nil logger falls back to slog.Default.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{catalog: &Catalog{}, logger: logger}
}

// Experiments returns the current definitions. Callers must not modify them.
func (s *Store) Experiments() []*assignment.Experiment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog.Experiments
}

// Overrides returns the current override map. Callers must not modify it.
func (s *Store) Overrides() map[string]assignment.Override {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog.Overrides
}

// Catalog returns the current catalog.
func (s *Store) Catalog() *Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog
}

// EventRules returns the compiled event rules of the current catalog.
func (s *Store) EventRules() *tracking.EventRules {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

// Version increments on every successful Replace. Zero means nothing was loaded.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Source describes where the current catalog came from.
func (s *Store) Source() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.source
}

// OnChange registers fn to run after every Replace. Listeners run on the
// replacing goroutine, outside the store lock.
func (s *Store) OnChange(fn func(*Catalog)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Replace validates c and swaps it in. On error the previous catalog stays.
func (s *Store) Replace(c *Catalog, source string) error {
	if c == nil {
		return fmt.Errorf("%w: nil catalog", ErrInvalidCatalog)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	events, err := c.EventRules()
	if err != nil {
		return fmt.Errorf("%w: events: %v", ErrInvalidCatalog, err)
	}

	s.mu.Lock()
	s.catalog = c
	s.events = events
	s.version++
	s.source = source
	version := s.version
	listeners := append([]func(*Catalog){}, s.listeners...)
	s.mu.Unlock()

	s.logger.Info("catalog loaded",
		slog.String("source", source),
		slog.Uint64("version", version),
		slog.Int("experiments", len(c.Experiments)),
		slog.Int("overrides", len(c.Overrides)),
		slog.Int("event_rules", events.Len()))
	for _, w := range c.Lint() {
		s.logger.Warn("catalog lint", slog.String("source", source), slog.String("warning", w))
	}

	for _, fn := range listeners {
		fn(c)
	}
	return nil
}

// LoadBytes parses data and replaces the catalog with it.
func (s *Store) LoadBytes(data []byte, source string) error {
	c, err := Parse(data)
	if err != nil {
		return fmt.Errorf("%s: %w", source, err)
	}
	return s.Replace(c, source)
}

// LoadFile reads a catalog file and replaces the catalog with it.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	return s.LoadBytes(data, path)
}

var _ assignment.CatalogSource = (*Store)(nil)
