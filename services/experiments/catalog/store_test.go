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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianExperiments/pkg/logging"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
)

func newTestStore() *Store {
	return NewStore(logging.Discard().Slog())
}

func TestStore_Replace(t *testing.T) {
	s := newTestStore()
	assert.Zero(t, s.Version())
	assert.Empty(t, s.Experiments())

	var seen []*Catalog
	s.OnChange(func(c *Catalog) { seen = append(seen, c) })

	c, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	require.NoError(t, s.Replace(c, "test"))

	assert.Equal(t, uint64(1), s.Version())
	assert.Equal(t, "test", s.Source())
	assert.Len(t, s.Experiments(), 2)
	assert.Contains(t, s.Overrides(), "checkout")
	assert.Equal(t, 1, s.EventRules().Len())
	require.Len(t, seen, 1)
	assert.Same(t, c, seen[0])
}

func TestStore_InvalidKeepsPrevious(t *testing.T) {
	s := newTestStore()
	require.NoError(t, s.LoadBytes([]byte(sampleCatalog), "good"))

	err := s.LoadBytes([]byte("experiments:\n  - key: a\n    variations: [{value: 0}]\n"), "bad")
	require.ErrorIs(t, err, ErrInvalidCatalog)
	assert.Contains(t, err.Error(), "bad")

	assert.Equal(t, uint64(1), s.Version())
	assert.Equal(t, "good", s.Source())
	assert.Len(t, s.Experiments(), 2)

	assert.ErrorIs(t, s.Replace(nil, "nil"), ErrInvalidCatalog)
}

func TestStore_LoadFile(t *testing.T) {
	s := newTestStore()
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleCatalog), 0o644))

	require.NoError(t, s.LoadFile(path))
	assert.Equal(t, path, s.Source())

	assert.Error(t, s.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
	assert.Equal(t, uint64(1), s.Version())
}

func TestStore_FeedsClient(t *testing.T) {
	s := newTestStore()
	client := assignment.NewClient(assignment.WithCatalog(s))
	id := client.NewIdentity(assignment.IdentityOptions{ID: "1"})

	_, ok := id.EvaluateKey("checkout")
	assert.False(t, ok)

	require.NoError(t, s.LoadBytes([]byte(sampleCatalog), "test"))
	res, ok := id.EvaluateKey("checkout")
	require.True(t, ok)
	require.NotNil(t, res.Experiment.Coverage)
	assert.Equal(t, 0.5, *res.Experiment.Coverage)
}
