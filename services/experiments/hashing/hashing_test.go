// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hashing

import (
	"bytes"
	"log/slog"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequence(key string, weights []float64) []int {
	out := make([]int, 0, 9)
	for i := 1; i <= 9; i++ {
		out = append(out, ChooseVariation(strconv.Itoa(i), key, weights))
	}
	return out
}

func ptr(f float64) *float64 { return &f }

func TestHash_Deterministic(t *testing.T) {
	first := Hash("user-42", "checkout")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Hash("user-42", "checkout"))
	}
	assert.GreaterOrEqual(t, first, 0.0)
	assert.Less(t, first, 1.0)
}

func TestHash_UTF16CodeUnits(t *testing.T) {
	tests := []struct {
		unit, key string
		want      float64
	}{
		{"1", "my-test", 0.969},
		{"josé", "", 0.586},
		{"jos", "é", 0.586},
		{"ü", "", 0.987},
		{"用户-42", "", 0.761},
		{"josé", "checkout", 0.902},
		{"用户-42", "checkout", 0.813},
		{"😀", "checkout", 0.012},
	}
	for _, tt := range tests {
		t.Run(tt.unit+tt.key, func(t *testing.T) {
			assert.InDelta(t, tt.want, Hash(tt.unit, tt.key), 1e-9)
		})
	}
}

func TestChooseVariation_KnownSequences(t *testing.T) {
	tests := []struct {
		name    string
		weights []float64
		want    []int
	}{
		{"default weights", Weights(2, nil, nil, nil), []int{1, 0, 0, 1, 1, 1, 0, 1, 0}},
		{"uneven weights", Weights(2, []float64{0.1, 0.9}, nil, nil), []int{1, 1, 0, 1, 1, 1, 0, 1, 1}},
		{"coverage 0.4", Weights(2, nil, ptr(0.4), nil), []int{-1, 0, 0, -1, -1, -1, 0, -1, 1}},
		{"three way", Weights(3, nil, nil, nil), []int{2, 0, 0, 2, 1, 2, 0, 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sequence("my-test", tt.weights))
		})
	}
}

func TestChooseVariation_KeyChangesBucket(t *testing.T) {
	w := EqualWeights(2)
	assert.Equal(t, 1, ChooseVariation("1", "my-test", w))
	assert.Equal(t, 0, ChooseVariation("1", "my-test-3", w))
}

func TestChooseBucket(t *testing.T) {
	w := []float64{0.2, 0.3}
	assert.Equal(t, 0, ChooseBucket(0, w))
	assert.Equal(t, 0, ChooseBucket(0.199, w))
	assert.Equal(t, 1, ChooseBucket(0.2, w))
	assert.Equal(t, 1, ChooseBucket(0.499, w))
	assert.Equal(t, -1, ChooseBucket(0.5, w))
	assert.Equal(t, -1, ChooseBucket(0.1, nil))
}

func TestWeights_Repairs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	t.Run("wrong length falls back to equal", func(t *testing.T) {
		buf.Reset()
		got := Weights(3, []float64{0.5, 0.5}, nil, logger)
		require.Len(t, got, 3)
		assert.InDelta(t, 1.0/3, got[0], 1e-9)
		assert.Contains(t, buf.String(), "one entry per variation")
	})

	t.Run("bad sum falls back to equal", func(t *testing.T) {
		buf.Reset()
		got := Weights(2, []float64{0.7, 0.7}, nil, logger)
		assert.Equal(t, []float64{0.5, 0.5}, got)
		assert.Contains(t, buf.String(), "add up to 1")
	})

	t.Run("sum within tolerance is kept", func(t *testing.T) {
		buf.Reset()
		got := Weights(3, []float64{0.34, 0.33, 0.33}, nil, logger)
		assert.Equal(t, []float64{0.34, 0.33, 0.33}, got)
		assert.Empty(t, buf.String())
	})

	t.Run("invalid coverage resets to full", func(t *testing.T) {
		buf.Reset()
		got := Weights(2, nil, ptr(1.5), logger)
		assert.Equal(t, []float64{0.5, 0.5}, got)
		assert.Contains(t, buf.String(), "coverage")
	})

	t.Run("nil logger is silent", func(t *testing.T) {
		assert.NotPanics(t, func() {
			Weights(2, []float64{1, 1}, ptr(-1), nil)
		})
	})
}

func TestWeights_CoverageScales(t *testing.T) {
	got := Weights(2, []float64{0.1, 0.9}, ptr(0.5), nil)
	assert.InDelta(t, 0.05, got[0], 1e-9)
	assert.InDelta(t, 0.45, got[1], 1e-9)
}
