// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hashing maps a randomization unit onto an experiment bucket.
//
// Bucketing is a pure function of (unit, experiment key, weights):
//
//	n := Hash(unit, key)            // [0, 1) at 0.1% resolution
//	w := Weights(count, nil, nil, nil)
//	v := ChooseBucket(n, w)         // variation index, or -1 when uncovered
//
// Malformed weights or coverage are repaired rather than rejected. When a
// logger is supplied the repair is reported as a warning; production
// callers pass nil to stay silent.
package hashing

import (
	"log/slog"
	"math"
	"unicode/utf16"
)

// resolution is the number of distinct hash buckets (0.1% granularity).
const resolution = 1000

// 32-bit FNV-1a parameters.
const (
	fnvOffset32 uint32 = 0x811c9dc5
	fnvPrime32  uint32 = 16777619
)

// weightTolerance is how far the explicit weights may drift from 1.
const weightTolerance = 0.01

// Hash returns a deterministic value in [0, 1) for the unit/key pair.
//
// The unit and key are concatenated and hashed with 32-bit FNV-1a, then
// reduced modulo 1000. Identical inputs always yield identical outputs.
//
// FNV-1a runs over UTF-16 code units rather than UTF-8 bytes so non-ASCII
// units land in the same bucket as in the browser SDK.
func Hash(unit, key string) float64 {
	h := fnvOffset32
	for _, u := range utf16.Encode([]rune(unit + key)) {
		h ^= uint32(u)
		h *= fnvPrime32
	}
	return float64(h%resolution) / resolution
}

// EqualWeights returns n weights of 1/n each.
func EqualWeights(n int) []float64 {
	if n <= 0 {
		return nil
	}
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}

// Weights derives the effective bucket weights for an experiment.
//
// Description:
//
//	Starts from equal weights over count variations. Explicit weights are
//	used only when there is one per variation and they sum to 1±0.01;
//	otherwise equal weights are used. The result is scaled by coverage,
//	which defaults to 1 and is reset to 1 when outside [0, 1].
//
// Inputs:
//
//	count - Number of variations.
//	weights - Explicit weights, or nil for equal weights.
//	coverage - Fraction of traffic included, or nil for full coverage.
//	logger - Receives repair warnings. Nil disables them.
//
// Outputs:
//
//	[]float64 - One weight per variation. Sum equals the coverage.
func Weights(count int, weights []float64, coverage *float64, logger *slog.Logger) []float64 {
	cov := 1.0
	if coverage != nil {
		cov = *coverage
		if cov < 0 || cov > 1 || math.IsNaN(cov) {
			warn(logger, "experiment coverage must be between 0 and 1 inclusive",
				slog.Float64("coverage", cov))
			cov = 1
		}
	}

	equal := EqualWeights(count)
	chosen := equal
	if weights != nil {
		chosen = weights
		if len(weights) != count {
			warn(logger, "experiment weights must have one entry per variation",
				slog.Int("weights", len(weights)),
				slog.Int("variations", count))
			chosen = equal
		} else if total := sum(weights); total < 1-weightTolerance || total > 1+weightTolerance {
			warn(logger, "experiment weights must add up to 1",
				slog.Float64("total", total))
			chosen = equal
		}
	}

	scaled := make([]float64, len(chosen))
	for i, w := range chosen {
		scaled[i] = w * cov
	}
	return scaled
}

// ChooseBucket walks the cumulative weights and returns the first index
// whose running total exceeds n. It returns -1 when n falls past the total,
// which is the uncovered share of traffic.
func ChooseBucket(n float64, weights []float64) int {
	cumulative := 0.0
	for i, w := range weights {
		cumulative += w
		if n < cumulative {
			return i
		}
	}
	return -1
}

// ChooseVariation hashes unit and key and picks a bucket with the given weights.
func ChooseVariation(unit, key string, weights []float64) int {
	return ChooseBucket(Hash(unit, key), weights)
}

func sum(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total
}

func warn(logger *slog.Logger, msg string, attrs ...any) {
	if logger == nil {
		return
	}
	logger.Warn(msg, attrs...)
}
