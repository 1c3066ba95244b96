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
	"bytes"
	"log/slog"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/hashing"
)

type trackRecorder struct {
	mu    sync.Mutex
	calls []Assignment
}

func (r *trackRecorder) track(a Assignment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, a)
}

func (r *trackRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func intPtr(i int) *int             { return &i }
func floatPtr(f float64) *float64   { return &f }
func strPtr(s string) *string       { return &s }
func twoWay(key string) *Experiment { return &Experiment{Key: key, Variations: Variations(2)} }

func variationsFor(c *Client, exp *Experiment) []int {
	out := make([]int, 0, 9)
	for i := 1; i <= 9; i++ {
		out = append(out, c.NewIdentity(IdentityOptions{ID: strconv.Itoa(i)}).Evaluate(exp).VariationIndex)
	}
	return out
}

func TestEvaluate_Distribution(t *testing.T) {
	c := NewClient()
	assert.Equal(t, []int{1, 0, 0, 1, 1, 1, 0, 1, 0}, variationsFor(c, twoWay("my-test")))
}

func TestEvaluate_Coverage(t *testing.T) {
	c := NewClient()
	exp := &Experiment{Key: "my-test", Variations: Variations(2), Coverage: floatPtr(0.4)}
	assert.Equal(t, []int{-1, 0, 0, -1, -1, -1, 0, -1, 1}, variationsFor(c, exp))
}

func TestEvaluate_PerVariationWeights(t *testing.T) {
	c := NewClient()
	exp := &Experiment{Key: "my-test", Variations: []Variation{
		{Value: "control", Weight: floatPtr(0.1)},
		{Value: "treatment", Weight: floatPtr(0.9)},
	}}
	assert.Equal(t, []int{1, 1, 0, 1, 1, 1, 0, 1, 1}, variationsFor(c, exp))
}

func TestEvaluate_Deterministic(t *testing.T) {
	c := NewClient()
	exp := twoWay("checkout")
	want := c.NewIdentity(IdentityOptions{ID: "u-1"}).Evaluate(exp)
	for i := 0; i < 20; i++ {
		got := c.NewIdentity(IdentityOptions{ID: "u-1"}).Evaluate(exp)
		assert.Equal(t, want.VariationIndex, got.VariationIndex)
	}
	assert.True(t, want.HashUsed)
	assert.Equal(t, ReasonAssigned, want.Reason)
	assert.Equal(t, UnitID, want.HashAttribute)
	assert.Equal(t, "u-1", want.HashValue)
}

func TestEvaluate_TrackingOncePerIdentity(t *testing.T) {
	rec := &trackRecorder{}
	c := NewClient(WithTracking(rec.track))

	user1 := c.NewIdentity(IdentityOptions{ID: "1"})
	user2 := c.NewIdentity(IdentityOptions{ID: "2"})

	user1.Evaluate(twoWay("my-tracked-test"))
	user1.Evaluate(twoWay("my-tracked-test"))
	user1.Evaluate(twoWay("my-tracked-test"))
	user1.Evaluate(twoWay("my-other-tracked-test"))
	user2.Evaluate(twoWay("my-other-tracked-test"))

	require.Equal(t, 3, rec.count())
	assert.Equal(t, "my-tracked-test", rec.calls[0].ExperimentKey)
	assert.Equal(t, 1, rec.calls[0].VariationIndex)
	assert.Equal(t, "1", rec.calls[0].UserID)
	assert.Equal(t, "my-other-tracked-test", rec.calls[1].ExperimentKey)
	assert.Equal(t, 0, rec.calls[1].VariationIndex)
	assert.Equal(t, "my-other-tracked-test", rec.calls[2].ExperimentKey)
	assert.Equal(t, 1, rec.calls[2].VariationIndex)
	assert.Equal(t, "2", rec.calls[2].UserID)
}

func TestEvaluate_ExcludedIsNotTracked(t *testing.T) {
	rec := &trackRecorder{}
	c := NewClient(WithTracking(rec.track))
	exp := &Experiment{Key: "my-test", Variations: Variations(2), Coverage: floatPtr(0.4)}

	// Identity "1" falls outside the 40% coverage.
	res := c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(exp)
	assert.Equal(t, Excluded, res.VariationIndex)
	assert.Equal(t, ReasonNotCovered, res.Reason)
	assert.Zero(t, rec.count())
}

func TestEvaluate_OverrideForceIsNotTracked(t *testing.T) {
	rec := &trackRecorder{}
	c := NewClient(WithTracking(rec.track))
	exp := twoWay("forced-test")

	assert.Equal(t, 0, c.NewIdentity(IdentityOptions{ID: "6"}).Evaluate(exp).VariationIndex)
	require.Equal(t, 1, rec.count())

	c.SetOverride("forced-test", Override{Force: intPtr(1)})
	res := c.NewIdentity(IdentityOptions{ID: "6"}).Evaluate(exp)
	assert.Equal(t, 1, res.VariationIndex)
	assert.Equal(t, ReasonForced, res.Reason)
	assert.False(t, res.HashUsed)
	assert.Equal(t, 1, rec.count())
}

func TestEvaluate_DeveloperForceIsNotTracked(t *testing.T) {
	rec := &trackRecorder{}
	c := NewClient(WithTracking(rec.track), WithForcedVariations(map[string]int{"checkout": 1}))

	// No id at all: developer forces bypass identity checks.
	res := c.NewIdentity(IdentityOptions{}).Evaluate(twoWay("checkout"))
	assert.Equal(t, 1, res.VariationIndex)
	assert.Zero(t, rec.count())

	// A forced -1 excludes the visitor.
	c.SetForcedVariation("checkout", Excluded)
	res = c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(twoWay("checkout"))
	assert.Equal(t, Excluded, res.VariationIndex)
	assert.Equal(t, ReasonForced, res.Reason)
	assert.False(t, res.InExperiment)
	assert.Equal(t, 0, res.Value)
	assert.Zero(t, rec.count())

	c.ClearForcedVariation("checkout")
	res = c.NewIdentity(IdentityOptions{}).Evaluate(twoWay("checkout"))
	assert.Equal(t, Excluded, res.VariationIndex)
	assert.Equal(t, ReasonNoUnit, res.Reason)
}

func TestEvaluate_DefinitionForceIsTracked(t *testing.T) {
	rec := &trackRecorder{}
	c := NewClient(WithTracking(rec.track))
	exp := &Experiment{Key: "forced-test", Variations: Variations(2), Force: intPtr(1)}

	user := c.NewIdentity(IdentityOptions{ID: "6"})
	res := user.Evaluate(exp)
	assert.Equal(t, 1, res.VariationIndex)
	assert.Equal(t, ReasonDefinitionForced, res.Reason)
	assert.False(t, res.HashUsed)
	user.Evaluate(exp)
	assert.Equal(t, 1, rec.count())

	// Definition forces still respect targeting.
	exp.Targeting = []string{"member = true"}
	res = c.NewIdentity(IdentityOptions{ID: "7"}).Evaluate(exp)
	assert.Equal(t, Excluded, res.VariationIndex)
}

func TestEvaluate_QueryOverride(t *testing.T) {
	rec := &trackRecorder{}
	c := NewClient(WithTracking(rec.track), WithURL("https://example.com/?forced-test-qs=1"))
	exp := twoWay("forced-test-qs")

	// Disabled by default.
	assert.Equal(t, 0, c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(exp).VariationIndex)
	require.Equal(t, 1, rec.count())

	c = NewClient(WithTracking(rec.track), WithQueryStringOverride(true), WithURL("https://example.com/?forced-test-qs=1"))
	res := c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(exp)
	assert.Equal(t, 1, res.VariationIndex)
	assert.Equal(t, ReasonQueryOverride, res.Reason)
	assert.Equal(t, 1, rec.count(), "query overrides are never tracked")

	// Out-of-range indexes are returned with the control payload.
	c.SetURL("https://example.com/?forced-test-qs=7")
	res = c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(exp)
	assert.Equal(t, 7, res.VariationIndex)
	assert.Equal(t, 0, res.Value)
	assert.False(t, res.InExperiment)
}

func TestEvaluate_Lifecycle(t *testing.T) {
	rec := &trackRecorder{}
	c := NewClient(WithTracking(rec.track), WithQueryStringOverride(true))

	draft := &Experiment{Key: "draft-test", Variations: Variations(2), Status: StatusDraft}
	for i := 1; i <= 9; i++ {
		res := c.NewIdentity(IdentityOptions{ID: strconv.Itoa(i)}).Evaluate(draft)
		assert.Equal(t, Excluded, res.VariationIndex)
		assert.Equal(t, ReasonInvalid, res.Reason)
	}
	c.SetURL("https://example.com/?draft-test=1")
	assert.Equal(t, 1, c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(draft).VariationIndex)

	stopped := &Experiment{Key: "stopped-test", Variations: Variations(2), Status: StatusStopped}
	for i := 1; i <= 9; i++ {
		assert.Equal(t, Excluded, c.NewIdentity(IdentityOptions{ID: strconv.Itoa(i)}).Evaluate(stopped).VariationIndex)
	}
	stopped.Force = intPtr(1)
	for i := 1; i <= 9; i++ {
		assert.Equal(t, 1, c.NewIdentity(IdentityOptions{ID: strconv.Itoa(i)}).Evaluate(stopped).VariationIndex)
	}

	overridden := &Experiment{Key: "stopped-override", Variations: Variations(3), Status: StatusStopped}
	c.SetOverride("stopped-override", Override{Force: intPtr(2)})
	assert.Equal(t, 2, c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(overridden).VariationIndex)

	// Only the definition-forced stopped assignments were tracked.
	assert.Equal(t, 9, rec.count())
}

func TestEvaluate_InvalidVariationCount(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))
	res := c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(&Experiment{Key: "solo", Variations: Variations(1)})
	assert.Equal(t, Excluded, res.VariationIndex)
	assert.Equal(t, 0, res.Value)
	assert.Contains(t, buf.String(), "at least two variations")

	buf.Reset()
	c = NewClient(WithLogger(slog.New(slog.NewTextHandler(&buf, nil))), WithProduction(true))
	c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(&Experiment{Key: "solo", Variations: Variations(1)})
	assert.Empty(t, buf.String())
}

func TestEvaluate_DisabledAndQA(t *testing.T) {
	rec := &trackRecorder{}
	c := NewClient(WithTracking(rec.track), WithEnabled(false))
	res := c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(twoWay("my-test"))
	assert.Equal(t, ReasonDisabled, res.Reason)

	c = NewClient(WithTracking(rec.track), WithQAMode(true))
	res = c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(twoWay("my-test"))
	assert.Equal(t, ReasonQAMode, res.Reason)
	assert.Equal(t, Excluded, res.VariationIndex)

	c.SetForcedVariation("my-test", 1)
	assert.Equal(t, 1, c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(twoWay("my-test")).VariationIndex)
	assert.Zero(t, rec.count())
}

func TestEvaluate_Eligibility(t *testing.T) {
	c := NewClient(WithURL("https://example.com/pricing"))

	user := c.NewIdentity(IdentityOptions{
		ID:         "1",
		Attributes: map[string]any{"member": true, "age": 21, "geo": map[string]any{"country": "CA"}},
		Groups:     []string{"beta"},
	})

	tests := []struct {
		name string
		exp  *Experiment
		want bool
	}{
		{"targeting passes", &Experiment{Targeting: []string{"member = true", "age > 18", "geo.country = CA"}}, true},
		{"targeting fails", &Experiment{Targeting: []string{"age > 30"}}, false},
		{"unknown operator fails open", &Experiment{Targeting: []string{"age >= 30"}}, true},
		{"group match", &Experiment{Groups: []string{"alpha", "beta"}}, true},
		{"group miss", &Experiment{Groups: []string{"alpha"}}, false},
		{"url match", &Experiment{URL: "^/pricing"}, true},
		{"url miss", &Experiment{URL: "^/about"}, false},
		{"invalid url fails closed", &Experiment{URL: "(/pricing"}, false},
		{"include true", &Experiment{Include: func() bool { return true }}, true},
		{"include false", &Experiment{Include: func() bool { return false }}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.exp.Key = "my-test"
			tt.exp.Variations = Variations(2)
			res := user.Evaluate(tt.exp)
			if tt.want {
				assert.Equal(t, 1, res.VariationIndex)
			} else {
				assert.Equal(t, Excluded, res.VariationIndex)
				assert.Equal(t, ReasonNotTargeted, res.Reason)
			}
		})
	}
}

func TestEvaluate_RandomizationUnits(t *testing.T) {
	c := NewClient()
	user := c.NewIdentity(IdentityOptions{
		ID:         "u-1",
		AnonID:     "anon-7",
		Units:      map[string]string{"company": "acme"},
		Attributes: map[string]any{"device": map[string]any{"id": "dev-3"}},
	})
	w := hashing.EqualWeights(2)

	res := user.Evaluate(&Experiment{Key: "anon-test", Variations: Variations(2), Anon: true})
	assert.Equal(t, UnitAnonID, res.HashAttribute)
	assert.Equal(t, hashing.ChooseVariation("anon-7", "anon-test", w), res.VariationIndex)

	res = user.Evaluate(&Experiment{Key: "company-test", Variations: Variations(2), RandomizationUnit: "company"})
	assert.Equal(t, "acme", res.HashValue)
	assert.Equal(t, hashing.ChooseVariation("acme", "company-test", w), res.VariationIndex)

	res = user.Evaluate(&Experiment{Key: "device-test", Variations: Variations(2), RandomizationUnit: "device.id"})
	assert.Equal(t, "dev-3", res.HashValue)

	res = user.Evaluate(&Experiment{Key: "missing", Variations: Variations(2), RandomizationUnit: "team"})
	assert.Equal(t, ReasonNoUnit, res.Reason)

	anonOnly := c.NewIdentity(IdentityOptions{AnonID: "anon-7"})
	assert.Equal(t, ReasonNoUnit, anonOnly.Evaluate(twoWay("my-test")).Reason)
}

func TestEvaluate_Overrides(t *testing.T) {
	c := NewClient(WithOverrides(map[string]Override{
		"my-test": {Weights: []float64{0.1, 0.9}},
	}))
	res := c.NewIdentity(IdentityOptions{ID: "2"}).Evaluate(twoWay("my-test"))
	assert.Equal(t, 1, res.VariationIndex)
	assert.Equal(t, []float64{0.1, 0.9}, res.Experiment.Weights)

	c.SetOverride("my-test", Override{URL: strPtr("^/never")})
	assert.Equal(t, Excluded, c.NewIdentity(IdentityOptions{ID: "2"}).Evaluate(twoWay("my-test")).VariationIndex)

	c.SetOverride("my-test", Override{Status: StatusStopped})
	assert.Equal(t, ReasonInvalid, c.NewIdentity(IdentityOptions{ID: "2"}).Evaluate(twoWay("my-test")).Reason)

	c.ClearOverride("my-test")
	assert.Equal(t, ReasonAssigned, c.NewIdentity(IdentityOptions{ID: "2"}).Evaluate(twoWay("my-test")).Reason)
}

type staticCatalog struct {
	experiments []*Experiment
	overrides   map[string]Override
}

func (s staticCatalog) Experiments() []*Experiment     { return s.experiments }
func (s staticCatalog) Overrides() map[string]Override { return s.overrides }

func TestEvaluate_CatalogOverridesYieldToClient(t *testing.T) {
	src := staticCatalog{
		experiments: []*Experiment{twoWay("forced-test")},
		overrides:   map[string]Override{"forced-test": {Force: intPtr(1)}},
	}
	c := NewClient(WithCatalog(src))
	res, ok := c.NewIdentity(IdentityOptions{ID: "6"}).EvaluateKey("forced-test")
	require.True(t, ok)
	assert.Equal(t, 1, res.VariationIndex)

	c.SetOverride("forced-test", Override{})
	res, _ = c.NewIdentity(IdentityOptions{ID: "6"}).EvaluateKey("forced-test")
	assert.Equal(t, 0, res.VariationIndex)

	_, ok = c.NewIdentity(IdentityOptions{ID: "6"}).EvaluateKey("nope")
	assert.False(t, ok)
}

func TestEvaluate_ExcludedFallsBackToControlPayload(t *testing.T) {
	c := NewClient()
	exp := &Experiment{Key: "my-test", Coverage: floatPtr(0.4), Variations: []Variation{
		{Value: "blue", Data: map[string]any{"color": "blue"}},
		{Value: "green", Data: map[string]any{"color": "green"}},
	}}
	res := c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(exp)
	assert.Equal(t, Excluded, res.VariationIndex)
	assert.Equal(t, "blue", res.Value)
	assert.Equal(t, "blue", res.Data["color"])
	assert.False(t, res.InExperiment)
	assert.Nil(t, res.Activation)
}

func TestEvaluate_SubscribersOnChange(t *testing.T) {
	c := NewClient()
	user := c.NewIdentity(IdentityOptions{ID: "1"})

	var seen []int
	unsubscribe := user.Subscribe(func(key string, res Result) {
		assert.Equal(t, "my-test", key)
		seen = append(seen, res.VariationIndex)
	})

	exp := twoWay("my-test")
	user.Evaluate(exp)
	user.Evaluate(exp)
	c.SetForcedVariation("my-test", 0)
	user.Evaluate(exp)
	assert.Equal(t, []int{1, 0}, seen)

	last, ok := user.LastAssignment("my-test")
	assert.True(t, ok)
	assert.Equal(t, 0, last)

	unsubscribe()
	c.ClearForcedVariation("my-test")
	user.Evaluate(exp)
	assert.Equal(t, []int{1, 0}, seen)
}

func TestLookupByDataKey(t *testing.T) {
	c := NewClient(WithExperiments(
		&Experiment{
			Key:       "button-color-size-chrome",
			Targeting: []string{"browser = chrome"},
			Variations: []Variation{
				{Value: 0, Data: map[string]any{"button.color": "blue", "button.size": "small"}},
				{Value: 1, Data: map[string]any{"button.color": "green", "button.size": "large"}},
			},
		},
		&Experiment{
			Key:       "button-color-safari",
			Targeting: []string{"browser = safari"},
			Variations: []Variation{
				{Value: 0, Data: map[string]any{"button.color": "blue"}},
				{Value: 1, Data: map[string]any{"button.color": "green"}},
			},
		},
	))
	user := c.NewIdentity(IdentityOptions{ID: "1"})

	_, ok := user.LookupByDataKey("button.unknown")
	assert.False(t, ok)

	user.SetAttributes(map[string]any{"browser": "chrome"}, false)
	got, ok := user.LookupByDataKey("button.color")
	require.True(t, ok)
	assert.Equal(t, DataLookup{Experiment: "button-color-size-chrome", VariationIndex: 0, Value: "blue"}, got)
	got, _ = user.LookupByDataKey("button.size")
	assert.Equal(t, DataLookup{Experiment: "button-color-size-chrome", VariationIndex: 0, Value: "small"}, got)

	user.SetAttributes(map[string]any{"browser": "safari"}, false)
	got, _ = user.LookupByDataKey("button.color")
	assert.Equal(t, DataLookup{Experiment: "button-color-safari", VariationIndex: 0, Value: "blue"}, got)

	got, ok = user.LookupByDataKey("button.size")
	assert.False(t, ok)
	assert.Equal(t, Excluded, got.VariationIndex)
}

func TestEvaluate_Concurrent(t *testing.T) {
	rec := &trackRecorder{}
	c := NewClient(WithTracking(rec.track))
	user := c.NewIdentity(IdentityOptions{ID: "1"})
	exp := twoWay("my-test")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, 1, user.Evaluate(exp).VariationIndex)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rec.count())
}

type metricsRecorder struct {
	mu      sync.Mutex
	reasons map[Reason]int
	tracked int
}

func (m *metricsRecorder) Evaluated(_ string, r Reason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reasons[r]++
}

func (m *metricsRecorder) Tracked(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracked++
}

func TestEvaluate_Metrics(t *testing.T) {
	m := &metricsRecorder{reasons: map[Reason]int{}}
	c := NewClient(WithMetrics(m), WithTracking(func(Assignment) {}))
	user := c.NewIdentity(IdentityOptions{ID: "1"})
	user.Evaluate(twoWay("my-test"))
	user.Evaluate(twoWay("my-test"))
	user.Evaluate(&Experiment{Key: "solo", Variations: Variations(1)})

	assert.Equal(t, 2, m.reasons[ReasonAssigned])
	assert.Equal(t, 1, m.reasons[ReasonInvalid])
	assert.Equal(t, 1, m.tracked)
}
