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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/mutation"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/page"
)

func TestFlatten(t *testing.T) {
	got := Flatten(map[string]any{
		"user":    map[string]any{"plan": "pro", "seats": 3, "trial": false},
		"tags":    []string{"a", "b"},
		"score":   1.5,
		"whole":   2.0,
		"missing": nil,
		"nested":  map[string]map[string]int{"x": {"y": 1}},
	})
	assert.Equal(t, map[string]string{
		"user.plan":  "pro",
		"user.seats": "3",
		"user.trial": "false",
		"tags.0":     "a",
		"tags.1":     "b",
		"score":      "1.5",
		"whole":      "2",
		"missing":    "null",
		"nested.x.y": "1",
	}, got)
	assert.Empty(t, Flatten(nil))
}

func TestIdentity_SetAttributes(t *testing.T) {
	c := NewClient()
	var events []EventType
	c.Subscribe(func(ev Event) { events = append(events, ev.Type) })

	user := c.NewIdentity(IdentityOptions{ID: "1", Attributes: map[string]any{"a": 1}})
	user.SetAttributes(map[string]any{"b": 2}, true)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, user.FlatAttributes())

	user.SetAttributes(map[string]any{"c": 3}, false)
	assert.Equal(t, map[string]string{"c": "3"}, user.FlatAttributes())

	user.SetGroups("beta")
	assert.True(t, user.hasGroup([]string{"beta"}))

	c.SetURL("https://example.com/")
	c.SetURL("https://example.com/")
	user.Destroy()
	user.Destroy()

	assert.Equal(t, []EventType{
		EventIdentityCreated,
		EventAttributesChanged,
		EventAttributesChanged,
		EventAttributesChanged,
		EventURLChanged,
		EventIdentityDestroyed,
	}, events)
	assert.Empty(t, c.Identities())
	assert.Equal(t, ReasonDisabled, user.Evaluate(twoWay("my-test")).Reason)
}

func TestClient_IdentitiesInCreationOrder(t *testing.T) {
	c := NewClient()
	a := c.NewIdentity(IdentityOptions{ID: "a"})
	b := c.NewIdentity(IdentityOptions{ID: "b"})
	assert.Equal(t, []*Identity{a, b}, c.Identities())

	unsubscribe := c.Subscribe(func(Event) { t.Fatal("unsubscribed listener called") })
	unsubscribe()
	c.NewIdentity(IdentityOptions{ID: "c"})
}

func TestActivation(t *testing.T) {
	doc, err := page.ParseString(`<html><head></head><body><h1 class="second first">my title</h1></body></html>`, page.WithReady())
	require.NoError(t, err)
	engine := mutation.NewEngine(doc)
	c := NewClient(WithMutationEngine(engine), WithForcedVariations(map[string]int{"hero": 1}))

	var hooks []string
	exp := &Experiment{Key: "hero", Variations: []Variation{
		{Value: "control"},
		{
			Value: "bold",
			Mutations: []mutation.Spec{
				{Selector: "h1", Type: mutation.AddClass, Value: "new"},
				{Selector: "h1", Type: mutation.SetHTML, Value: "hello"},
			},
			CSS: "h1{font-weight:bold}",
			OnActivate: func() {
				hooks = append(hooks, "activate:"+doc.InnerHTML(doc.Body()))
			},
			OnDeactivate: func() {
				hooks = append(hooks, "deactivate:"+doc.InnerHTML(doc.Body()))
			},
		},
	}}
	assert.True(t, exp.HasVisualChange())

	res := c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(exp)
	require.NotNil(t, res.Activation)
	assert.Equal(t, "hero", res.Activation.ExperimentKey())
	assert.Equal(t, 1, res.Activation.Variation())

	res.Activation.Activate()
	res.Activation.Activate()
	assert.True(t, res.Activation.Active())
	assert.Equal(t, `<h1 class="second first new">hello</h1>`, doc.InnerHTML(doc.Body()))
	assert.Equal(t, "<style>h1{font-weight:bold}</style>", doc.InnerHTML(doc.Head()))

	res.Activation.Deactivate()
	res.Activation.Deactivate()
	assert.Equal(t, `<h1 class="second first">my title</h1>`, doc.InnerHTML(doc.Body()))
	assert.Empty(t, doc.InnerHTML(doc.Head()))
	assert.Equal(t, []string{
		`activate:<h1 class="second first new">hello</h1>`,
		`deactivate:<h1 class="second first new">hello</h1>`,
	}, hooks)

	c.SetForcedVariation("hero", 0)
	assert.Nil(t, c.NewIdentity(IdentityOptions{ID: "1"}).Evaluate(exp).Activation)
}
