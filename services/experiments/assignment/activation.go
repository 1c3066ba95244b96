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
	"github.com/AleutianAI/AleutianExperiments/services/experiments/mutation"
)

// Activation applies and reverts the visual change of one chosen variation.
// It is not safe for concurrent use.
type Activation struct {
	engine    *mutation.Engine
	key       string
	variation int
	spec      Variation
	handles   mutation.Batch
	active    bool
}

func newActivation(engine *mutation.Engine, key string, variation int, v Variation) *Activation {
	return &Activation{engine: engine, key: key, variation: variation, spec: v}
}

// ExperimentKey returns the experiment the activation belongs to.
func (a *Activation) ExperimentKey() string { return a.key }

// Variation returns the activated variation index.
func (a *Activation) Variation() int { return a.variation }

// Active reports whether Activate has run without a matching Deactivate.
func (a *Activation) Active() bool { return a.active }

// Activate applies the variation's mutations and CSS, then runs its
// OnActivate hook. Calling it on an active activation does nothing.
func (a *Activation) Activate() {
	if a.active {
		return
	}
	a.active = true
	for _, spec := range a.spec.Mutations {
		a.handles = append(a.handles, a.engine.Apply(spec))
	}
	if a.spec.CSS != "" {
		a.handles = append(a.handles, a.engine.InjectStyle(a.spec.CSS))
	}
	if a.spec.OnActivate != nil {
		a.spec.OnActivate()
	}
}

// Deactivate runs the OnDeactivate hook, then reverts the mutations and CSS.
func (a *Activation) Deactivate() {
	if !a.active {
		return
	}
	a.active = false
	if a.spec.OnDeactivate != nil {
		a.spec.OnDeactivate()
	}
	a.handles.Revert()
	a.handles = nil
}
