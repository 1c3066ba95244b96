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
	"slices"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/mutation"
)

// Status is the lifecycle state of an experiment. The empty Status is
// treated as running.
type Status string

const (
	StatusDraft   Status = "draft"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Excluded is the variation index of a visitor who is not in the experiment.
const Excluded = -1

// Variation is one arm of an experiment.
type Variation struct {
	// Value is the payload returned to the caller.
	Value any `yaml:"value" json:"value"`

	// Weight is used when the experiment has no Weights and every
	// variation sets one.
	Weight *float64 `yaml:"weight,omitempty" json:"weight,omitempty" validate:"omitempty,gte=0,lte=1"`

	// Data holds arbitrary keyed values, searchable with LookupByDataKey.
	Data map[string]any `yaml:"data,omitempty" json:"data,omitempty"`

	// Mutations and CSS are the visual change applied on activation.
	Mutations []mutation.Spec `yaml:"mutations,omitempty" json:"mutations,omitempty" validate:"dive"`
	CSS       string          `yaml:"css,omitempty" json:"css,omitempty"`

	// OnActivate runs after the visual change is applied. OnDeactivate
	// runs before it is reverted.
	OnActivate   func() `yaml:"-" json:"-"`
	OnDeactivate func() `yaml:"-" json:"-"`
}

// HasVisualChange reports whether activating the variation changes the page.
func (v Variation) HasVisualChange() bool {
	return len(v.Mutations) > 0 || v.CSS != ""
}

// Variations returns n variations whose payloads are their indexes.
func Variations(n int) []Variation {
	out := make([]Variation, n)
	for i := range out {
		out[i].Value = i
	}
	return out
}

// Experiment is an experiment definition.
type Experiment struct {
	Key        string      `yaml:"key" json:"key" validate:"required"`
	Variations []Variation `yaml:"variations" json:"variations" validate:"min=2,dive"`

	// Weights, when present, must have one entry per variation and add up
	// to 1. Invalid weights fall back to an even split.
	Weights []float64 `yaml:"weights,omitempty" json:"weights,omitempty"`

	// Coverage is the share of eligible traffic included. Nil means 1.
	Coverage *float64 `yaml:"coverage,omitempty" json:"coverage,omitempty"`

	Status Status `yaml:"status,omitempty" json:"status,omitempty" validate:"omitempty,oneof=draft running stopped"`

	// Force pins every eligible visitor to one variation. Forced
	// assignments skip hashing but are still tracked.
	Force *int `yaml:"force,omitempty" json:"force,omitempty"`

	// Targeting rules are ANDed; see package targeting.
	Targeting []string `yaml:"targeting,omitempty" json:"targeting,omitempty"`

	// URL is a regular expression the current page URL must match.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// RandomizationUnit names the unit or attribute hashed for bucketing.
	// Empty means "anonId" when Anon is set and "id" otherwise.
	RandomizationUnit string `yaml:"randomizationUnit,omitempty" json:"randomizationUnit,omitempty"`
	Anon              bool   `yaml:"anon,omitempty" json:"anon,omitempty"`

	// Groups restricts the experiment to members of any listed group.
	Groups []string `yaml:"groups,omitempty" json:"groups,omitempty"`

	// Auto experiments are activated by the reconciler when included.
	Auto bool `yaml:"auto,omitempty" json:"auto,omitempty"`

	// Include is a custom eligibility check.
	Include func() bool `yaml:"-" json:"-"`
}

// HasVisualChange reports whether any variation changes the page.
func (e *Experiment) HasVisualChange() bool {
	return slices.ContainsFunc(e.Variations, Variation.HasVisualChange)
}

// declaredWeights returns the experiment weights, or the per-variation
// weights when every variation carries one.
func (e *Experiment) declaredWeights() []float64 {
	if len(e.Weights) > 0 {
		return e.Weights
	}
	if len(e.Variations) == 0 {
		return nil
	}
	out := make([]float64, 0, len(e.Variations))
	for _, v := range e.Variations {
		if v.Weight == nil {
			return nil
		}
		out = append(out, *v.Weight)
	}
	return out
}

// Override is a runtime change to an experiment definition. Set fields
// replace the definition's; a Force here is an administrative pin that is
// never tracked.
type Override struct {
	Weights   []float64 `yaml:"weights,omitempty" json:"weights,omitempty"`
	Coverage  *float64  `yaml:"coverage,omitempty" json:"coverage,omitempty"`
	Status    Status    `yaml:"status,omitempty" json:"status,omitempty" validate:"omitempty,oneof=draft running stopped"`
	Force     *int      `yaml:"force,omitempty" json:"force,omitempty"`
	Targeting []string  `yaml:"targeting,omitempty" json:"targeting,omitempty"`
	URL       *string   `yaml:"url,omitempty" json:"url,omitempty"`
	Groups    []string  `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// apply returns a copy of exp with the override's set fields merged in.
// Force is not merged; callers read it from the override directly.
func (o Override) apply(exp *Experiment) *Experiment {
	merged := *exp
	if o.Weights != nil {
		merged.Weights = o.Weights
	}
	if o.Coverage != nil {
		merged.Coverage = o.Coverage
	}
	if o.Status != "" {
		merged.Status = o.Status
	}
	if o.Targeting != nil {
		merged.Targeting = o.Targeting
	}
	if o.URL != nil {
		merged.URL = *o.URL
	}
	if o.Groups != nil {
		merged.Groups = o.Groups
	}
	return &merged
}

// Result is the outcome of one evaluation.
type Result struct {
	// Experiment is the definition after overrides were merged.
	Experiment *Experiment

	// VariationIndex is Excluded (-1) when the visitor is not in the experiment.
	VariationIndex int

	// Value and Data come from the chosen variation, or from variation 0
	// when excluded or out of range.
	Value any
	Data  map[string]any

	// InExperiment is true when a real variation was chosen.
	InExperiment bool

	// HashUsed is true when the variation came from hashing.
	HashUsed bool

	// HashAttribute and HashValue identify the randomization unit.
	HashAttribute string
	HashValue     string

	// Reason says which step decided the result.
	Reason Reason

	// Activation is non-nil when the chosen variation has a visual change.
	Activation *Activation
}

// Reason names the evaluation step that produced a Result.
type Reason string

const (
	ReasonDisabled         Reason = "disabled"
	ReasonQueryOverride    Reason = "query_override"
	ReasonInvalid          Reason = "invalid"
	ReasonForced           Reason = "forced"
	ReasonNoUnit           Reason = "no_unit"
	ReasonNotTargeted      Reason = "not_targeted"
	ReasonDefinitionForced Reason = "definition_forced"
	ReasonQAMode           Reason = "qa_mode"
	ReasonNotCovered       Reason = "not_covered"
	ReasonAssigned         Reason = "assigned"
	ReasonUnknown          Reason = "unknown_experiment"
)

// Assignment is what the tracking callback receives.
type Assignment struct {
	ExperimentKey  string         `json:"experiment"`
	VariationIndex int            `json:"variation"`
	Value          any            `json:"value"`
	Data           map[string]any `json:"data,omitempty"`
	HashAttribute  string         `json:"hashAttribute"`
	HashValue      string         `json:"hashValue"`
	UserID         string         `json:"userId,omitempty"`
	AnonID         string         `json:"anonId,omitempty"`
	Attributes     map[string]any `json:"userAttributes,omitempty"`
	URL            string         `json:"url,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// TrackingCallback receives each assignment at most once per identity
// and experiment. It must not block.
type TrackingCallback func(Assignment)

// DataLookup is the result of Identity.LookupByDataKey.
type DataLookup struct {
	Experiment     string `json:"experiment"`
	VariationIndex int    `json:"variation"`
	Value          any    `json:"value"`
}
