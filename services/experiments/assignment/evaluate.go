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
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/hashing"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/targeting"
)

// Evaluate decides which variation of exp the identity sees.
//
// Description:
//
//	The steps run in a fixed order and the first one that decides wins:
//
//	  1. merge the runtime override for exp.Key
//	  2. client disabled: excluded
//	  3. query-string override: returned as is, never tracked
//	  4. fewer than two variations, a draft or a stopped experiment
//	     without any force: excluded
//	  5. developer or override force: returned as is, never tracked
//	  6. no randomization unit value: excluded
//	  7. include predicate, groups, targeting rules, URL pattern
//	  8. definition force: returned without hashing, tracked
//	  9. QA mode: excluded
//	 10. hash the unit and pick a bucket
//	 11. track the first inclusion for this identity and experiment
//	 12. update the last-assignment cache and notify on change
//
// Inputs:
//
//	exp - The definition. It is never modified.
//
// Outputs:
//
//	Result - Always populated; VariationIndex is Excluded when the
//	visitor is not in the experiment.
func (id *Identity) Evaluate(exp *Experiment) Result {
	res := id.evaluate(exp)
	if res.Experiment != nil && id.remember(res.Experiment.Key, res.VariationIndex) {
		id.notify(res.Experiment.Key, res)
	}
	return res
}

// EvaluateKey evaluates the catalog experiment named key. The bool is false
// when the catalog has no such experiment.
func (id *Identity) EvaluateKey(key string) (Result, bool) {
	exp, ok := id.client.Experiment(key)
	if !ok {
		return Result{VariationIndex: Excluded, Reason: ReasonUnknown}, false
	}
	return id.Evaluate(exp), true
}

// LookupByDataKey finds the first catalog experiment, in catalog order,
// whose variations carry key in their Data and which includes the identity.
// The value comes from the chosen variation, falling back to variation 0.
func (id *Identity) LookupByDataKey(key string) (DataLookup, bool) {
	for _, exp := range id.client.Experiments() {
		if !carriesDataKey(exp, key) {
			continue
		}
		res := id.Evaluate(exp)
		if res.VariationIndex < 0 {
			continue
		}
		value, ok := res.Data[key]
		if !ok && len(exp.Variations) > 0 {
			value = exp.Variations[0].Data[key]
		}
		return DataLookup{Experiment: exp.Key, VariationIndex: res.VariationIndex, Value: value}, true
	}
	return DataLookup{VariationIndex: Excluded}, false
}

func carriesDataKey(exp *Experiment, key string) bool {
	for _, v := range exp.Variations {
		if _, ok := v.Data[key]; ok {
			return true
		}
	}
	return false
}

func (id *Identity) evaluate(def *Experiment) Result {
	if def == nil {
		return Result{VariationIndex: Excluded, Reason: ReasonUnknown}
	}
	snap := id.client.snapshot(def.Key)

	// 1. Merge.
	exp := def
	if snap.hasOverride {
		exp = snap.override.apply(def)
	}
	e := evaluation{identity: id, exp: exp, snap: snap}

	// 2. Disabled.
	if !snap.enabled || id.Destroyed() {
		return e.excluded(ReasonDisabled)
	}

	// 3. Query-string override.
	if snap.queryOverride {
		if v, ok := targeting.QueryOverride(exp.Key, snap.url); ok {
			return e.result(v, ReasonQueryOverride)
		}
	}

	// 4. Validity.
	adminForce, hasAdminForce := e.adminForce()
	forced := hasAdminForce || exp.Force != nil
	if len(exp.Variations) < 2 {
		e.warn("experiment must have at least two variations", slog.Int("variations", len(exp.Variations)))
		return e.excluded(ReasonInvalid)
	}
	if (exp.Status == StatusDraft || exp.Status == StatusStopped) && !forced {
		return e.excluded(ReasonInvalid)
	}

	// 5. Developer or override force.
	if hasAdminForce {
		return e.result(adminForce, ReasonForced)
	}

	// 6. Randomization unit.
	e.unitName = exp.RandomizationUnit
	if e.unitName == "" {
		e.unitName = UnitID
		if exp.Anon {
			e.unitName = UnitAnonID
		}
	}
	e.unitValue = id.unit(e.unitName)
	if e.unitValue == "" {
		return e.excluded(ReasonNoUnit)
	}

	// 7. Eligibility.
	if exp.Include != nil && !exp.Include() {
		return e.excluded(ReasonNotTargeted)
	}
	if len(exp.Groups) > 0 && !id.hasGroup(exp.Groups) {
		return e.excluded(ReasonNotTargeted)
	}
	if len(exp.Targeting) > 0 && !targeting.Evaluate(exp.Targeting, id.FlatAttributes(), snap.logger) {
		return e.excluded(ReasonNotTargeted)
	}
	if exp.URL != "" && !targeting.MatchURL(exp.URL, snap.url, snap.logger) {
		return e.excluded(ReasonNotTargeted)
	}

	// 8. Definition force.
	if exp.Force != nil {
		res := e.result(*exp.Force, ReasonDefinitionForced)
		e.track(res)
		return res
	}

	// 9. QA mode.
	if snap.qaMode {
		return e.excluded(ReasonQAMode)
	}

	// 10. Bucket.
	weights := hashing.Weights(len(exp.Variations), exp.declaredWeights(), exp.Coverage, e.repairLogger())
	variation := hashing.ChooseBucket(hashing.Hash(e.unitValue, exp.Key), weights)
	if variation < 0 {
		return e.excluded(ReasonNotCovered)
	}
	res := e.result(variation, ReasonAssigned)
	res.HashUsed = true

	// 11. Track.
	e.track(res)
	return res
}

// evaluation carries per-call state through the steps.
type evaluation struct {
	identity  *Identity
	exp       *Experiment
	snap      snapshot
	unitName  string
	unitValue string
}

func (e *evaluation) adminForce() (int, bool) {
	if e.snap.hasForced {
		return e.snap.forced, true
	}
	if e.snap.hasOverride && e.snap.override.Force != nil {
		return *e.snap.override.Force, true
	}
	return 0, false
}

func (e *evaluation) excluded(reason Reason) Result {
	res := e.result(Excluded, reason)
	res.InExperiment = false
	return res
}

// result builds a Result for variation. Out-of-range indexes keep their
// value but take variation 0's payload.
func (e *evaluation) result(variation int, reason Reason) Result {
	res := Result{
		Experiment:     e.exp,
		VariationIndex: variation,
		HashAttribute:  e.unitName,
		HashValue:      e.unitValue,
		Reason:         reason,
	}
	vars := e.exp.Variations
	inRange := variation >= 0 && variation < len(vars)
	switch {
	case inRange:
		res.Value = vars[variation].Value
		res.Data = vars[variation].Data
		res.InExperiment = true
		if vars[variation].HasVisualChange() {
			res.Activation = newActivation(e.identity.Engine(), e.exp.Key, variation, vars[variation])
		}
	case len(vars) > 0:
		res.Value = vars[0].Value
		res.Data = vars[0].Data
	}
	if e.snap.metrics != nil {
		e.snap.metrics.Evaluated(e.exp.Key, reason)
	}
	return res
}

// track fires the callback the first time this identity is included in
// the experiment.
func (e *evaluation) track(res Result) {
	if e.snap.track == nil || res.VariationIndex < 0 {
		return
	}
	if !e.identity.tracked.Add(trackingKey(e.unitName, e.unitValue, e.exp.Key)) {
		return
	}
	if e.snap.metrics != nil {
		e.snap.metrics.Tracked(e.exp.Key)
	}
	e.snap.track(Assignment{
		ExperimentKey:  e.exp.Key,
		VariationIndex: res.VariationIndex,
		Value:          res.Value,
		Data:           res.Data,
		HashAttribute:  e.unitName,
		HashValue:      e.unitValue,
		UserID:         e.identity.ID(),
		AnonID:         e.identity.AnonID(),
		Attributes:     e.identity.Attributes(),
		URL:            e.snap.url,
		Timestamp:      time.Now().UTC(),
	})
}

func trackingKey(unit, value, experiment string) string {
	return unit + ":" + value + "|" + experiment
}

func (e *evaluation) repairLogger() *slog.Logger {
	if e.snap.logger == nil {
		return nil
	}
	return e.snap.logger.With(slog.String("experiment", e.exp.Key))
}

func (e *evaluation) warn(msg string, args ...any) {
	if l := e.repairLogger(); l != nil {
		l.Warn(msg, args...)
	}
}
