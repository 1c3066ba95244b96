// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog loads, validates and serves experiment definitions.
//
// A catalog is a YAML (or JSON) document:
//
//	experiments:
//	  - key: hero-copy
//	    auto: true
//	    url: ^/pricing
//	    variations:
//	      - value: control
//	      - value: bold
//	        mutations:
//	          - {selector: h1, type: addClass, value: bold}
//	overrides:
//	  hero-copy:
//	    coverage: 0.5
//	events:
//	  click:
//	    - {urlPattern: /pricing, selector: .buy, name: Buy Clicked}
//
// Store holds the current catalog and implements assignment.CatalogSource.
// It can be fed from a local file (optionally hot-reloaded with Watcher),
// from a remote config endpoint (Fetcher), or from a GCS object (GCSLoader).
package catalog

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianExperiments/pkg/validation"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/assignment"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/hashing"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/page"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/targeting"
	"github.com/AleutianAI/AleutianExperiments/services/experiments/tracking"
)

// ErrInvalidCatalog wraps every structural validation failure.
var ErrInvalidCatalog = errors.New("invalid catalog")

// Catalog is the document format.
type Catalog struct {
	Experiments []*assignment.Experiment       `yaml:"experiments" json:"experiments" validate:"dive,required"`
	Overrides   map[string]assignment.Override `yaml:"overrides,omitempty" json:"overrides,omitempty" validate:"dive"`

	// Events maps a page event type to the rules that turn it into an
	// analytics event. See tracking.EventRule.
	Events map[string][]tracking.EventRule `yaml:"events,omitempty" json:"events,omitempty" validate:"dive,dive"`
}

var validate = validator.New()

var knownOperators = map[targeting.Operator]bool{
	targeting.OpEqual:      true,
	targeting.OpNotEqual:   true,
	targeting.OpGreater:    true,
	targeting.OpLess:       true,
	targeting.OpMatches:    true,
	targeting.OpNotMatches: true,
}

// Parse decodes and validates a catalog document.
//
// Description:
//
//	Structural problems are errors wrapping ErrInvalidCatalog: missing or
//	duplicate keys, fewer than two variations, unknown statuses, malformed
//	mutations, event rules whose URL pattern or selector does not
//	compile. Problems the engine repairs at evaluation time (weights,
//	coverage, URL patterns) are not errors; see Lint.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidCatalog, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the structural rules described on Parse.
func (c *Catalog) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidCatalog, describe(err))
	}
	seen := make(map[string]bool, len(c.Experiments))
	for _, exp := range c.Experiments {
		if seen[exp.Key] {
			return fmt.Errorf("%w: duplicate experiment key %q", ErrInvalidCatalog, exp.Key)
		}
		seen[exp.Key] = true
		for i, v := range exp.Variations {
			for j, m := range v.Mutations {
				if !m.Valid() {
					return fmt.Errorf("%w: %s variation %d mutation %d: malformed %s value %q",
						ErrInvalidCatalog, exp.Key, i, j, m.Type, m.Value)
				}
			}
		}
	}
	if _, err := tracking.CompileEventRules(c.Events); err != nil {
		return fmt.Errorf("%w: events: %v", ErrInvalidCatalog, err)
	}
	return nil
}

// EventRules compiles the catalog's event rules.
func (c *Catalog) EventRules() (*tracking.EventRules, error) {
	return tracking.CompileEventRules(c.Events)
}

// Lint reports definitions the engine will repair or ignore at runtime.
// The catalog stays loadable; these are warnings for authors.
func (c *Catalog) Lint() []string {
	var warnings []string
	add := func(key, format string, args ...any) {
		warnings = append(warnings, key+": "+fmt.Sprintf(format, args...))
	}
	for _, exp := range c.Experiments {
		lintExperiment(exp, add)
	}
	for key, o := range c.Overrides {
		if !c.has(key) {
			add(key, "override for unknown experiment")
		}
		if o.Coverage != nil && (*o.Coverage < 0 || *o.Coverage > 1) {
			add(key, "override coverage %v outside [0,1]", *o.Coverage)
		}
	}
	return warnings
}

func lintExperiment(exp *assignment.Experiment, add func(key, format string, args ...any)) {
	n := len(exp.Variations)
	if err := validation.ValidateExperimentKey(exp.Key); err != nil {
		add(exp.Key, "%v", err)
	}
	if len(exp.Weights) > 0 && !slices.Equal(hashing.Weights(n, exp.Weights, nil, nil), exp.Weights) {
		add(exp.Key, "weights %v are invalid and fall back to an even split", exp.Weights)
	}
	if exp.Coverage != nil && (*exp.Coverage < 0 || *exp.Coverage > 1) {
		add(exp.Key, "coverage %v outside [0,1]", *exp.Coverage)
	}
	if exp.Force != nil && (*exp.Force < 0 || *exp.Force >= n) {
		add(exp.Key, "force %d has no matching variation", *exp.Force)
	}
	if exp.URL != "" && !compiles(exp.URL) {
		add(exp.Key, "url pattern %q does not compile and will never match", exp.URL)
	}
	for _, raw := range exp.Targeting {
		rule := targeting.ParseRule(raw)
		if !knownOperators[rule.Operator] {
			add(exp.Key, "rule %q has unknown operator and always passes", raw)
		}
		if (rule.Operator == targeting.OpMatches || rule.Operator == targeting.OpNotMatches) && !compiles(rule.Value) {
			add(exp.Key, "rule %q regex does not compile and always fails", raw)
		}
	}
	for i, v := range exp.Variations {
		for _, m := range v.Mutations {
			if _, err := page.Compile(m.Selector); err != nil {
				add(exp.Key, "variation %d selector %q is invalid", i, m.Selector)
			}
		}
	}
	if exp.Auto && !exp.HasVisualChange() {
		add(exp.Key, "auto experiment has no visual change")
	}
	if exp.Status == assignment.StatusDraft && exp.Force == nil {
		add(exp.Key, "draft experiment only assigns through query-string overrides")
	}
}

func (c *Catalog) has(key string) bool {
	for _, exp := range c.Experiments {
		if exp.Key == key {
			return true
		}
	}
	return false
}

func compiles(pattern string) bool {
	_, err := regexp.Compile(pattern)
	return err == nil
}

// describe flattens validator errors into one line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
