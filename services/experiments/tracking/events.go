// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tracking

import (
	"fmt"
	"maps"
	"regexp"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/AleutianAI/AleutianExperiments/services/experiments/page"
)

// EventRule turns a page event into an analytics event. The rule fires
// when the page URL matches URLPattern (case-insensitive, empty matches
// every page) and the event target or one of its ancestors matches
// Selector.
type EventRule struct {
	URLPattern string         `yaml:"urlPattern,omitempty" json:"urlPattern,omitempty"`
	Selector   string         `yaml:"selector" json:"selector" validate:"required"`
	Name       string         `yaml:"name" json:"name" validate:"required"`
	Properties map[string]any `yaml:"properties,omitempty" json:"properties,omitempty"`
}

type compiledRule struct {
	rule     EventRule
	url      *regexp.Regexp
	selector cascadia.Selector
}

// EventRules holds compiled rules keyed by page event type ("click",
// "submit", ...). The zero value and nil match nothing.
type EventRules struct {
	byType map[string][]compiledRule
}

// CompileEventRules compiles every URL pattern and selector up front.
// Rules keep their order within an event type.
func CompileEventRules(rules map[string][]EventRule) (*EventRules, error) {
	out := &EventRules{byType: make(map[string][]compiledRule, len(rules))}
	for eventType, list := range rules {
		compiled := make([]compiledRule, 0, len(list))
		for i, r := range list {
			cr := compiledRule{rule: r}
			if r.URLPattern != "" {
				re, err := regexp.Compile("(?i)" + r.URLPattern)
				if err != nil {
					return nil, fmt.Errorf("%s rule %d: url pattern %q: %w", eventType, i, r.URLPattern, err)
				}
				cr.url = re
			}
			sel, err := page.Compile(r.Selector)
			if err != nil {
				return nil, fmt.Errorf("%s rule %d: selector %q: %w", eventType, i, r.Selector, err)
			}
			cr.selector = sel
			compiled = append(compiled, cr)
		}
		out.byType[eventType] = compiled
	}
	return out, nil
}

// Len returns the number of rules across all event types.
func (r *EventRules) Len() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, list := range r.byType {
		n += len(list)
	}
	return n
}

// Match returns the first rule for eventType whose URL pattern matches
// pageURL and whose selector matches target or its closest ancestor.
// Only the first matching rule fires.
func (r *EventRules) Match(eventType, pageURL string, target *html.Node) (EventRule, bool) {
	if r == nil || target == nil {
		return EventRule{}, false
	}
	for _, cr := range r.byType[eventType] {
		if cr.url != nil && !cr.url.MatchString(pageURL) {
			continue
		}
		if closest(target, cr.selector) != nil {
			rule := cr.rule
			rule.Properties = maps.Clone(rule.Properties)
			return rule, true
		}
	}
	return EventRule{}, false
}

// Event builds the analytics event a matched rule sends.
func (r EventRule) Event(userID, anonID, pageURL string) Event {
	props := maps.Clone(r.Properties)
	if props == nil {
		props = map[string]any{}
	}
	return Event{
		UserID:      userID,
		AnonymousID: anonID,
		URL:         pageURL,
		Event:       r.Name,
		Properties:  props,
	}
}

// closest walks from n up through its ancestors and returns the first
// element matching sel.
func closest(n *html.Node, sel cascadia.Selector) *html.Node {
	for ; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && sel.Match(n) {
			return n
		}
	}
	return nil
}
