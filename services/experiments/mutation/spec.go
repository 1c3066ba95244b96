// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mutation

import (
	"regexp"
	"slices"
	"strings"
)

// Type is the kind of change a Spec describes.
type Type string

const (
	AddClass     Type = "addClass"
	RemoveClass  Type = "removeClass"
	SetHTML      Type = "setHTML"
	AppendHTML   Type = "appendHTML"
	SetAttribute Type = "setAttribute"
)

// Derived attributes that are not plain element attributes.
const (
	attrClassName = "className"
	attrHTML      = "html"
)

// setAttributePattern matches a name="value" pair at the start of a
// SetAttribute value.
var setAttributePattern = regexp.MustCompile(`^([a-zA-Z:_][a-zA-Z0-9:_.-]*)\s*=\s*"([^"]*)"`)

// Spec is a declarative page change. Identical Specs share one registration.
type Spec struct {
	Selector string `yaml:"selector" json:"selector" validate:"required"`
	Type     Type   `yaml:"type" json:"type" validate:"required,oneof=addClass removeClass setHTML appendHTML setAttribute"`
	Value    string `yaml:"value" json:"value"`
}

// Attribute returns the derived attribute the Spec touches: "className"
// for class changes, "html" for markup changes, or the attribute named in
// a SetAttribute value. It returns "" for an invalid Spec.
func (s Spec) Attribute() string {
	switch s.Type {
	case AddClass, RemoveClass:
		return attrClassName
	case SetHTML, AppendHTML:
		return attrHTML
	case SetAttribute:
		m := setAttributePattern.FindStringSubmatch(s.Value)
		if m == nil {
			return ""
		}
		if m[1] == "class" || m[1] == "classname" {
			return attrClassName
		}
		return m[1]
	}
	return ""
}

// Valid reports whether the Spec can be applied.
func (s Spec) Valid() bool {
	return s.Selector != "" && s.Attribute() != ""
}

// fold applies one mutation to the running value of its attribute.
func fold(t Type, mutationValue, current string) string {
	switch t {
	case AddClass:
		tokens := strings.Fields(current)
		for _, c := range strings.Fields(mutationValue) {
			if !slices.Contains(tokens, c) {
				tokens = append(tokens, c)
			}
		}
		return strings.Join(tokens, " ")
	case RemoveClass:
		remove := strings.Fields(mutationValue)
		tokens := slices.DeleteFunc(strings.Fields(current), func(c string) bool {
			return slices.Contains(remove, c)
		})
		return strings.Join(tokens, " ")
	case SetHTML:
		return mutationValue
	case AppendHTML:
		return current + mutationValue
	case SetAttribute:
		if m := setAttributePattern.FindStringSubmatch(mutationValue); m != nil {
			return m[2]
		}
		return ""
	}
	return current
}
