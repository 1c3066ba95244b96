// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package targeting evaluates attribute rules and URL patterns for experiments.
//
// A rule is a string of the form "attribute operator value":
//
//	"age > 18"
//	"source ~ (google|yahoo)"
//	"email !~ ^.*@exclude.com$"
//
// Rules for one experiment are ANDed. Two failure modes are deliberately
// asymmetric: an unknown operator passes (fail-open), while an invalid URL
// pattern never matches (fail-closed).
package targeting

import (
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Operator is a comparison operator in a targeting rule.
type Operator string

const (
	OpEqual      Operator = "="
	OpNotEqual   Operator = "!="
	OpGreater    Operator = ">"
	OpLess       Operator = "<"
	OpMatches    Operator = "~"
	OpNotMatches Operator = "!~"
)

// numericPattern decides whether an operand takes part in numeric comparison.
// It also matches the empty string; such operands compare as NaN.
var numericPattern = regexp.MustCompile(`^[-]?[0-9]*(\.[0-9]*)?$`)

// Rule is a parsed "attribute operator value" expression.
type Rule struct {
	Attribute string
	Operator  Operator
	Value     string
}

// ParseRule splits a rule on single spaces and keeps the first three
// tokens. Anything after the third token is ignored, so values cannot
// contain spaces ("name = John Smith" compares against "John"). Missing
// parts are left empty.
func ParseRule(raw string) Rule {
	parts := strings.Split(raw, " ")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	var r Rule
	if len(parts) > 0 {
		r.Attribute = strings.TrimSpace(parts[0])
	}
	if len(parts) > 1 {
		r.Operator = Operator(strings.TrimSpace(parts[1]))
	}
	if len(parts) > 2 {
		r.Value = strings.TrimSpace(parts[2])
	}
	return r
}

// String renders the rule back to its textual form.
func (r Rule) String() string {
	return r.Attribute + " " + string(r.Operator) + " " + r.Value
}

// Check compares actual against the rule value.
//
// Description:
//
//	Ordering operators compare numerically when both operands look numeric
//	and lexicographically otherwise. Regex operators compile the rule value
//	with the standard RE2 engine. An unknown operator is logged and treated
//	as a match. An uncompilable regex is logged and treated as a failed rule.
//
// Inputs:
//
//	actual - The visitor's attribute value ("" when absent).
//	logger - Receives operator/regex errors. Nil disables them.
//
// Outputs:
//
//	bool - True when the rule passes.
func (r Rule) Check(actual string, logger *slog.Logger) bool {
	desired := r.Value

	numeric := numericPattern.MatchString(actual) && numericPattern.MatchString(desired)

	switch r.Operator {
	case OpEqual:
		return actual == desired
	case OpNotEqual:
		return actual != desired
	case OpGreater:
		if numeric {
			return parseNumber(actual) > parseNumber(desired)
		}
		return actual > desired
	case OpLess:
		if numeric {
			return parseNumber(actual) < parseNumber(desired)
		}
		return actual < desired
	case OpMatches, OpNotMatches:
		re, err := regexp.Compile(desired)
		if err != nil {
			if logger != nil {
				logger.Error("invalid targeting regex",
					slog.String("rule", r.String()),
					slog.String("error", err.Error()))
			}
			return false
		}
		matched := re.MatchString(actual)
		if r.Operator == OpMatches {
			return matched
		}
		return !matched
	}

	if logger != nil {
		logger.Error("unknown targeting rule operator",
			slog.String("operator", string(r.Operator)),
			slog.String("rule", r.String()))
	}
	return true
}

// Evaluate ANDs all rules against a flattened attribute map.
func Evaluate(rules []string, attributes map[string]string, logger *slog.Logger) bool {
	for _, raw := range rules {
		rule := ParseRule(raw)
		if !rule.Check(attributes[rule.Attribute], logger) {
			return false
		}
	}
	return true
}

// parseNumber parses an operand that already matched numericPattern.
// Operands such as "", "-" or "." carry no digits and become NaN, so every
// ordering comparison involving them is false.
func parseNumber(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}
