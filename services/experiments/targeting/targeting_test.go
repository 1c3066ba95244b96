// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package targeting

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRule(t *testing.T) {
	r := ParseRule("name = john")
	assert.Equal(t, "name", r.Attribute)
	assert.Equal(t, OpEqual, r.Operator)
	assert.Equal(t, "john", r.Value)

	// Tokens after the value are dropped.
	r = ParseRule("name = john smith")
	assert.Equal(t, "john", r.Value)
	assert.True(t, r.Check("john", nil))
	assert.False(t, r.Check("john smith", nil))

	r = ParseRule("member")
	assert.Equal(t, "member", r.Attribute)
	assert.Empty(t, string(r.Operator))
	assert.Empty(t, r.Value)
}

func TestRuleCheck(t *testing.T) {
	tests := []struct {
		rule   string
		actual string
		want   bool
	}{
		{"member = true", "true", true},
		{"member = true", "false", false},
		{"name != matt", "george", true},
		{"name != matt", "matt", false},
		{"age > 18", "21", true},
		{"age > 18", "17", false},
		{"age > 18", "9", false},       // numeric, not lexicographic
		{"age < 18", "100", false},     // numeric, not lexicographic
		{"version > 1.2", "1.10", false}, // numeric: 1.10 < 1.2
		{"name > b", "c", true},        // lexicographic fallback
		{"age > 18", "", false},        // empty compares as NaN
		{"age < 18", "", false},
		{"source ~ (google|yahoo)", "yahoo", true},
		{"source ~ (google|yahoo)", "goog", false},
		{"email !~ ^.*@exclude.com$", "test@example.com", true},
		{"email !~ ^.*@exclude.com$", "a@exclude.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.rule+"/"+tt.actual, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseRule(tt.rule).Check(tt.actual, nil))
		})
	}
}

func TestRuleCheck_UnknownOperatorFailsOpen(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	assert.True(t, ParseRule("age >= 18").Check("1", logger))
	assert.Contains(t, buf.String(), "unknown targeting rule operator")
}

func TestRuleCheck_InvalidRegexFails(t *testing.T) {
	assert.False(t, ParseRule("name ~ (unclosed").Check("anything", nil))
	assert.False(t, ParseRule("name !~ (unclosed").Check("anything", nil))
}

func TestEvaluate(t *testing.T) {
	rules := []string{
		"member = true",
		"age > 18",
		"source ~ (google|yahoo)",
		"name != matt",
		"email !~ ^.*@exclude.com$",
	}

	attrs := map[string]string{
		"member": "true",
		"age":    "21",
		"source": "yahoo",
		"name":   "george",
		"email":  "test@example.com",
	}
	assert.True(t, Evaluate(rules, attrs, nil))

	// Negative checks pass when the attribute is absent.
	delete(attrs, "name")
	delete(attrs, "email")
	assert.True(t, Evaluate(rules, attrs, nil))

	assert.False(t, Evaluate(rules, map[string]string{}, nil))
	assert.True(t, Evaluate(nil, nil, nil))
}

func TestMatchURL(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		url     string
		want    bool
	}{
		{"full url", "^https://example.com/pricing", "https://example.com/pricing", true},
		{"path only", "^/pricing$", "https://example.com/pricing", true},
		{"path with query", "^/pricing", "http://example.com/pricing?plan=pro", true},
		{"no match", "^/about", "https://example.com/pricing", false},
		{"empty url", ".*", "", false},
		{"invalid pattern fails closed", "(/pricing", "https://example.com/pricing", false},
		{"escaped slashes kept", `^\/blog\/`, "https://example.com/blog/post", true},
		{"double slash", "^https://", "https://example.com/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchURL(tt.pattern, tt.url, nil))
		})
	}
}

func TestPathOnly(t *testing.T) {
	assert.Equal(t, "/a/b?c=1", PathOnly("https://example.com/a/b?c=1"))
	assert.Equal(t, "/a", PathOnly("example.com/a"))
	assert.Equal(t, "/", PathOnly("http://example.com/"))
}

func TestQueryOverride(t *testing.T) {
	tests := []struct {
		url    string
		want   int
		wantOK bool
	}{
		{"https://example.com/?forced-test-qs=1", 1, true},
		{"https://example.com/?a=b&forced-test-qs=2#top", 2, true},
		{"https://example.com/?forced-test-qs=-1", -1, true},
		{"https://example.com/?forced-test-qs=9", 9, true},
		{"https://example.com/?forced-test-qs=10", 0, false},
		{"https://example.com/?forced-test-qs=-2", 0, false},
		{"https://example.com/?forced-test-qs=abc", 0, false},
		{"https://example.com/?forced-test-qs=3abc", 3, true},
		{"https://example.com/?forced-test-qs", 0, false},
		{"https://example.com/?other=1", 0, false},
		{"https://example.com/", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, ok := QueryOverride("forced-test-qs", tt.url)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
