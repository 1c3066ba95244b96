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
	"log/slog"
	"regexp"
	"strings"
)

var (
	// unescapedSlash finds a "/" not preceded by a backslash.
	unescapedSlash = regexp.MustCompile(`([^\\])/`)
	schemePrefix   = regexp.MustCompile(`^https?://`)
	hostPrefix     = regexp.MustCompile(`^[^/]*/`)
)

// PathOnly strips the scheme and host from a URL, keeping the leading "/".
//
//	PathOnly("https://example.com/pricing?x=1") == "/pricing?x=1"
func PathOnly(url string) string {
	stripped := schemePrefix.ReplaceAllString(url, "")
	return hostPrefix.ReplaceAllString(stripped, "/")
}

// MatchURL reports whether url matches the experiment's URL pattern.
//
// Description:
//
//	The pattern is a regular expression. Unescaped "/" characters are
//	escaped first so patterns copied from JavaScript literals behave the
//	same. The expression is tested against the full URL and against the
//	path-only projection; either match counts.
//
// Inputs:
//
//	pattern - The experiment's URL pattern.
//	url - The current page URL. Empty never matches.
//	logger - Receives compile errors. Nil disables them.
//
// Outputs:
//
//	bool - True on match. An invalid pattern is treated as no match.
func MatchURL(pattern, url string, logger *slog.Logger) bool {
	if url == "" {
		return false
	}

	// The replacement consumes the preceding character, so a run such as
	// "a//b" needs a second pass to escape the second slash.
	escaped := pattern
	for {
		next := unescapedSlash.ReplaceAllString(escaped, `$1\/`)
		if next == escaped {
			break
		}
		escaped = next
	}

	re, err := regexp.Compile(escaped)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid experiment url pattern",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))
		}
		return false
	}

	if re.MatchString(url) {
		return true
	}
	return re.MatchString(PathOnly(url))
}

// QueryOverride extracts a forced variation for key from the URL's query string.
//
// Description:
//
//	Looks for "key=<int>" in the query string (the fragment is ignored).
//	The value is parsed like JavaScript's parseInt: leading whitespace and
//	sign are accepted and parsing stops at the first non-digit. Only the
//	first occurrence of the key is considered, and it is accepted when it
//	falls in [-1, 10).
//
// Outputs:
//
//	int - The forced variation.
//	bool - False when no acceptable override is present.
func QueryOverride(key, url string) (int, bool) {
	if url == "" {
		return 0, false
	}
	parts := strings.SplitN(url, "?", 3)
	if len(parts) < 2 || parts[1] == "" {
		return 0, false
	}
	search := parts[1]
	if i := strings.IndexByte(search, '#'); i >= 0 {
		search = search[:i]
	}

	for _, kv := range strings.Split(search, "&") {
		pair := strings.SplitN(kv, "=", 3)
		if pair[0] != key {
			continue
		}
		if len(pair) < 2 {
			return 0, false
		}
		v, ok := parseLeadingInt(pair[1])
		if !ok || v < -1 || v >= 10 {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// parseLeadingInt parses an optionally signed run of leading digits.
func parseLeadingInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t\n\r\f\v")
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	n, digits := 0, 0
	for digits < len(s) && s[digits] >= '0' && s[digits] <= '9' {
		n = n*10 + int(s[digits]-'0')
		digits++
		if n > 1<<20 {
			break
		}
	}
	if digits == 0 {
		return 0, false
	}
	if neg {
		n = -n
	}
	return n, true
}
