// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks externally supplied identifiers before they are
// used as storage keys, metric labels or analytics payloads.
//
// Visitor ids end up inside BadgerDB keys ("tracked/<unit>:<value>|<key>")
// and experiment keys end up as Prometheus label values and InfluxDB tags.
// Both must be bounded and free of control characters.
package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxIdentifierLength bounds visitor ids and unit values, in bytes.
const MaxIdentifierLength = 256

// MaxExperimentKeyLength bounds experiment keys, in bytes.
const MaxExperimentKeyLength = 128

// ValidateIdentifier validates a visitor id or randomization unit value.
//
// Valid identifiers:
//   - at most MaxIdentifierLength bytes
//   - valid UTF-8
//   - no control characters (newlines, NUL, escapes)
//
// The empty string is valid; it means the unit is absent.
//
// Example:
//
//	if err := validation.ValidateIdentifier(req.ID); err != nil {
//	    c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
//	    return
//	}
func ValidateIdentifier(value string) error {
	if len(value) > MaxIdentifierLength {
		return fmt.Errorf("identifier too long: %d bytes (max %d)", len(value), MaxIdentifierLength)
	}
	return checkRunes(value)
}

// ValidateIdentifiers validates every value of a unit map.
// Returns an error naming each invalid unit.
func ValidateIdentifiers(units map[string]string) error {
	var invalid []string
	for name, value := range units {
		if err := ValidateIdentifier(name); err != nil {
			invalid = append(invalid, name)
			continue
		}
		if err := ValidateIdentifier(value); err != nil {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid units: %v", invalid)
	}
	return nil
}

// ValidateExperimentKey validates an experiment key.
//
// Valid keys:
//   - 1 to MaxExperimentKeyLength bytes
//   - valid UTF-8, no control characters or whitespace
//   - no "|", which separates the key in tracking records
func ValidateExperimentKey(key string) error {
	if key == "" {
		return fmt.Errorf("experiment key cannot be empty")
	}
	if len(key) > MaxExperimentKeyLength {
		return fmt.Errorf("experiment key too long: %d bytes (max %d)", len(key), MaxExperimentKeyLength)
	}
	if err := checkRunes(key); err != nil {
		return err
	}
	if strings.ContainsFunc(key, unicode.IsSpace) {
		return fmt.Errorf("experiment key %q contains whitespace", key)
	}
	if strings.Contains(key, "|") {
		return fmt.Errorf("experiment key %q contains %q", key, "|")
	}
	return nil
}

func checkRunes(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("invalid UTF-8 in %q", s)
	}
	if strings.ContainsFunc(s, unicode.IsControl) {
		return fmt.Errorf("control character in %q", s)
	}
	return nil
}
