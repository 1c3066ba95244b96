// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"empty", "", false},
		{"uuid", "4b0c7d1e-2f8a-4c3e-9a55-0d6e1f2a3b4c", false},
		{"provider prefix", "auth0|5f7c", false},
		{"email", "someone@example.com", false},
		{"unicode", "björk", false},
		{"max length", strings.Repeat("a", MaxIdentifierLength), false},

		{"too long", strings.Repeat("a", MaxIdentifierLength+1), true},
		{"newline", "u1\nforged", true},
		{"nul", "u1\x00", true},
		{"escape", "\x1b[31mu1", true},
		{"invalid utf8", "u\xff1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.value)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier(%q) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifiers(t *testing.T) {
	tests := []struct {
		name    string
		units   map[string]string
		wantErr bool
	}{
		{"nil", nil, false},
		{"all valid", map[string]string{"company": "acme", "device": "d-1"}, false},
		{"bad value", map[string]string{"company": "acme\n"}, true},
		{"bad name", map[string]string{"com\tpany": "acme"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifiers(tt.units)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifiers(%v) error = %v, wantErr %v", tt.units, err, tt.wantErr)
			}
		})
	}
}

func TestValidateExperimentKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"simple", "checkout", false},
		{"dashed", "hero-copy", false},
		{"dotted", "checkout.v2", false},
		{"slash", "pricing/hero", false},

		{"empty", "", true},
		{"space", "hero copy", true},
		{"pipe", "hero|copy", true},
		{"tab", "hero\tcopy", true},
		{"too long", strings.Repeat("k", MaxExperimentKeyLength+1), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExperimentKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateExperimentKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}
