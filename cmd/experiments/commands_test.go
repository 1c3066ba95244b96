// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliCatalog = `
experiments:
  - key: hero
    auto: true
    variations:
      - value: control
      - value: bold
        mutations:
          - {selector: h1, type: addClass, value: bold}
  - key: checkout
    variations:
      - value: 0
      - value: 1
`

const cliPage = `<html><head></head><body><h1>Hi</h1></body></html>`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// run executes the CLI with a config file that does not exist.
func run(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	t.Setenv("EXPERIMENTS_LOG_LEVEL", "error")
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err = root.Execute()
	return out.String(), errOut.String(), err
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"serve", "eval", "render", "catalog"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestEval_JSON(t *testing.T) {
	cat := writeFile(t, t.TempDir(), "catalog.yaml", cliCatalog)
	stdout, _, err := run(t, "eval", "--catalog", cat, "--id", "u1", "--force", "checkout=1", "--json", "checkout", "missing")
	require.NoError(t, err)

	var results []jsonResult
	require.NoError(t, json.Unmarshal([]byte(stdout), &results))
	require.Len(t, results, 2)
	assert.Equal(t, "checkout", results[0].Experiment)
	assert.Equal(t, 1, results[0].Variation)
	assert.Equal(t, "forced", string(results[0].Reason))
	assert.Equal(t, -1, results[1].Variation)
	assert.Equal(t, "unknown_experiment", string(results[1].Reason))
}

func TestEval_Table(t *testing.T) {
	cat := writeFile(t, t.TempDir(), "catalog.yaml", cliCatalog)
	stdout, _, err := run(t, "eval", "--catalog", cat, "--force", "hero=0")
	require.NoError(t, err)
	assert.Contains(t, stdout, "EXPERIMENT")
	assert.Contains(t, stdout, "hero")
	assert.Contains(t, stdout, "checkout")
	assert.Contains(t, stdout, "no_unit")
}

func TestEval_Dump(t *testing.T) {
	cat := writeFile(t, t.TempDir(), "catalog.yaml", cliCatalog)
	stdout, _, err := run(t, "eval", "--catalog", cat, "--id", "u1", "--force", "checkout=1", "--dump", "checkout")
	require.NoError(t, err)
	assert.Contains(t, stdout, "checkout: ")
	assert.Contains(t, stdout, "VariationIndex: (int) 1")
}

func TestEval_MissingCatalog(t *testing.T) {
	_, _, err := run(t, "eval", "--catalog", filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestRender(t *testing.T) {
	dir := t.TempDir()
	cat := writeFile(t, dir, "catalog.yaml", cliCatalog)
	pagePath := writeFile(t, dir, "page.html", cliPage)

	stdout, stderr, err := run(t, "render", "--catalog", cat, "--id", "u1", "--force", "hero=1", pagePath)
	require.NoError(t, err)
	assert.Contains(t, stdout, `<h1 class="bold">Hi</h1>`)
	assert.Contains(t, stderr, "hero → variation 1")
}

func TestRender_OutputFile(t *testing.T) {
	dir := t.TempDir()
	cat := writeFile(t, dir, "catalog.yaml", cliCatalog)
	pagePath := writeFile(t, dir, "page.html", cliPage)
	outPath := filepath.Join(dir, "out.html")

	_, stderr, err := run(t, "render", "--catalog", cat, "--id", "u1", "--force", "hero=0", "-o", outPath, pagePath)
	require.NoError(t, err)
	assert.Contains(t, stderr, "no experiments active")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `<h1>Hi</h1>`)
}

func TestCatalogValidate(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.yaml", cliCatalog)
	stdout, _, err := run(t, "catalog", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, stdout, "2 experiments, 0 overrides, 0 warnings")

	bad := writeFile(t, dir, "bad.yaml", "experiments:\n  - key: a\n    variations: [{value: 0}]\n")
	stdout, _, err = run(t, "catalog", "validate", good, bad)
	require.ErrorIs(t, err, errCatalogInvalid)
	assert.Contains(t, stdout, "✗")
}

func TestCatalogValidate_Strict(t *testing.T) {
	path := writeFile(t, t.TempDir(), "warn.yaml", `
experiments:
  - key: split
    weights: [0.9, 0.9]
    variations:
      - value: a
      - value: b
`)
	stdout, _, err := run(t, "catalog", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "split: weights")

	_, _, err = run(t, "catalog", "validate", "--strict", path)
	assert.ErrorIs(t, err, errCatalogInvalid)
}

func TestCatalogPublish_NeedsDestination(t *testing.T) {
	path := writeFile(t, t.TempDir(), "catalog.yaml", cliCatalog)
	_, _, err := run(t, "catalog", "publish", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no destination")
}
