// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casepilot-ai/casepilot/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func TestNewManagerLoadsEmbeddedTemplates(t *testing.T) {
	m, err := NewManager("", testLogger())
	require.NoError(t, err)

	names := m.Names()
	assert.Contains(t, names, "analyze")
	assert.Contains(t, names, "generate")
	assert.Contains(t, names, "update")
	assert.Contains(t, names, "refine")
}

func TestRenderSubstitutesAllPlaceholders(t *testing.T) {
	m, err := NewManager("", testLogger())
	require.NoError(t, err)

	out, err := m.Render("analyze", map[string]string{
		"product_overview":    "An inventory platform.",
		"change_request":      "Add bulk import of SKUs.",
		"existing_test_cases": "[tc_001] Verify SKU creation",
	})
	require.NoError(t, err)

	assert.Contains(t, out, "An inventory platform.")
	assert.Contains(t, out, "Add bulk import of SKUs.")
	assert.Contains(t, out, "[tc_001] Verify SKU creation")
	assert.NotContains(t, out, "{product_overview}")
	assert.NotContains(t, out, "{change_request}")
}

func TestRenderUnresolvedPlaceholderFails(t *testing.T) {
	m, err := NewManager("", testLogger())
	require.NoError(t, err)

	_, err = m.Render("analyze", map[string]string{
		"product_overview": "overview only",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unresolved placeholder")
}

func TestRenderUnknownTemplate(t *testing.T) {
	m, err := NewManager("", testLogger())
	require.NoError(t, err)

	_, err = m.Render("does_not_exist", nil)
	assert.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestRefineTemplateCarriesViolations(t *testing.T) {
	m, err := NewManager("", testLogger())
	require.NoError(t, err)

	out, err := m.Render("refine", map[string]string{
		"violations": "- type: must be one of [functional integration]",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "did not conform")
	assert.Contains(t, out, "must be one of")
}

func TestOverrideDirectoryReplacesTemplate(t *testing.T) {
	dir := t.TempDir()
	custom := "Custom analysis for {change_request}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "analyze.txt"), []byte(custom), 0o644))

	m, err := NewManager(dir, testLogger())
	require.NoError(t, err)

	out, err := m.Render("analyze", map[string]string{"change_request": "ship it"})
	require.NoError(t, err)
	assert.Equal(t, "Custom analysis for ship it\n", out)

	// Templates without an override keep their embedded text.
	gen, err := m.Render("generate", map[string]string{
		"product_overview":    "o",
		"change_request":      "c",
		"test_case_type":      "functional",
		"title":               "t",
		"priority":            "P2 - High",
		"existing_test_cases": "none",
	})
	require.NoError(t, err)
	assert.True(t, strings.Contains(gen, "functional"))
}

func TestMissingOverrideDirectoryIsNotAnError(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "nope"), testLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, m.Names())
}
