// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casepilot-ai/casepilot/pkg/config"
	"github.com/casepilot-ai/casepilot/pkg/logging"
	"github.com/casepilot-ai/casepilot/services/embed"
)

// setTestEnv points every on-disk path at a temp directory so buildApp
// never touches the working tree.
func setTestEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("CASEPILOT_CORPUS_DIR", filepath.Join(dir, "test_cases"))
	t.Setenv("CASEPILOT_OVERVIEW_PATH", filepath.Join(dir, "PRODUCT_OVERVIEW.md"))
	t.Setenv("CASEPILOT_REPORTS_DIR", filepath.Join(dir, "reports"))
	t.Setenv("CASEPILOT_INDEX_PATH", filepath.Join(dir, "index", "vectors.json"))
	t.Setenv("CASEPILOT_METRICS_DIR", filepath.Join(dir, "metrics"))
}

func TestBuildAppWiresPipeline(t *testing.T) {
	setTestEnv(t)

	app, err := buildApp(appOptions{})
	require.NoError(t, err)
	defer app.Close()

	require.NotNil(t, app.copilot)
	require.NotNil(t, app.retriever)
	assert.Nil(t, app.server)

	status := app.copilot.GetStatus()
	assert.Equal(t, "missing_api_key", status.Status)
	assert.Equal(t, 0, status.TestCasesCount)
}

func TestBuildAppRequiresAPIKeyForModelCommands(t *testing.T) {
	setTestEnv(t)

	_, err := buildApp(appOptions{requireModel: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}

func TestBuildEmbedder(t *testing.T) {
	logger := logging.New(logging.Config{Quiet: true})

	t.Run("hash default", func(t *testing.T) {
		cfg := config.Default()
		embedder, err := buildEmbedder(&cfg, logger)
		require.NoError(t, err)
		assert.IsType(t, &embed.HashEmbedder{}, embedder)
	})

	t.Run("openai without key fails", func(t *testing.T) {
		cfg := config.Default()
		cfg.Embedder = "openai"
		_, err := buildEmbedder(&cfg, logger)
		require.Error(t, err)
	})

	t.Run("openai with key", func(t *testing.T) {
		cfg := config.Default()
		cfg.Embedder = "openai"
		cfg.OpenAIAPIKey = "sk-test"
		embedder, err := buildEmbedder(&cfg, logger)
		require.NoError(t, err)
		assert.IsType(t, &embed.OpenAIEmbedder{}, embedder)
	})
}

func TestPrintReportPreviewMissingFile(t *testing.T) {
	err := printReportPreview(filepath.Join(t.TempDir(), "missing.md"))
	assert.Error(t, err)
}
