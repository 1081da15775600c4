// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "test_cases", cfg.CorpusDir)
	assert.Equal(t, 4000, cfg.MaxTokens)
	assert.Equal(t, "hash", cfg.Embedder)
	assert.Equal(t, 384, cfg.EmbeddingDim)
	assert.Equal(t, 5, cfg.TopK)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "casepilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"model: gpt-4o\ntop_k: 3\nretry_delay: 250ms\nlog_level: debug\n",
	), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 3, cfg.TopK)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryDelay)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep defaults.
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "casepilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("top_k: 3\n"), 0o600))

	t.Setenv("CASEPILOT_TOP_K", "7")
	t.Setenv("OPENAI_MODEL", "gpt-4o")
	t.Setenv("CASEPILOT_RETRY_DELAY", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.TopK)
	assert.Equal(t, "gpt-4o", cfg.Model)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "casepilot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: verbose\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadIgnoresMalformedEnvNumbers(t *testing.T) {
	t.Setenv("CASEPILOT_TOP_K", "many")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.TopK)
}
