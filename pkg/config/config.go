// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates CasePilot configuration.
//
// Precedence, lowest to highest: built-in defaults, optional YAML file,
// environment variables. A .env file in the working directory is loaded
// into the environment first, so local development does not need exported
// variables. The resulting struct is validated with go-playground/validator
// before it is handed to any service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the system. YAML keys use snake_case;
// environment overrides use the CASEPILOT_ prefix except for the OpenAI
// variables, which keep their conventional names.
type Config struct {
	// OpenAIAPIKey authenticates model and embedding calls. Empty is
	// allowed at load time; commands that call the model fail fast
	// instead.
	OpenAIAPIKey string `yaml:"openai_api_key"`

	// Model is the chat completion model used for analysis and generation.
	Model string `yaml:"model" validate:"required"`

	// MaxTokens bounds each completion.
	MaxTokens int `yaml:"max_tokens" validate:"gt=0"`

	// Temperature for generation. Low by default: output must parse as
	// JSON.
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`

	// CorpusDir holds the test case JSON files (the authoritative corpus).
	CorpusDir string `yaml:"corpus_dir" validate:"required"`

	// OverviewPath is the product overview document included as prompt
	// context.
	OverviewPath string `yaml:"overview_path" validate:"required"`

	// ReportsDir receives generated markdown reports.
	ReportsDir string `yaml:"reports_dir" validate:"required"`

	// IndexPath is the persisted embedding index file.
	IndexPath string `yaml:"index_path" validate:"required"`

	// MetricsDir is the durable observability store (badger directory).
	MetricsDir string `yaml:"metrics_dir" validate:"required"`

	// Embedder selects the embedding backend: "hash" is deterministic
	// and offline, "openai" calls the embeddings API.
	Embedder string `yaml:"embedder" validate:"oneof=hash openai"`

	// EmbeddingModel is the OpenAI embedding model, used when Embedder
	// is "openai".
	EmbeddingModel string `yaml:"embedding_model"`

	// EmbeddingDim is the embedding vector dimensionality.
	EmbeddingDim int `yaml:"embedding_dim" validate:"gt=0"`

	// TopK is the number of retrieved test cases included in prompts.
	TopK int `yaml:"top_k" validate:"gt=0"`

	// MaxAttempts bounds the generation retry loop.
	MaxAttempts int `yaml:"max_attempts" validate:"gt=0"`

	// RetryDelay is the fixed pause between generation attempts.
	RetryDelay time.Duration `yaml:"retry_delay" validate:"gte=0"`

	// RequestTimeout bounds a single model call.
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`

	// PromptDir optionally overrides the embedded prompt templates.
	PromptDir string `yaml:"prompt_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`

	// LogDir enables file logging when set.
	LogDir string `yaml:"log_dir"`

	// ListenAddr is the serve-mode HTTP address.
	ListenAddr string `yaml:"listen_addr" validate:"required"`
}

// Default returns the built-in configuration. Paths mirror the layout the
// CLI creates on first run.
func Default() Config {
	return Config{
		Model:          "gpt-4o-mini",
		MaxTokens:      4000,
		Temperature:    0.1,
		CorpusDir:      "test_cases",
		OverviewPath:   "PRODUCT_OVERVIEW.md",
		ReportsDir:     "reports",
		IndexPath:      "index/vectors.json",
		MetricsDir:     "metrics",
		Embedder:       "hash",
		EmbeddingModel: "text-embedding-3-small",
		EmbeddingDim:   384,
		TopK:           5,
		MaxAttempts:    3,
		RetryDelay:     time.Second,
		RequestTimeout: 60 * time.Second,
		LogLevel:       "info",
		ListenAddr:     ":8080",
	}
}

// Load builds a Config from defaults, the optional YAML file at path, and
// environment overrides, then validates it. An empty path skips the file
// layer; a missing file at an explicit path is an error.
func Load(path string) (*Config, error) {
	// Best effort: a missing .env is the normal case.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) {
	setString(&cfg.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.Model, "OPENAI_MODEL")
	setString(&cfg.CorpusDir, "CASEPILOT_CORPUS_DIR")
	setString(&cfg.OverviewPath, "CASEPILOT_OVERVIEW_PATH")
	setString(&cfg.ReportsDir, "CASEPILOT_REPORTS_DIR")
	setString(&cfg.IndexPath, "CASEPILOT_INDEX_PATH")
	setString(&cfg.MetricsDir, "CASEPILOT_METRICS_DIR")
	setString(&cfg.Embedder, "CASEPILOT_EMBEDDER")
	setString(&cfg.EmbeddingModel, "CASEPILOT_EMBEDDING_MODEL")
	setString(&cfg.PromptDir, "CASEPILOT_PROMPT_DIR")
	setString(&cfg.LogLevel, "CASEPILOT_LOG_LEVEL")
	setString(&cfg.LogDir, "CASEPILOT_LOG_DIR")
	setString(&cfg.ListenAddr, "CASEPILOT_LISTEN_ADDR")
	setInt(&cfg.MaxTokens, "CASEPILOT_MAX_TOKENS")
	setInt(&cfg.EmbeddingDim, "CASEPILOT_EMBEDDING_DIM")
	setInt(&cfg.TopK, "CASEPILOT_TOP_K")
	setInt(&cfg.MaxAttempts, "CASEPILOT_MAX_ATTEMPTS")
	setDuration(&cfg.RetryDelay, "CASEPILOT_RETRY_DELAY")
	setDuration(&cfg.RequestTimeout, "CASEPILOT_REQUEST_TIMEOUT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
