// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/casepilot-ai/casepilot/pkg/config"
	"github.com/casepilot-ai/casepilot/pkg/logging"
	"github.com/casepilot-ai/casepilot/services/copilot"
	"github.com/casepilot-ai/casepilot/services/corpus"
	"github.com/casepilot-ai/casepilot/services/embed"
	"github.com/casepilot-ai/casepilot/services/engine"
	"github.com/casepilot-ai/casepilot/services/llm"
	"github.com/casepilot-ai/casepilot/services/observability"
	"github.com/casepilot-ai/casepilot/services/prompt"
	"github.com/casepilot-ai/casepilot/services/retriever"
	"github.com/casepilot-ai/casepilot/services/server"
	"github.com/casepilot-ai/casepilot/services/vectordb"
)

// app holds the wired pipeline for one command invocation.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	store     *corpus.Store
	retriever *retriever.Retriever
	recorder  *observability.Recorder
	copilot   *copilot.Copilot
	server    *server.Server
}

// appOptions controls which optional parts of the pipeline a command needs.
type appOptions struct {
	// requireModel fails fast when no API key is configured. Commands
	// that call the model set this; read-only commands do not.
	requireModel bool

	// withServer builds the HTTP server and registers Prometheus metrics
	// on the default registry.
	withServer bool
}

// buildApp loads configuration and wires every component. Callers must
// Close the app when done.
func buildApp(opts appOptions) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		Service: "casepilot",
		LogDir:  cfg.LogDir,
	})

	if opts.requireModel && cfg.OpenAIAPIKey == "" {
		return nil, errors.New("OPENAI_API_KEY is not set; configure it in the environment or a .env file")
	}

	store, err := corpus.NewStore(cfg.CorpusDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}

	embedder, err := buildEmbedder(cfg, logger)
	if err != nil {
		return nil, err
	}
	index := vectordb.New(cfg.IndexPath, embedder, logger)
	if err := index.Load(); err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	ret := retriever.New(store, index, logger)

	db, err := observability.OpenDB(cfg.MetricsDir, logger)
	if err != nil {
		return nil, err
	}
	var metrics *observability.GenerationMetrics
	if opts.withServer {
		metrics = observability.NewGenerationMetrics(prometheus.DefaultRegisterer)
	}
	recorder := observability.NewRecorder(db, metrics, logger)

	prompts, err := prompt.NewManager(cfg.PromptDir, logger)
	if err != nil {
		recorder.Close()
		return nil, err
	}

	var client llm.Client
	if cfg.OpenAIAPIKey != "" {
		client, err = llm.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.RequestTimeout, logger)
		if err != nil {
			recorder.Close()
			return nil, err
		}
	}
	eng := engine.New(client, prompts, recorder, engine.Config{
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, logger)

	reports := copilot.NewReportWriter(cfg.ReportsDir, logger)
	cp := copilot.New(cfg, store, ret, eng, recorder, reports, logger)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		retriever: ret,
		recorder:  recorder,
		copilot:   cp,
	}
	if opts.withServer {
		a.server = server.New(cp, prometheus.DefaultGatherer, logger)
	}
	return a, nil
}

func buildEmbedder(cfg *config.Config, logger *logging.Logger) (embed.Embedder, error) {
	switch cfg.Embedder {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, errors.New("embedder \"openai\" requires OPENAI_API_KEY")
		}
		return embed.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.EmbeddingModel, cfg.EmbeddingDim, logger)
	default:
		return embed.NewHashEmbedder(cfg.EmbeddingDim), nil
	}
}

// Close flushes the durable stores and log files.
func (a *app) Close() {
	if err := a.recorder.Close(); err != nil {
		a.logger.Warn("failed to close metrics store", "error", err)
	}
	_ = a.logger.Close()
}
