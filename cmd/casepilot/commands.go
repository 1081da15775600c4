// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath    string
	logLevel      string
	listenAddr    string
	sessionsLimit int
	showPreview   bool

	rootCmd = &cobra.Command{
		Use:   "casepilot",
		Short: "A copilot that keeps a test case suite in step with change requests",
		Long: `CasePilot analyzes change requests against an existing test case
corpus: it retrieves the most similar cases, asks the model which are
impacted and what is missing, rewrites and creates cases through a
schema-validated generation loop, and writes a markdown report of
everything it did.`,
	}

	// --- Pipeline ---
	processCmd = &cobra.Command{
		Use:   "process [change request file]",
		Short: "Process a change request and update the test case suite",
		Args:  cobra.ExactArgs(1),
		RunE:  runProcess,
	}

	// --- Corpus Administration ---
	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate every test case file against the schema",
		RunE:  runValidate,
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show system readiness and corpus counts",
		RunE:  runStatus,
	}
	reindexCmd = &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the embedding index from the corpus",
		RunE:  runReindex,
	}

	// --- Observability ---
	metricsCmd = &cobra.Command{
		Use:   "metrics",
		Short: "Show aggregate usage and cost metrics",
		RunE:  runMetrics,
	}
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Show recent processing sessions",
		RunE:  runSessions,
	}

	// --- Server ---
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP with Prometheus metrics",
		RunE:  runServe,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a YAML config file (defaults and env vars apply without it)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override the configured log level (debug, info, warn, error)")

	processCmd.Flags().BoolVarP(&showPreview, "preview", "p", false,
		"print the first lines of the generated report")
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 10,
		"number of sessions to show")
	serveCmd.Flags().StringVar(&listenAddr, "listen", "",
		"override the configured listen address (host:port)")

	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(serveCmd)
}
