// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides durable session accounting and Prometheus
// metrics for the generation pipeline.
//
// # Description
//
// Every change-request run is tracked as a session. Sessions and their
// per-attempt records are persisted to BadgerDB so that cost and usage
// accounting survives process restarts. Aggregate counters are also
// exported as Prometheus metrics:
//   - Request counters (by status)
//   - Token usage (input/output by model)
//   - LLM spend in dollars (by model)
//   - Session duration histograms
//   - Retry and validation-failure counters
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "casepilot"

// Subsystem for generation pipeline metrics
const generationSubsystem = "generation"

// GenerationMetrics holds all Prometheus metrics for the generation pipeline.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring generation
// throughput, spend, and retry behavior. Create once at startup via
// NewGenerationMetrics() with the registry the /metrics endpoint serves.
//
// # Thread Safety
//
// All operations are thread-safe.
type GenerationMetrics struct {
	// RequestsTotal counts completed sessions by terminal status.
	// Labels: status (success, failed, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts tokens processed by direction and model.
	// Labels: direction (input, output), model
	TokensTotal *prometheus.CounterVec

	// CostDollarsTotal accumulates estimated LLM spend in USD.
	// Labels: model
	CostDollarsTotal *prometheus.CounterVec

	// SessionDurationSeconds measures wall time per session.
	// Labels: status (success, failed, error)
	SessionDurationSeconds *prometheus.HistogramVec

	// RetriesTotal counts generation retry attempts.
	RetriesTotal prometheus.Counter

	// ValidationFailuresTotal counts schema validation failures.
	ValidationFailuresTotal prometheus.Counter

	// TestCasesTotal counts test case writes by operation.
	// Labels: operation (generated, updated)
	TestCasesTotal *prometheus.CounterVec

	// ActiveSessions tracks sessions that have started but not ended.
	ActiveSessions prometheus.Gauge
}

// NewGenerationMetrics creates and registers all generation metrics with reg.
//
// # Description
//
// Registers against the supplied registerer so that tests can use an
// isolated prometheus.NewRegistry() and the server can use the default
// registry. Panics on duplicate registration, so call once per registry.
func NewGenerationMetrics(reg prometheus.Registerer) *GenerationMetrics {
	factory := promauto.With(reg)

	return &GenerationMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "requests_total",
				Help:      "Total completed change-request sessions by status",
			},
			[]string{"status"},
		),

		TokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "tokens_total",
				Help:      "Total tokens processed by direction and model",
			},
			[]string{"direction", "model"},
		),

		CostDollarsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "cost_dollars_total",
				Help:      "Estimated LLM spend in USD by model",
			},
			[]string{"model"},
		),

		SessionDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "session_duration_seconds",
				Help:      "Wall time per change-request session",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),

		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "retries_total",
				Help:      "Total generation retry attempts",
			},
		),

		ValidationFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "validation_failures_total",
				Help:      "Total schema validation failures across all attempts",
			},
		),

		TestCasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "test_cases_total",
				Help:      "Total test case writes by operation",
			},
			[]string{"operation"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: generationSubsystem,
				Name:      "active_sessions",
				Help:      "Sessions that have started but not yet ended",
			},
		),
	}
}
