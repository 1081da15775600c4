// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine drives the generate-validate-refine loop.
//
// # Description
//
// The engine renders a prompt, calls the model, parses the response as
// JSON, and validates it against the test case schema. Invalid output does
// not fail the run immediately: the engine appends a refinement block
// naming the exact violations and retries, up to a bounded number of
// attempts. Transport errors are retried within the same bound; auth
// errors fail immediately.
//
// Every attempt is recorded before the engine moves on, so the durable
// session log always explains what the model produced and why it was
// rejected.
//
// # Thread Safety
//
// An Engine is immutable after construction and safe for concurrent use.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/casepilot-ai/casepilot/pkg/logging"
	"github.com/casepilot-ai/casepilot/pkg/schema"
	"github.com/casepilot-ai/casepilot/services/llm"
	"github.com/casepilot-ai/casepilot/services/observability"
)

// =============================================================================
// States
// =============================================================================

// State names an engine phase. States appear in attempt records and logs.
type State string

const (
	// StateComposing: rendering the prompt for the next attempt.
	StateComposing State = "composing"

	// StateAwaitingModel: the model call is in flight.
	StateAwaitingModel State = "awaiting_model"

	// StateValidating: the response is being parsed and schema-checked.
	StateValidating State = "validating"

	// StateSucceeded: a conforming record was produced.
	StateSucceeded State = "succeeded"

	// StateRefining: output was rejected and a refined prompt will be sent.
	StateRefining State = "refining"

	// StateFailedExhausted: the attempt bound was reached without success.
	StateFailedExhausted State = "failed_exhausted"

	// StateFailedFatal: a non-retryable error ended the run early.
	StateFailedFatal State = "failed_fatal"
)

// =============================================================================
// Configuration and Types
// =============================================================================

// Config bounds the loop and fixes the model parameters.
type Config struct {
	// MaxAttempts is the total attempt bound, first try included.
	MaxAttempts int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration

	// Model, MaxTokens, and Temperature are passed through to the client.
	Model       string
	MaxTokens   int
	Temperature float32
}

// ValidateFunc checks a parsed record and returns its schema violations.
// An empty slice means the record conforms.
type ValidateFunc func(record map[string]any) []schema.Violation

// Task is one generation job: which template to render, with what
// variables, and how to validate the output. Target is a short label for
// attempt records (a test case ID or "analysis").
type Task struct {
	Template string
	Vars     map[string]string
	Target   string
	Validate ValidateFunc
}

// Result is the outcome of a successful run.
type Result struct {
	// Record is the parsed, schema-conforming model output.
	Record map[string]any

	// Raw is the untouched model text the record was parsed from.
	Raw string

	// Attempts is how many model calls were made, including the winner.
	Attempts int

	// TokensIn, TokensOut, and Cost accumulate across all attempts.
	TokensIn  int
	TokensOut int
	Cost      float64
}

// Recorder receives the engine's durable attempt records. Satisfied by
// *observability.Recorder.
type Recorder interface {
	LogAttempt(sessionID string, attempt observability.Attempt) error
	LogRetryAttempt(sessionID, reason string) error
	LogSchemaValidationFailure(sessionID, detail string) error
	LogLLMCall(sessionID, model string, tokensIn, tokensOut int, cost float64) error
}

// =============================================================================
// Engine
// =============================================================================

// Engine runs generation tasks against an LLM client.
type Engine struct {
	client   llm.Client
	prompts  PromptRenderer
	recorder Recorder
	logger   *logging.Logger
	cfg      Config

	// sleep is replaceable in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// PromptRenderer is the renderer surface the engine needs. Satisfied by
// *prompt.Manager; narrowed here so tests can substitute a fake.
type PromptRenderer interface {
	Render(name string, vars map[string]string) (string, error)
}

// refineTemplate is the template appended to the base prompt when output
// is rejected.
const refineTemplate = "refine"

// New builds an Engine. MaxAttempts below 1 is raised to 1.
func New(client llm.Client, prompts PromptRenderer, recorder Recorder, cfg Config, logger *logging.Logger) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		client:   client,
		prompts:  prompts,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Generate runs the task to completion or failure.
//
// # Description
//
// On success the returned Result carries the conforming record plus token
// and cost totals across every attempt. On failure the error is either a
// *RetryBoundExceededError (the bound was spent on invalid output or
// retryable transport errors) or a *FatalError (auth failure, unrenderable
// prompt, or context cancellation).
func (e *Engine) Generate(ctx context.Context, sessionID string, task Task) (*Result, error) {
	basePrompt, err := e.prompts.Render(task.Template, task.Vars)
	if err != nil {
		return nil, &FatalError{Attempts: 0, Err: fmt.Errorf("render prompt: %w", err)}
	}

	params := llm.Params{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}

	var (
		result         Result
		currentPrompt  = basePrompt
		variant        = task.Template
		lastViolations []schema.Violation
		lastErr        error
	)

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, e.fatal(sessionID, task, attempt-1, err)
		}

		e.logger.Debug("model call starting", "session_id", sessionID,
			"target", task.Target, "attempt", attempt, "state", StateAwaitingModel)

		res, err := e.client.Call(ctx, currentPrompt, params)
		if err != nil {
			lastErr = err
			if !llm.IsRetryable(err) {
				return nil, e.fatal(sessionID, task, attempt, err)
			}
			e.recordAttempt(sessionID, observability.Attempt{
				State:         string(StateAwaitingModel),
				Target:        task.Target,
				PromptVariant: variant,
				Error:         err.Error(),
			})
			if attempt == e.cfg.MaxAttempts {
				break
			}
			e.logRetry(sessionID, fmt.Sprintf("transport error: %v", err))
			if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
				return nil, e.fatal(sessionID, task, attempt, err)
			}
			continue
		}

		result.Attempts = attempt
		result.TokensIn += res.TokensIn
		result.TokensOut += res.TokensOut
		callCost := llm.Cost(e.cfg.Model, res.TokensIn, res.TokensOut)
		result.Cost += callCost
		if e.recorder != nil {
			if err := e.recorder.LogLLMCall(sessionID, e.cfg.Model, res.TokensIn, res.TokensOut, callCost); err != nil {
				e.logger.Warn("failed to record llm call", "session_id", sessionID, "error", err)
			}
		}

		record, violations := e.validate(res.RawText, task.Validate)
		if len(violations) == 0 {
			result.Record = record
			result.Raw = res.RawText
			e.recordAttempt(sessionID, observability.Attempt{
				State:         string(StateSucceeded),
				Target:        task.Target,
				PromptVariant: variant,
				RawOutput:     truncateRaw(res.RawText),
				TokensIn:      res.TokensIn,
				TokensOut:     res.TokensOut,
				Cost:          callCost,
			})
			e.logger.Info("generation succeeded", "session_id", sessionID,
				"target", task.Target, "attempts", attempt)
			return &result, nil
		}

		lastViolations = violations
		lastErr = nil
		detail := schema.Describe(violations)
		if e.recorder != nil {
			if err := e.recorder.LogSchemaValidationFailure(sessionID, detail); err != nil {
				e.logger.Warn("failed to record validation failure", "session_id", sessionID, "error", err)
			}
		}
		e.recordAttempt(sessionID, observability.Attempt{
			State:         string(StateRefining),
			Target:        task.Target,
			PromptVariant: variant,
			RawOutput:     truncateRaw(res.RawText),
			Violations:    violationStrings(violations),
			TokensIn:      res.TokensIn,
			TokensOut:     res.TokensOut,
			Cost:          callCost,
		})

		if attempt == e.cfg.MaxAttempts {
			break
		}

		refined, err := e.prompts.Render(refineTemplate, map[string]string{
			"violations": detail,
		})
		if err != nil {
			return nil, e.fatal(sessionID, task, attempt, fmt.Errorf("render refinement: %w", err))
		}
		// Appending keeps every earlier refinement block, so each retry's
		// prompt carries the full violation history, not just the latest.
		currentPrompt += refined
		variant = task.Template + "+" + refineTemplate

		e.logRetry(sessionID, "schema validation failed: "+detail)
		e.logger.Warn("model output rejected, refining", "session_id", sessionID,
			"target", task.Target, "attempt", attempt, "violations", len(violations))
		if err := e.sleep(ctx, e.cfg.RetryDelay); err != nil {
			return nil, e.fatal(sessionID, task, attempt, err)
		}
	}

	e.recordAttempt(sessionID, observability.Attempt{
		State:         string(StateFailedExhausted),
		Target:        task.Target,
		PromptVariant: variant,
		Violations:    violationStrings(lastViolations),
	})
	e.logger.Error("generation exhausted attempt bound", "session_id", sessionID,
		"target", task.Target, "attempts", e.cfg.MaxAttempts)
	return nil, &RetryBoundExceededError{
		Attempts:       e.cfg.MaxAttempts,
		LastViolations: lastViolations,
		LastErr:        lastErr,
	}
}

// validate parses the raw model text and schema-checks it. A parse failure
// is reported as a single synthetic violation so the refinement loop can
// tell the model what went wrong.
func (e *Engine) validate(raw string, validate ValidateFunc) (map[string]any, []schema.Violation) {
	record, err := ParseJSONObject(raw)
	if err != nil {
		return nil, []schema.Violation{{
			Field:   "response",
			Message: fmt.Sprintf("not a valid JSON object: %v", err),
		}}
	}
	if validate == nil {
		return record, nil
	}
	return record, validate(record)
}

func (e *Engine) fatal(sessionID string, task Task, attempts int, err error) error {
	e.recordAttempt(sessionID, observability.Attempt{
		State:  string(StateFailedFatal),
		Target: task.Target,
		Error:  err.Error(),
	})
	e.logger.Error("generation failed", "session_id", sessionID,
		"target", task.Target, "attempts", attempts, "error", err)
	return &FatalError{Attempts: attempts, Err: err}
}

func (e *Engine) recordAttempt(sessionID string, attempt observability.Attempt) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.LogAttempt(sessionID, attempt); err != nil {
		e.logger.Warn("failed to record attempt", "session_id", sessionID, "error", err)
	}
}

func (e *Engine) logRetry(sessionID, reason string) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.LogRetryAttempt(sessionID, reason); err != nil {
		e.logger.Warn("failed to record retry", "session_id", sessionID, "error", err)
	}
}

// rawOutputLimit caps the model text stored per attempt record. Full
// output is only needed to diagnose rejections; 2 KiB covers the start of
// any response without bloating the durable log.
const rawOutputLimit = 2048

func truncateRaw(s string) string {
	if len(s) <= rawOutputLimit {
		return s
	}
	return s[:rawOutputLimit]
}

func violationStrings(violations []schema.Violation) []string {
	if len(violations) == 0 {
		return nil
	}
	out := make([]string, len(violations))
	for i, v := range violations {
		out[i] = v.String()
	}
	return out
}

// ParseJSONObject extracts the first JSON object from model output.
//
// # Description
//
// Models often wrap JSON in markdown fences or prose. The text between
// the first '{' and the last '}' is taken and unmarshalled; anything
// outside it is discarded.
func ParseJSONObject(raw string) (map[string]any, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object found in response")
	}
	var record map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &record); err != nil {
		return nil, err
	}
	return record, nil
}
