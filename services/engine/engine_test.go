// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casepilot-ai/casepilot/pkg/logging"
	"github.com/casepilot-ai/casepilot/pkg/schema"
	"github.com/casepilot-ai/casepilot/services/llm"
	"github.com/casepilot-ai/casepilot/services/observability"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

// =============================================================================
// Stubs
// =============================================================================

type fakePrompts struct{}

func (fakePrompts) Render(name string, vars map[string]string) (string, error) {
	switch name {
	case "task":
		return "TASK PROMPT: " + vars["subject"], nil
	case "refine":
		return "\nPROBLEMS:\n" + vars["violations"], nil
	}
	return "", fmt.Errorf("no template %q", name)
}

type scriptStep struct {
	res *llm.Result
	err error
}

// scriptedClient returns pre-programmed responses and records the prompts
// it was called with.
type scriptedClient struct {
	steps   []scriptStep
	prompts []string
}

func (c *scriptedClient) Call(_ context.Context, prompt string, _ llm.Params) (*llm.Result, error) {
	c.prompts = append(c.prompts, prompt)
	if len(c.steps) == 0 {
		return nil, errors.New("scripted client exhausted")
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	return step.res, step.err
}

// captureRecorder collects everything the engine records.
type captureRecorder struct {
	attempts  []observability.Attempt
	retries   []string
	failures  []string
	llmCalls  int
	tokensIn  int
	tokensOut int
}

func (r *captureRecorder) LogAttempt(_ string, a observability.Attempt) error {
	r.attempts = append(r.attempts, a)
	return nil
}

func (r *captureRecorder) LogRetryAttempt(_ string, reason string) error {
	r.retries = append(r.retries, reason)
	return nil
}

func (r *captureRecorder) LogSchemaValidationFailure(_ string, detail string) error {
	r.failures = append(r.failures, detail)
	return nil
}

func (r *captureRecorder) LogLLMCall(_ string, _ string, tokensIn, tokensOut int, _ float64) error {
	r.llmCalls++
	r.tokensIn += tokensIn
	r.tokensOut += tokensOut
	return nil
}

func newTestEngine(client llm.Client, rec Recorder) *Engine {
	e := New(client, fakePrompts{}, rec, Config{
		MaxAttempts: 3,
		RetryDelay:  0,
		Model:       "gpt-4o-mini",
		MaxTokens:   4000,
		Temperature: 0.1,
	}, testLogger())
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func validateTestCase(record map[string]any) []schema.Violation {
	return schema.ValidateWithViolations(record)
}

const validCaseJSON = `{
	"title": "Verify login with valid credentials",
	"type": "functional",
	"priority": "P2 - High",
	"steps": [
		{"step_text": "Open the login page", "step_expected": "Login form is shown"},
		{"step_text": "Submit valid credentials", "step_expected": "User lands on the dashboard"}
	]
}`

const invalidCaseJSON = `{
	"title": "Verify login",
	"type": "exploratory",
	"priority": "P2 - High",
	"steps": [{"step_text": "Open the login page", "step_expected": "Login form is shown"}]
}`

// =============================================================================
// Tests
// =============================================================================

func TestGenerateSucceedsFirstAttempt(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{res: &llm.Result{RawText: validCaseJSON, TokensIn: 100, TokensOut: 50}},
	}}
	rec := &captureRecorder{}
	e := newTestEngine(client, rec)

	result, err := e.Generate(context.Background(), "s1", Task{
		Template: "task",
		Vars:     map[string]string{"subject": "login"},
		Target:   "tc_001",
		Validate: validateTestCase,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, "Verify login with valid credentials", result.Record["title"])
	assert.Equal(t, 100, result.TokensIn)
	assert.Equal(t, 50, result.TokensOut)
	assert.Equal(t, 1, rec.llmCalls)
	require.Len(t, rec.attempts, 1)
	assert.Equal(t, string(StateSucceeded), rec.attempts[0].State)
	assert.Equal(t, "task", rec.attempts[0].PromptVariant)
	assert.Contains(t, rec.attempts[0].RawOutput, "Verify login with valid credentials")
	assert.Greater(t, rec.attempts[0].Cost, 0.0)
	assert.Empty(t, rec.retries)
}

func TestGenerateRefinesAfterInvalidOutput(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{res: &llm.Result{RawText: invalidCaseJSON, TokensIn: 100, TokensOut: 40}},
		{res: &llm.Result{RawText: validCaseJSON, TokensIn: 120, TokensOut: 60}},
	}}
	rec := &captureRecorder{}
	e := newTestEngine(client, rec)

	result, err := e.Generate(context.Background(), "s1", Task{
		Template: "task",
		Vars:     map[string]string{"subject": "login"},
		Target:   "tc_001",
		Validate: validateTestCase,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, 220, result.TokensIn)
	assert.Equal(t, 100, result.TokensOut)

	// The second prompt carries the base prompt plus the named violations.
	require.Len(t, client.prompts, 2)
	assert.Equal(t, "TASK PROMPT: login", client.prompts[0])
	assert.Contains(t, client.prompts[1], "TASK PROMPT: login")
	assert.Contains(t, client.prompts[1], "PROBLEMS:")
	assert.Contains(t, client.prompts[1], "type")

	require.Len(t, rec.attempts, 2)
	assert.Equal(t, string(StateRefining), rec.attempts[0].State)
	assert.Equal(t, string(StateSucceeded), rec.attempts[1].State)
	// The record explains which prompt produced which output.
	assert.Equal(t, "task", rec.attempts[0].PromptVariant)
	assert.Contains(t, rec.attempts[0].RawOutput, "exploratory")
	assert.Equal(t, "task+refine", rec.attempts[1].PromptVariant)
	assert.Greater(t, rec.attempts[1].Cost, 0.0)
	require.Len(t, rec.failures, 1)
	require.Len(t, rec.retries, 1)
}

func TestGenerateRefinementsAccumulate(t *testing.T) {
	const wrongPriorityJSON = `{
		"title": "Verify login",
		"type": "functional",
		"priority": "P5 - Trivial",
		"steps": [{"step_text": "Open the login page", "step_expected": "Login form is shown"}]
	}`
	client := &scriptedClient{steps: []scriptStep{
		{res: &llm.Result{RawText: invalidCaseJSON, TokensIn: 10, TokensOut: 5}},
		{res: &llm.Result{RawText: wrongPriorityJSON, TokensIn: 10, TokensOut: 5}},
		{res: &llm.Result{RawText: validCaseJSON, TokensIn: 10, TokensOut: 5}},
	}}
	rec := &captureRecorder{}
	e := newTestEngine(client, rec)

	result, err := e.Generate(context.Background(), "s1", Task{
		Template: "task",
		Vars:     map[string]string{"subject": "login"},
		Target:   "tc_001",
		Validate: validateTestCase,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Attempts)

	// Each retry's prompt extends the previous one, so the final prompt
	// still names the first attempt's violation alongside the second's.
	require.Len(t, client.prompts, 3)
	assert.True(t, strings.HasPrefix(client.prompts[1], client.prompts[0]))
	assert.True(t, strings.HasPrefix(client.prompts[2], client.prompts[1]))
	assert.Contains(t, client.prompts[2], "type")
	assert.Contains(t, client.prompts[2], "priority")
}

func TestGenerateExhaustsAttemptBound(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{res: &llm.Result{RawText: invalidCaseJSON, TokensIn: 10, TokensOut: 5}},
		{res: &llm.Result{RawText: invalidCaseJSON, TokensIn: 10, TokensOut: 5}},
		{res: &llm.Result{RawText: invalidCaseJSON, TokensIn: 10, TokensOut: 5}},
	}}
	rec := &captureRecorder{}
	e := newTestEngine(client, rec)

	_, err := e.Generate(context.Background(), "s1", Task{
		Template: "task",
		Target:   "tc_001",
		Validate: validateTestCase,
	})
	require.Error(t, err)

	var exhausted *RetryBoundExceededError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	require.NotEmpty(t, exhausted.LastViolations)
	assert.Equal(t, "type", exhausted.LastViolations[0].Field)

	// Exactly MaxAttempts model calls, no more.
	assert.Empty(t, client.steps)
	assert.Equal(t, 3, rec.llmCalls)
	assert.Len(t, rec.failures, 3)
	// Two retries between three attempts.
	assert.Len(t, rec.retries, 2)
	// Three refining attempts plus the terminal exhausted record.
	require.Len(t, rec.attempts, 4)
	assert.Equal(t, string(StateFailedExhausted), rec.attempts[3].State)
}

func TestGenerateAuthErrorIsFatal(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{err: &llm.AuthError{Err: errors.New("invalid api key")}},
	}}
	rec := &captureRecorder{}
	e := newTestEngine(client, rec)

	_, err := e.Generate(context.Background(), "s1", Task{
		Template: "task",
		Target:   "analysis",
		Validate: nil,
	})
	require.Error(t, err)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, 1, fatal.Attempts)

	// One call, no retries.
	require.Len(t, client.prompts, 1)
	assert.Empty(t, rec.retries)
	require.Len(t, rec.attempts, 1)
	assert.Equal(t, string(StateFailedFatal), rec.attempts[0].State)
}

func TestGenerateRetriesTransportErrors(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{err: &llm.TransportError{Op: "chat_completion", Err: errors.New("connection reset")}},
		{res: &llm.Result{RawText: validCaseJSON, TokensIn: 80, TokensOut: 40}},
	}}
	rec := &captureRecorder{}
	e := newTestEngine(client, rec)

	result, err := e.Generate(context.Background(), "s1", Task{
		Template: "task",
		Target:   "tc_001",
		Validate: validateTestCase,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	require.Len(t, rec.retries, 1)
	assert.Contains(t, rec.retries[0], "transport error")
}

func TestGenerateTransportErrorsExhaustBound(t *testing.T) {
	transport := &llm.TransportError{Op: "chat_completion", Err: errors.New("timeout")}
	client := &scriptedClient{steps: []scriptStep{
		{err: transport}, {err: transport}, {err: transport},
	}}
	e := newTestEngine(client, &captureRecorder{})

	_, err := e.Generate(context.Background(), "s1", Task{Template: "task", Target: "tc_001"})
	require.Error(t, err)

	var exhausted *RetryBoundExceededError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, transport)
}

func TestGenerateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := &scriptedClient{}
	e := newTestEngine(client, &captureRecorder{})

	_, err := e.Generate(ctx, "s1", Task{Template: "task", Target: "tc_001"})
	require.Error(t, err)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.prompts)
}

func TestGenerateUnparsableResponseIsRefined(t *testing.T) {
	client := &scriptedClient{steps: []scriptStep{
		{res: &llm.Result{RawText: "I could not produce a test case, sorry."}},
		{res: &llm.Result{RawText: "```json\n" + validCaseJSON + "\n```"}},
	}}
	rec := &captureRecorder{}
	e := newTestEngine(client, rec)

	result, err := e.Generate(context.Background(), "s1", Task{
		Template: "task",
		Target:   "tc_001",
		Validate: validateTestCase,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempts)
	require.Len(t, rec.failures, 1)
	assert.Contains(t, rec.failures[0], "not a valid JSON object")
}

func TestAttemptRecordTruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("x", rawOutputLimit*2)
	client := &scriptedClient{steps: []scriptStep{
		{res: &llm.Result{RawText: long + validCaseJSON, TokensIn: 10, TokensOut: 5}},
	}}
	rec := &captureRecorder{}
	e := newTestEngine(client, rec)

	_, err := e.Generate(context.Background(), "s1", Task{
		Template: "task",
		Target:   "tc_001",
		Validate: validateTestCase,
	})
	require.NoError(t, err)
	require.Len(t, rec.attempts, 1)
	assert.Len(t, rec.attempts[0].RawOutput, rawOutputLimit)
}

func TestParseJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "bare object", raw: `{"title": "x"}`},
		{name: "markdown fenced", raw: "```json\n{\"title\": \"x\"}\n```"},
		{name: "surrounded by prose", raw: "Here you go:\n{\"title\": \"x\"}\nHope that helps!"},
		{name: "no object", raw: "no json here", wantErr: true},
		{name: "malformed", raw: `{"title": `, wantErr: true},
		{name: "empty", raw: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			record, err := ParseJSONObject(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "x", record["title"])
		})
	}
}
