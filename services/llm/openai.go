// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/casepilot-ai/casepilot/pkg/logging"
)

// OpenAIClient implements Client over the OpenAI chat completions API.
type OpenAIClient struct {
	client  *openai.Client
	timeout time.Duration
	log     *logging.Logger
}

// NewOpenAIClient creates a client. timeout bounds each call; zero
// disables the per-call deadline.
func NewOpenAIClient(apiKey string, timeout time.Duration, logger *logging.Logger) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, &AuthError{Err: errors.New("OPENAI_API_KEY is not set")}
	}
	return &OpenAIClient{
		client:  openai.NewClient(apiKey),
		timeout: timeout,
		log:     logger.With("component", "openai_llm"),
	}, nil
}

// Call implements Client. A timeout or cancellation during the round trip
// is classified as a TransportError (retryable); credential and
// permission failures are AuthError (fatal).
func (c *OpenAIClient) Call(ctx context.Context, prompt string, params Params) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: params.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
	})
	if err != nil {
		return nil, c.classify(err)
	}

	if len(resp.Choices) == 0 {
		// A well-formed transport with an empty body is malformed output,
		// not a transient condition; do not burn retry attempts on it.
		return nil, fmt.Errorf("openai returned no choices")
	}

	c.log.Debug("model call complete",
		"model", params.Model,
		"tokens_in", resp.Usage.PromptTokens,
		"tokens_out", resp.Usage.CompletionTokens,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return &Result{
		RawText:   resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}

// classify maps a go-openai error onto the package taxonomy.
func (c *OpenAIClient) classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403:
			c.log.Error("authentication failed", "status", apiErr.HTTPStatusCode)
			return &AuthError{Err: err}
		}
	}
	c.log.Warn("model call failed, retryable", "error", err)
	return &TransportError{Op: "chat_completion", Err: err}
}
