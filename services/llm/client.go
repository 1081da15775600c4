// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm is the model call boundary.
//
// The contract is one call: prompt in, structured text plus token usage
// out. Failures are classified into exactly two kinds the retry engine
// cares about: TransportError (retryable) and AuthError (fatal). Anything
// else coming out of a Client is treated as fatal by callers.
package llm

import "context"

// Params configures one model call.
type Params struct {
	// Model is the completion model name.
	Model string

	// MaxTokens bounds the completion length.
	MaxTokens int

	// Temperature controls sampling randomness.
	Temperature float32
}

// Result is the outcome of a successful model call.
type Result struct {
	// RawText is the model's response content.
	RawText string

	// TokensIn and TokensOut are the prompt and completion token counts
	// reported by the provider.
	TokensIn  int
	TokensOut int
}

// Client is any LLM backend. Implementations must honor ctx cancellation
// and classify their failures via TransportError / AuthError.
type Client interface {
	Call(ctx context.Context, prompt string, params Params) (*Result, error)
}
