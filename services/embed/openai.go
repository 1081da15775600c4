// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embed

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/casepilot-ai/casepilot/pkg/logging"
)

// OpenAIEmbedder generates embeddings via the OpenAI embeddings API.
//
// Vectors are re-normalized on receipt so downstream inner products stay
// cosine similarity regardless of provider behavior.
type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
	log    *logging.Logger
}

// NewOpenAIEmbedder creates an embedder using the given API key and model
// (e.g. "text-embedding-3-small"). dim must match the index configuration;
// the API is asked to truncate to that dimensionality.
func NewOpenAIEmbedder(apiKey, model string, dim int, logger *logging.Logger) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embedder: API key is required")
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{
		client: openai.NewClient(apiKey),
		model:  model,
		dim:    dim,
		log:    logger.With("component", "openai_embedder"),
	}, nil
}

// Embed implements Embedder.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dim,
	})
	if err != nil {
		e.log.Error("embedding request failed", "error", err)
		return nil, fmt.Errorf("openai embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embedding: empty response")
	}

	vector := resp.Data[0].Embedding
	if len(vector) != e.dim {
		return nil, fmt.Errorf("openai embedding: got %d dimensions, want %d", len(vector), e.dim)
	}
	return normalize(vector), nil
}

// Dimensions implements Embedder.
func (e *OpenAIEmbedder) Dimensions() int { return e.dim }

// Name implements Embedder.
func (e *OpenAIEmbedder) Name() string { return "openai/" + e.model }
