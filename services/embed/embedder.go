// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package embed turns text into fixed-size vectors for similarity search.
//
// The embedding function is a swappable capability behind the Embedder
// interface: the index store and retriever only depend on
// embed(text) -> normalized vector. Two implementations ship: a
// deterministic offline hash-bucket embedder (the default) and an OpenAI
// embedding client.
package embed

import (
	"context"
	"math"
)

// Embedder generates a fixed-dimensionality vector for a text.
//
// Implementations must be deterministic for identical input and must
// return L2-normalized vectors, so inner product equals cosine similarity
// and identical content scores 1.0.
type Embedder interface {
	// Embed returns the vector for text. The returned slice has exactly
	// Dimensions() elements.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector size.
	Dimensions() int

	// Name identifies the embedding function. Persisted alongside the
	// index so a function change invalidates the cache.
	Name() string
}

// normalize scales v to unit length in place and returns it. The zero
// vector stays zero.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
