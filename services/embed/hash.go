// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embed

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"unicode"
)

// positionalWords is how many leading distinct words contribute
// position-weighted features on top of the frequency buckets.
const positionalWords = 10

// HashEmbedder is a deterministic, dependency-free embedding function.
//
// # Description
//
// Each word is cleaned to alphanumerics, words shorter than three
// characters are dropped, and term frequencies are hashed into dimension
// buckets. The first ten distinct words additionally contribute a
// position-weighted feature (weight 1/(i+1)), so word order near the start
// of the text matters. The result is L2-normalized.
//
// This is not a semantic model; it is the offline default that keeps the
// pipeline fully local. Swap in OpenAIEmbedder for semantic quality.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash-bucket embedder with the given
// dimensionality.
func NewHashEmbedder(dim int) *HashEmbedder {
	return &HashEmbedder{dim: dim}
}

// Embed implements Embedder. It never fails and ignores ctx; the signature
// matches remote embedders so the two are interchangeable.
func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, h.dim)

	freq := make(map[string]int)
	var order []string
	for _, raw := range strings.Fields(strings.ToLower(text)) {
		word := cleanWord(raw)
		if len(word) <= 2 {
			continue
		}
		if _, seen := freq[word]; !seen {
			order = append(order, word)
		}
		freq[word]++
	}
	if len(freq) == 0 {
		return vector, nil
	}

	for word, count := range freq {
		vector[bucket(word, h.dim)] += float32(count)
	}

	// Positional features for the first distinct words, decreasing weight.
	for i, word := range order {
		if i >= positionalWords {
			break
		}
		vector[bucket(word+strconv.Itoa(i), h.dim)] += 1.0 / float32(i+1)
	}

	return normalize(vector), nil
}

// Dimensions implements Embedder.
func (h *HashEmbedder) Dimensions() int { return h.dim }

// Name implements Embedder.
func (h *HashEmbedder) Name() string { return "hash-v1" }

// cleanWord strips every non-alphanumeric rune.
func cleanWord(w string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return -1
	}, w)
}

// bucket maps a token to a dimension index.
func bucket(token string, dim int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(token))
	return int(h.Sum32() % uint32(dim))
}
