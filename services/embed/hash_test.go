// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorNorm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(384)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Navigate to the login page and submit credentials")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "Navigate to the login page and submit credentials")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestHashEmbedderDimensionsAndNorm(t *testing.T) {
	e := NewHashEmbedder(128)

	v, err := e.Embed(context.Background(), "verify the shipment tracking workflow end to end")
	require.NoError(t, err)

	assert.Len(t, v, 128)
	assert.Equal(t, 128, e.Dimensions())
	assert.InDelta(t, 1.0, vectorNorm(v), 1e-5)
}

func TestHashEmbedderEmptyTextIsZeroVector(t *testing.T) {
	e := NewHashEmbedder(64)

	for _, text := range []string{"", "   ", "a an to", "!!! ???"} {
		v, err := e.Embed(context.Background(), text)
		require.NoError(t, err)
		assert.Zero(t, vectorNorm(v), "text %q", text)
	}
}

func TestHashEmbedderDifferentTextsDiffer(t *testing.T) {
	e := NewHashEmbedder(384)
	ctx := context.Background()

	a, err := e.Embed(ctx, "user login with valid password")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "export monthly billing report as csv")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHashEmbedderIdenticalContentScoresOne(t *testing.T) {
	e := NewHashEmbedder(384)
	ctx := context.Background()

	a, err := e.Embed(ctx, "checkout flow applies discount codes")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "checkout flow applies discount codes")
	require.NoError(t, err)

	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	assert.InDelta(t, 1.0, dot, 1e-5)
}

func TestCleanWord(t *testing.T) {
	assert.Equal(t, "login", cleanWord("login,"))
	assert.Equal(t, "oauth2", cleanWord("(oauth2)"))
	assert.Equal(t, "", cleanWord("!?--"))
}
