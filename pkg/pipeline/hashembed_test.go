package pipeline

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashingEmbedder_Deterministic(t *testing.T) {
	e := NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "customer wants to upgrade the plan")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "customer wants to upgrade the plan")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashingEmbedder_L2Normalized(t *testing.T) {
	e := NewHashingEmbedder(128)
	vec, err := e.Embed(context.Background(), "please cancel my subscription today")
	require.NoError(t, err)

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9)
}

func TestHashingEmbedder_TokenizationIgnoresCaseAndPunctuation(t *testing.T) {
	e := NewHashingEmbedder(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "Hello, WORLD!")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestHashingEmbedder_EmptyTextIsZeroVector(t *testing.T) {
	e := NewHashingEmbedder(32)
	vec, err := e.Embed(context.Background(), "...")
	require.NoError(t, err)
	for _, v := range vec {
		assert.Zero(t, v)
	}
}

func TestHashingEmbedder_DefaultDimension(t *testing.T) {
	e := NewHashingEmbedder(0)
	vec, err := e.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Len(t, vec, 256)
}
