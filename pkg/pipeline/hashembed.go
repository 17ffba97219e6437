package pipeline

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashingEmbedder is a deterministic local embedder: tokens are hashed into a
// fixed number of buckets and the result is L2-normalized. It needs no model
// service, which makes it the default for development deployments and for
// scenario graphs whose conditions are short phrases.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates a HashingEmbedder with the given dimensionality.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashingEmbedder{dim: dim}
}

// Embed implements Embedder.
func (e *HashingEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	vec := make([]float64, e.dim)
	for _, token := range tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		vec[int(h.Sum32())%e.dim]++
	}

	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
