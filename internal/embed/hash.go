package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// HashEmbedder produces deterministic embeddings derived from a text hash.
// It stands in for a real model in tests and offline runs: identical text
// always maps to the identical unit vector.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a hash embedder with the given vector length.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 1536
	}
	return &HashEmbedder{dims: dims}
}

// Embed creates a deterministic embedding from text.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))

	// Use the hash as the seed of an LCG and fill the vector.
	seed := h.Sum64()
	vec := make([]float32, e.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}

	return normalize(vec), nil
}

// Dimensions returns the embedding size.
func (e *HashEmbedder) Dimensions() int {
	return e.dims
}

// normalize converts an embedding to a unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}
	return normalized
}

// Compile-time assertion.
var _ Embedder = (*HashEmbedder)(nil)
