// Package embed turns memory text into vectors for the local backend.
package embed

import "context"

// Embedder generates embedding vectors for text.
type Embedder interface {
	// Embed generates an embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimensions returns the vector length this embedder produces.
	Dimensions() int
}
