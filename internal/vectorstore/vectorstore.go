// Package vectorstore provides the vector storage providers backing local
// mode. Three providers share one interface: an in-process chromem-go store
// (default), a Qdrant REST store, and a PostgreSQL store using pgvector.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/scrypster/memgate/internal/config"
)

// ErrNotFound is returned when a delete targets an ID the store does not hold.
var ErrNotFound = errors.New("vectorstore: record not found")

// Record is a memory plus its embedding, ready for storage.
type Record struct {
	ID        string
	Content   string
	Embedding []float32
	Metadata  map[string]string
	CreatedAt time.Time
}

// Hit is one search result. Score is cosine similarity in [0, 1].
type Hit struct {
	ID        string
	Content   string
	Score     float64
	Metadata  map[string]string
	CreatedAt time.Time
}

// Store is the vector storage contract the local backend programs against.
type Store interface {
	// Upsert stores a record, replacing any record with the same ID.
	Upsert(ctx context.Context, rec Record) error

	// Search returns up to limit records similar to the embedding, with
	// scores below threshold dropped. A non-nil where map restricts
	// results to records whose metadata contains every listed pair.
	Search(ctx context.Context, embedding []float32, limit int, threshold float64, where map[string]string) ([]Hit, error)

	// Delete removes the record with the given ID. Returns ErrNotFound
	// when no such record exists.
	Delete(ctx context.Context, id string) error

	// DeleteWhere removes every record whose metadata matches the map.
	DeleteWhere(ctx context.Context, where map[string]string) error

	// Close releases held resources.
	Close() error
}

// defaultSearchLimit caps how many hits a search returns when the caller
// passes limit <= 0.
const defaultSearchLimit = 10

// New builds the Store selected by cfg.Provider.
func New(cfg config.VectorDBConfig, dims int) (Store, error) {
	switch cfg.Provider {
	case "", "memory":
		return NewChromem(cfg.Collection)
	case "qdrant":
		return NewQdrant(QdrantConfig{
			URL:        cfg.URL,
			APIKey:     cfg.APIKey,
			Collection: cfg.Collection,
			Dims:       dims,
		})
	case "pgvector":
		return NewPgvector(cfg.URL, cfg.Collection, dims)
	default:
		return nil, fmt.Errorf("vectorstore: unknown provider %q", cfg.Provider)
	}
}
