package vectorstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"
)

// createdAtKey is the metadata key the store uses to round-trip timestamps.
const createdAtKey = "_created_at"

// ChromemStore implements Store on chromem-go, a pure-Go embedded vector
// database. Everything lives in process memory; nothing survives restart.
type ChromemStore struct {
	db  *chromem.DB
	col *chromem.Collection

	// ids mirrors stored IDs and their metadata so Delete can distinguish
	// missing records and DeleteWhere can resolve the matching IDs.
	mu  sync.RWMutex
	ids map[string]map[string]string
}

// NewChromem creates an in-process vector store backed by chromem-go.
func NewChromem(collection string) (*ChromemStore, error) {
	if collection == "" {
		collection = "memories"
	}

	db := chromem.NewDB()
	// Embeddings are always supplied by the caller, so no embedding func is
	// configured on the collection.
	col, err := db.GetOrCreateCollection(collection, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: create collection: %w", err)
	}

	return &ChromemStore{
		db:  db,
		col: col,
		ids: make(map[string]map[string]string),
	}, nil
}

// Upsert stores a record, replacing any record with the same ID.
func (s *ChromemStore) Upsert(ctx context.Context, rec Record) error {
	metadata := make(map[string]string, len(rec.Metadata)+1)
	for k, v := range rec.Metadata {
		metadata[k] = v
	}
	if !rec.CreatedAt.IsZero() {
		metadata[createdAtKey] = rec.CreatedAt.Format(time.RFC3339)
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: rec.Embedding,
		Metadata:  metadata,
	}

	if err := s.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: add document: %w", err)
	}

	s.mu.Lock()
	s.ids[rec.ID] = metadata
	s.mu.Unlock()

	return nil
}

// Search returns up to limit records similar to the embedding.
func (s *ChromemStore) Search(ctx context.Context, embedding []float32, limit int, threshold float64, where map[string]string) ([]Hit, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	// chromem rejects nResults larger than the collection, so clamp first.
	if count := s.col.Count(); count < limit {
		if count == 0 {
			return nil, nil
		}
		limit = count
	}

	results, err := s.col.QueryEmbedding(ctx, embedding, limit, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		score := float64(res.Similarity)
		if score < threshold {
			continue
		}

		metadata := make(map[string]string, len(res.Metadata))
		var createdAt time.Time
		for k, v := range res.Metadata {
			if k == createdAtKey {
				createdAt, _ = time.Parse(time.RFC3339, v)
				continue
			}
			metadata[k] = v
		}

		hits = append(hits, Hit{
			ID:        res.ID,
			Content:   res.Content,
			Score:     score,
			Metadata:  metadata,
			CreatedAt: createdAt,
		})
	}

	return hits, nil
}

// Delete removes the record with the given ID.
func (s *ChromemStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	_, exists := s.ids[id]
	if exists {
		delete(s.ids, id)
	}
	s.mu.Unlock()

	if !exists {
		return ErrNotFound
	}

	if err := s.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("chromem: delete: %w", err)
	}
	return nil
}

// DeleteWhere removes every record whose metadata matches the map.
func (s *ChromemStore) DeleteWhere(ctx context.Context, where map[string]string) error {
	if len(where) == 0 {
		return fmt.Errorf("chromem: delete-where requires a filter")
	}

	s.mu.Lock()
	for id, metadata := range s.ids {
		if metadataMatches(metadata, where) {
			delete(s.ids, id)
		}
	}
	s.mu.Unlock()

	if err := s.col.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("chromem: delete-where: %w", err)
	}
	return nil
}

// metadataMatches reports whether metadata contains every pair in where.
func metadataMatches(metadata, where map[string]string) bool {
	for k, v := range where {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// Close releases resources. chromem keeps everything in memory, so this only
// drops the ID index.
func (s *ChromemStore) Close() error {
	s.mu.Lock()
	s.ids = make(map[string]map[string]string)
	s.mu.Unlock()
	return nil
}

// Compile-time assertion.
var _ Store = (*ChromemStore)(nil)
