// Package local implements the self-contained memory backend: text is
// embedded in process and stored in a vector store, with no hosted API
// involved. Memory extraction is deliberately simple: the raw text is the
// memory.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/memgate/internal/backend"
	"github.com/scrypster/memgate/internal/embed"
	"github.com/scrypster/memgate/internal/sidelog"
	"github.com/scrypster/memgate/internal/vectorstore"
	"github.com/scrypster/memgate/pkg/types"
)

// Metadata keys the backend reserves for scoping and fallback deletes.
const (
	metaUserID    = "user_id"
	metaSessionID = "run_id"
	metaAgentID   = "agent_id"
	metaMemoryID  = "memory_id"
)

// Backend implements backend.Backend on an embedder plus a vector store.
type Backend struct {
	embedder embed.Embedder
	store    vectorstore.Store
	logger   *log.Logger
}

// New creates a local backend over the given embedder and store.
func New(embedder embed.Embedder, store vectorstore.Store) *Backend {
	return &Backend{
		embedder: embedder,
		store:    store,
		logger:   sidelog.New(sidelog.OriginLocal),
	}
}

// Write embeds the content and stores it under a fresh UUID.
func (b *Backend) Write(ctx context.Context, req types.WriteRequest) error {
	vec, err := b.embedder.Embed(ctx, req.Content)
	if err != nil {
		return fmt.Errorf("local: embed content: %w", err)
	}

	id := uuid.New().String()
	metadata := map[string]string{
		metaUserID:   req.UserID,
		metaMemoryID: id,
	}
	if req.SessionID != "" {
		metadata[metaSessionID] = req.SessionID
	}
	if req.AgentID != "" {
		metadata[metaAgentID] = req.AgentID
	}
	for k, v := range req.Metadata {
		metadata[k] = stringifyMetadataValue(v)
	}

	rec := vectorstore.Record{
		ID:        id,
		Content:   req.Content,
		Embedding: vec,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("local: store memory: %w", err)
	}

	b.logger.Printf("stored memory %s for user %s", id, req.UserID)
	return nil
}

// Search embeds the query and returns store hits above the threshold. Scope
// narrows to the requesting user; sessionId and agentId narrow it further
// when present.
func (b *Backend) Search(ctx context.Context, req types.SearchRequest) ([]backend.SearchResult, error) {
	req.Normalize()

	vec, err := b.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("local: embed query: %w", err)
	}

	where := map[string]string{metaUserID: req.UserID}
	if req.SessionID != "" {
		where[metaSessionID] = req.SessionID
	}
	if req.AgentID != "" {
		where[metaAgentID] = req.AgentID
	}
	for k, v := range req.Filters {
		where[k] = stringifyMetadataValue(v)
	}

	hits, err := b.store.Search(ctx, vec, 0, *req.Threshold, where)
	if err != nil {
		return nil, fmt.Errorf("local: search store: %w", err)
	}

	results := make([]backend.SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, backend.SearchResult{
			ID:        hit.ID,
			Memory:    hit.Content,
			Score:     hit.Score,
			Metadata:  exportMetadata(hit.Metadata),
			CreatedAt: hit.CreatedAt,
		})
	}
	return results, nil
}

// Delete removes the memory by ID. When the direct delete fails, a fallback
// removes by the memory_id metadata the backend wrote alongside the record.
func (b *Backend) Delete(ctx context.Context, req types.DeleteRequest) error {
	err := b.store.Delete(ctx, req.MemoryID)
	if err == nil {
		return nil
	}
	if errors.Is(err, vectorstore.ErrNotFound) {
		return fmt.Errorf("local: memory %s not found", req.MemoryID)
	}

	b.logger.Printf("direct delete failed for %s, trying fallback: %v", req.MemoryID, err)

	if fbErr := b.store.DeleteWhere(ctx, map[string]string{metaMemoryID: req.MemoryID}); fbErr != nil {
		return fmt.Errorf("local: delete memory: %w (fallback: %v)", err, fbErr)
	}
	return nil
}

// Close closes the underlying store.
func (b *Backend) Close() error {
	return b.store.Close()
}

// stringifyMetadataValue flattens arbitrary JSON values into strings, which
// is what the vector store providers index.
func stringifyMetadataValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// exportMetadata converts store metadata to the generic map the protocol
// layer serializes, dropping the internal memory_id key.
func exportMetadata(metadata map[string]string) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if k == metaMemoryID {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Compile-time assertion.
var _ backend.Backend = (*Backend)(nil)
