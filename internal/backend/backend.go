// Package backend defines the storage surface every memory backend exposes to
// the protocol layer. The cloud and local subpackages provide the two
// implementations; exactly one is attached to the server at startup.
package backend

import (
	"context"
	"time"

	"github.com/scrypster/memgate/pkg/types"
)

// SearchResult is one memory returned from a search, normalized across
// backends so the protocol layer serializes the same shape either way.
type SearchResult struct {
	ID        string         `json:"id"`
	Memory    string         `json:"memory"`
	Score     float64        `json:"score"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitempty"`
}

// Backend is the contract the MCP dispatcher programs against. All methods
// take a context so in-flight work can be abandoned on shutdown; all return
// errors rather than logging, leaving the caller to decide the channel.
type Backend interface {
	// Write persists a new memory. Implementations must not assume the
	// caller waits: the dispatcher acknowledges before Write completes.
	Write(ctx context.Context, req types.WriteRequest) error

	// Search returns memories relevant to the query, already filtered by
	// the request's normalized similarity threshold.
	Search(ctx context.Context, req types.SearchRequest) ([]SearchResult, error)

	// Delete removes the memory with the given ID. Implementations try a
	// scoped delete first and fall back to a broader removal path before
	// reporting failure.
	Delete(ctx context.Context, req types.DeleteRequest) error

	// Close releases any held resources. Safe to call once at shutdown.
	Close() error
}
