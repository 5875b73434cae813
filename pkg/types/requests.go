// Package types defines the request shapes accepted by the memgate tools and
// their validation rules. All three shapes are created per tool call and
// discarded when the call completes; memgate itself holds no durable data.
package types

import "errors"

// DefaultSearchThreshold is applied when a search request carries no explicit
// relevance threshold. Both backends receive the defaulted value; the caller
// never observes the substitution.
const DefaultSearchThreshold = 0.3

// Validation errors returned by the Validate methods below. The dispatcher
// maps any of these onto a JSON-RPC InvalidParams error before a backend is
// ever contacted.
var (
	ErrContentRequired  = errors.New("content is required")
	ErrUserIDRequired   = errors.New("userId is required")
	ErrQueryRequired    = errors.New("query is required")
	ErrMemoryIDRequired = errors.New("memoryId is required")
	ErrThresholdRange   = errors.New("threshold must be between 0 and 1")
)

// WriteRequest carries the arguments of an add_memory call.
type WriteRequest struct {
	Content   string         `json:"content"`            // memory text (required)
	UserID    string         `json:"userId"`             // owner identifier (required)
	SessionID string         `json:"sessionId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate reports whether the request carries all required fields.
func (r WriteRequest) Validate() error {
	if r.Content == "" {
		return ErrContentRequired
	}
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	return nil
}

// SearchRequest carries the arguments of a search_memory call.
//
// Threshold is a pointer so that an explicit threshold of 0 is
// distinguishable from an omitted one. Normalize fills in the default.
type SearchRequest struct {
	Query     string         `json:"query"`  // natural-language query (required)
	UserID    string         `json:"userId"` // owner identifier (required)
	SessionID string         `json:"sessionId,omitempty"`
	AgentID   string         `json:"agentId,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
	Threshold *float64       `json:"threshold,omitempty"`
}

// Validate reports whether the request carries all required fields and a
// threshold within [0, 1] when one is set.
func (r SearchRequest) Validate() error {
	if r.Query == "" {
		return ErrQueryRequired
	}
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	if r.Threshold != nil && (*r.Threshold < 0 || *r.Threshold > 1) {
		return ErrThresholdRange
	}
	return nil
}

// Normalize defaults a missing threshold to DefaultSearchThreshold. Adapters
// call this before delegating so the backend always receives a concrete value.
func (r *SearchRequest) Normalize() {
	if r.Threshold == nil {
		t := DefaultSearchThreshold
		r.Threshold = &t
	}
}

// DeleteRequest carries the arguments of a delete_memory call.
type DeleteRequest struct {
	MemoryID string `json:"memoryId"` // backend memory identifier (required)
	UserID   string `json:"userId"`   // owner identifier (required)
	AgentID  string `json:"agentId,omitempty"`
}

// Validate reports whether the request carries all required fields.
func (r DeleteRequest) Validate() error {
	if r.MemoryID == "" {
		return ErrMemoryIDRequired
	}
	if r.UserID == "" {
		return ErrUserIDRequired
	}
	return nil
}
