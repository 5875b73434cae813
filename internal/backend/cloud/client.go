// Package cloud implements the hosted memory API backend. Every tool call is
// forwarded to the mem0-style HTTP API; nothing is stored in process.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/memgate/internal/backend"
	"github.com/scrypster/memgate/internal/breaker"
	"github.com/scrypster/memgate/internal/sidelog"
	"github.com/scrypster/memgate/pkg/types"
)

// Config holds configuration for the cloud memory client.
type Config struct {
	APIKey    string
	BaseURL   string        // default: https://api.mem0.ai
	OrgID     string        // optional; attached to every request when set
	ProjectID string        // optional; attached to every request when set
	Timeout   time.Duration // default: 30s

	// RequestsPerSecond caps outbound API calls. Zero means the default
	// of 10 req/s with a burst of 20.
	RequestsPerSecond float64
}

// Client implements backend.Backend against the hosted memory API.
type Client struct {
	cfg            Config
	client         *http.Client
	circuitBreaker *breaker.Breaker
	limiter        *rate.Limiter
	logger         *log.Logger
}

// New creates a cloud memory client. It does not contact the API; the first
// tool call does.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.mem0.ai"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	return &Client{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		circuitBreaker: breaker.New("cloud-memory-api"),
		limiter:        rate.NewLimiter(rate.Limit(rps), int(rps)*2),
		logger:         sidelog.New(sidelog.OriginCloud),
	}
}

// addMemoryRequest is the request body for POST /v1/memories/.
type addMemoryRequest struct {
	Messages  []message      `json:"messages"`
	UserID    string         `json:"user_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Version   string         `json:"version"`
	OrgID     string         `json:"org_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Write persists a memory through the hosted API.
func (c *Client) Write(ctx context.Context, req types.WriteRequest) error {
	body := addMemoryRequest{
		Messages:  []message{{Role: "user", Content: req.Content}},
		UserID:    req.UserID,
		RunID:     req.SessionID,
		AgentID:   req.AgentID,
		Metadata:  req.Metadata,
		Version:   "v2",
		OrgID:     c.cfg.OrgID,
		ProjectID: c.cfg.ProjectID,
	}

	_, err := c.execute(ctx, http.MethodPost, "/v1/memories/", body)
	if err != nil {
		return fmt.Errorf("cloud: add memory: %w", err)
	}
	return nil
}

// searchMemoryRequest is the request body for POST /v1/memories/search/.
type searchMemoryRequest struct {
	Query     string         `json:"query"`
	UserID    string         `json:"user_id,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Filters   map[string]any `json:"filters,omitempty"`
	Threshold float64        `json:"threshold"`
	Version   string         `json:"version"`
	OrgID     string         `json:"org_id,omitempty"`
	ProjectID string         `json:"project_id,omitempty"`
}

// searchHit is one memory in a search response.
type searchHit struct {
	ID        string         `json:"id"`
	Memory    string         `json:"memory"`
	Score     float64        `json:"score"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// Search queries the hosted API for relevant memories. The request is
// normalized before this call, so Threshold is always set.
func (c *Client) Search(ctx context.Context, req types.SearchRequest) ([]backend.SearchResult, error) {
	threshold := types.DefaultSearchThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	body := searchMemoryRequest{
		Query:     req.Query,
		UserID:    req.UserID,
		RunID:     req.SessionID,
		AgentID:   req.AgentID,
		Filters:   req.Filters,
		Threshold: threshold,
		Version:   "v2",
		OrgID:     c.cfg.OrgID,
		ProjectID: c.cfg.ProjectID,
	}

	respBody, err := c.execute(ctx, http.MethodPost, "/v1/memories/search/", body)
	if err != nil {
		return nil, fmt.Errorf("cloud: search memories: %w", err)
	}

	hits, err := decodeSearchResponse(respBody)
	if err != nil {
		return nil, fmt.Errorf("cloud: decode search response: %w", err)
	}

	results := make([]backend.SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, backend.SearchResult{
			ID:        hit.ID,
			Memory:    hit.Memory,
			Score:     hit.Score,
			Metadata:  hit.Metadata,
			CreatedAt: hit.CreatedAt,
		})
	}
	return results, nil
}

// decodeSearchResponse accepts both response shapes the API serves: a bare
// array and an object wrapping the array in a "results" field.
func decodeSearchResponse(data []byte) ([]searchHit, error) {
	var hits []searchHit
	if err := json.Unmarshal(data, &hits); err == nil {
		return hits, nil
	}

	var wrapped struct {
		Results []searchHit `json:"results"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Results, nil
}

// Delete removes a memory by ID. The primary path runs through the circuit
// breaker; when it fails, a raw fallback request bypasses the breaker so a
// tripped breaker cannot strand an otherwise-deletable memory.
func (c *Client) Delete(ctx context.Context, req types.DeleteRequest) error {
	path := "/v1/memories/" + req.MemoryID + "/"

	_, err := c.execute(ctx, http.MethodDelete, path, nil)
	if err == nil {
		return nil
	}

	c.logger.Printf("primary delete failed for %s, trying fallback: %v", req.MemoryID, err)

	if _, fbErr := c.do(ctx, http.MethodDelete, path, nil); fbErr != nil {
		return fmt.Errorf("cloud: delete memory: %w (fallback: %v)", err, fbErr)
	}
	return nil
}

// Close releases resources.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// execute runs one API request through the rate limiter and circuit breaker.
func (c *Client) execute(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	result, err := c.circuitBreaker.Execute(ctx, func() (any, error) {
		return c.do(ctx, method, path, body)
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			return nil, fmt.Errorf("memory api circuit breaker open: %w", err)
		}
		return nil, err
	}
	return result.([]byte), nil
}

// do sends one JSON request to the memory API and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("memory api returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// Compile-time assertion.
var _ backend.Backend = (*Client)(nil)
