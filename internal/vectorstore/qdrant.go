package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// QdrantConfig holds configuration for the Qdrant REST store.
type QdrantConfig struct {
	URL        string // e.g. http://localhost:6333
	APIKey     string
	Collection string        // default: memories
	Dims       int           // vector size enforced at collection creation
	Timeout    time.Duration // default: 30s
}

// QdrantStore implements Store against the Qdrant HTTP API.
type QdrantStore struct {
	cfg    QdrantConfig
	client *http.Client
}

// NewQdrant creates a Qdrant-backed store and ensures the collection exists.
func NewQdrant(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("qdrant: VECTOR_DB_URL is required")
	}
	if cfg.Collection == "" {
		cfg.Collection = "memories"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	s := &QdrantStore{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}

	if err := s.ensureCollection(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// ensureCollection creates the collection when it does not exist yet.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	status, _, err := s.do(ctx, http.MethodGet, "/collections/"+s.cfg.Collection, nil)
	if err != nil {
		return fmt.Errorf("qdrant: check collection: %w", err)
	}
	if status == http.StatusOK {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.cfg.Dims,
			"distance": "Cosine",
		},
	}
	status, respBody, err := s.do(ctx, http.MethodPut, "/collections/"+s.cfg.Collection, body)
	if err != nil {
		return fmt.Errorf("qdrant: create collection: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("qdrant: create collection returned status %d: %s", status, respBody)
	}
	return nil
}

// qdrantPoint is one point in an upsert request.
type qdrantPoint struct {
	ID      string            `json:"id"`
	Vector  []float32         `json:"vector"`
	Payload map[string]string `json:"payload"`
}

// Upsert stores a record, replacing any record with the same ID.
func (s *QdrantStore) Upsert(ctx context.Context, rec Record) error {
	payload := make(map[string]string, len(rec.Metadata)+2)
	for k, v := range rec.Metadata {
		payload[k] = v
	}
	payload["content"] = rec.Content
	if !rec.CreatedAt.IsZero() {
		payload[createdAtKey] = rec.CreatedAt.Format(time.RFC3339)
	}

	body := map[string]any{
		"points": []qdrantPoint{{
			ID:      rec.ID,
			Vector:  rec.Embedding,
			Payload: payload,
		}},
	}

	status, respBody, err := s.do(ctx, http.MethodPut, "/collections/"+s.cfg.Collection+"/points?wait=true", body)
	if err != nil {
		return fmt.Errorf("qdrant: upsert: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("qdrant: upsert returned status %d: %s", status, respBody)
	}
	return nil
}

// qdrantSearchResponse is the response body from POST /points/search.
type qdrantSearchResponse struct {
	Result []struct {
		ID      string            `json:"id"`
		Score   float64           `json:"score"`
		Payload map[string]string `json:"payload"`
	} `json:"result"`
}

// Search returns up to limit records similar to the embedding.
func (s *QdrantStore) Search(ctx context.Context, embedding []float32, limit int, threshold float64, where map[string]string) ([]Hit, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	body := map[string]any{
		"vector":          embedding,
		"limit":           limit,
		"score_threshold": threshold,
		"with_payload":    true,
	}
	if filter := qdrantFilter(where); filter != nil {
		body["filter"] = filter
	}

	status, respBody, err := s.do(ctx, http.MethodPost, "/collections/"+s.cfg.Collection+"/points/search", body)
	if err != nil {
		return nil, fmt.Errorf("qdrant: search: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("qdrant: search returned status %d: %s", status, respBody)
	}

	var respData qdrantSearchResponse
	if err := json.Unmarshal(respBody, &respData); err != nil {
		return nil, fmt.Errorf("qdrant: decode search response: %w", err)
	}

	hits := make([]Hit, 0, len(respData.Result))
	for _, res := range respData.Result {
		metadata := make(map[string]string, len(res.Payload))
		var content string
		var createdAt time.Time
		for k, v := range res.Payload {
			switch k {
			case "content":
				content = v
			case createdAtKey:
				createdAt, _ = time.Parse(time.RFC3339, v)
			default:
				metadata[k] = v
			}
		}

		hits = append(hits, Hit{
			ID:        res.ID,
			Content:   content,
			Score:     res.Score,
			Metadata:  metadata,
			CreatedAt: createdAt,
		})
	}
	return hits, nil
}

// Delete removes the record with the given ID.
func (s *QdrantStore) Delete(ctx context.Context, id string) error {
	// Qdrant acknowledges deletes of unknown IDs, so existence is checked
	// first to keep the not-found contract.
	status, _, err := s.do(ctx, http.MethodGet, "/collections/"+s.cfg.Collection+"/points/"+id, nil)
	if err != nil {
		return fmt.Errorf("qdrant: lookup point: %w", err)
	}
	if status == http.StatusNotFound {
		return ErrNotFound
	}

	body := map[string]any{"points": []string{id}}
	status, respBody, err := s.do(ctx, http.MethodPost, "/collections/"+s.cfg.Collection+"/points/delete?wait=true", body)
	if err != nil {
		return fmt.Errorf("qdrant: delete: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("qdrant: delete returned status %d: %s", status, respBody)
	}
	return nil
}

// DeleteWhere removes every record whose payload matches the map.
func (s *QdrantStore) DeleteWhere(ctx context.Context, where map[string]string) error {
	filter := qdrantFilter(where)
	if filter == nil {
		return fmt.Errorf("qdrant: delete-where requires a filter")
	}

	body := map[string]any{"filter": filter}
	status, respBody, err := s.do(ctx, http.MethodPost, "/collections/"+s.cfg.Collection+"/points/delete?wait=true", body)
	if err != nil {
		return fmt.Errorf("qdrant: delete-where: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("qdrant: delete-where returned status %d: %s", status, respBody)
	}
	return nil
}

// Close releases resources.
func (s *QdrantStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// qdrantFilter builds a must-match filter from a metadata map.
func qdrantFilter(where map[string]string) map[string]any {
	if len(where) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(where))
	for k, v := range where {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": v},
		})
	}
	return map[string]any{"must": must}
}

// do sends one JSON request to Qdrant and returns the status and body.
func (s *QdrantStore) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.cfg.URL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// Compile-time assertion.
var _ Store = (*QdrantStore)(nil)
