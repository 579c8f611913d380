package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChromaStore implements Store against a locally hosted ChromaDB server
// using plain HTTP calls.
type ChromaStore struct {
	httpClient   *http.Client
	baseURL      string
	collection   string
	collectionID string
	dimension    int
}

// ChromaConfig holds ChromaDB adapter configuration.
type ChromaConfig struct {
	BaseURL    string
	Collection string
	Dimension  int
	Timeout    time.Duration
}

// NewChromaStore creates a ChromaDB-backed store and ensures the collection
// exists.
func NewChromaStore(ctx context.Context, cfg ChromaConfig) (*ChromaStore, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8000"
	}
	if cfg.Collection == "" {
		cfg.Collection = "chartquery_chunks"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	s := &ChromaStore{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
	}

	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChromaStore) ensureCollection(ctx context.Context) error {
	body := map[string]interface{}{
		"name":          s.collection,
		"metadata":      map[string]interface{}{"hnsw:space": "cosine"},
		"get_or_create": true,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.request(ctx, http.MethodPost, "/api/v1/collections", body, &resp); err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}
	s.collectionID = resp.ID
	if s.collectionID == "" {
		s.collectionID = s.collection
	}
	return nil
}

// Add indexes entries. Chroma upserts by id.
func (s *ChromaStore) Add(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	ids := make([]string, len(entries))
	embeddings := make([][]float32, len(entries))
	metadatas := make([]map[string]string, len(entries))
	for i, e := range entries {
		if len(e.Vector) != s.dimension {
			return fmt.Errorf("%w: id %s has %d, index wants %d",
				ErrDimensionMismatch, e.ID, len(e.Vector), s.dimension)
		}
		ids[i] = e.ID
		embeddings[i] = e.Vector
		metadatas[i] = e.Metadata
	}

	body := map[string]interface{}{
		"ids":        ids,
		"embeddings": embeddings,
		"metadatas":  metadatas,
	}
	path := fmt.Sprintf("/api/v1/collections/%s/upsert", s.collectionID)
	if err := s.request(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("chroma upsert: %w", err)
	}
	return nil
}

// Search returns the k nearest entries. Chroma reports cosine distance;
// score is 1 - distance.
func (s *ChromaStore) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d, index wants %d",
			ErrDimensionMismatch, len(query), s.dimension)
	}
	if k <= 0 {
		k = 10
	}

	body := map[string]interface{}{
		"query_embeddings": [][]float32{query},
		"n_results":        k,
		"include":          []string{"metadatas", "distances"},
	}
	var resp struct {
		IDs       [][]string            `json:"ids"`
		Distances [][]float32           `json:"distances"`
		Metadatas [][]map[string]string `json:"metadatas"`
	}
	path := fmt.Sprintf("/api/v1/collections/%s/query", s.collectionID)
	if err := s.request(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, fmt.Errorf("chroma query: %w", err)
	}

	if len(resp.IDs) == 0 {
		return nil, nil
	}
	results := make([]Result, 0, len(resp.IDs[0]))
	for i, id := range resp.IDs[0] {
		r := Result{ID: id}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			r.Score = 1 - resp.Distances[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			r.Metadata = resp.Metadatas[0][i]
		}
		results = append(results, r)
	}
	return results, nil
}

// Delete removes vectors by id.
func (s *ChromaStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]interface{}{"ids": ids}
	path := fmt.Sprintf("/api/v1/collections/%s/delete", s.collectionID)
	if err := s.request(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("chroma delete: %w", err)
	}
	return nil
}

// Load is a no-op; the Chroma server owns persistence.
func (s *ChromaStore) Load(ctx context.Context) error { return nil }

// Save is a no-op; the Chroma server owns persistence.
func (s *ChromaStore) Save(ctx context.Context) error { return nil }

// Stats returns collection contents.
func (s *ChromaStore) Stats(ctx context.Context) (Stats, error) {
	var count int
	path := fmt.Sprintf("/api/v1/collections/%s/count", s.collectionID)
	if err := s.request(ctx, http.MethodGet, path, nil, &count); err != nil {
		return Stats{}, fmt.Errorf("chroma count: %w", err)
	}
	return Stats{TotalVectors: count, IDMappings: count}, nil
}

// Health reports whether the Chroma server heartbeat responds.
func (s *ChromaStore) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	err := s.request(ctx, http.MethodGet, "/api/v1/heartbeat", nil, nil)
	return err == nil
}

// Close is a no-op for the HTTP adapter.
func (s *ChromaStore) Close() error { return nil }

func (s *ChromaStore) request(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chroma %s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
