// Package vector provides vector store adapters for chunk embeddings.
package vector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
)

// ErrDimensionMismatch indicates an insert or query vector with the wrong
// dimension.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Entry is a vector to be indexed, keyed by chunk id.
type Entry struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Result is a search hit. Score is cosine similarity in [-1, 1].
type Result struct {
	ID       string
	Score    float32
	Metadata map[string]string
}

// Stats summarizes store contents.
type Stats struct {
	TotalVectors int `json:"total_vectors"`
	IDMappings   int `json:"id_mappings"`
}

// Store is the vector store contract. Similarity is cosine.
type Store interface {
	Add(ctx context.Context, entries []Entry) error
	Search(ctx context.Context, query []float32, k int) ([]Result, error)
	Delete(ctx context.Context, ids []string) error
	Load(ctx context.Context) error
	Save(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Health(ctx context.Context) bool
	Close() error
}

// MemoryStore is an in-process cosine index with JSON persistence. It fills
// the faiss role in development and single-node deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	indexPath string
	vectors   map[string]storedVector
}

type storedVector struct {
	Vector   []float32         `json:"vector"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// MemoryConfig holds in-process index configuration.
type MemoryConfig struct {
	Dimension int
	IndexPath string
}

// NewMemoryStore creates an in-process store.
func NewMemoryStore(cfg MemoryConfig) (*MemoryStore, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	return &MemoryStore{
		dimension: cfg.Dimension,
		indexPath: cfg.IndexPath,
		vectors:   make(map[string]storedVector),
	}, nil
}

// Add indexes entries, replacing any existing vector with the same id.
func (s *MemoryStore) Add(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if len(e.Vector) != s.dimension {
			return fmt.Errorf("%w: id %s has %d, index wants %d",
				ErrDimensionMismatch, e.ID, len(e.Vector), s.dimension)
		}
		s.vectors[e.ID] = storedVector{Vector: e.Vector, Metadata: e.Metadata}
	}
	return nil
}

// Search returns the k nearest entries by cosine similarity.
func (s *MemoryStore) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d, index wants %d",
			ErrDimensionMismatch, len(query), s.dimension)
	}
	if k <= 0 {
		k = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]Result, 0, len(s.vectors))
	for id, sv := range s.vectors {
		results = append(results, Result{
			ID:       id,
			Score:    CosineSimilarity(query, sv.Vector),
			Metadata: sv.Metadata,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes vectors by id.
func (s *MemoryStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.vectors, id)
	}
	return nil
}

// Load reads the index from disk, if present.
func (s *MemoryStore) Load(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.indexPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}

	var vectors map[string]storedVector
	if err := json.Unmarshal(data, &vectors); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}

	s.mu.Lock()
	s.vectors = vectors
	s.mu.Unlock()
	return nil
}

// Save writes the index to disk.
func (s *MemoryStore) Save(ctx context.Context) error {
	if s.indexPath == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.Marshal(s.vectors)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := os.WriteFile(s.indexPath, data, 0o600); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// Stats returns store contents.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{TotalVectors: len(s.vectors), IDMappings: len(s.vectors)}, nil
}

// Health always reports true for the in-process store.
func (s *MemoryStore) Health(ctx context.Context) bool { return true }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// CosineSimilarity computes cosine similarity between two vectors of equal
// length.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
