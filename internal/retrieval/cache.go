package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/chartquery/chartquery/internal/cache"
	"github.com/chartquery/chartquery/internal/query"
)

// Response cache bounds.
const (
	ResponseCacheTTL        = 5 * time.Minute
	ResponseCacheMaxEntries = 100
)

// ResponseCache stores full candidate sets keyed by a canonicalized
// request. Cache hits bypass every pipeline stage.
type ResponseCache struct {
	client cache.Client
	ttl    time.Duration
}

// NewResponseCache wraps a cache client. A nil client disables caching.
func NewResponseCache(client cache.Client) *ResponseCache {
	return &ResponseCache{client: client, ttl: ResponseCacheTTL}
}

// cacheKeyInput is the canonical form hashed into the cache key.
type cacheKeyInput struct {
	Query         string   `json:"query"`
	PatientID     string   `json:"patient_id"`
	Intent        string   `json:"intent"`
	ArtifactTypes []string `json:"artifact_types"`
	From          string   `json:"from,omitempty"`
	To            string   `json:"to,omitempty"`
	Alpha         float64  `json:"alpha"`
	TopK          int      `json:"top_k"`
	Rerank        bool     `json:"rerank"`
	Diversify     bool     `json:"diversify"`
	TimeDecay     bool     `json:"time_decay"`
	SnippetLength int      `json:"snippet_length"`
}

// Key canonicalizes the request into a stable cache key.
func (c *ResponseCache) Key(sq *query.StructuredQuery, cfg Config, alpha float64, topK int) string {
	types := make([]string, 0, len(sq.Filters.ArtifactTypes))
	for _, t := range sq.Filters.ArtifactTypes {
		types = append(types, string(t))
	}
	sort.Strings(types)

	in := cacheKeyInput{
		Query:         strings.ToLower(strings.TrimSpace(sq.OriginalQuery)),
		PatientID:     sq.PatientID,
		Intent:        string(sq.Intent),
		ArtifactTypes: types,
		Alpha:         alpha,
		TopK:          topK,
		Rerank:        cfg.Rerank,
		Diversify:     cfg.Diversify,
		TimeDecay:     cfg.TimeDecay,
		SnippetLength: cfg.SnippetLength,
	}
	if sq.Filters.From != nil {
		in.From = sq.Filters.From.UTC().Format(time.RFC3339)
	}
	if sq.Filters.To != nil {
		in.To = sq.Filters.To.UTC().Format(time.RFC3339)
	}

	b, _ := json.Marshal(in)
	sum := sha256.Sum256(b)
	return "retrieval:" + hex.EncodeToString(sum[:])
}

// Get returns the cached candidate set for key, if present.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]Candidate, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	b, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, false
	}
	var candidates []Candidate
	if err := json.Unmarshal(b, &candidates); err != nil {
		return nil, false
	}
	return candidates, true
}

// Put stores the candidate set under key.
func (c *ResponseCache) Put(ctx context.Context, key string, candidates []Candidate) error {
	if c == nil || c.client == nil {
		return nil
	}
	b, err := json.Marshal(candidates)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, b, c.ttl)
}
