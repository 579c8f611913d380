package retrieval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartquery/chartquery/internal/cache"
	"github.com/chartquery/chartquery/internal/query"
	"github.com/chartquery/chartquery/internal/storage"
)

func testStructuredQuery() *query.StructuredQuery {
	return &query.StructuredQuery{
		QueryID:       "q-1",
		OriginalQuery: "What medications is the patient taking?",
		PatientID:     "p-1",
		Intent:        query.IntentRetrieveMedications,
		Filters: query.Filters{
			ArtifactTypes: []storage.ArtifactType{storage.ArtifactTypeMedication},
		},
	}
}

func TestResponseCacheRoundTrip(t *testing.T) {
	rc := NewResponseCache(cache.NewMemoryClient(100))
	cfg := Config{Rerank: true, Diversify: true, TimeDecay: true, SnippetLength: 200}
	sq := testStructuredQuery()
	key := rc.Key(sq, cfg, 0.7, 10)

	_, ok := rc.Get(context.Background(), key)
	assert.False(t, ok)

	candidates := []Candidate{
		{Chunk: storage.Chunk{ChunkID: "c-1", PatientID: "p-1"}, Score: 0.9, Rank: 1},
		{Chunk: storage.Chunk{ChunkID: "c-2", PatientID: "p-1"}, Score: 0.4, Rank: 2},
	}
	require.NoError(t, rc.Put(context.Background(), key, candidates))

	got, ok := rc.Get(context.Background(), key)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "c-1", got[0].Chunk.ChunkID)
	assert.Equal(t, 1, got[0].Rank)
}

func TestResponseCacheKeyCanonicalization(t *testing.T) {
	rc := NewResponseCache(cache.NewMemoryClient(100))
	cfg := Config{SnippetLength: 200}

	a := testStructuredQuery()
	b := testStructuredQuery()
	b.OriginalQuery = "  what MEDICATIONS is the patient taking?  "
	b.QueryID = "q-2" // query id never feeds the key

	assert.Equal(t, rc.Key(a, cfg, 0.7, 10), rc.Key(b, cfg, 0.7, 10))

	c := testStructuredQuery()
	c.PatientID = "p-2"
	assert.NotEqual(t, rc.Key(a, cfg, 0.7, 10), rc.Key(c, cfg, 0.7, 10))

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	d := testStructuredQuery()
	d.Filters.From = &from
	assert.NotEqual(t, rc.Key(a, cfg, 0.7, 10), rc.Key(d, cfg, 0.7, 10))

	assert.NotEqual(t, rc.Key(a, cfg, 0.7, 10), rc.Key(a, cfg, 0.5, 10))
}

func TestResponseCacheNilClient(t *testing.T) {
	rc := NewResponseCache(nil)
	sq := testStructuredQuery()
	key := rc.Key(sq, Config{}, 0.7, 10)

	assert.NoError(t, rc.Put(context.Background(), key, nil))
	_, ok := rc.Get(context.Background(), key)
	assert.False(t, ok)
}
