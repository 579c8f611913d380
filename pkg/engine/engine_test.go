package engine

import (
	"context"
	"database/sql"
	"hash/fnv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chartquery/chartquery/internal/cache"
	"github.com/chartquery/chartquery/internal/config"
	"github.com/chartquery/chartquery/internal/embedding"
	"github.com/chartquery/chartquery/internal/ingest"
	"github.com/chartquery/chartquery/internal/llm"
	"github.com/chartquery/chartquery/internal/observability"
	"github.com/chartquery/chartquery/internal/storage"
	"github.com/chartquery/chartquery/internal/vector"
)

const testDimension = 8

// stubEmbedder hashes token counts into a fixed-dimension vector so that
// similar texts land near each other.
type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDimension)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%testDimension]++
	}
	return vec, nil
}

func (s stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (stubEmbedder) Health(ctx context.Context) bool { return true }

func (stubEmbedder) Info() embedding.ProviderInfo {
	return embedding.ProviderInfo{Provider: "stub", Dimensions: testDimension}
}

type stubGenerator struct {
	output string
}

func (s stubGenerator) Generate(ctx context.Context, prompt string, opts llm.GenerateOptions) (string, error) {
	return s.output, nil
}

func (stubGenerator) Health(ctx context.Context) bool { return true }

func (stubGenerator) Info() llm.ProviderInfo {
	return llm.ProviderInfo{Provider: "stub", Model: "stub-model"}
}

func newTestEngine(t *testing.T, generator llm.Generator) (*Engine, *storage.Repositories) {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, storage.OpenOptions{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, storage.Migrate(ctx, db))
	repos := storage.NewRepositories(db)

	store, err := vector.NewMemoryStore(vector.MemoryConfig{Dimension: testDimension})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	cfg.Cache.Enabled = true
	cfg.Retrieval.CacheResults = true

	eng := New(observability.NopLogger(), cfg, repos, stubEmbedder{}, generator,
		store, cache.NewMemoryClient(100))
	return eng, repos
}

func seedMedicationArtifact(t *testing.T, eng *Engine) {
	t.Helper()
	report, err := eng.Index(context.Background(), "p-1", []storage.Artifact{{
		ID:         "med-1",
		PatientID:  "p-1",
		Type:       storage.ArtifactTypeMedication,
		OccurredAt: time.Now().AddDate(0, 0, -7),
		Author:     "Dr. Reyes",
		Text:       "Current medications: Metformin 500mg twice daily for diabetes. Lisinopril 10mg daily for blood pressure.",
	}}, ingest.IndexOptions{UserID: "clinician-1"})
	require.NoError(t, err)
	require.Equal(t, 1, report.ArtifactsIndexed)
	require.Greater(t, report.ChunksCreated, 0)
}

const goodAnswer = `{"short_answer": "Patient takes Metformin 500mg twice daily.",
"detailed_summary": "- Metformin 500mg twice daily for diabetes\n- Lisinopril 10mg daily",
"extractions": [{"type": "medication", "content": {"name": "Metformin", "dosage": "500mg"}, "chunk_id": "med-1:0000", "confidence": 0.9}]}`

func TestEngineQueryEndToEnd(t *testing.T) {
	eng, repos := newTestEngine(t, stubGenerator{output: goodAnswer})
	seedMedicationArtifact(t, eng)

	bundle, err := eng.Query(context.Background(), "What medications is the patient taking?", "p-1", QueryOptions{})
	require.NoError(t, err)

	assert.Equal(t, "p-1", bundle.PatientID)
	assert.Equal(t, "Patient takes Metformin 500mg twice daily.", bundle.ShortAnswer)
	assert.NotEmpty(t, bundle.Sources)
	assert.Equal(t, "med-1:0000", bundle.Sources[0].ChunkID)
	require.Len(t, bundle.Extractions, 1)
	assert.Equal(t, "medication", bundle.Extractions[0].Type)
	require.NotNil(t, bundle.Quality)
	assert.Greater(t, bundle.Quality.OverallQuality, 0.0)

	conversations, err := eng.RecentQueries(context.Background(), "p-1", 5)
	require.NoError(t, err)
	require.Len(t, conversations, 1)
	c := conversations[0]
	assert.Equal(t, bundle.ConversationID, c.ID)
	assert.Equal(t, "retrieve_medications", c.QueryIntent)
	assert.Equal(t, "stub-model", c.ModelUsed)
	require.NotNil(t, c.GroundingScore)
	assert.InDelta(t, bundle.Quality.GroundingScore, *c.GroundingScore, 1e-9)

	// quality records are write-once per conversation
	err = repos.WithTx(context.Background(), func(tx *sql.Tx) error {
		return repos.Quality.InsertGrounding(context.Background(), tx,
			&storage.GroundingRecord{ConversationID: c.ID, GroundingScore: 1})
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrIntegrityViolation)
}

func TestEngineQueryNoIndexedRecords(t *testing.T) {
	eng, _ := newTestEngine(t, stubGenerator{output: goodAnswer})

	_, err := eng.Query(context.Background(), "Any allergies?", "p-unknown", QueryOptions{})
	assert.ErrorIs(t, err, ErrNoIndexedRecords)
}

func TestEngineQueryMalformedGeneration(t *testing.T) {
	eng, _ := newTestEngine(t, stubGenerator{output: "I cannot answer that."})
	seedMedicationArtifact(t, eng)

	_, err := eng.Query(context.Background(), "What medications is the patient taking?", "p-1", QueryOptions{})
	assert.ErrorIs(t, err, ErrGenerationFailed)
}

func TestEngineQueryInvalidInput(t *testing.T) {
	eng, _ := newTestEngine(t, stubGenerator{output: goodAnswer})

	_, err := eng.Query(context.Background(), "   ", "p-1", QueryOptions{})
	require.Error(t, err)

	_, err = eng.Query(context.Background(), strings.Repeat("x", 1001), "p-1", QueryOptions{})
	require.Error(t, err)
}

func TestEngineWarmRebuildsKeywordIndex(t *testing.T) {
	eng, _ := newTestEngine(t, stubGenerator{output: goodAnswer})
	seedMedicationArtifact(t, eng)

	require.NoError(t, eng.Warm(context.Background(), []string{"p-1"}))

	hits := eng.keyword.Search("metformin", 1)
	require.NotEmpty(t, hits)
	assert.Equal(t, "med-1:0000", hits[0].ID)
}
