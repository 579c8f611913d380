package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordIndexSearch(t *testing.T) {
	idx := NewKeywordIndex()
	idx.AddDocument("c-1", "Medication: Atorvastatin. Dosage: 20mg. Frequency: Daily.")
	idx.AddDocument("c-2", "Medication: Lisinopril. Dosage: 10mg. Frequency: Daily.")
	idx.AddDocument("c-3", "Lab result: hemoglobin a1c 6.8 percent.")

	hits := idx.Search("atorvastatin dosage", 10)
	require.NotEmpty(t, hits)
	assert.Equal(t, "c-1", hits[0].ID)
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i].Score, hits[i-1].Score)
	}
}

func TestKeywordIndexEmpty(t *testing.T) {
	idx := NewKeywordIndex()
	assert.Empty(t, idx.Search("anything at all", 10))
	assert.Zero(t, idx.Len())
}

func TestKeywordIndexZeroTokenDocument(t *testing.T) {
	idx := NewKeywordIndex()
	idx.AddDocument("c-1", "a an of") // all stop words
	idx.AddDocument("c-2", "metformin prescribed")

	// no division by zero; the empty document counts as length 1
	hits := idx.Search("metformin", 10)
	require.Len(t, hits, 1)
	assert.Equal(t, "c-2", hits[0].ID)
}

func TestKeywordIndexReaddIsIdempotent(t *testing.T) {
	idx := NewKeywordIndex()
	idx.AddDocument("c-1", "metformin for diabetes")
	first := idx.Search("metformin", 10)

	idx.AddDocument("c-1", "metformin for diabetes")
	second := idx.Search("metformin", 10)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, idx.Len())
}

func TestKeywordIndexReplacesDocument(t *testing.T) {
	idx := NewKeywordIndex()
	idx.AddDocument("c-1", "metformin for diabetes")
	idx.AddDocument("c-1", "lisinopril for hypertension")

	assert.Empty(t, idx.Search("metformin", 10))
	assert.NotEmpty(t, idx.Search("lisinopril", 10))
}

func TestKeywordTokens(t *testing.T) {
	got := keywordTokens("The patient IS on Metformin, 500mg!")
	assert.Equal(t, []string{"patient", "metformin", "500mg"}, got)
}
