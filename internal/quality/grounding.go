// Package quality implements post-generation verification: source
// grounding, cross-query consistency, confidence aggregation, and
// hallucination risk.
package quality

import (
	"context"
	"fmt"
	"strings"

	"github.com/chartquery/chartquery/internal/embedding"
	"github.com/chartquery/chartquery/internal/retrieval"
	"github.com/chartquery/chartquery/internal/vector"
)

// Verification methods.
const (
	MethodExactMatch    = "exact_match"
	MethodSemanticMatch = "semantic_match"
	MethodInference     = "inference"
	MethodUnsupported   = "unsupported"
)

// minStatementLength drops decomposition fragments below this many
// characters.
const minStatementLength = 11

// StatementGrounding is the verification outcome for one atomic statement.
type StatementGrounding struct {
	Statement           string   `json:"statement"`
	StatementIndex      int      `json:"statement_index"`
	IsGrounded          bool     `json:"is_grounded"`
	SourceChunkID       string   `json:"source_chunk_id,omitempty"`
	SourceArtifactID    string   `json:"source_artifact_id,omitempty"`
	SupportingEvidence  string   `json:"supporting_evidence,omitempty"`
	GroundingConfidence float64  `json:"grounding_confidence"`
	VerificationMethod  string   `json:"verification_method"`
	SimilarityScore     *float64 `json:"similarity_score,omitempty"`
}

// GroundingResult is the per-answer verification summary.
type GroundingResult struct {
	Score                 float64              `json:"grounding_score"`
	TotalStatements       int                  `json:"total_statements"`
	GroundedStatements    int                  `json:"grounded_statements"`
	Statements            []StatementGrounding `json:"statements"`
	UnsupportedStatements []string             `json:"unsupported_statements,omitempty"`
	Warnings              []string             `json:"warnings,omitempty"`
}

// GroundingVerifier decomposes an answer into atomic statements and
// verifies each against the retrieval candidates. The score is a
// deterministic function of the statements and sources.
type GroundingVerifier struct {
	embedder embedding.Embedder
}

// NewGroundingVerifier creates a verifier. embedder may be nil, disabling
// the embedding-similarity fallback.
func NewGroundingVerifier(embedder embedding.Embedder) *GroundingVerifier {
	return &GroundingVerifier{embedder: embedder}
}

// Verify checks every atomic statement of the answer against the candidate
// chunks. Grounding always verifies against the raw chunk text.
func (v *GroundingVerifier) Verify(ctx context.Context, shortAnswer, detailedSummary string, candidates []retrieval.Candidate) *GroundingResult {
	statements := DecomposeStatements(shortAnswer + " " + detailedSummary)
	result := &GroundingResult{TotalStatements: len(statements)}
	if len(statements) == 0 {
		result.Score = 1.0
		return result
	}

	sumConfidence := 0.0
	inferenceCount := 0
	lowConfidenceGrounded := 0

	for i, statement := range statements {
		sg := v.verifyStatement(ctx, statement, candidates)
		sg.StatementIndex = i
		result.Statements = append(result.Statements, sg)

		sumConfidence += sg.GroundingConfidence
		if sg.IsGrounded {
			result.GroundedStatements++
			if sg.GroundingConfidence < 0.7 {
				lowConfidenceGrounded++
			}
			if sg.VerificationMethod == MethodInference {
				inferenceCount++
			}
		} else {
			result.UnsupportedStatements = append(result.UnsupportedStatements, statement)
		}
	}

	total := float64(len(statements))
	result.Score = 0.7*(float64(result.GroundedStatements)/total) + 0.3*(sumConfidence/total)

	if n := len(result.UnsupportedStatements); n > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d statement(s) have no supporting source", n))
	}
	if lowConfidenceGrounded > 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%d grounded statement(s) have confidence below 0.7", lowConfidenceGrounded))
	}
	if float64(inferenceCount) > 0.3*total {
		result.Warnings = append(result.Warnings, "more than 30% of statements rely on inference")
	}

	return result
}

// verifyStatement runs the verification chain: exact substring, word
// overlap, embedding similarity, unsupported.
func (v *GroundingVerifier) verifyStatement(ctx context.Context, statement string, candidates []retrieval.Candidate) StatementGrounding {
	sg := StatementGrounding{Statement: statement, VerificationMethod: MethodUnsupported}

	normStatement := normalizeText(statement)
	for _, c := range candidates {
		if strings.Contains(normalizeText(c.Chunk.Text), normStatement) {
			sg.IsGrounded = true
			sg.VerificationMethod = MethodExactMatch
			sg.GroundingConfidence = 0.95
			sg.SourceChunkID = c.Chunk.ChunkID
			sg.SourceArtifactID = c.Chunk.ArtifactID
			sg.SupportingEvidence = c.Chunk.Text
			return sg
		}
	}

	tokens := longTokens(statement)
	if len(tokens) > 0 {
		bestRatio := 0.0
		var bestChunk *retrieval.Candidate
		for i := range candidates {
			chunkTokens := make(map[string]bool)
			for _, t := range longTokens(candidates[i].Chunk.Text) {
				chunkTokens[t] = true
			}
			hits := 0
			for _, t := range tokens {
				if chunkTokens[t] {
					hits++
				}
			}
			ratio := float64(hits) / float64(len(tokens))
			if ratio > bestRatio {
				bestRatio = ratio
				bestChunk = &candidates[i]
			}
		}
		if bestRatio >= 0.60 && bestChunk != nil {
			sg.IsGrounded = true
			sg.VerificationMethod = MethodSemanticMatch
			sg.GroundingConfidence = 0.70 + 0.20*bestRatio
			sg.SourceChunkID = bestChunk.Chunk.ChunkID
			sg.SourceArtifactID = bestChunk.Chunk.ArtifactID
			sg.SupportingEvidence = bestChunk.Chunk.Text
			return sg
		}
	}

	if v.embedder != nil && len(candidates) > 0 {
		if done := v.verifyByEmbedding(ctx, statement, candidates, &sg); done {
			return sg
		}
	}

	return sg
}

// verifyByEmbedding compares the statement embedding against each chunk
// embedding. A cosine similarity of at least 0.75 grounds the statement by
// inference.
func (v *GroundingVerifier) verifyByEmbedding(ctx context.Context, statement string, candidates []retrieval.Candidate, sg *StatementGrounding) bool {
	texts := make([]string, 0, len(candidates)+1)
	texts = append(texts, statement)
	for _, c := range candidates {
		texts = append(texts, c.Chunk.Text)
	}
	vectors, err := v.embedder.EmbedBatch(ctx, texts)
	if err != nil || len(vectors) != len(texts) {
		return false
	}

	best := float64(-1)
	bestIdx := -1
	for i := 1; i < len(vectors); i++ {
		sim := float64(vector.CosineSimilarity(vectors[0], vectors[i]))
		if sim > best {
			best = sim
			bestIdx = i - 1
		}
	}
	if best < 0.75 || bestIdx < 0 {
		return false
	}

	sg.IsGrounded = true
	sg.VerificationMethod = MethodInference
	sg.GroundingConfidence = best * 0.9
	sg.SourceChunkID = candidates[bestIdx].Chunk.ChunkID
	sg.SourceArtifactID = candidates[bestIdx].Chunk.ArtifactID
	sg.SupportingEvidence = candidates[bestIdx].Chunk.Text
	sg.SimilarityScore = &best
	return true
}

// DecomposeStatements splits an answer into atomic statements: sentence
// terminators first, then coordinating conjunctions. Fragments shorter
// than 11 characters are dropped.
func DecomposeStatements(text string) []string {
	var statements []string
	for _, sentence := range splitSentences(text) {
		for _, clause := range splitConjunctions(sentence) {
			clause = strings.TrimSpace(strings.Trim(clause, "-•* \t"))
			if len(clause) >= minStatementLength {
				statements = append(statements, clause)
			}
		}
	}
	return statements
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n' || r == ';'
	})
}

var conjunctions = []string{" and ", " but ", " or ", " yet ", " so "}

func splitConjunctions(sentence string) []string {
	parts := []string{sentence}
	for _, conj := range conjunctions {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, conj)...)
		}
		parts = next
	}
	return parts
}

// normalizeText lowercases and collapses whitespace for substring
// comparison.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// longTokens returns lowercase tokens longer than 3 characters.
func longTokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 3 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
