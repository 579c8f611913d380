package retrieval

import (
	"math"
	"sort"
	"strings"
	"sync"
)

// BM25 parameters.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "he": true, "her": true, "his": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "she": true, "that": true, "the": true, "their": true,
	"they": true, "this": true, "to": true, "was": true, "were": true,
	"which": true, "who": true, "will": true, "with": true,
}

// KeywordHit is one BM25 search result.
type KeywordHit struct {
	ID    string
	Score float64
}

// KeywordIndex is an in-memory BM25 index over chunk text. Adds are
// serialized behind the write lock; searches run concurrently. Re-adding a
// document replaces its previous postings, keeping indexing idempotent.
type KeywordIndex struct {
	mu        sync.RWMutex
	termFreqs map[string]map[string]int // doc id -> term -> count
	docFreq   map[string]int            // term -> docs containing it
	docLen    map[string]int
	totalLen  int
}

// NewKeywordIndex creates an empty index.
func NewKeywordIndex() *KeywordIndex {
	return &KeywordIndex{
		termFreqs: make(map[string]map[string]int),
		docFreq:   make(map[string]int),
		docLen:    make(map[string]int),
	}
}

// AddDocument indexes text under id, replacing any previous version.
func (x *KeywordIndex) AddDocument(id, text string) {
	tokens := keywordTokens(text)
	freqs := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		freqs[tok]++
	}
	// a document with zero tokens counts as length 1
	length := len(tokens)
	if length == 0 {
		length = 1
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if old, ok := x.termFreqs[id]; ok {
		for term := range old {
			x.docFreq[term]--
			if x.docFreq[term] <= 0 {
				delete(x.docFreq, term)
			}
		}
		x.totalLen -= x.docLen[id]
	}

	x.termFreqs[id] = freqs
	x.docLen[id] = length
	x.totalLen += length
	for term := range freqs {
		x.docFreq[term]++
	}
}

// Len returns the number of indexed documents.
func (x *KeywordIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.termFreqs)
}

// Search scores every indexed document against query and returns up to k
// hits in descending score order. k <= 0 returns all scored documents. An
// empty index returns no hits.
func (x *KeywordIndex) Search(query string, k int) []KeywordHit {
	terms := keywordTokens(query)
	if len(terms) == 0 {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	n := len(x.termFreqs)
	if n == 0 {
		return nil
	}
	avgLen := float64(x.totalLen) / float64(n)

	scores := make(map[string]float64)
	for _, term := range terms {
		df := x.docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for id, freqs := range x.termFreqs {
			tf := float64(freqs[term])
			if tf == 0 {
				continue
			}
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(x.docLen[id])/avgLen))
			scores[id] += idf * norm
		}
	}

	hits := make([]KeywordHit, 0, len(scores))
	for id, score := range scores {
		hits = append(hits, KeywordHit{ID: id, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// keywordTokens lowercases, strips non-alphanumerics, and drops stop words
// and tokens of length <= 1.
func keywordTokens(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 1 || stopWords[f] {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
