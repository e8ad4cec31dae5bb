package search

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/xhad/capture/internal/models"
)

// LexicalReranker is the default second-pass scorer: it jointly considers
// the query and chunk text, scoring how much of the query's vocabulary a
// chunk actually covers. A model-backed cross-encoder can replace it
// through the Reranker interface.
type LexicalReranker struct{}

func NewLexicalReranker() *LexicalReranker {
	return &LexicalReranker{}
}

var rerankToken = regexp.MustCompile(`[a-zA-Z0-9]+`)

func (r *LexicalReranker) Rerank(ctx context.Context, query string, candidates []models.RetrievalResult) ([]models.RetrievalResult, error) {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return candidates, nil
	}

	reranked := make([]models.RetrievalResult, len(candidates))
	for i, candidate := range candidates {
		reranked[i] = candidate
		reranked[i].RerankScore = relevance(queryTerms, candidate.Chunk.Content)
	}

	// Stable sort: fused order decides between equally relevant chunks.
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].RerankScore > reranked[j].RerankScore
	})

	return reranked, nil
}

// relevance is query-term coverage weighted by in-chunk frequency: a chunk
// matching every distinct query term outranks one repeating a single term.
func relevance(queryTerms []string, content string) float64 {
	contentTerms := rerankToken.FindAllString(strings.ToLower(content), -1)
	if len(contentTerms) == 0 {
		return 0
	}

	counts := make(map[string]int, len(contentTerms))
	for _, term := range contentTerms {
		counts[term]++
	}

	matched := 0
	frequency := 0
	for _, term := range queryTerms {
		if counts[term] > 0 {
			matched++
			frequency += counts[term]
		}
	}
	if matched == 0 {
		return 0
	}

	coverage := float64(matched) / float64(len(queryTerms))
	density := float64(frequency) / float64(len(contentTerms))
	return coverage + density
}

func tokenize(text string) []string {
	raw := rerankToken.FindAllString(strings.ToLower(text), -1)
	seen := make(map[string]bool, len(raw))
	var terms []string
	for _, term := range raw {
		if !seen[term] {
			seen[term] = true
			terms = append(terms, term)
		}
	}
	return terms
}
