package search

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
)

type PipelineConfig struct {
	// RRFK is the reciprocal rank fusion smoothing constant.
	RRFK int
	// VectorWeight and KeywordWeight scale each list's RRF contribution.
	VectorWeight  float64
	KeywordWeight float64
	// RerankCandidates bounds how many fused results go to the reranker.
	RerankCandidates int
	// SideTimeout bounds each of the two searches independently so a hung
	// side cannot block the whole query.
	SideTimeout time.Duration
}

// Pipeline is the query-time hybrid retrieval path: embed, search both
// indexes concurrently, fuse, re-rank.
type Pipeline struct {
	config   PipelineConfig
	store    types.Driver
	embedder types.Embedder
	reranker types.Reranker
}

func NewPipeline(config PipelineConfig, store types.Driver, embedder types.Embedder, reranker types.Reranker) *Pipeline {
	if config.RRFK == 0 {
		config.RRFK = 60
	}
	if config.VectorWeight == 0 && config.KeywordWeight == 0 {
		config.VectorWeight = 0.7
		config.KeywordWeight = 0.3
	}
	if config.RerankCandidates == 0 {
		config.RerankCandidates = 20
	}
	if config.SideTimeout == 0 {
		config.SideTimeout = 10 * time.Second
	}
	if reranker == nil {
		reranker = NewLexicalReranker()
	}

	return &Pipeline{
		config:   config,
		store:    store,
		embedder: embedder,
		reranker: reranker,
	}
}

// Search runs vector and keyword retrieval concurrently, over-fetching
// 2×topK from each side to improve fusion quality. If one side fails or
// times out the pipeline degrades to the surviving list instead of failing
// the query.
func (p *Pipeline) Search(ctx context.Context, query string, topK int, filters types.SearchFilters) (*models.ResultSet, error) {
	if topK <= 0 {
		topK = 5
	}
	fetch := topK * 2

	var vectorHits, keywordHits []types.ScoredChunk
	var vectorErr, keywordErr error

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		sideCtx, cancel := context.WithTimeout(ctx, p.config.SideTimeout)
		defer cancel()

		// An embedding failure only loses the vector side.
		vectors, err := p.embedder.EmbedTexts(sideCtx, []string{query})
		if err != nil {
			vectorErr = err
			return
		}
		vectorHits, vectorErr = p.store.VectorSearch(sideCtx, vectors[0], fetch, filters)
	}()

	go func() {
		defer wg.Done()
		sideCtx, cancel := context.WithTimeout(ctx, p.config.SideTimeout)
		defer cancel()
		keywordHits, keywordErr = p.store.KeywordSearch(sideCtx, query, fetch, filters)
	}()

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if vectorErr != nil && keywordErr != nil {
		return nil, types.Unavailable("retrieval", errors.Join(vectorErr, keywordErr))
	}

	degraded := false
	if vectorErr != nil {
		log.Printf("search: vector side failed, degrading to keyword results: %v", vectorErr)
		degraded = true
	}
	if keywordErr != nil {
		log.Printf("search: keyword side failed, degrading to vector results: %v", keywordErr)
		degraded = true
	}

	fused := p.fuse(vectorHits, keywordHits)

	candidates := fused
	if len(candidates) > p.config.RerankCandidates {
		candidates = candidates[:p.config.RerankCandidates]
	}

	reranked, err := p.reranker.Rerank(ctx, query, candidates)
	if err != nil {
		// Re-ranking is an accuracy refinement, not a correctness step.
		log.Printf("search: rerank failed, keeping fused order: %v", err)
		reranked = candidates
	}

	if len(reranked) > topK {
		reranked = reranked[:topK]
	}

	return &models.ResultSet{Results: reranked, Degraded: degraded}, nil
}

// fuse merges the two ranked lists with weighted reciprocal rank fusion:
// fused = Σ weight_i / (k + rank_i + 1) over the lists a chunk appears in.
// Ties break on higher vector score, then more recent created_at.
func (p *Pipeline) fuse(vectorHits, keywordHits []types.ScoredChunk) []models.RetrievalResult {
	byID := make(map[string]*models.RetrievalResult)
	var order []string

	collect := func(hits []types.ScoredChunk, weight float64, vector bool) {
		for rank, hit := range hits {
			r, ok := byID[hit.Chunk.ID]
			if !ok {
				r = &models.RetrievalResult{
					Chunk:         hit.Chunk,
					DocumentTitle: hit.DocumentTitle,
					Tags:          hit.DocumentTags,
					CreatedAt:     hit.CreatedAt,
				}
				byID[hit.Chunk.ID] = r
				order = append(order, hit.Chunk.ID)
			}
			if vector {
				r.VectorScore = hit.Score
			} else {
				r.KeywordScore = hit.Score
			}
			r.FusedScore += weight / float64(p.config.RRFK+rank+1)
		}
	}

	collect(vectorHits, p.config.VectorWeight, true)
	collect(keywordHits, p.config.KeywordWeight, false)

	results := make([]models.RetrievalResult, 0, len(order))
	for _, id := range order {
		results = append(results, *byID[id])
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].FusedScore != results[j].FusedScore {
			return results[i].FusedScore > results[j].FusedScore
		}
		if results[i].VectorScore != results[j].VectorScore {
			return results[i].VectorScore > results[j].VectorScore
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	return results
}
