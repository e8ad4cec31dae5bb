package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
)

type fakeStore struct {
	types.Driver

	vectorHits  []types.ScoredChunk
	keywordHits []types.ScoredChunk
	vectorErr   error
	keywordErr  error

	vectorTopK  int
	keywordTopK int
}

func (f *fakeStore) VectorSearch(ctx context.Context, embedding []float32, topK int, filters types.SearchFilters) ([]types.ScoredChunk, error) {
	f.vectorTopK = topK
	return f.vectorHits, f.vectorErr
}

func (f *fakeStore) KeywordSearch(ctx context.Context, query string, topK int, filters types.SearchFilters) ([]types.ScoredChunk, error) {
	f.keywordTopK = topK
	return f.keywordHits, f.keywordErr
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0}
	}
	return vectors, nil
}

func (f *fakeEmbedder) Dimension() int { return 2 }
func (f *fakeEmbedder) Model() string  { return "test-embed" }
func (f *fakeEmbedder) Version() int   { return 1 }

func scored(id, content string, score float64) types.ScoredChunk {
	return types.ScoredChunk{
		Chunk: models.Chunk{ID: id, Content: content},
		Score: score,
	}
}

func newTestPipeline(store *fakeStore) *Pipeline {
	return NewPipeline(PipelineConfig{
		RRFK:          60,
		VectorWeight:  0.7,
		KeywordWeight: 0.3,
	}, store, &fakeEmbedder{}, nil)
}

func TestPipeline_OverFetch(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	_, err := p.Search(context.Background(), "query", 5, types.SearchFilters{})
	require.NoError(t, err)

	assert.Equal(t, 10, store.vectorTopK)
	assert.Equal(t, 10, store.keywordTopK)
}

func TestPipeline_FusionPrefersBothLists(t *testing.T) {
	store := &fakeStore{
		vectorHits: []types.ScoredChunk{
			scored("both", "shared result", 0.9),
			scored("vec-only", "vector result", 0.8),
		},
		keywordHits: []types.ScoredChunk{
			scored("kw-only", "keyword result", 3.0),
			scored("both", "shared result", 2.0),
		},
	}
	p := newTestPipeline(store)

	set, err := p.Search(context.Background(), "zzz", 5, types.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, set.Results, 3)
	assert.False(t, set.Degraded)

	// A chunk in both lists accumulates both contributions and wins.
	assert.Equal(t, "both", set.Results[0].Chunk.ID)
	assert.Equal(t, 0.9, set.Results[0].VectorScore)
	assert.Equal(t, 2.0, set.Results[0].KeywordScore)

	// The vector list outweighs the keyword list for rank-1 entries.
	var vecOnly, kwOnly models.RetrievalResult
	for _, r := range set.Results[1:] {
		switch r.Chunk.ID {
		case "vec-only":
			vecOnly = r
		case "kw-only":
			kwOnly = r
		}
	}
	assert.Greater(t, vecOnly.FusedScore, kwOnly.FusedScore)
}

func TestPipeline_FuseTieBreaks(t *testing.T) {
	p := newTestPipeline(&fakeStore{})
	now := time.Now()

	// Same rank in the same list means the same fused score; the higher
	// vector score wins, then recency.
	results := p.fuse(
		[]types.ScoredChunk{},
		[]types.ScoredChunk{
			{Chunk: models.Chunk{ID: "old"}, Score: 1, CreatedAt: now.Add(-time.Hour)},
		},
	)
	require.Len(t, results, 1)

	a := types.ScoredChunk{Chunk: models.Chunk{ID: "a"}, Score: 0.5, CreatedAt: now.Add(-time.Hour)}
	b := types.ScoredChunk{Chunk: models.Chunk{ID: "b"}, Score: 0.9, CreatedAt: now}
	fusedAB := p.fuse([]types.ScoredChunk{a}, []types.ScoredChunk{})
	fusedBA := p.fuse([]types.ScoredChunk{b}, []types.ScoredChunk{})
	require.Len(t, fusedAB, 1)
	require.Len(t, fusedBA, 1)
	assert.Equal(t, fusedAB[0].FusedScore, fusedBA[0].FusedScore)

	merged := p.fuse([]types.ScoredChunk{}, []types.ScoredChunk{a, b})
	// Ranks differ here, so a (rank 0) outranks b on fused score alone.
	assert.Equal(t, "a", merged[0].Chunk.ID)

	recent := types.ScoredChunk{Chunk: models.Chunk{ID: "recent"}, Score: 0.5, CreatedAt: now}
	stale := types.ScoredChunk{Chunk: models.Chunk{ID: "stale"}, Score: 0.5, CreatedAt: now.Add(-time.Hour)}
	sameRank := p.fuse([]types.ScoredChunk{stale}, []types.ScoredChunk{recent})
	// Different lists, same rank, but the vector list weighs more.
	assert.Equal(t, "stale", sameRank[0].Chunk.ID)
}

func TestPipeline_DegradesWhenVectorFails(t *testing.T) {
	store := &fakeStore{
		vectorErr:   errors.New("ann index offline"),
		keywordHits: []types.ScoredChunk{scored("kw", "keyword result", 1)},
	}
	p := newTestPipeline(store)

	set, err := p.Search(context.Background(), "query", 5, types.SearchFilters{})
	require.NoError(t, err)

	assert.True(t, set.Degraded)
	require.Len(t, set.Results, 1)
	assert.Equal(t, "kw", set.Results[0].Chunk.ID)
}

func TestPipeline_DegradesWhenEmbeddingFails(t *testing.T) {
	store := &fakeStore{
		keywordHits: []types.ScoredChunk{scored("kw", "keyword result", 1)},
	}
	p := NewPipeline(PipelineConfig{}, store, &fakeEmbedder{err: errors.New("model cold")}, nil)

	set, err := p.Search(context.Background(), "query", 5, types.SearchFilters{})
	require.NoError(t, err)

	assert.True(t, set.Degraded)
	require.Len(t, set.Results, 1)
	// The vector store was never consulted.
	assert.Equal(t, 0, store.vectorTopK)
}

func TestPipeline_BothSidesFail(t *testing.T) {
	store := &fakeStore{
		vectorErr:  errors.New("vector down"),
		keywordErr: errors.New("keyword down"),
	}
	p := newTestPipeline(store)

	_, err := p.Search(context.Background(), "query", 5, types.SearchFilters{})

	assert.True(t, errors.Is(err, types.ErrUnavailable))
}

func TestPipeline_TopKCut(t *testing.T) {
	var hits []types.ScoredChunk
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		hits = append(hits, scored(id, "content "+id, 1))
	}
	store := &fakeStore{vectorHits: hits}
	p := newTestPipeline(store)

	set, err := p.Search(context.Background(), "query", 2, types.SearchFilters{})
	require.NoError(t, err)
	assert.Len(t, set.Results, 2)
}

func TestPipeline_CancelledContext(t *testing.T) {
	p := newTestPipeline(&fakeStore{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Search(ctx, "query", 5, types.SearchFilters{})
	assert.ErrorIs(t, err, context.Canceled)
}
