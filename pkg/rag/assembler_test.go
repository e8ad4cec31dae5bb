package rag_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
	"github.com/xhad/capture/pkg/rag"
)

type fakeRetriever struct {
	set  *models.ResultSet
	err  error
	topK int
}

func (f *fakeRetriever) Search(ctx context.Context, query string, topK int, filters types.SearchFilters) (*models.ResultSet, error) {
	f.topK = topK
	if f.err != nil {
		return nil, f.err
	}
	return f.set, nil
}

type fakeGenerator struct {
	prompt    string
	system    string
	err       error
	streamErr error
}

func (f *fakeGenerator) Generate(ctx context.Context, system, prompt string) (string, error) {
	f.system = system
	f.prompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return "generated answer", nil
}

func (f *fakeGenerator) GenerateStream(ctx context.Context, system, prompt string) (<-chan string, <-chan error, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	f.prompt = prompt
	ch := make(chan string, 2)
	ch <- "streamed "
	ch <- "answer"
	close(ch)
	errCh := make(chan error, 1)
	if f.streamErr != nil {
		errCh <- f.streamErr
	}
	close(errCh)
	return ch, errCh, nil
}

func result(id, title, content string, score float64) models.RetrievalResult {
	return models.RetrievalResult{
		Chunk:         models.Chunk{ID: id, Content: content},
		DocumentTitle: title,
		RerankScore:   score,
	}
}

func TestAssembler_Answer(t *testing.T) {
	retriever := &fakeRetriever{set: &models.ResultSet{Results: []models.RetrievalResult{
		result("c1", "Runbook", "restart the service with systemctl", 0.9),
		result("c2", "Postmortem", "the outage was caused by a full disk", 0.4),
	}}}
	generator := &fakeGenerator{}
	a := rag.NewAssembler(rag.AssemblerConfig{}, retriever, generator)

	answer, err := a.Answer(context.Background(), "how do I restart?", 5)
	require.NoError(t, err)

	assert.Equal(t, "generated answer", answer.Text)
	require.Len(t, answer.Sources, 2)
	assert.Equal(t, models.Source{ID: "c1", Title: "Runbook", Score: 0.9}, answer.Sources[0])
	assert.False(t, answer.Degraded)

	// The prompt carries every retrieved chunk and the question.
	assert.Contains(t, generator.prompt, "restart the service")
	assert.Contains(t, generator.prompt, "full disk")
	assert.Contains(t, generator.prompt, "Question: how do I restart?")
	assert.Contains(t, generator.system, "knowledge base")
}

func TestAssembler_EmptyResultsIsValid(t *testing.T) {
	retriever := &fakeRetriever{set: &models.ResultSet{}}
	generator := &fakeGenerator{err: errors.New("generator must not be called")}
	a := rag.NewAssembler(rag.AssemblerConfig{}, retriever, generator)

	answer, err := a.Answer(context.Background(), "anything", 5)
	require.NoError(t, err)

	assert.NotEmpty(t, answer.Text)
	assert.NotNil(t, answer.Sources)
	assert.Empty(t, answer.Sources)
}

func TestAssembler_EmptyQuery(t *testing.T) {
	a := rag.NewAssembler(rag.AssemblerConfig{}, &fakeRetriever{}, &fakeGenerator{})

	_, err := a.Answer(context.Background(), "   ", 5)
	assert.True(t, errors.Is(err, types.ErrValidation))
}

func TestAssembler_ContextLimitClamped(t *testing.T) {
	retriever := &fakeRetriever{set: &models.ResultSet{}}
	a := rag.NewAssembler(rag.AssemblerConfig{}, retriever, &fakeGenerator{})

	cases := []struct {
		in   int
		want int
	}{
		{0, 5},
		{-3, 5},
		{7, 7},
		{50, 20},
	}
	for _, tc := range cases {
		_, err := a.Answer(context.Background(), "q", tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, retriever.topK, "context limit %d", tc.in)
	}
}

func TestAssembler_RetrievalErrorPropagates(t *testing.T) {
	retriever := &fakeRetriever{err: types.Unavailable("retrieval", errors.New("all backends down"))}
	a := rag.NewAssembler(rag.AssemblerConfig{}, retriever, &fakeGenerator{})

	_, err := a.Answer(context.Background(), "q", 5)
	assert.True(t, errors.Is(err, types.ErrUnavailable))
}

func TestAssembler_DegradedFlagSurvives(t *testing.T) {
	retriever := &fakeRetriever{set: &models.ResultSet{
		Results:  []models.RetrievalResult{result("c1", "T", "content", 0.5)},
		Degraded: true,
	}}
	a := rag.NewAssembler(rag.AssemblerConfig{}, retriever, &fakeGenerator{})

	answer, err := a.Answer(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.True(t, answer.Degraded)
}

func TestAssembler_AnswerStream(t *testing.T) {
	retriever := &fakeRetriever{set: &models.ResultSet{Results: []models.RetrievalResult{
		result("c1", "T", "content", 0.5),
	}}}
	a := rag.NewAssembler(rag.AssemblerConfig{}, retriever, &fakeGenerator{})

	stream, errCh, srcs, err := a.AnswerStream(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, srcs, 1)

	var full string
	for chunk := range stream {
		full += chunk
	}
	assert.Equal(t, "streamed answer", full)
	assert.NoError(t, <-errCh)
}

func TestAssembler_AnswerStreamEmptyResults(t *testing.T) {
	retriever := &fakeRetriever{set: &models.ResultSet{}}
	a := rag.NewAssembler(rag.AssemblerConfig{}, retriever, &fakeGenerator{})

	stream, errCh, srcs, err := a.AnswerStream(context.Background(), "q", 5)
	require.NoError(t, err)
	assert.Empty(t, srcs)

	var full string
	for chunk := range stream {
		full += chunk
	}
	assert.NotEmpty(t, full)
	assert.NoError(t, <-errCh)
}

func TestAssembler_AnswerStreamMidStreamFailure(t *testing.T) {
	retriever := &fakeRetriever{set: &models.ResultSet{Results: []models.RetrievalResult{
		result("c1", "T", "content", 0.5),
	}}}
	generator := &fakeGenerator{
		streamErr: types.Unavailable("generation service", errors.New("connection reset")),
	}
	a := rag.NewAssembler(rag.AssemblerConfig{}, retriever, generator)

	stream, errCh, _, err := a.AnswerStream(context.Background(), "q", 5)
	require.NoError(t, err)

	// Text already streamed is delivered untouched; the failure arrives
	// on the error channel after the text channel closes.
	var full string
	for chunk := range stream {
		full += chunk
	}
	assert.Equal(t, "streamed answer", full)

	err = <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrUnavailable))
}
