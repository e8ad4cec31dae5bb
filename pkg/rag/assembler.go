package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xhad/capture/internal/models"
	"github.com/xhad/capture/internal/types"
)

const (
	defaultSystemTemplate = "You are a helpful assistant with access to the user's personal knowledge base. " +
		"Answer the question using only the provided context. If the context does not contain " +
		"the answer, say so instead of guessing."

	noResultsAnswer = "I couldn't find anything relevant in your knowledge base for that question."

	minContextLimit = 1
	maxContextLimit = 20
)

type AssemblerConfig struct {
	SystemTemplate string
}

// Assembler builds the generation prompt from retrieved chunks and invokes
// the generation client. The provenance link between answer and sources is
// always preserved.
type Assembler struct {
	config    AssemblerConfig
	pipeline  Retriever
	generator types.Generator
}

// Retriever is the slice of the retrieval pipeline the assembler needs.
type Retriever interface {
	Search(ctx context.Context, query string, topK int, filters types.SearchFilters) (*models.ResultSet, error)
}

func NewAssembler(config AssemblerConfig, pipeline Retriever, generator types.Generator) *Assembler {
	if config.SystemTemplate == "" {
		config.SystemTemplate = defaultSystemTemplate
	}
	return &Assembler{
		config:    config,
		pipeline:  pipeline,
		generator: generator,
	}
}

// Answer retrieves up to contextLimit chunks and generates a grounded
// answer. An empty retrieval set is a valid answer state, distinct from an
// upstream failure.
func (a *Assembler) Answer(ctx context.Context, query string, contextLimit int) (*models.Answer, error) {
	start := time.Now()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, types.Validationf("query is required")
	}
	contextLimit = clampContextLimit(contextLimit)

	results, err := a.pipeline.Search(ctx, query, contextLimit, types.SearchFilters{})
	if err != nil {
		return nil, err
	}

	if len(results.Results) == 0 {
		return &models.Answer{
			Text:     noResultsAnswer,
			Sources:  []models.Source{},
			Degraded: results.Degraded,
			Elapsed:  time.Since(start),
		}, nil
	}

	text, err := a.generator.Generate(ctx, a.config.SystemTemplate, buildPrompt(query, results.Results))
	if err != nil {
		return nil, err
	}

	return &models.Answer{
		Text:     text,
		Sources:  sources(results.Results),
		Degraded: results.Degraded,
		Elapsed:  time.Since(start),
	}, nil
}

// AnswerStream is Answer with the generation streamed. Sources are known
// before generation starts, so they are returned up front. A mid-stream
// generation failure arrives on the error channel after the text channel
// closes.
func (a *Assembler) AnswerStream(ctx context.Context, query string, contextLimit int) (<-chan string, <-chan error, []models.Source, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil, nil, types.Validationf("query is required")
	}
	contextLimit = clampContextLimit(contextLimit)

	results, err := a.pipeline.Search(ctx, query, contextLimit, types.SearchFilters{})
	if err != nil {
		return nil, nil, nil, err
	}

	if len(results.Results) == 0 {
		ch := make(chan string, 1)
		ch <- noResultsAnswer
		close(ch)
		errCh := make(chan error)
		close(errCh)
		return ch, errCh, []models.Source{}, nil
	}

	stream, errCh, err := a.generator.GenerateStream(ctx, a.config.SystemTemplate, buildPrompt(query, results.Results))
	if err != nil {
		return nil, nil, nil, err
	}
	return stream, errCh, sources(results.Results), nil
}

func clampContextLimit(limit int) int {
	if limit < minContextLimit {
		return 5
	}
	if limit > maxContextLimit {
		return maxContextLimit
	}
	return limit
}

func buildPrompt(query string, results []models.RetrievalResult) string {
	var b strings.Builder
	b.WriteString("Context:\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s", i+1, r.DocumentTitle)
		if len(r.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(r.Tags, ", "))
		}
		b.WriteString("\n")
		b.WriteString(r.Chunk.Content)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Question: %s", query)
	return b.String()
}

func sources(results []models.RetrievalResult) []models.Source {
	out := make([]models.Source, len(results))
	for i, r := range results {
		out[i] = models.Source{
			ID:    r.Chunk.ID,
			Title: r.DocumentTitle,
			Score: r.RerankScore,
		}
	}
	return out
}
