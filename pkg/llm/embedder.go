package llm

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"

	"github.com/xhad/capture/internal/types"
)

// EmbedderConfig configures the Ollama-backed embedding client.
type EmbedderConfig struct {
	Model     string
	BaseURL   string
	Dimension int
	Version   int
	BatchSize int
	// Rate caps embedding calls per second across all workers, to respect
	// upstream limits.
	Rate float64
}

// Embedder calls the external embedding service and returns fixed-dimension
// vectors. Safe for concurrent use.
type Embedder struct {
	config  EmbedderConfig
	client  *ollama.LLM
	limiter *rate.Limiter
}

func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Model == "" {
		config.Model = "nomic-embed-text:latest"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Dimension == 0 {
		config.Dimension = 768
	}
	if config.Version == 0 {
		config.Version = 1
	}
	if config.BatchSize == 0 {
		config.BatchSize = 16
	}
	if config.Rate == 0 {
		config.Rate = 5
	}

	client, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	return &Embedder{
		config:  config,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(config.Rate), 1),
	}, nil
}

// EmbedTexts embeds texts in batches, one rate-limited service call per
// batch. Returns one vector per input text, in order.
func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		batch, err := e.client.CreateEmbedding(ctx, texts[start:end])
		if err != nil {
			return nil, types.Unavailable("embedding service", err)
		}
		if len(batch) != end-start {
			return nil, types.Unavailable("embedding service",
				fmt.Errorf("got %d vectors for %d texts", len(batch), end-start))
		}
		for _, vec := range batch {
			if len(vec) != e.config.Dimension {
				return nil, types.Unavailable("embedding service",
					fmt.Errorf("got %d-dimension vector, want %d", len(vec), e.config.Dimension))
			}
		}

		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

func (e *Embedder) Dimension() int { return e.config.Dimension }

func (e *Embedder) Model() string { return e.config.Model }

func (e *Embedder) Version() int { return e.config.Version }
