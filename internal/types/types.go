package types

import (
	"context"
	"time"

	"github.com/xhad/capture/internal/models"
)

// Core interfaces

// Embedder turns text into fixed-dimension vectors via an external service.
type Embedder interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Model() string
	Version() int
}

// Generator produces completions from an external generative model.
// GenerateStream reports failures on the error channel after the text
// channel closes; generated text never doubles as an error signal.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	GenerateStream(ctx context.Context, systemPrompt, userPrompt string) (<-chan string, <-chan error, error)
}

// Processor cleans and splits raw content into chunks and advisory tags.
// Process must be deterministic for identical input and configuration.
type Processor interface {
	Process(content, docType string) (chunks []string, tags []string, err error)
}

// SearchFilters are pushed down into both vector and keyword search.
type SearchFilters struct {
	DocTypes []string
	Tags     []string
}

// ScoredChunk is a raw hit from one retrieval list.
type ScoredChunk struct {
	Chunk         models.Chunk
	DocumentTitle string
	DocumentTags  []string
	CreatedAt     time.Time
	Score         float64
}

// Driver abstracts persistence of documents, chunks, vectors and the
// full-text index. Implementations must be safe for concurrent use.
type Driver interface {
	// Document lifecycle records.
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	UpdateStatus(ctx context.Context, id string, status models.Status, retryCount int, nextAttemptAt time.Time, lastError string) error
	DuePending(ctx context.Context, now time.Time, limit int) ([]*models.Document, error)
	// ListDocuments pages document records, newest first.
	ListDocuments(ctx context.Context, limit, offset int) ([]*models.Document, error)

	// Write persists the processed document together with its full chunk
	// set. Chunks and the completed status become visible atomically;
	// chunks from a prior attempt are replaced, never duplicated.
	Write(ctx context.Context, doc *models.Document, chunks []models.Chunk) error

	VectorSearch(ctx context.Context, embedding []float32, topK int, filters SearchFilters) ([]ScoredChunk, error)
	KeywordSearch(ctx context.Context, query string, topK int, filters SearchFilters) ([]ScoredChunk, error)
	Count(ctx context.Context) (int, error)
	Delete(ctx context.Context, documentID string) error
	Close()
}

// Reranker rescores a small candidate set jointly against the query text.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []models.RetrievalResult) ([]models.RetrievalResult, error)
}
