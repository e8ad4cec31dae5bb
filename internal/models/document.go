package models

import "time"

// Status is the processing lifecycle state of a document.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic processing happens.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Submission is a request to ingest a new document.
type Submission struct {
	Title     string
	Content   string
	DocType   string
	SourceURL string
	Metadata  map[string]interface{}
	Tags      []string
}

// Document is a user-submitted unit of knowledge.
// OriginalContent is immutable as submitted; ProcessedContent may be
// regenerated on re-processing.
type Document struct {
	ID               string
	Title            string
	OriginalContent  string
	ProcessedContent string
	DocType          string
	SourceURL        string
	Metadata         map[string]interface{}
	Tags             []string
	Status           Status
	RetryCount       int
	NextAttemptAt    time.Time
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Chunk is a retrievable slice of a document's processed content.
// Embedding is nil until embedding succeeds.
type Chunk struct {
	ID               string
	DocumentID       string
	Content          string
	ChunkIndex       int
	Embedding        []float32
	EmbeddingModel   string
	EmbeddingVersion int
}

// StatusSnapshot is the polling view of a document's lifecycle.
type StatusSnapshot struct {
	ID         string `json:"id"`
	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
}
