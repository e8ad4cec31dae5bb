package models

import "time"

// RetrievalResult is an ephemeral per-query scoring record. It carries the
// score from each retrieval stage so the pipeline's decisions stay auditable.
type RetrievalResult struct {
	Chunk         Chunk
	DocumentTitle string
	Tags          []string
	CreatedAt     time.Time
	VectorScore   float64
	KeywordScore  float64
	FusedScore    float64
	RerankScore   float64
}

// ResultSet is the ranked output of one retrieval pass. Degraded is set when
// one of the underlying searches failed and the set was built from a single
// list.
type ResultSet struct {
	Results  []RetrievalResult
	Degraded bool
}

// Source identifies a chunk that contributed to a generated answer.
type Source struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// Answer is the assembled response to a query.
type Answer struct {
	Text     string        `json:"answer"`
	Sources  []Source      `json:"sources"`
	Degraded bool          `json:"degraded,omitempty"`
	Elapsed  time.Duration `json:"-"`
}
