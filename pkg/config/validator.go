package config

import (
	"fmt"
	"net/url"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate LLM config
	if c.LLM.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "Ollama base URL is required",
		})
	} else if _, err := url.Parse(c.LLM.BaseURL); err != nil {
		errors = append(errors, ValidationError{
			Field:   "llm.base_url",
			Message: "invalid Ollama base URL",
		})
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 4096 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 4096",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if c.LLM.EmbeddingVersion < 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.embedding_version",
			Message: "embedding_version must be positive",
		})
	}

	// Validate Database config
	switch c.Database.Backend {
	case "postgres":
		if c.Database.URL != "" {
			if _, err := url.Parse(c.Database.URL); err != nil {
				errors = append(errors, ValidationError{
					Field:   "database.url",
					Message: "invalid database URL",
				})
			}
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errors = append(errors, ValidationError{
				Field:   "database.sqlite_path",
				Message: "sqlite_path is required for the sqlite backend",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "database.backend",
			Message: fmt.Sprintf("unknown backend %q (want postgres or sqlite)", c.Database.Backend),
		})
	}

	if c.Database.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	if c.Database.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.batch_size",
			Message: "batch_size must be positive",
		})
	}

	// Validate Migration config
	switch c.Migration.Mode {
	case "single":
	case "dual", "shadow":
		if c.Migration.SecondaryBackend == "" {
			errors = append(errors, ValidationError{
				Field:   "migration.secondary_backend",
				Message: "secondary_backend is required in dual or shadow mode",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "migration.mode",
			Message: fmt.Sprintf("unknown mode %q (want single, dual or shadow)", c.Migration.Mode),
		})
	}

	if c.Migration.ShadowReadPercent < 0 || c.Migration.ShadowReadPercent > 100 {
		errors = append(errors, ValidationError{
			Field:   "migration.shadow_read_percent",
			Message: "shadow_read_percent must be between 0 and 100",
		})
	}

	if c.Migration.BreakerThreshold < 1 {
		errors = append(errors, ValidationError{
			Field:   "migration.breaker_threshold",
			Message: "breaker_threshold must be positive",
		})
	}

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Processor.ChunkOverlap < 0 || c.Processor.ChunkOverlap >= c.Processor.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	// Validate Ingest config
	if c.Ingest.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "ingest.max_retries",
			Message: "max_retries cannot be negative",
		})
	}

	if c.Ingest.Workers < 1 {
		errors = append(errors, ValidationError{
			Field:   "ingest.workers",
			Message: "workers must be positive",
		})
	}

	if c.Ingest.EmbedRate <= 0 {
		errors = append(errors, ValidationError{
			Field:   "ingest.embed_rate",
			Message: "embed_rate must be positive",
		})
	}

	if c.Ingest.StepTimeoutSec < 1 {
		errors = append(errors, ValidationError{
			Field:   "ingest.step_timeout_secs",
			Message: "step_timeout_secs must be positive",
		})
	}

	// Validate Search config
	if c.Search.RRFK < 1 {
		errors = append(errors, ValidationError{
			Field:   "search.rrf_k",
			Message: "rrf_k must be positive",
		})
	}

	if c.Search.VectorWeight < 0 || c.Search.KeywordWeight < 0 {
		errors = append(errors, ValidationError{
			Field:   "search.weights",
			Message: "fusion weights cannot be negative",
		})
	}

	if c.Search.VectorWeight+c.Search.KeywordWeight == 0 {
		errors = append(errors, ValidationError{
			Field:   "search.weights",
			Message: "at least one fusion weight must be positive",
		})
	}

	return errors
}
