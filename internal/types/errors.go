package types

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy. Upstream client errors are converted to these at the
// ingest and search package boundaries; raw driver or model errors never
// reach the API layer.
var (
	// ErrValidation marks permanent input failures. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrUnavailable marks transient upstream failures (embedding or
	// generation service down, store connection lost). Retried with
	// backoff during ingestion.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrNotFound marks a missing document or chunk.
	ErrNotFound = errors.New("not found")
)

// Validationf wraps a formatted message as a permanent validation error.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// Unavailable wraps an upstream error as transient. The cause stays on the
// chain so deadline expiry is still visible through errors.Is.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// IsTransient reports whether an attempt that failed with err should be
// retried. Deadline expiry counts as transient: the upstream may well
// answer on the next attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) {
		return false
	}
	if errors.Is(err, ErrUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	// Unclassified errors are treated as transient so a flaky dependency
	// cannot permanently fail a document on its first hiccup.
	return true
}
