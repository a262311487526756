package domain

import (
	"context"
	"errors"
)

// Domain errors - used across all layers
var (
	// ErrNotFound indicates the requested resource was not found
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates the resource already exists
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput indicates the input is invalid
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidTransition indicates an illegal document status change
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConfiguration indicates fatal misconfiguration (chunking, threshold)
	ErrConfiguration = errors.New("configuration error")

	// ErrExtraction indicates the document text could not be extracted
	ErrExtraction = errors.New("extraction failed")

	// ErrEmbeddingUnavailable indicates the embedding backend could not serve a batch
	ErrEmbeddingUnavailable = errors.New("embedding service unavailable")

	// ErrNoRelevantContext indicates retrieval found nothing above threshold.
	// It is an expected outcome, not a failure.
	ErrNoRelevantContext = errors.New("no relevant context")

	// ErrGenerationFailed indicates the generation backend failed or timed out
	ErrGenerationFailed = errors.New("generation failed")

	// ErrCrossTenantAccess indicates data of another tenant surfaced in a query
	ErrCrossTenantAccess = errors.New("cross-tenant access attempt")

	// ErrTimeout indicates a backend call exceeded its deadline
	ErrTimeout = errors.New("timeout")

	// ErrIngestInProgress indicates another pipeline holds the document
	ErrIngestInProgress = errors.New("ingest already in progress")

	// ErrInvalidProvider indicates an unknown AI provider was specified
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrServiceUnavailable indicates the AI service could not be reached
	ErrServiceUnavailable = errors.New("service unavailable")
)

// IsRetryable reports whether an ingestion failure may succeed on a later attempt.
// Extraction and configuration failures are permanent for the same input.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrExtraction) || errors.Is(err, ErrConfiguration) || errors.Is(err, ErrInvalidInput) {
		return false
	}
	return errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrIngestInProgress) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
