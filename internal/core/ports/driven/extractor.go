package driven

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// Extractor turns uploaded bytes into plain text with structural markers.
type Extractor interface {
	// Extract returns the document text, page-break offsets and headings.
	// Failures must wrap domain.ErrExtraction.
	Extract(ctx context.Context, data []byte, contentType string) (*domain.Extraction, error)

	// SupportedTypes returns MIME types this extractor handles.
	SupportedTypes() []string

	// Priority returns selection priority (higher wins).
	Priority() int
}

// ExtractorRegistry selects an extractor by MIME type.
type ExtractorRegistry interface {
	Register(extractor Extractor)
	Get(contentType string) Extractor
	List() []string
}
