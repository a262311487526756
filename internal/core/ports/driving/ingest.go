package driving

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// IngestService accepts documents and reports their lifecycle
type IngestService interface {
	// IngestDocument stores the upload and schedules processing.
	// With a task queue configured it returns immediately with status uploaded.
	// Re-uploading identical content returns the existing document and domain.ErrAlreadyExists.
	IngestDocument(ctx context.Context, tenantID string, data []byte, filename, contentType string) (*domain.Document, error)

	// GetDocumentStatus returns the lifecycle status of a document
	GetDocumentStatus(ctx context.Context, tenantID, documentID string) (domain.DocumentStatus, error)

	// GetDocument returns the document record without its content
	GetDocument(ctx context.Context, tenantID, documentID string) (*domain.Document, error)

	// ListDocuments lists a tenant's documents
	ListDocuments(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Document, error)

	// DeleteDocument removes a document with its chunks and vectors
	DeleteDocument(ctx context.Context, tenantID, documentID string) error

	// ReprocessDocument reruns the pipeline for a failed or completed document
	ReprocessDocument(ctx context.Context, tenantID, documentID string) error

	// ReembedDocument schedules embedding of a completed document with the
	// current embedding model, keeping the vectors of earlier models
	ReembedDocument(ctx context.Context, tenantID, documentID string) error

	// ProcessDocument runs the pipeline synchronously (used by workers)
	ProcessDocument(ctx context.Context, tenantID, documentID string) (*domain.TaskResult, error)

	// ProcessReembed embeds a document with the current model synchronously (used by workers)
	ProcessReembed(ctx context.Context, tenantID, documentID string) (*domain.TaskResult, error)
}
