package driven

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// MetadataStore is the authoritative record of documents, chunks and
// embedding linkage. Every method is scoped by tenant; a record owned by
// another tenant behaves exactly like a missing one.
//
// Implementations: memory, postgres, sqlite. One is selected at startup.
type MetadataStore interface {
	// CreateDocument stores a new uploaded document.
	// Returns domain.ErrAlreadyExists if the tenant already holds the same content hash.
	CreateDocument(ctx context.Context, doc *domain.Document) error

	// GetDocument retrieves a document including its raw content.
	GetDocument(ctx context.Context, tenantID, id string) (*domain.Document, error)

	// GetDocumentByHash finds a tenant's document by content hash.
	GetDocumentByHash(ctx context.Context, tenantID, contentHash string) (*domain.Document, error)

	// GetDocuments retrieves several documents without their raw content.
	// Missing IDs are skipped.
	GetDocuments(ctx context.Context, tenantID string, ids []string) ([]*domain.Document, error)

	// ListDocuments lists a tenant's documents, newest first, without raw content.
	ListDocuments(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Document, error)

	// UpdateDocument persists status, error, model and counters.
	UpdateDocument(ctx context.Context, doc *domain.Document) error

	// DeleteDocument removes a document and cascades to its chunks and embeddings.
	DeleteDocument(ctx context.Context, tenantID, id string) error

	// ReplaceChunks atomically replaces all chunks of a document.
	ReplaceChunks(ctx context.Context, tenantID, documentID string, chunks []*domain.Chunk) error

	// ListChunks returns a document's chunks ordered by ordinal.
	ListChunks(ctx context.Context, tenantID, documentID string) ([]*domain.Chunk, error)

	// GetChunks retrieves chunks by ID. Missing IDs are skipped.
	GetChunks(ctx context.Context, tenantID string, ids []string) ([]*domain.Chunk, error)

	// SaveEmbeddings records which model embedded which chunk.
	// Saving an existing (chunk, model) pair is a no-op apart from dimensions.
	SaveEmbeddings(ctx context.Context, tenantID string, embeddings []domain.Embedding) error

	// EmbeddingModels lists the models a document has been embedded with.
	EmbeddingModels(ctx context.Context, tenantID, documentID string) ([]string, error)

	// Ping checks if the store backend is healthy.
	Ping(ctx context.Context) error
}
