package driven

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// VectorIndex stores chunk vectors partitioned by tenant and answers cosine
// similarity searches within one tenant and one embedding model.
//
// Results are ordered by similarity descending; exact ties are ordered by
// insertion order. Upserting an existing (chunk, model) pair replaces the
// vector and keeps its original insertion position.
type VectorIndex interface {
	// Upsert adds or replaces vectors in the tenant's partition.
	Upsert(ctx context.Context, tenantID string, embeddings []domain.Embedding) error

	// Search returns up to topK nearest chunks for the model.
	Search(ctx context.Context, tenantID, model string, vector []float32, topK int) ([]domain.VectorHit, error)

	// DeleteDocument removes every vector of a document under every model.
	DeleteDocument(ctx context.Context, tenantID, documentID string) error

	// HealthCheck verifies the index is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the index.
	Close() error
}
