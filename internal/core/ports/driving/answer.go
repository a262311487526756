package driving

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// AnswerService answers questions from a tenant's documents
type AnswerService interface {
	// Query retrieves context, generates a grounded answer and cites it.
	// A query with no relevant context returns a NO_CONTEXT result, not an error.
	Query(ctx context.Context, tenantID, query string, opts domain.QueryOptions) (*domain.AnswerResult, error)
}
