package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/pgvector/pgvector-go"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorIndex = (*VectorIndex)(nil)

// VectorIndex implements driven.VectorIndex on the pgvector extension.
// Rows are partitioned by (tenant_id, model); the seq column keeps the
// first insertion position of a (chunk, model) pair across upserts.
type VectorIndex struct {
	db *DB
}

// NewVectorIndex creates a pgvector-backed index over the shared pool
func NewVectorIndex(db *DB) *VectorIndex {
	return &VectorIndex{db: db}
}

// Upsert adds or replaces vectors in the tenant's partition
func (v *VectorIndex) Upsert(ctx context.Context, tenantID string, embeddings []domain.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	for _, e := range embeddings {
		if e.TenantID != tenantID {
			return fmt.Errorf("%w: embedding for chunk %s belongs to another tenant", domain.ErrInvalidInput, e.ChunkID)
		}
		if len(e.Vector) == 0 || len(e.Vector) != e.Dimensions {
			return fmt.Errorf("%w: chunk %s has %d values, want %d", domain.ErrInvalidInput, e.ChunkID, len(e.Vector), e.Dimensions)
		}
	}

	return v.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, e := range embeddings {
			var dims int
			err := tx.QueryRowContext(ctx,
				`SELECT dimensions FROM chunk_vectors WHERE tenant_id = $1 AND model = $2 LIMIT 1`,
				tenantID, e.Model,
			).Scan(&dims)
			if err == nil && dims != e.Dimensions {
				return fmt.Errorf("%w: model %s is indexed with %d dimensions, got %d",
					domain.ErrInvalidInput, e.Model, dims, e.Dimensions)
			}
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return err
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO chunk_vectors (tenant_id, model, chunk_id, document_id, dimensions, embedding)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (tenant_id, model, chunk_id)
				DO UPDATE SET embedding = EXCLUDED.embedding, document_id = EXCLUDED.document_id
			`, tenantID, e.Model, e.ChunkID, e.DocumentID, e.Dimensions, pgvector.NewVector(e.Vector))
			if err != nil {
				return fmt.Errorf("upsert vector %s: %w", e.ChunkID, err)
			}
		}
		return nil
	})
}

// Search returns up to topK nearest chunks by cosine similarity
func (v *VectorIndex) Search(ctx context.Context, tenantID, model string, vector []float32, topK int) ([]domain.VectorHit, error) {
	if topK <= 0 {
		return nil, nil
	}
	query := `
		SELECT chunk_id, document_id, tenant_id, 1 - (embedding <=> $3) AS similarity, seq
		FROM chunk_vectors
		WHERE tenant_id = $1 AND model = $2 AND dimensions = $4
		ORDER BY embedding <=> $3, seq
		LIMIT $5
	`
	rows, err := v.db.QueryContext(ctx, query, tenantID, model, pgvector.NewVector(vector), len(vector), topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []domain.VectorHit
	for rows.Next() {
		var h domain.VectorHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.TenantID, &h.Similarity, &h.Seq); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		if math.IsNaN(h.Similarity) {
			h.Similarity = 0
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// DeleteDocument removes every vector of a document under every model
func (v *VectorIndex) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	_, err := v.db.ExecContext(ctx,
		`DELETE FROM chunk_vectors WHERE tenant_id = $1 AND document_id = $2`,
		tenantID, documentID,
	)
	if err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable
func (v *VectorIndex) HealthCheck(ctx context.Context) error {
	return v.db.Ping(ctx)
}

// Close is a no-op; the pool is owned by the caller
func (v *VectorIndex) Close() error {
	return nil
}
