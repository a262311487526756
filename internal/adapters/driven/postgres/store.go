package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.MetadataStore = (*Store)(nil)

// Store implements driven.MetadataStore using PostgreSQL
type Store struct {
	db *DB
}

// NewStore creates a new PostgreSQL metadata store
func NewStore(db *DB) *Store {
	return &Store{db: db}
}

const documentColumns = `id, tenant_id, filename, content_hash, content_type, size, layout,
	status, error, embedding_model, chunk_count, created_at, updated_at, completed_at`

const chunkColumns = `id, document_id, tenant_id, ordinal, text, start_offset, end_offset,
	start_line, end_line, page, page_start_line, page_end_line, section, section_ordinal,
	word_count, created_at`

// CreateDocument stores a new uploaded document
func (s *Store) CreateDocument(ctx context.Context, doc *domain.Document) error {
	query := `
		INSERT INTO documents (id, tenant_id, filename, content_hash, content_type, size, layout,
			status, error, embedding_model, chunk_count, content, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.db.ExecContext(ctx, query,
		doc.ID,
		doc.TenantID,
		doc.Filename,
		doc.ContentHash,
		doc.ContentType,
		doc.Size,
		string(doc.Layout),
		string(doc.Status),
		doc.Error,
		doc.EmbeddingModel,
		doc.ChunkCount,
		doc.Content,
		doc.CreatedAt,
		doc.UpdatedAt,
		NullTime(doc.CompletedAt),
	)
	if isUniqueViolation(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document including its raw content
func (s *Store) GetDocument(ctx context.Context, tenantID, id string) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + `, content FROM documents WHERE tenant_id = $1 AND id = $2`

	var content []byte
	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, tenantID, id), &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	doc.Content = content
	return doc, nil
}

// GetDocumentByHash finds a tenant's document by content hash
func (s *Store) GetDocumentByHash(ctx context.Context, tenantID, contentHash string) (*domain.Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = $1 AND content_hash = $2`

	doc, err := scanDocument(s.db.QueryRowContext(ctx, query, tenantID, contentHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document by hash: %w", err)
	}
	return doc, nil
}

// GetDocuments retrieves several documents without content
func (s *Store) GetDocuments(ctx context.Context, tenantID string, ids []string) ([]*domain.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = $1 AND id = ANY($2)`

	rows, err := s.db.QueryContext(ctx, query, tenantID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*domain.Document, len(ids))
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		byID[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*domain.Document, 0, len(byID))
	for _, id := range ids {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

// ListDocuments lists a tenant's documents newest first
func (s *Store) ListDocuments(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Document, error) {
	query := `
		SELECT ` + documentColumns + `
		FROM documents
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3
	`
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []*domain.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateDocument persists status, error, model and counters
func (s *Store) UpdateDocument(ctx context.Context, doc *domain.Document) error {
	query := `
		UPDATE documents
		SET layout = $3, status = $4, error = $5, embedding_model = $6,
			chunk_count = $7, updated_at = $8, completed_at = $9
		WHERE tenant_id = $1 AND id = $2
	`
	result, err := s.db.ExecContext(ctx, query,
		doc.TenantID,
		doc.ID,
		string(doc.Layout),
		string(doc.Status),
		doc.Error,
		doc.EmbeddingModel,
		doc.ChunkCount,
		doc.UpdatedAt,
		NullTime(doc.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return requireRow(result)
}

// DeleteDocument removes a document; chunks and embeddings cascade
func (s *Store) DeleteDocument(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return requireRow(result)
}

// ReplaceChunks atomically swaps a document's chunks
func (s *Store) ReplaceChunks(ctx context.Context, tenantID, documentID string, chunks []*domain.Chunk) error {
	for _, c := range chunks {
		if c.DocumentID != documentID || c.TenantID != tenantID {
			return domain.ErrInvalidInput
		}
	}

	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		var exists bool
		err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM documents WHERE tenant_id = $1 AND id = $2)`,
			tenantID, documentID,
		).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO chunks (`+chunkColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range chunks {
			p := c.Position
			_, err := stmt.ExecContext(ctx,
				c.ID, c.DocumentID, c.TenantID, c.Ordinal, c.Text,
				p.StartOffset, p.EndOffset, p.StartLine, p.EndLine,
				p.Page, p.PageStartLine, p.PageEndLine, p.Section, p.SectionOrdinal,
				c.WordCount, c.CreatedAt,
			)
			if err != nil {
				return fmt.Errorf("insert chunk %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// ListChunks returns a document's chunks ordered by ordinal
func (s *Store) ListChunks(ctx context.Context, tenantID, documentID string) ([]*domain.Chunk, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE tenant_id = $1 AND id = $2)`,
		tenantID, documentID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check document: %w", err)
	}
	if !exists {
		return nil, domain.ErrNotFound
	}

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE tenant_id = $1 AND document_id = $2 ORDER BY ordinal`
	return s.queryChunks(ctx, query, tenantID, documentID)
}

// GetChunks retrieves chunks by ID; missing IDs are skipped
func (s *Store) GetChunks(ctx context.Context, tenantID string, ids []string) ([]*domain.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE tenant_id = $1 AND id = ANY($2)`
	return s.queryChunks(ctx, query, tenantID, pq.Array(ids))
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...interface{}) ([]*domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		p := &c.Position
		err := rows.Scan(
			&c.ID, &c.DocumentID, &c.TenantID, &c.Ordinal, &c.Text,
			&p.StartOffset, &p.EndOffset, &p.StartLine, &p.EndLine,
			&p.Page, &p.PageStartLine, &p.PageEndLine, &p.Section, &p.SectionOrdinal,
			&c.WordCount, &c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

// SaveEmbeddings records which model embedded which chunk
func (s *Store) SaveEmbeddings(ctx context.Context, tenantID string, embeddings []domain.Embedding) error {
	for _, e := range embeddings {
		if e.TenantID != tenantID {
			return domain.ErrInvalidInput
		}
	}

	return s.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO embeddings (chunk_id, model, document_id, tenant_id, dimensions, created_at)
			SELECT $1, $2, $3, $4, $5, $6
			WHERE EXISTS (SELECT 1 FROM chunks WHERE id = $1 AND tenant_id = $4)
			ON CONFLICT (chunk_id, model) DO UPDATE SET dimensions = EXCLUDED.dimensions
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now()
		for _, e := range embeddings {
			result, err := stmt.ExecContext(ctx, e.ChunkID, e.Model, e.DocumentID, tenantID, e.Dimensions, now)
			if err != nil {
				return fmt.Errorf("save embedding %s: %w", e.ChunkID, err)
			}
			if err := requireRow(result); err != nil {
				return err
			}
		}
		return nil
	})
}

// EmbeddingModels lists the models a document has been embedded with
func (s *Store) EmbeddingModels(ctx context.Context, tenantID, documentID string) ([]string, error) {
	query := `
		SELECT DISTINCT e.model
		FROM documents d
		LEFT JOIN embeddings e ON e.document_id = d.id
		WHERE d.tenant_id = $1 AND d.id = $2
		ORDER BY e.model
	`
	rows, err := s.db.QueryContext(ctx, query, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("embedding models: %w", err)
	}
	defer rows.Close()

	found := false
	var models []string
	for rows.Next() {
		found = true
		var model sql.NullString
		if err := rows.Scan(&model); err != nil {
			return nil, err
		}
		if model.Valid {
			models = append(models, model.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, domain.ErrNotFound
	}
	return models, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner, extra ...interface{}) (*domain.Document, error) {
	var doc domain.Document
	var layout, status string
	var completedAt sql.NullTime

	dest := []interface{}{
		&doc.ID,
		&doc.TenantID,
		&doc.Filename,
		&doc.ContentHash,
		&doc.ContentType,
		&doc.Size,
		&layout,
		&status,
		&doc.Error,
		&doc.EmbeddingModel,
		&doc.ChunkCount,
		&doc.CreatedAt,
		&doc.UpdatedAt,
		&completedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	doc.Layout = domain.Layout(layout)
	doc.Status = domain.DocumentStatus(status)
	doc.CompletedAt = TimePtr(completedAt)
	return &doc, nil
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
