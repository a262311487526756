package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/sqlite/migrations"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.MetadataStore = (*Store)(nil)

// Store is a SQLite-backed MetadataStore.
type Store struct {
	db   *sql.DB
	path string
}

// NewStore opens (or creates) metadata.db in dataDir and applies migrations.
// If dataDir is empty, defaults to ~/.sercha-rag/data.
func NewStore(dataDir string) (*Store, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".sercha-rag", "data")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "metadata.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// migrate applies every NNN_*.up.sql newer than the recorded version.
func (s *Store) migrate(fsys fs.FS) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, name := range upFiles {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
	}
	return nil
}

const documentColumns = `id, tenant_id, filename, content_hash, content_type, size, layout,
	status, error, embedding_model, chunk_count, created_at, updated_at, completed_at`

const chunkColumns = `id, document_id, tenant_id, ordinal, text, start_offset, end_offset,
	start_line, end_line, page, page_start_line, page_end_line, section, section_ordinal,
	word_count, created_at`

func (s *Store) CreateDocument(ctx context.Context, doc *domain.Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`, content)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.TenantID, doc.Filename, doc.ContentHash, doc.ContentType, doc.Size,
		string(doc.Layout), string(doc.Status), doc.Error, doc.EmbeddingModel, doc.ChunkCount,
		nanos(doc.CreatedAt), nanos(doc.UpdatedAt), nullNanos(doc.CompletedAt), doc.Content)
	if isConstraint(err) {
		return domain.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, tenantID, id string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+`, content FROM documents WHERE tenant_id = ? AND id = ?`,
		tenantID, id)

	var content []byte
	doc, err := scanDocument(row, &content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	doc.Content = content
	return doc, nil
}

func (s *Store) GetDocumentByHash(ctx context.Context, tenantID, contentHash string) (*domain.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant_id = ? AND content_hash = ?`,
		tenantID, contentHash)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning document: %w", err)
	}
	return doc, nil
}

func (s *Store) GetDocuments(ctx context.Context, tenantID string, ids []string) ([]*domain.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE tenant_id = ? AND id IN (` + inList(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, withIDs(tenantID, ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*domain.Document, len(ids))
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
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

func (s *Store) ListDocuments(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id
		LIMIT ? OFFSET ?
	`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	docs := []*domain.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) UpdateDocument(ctx context.Context, doc *domain.Document) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET layout = ?, status = ?, error = ?, embedding_model = ?,
			chunk_count = ?, updated_at = ?, completed_at = ?
		WHERE tenant_id = ? AND id = ?
	`, string(doc.Layout), string(doc.Status), doc.Error, doc.EmbeddingModel,
		doc.ChunkCount, nanos(doc.UpdatedAt), nullNanos(doc.CompletedAt),
		doc.TenantID, doc.ID)
	if err != nil {
		return fmt.Errorf("updating document: %w", err)
	}
	return requireRow(result)
}

func (s *Store) DeleteDocument(ctx context.Context, tenantID, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE tenant_id = ? AND id = ?`, tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	return requireRow(result)
}

func (s *Store) ReplaceChunks(ctx context.Context, tenantID, documentID string, chunks []*domain.Chunk) error {
	for _, c := range chunks {
		if c.DocumentID != documentID || c.TenantID != tenantID {
			return domain.ErrInvalidInput
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := documentExists(ctx, tx, tenantID, documentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (`+chunkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		p := c.Position
		_, err := stmt.ExecContext(ctx,
			c.ID, c.DocumentID, c.TenantID, c.Ordinal, c.Text,
			p.StartOffset, p.EndOffset, p.StartLine, p.EndLine,
			p.Page, p.PageStartLine, p.PageEndLine, p.Section, p.SectionOrdinal,
			c.WordCount, nanos(c.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListChunks(ctx context.Context, tenantID, documentID string) ([]*domain.Chunk, error) {
	if err := documentExists(ctx, s.db, tenantID, documentID); err != nil {
		return nil, err
	}
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE tenant_id = ? AND document_id = ? ORDER BY ordinal`,
		tenantID, documentID)
}

func (s *Store) GetChunks(ctx context.Context, tenantID string, ids []string) ([]*domain.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryChunks(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE tenant_id = ? AND id IN (`+inList(len(ids))+`)`,
		withIDs(tenantID, ids)...)
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]*domain.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		var createdAt int64
		p := &c.Position
		err := rows.Scan(
			&c.ID, &c.DocumentID, &c.TenantID, &c.Ordinal, &c.Text,
			&p.StartOffset, &p.EndOffset, &p.StartLine, &p.EndLine,
			&p.Page, &p.PageStartLine, &p.PageEndLine, &p.Section, &p.SectionOrdinal,
			&c.WordCount, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		c.CreatedAt = fromNanos(createdAt)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}

func (s *Store) SaveEmbeddings(ctx context.Context, tenantID string, embeddings []domain.Embedding) error {
	for _, e := range embeddings {
		if e.TenantID != tenantID {
			return domain.ErrInvalidInput
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO embeddings (chunk_id, model, document_id, tenant_id, dimensions, created_at)
		SELECT ?1, ?2, ?3, ?4, ?5, ?6
		WHERE EXISTS (SELECT 1 FROM chunks WHERE id = ?1 AND tenant_id = ?4)
		ON CONFLICT (chunk_id, model) DO UPDATE SET dimensions = excluded.dimensions
	`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	now := nanos(time.Now())
	for _, e := range embeddings {
		result, err := stmt.ExecContext(ctx, e.ChunkID, e.Model, e.DocumentID, tenantID, e.Dimensions, now)
		if err != nil {
			return fmt.Errorf("saving embedding %s: %w", e.ChunkID, err)
		}
		if err := requireRow(result); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) EmbeddingModels(ctx context.Context, tenantID, documentID string) ([]string, error) {
	if err := documentExists(ctx, s.db, tenantID, documentID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT model FROM embeddings WHERE tenant_id = ? AND document_id = ? ORDER BY model`,
		tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying embedding models: %w", err)
	}
	defer rows.Close()

	var models []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func documentExists(ctx context.Context, q querier, tenantID, documentID string) error {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE tenant_id = ? AND id = ?`,
		tenantID, documentID,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("checking document: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, extra ...any) (*domain.Document, error) {
	var doc domain.Document
	var layout, status string
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	dest := []any{
		&doc.ID, &doc.TenantID, &doc.Filename, &doc.ContentHash, &doc.ContentType, &doc.Size,
		&layout, &status, &doc.Error, &doc.EmbeddingModel, &doc.ChunkCount,
		&createdAt, &updatedAt, &completedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	doc.Layout = domain.Layout(layout)
	doc.Status = domain.DocumentStatus(status)
	doc.CreatedAt = fromNanos(createdAt)
	doc.UpdatedAt = fromNanos(updatedAt)
	if completedAt.Valid {
		t := fromNanos(completedAt.Int64)
		doc.CompletedAt = &t
	}
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

// isConstraint reports a UNIQUE or PRIMARY KEY violation.
func isConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func inList(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func withIDs(tenantID string, ids []string) []any {
	args := make([]any, 0, len(ids)+1)
	args = append(args, tenantID)
	for _, id := range ids {
		args = append(args, id)
	}
	return args
}

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
