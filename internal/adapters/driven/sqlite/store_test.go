package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// setupTestStore creates a SQLite store in a temporary directory.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func newDoc(tenant, name, body string) *domain.Document {
	return domain.NewDocument(tenant, name, "text/plain", []byte(body))
}

func testChunks(doc *domain.Document, n int) []*domain.Chunk {
	chunks := make([]*domain.Chunk, n)
	for i := range chunks {
		chunks[i] = &domain.Chunk{
			ID:         domain.ChunkID(doc.ID, i),
			DocumentID: doc.ID,
			TenantID:   doc.TenantID,
			Ordinal:    i,
			Text:       " chunk text ",
			Position: domain.Position{
				StartOffset: i * 10, EndOffset: i*10 + 10,
				StartLine: i + 1, EndLine: i + 1,
				Page: 2, PageStartLine: 3, PageEndLine: 4,
				Section: "Intro", SectionOrdinal: 1,
			},
			WordCount: 2,
			CreatedAt: time.Now(),
		}
	}
	return chunks
}

func TestNewStore_ReopensExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	first, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.CreateDocument(context.Background(), newDoc("acme", "a.txt", "kept")))
	require.NoError(t, first.Close())

	second, err := NewStore(dir)
	require.NoError(t, err)
	defer second.Close()

	docs, err := second.ListDocuments(context.Background(), "acme", 10, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	doc := newDoc("acme", "a.txt", "hello")

	require.NoError(t, s.CreateDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "acme", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.Filename)
	assert.Equal(t, domain.DocumentStatusUploaded, got.Status)
	assert.Equal(t, domain.LayoutUnstructured, got.Layout)
	assert.Equal(t, []byte("hello"), got.Content)
	assert.Equal(t, doc.CreatedAt.UnixNano(), got.CreatedAt.UnixNano())
	assert.Nil(t, got.CompletedAt)

	byHash, err := s.GetDocumentByHash(ctx, "acme", doc.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byHash.ID)
	assert.Nil(t, byHash.Content)
}

func TestStore_DuplicateHashPerTenant(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.CreateDocument(ctx, newDoc("acme", "a.txt", "same")))
	assert.ErrorIs(t, s.CreateDocument(ctx, newDoc("acme", "b.txt", "same")), domain.ErrAlreadyExists)
	assert.NoError(t, s.CreateDocument(ctx, newDoc("globex", "a.txt", "same")))
}

func TestStore_TenantScoping(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	doc := newDoc("acme", "a.txt", "secret")
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.ReplaceChunks(ctx, "acme", doc.ID, testChunks(doc, 1)))

	_, err := s.GetDocument(ctx, "globex", doc.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	docs, err := s.GetDocuments(ctx, "globex", []string{doc.ID})
	require.NoError(t, err)
	assert.Empty(t, docs)

	chunks, err := s.GetChunks(ctx, "globex", []string{domain.ChunkID(doc.ID, 0)})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	assert.ErrorIs(t, s.DeleteDocument(ctx, "globex", doc.ID), domain.ErrNotFound)
	assert.ErrorIs(t, s.ReplaceChunks(ctx, "globex", doc.ID, nil), domain.ErrNotFound)
}

func TestStore_ReplaceChunks(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	doc := newDoc("acme", "a.txt", "body")
	require.NoError(t, s.CreateDocument(ctx, doc))

	require.NoError(t, s.ReplaceChunks(ctx, "acme", doc.ID, testChunks(doc, 3)))
	require.NoError(t, s.ReplaceChunks(ctx, "acme", doc.ID, testChunks(doc, 2)))

	chunks, err := s.ListChunks(ctx, "acme", doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, chunks[1].Ordinal)
	assert.Equal(t, " chunk text ", chunks[1].Text, "raw window is stored untrimmed")
	assert.Equal(t, domain.Position{
		StartOffset: 10, EndOffset: 20, StartLine: 2, EndLine: 2,
		Page: 2, PageStartLine: 3, PageEndLine: 4, Section: "Intro", SectionOrdinal: 1,
	}, chunks[1].Position)

	foreign := testChunks(doc, 1)
	foreign[0].TenantID = "globex"
	assert.ErrorIs(t, s.ReplaceChunks(ctx, "acme", doc.ID, foreign), domain.ErrInvalidInput)
}

func TestStore_GetByIDsKeepsRequestOrder(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	a := newDoc("acme", "a.txt", "a")
	b := newDoc("acme", "b.txt", "b")
	require.NoError(t, s.CreateDocument(ctx, a))
	require.NoError(t, s.CreateDocument(ctx, b))

	docs, err := s.GetDocuments(ctx, "acme", []string{b.ID, "missing", a.ID})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, b.ID, docs[0].ID)
	assert.Equal(t, a.ID, docs[1].ID)
}

func TestStore_EmbeddingsAddPerModel(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	doc := newDoc("acme", "a.txt", "body")
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.ReplaceChunks(ctx, "acme", doc.ID, testChunks(doc, 2)))

	models, err := s.EmbeddingModels(ctx, "acme", doc.ID)
	require.NoError(t, err)
	assert.Empty(t, models)

	for _, model := range []string{"embed-v1", "embed-v2", "embed-v1"} {
		var rows []domain.Embedding
		for i := 0; i < 2; i++ {
			rows = append(rows, domain.Embedding{
				ChunkID: domain.ChunkID(doc.ID, i), DocumentID: doc.ID,
				TenantID: "acme", Model: model, Dimensions: 4,
			})
		}
		require.NoError(t, s.SaveEmbeddings(ctx, "acme", rows))
	}

	models, err = s.EmbeddingModels(ctx, "acme", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"embed-v1", "embed-v2"}, models)

	missing := []domain.Embedding{{ChunkID: "nope", DocumentID: doc.ID, TenantID: "acme", Model: "m", Dimensions: 4}}
	assert.ErrorIs(t, s.SaveEmbeddings(ctx, "acme", missing), domain.ErrNotFound)

	_, err = s.EmbeddingModels(ctx, "globex", doc.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	doc := newDoc("acme", "a.txt", "body")
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.ReplaceChunks(ctx, "acme", doc.ID, testChunks(doc, 2)))
	require.NoError(t, s.SaveEmbeddings(ctx, "acme", []domain.Embedding{{
		ChunkID: domain.ChunkID(doc.ID, 0), DocumentID: doc.ID, TenantID: "acme", Model: "m", Dimensions: 4,
	}}))

	require.NoError(t, s.DeleteDocument(ctx, "acme", doc.ID))

	chunks, err := s.GetChunks(ctx, "acme", []string{domain.ChunkID(doc.ID, 0)})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&n))
	assert.Zero(t, n)

	// Same content may be uploaded again once deleted.
	assert.NoError(t, s.CreateDocument(ctx, newDoc("acme", "again.txt", "body")))
}

func TestStore_UpdateAndList(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	older := newDoc("acme", "old.txt", "old")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newDoc("acme", "new.txt", "new")
	require.NoError(t, s.CreateDocument(ctx, older))
	require.NoError(t, s.CreateDocument(ctx, newer))

	require.NoError(t, older.TransitionTo(domain.DocumentStatusProcessing, ""))
	require.NoError(t, older.TransitionTo(domain.DocumentStatusCompleted, ""))
	older.ChunkCount = 4
	older.EmbeddingModel = "embed-v1"
	require.NoError(t, s.UpdateDocument(ctx, older))

	got, err := s.GetDocument(ctx, "acme", older.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusCompleted, got.Status)
	assert.Equal(t, 4, got.ChunkCount)
	assert.Equal(t, "embed-v1", got.EmbeddingModel)
	require.NotNil(t, got.CompletedAt)

	docs, err := s.ListDocuments(ctx, "acme", 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, newer.ID, docs[0].ID)
	assert.Nil(t, docs[0].Content)

	page, err := s.ListDocuments(ctx, "acme", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, older.ID, page[0].ID)

	missing := newDoc("acme", "ghost.txt", "ghost")
	assert.ErrorIs(t, s.UpdateDocument(ctx, missing), domain.ErrNotFound)
	assert.NoError(t, s.Ping(ctx))
}
