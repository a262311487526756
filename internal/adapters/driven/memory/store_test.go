package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

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
			Text:       "chunk text",
		}
	}
	return chunks
}

func TestStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	doc := newDoc("acme", "a.txt", "hello")

	require.NoError(t, s.CreateDocument(ctx, doc))

	got, err := s.GetDocument(ctx, "acme", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Filename, got.Filename)
	assert.Equal(t, []byte("hello"), got.Content)

	byHash, err := s.GetDocumentByHash(ctx, "acme", doc.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byHash.ID)
	assert.Nil(t, byHash.Content)
}

func TestStore_DuplicateHashPerTenant(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	require.NoError(t, s.CreateDocument(ctx, newDoc("acme", "a.txt", "same")))
	assert.ErrorIs(t, s.CreateDocument(ctx, newDoc("acme", "b.txt", "same")), domain.ErrAlreadyExists)

	// Another tenant may hold identical content.
	assert.NoError(t, s.CreateDocument(ctx, newDoc("globex", "a.txt", "same")))
}

func TestStore_TenantScoping(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	doc := newDoc("acme", "a.txt", "hello")
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.ReplaceChunks(ctx, "acme", doc.ID, testChunks(doc, 2)))

	_, err := s.GetDocument(ctx, "globex", doc.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	chunks, err := s.GetChunks(ctx, "globex", []string{domain.ChunkID(doc.ID, 0)})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	docs, err := s.GetDocuments(ctx, "globex", []string{doc.ID})
	require.NoError(t, err)
	assert.Empty(t, docs)

	assert.ErrorIs(t, s.DeleteDocument(ctx, "globex", doc.ID), domain.ErrNotFound)
}

func TestStore_ReplaceChunks(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	doc := newDoc("acme", "a.txt", "hello")
	require.NoError(t, s.CreateDocument(ctx, doc))

	require.NoError(t, s.ReplaceChunks(ctx, "acme", doc.ID, testChunks(doc, 3)))
	require.NoError(t, s.ReplaceChunks(ctx, "acme", doc.ID, testChunks(doc, 2)))

	chunks, err := s.ListChunks(ctx, "acme", doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Ordinal)
	assert.Equal(t, 1, chunks[1].Ordinal)

	stale, err := s.GetChunks(ctx, "acme", []string{domain.ChunkID(doc.ID, 2)})
	require.NoError(t, err)
	assert.Empty(t, stale)

	foreign := testChunks(doc, 1)
	foreign[0].TenantID = "globex"
	assert.ErrorIs(t, s.ReplaceChunks(ctx, "acme", doc.ID, foreign), domain.ErrInvalidInput)
}

func TestStore_EmbeddingsAddPerModel(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	doc := newDoc("acme", "a.txt", "hello")
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.ReplaceChunks(ctx, "acme", doc.ID, testChunks(doc, 1)))

	e := domain.Embedding{ChunkID: domain.ChunkID(doc.ID, 0), DocumentID: doc.ID, TenantID: "acme", Model: "v1", Dimensions: 3}
	require.NoError(t, s.SaveEmbeddings(ctx, "acme", []domain.Embedding{e}))
	require.NoError(t, s.SaveEmbeddings(ctx, "acme", []domain.Embedding{e}))
	e.Model = "v2"
	require.NoError(t, s.SaveEmbeddings(ctx, "acme", []domain.Embedding{e}))

	models, err := s.EmbeddingModels(ctx, "acme", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, models)

	e.ChunkID = "missing"
	assert.ErrorIs(t, s.SaveEmbeddings(ctx, "acme", []domain.Embedding{e}), domain.ErrNotFound)
}

func TestStore_DeleteCascades(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	doc := newDoc("acme", "a.txt", "hello")
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.ReplaceChunks(ctx, "acme", doc.ID, testChunks(doc, 2)))
	require.NoError(t, s.SaveEmbeddings(ctx, "acme", []domain.Embedding{
		{ChunkID: domain.ChunkID(doc.ID, 0), DocumentID: doc.ID, TenantID: "acme", Model: "v1"},
	}))

	require.NoError(t, s.DeleteDocument(ctx, "acme", doc.ID))

	chunks, err := s.GetChunks(ctx, "acme", []string{domain.ChunkID(doc.ID, 0), domain.ChunkID(doc.ID, 1)})
	require.NoError(t, err)
	assert.Empty(t, chunks)

	_, err = s.GetDocumentByHash(ctx, "acme", doc.ContentHash)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	// The same content can be uploaded again after deletion.
	assert.NoError(t, s.CreateDocument(ctx, newDoc("acme", "a.txt", "hello")))
}

func TestStore_UpdateAndList(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	older := newDoc("acme", "old.txt", "one")
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newDoc("acme", "new.txt", "two")
	require.NoError(t, s.CreateDocument(ctx, older))
	require.NoError(t, s.CreateDocument(ctx, newer))

	require.NoError(t, newer.TransitionTo(domain.DocumentStatusProcessing, ""))
	require.NoError(t, newer.TransitionTo(domain.DocumentStatusCompleted, ""))
	newer.ChunkCount = 4
	newer.EmbeddingModel = "v1"
	require.NoError(t, s.UpdateDocument(ctx, newer))

	docs, err := s.ListDocuments(ctx, "acme", 10, 0)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, newer.ID, docs[0].ID)
	assert.Equal(t, domain.DocumentStatusCompleted, docs[0].Status)
	assert.Equal(t, 4, docs[0].ChunkCount)
	assert.NotNil(t, docs[0].CompletedAt)
	assert.Nil(t, docs[0].Content)

	page, err := s.ListDocuments(ctx, "acme", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, older.ID, page[0].ID)
}
