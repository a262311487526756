package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

func TestIngestService_InlineCompletes(t *testing.T) {
	h := newHarness(t, withChunking(60, 10))
	body := strings.Repeat("Solar panels convert sunlight into electricity for the grid. ", 5)

	doc := h.mustIngest(t, "acme", "solar.txt", body)
	assert.Nil(t, doc.Content)
	assert.Equal(t, "mock-embedding-model", doc.EmbeddingModel)
	assert.NotNil(t, doc.CompletedAt)

	chunks, err := h.store.ListChunks(context.Background(), "acme", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ChunkCount, len(chunks))
	assert.Greater(t, len(chunks), 1)
	assert.Equal(t, len(chunks), h.index.Len("acme", "mock-embedding-model"))

	status, err := h.ingest.GetDocumentStatus(context.Background(), "acme", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusCompleted, status)
}

func TestIngestService_DuplicateContent(t *testing.T) {
	h := newHarness(t)
	first := h.mustIngest(t, "acme", "a.txt", "identical body text")
	before, _ := h.store.ListChunks(context.Background(), "acme", first.ID)

	again, err := h.ingest.IngestDocument(context.Background(), "acme", []byte("identical body text"), "b.txt", "")
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID)

	after, _ := h.store.ListChunks(context.Background(), "acme", first.ID)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, h.index.Len("acme", "mock-embedding-model"))

	docs, _ := h.ingest.ListDocuments(context.Background(), "acme", 0, 0)
	assert.Len(t, docs, 1)

	// Another tenant is unaffected by acme's copy.
	other := h.mustIngest(t, "globex", "a.txt", "identical body text")
	assert.NotEqual(t, first.ID, other.ID)
}

func TestIngestService_RejectsBadInput(t *testing.T) {
	h := newHarness(t)
	_, err := h.ingest.IngestDocument(context.Background(), "bad tenant!", []byte("x"), "a.txt", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.ingest.IngestDocument(context.Background(), "acme", nil, "a.txt", "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestIngestService_ExtractionFailure(t *testing.T) {
	h := newHarness(t)

	doc, err := h.ingest.IngestDocument(context.Background(), "acme", []byte{0x00, 0x01, 0xff}, "blob.bin", "application/octet-stream")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
	assert.Contains(t, doc.Error, "extraction failed")

	res, err := h.ingest.ProcessDocument(context.Background(), "acme", doc.ID)
	assert.ErrorIs(t, err, domain.ErrExtraction)
	assert.False(t, res.Retryable)
}

func TestIngestService_EmbeddingOutageThenReprocess(t *testing.T) {
	h := newHarness(t)
	h.embedding.SetFailNext(errors.New("connection refused"))

	doc, err := h.ingest.IngestDocument(context.Background(), "acme", []byte(ciderText), "cider.txt", "")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusFailed, doc.Status)
	assert.Contains(t, doc.Error, "embedding service unavailable")
	assert.Equal(t, 0, h.index.Len("acme", "mock-embedding-model"))

	require.NoError(t, h.ingest.ReprocessDocument(context.Background(), "acme", doc.ID))

	status, err := h.ingest.GetDocumentStatus(context.Background(), "acme", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusCompleted, status)
	assert.Equal(t, 1, h.index.Len("acme", "mock-embedding-model"))
}

func TestIngestService_RetryableResult(t *testing.T) {
	h := newHarness(t, withQueue(&recordingQueue{}))
	doc, err := h.ingest.IngestDocument(context.Background(), "acme", []byte(ciderText), "cider.txt", "")
	require.NoError(t, err)

	h.embedding.SetFailNext(errors.New("connection refused"))
	res, err := h.ingest.ProcessDocument(context.Background(), "acme", doc.ID)
	assert.ErrorIs(t, err, domain.ErrEmbeddingUnavailable)
	assert.True(t, res.Retryable)
	assert.False(t, res.Success)

	// The retry picks the failed document up again.
	res, err = h.ingest.ProcessDocument(context.Background(), "acme", doc.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.ItemsCount)
}

func TestIngestService_QueuedReturnsUploaded(t *testing.T) {
	queue := &recordingQueue{}
	h := newHarness(t, withQueue(queue))

	doc, err := h.ingest.IngestDocument(context.Background(), "acme", []byte(ciderText), "cider.txt", "")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusUploaded, doc.Status)

	tasks := queue.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskTypeIngestDocument, tasks[0].Type)
	assert.Equal(t, "acme", tasks[0].TenantID)
	assert.Equal(t, doc.ID, tasks[0].DocumentID())

	// Nothing is searchable before the pipeline has run.
	_, err = h.retriever.Retrieve(context.Background(), "acme", "cider Normandy", simple())
	assert.ErrorIs(t, err, domain.ErrNoRelevantContext)

	res, err := h.ingest.ProcessDocument(context.Background(), "acme", doc.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	// Duplicate delivery of the same task is harmless.
	res, err = h.ingest.ProcessDocument(context.Background(), "acme", doc.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, h.index.Len("acme", "mock-embedding-model"))
}

func TestIngestService_QueueDownFallsBackInline(t *testing.T) {
	h := newHarness(t, withQueue(&recordingQueue{err: errors.New("redis: connection refused")}))
	doc, err := h.ingest.IngestDocument(context.Background(), "acme", []byte(ciderText), "cider.txt", "")
	require.NoError(t, err)
	assert.Equal(t, domain.DocumentStatusCompleted, doc.Status)
}

func TestIngestService_SingleWriter(t *testing.T) {
	h := newHarness(t, withQueue(&recordingQueue{}))
	doc, err := h.ingest.IngestDocument(context.Background(), "acme", []byte(ciderText), "cider.txt", "")
	require.NoError(t, err)

	ok, _ := h.lock.Acquire(context.Background(), ingestLockName("acme", doc.ID), DefaultIngestLockTTL)
	require.True(t, ok)

	res, err := h.ingest.ProcessDocument(context.Background(), "acme", doc.ID)
	assert.ErrorIs(t, err, domain.ErrIngestInProgress)
	assert.True(t, res.Retryable)

	assert.ErrorIs(t, h.ingest.ReprocessDocument(context.Background(), "acme", doc.ID), domain.ErrIngestInProgress)
	assert.ErrorIs(t, h.ingest.DeleteDocument(context.Background(), "acme", doc.ID), domain.ErrIngestInProgress)
}

func TestIngestService_DeleteCascades(t *testing.T) {
	h := newHarness(t)
	doc := h.mustIngest(t, "acme", "cider.txt", ciderText)

	assert.ErrorIs(t, h.ingest.DeleteDocument(context.Background(), "globex", doc.ID), domain.ErrNotFound)

	require.NoError(t, h.ingest.DeleteDocument(context.Background(), "acme", doc.ID))
	_, err := h.ingest.GetDocument(context.Background(), "acme", doc.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, h.index.Len("acme", "mock-embedding-model"))

	chunks, _ := h.store.GetChunks(context.Background(), "acme", []string{domain.ChunkID(doc.ID, 0)})
	assert.Empty(t, chunks)

	// The same bytes can come back after deletion.
	h.mustIngest(t, "acme", "cider.txt", ciderText)
}

func TestIngestService_ReembedAddsModel(t *testing.T) {
	h := newHarness(t)
	doc := h.mustIngest(t, "acme", "cider.txt", ciderText)

	h.embedding.SetModel("mock-embedding-model-v2")
	require.NoError(t, h.ingest.ReembedDocument(context.Background(), "acme", doc.ID))

	models, err := h.store.EmbeddingModels(context.Background(), "acme", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"mock-embedding-model", "mock-embedding-model-v2"}, models)
	assert.Equal(t, 1, h.index.Len("acme", "mock-embedding-model"))
	assert.Equal(t, 1, h.index.Len("acme", "mock-embedding-model-v2"))

	updated, _ := h.ingest.GetDocument(context.Background(), "acme", doc.ID)
	assert.Equal(t, "mock-embedding-model-v2", updated.EmbeddingModel)

	// Queries now run against the new model's vectors.
	res, err := h.retriever.Retrieve(context.Background(), "acme", "cider Normandy", simple())
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)

	// Re-embedding with a model already present is a no-op.
	res2, err := h.ingest.ProcessReembed(context.Background(), "acme", doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, res2.ItemsCount)
}

func TestIngestService_ReembedRequiresCompleted(t *testing.T) {
	h := newHarness(t, withQueue(&recordingQueue{}))
	doc, err := h.ingest.IngestDocument(context.Background(), "acme", []byte(ciderText), "cider.txt", "")
	require.NoError(t, err)

	assert.ErrorIs(t, h.ingest.ReembedDocument(context.Background(), "acme", doc.ID), domain.ErrInvalidInput)
}

func TestIngestService_StaleProcessingRecovers(t *testing.T) {
	h := newHarness(t, withQueue(&recordingQueue{}))
	doc, err := h.ingest.IngestDocument(context.Background(), "acme", []byte(ciderText), "cider.txt", "")
	require.NoError(t, err)

	// Simulate a worker that died after claiming the document.
	stored, _ := h.store.GetDocument(context.Background(), "acme", doc.ID)
	require.NoError(t, stored.TransitionTo(domain.DocumentStatusProcessing, ""))
	require.NoError(t, h.store.UpdateDocument(context.Background(), stored))

	res, err := h.ingest.ProcessDocument(context.Background(), "acme", doc.ID)
	require.NoError(t, err)
	assert.True(t, res.Success)

	status, _ := h.ingest.GetDocumentStatus(context.Background(), "acme", doc.ID)
	assert.Equal(t, domain.DocumentStatusCompleted, status)
}

func TestIngestService_PagedDocument(t *testing.T) {
	h := newHarness(t, withChunking(40, 8))
	body := "Intro line one\nIntro line two\fSecond page first line\nSecond page warranty terms"

	doc, err := h.ingest.IngestDocument(context.Background(), "acme", []byte(body), "manual.txt", "text/x-paged")
	require.NoError(t, err)
	require.Equal(t, domain.DocumentStatusCompleted, doc.Status, doc.Error)
	assert.Equal(t, domain.LayoutPaginated, doc.Layout)

	res, err := h.answer.Query(context.Background(), "acme", "warranty terms", domain.QueryOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, res.Citations)
	assert.True(t, strings.HasPrefix(res.Citations[0].Reference, "page 2, line"), res.Citations[0].Reference)
}
