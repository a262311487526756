package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/postprocessors"
)

// Ensure ingestService implements IngestService
var _ driving.IngestService = (*ingestService)(nil)

// DefaultIngestLockTTL bounds how long a crashed pipeline can block a document.
const DefaultIngestLockTTL = 10 * time.Minute

// IngestServiceConfig holds dependencies for the ingestion pipeline.
type IngestServiceConfig struct {
	Store      driven.MetadataStore
	Index      driven.VectorIndex
	Extractors driven.ExtractorRegistry
	Pipeline   *postprocessors.Pipeline
	Embedder   *Embedder

	// Queue makes ingestion asynchronous. Without it documents are processed inline.
	Queue driven.TaskQueue
	// Lock keeps a single pipeline per document across instances.
	Lock    driven.DistributedLock
	LockTTL time.Duration

	Logger *slog.Logger
}

type ingestService struct {
	store      driven.MetadataStore
	index      driven.VectorIndex
	extractors driven.ExtractorRegistry
	pipeline   *postprocessors.Pipeline
	embedder   *Embedder
	queue      driven.TaskQueue
	lock       driven.DistributedLock
	lockTTL    time.Duration
	logger     *slog.Logger
}

// NewIngestService creates the ingestion service.
func NewIngestService(cfg IngestServiceConfig) driving.IngestService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = DefaultIngestLockTTL
	}
	if cfg.Lock == nil {
		logger.Warn("ingest service has no lock, concurrent pipelines for one document are not prevented")
	}

	return &ingestService{
		store:      cfg.Store,
		index:      cfg.Index,
		extractors: cfg.Extractors,
		pipeline:   cfg.Pipeline,
		embedder:   cfg.Embedder,
		queue:      cfg.Queue,
		lock:       cfg.Lock,
		lockTTL:    ttl,
		logger:     logger,
	}
}

// IngestDocument stores an upload and schedules its processing.
func (s *ingestService) IngestDocument(ctx context.Context, tenantID string, data []byte, filename, contentType string) (*domain.Document, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: document is empty", domain.ErrInvalidInput)
	}
	filename = filepath.Base(strings.TrimSpace(filename))
	if filename == "" || filename == "." || filename == "/" {
		filename = "untitled"
	}

	existing, err := s.store.GetDocumentByHash(ctx, tenantID, domain.ContentHash(data))
	switch {
	case err == nil:
		return withoutContent(existing), domain.ErrAlreadyExists
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	doc := domain.NewDocument(tenantID, filename, contentType, data)
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			if existing, getErr := s.store.GetDocumentByHash(ctx, tenantID, doc.ContentHash); getErr == nil {
				return withoutContent(existing), domain.ErrAlreadyExists
			}
		}
		return nil, err
	}

	s.logger.Info("document uploaded",
		"tenant_id", tenantID,
		"document_id", doc.ID,
		"filename", filename,
		"content_type", doc.ContentType,
		"size", doc.Size,
	)

	if err := s.schedule(ctx, domain.NewIngestTask(tenantID, doc.ID)); err != nil {
		return nil, err
	}

	current, err := s.store.GetDocument(ctx, tenantID, doc.ID)
	if err != nil {
		return withoutContent(doc), nil
	}
	return withoutContent(current), nil
}

// schedule enqueues task, or runs it inline when no queue is configured or
// the queue rejects it.
func (s *ingestService) schedule(ctx context.Context, task *domain.Task) error {
	if s.queue != nil {
		err := s.queue.Enqueue(ctx, task)
		if err == nil {
			return nil
		}
		s.logger.Warn("enqueue failed, processing inline",
			"task_type", task.Type,
			"document_id", task.DocumentID(),
			"error", err,
		)
	}

	var err error
	switch task.Type {
	case domain.TaskTypeReembedDocument:
		_, err = s.ProcessReembed(ctx, task.TenantID, task.DocumentID())
	default:
		_, err = s.ProcessDocument(ctx, task.TenantID, task.DocumentID())
	}
	// Pipeline failures are recorded on the document; only report what the
	// caller can act on.
	if errors.Is(err, domain.ErrIngestInProgress) {
		return err
	}
	return nil
}

// GetDocumentStatus returns the lifecycle status of a document.
func (s *ingestService) GetDocumentStatus(ctx context.Context, tenantID, documentID string) (domain.DocumentStatus, error) {
	doc, err := s.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return "", err
	}
	return doc.Status, nil
}

// GetDocument returns a document without its raw content.
func (s *ingestService) GetDocument(ctx context.Context, tenantID, documentID string) (*domain.Document, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	doc, err := s.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	return withoutContent(doc), nil
}

// ListDocuments lists a tenant's documents.
func (s *ingestService) ListDocuments(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Document, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListDocuments(ctx, tenantID, limit, offset)
}

// DeleteDocument removes the vectors first so no search can surface a
// chunk whose record is gone.
func (s *ingestService) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return err
	}
	release, err := s.acquire(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := s.store.GetDocument(ctx, tenantID, documentID); err != nil {
		return err
	}
	if err := s.index.DeleteDocument(ctx, tenantID, documentID); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if err := s.store.DeleteDocument(ctx, tenantID, documentID); err != nil {
		return err
	}

	s.logger.Info("document deleted", "tenant_id", tenantID, "document_id", documentID)
	return nil
}

// ReprocessDocument reruns the pipeline for a failed, completed or stale
// processing document.
func (s *ingestService) ReprocessDocument(ctx context.Context, tenantID, documentID string) error {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return err
	}

	release, err := s.acquire(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	doc, err := s.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		release()
		return err
	}
	if doc.Status != domain.DocumentStatusProcessing {
		if err := doc.TransitionTo(domain.DocumentStatusProcessing, ""); err != nil {
			release()
			return err
		}
		if err := s.store.UpdateDocument(ctx, doc); err != nil {
			release()
			return err
		}
	}
	release()

	s.logger.Info("document reprocess requested", "tenant_id", tenantID, "document_id", documentID)
	return s.schedule(ctx, domain.NewIngestTask(tenantID, documentID))
}

// ReembedDocument schedules embedding with the current model.
func (s *ingestService) ReembedDocument(ctx context.Context, tenantID, documentID string) error {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return err
	}
	doc, err := s.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	if doc.Status != domain.DocumentStatusCompleted {
		return fmt.Errorf("%w: document %s is %s, not completed", domain.ErrInvalidInput, documentID, doc.Status)
	}
	return s.schedule(ctx, domain.NewReembedTask(tenantID, documentID))
}

// ProcessDocument runs extract, chunk, embed and index for one document.
// Failures are recorded on the document and returned to the caller so a
// worker can decide between retry and permanent failure.
func (s *ingestService) ProcessDocument(ctx context.Context, tenantID, documentID string) (*domain.TaskResult, error) {
	start := time.Now()
	result := &domain.TaskResult{TaskID: documentID}

	release, err := s.acquire(ctx, tenantID, documentID)
	if err != nil {
		result.Retryable = domain.IsRetryable(err)
		result.Error = err.Error()
		return result, err
	}
	defer release()

	doc, err := s.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		result.Error = err.Error()
		return result, err
	}

	switch doc.Status {
	case domain.DocumentStatusCompleted:
		// Duplicate delivery of an already finished task.
		result.Success = true
		result.ItemsCount = doc.ChunkCount
		result.Duration = time.Since(start)
		return result, nil
	case domain.DocumentStatusProcessing:
		s.logger.Info("resuming document left in processing", "tenant_id", tenantID, "document_id", documentID)
	default:
		if err := doc.TransitionTo(domain.DocumentStatusProcessing, ""); err != nil {
			result.Error = err.Error()
			return result, err
		}
		if err := s.store.UpdateDocument(ctx, doc); err != nil {
			result.Error = err.Error()
			return result, err
		}
	}

	indexed, err := s.runPipeline(ctx, doc)
	result.Duration = time.Since(start)
	if err != nil {
		s.markFailed(ctx, doc, err)
		result.Retryable = domain.IsRetryable(err)
		result.Error = err.Error()
		return result, err
	}

	result.Success = true
	result.ItemsCount = indexed
	s.logger.Info("document processed",
		"tenant_id", tenantID,
		"document_id", documentID,
		"chunks", doc.ChunkCount,
		"indexed", indexed,
		"model", doc.EmbeddingModel,
		"duration", result.Duration,
	)
	return result, nil
}

func (s *ingestService) runPipeline(ctx context.Context, doc *domain.Document) (int, error) {
	extraction, err := s.extract(ctx, doc)
	if err != nil {
		return 0, err
	}
	if extraction.Layout != "" {
		doc.Layout = extraction.Layout
	}

	chunks, err := s.pipeline.Process(doc.TenantID, doc.ID, extraction)
	if err != nil {
		return 0, err
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// Drop vectors of an earlier run before its chunk rows are replaced.
	if err := s.index.DeleteDocument(ctx, doc.TenantID, doc.ID); err != nil {
		return 0, fmt.Errorf("%w: clear vectors: %v", domain.ErrServiceUnavailable, err)
	}
	if err := s.store.ReplaceChunks(ctx, doc.TenantID, doc.ID, chunks); err != nil {
		return 0, err
	}

	model, indexed, err := s.embedAndIndex(ctx, doc.TenantID, chunks)
	if err != nil {
		return 0, err
	}

	doc.ChunkCount = len(chunks)
	if model != "" {
		doc.EmbeddingModel = model
	}
	if err := doc.TransitionTo(domain.DocumentStatusCompleted, ""); err != nil {
		return 0, err
	}
	if err := s.store.UpdateDocument(ctx, doc); err != nil {
		return 0, err
	}
	return indexed, nil
}

func (s *ingestService) extract(ctx context.Context, doc *domain.Document) (*domain.Extraction, error) {
	extractor := s.extractors.Get(doc.ContentType)
	if extractor == nil {
		return nil, fmt.Errorf("%w: no extractor for %s", domain.ErrExtraction, doc.ContentType)
	}
	extraction, err := extractor.Extract(ctx, doc.Content, doc.ContentType)
	if err != nil {
		if errors.Is(err, domain.ErrExtraction) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrExtraction, err)
	}
	return extraction, nil
}

// embedAndIndex embeds searchable chunks, writes the vectors and then the
// embedding linkage. It returns the model used and the number of vectors.
func (s *ingestService) embedAndIndex(ctx context.Context, tenantID string, chunks []*domain.Chunk) (string, int, error) {
	var searchable []*domain.Chunk
	var texts []string
	for _, c := range chunks {
		if c.Searchable() {
			searchable = append(searchable, c)
			texts = append(texts, c.Content())
		}
	}
	if len(searchable) == 0 {
		model, _ := s.embedder.Model()
		return model, 0, nil
	}

	embedded, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return "", 0, err
	}

	embeddings := make([]domain.Embedding, len(searchable))
	for i, c := range searchable {
		embeddings[i] = domain.Embedding{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			TenantID:   tenantID,
			Model:      embedded.Model,
			Dimensions: embedded.Dimensions,
			Vector:     embedded.Vectors[i],
		}
	}

	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	if err := s.index.Upsert(ctx, tenantID, embeddings); err != nil {
		return "", 0, fmt.Errorf("%w: index upsert: %v", domain.ErrServiceUnavailable, err)
	}
	if err := s.store.SaveEmbeddings(ctx, tenantID, embeddings); err != nil {
		return "", 0, err
	}
	return embedded.Model, len(embeddings), nil
}

// ProcessReembed adds embeddings under the current model. The document
// stays searchable under its previous model until the new vectors exist.
func (s *ingestService) ProcessReembed(ctx context.Context, tenantID, documentID string) (*domain.TaskResult, error) {
	start := time.Now()
	result := &domain.TaskResult{TaskID: documentID}

	fail := func(err error) (*domain.TaskResult, error) {
		result.Retryable = domain.IsRetryable(err)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result, err
	}

	release, err := s.acquire(ctx, tenantID, documentID)
	if err != nil {
		return fail(err)
	}
	defer release()

	doc, err := s.store.GetDocument(ctx, tenantID, documentID)
	if err != nil {
		return fail(err)
	}
	if doc.Status != domain.DocumentStatusCompleted {
		return fail(fmt.Errorf("%w: document %s is %s, not completed", domain.ErrInvalidInput, documentID, doc.Status))
	}

	model, err := s.embedder.Model()
	if err != nil {
		return fail(err)
	}
	models, err := s.store.EmbeddingModels(ctx, tenantID, documentID)
	if err != nil {
		return fail(err)
	}
	for _, m := range models {
		if m == model {
			result.Success = true
			result.Duration = time.Since(start)
			return result, nil
		}
	}

	chunks, err := s.store.ListChunks(ctx, tenantID, documentID)
	if err != nil {
		return fail(err)
	}
	model, indexed, err := s.embedAndIndex(ctx, tenantID, chunks)
	if err != nil {
		return fail(err)
	}

	doc.EmbeddingModel = model
	doc.UpdatedAt = time.Now()
	if err := s.store.UpdateDocument(ctx, doc); err != nil {
		return fail(err)
	}

	result.Success = true
	result.ItemsCount = indexed
	result.Duration = time.Since(start)
	s.logger.Info("document re-embedded",
		"tenant_id", tenantID,
		"document_id", documentID,
		"model", model,
		"previous_models", models,
		"indexed", indexed,
	)
	return result, nil
}

// markFailed records a pipeline failure even if ctx was cancelled.
func (s *ingestService) markFailed(ctx context.Context, doc *domain.Document, cause error) {
	if err := doc.TransitionTo(domain.DocumentStatusFailed, cause.Error()); err != nil {
		s.logger.Error("cannot mark document failed", "document_id", doc.ID, "error", err)
		return
	}
	if err := s.store.UpdateDocument(context.WithoutCancel(ctx), doc); err != nil {
		s.logger.Error("failed to persist document failure",
			"tenant_id", doc.TenantID,
			"document_id", doc.ID,
			"error", err,
		)
	}
	s.logger.Warn("document processing failed",
		"tenant_id", doc.TenantID,
		"document_id", doc.ID,
		"retryable", domain.IsRetryable(cause),
		"error", cause,
	)
}

func ingestLockName(tenantID, documentID string) string {
	return "ingest:" + tenantID + ":" + documentID
}

// acquire takes the per-document lock and returns its release func.
func (s *ingestService) acquire(ctx context.Context, tenantID, documentID string) (func(), error) {
	if s.lock == nil {
		return func() {}, nil
	}
	name := ingestLockName(tenantID, documentID)
	ok, err := s.lock.Acquire(ctx, name, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire %s: %v", domain.ErrServiceUnavailable, name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIngestInProgress, documentID)
	}
	return func() {
		if err := s.lock.Release(context.WithoutCancel(ctx), name); err != nil {
			s.logger.Warn("failed to release ingest lock", "lock", name, "error", err)
		}
	}, nil
}

func withoutContent(doc *domain.Document) *domain.Document {
	if doc == nil {
		return nil
	}
	cp := *doc
	cp.Content = nil
	return &cp
}
