package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/memory"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven/mocks"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/extractors"
	"github.com/custodia-labs/sercha-rag/internal/postprocessors"
	"github.com/custodia-labs/sercha-rag/internal/runtime"
)

// createTestServices creates runtime services for testing
func createTestServices(embedding *mocks.MockEmbeddingService, llm *mocks.MockLLMService) *runtime.Services {
	services := runtime.NewServices(domain.NewRuntimeConfig("memory", "memory"))
	if embedding != nil {
		services.SetEmbeddingService(embedding)
	}
	if llm != nil {
		services.SetLLMService(llm)
	}
	return services
}

// harness wires the whole pipeline on in-memory adapters.
type harness struct {
	store     *memory.Store
	index     *memory.VectorIndex
	lock      *memory.Lock
	embedding *mocks.MockEmbeddingService
	llm       *mocks.MockLLMService
	services  *runtime.Services
	embedder  *Embedder
	retriever *Retriever
	ingest    driving.IngestService
	answer    driving.AnswerService
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	chunk        postprocessors.ChunkConfig
	queue        driven.TaskQueue
	noLLM        bool
	genTime      time.Duration
	llmExpansion bool
}

func withChunking(size, overlap int) harnessOption {
	return func(c *harnessConfig) { c.chunk = postprocessors.ChunkConfig{ChunkSize: size, Overlap: overlap} }
}

func withQueue(q driven.TaskQueue) harnessOption {
	return func(c *harnessConfig) { c.queue = q }
}

func withoutLLM() harnessOption {
	return func(c *harnessConfig) { c.noLLM = true }
}

func withLLMExpansion() harnessOption {
	return func(c *harnessConfig) { c.llmExpansion = true }
}

func withGenerationTimeout(d time.Duration) harnessOption {
	return func(c *harnessConfig) { c.genTime = d }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h, err := buildHarness(opts...)
	if err != nil {
		t.Fatalf("harness: %v", err)
	}
	return h
}

func buildHarness(opts ...harnessOption) (*harness, error) {
	cfg := harnessConfig{chunk: postprocessors.ChunkConfig{ChunkSize: 200, Overlap: 40}}
	for _, o := range opts {
		o(&cfg)
	}

	h := &harness{
		store:     memory.NewStore(),
		index:     memory.NewVectorIndex(),
		lock:      memory.NewLock(),
		embedding: mocks.NewMockEmbeddingService(),
	}
	if !cfg.noLLM {
		h.llm = mocks.NewMockLLMService()
	}
	h.services = createTestServices(h.embedding, h.llm)

	chunker, err := postprocessors.NewChunker(cfg.chunk)
	if err != nil {
		return nil, err
	}
	citations, err := NewCitationBuilder(domain.DefaultCitationTemplates())
	if err != nil {
		return nil, err
	}

	var expander QueryExpander
	if cfg.llmExpansion {
		expander = NewLLMExpander(h.services, nil)
	}

	h.embedder = NewEmbedder(EmbedderConfig{Services: h.services, BatchSize: 8})
	h.retriever = NewRetriever(RetrieverConfig{
		Embedder: h.embedder,
		Index:    h.index,
		Store:    h.store,
		Expander: expander,
	})
	h.ingest = NewIngestService(IngestServiceConfig{
		Store:      h.store,
		Index:      h.index,
		Extractors: extractors.DefaultRegistry(),
		Pipeline:   postprocessors.DefaultPipeline(chunker),
		Embedder:   h.embedder,
		Queue:      cfg.queue,
		Lock:       h.lock,
	})
	h.answer = NewAnswerService(AnswerServiceConfig{
		Retriever:         h.retriever,
		Citations:         citations,
		Services:          h.services,
		GenerationTimeout: cfg.genTime,
	})
	return h, nil
}

// mustIngest uploads a document and fails the test unless it completes.
func (h *harness) mustIngest(t *testing.T, tenantID, filename, body string) *domain.Document {
	t.Helper()
	doc, err := h.ingest.IngestDocument(context.Background(), tenantID, []byte(body), filename, "")
	if err != nil {
		t.Fatalf("ingest %s/%s: %v", tenantID, filename, err)
	}
	if doc.Status != domain.DocumentStatusCompleted {
		t.Fatalf("ingest %s/%s: status %s (%s)", tenantID, filename, doc.Status, doc.Error)
	}
	return doc
}

// recordingQueue is a TaskQueue that only records enqueued tasks.
type recordingQueue struct {
	mu    sync.Mutex
	tasks []*domain.Task
	err   error
}

var _ driven.TaskQueue = (*recordingQueue)(nil)

func (q *recordingQueue) Enqueue(_ context.Context, task *domain.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) Dequeue(context.Context) (*domain.Task, error) { return nil, nil }
func (q *recordingQueue) DequeueWithTimeout(context.Context, int) (*domain.Task, error) {
	return nil, nil
}
func (q *recordingQueue) Ack(context.Context, string) error { return nil }
func (q *recordingQueue) Nack(context.Context, string, string) error { return nil }
func (q *recordingQueue) Fail(context.Context, string, string) error { return nil }
func (q *recordingQueue) GetTask(context.Context, string) (*domain.Task, error) {
	return nil, domain.ErrNotFound
}
func (q *recordingQueue) PurgeTasks(context.Context, int) (int, error) { return 0, nil }
func (q *recordingQueue) Stats(context.Context) (*driven.QueueStats, error) {
	return &driven.QueueStats{}, nil
}
func (q *recordingQueue) Ping(context.Context) error { return nil }
func (q *recordingQueue) Close() error { return nil }

func (q *recordingQueue) Tasks() []*domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*domain.Task(nil), q.tasks...)
}
