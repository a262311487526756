package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.MetadataStore = (*Store)(nil)

type embeddingKey struct {
	chunkID string
	model   string
}

type embeddingRow struct {
	documentID string
	dimensions int
}

// tenantData is one tenant's partition. Nothing crosses partitions.
type tenantData struct {
	documents  map[string]*domain.Document
	byHash     map[string]string
	chunks     map[string]*domain.Chunk
	docChunks  map[string][]string
	embeddings map[embeddingKey]embeddingRow
}

func newTenantData() *tenantData {
	return &tenantData{
		documents:  make(map[string]*domain.Document),
		byHash:     make(map[string]string),
		chunks:     make(map[string]*domain.Chunk),
		docChunks:  make(map[string][]string),
		embeddings: make(map[embeddingKey]embeddingRow),
	}
}

// Store is an in-memory MetadataStore. Values are copied on the way in
// and out so callers never share state with the store.
type Store struct {
	mu      sync.RWMutex
	tenants map[string]*tenantData
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{tenants: make(map[string]*tenantData)}
}

func (s *Store) tenant(tenantID string) *tenantData {
	return s.tenants[tenantID]
}

func (s *Store) tenantForWrite(tenantID string) *tenantData {
	t := s.tenants[tenantID]
	if t == nil {
		t = newTenantData()
		s.tenants[tenantID] = t
	}
	return t
}

func (s *Store) CreateDocument(ctx context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenantForWrite(doc.TenantID)
	if _, ok := t.byHash[doc.ContentHash]; ok {
		return domain.ErrAlreadyExists
	}
	if _, ok := t.documents[doc.ID]; ok {
		return domain.ErrAlreadyExists
	}
	t.documents[doc.ID] = copyDocument(doc, true)
	t.byHash[doc.ContentHash] = doc.ID
	return nil
}

func (s *Store) GetDocument(ctx context.Context, tenantID, id string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tenant(tenantID)
	if t == nil {
		return nil, domain.ErrNotFound
	}
	doc, ok := t.documents[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyDocument(doc, true), nil
}

func (s *Store) GetDocumentByHash(ctx context.Context, tenantID, contentHash string) (*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tenant(tenantID)
	if t == nil {
		return nil, domain.ErrNotFound
	}
	id, ok := t.byHash[contentHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyDocument(t.documents[id], false), nil
}

func (s *Store) GetDocuments(ctx context.Context, tenantID string, ids []string) ([]*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tenant(tenantID)
	if t == nil {
		return nil, nil
	}
	out := make([]*domain.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := t.documents[id]; ok {
			out = append(out, copyDocument(doc, false))
		}
	}
	return out, nil
}

func (s *Store) ListDocuments(ctx context.Context, tenantID string, limit, offset int) ([]*domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tenant(tenantID)
	if t == nil {
		return []*domain.Document{}, nil
	}
	docs := make([]*domain.Document, 0, len(t.documents))
	for _, doc := range t.documents {
		docs = append(docs, copyDocument(doc, false))
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})

	if offset >= len(docs) {
		return []*domain.Document{}, nil
	}
	docs = docs[offset:]
	if limit > 0 && len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// UpdateDocument persists mutable fields. Identity, hash and content are
// fixed at creation.
func (s *Store) UpdateDocument(ctx context.Context, doc *domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(doc.TenantID)
	if t == nil {
		return domain.ErrNotFound
	}
	existing, ok := t.documents[doc.ID]
	if !ok {
		return domain.ErrNotFound
	}
	existing.Layout = doc.Layout
	existing.Status = doc.Status
	existing.Error = doc.Error
	existing.EmbeddingModel = doc.EmbeddingModel
	existing.ChunkCount = doc.ChunkCount
	existing.UpdatedAt = doc.UpdatedAt
	if doc.CompletedAt != nil {
		at := *doc.CompletedAt
		existing.CompletedAt = &at
	} else {
		existing.CompletedAt = nil
	}
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(tenantID)
	if t == nil {
		return domain.ErrNotFound
	}
	doc, ok := t.documents[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.dropChunks(id)
	delete(t.byHash, doc.ContentHash)
	delete(t.documents, id)
	return nil
}

func (t *tenantData) dropChunks(documentID string) {
	for _, chunkID := range t.docChunks[documentID] {
		delete(t.chunks, chunkID)
	}
	delete(t.docChunks, documentID)
	for key, row := range t.embeddings {
		if row.documentID == documentID {
			delete(t.embeddings, key)
		}
	}
}

func (s *Store) ReplaceChunks(ctx context.Context, tenantID, documentID string, chunks []*domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(tenantID)
	if t == nil {
		return domain.ErrNotFound
	}
	if _, ok := t.documents[documentID]; !ok {
		return domain.ErrNotFound
	}
	for _, c := range chunks {
		if c.DocumentID != documentID || c.TenantID != tenantID {
			return domain.ErrInvalidInput
		}
	}

	t.dropChunks(documentID)
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		cp := *c
		t.chunks[c.ID] = &cp
		ids = append(ids, c.ID)
	}
	t.docChunks[documentID] = ids
	return nil
}

func (s *Store) ListChunks(ctx context.Context, tenantID, documentID string) ([]*domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tenant(tenantID)
	if t == nil {
		return nil, domain.ErrNotFound
	}
	if _, ok := t.documents[documentID]; !ok {
		return nil, domain.ErrNotFound
	}
	out := make([]*domain.Chunk, 0, len(t.docChunks[documentID]))
	for _, id := range t.docChunks[documentID] {
		cp := *t.chunks[id]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out, nil
}

func (s *Store) GetChunks(ctx context.Context, tenantID string, ids []string) ([]*domain.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tenant(tenantID)
	if t == nil {
		return nil, nil
	}
	out := make([]*domain.Chunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := t.chunks[id]; ok {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) SaveEmbeddings(ctx context.Context, tenantID string, embeddings []domain.Embedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tenant(tenantID)
	if t == nil {
		return domain.ErrNotFound
	}
	for _, e := range embeddings {
		if e.TenantID != tenantID {
			return domain.ErrInvalidInput
		}
		if _, ok := t.chunks[e.ChunkID]; !ok {
			return domain.ErrNotFound
		}
	}
	for _, e := range embeddings {
		key := embeddingKey{chunkID: e.ChunkID, model: e.Model}
		row, ok := t.embeddings[key]
		if !ok {
			row = embeddingRow{documentID: e.DocumentID}
		}
		row.dimensions = e.Dimensions
		t.embeddings[key] = row
	}
	return nil
}

func (s *Store) EmbeddingModels(ctx context.Context, tenantID, documentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.tenant(tenantID)
	if t == nil {
		return nil, domain.ErrNotFound
	}
	if _, ok := t.documents[documentID]; !ok {
		return nil, domain.ErrNotFound
	}
	seen := make(map[string]bool)
	var models []string
	for key, row := range t.embeddings {
		if row.documentID == documentID && !seen[key.model] {
			seen[key.model] = true
			models = append(models, key.model)
		}
	}
	sort.Strings(models)
	return models, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func copyDocument(doc *domain.Document, withContent bool) *domain.Document {
	cp := *doc
	if doc.CompletedAt != nil {
		at := *doc.CompletedAt
		cp.CompletedAt = &at
	}
	if withContent {
		cp.Content = append([]byte(nil), doc.Content...)
	} else {
		cp.Content = nil
	}
	return &cp
}
