package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// RetrieverConfig holds dependencies for Retriever.
type RetrieverConfig struct {
	Embedder *Embedder
	Index    driven.VectorIndex
	Store    driven.MetadataStore
	Expander QueryExpander
	Reranker Reranker
	// SearchTimeout bounds each vector index search (default 10s)
	SearchTimeout time.Duration
	Logger        *slog.Logger
}

// Retriever gathers candidate chunks for a query within one tenant.
type Retriever struct {
	embedder      *Embedder
	index         driven.VectorIndex
	store         driven.MetadataStore
	expander      QueryExpander
	reranker      Reranker
	searchTimeout time.Duration
	logger        *slog.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(cfg RetrieverConfig) *Retriever {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	expander := cfg.Expander
	if expander == nil {
		expander = NewRuleExpander()
	}
	reranker := cfg.Reranker
	if reranker == nil {
		reranker = NewLexicalReranker(DefaultLexicalWeight)
	}
	timeout := cfg.SearchTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Retriever{
		embedder:      cfg.Embedder,
		index:         cfg.Index,
		store:         cfg.Store,
		expander:      expander,
		reranker:      reranker,
		searchTimeout: timeout,
		logger:        logger,
	}
}

// Retrieve returns the ranked candidates for query. When nothing clears the
// similarity threshold it returns a Retrieval with NoContext set together
// with domain.ErrNoRelevantContext.
func (r *Retriever) Retrieve(ctx context.Context, tenantID, query string, opts domain.RetrieveOptions) (*domain.Retrieval, error) {
	if err := domain.ValidateTenantID(tenantID); err != nil {
		return nil, err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", domain.ErrInvalidInput)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	result := &domain.Retrieval{
		Query:    query,
		Strategy: opts.Strategy,
	}

	pool := opts.TopK
	if opts.Strategy == domain.StrategyEnhanced {
		result.Queries = r.expander.Expand(ctx, query)
		pool = opts.TopK * 2
	} else {
		result.Queries = []string{query}
	}
	if len(result.Queries) == 0 {
		result.Queries = []string{query}
	}

	best := make(map[string]domain.VectorHit)
	for i, q := range result.Queries {
		hits, err := r.search(ctx, tenantID, q, pool)
		if err != nil {
			// Only the original query is essential; rewrites are best effort.
			if i == 0 || ctx.Err() != nil {
				return nil, err
			}
			r.logger.Warn("expanded query search failed", "tenant_id", tenantID, "query", q, "error", err)
			continue
		}
		for _, h := range hits {
			if h.TenantID != tenantID {
				return nil, r.crossTenant(tenantID, h.TenantID, h.ChunkID)
			}
			if prev, ok := best[h.ChunkID]; !ok || h.Similarity > prev.Similarity {
				if ok && prev.Seq < h.Seq {
					h.Seq = prev.Seq
				}
				best[h.ChunkID] = h
			}
		}
	}

	threshold := opts.EffectiveThreshold()
	var survivors []domain.VectorHit
	for _, h := range best {
		if h.Similarity >= threshold {
			survivors = append(survivors, h)
		}
	}
	sortHits(survivors)

	candidates, err := r.hydrate(ctx, tenantID, survivors)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		result.NoContext = true
		return result, domain.ErrNoRelevantContext
	}

	if opts.Strategy == domain.StrategyEnhanced {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		candidates, err = r.reranker.Rerank(ctx, query, candidates)
		if err != nil {
			return nil, err
		}
	} else {
		for _, c := range candidates {
			c.RerankScore = c.Similarity
		}
	}

	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}
	result.Candidates = candidates
	return result, nil
}

func (r *Retriever) search(ctx context.Context, tenantID, query string, topK int) ([]domain.VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vector, model, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	searchCtx, cancel := context.WithTimeout(ctx, r.searchTimeout)
	defer cancel()

	hits, err := r.index.Search(searchCtx, tenantID, model, vector, topK)
	if err != nil {
		if errors.Is(searchCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("vector search: %w after %s", domain.ErrTimeout, r.searchTimeout)
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return hits, nil
}

// hydrate loads chunk text and documents for hits, keeping hit order and
// dropping chunks whose document has not completed ingestion.
func (r *Retriever) hydrate(ctx context.Context, tenantID string, hits []domain.VectorHit) ([]*domain.Candidate, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	chunks, err := r.store.GetChunks(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	byID := make(map[string]*domain.Chunk, len(chunks))
	docSet := make(map[string]bool)
	var docIDs []string
	for _, c := range chunks {
		if c.TenantID != tenantID {
			return nil, r.crossTenant(tenantID, c.TenantID, c.ID)
		}
		byID[c.ID] = c
		if !docSet[c.DocumentID] {
			docSet[c.DocumentID] = true
			docIDs = append(docIDs, c.DocumentID)
		}
	}

	docs, err := r.store.GetDocuments(ctx, tenantID, docIDs)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	docByID := make(map[string]*domain.Document, len(docs))
	for _, d := range docs {
		if d.TenantID != tenantID {
			return nil, r.crossTenant(tenantID, d.TenantID, d.ID)
		}
		docByID[d.ID] = d
	}

	candidates := make([]*domain.Candidate, 0, len(hits))
	for _, h := range hits {
		chunk := byID[h.ChunkID]
		if chunk == nil || !chunk.Searchable() {
			continue
		}
		doc := docByID[chunk.DocumentID]
		if doc == nil || doc.Status != domain.DocumentStatusCompleted {
			continue
		}
		candidates = append(candidates, &domain.Candidate{
			Chunk:      chunk,
			Document:   doc,
			Similarity: h.Similarity,
			Seq:        h.Seq,
		})
	}
	return candidates, nil
}

func (r *Retriever) crossTenant(requested, found, id string) error {
	r.logger.Error("cross-tenant data surfaced in query",
		"tenant_id", requested,
		"foreign_tenant_id", found,
		"id", id,
	)
	return fmt.Errorf("%w: %s returned for tenant %s", domain.ErrCrossTenantAccess, id, requested)
}

// sortHits orders by similarity desc, then insertion sequence.
func sortHits(hits []domain.VectorHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		if hits[i].Seq != hits[j].Seq {
			return hits[i].Seq < hits[j].Seq
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
}
