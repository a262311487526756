package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorIndex = (*VectorIndex)(nil)

type vectorEntry struct {
	chunkID    string
	documentID string
	vector     []float32 // L2-normalized
	seq        int64
}

// partition holds one model's vectors inside a tenant shard.
type partition struct {
	dimensions int
	entries    map[string]*vectorEntry
}

// shard is one tenant's index. Searches never look outside it.
type shard struct {
	mu         sync.RWMutex
	tenantID   string
	seq        int64
	partitions map[string]*partition
}

// VectorIndex is an exact cosine-similarity index sharded by tenant.
type VectorIndex struct {
	mu     sync.RWMutex
	shards map[string]*shard
}

// NewVectorIndex creates an empty index.
func NewVectorIndex() *VectorIndex {
	return &VectorIndex{shards: make(map[string]*shard)}
}

func (x *VectorIndex) shard(tenantID string, create bool) *shard {
	x.mu.RLock()
	s := x.shards[tenantID]
	x.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if s = x.shards[tenantID]; s == nil {
		s = &shard{tenantID: tenantID, partitions: make(map[string]*partition)}
		x.shards[tenantID] = s
	}
	return s
}

// Upsert adds or replaces vectors. A replaced vector keeps its sequence.
func (x *VectorIndex) Upsert(ctx context.Context, tenantID string, embeddings []domain.Embedding) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range embeddings {
		if e.TenantID != tenantID {
			return fmt.Errorf("%w: embedding for chunk %s belongs to tenant %s", domain.ErrInvalidInput, e.ChunkID, e.TenantID)
		}
		if len(e.Vector) == 0 {
			return fmt.Errorf("%w: empty vector for chunk %s", domain.ErrInvalidInput, e.ChunkID)
		}
	}

	s := x.shard(tenantID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching the shard.
	dims := make(map[string]int)
	for _, e := range embeddings {
		want, ok := dims[e.Model]
		if !ok {
			want = len(e.Vector)
			if p := s.partitions[e.Model]; p != nil {
				want = p.dimensions
			}
			dims[e.Model] = want
		}
		if len(e.Vector) != want {
			return fmt.Errorf("%w: chunk %s has %d dimensions, model %s uses %d",
				domain.ErrInvalidInput, e.ChunkID, len(e.Vector), e.Model, want)
		}
	}

	for _, e := range embeddings {
		p := s.partitions[e.Model]
		if p == nil {
			p = &partition{dimensions: len(e.Vector), entries: make(map[string]*vectorEntry)}
			s.partitions[e.Model] = p
		}
		if existing, ok := p.entries[e.ChunkID]; ok {
			existing.documentID = e.DocumentID
			existing.vector = normalize(e.Vector)
			continue
		}
		s.seq++
		p.entries[e.ChunkID] = &vectorEntry{
			chunkID:    e.ChunkID,
			documentID: e.DocumentID,
			vector:     normalize(e.Vector),
			seq:        s.seq,
		}
	}
	return nil
}

// Search scans the tenant's partition for model.
func (x *VectorIndex) Search(ctx context.Context, tenantID, model string, vector []float32, topK int) ([]domain.VectorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	s := x.shard(tenantID, false)
	if s == nil {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := s.partitions[model]
	if p == nil {
		return nil, nil
	}
	if len(vector) != p.dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, model %s uses %d",
			domain.ErrInvalidInput, len(vector), model, p.dimensions)
	}

	q := normalize(vector)
	hits := make([]domain.VectorHit, 0, len(p.entries))
	for _, e := range p.entries {
		hits = append(hits, domain.VectorHit{
			ChunkID:    e.chunkID,
			DocumentID: e.documentID,
			TenantID:   s.tenantID,
			Similarity: dot(q, e.vector),
			Seq:        e.seq,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Seq < hits[j].Seq
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteDocument removes a document's vectors under every model.
func (x *VectorIndex) DeleteDocument(ctx context.Context, tenantID, documentID string) error {
	s := x.shard(tenantID, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.partitions {
		for id, e := range p.entries {
			if e.documentID == documentID {
				delete(p.entries, id)
			}
		}
	}
	return nil
}

// Len returns the number of vectors held for a tenant and model.
func (x *VectorIndex) Len(tenantID, model string) int {
	s := x.shard(tenantID, false)
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.partitions[model]; p != nil {
		return len(p.entries)
	}
	return 0
}

func (x *VectorIndex) HealthCheck(ctx context.Context) error {
	return nil
}

func (x *VectorIndex) Close() error {
	return nil
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	norm := math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
