package services

import (
	"context"
	"testing"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

func candidate(id, text string, similarity float64, seq int64) *domain.Candidate {
	return &domain.Candidate{
		Chunk:      &domain.Chunk{ID: id, Text: text},
		Similarity: similarity,
		Seq:        seq,
	}
}

func TestLexicalReranker_FlipsVectorOrder(t *testing.T) {
	r := NewLexicalReranker(DefaultLexicalWeight)

	x := candidate("X", "Quarterly revenue grew in every region this year.", 0.9, 1)
	y := candidate("Y", "The warranty covers battery replacement for two years.", 0.6, 2)

	out, err := r.Rerank(context.Background(), "battery warranty replacement", []*domain.Candidate{x, y})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out[0].Chunk.ID != "Y" || out[1].Chunk.ID != "X" {
		t.Fatalf("expected [Y X], got [%s %s]", out[0].Chunk.ID, out[1].Chunk.ID)
	}
	if out[0].RerankScore <= out[1].RerankScore {
		t.Errorf("expected Y to outscore X: %f vs %f", out[0].RerankScore, out[1].RerankScore)
	}
	if x.RerankScore != 0 {
		t.Error("input candidates must not be modified")
	}
}

func TestLexicalReranker_FallsBackToSimilarity(t *testing.T) {
	r := NewLexicalReranker(DefaultLexicalWeight)

	// Only stopwords in the query: ordering follows similarity, then sequence.
	in := []*domain.Candidate{
		candidate("a", "first text", 0.5, 3),
		candidate("b", "second text", 0.8, 2),
		candidate("c", "third text", 0.5, 1),
	}
	out, err := r.Rerank(context.Background(), "what is the", in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"b", "c", "a"}
	for i, id := range want {
		if out[i].Chunk.ID != id {
			t.Errorf("position %d: expected %s, got %s", i, id, out[i].Chunk.ID)
		}
	}
}

func TestLexicalReranker_Deterministic(t *testing.T) {
	r := NewLexicalReranker(0.5)
	in := []*domain.Candidate{
		candidate("a", "solar panels on the roof", 0.7, 1),
		candidate("b", "roof repair costs", 0.7, 2),
		candidate("c", "solar roof tiles and panels", 0.4, 3),
		candidate("d", "garden fence", 0.7, 4),
	}

	first, _ := r.Rerank(context.Background(), "solar roof panels", in)
	for run := 0; run < 10; run++ {
		again, _ := r.Rerank(context.Background(), "solar roof panels", in)
		for i := range first {
			if first[i].Chunk.ID != again[i].Chunk.ID || first[i].RerankScore != again[i].RerankScore {
				t.Fatalf("run %d differs at %d", run, i)
			}
		}
	}
}

func TestLexicalReranker_ScoresInUnitRange(t *testing.T) {
	r := NewLexicalReranker(2) // out of range, uses default
	out, _ := r.Rerank(context.Background(), "alpha", []*domain.Candidate{
		candidate("a", "alpha", 1.7, 1),
		candidate("b", "beta", -0.3, 2),
	})
	for _, c := range out {
		if c.RerankScore < 0 || c.RerankScore > 1 {
			t.Errorf("%s: score %f outside [0,1]", c.Chunk.ID, c.RerankScore)
		}
	}
}

func TestLexicalReranker_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewLexicalReranker(0).Rerank(ctx, "q", []*domain.Candidate{candidate("a", "q", 1, 1)}); err == nil {
		t.Error("expected cancellation error")
	}
}
