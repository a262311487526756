package services

import (
	"context"
	"math"
	"sort"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// Reranker rescores candidates against the original query.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []*domain.Candidate) ([]*domain.Candidate, error)
}

var _ Reranker = (*LexicalReranker)(nil)

// DefaultLexicalWeight is the share of the final score taken by the lexical signal.
const DefaultLexicalWeight = 0.7

// LexicalReranker scores candidates by IDF-weighted coverage of the query
// terms, computed over the candidate set, blended with vector similarity.
// It uses no randomness and no external state.
type LexicalReranker struct {
	weight float64
}

// NewLexicalReranker creates a reranker. A weight outside (0,1] falls back
// to DefaultLexicalWeight.
func NewLexicalReranker(weight float64) *LexicalReranker {
	if weight <= 0 || weight > 1 {
		weight = DefaultLexicalWeight
	}
	return &LexicalReranker{weight: weight}
}

// Rerank returns copies of the candidates with RerankScore set, ordered by
// score desc, then similarity desc, then insertion sequence.
func (r *LexicalReranker) Rerank(ctx context.Context, query string, candidates []*domain.Candidate) ([]*domain.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	terms := queryTerms(query)

	docTerms := make([]map[string]bool, len(candidates))
	df := make(map[string]int, len(terms))
	for i, c := range candidates {
		set := make(map[string]bool)
		if c.Chunk != nil {
			for _, tok := range tokenize(c.Chunk.Content()) {
				set[tok] = true
			}
		}
		docTerms[i] = set
		for _, t := range terms {
			if set[t] {
				df[t]++
			}
		}
	}

	n := float64(len(candidates))
	idf := make(map[string]float64, len(terms))
	var total float64
	for _, t := range terms {
		d := float64(df[t])
		idf[t] = math.Log(1 + (n-d+0.5)/(d+0.5))
		total += idf[t]
	}

	out := make([]*domain.Candidate, len(candidates))
	for i, c := range candidates {
		var lexical float64
		if total > 0 {
			var matched float64
			for _, t := range terms {
				if docTerms[i][t] {
					matched += idf[t]
				}
			}
			lexical = matched / total
		}

		cp := *c
		cp.RerankScore = r.weight*lexical + (1-r.weight)*clamp01(c.Similarity)
		out[i] = &cp
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RerankScore != b.RerankScore {
			return a.RerankScore > b.RerankScore
		}
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		return a.Seq < b.Seq
	})

	return out, nil
}

// queryTerms returns the unique non-stopword tokens of query in order.
func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, tok := range tokenize(query) {
		if isStopword(tok) || seen[tok] {
			continue
		}
		seen[tok] = true
		terms = append(terms, tok)
	}
	return terms
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
