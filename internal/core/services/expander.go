package services

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"github.com/custodia-labs/sercha-rag/internal/runtime"
)

const (
	minExpansions = 2
	maxExpansions = 4
)

// QueryExpander rewrites a query into alternative formulations.
// Implementations always return the original query first.
type QueryExpander interface {
	Expand(ctx context.Context, query string) []string
}

var (
	_ QueryExpander = (*RuleExpander)(nil)
	_ QueryExpander = (*LLMExpander)(nil)
)

// questionPrefixes are stripped to turn a question into a statement-like query.
var questionPrefixes = []string{
	"what is", "what are", "what was", "what were", "what does", "what do",
	"who is", "who are", "who was", "where is", "where are", "when is", "when was",
	"when did", "how do i", "how do you", "how does", "how do", "how to", "how is",
	"why is", "why does", "why do", "which", "can you tell me", "tell me about",
	"please explain", "explain", "describe",
}

// clauseSeparators split compound questions into sub-queries.
var clauseSeparators = []string{" and ", " or ", ";", ",", " versus ", " vs "}

// RuleExpander derives sub-queries with deterministic text rules.
// A query of two or more terms always yields at least one rewrite; a
// single-term query has none and comes back alone.
type RuleExpander struct{}

// NewRuleExpander creates a RuleExpander.
func NewRuleExpander() *RuleExpander {
	return &RuleExpander{}
}

// Expand returns the original query followed by up to three rewrites.
func (e *RuleExpander) Expand(_ context.Context, query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	out := newQuerySet(query)

	out.add(keywordQuery(query))
	out.add(stripQuestion(query))
	for _, clause := range splitClauses(stripQuestion(query)) {
		out.add(clause)
	}
	for _, term := range termQueries(query) {
		out.add(term)
	}

	return out.items
}

// termQueries returns one sub-query per content term. A query made only of
// stopwords falls back to its raw terms; a single content term yields nil
// since keywordQuery already isolates it.
func termQueries(query string) []string {
	tokens := tokenize(query)
	if len(tokens) < 2 {
		return nil
	}
	var terms []string
	for _, tok := range tokens {
		if !isStopword(tok) {
			terms = append(terms, tok)
		}
	}
	switch len(terms) {
	case 0:
		return tokens
	case 1:
		return nil
	}
	return terms
}

// keywordQuery drops stopwords and punctuation.
func keywordQuery(query string) string {
	tokens := tokenize(query)
	kept := tokens[:0]
	for _, tok := range tokens {
		if !isStopword(tok) {
			kept = append(kept, tok)
		}
	}
	return strings.Join(kept, " ")
}

func stripQuestion(query string) string {
	q := strings.TrimSpace(strings.TrimRight(query, "?!. "))
	lower := strings.ToLower(q)
	for _, p := range questionPrefixes {
		if strings.HasPrefix(lower, p+" ") {
			return strings.TrimSpace(q[len(p):])
		}
	}
	return q
}

func splitClauses(query string) []string {
	parts := []string{query}
	for _, sep := range clauseSeparators {
		var next []string
		for _, p := range parts {
			for _, s := range strings.Split(p, sep) {
				if s = strings.TrimSpace(s); s != "" {
					next = append(next, s)
				}
			}
		}
		parts = next
	}
	if len(parts) < 2 {
		return nil
	}
	return parts
}

// LLMExpander asks the generation backend for paraphrases and falls back to
// the rule expander when the backend is missing, failing or unhelpful.
type LLMExpander struct {
	services *runtime.Services
	fallback QueryExpander
	logger   *slog.Logger
}

// NewLLMExpander creates an LLMExpander.
func NewLLMExpander(services *runtime.Services, logger *slog.Logger) *LLMExpander {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExpander{
		services: services,
		fallback: NewRuleExpander(),
		logger:   logger,
	}
}

// Expand returns the original query followed by model paraphrases.
func (e *LLMExpander) Expand(ctx context.Context, query string) []string {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}

	if e.services == nil || ctx.Err() != nil {
		return e.fallback.Expand(ctx, query)
	}
	llm := e.services.LLMService()
	if llm == nil {
		return e.fallback.Expand(ctx, query)
	}

	paraphrases, err := llm.ExpandQuery(ctx, query, maxExpansions-1)
	if err != nil {
		e.logger.Warn("query expansion failed, using rules", "error", err)
		return e.fallback.Expand(ctx, query)
	}

	out := newQuerySet(query)
	for _, p := range paraphrases {
		out.add(p)
	}
	if len(out.items) < minExpansions {
		for _, p := range e.fallback.Expand(ctx, query) {
			out.add(p)
		}
	}
	return out.items
}

// querySet keeps unique queries in insertion order, capped at maxExpansions.
type querySet struct {
	seen  map[string]bool
	items []string
}

func newQuerySet(original string) *querySet {
	s := &querySet{seen: make(map[string]bool)}
	s.add(original)
	return s
}

func (s *querySet) add(q string) {
	q = strings.TrimSpace(q)
	if q == "" || len(s.items) >= maxExpansions {
		return
	}
	key := strings.Join(tokenize(q), " ")
	if key == "" || s.seen[key] {
		return
	}
	s.seen[key] = true
	s.items = append(s.items, q)
}

// tokenize lowercases text and splits it into letter/digit runs.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var stopwords = map[string]bool{
	"a": true, "about": true, "an": true, "and": true, "are": true, "as": true,
	"at": true, "be": true, "by": true, "can": true, "did": true, "do": true,
	"does": true, "for": true, "from": true, "how": true, "i": true, "in": true,
	"is": true, "it": true, "its": true, "me": true, "of": true, "on": true,
	"or": true, "our": true, "please": true, "tell": true, "that": true,
	"the": true, "their": true, "there": true, "this": true, "to": true,
	"was": true, "we": true, "were": true, "what": true, "when": true,
	"where": true, "which": true, "who": true, "why": true, "will": true,
	"with": true, "you": true, "your": true,
}

func isStopword(tok string) bool {
	return stopwords[tok]
}
