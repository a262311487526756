package domain

import (
	"fmt"
	"math"
	"time"
)

// Strategy selects how the retriever gathers candidates.
type Strategy string

const (
	// StrategySimple embeds the query once and searches once.
	StrategySimple Strategy = "simple"
	// StrategyEnhanced expands the query, unions the results and reranks.
	StrategyEnhanced Strategy = "enhanced"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategySimple || s == StrategyEnhanced
}

const (
	DefaultTopK      = 10
	MaxTopK          = 100
	DefaultThreshold = 0.3
)

// RetrieveOptions tunes a single retrieval.
type RetrieveOptions struct {
	Strategy Strategy `json:"strategy"`
	TopK     int      `json:"top_k"`
	// Threshold is the minimum cosine similarity a candidate must reach.
	// Nil means DefaultThreshold.
	Threshold *float64 `json:"threshold,omitempty"`
}

// DefaultRetrieveOptions returns the options used when a caller sends none.
func DefaultRetrieveOptions() RetrieveOptions {
	return RetrieveOptions{Strategy: StrategyEnhanced, TopK: DefaultTopK}
}

// EffectiveThreshold returns the threshold to apply.
func (o RetrieveOptions) EffectiveThreshold() float64 {
	if o.Threshold == nil {
		return DefaultThreshold
	}
	return *o.Threshold
}

// Validate normalizes defaults and rejects thresholds outside [0,1], NaN included.
func (o *RetrieveOptions) Validate() error {
	if o.Strategy == "" {
		o.Strategy = StrategyEnhanced
	}
	if !o.Strategy.Valid() {
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, o.Strategy)
	}
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.TopK > MaxTopK {
		o.TopK = MaxTopK
	}
	if th := o.EffectiveThreshold(); math.IsNaN(th) || th < 0 || th > 1 {
		return fmt.Errorf("%w: similarity threshold %v outside [0,1]", ErrConfiguration, th)
	}
	return nil
}

// Candidate is a retrieved chunk with its scores.
type Candidate struct {
	Chunk       *Chunk    `json:"chunk"`
	Document    *Document `json:"document"`
	Similarity  float64   `json:"similarity"`
	RerankScore float64   `json:"rerank_score"`
	Seq         int64     `json:"seq"`
}

// Retrieval is the outcome of one retrieval call.
type Retrieval struct {
	Query      string       `json:"query"`
	Queries    []string     `json:"queries"`
	Strategy   Strategy     `json:"strategy"`
	Candidates []*Candidate `json:"candidates"`
	// NoContext is set when nothing survived the similarity threshold.
	NoContext bool `json:"no_context"`
}

// Citation is a localized pointer back to the chunk backing an answer.
type Citation struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id"`
	Filename    string  `json:"filename"`
	Reference   string  `json:"reference"`
	Similarity  float64 `json:"similarity"`
	RerankScore float64 `json:"rerank_score"`
	Confidence  float64 `json:"confidence"`
	Excerpt     string  `json:"excerpt"`
}

// AnswerState is a state of the answer orchestration machine.
type AnswerState string

const (
	AnswerStateNoContext        AnswerState = "NO_CONTEXT"
	AnswerStateHasContext       AnswerState = "HAS_CONTEXT"
	AnswerStateGenerating       AnswerState = "GENERATING"
	AnswerStateAnswered         AnswerState = "ANSWERED"
	AnswerStateGenerationFailed AnswerState = "GENERATION_FAILED"
	AnswerStateDegraded         AnswerState = "DEGRADED_ANSWER"
)

// Timing records per-stage latency of one answer.
type Timing struct {
	Retrieval  time.Duration `json:"retrieval"`
	Generation time.Duration `json:"generation"`
	Total      time.Duration `json:"total"`
}

// AnswerResult is the structured answer returned to callers.
type AnswerResult struct {
	Query      string      `json:"query"`
	TenantID   string      `json:"tenant_id"`
	Answer     string      `json:"answer"`
	Citations  []Citation  `json:"citations"`
	Confidence float64     `json:"confidence"`
	Strategy   Strategy    `json:"strategy"`
	State      AnswerState `json:"state"`
	Degraded   bool        `json:"degraded"`
	Timing     Timing      `json:"timing"`
	CreatedAt  time.Time   `json:"created_at"`
}

// QueryOptions are the caller-facing answer options.
type QueryOptions struct {
	RetrieveOptions
	// MaxContextChunks caps how many candidates are passed to generation.
	MaxContextChunks int `json:"max_context_chunks"`
}
