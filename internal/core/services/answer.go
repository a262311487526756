package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/runtime"
)

// Ensure answerService implements AnswerService
var _ driving.AnswerService = (*answerService)(nil)

// DefaultMaxContextChunks caps the passages handed to generation.
const DefaultMaxContextChunks = 5

// AnswerServiceConfig holds dependencies for the answer orchestrator.
type AnswerServiceConfig struct {
	Retriever *Retriever
	Citations *CitationBuilder
	Services  *runtime.Services

	// GenerationTimeout bounds the generation call (default 20s)
	GenerationTimeout time.Duration
	// MaxContextChunks is used when a query does not set its own
	MaxContextChunks int
	Logger           *slog.Logger
}

type answerService struct {
	retriever         *Retriever
	citations         *CitationBuilder
	services          *runtime.Services
	generationTimeout time.Duration
	maxContextChunks  int
	logger            *slog.Logger
}

// NewAnswerService creates the answer orchestrator.
func NewAnswerService(cfg AnswerServiceConfig) driving.AnswerService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.GenerationTimeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	maxChunks := cfg.MaxContextChunks
	if maxChunks <= 0 {
		maxChunks = DefaultMaxContextChunks
	}

	return &answerService{
		retriever:         cfg.Retriever,
		citations:         cfg.Citations,
		services:          cfg.Services,
		generationTimeout: timeout,
		maxContextChunks:  maxChunks,
		logger:            logger,
	}
}

// Query runs retrieval, generation and citation for one question.
func (s *answerService) Query(ctx context.Context, tenantID, query string, opts domain.QueryOptions) (*domain.AnswerResult, error) {
	start := time.Now()

	retrieval, err := s.retriever.Retrieve(ctx, tenantID, query, opts.RetrieveOptions)
	retrievalTook := time.Since(start)

	result := &domain.AnswerResult{
		Query:     strings.TrimSpace(query),
		TenantID:  tenantID,
		Strategy:  opts.Strategy,
		Citations: []domain.Citation{},
		CreatedAt: start,
	}
	if retrieval != nil {
		result.Strategy = retrieval.Strategy
	}

	switch {
	case errors.Is(err, domain.ErrNoRelevantContext):
		s.noContext(result)
		return s.finish(result, start, retrievalTook, 0), nil
	case err != nil:
		return nil, err
	}

	result.State = domain.AnswerStateHasContext

	limit := opts.MaxContextChunks
	if limit <= 0 {
		limit = s.maxContextChunks
	}
	passages := retrieval.Candidates
	if len(passages) > limit {
		passages = passages[:limit]
	}
	citations := s.citations.BuildAll(passages)

	// A caller that has gone away gets no generation call.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result.State = domain.AnswerStateGenerating
	genStart := time.Now()
	text, genErr := s.generate(ctx, query, passages, citations)
	genTook := time.Since(genStart)

	if genErr != nil {
		s.logger.Warn("generation failed, returning degraded answer",
			"tenant_id", tenantID,
			"error", genErr,
		)
		result.State = domain.AnswerStateGenerationFailed
		s.degrade(result, passages[0], citations[0])
		return s.finish(result, start, retrievalTook, genTook), nil
	}

	if text == s.citations.NoContextAnswer() {
		s.noContext(result)
		return s.finish(result, start, retrievalTook, genTook), nil
	}

	result.State = domain.AnswerStateAnswered
	result.Answer = text
	if used := citedIndexes(text, len(citations)); len(used) > 0 {
		for _, i := range used {
			result.Citations = append(result.Citations, citations[i])
		}
	} else {
		result.Citations = citations
	}
	result.Confidence = AggregateConfidence(result.Citations)
	return s.finish(result, start, retrievalTook, genTook), nil
}

func (s *answerService) generate(ctx context.Context, query string, passages []*domain.Candidate, citations []domain.Citation) (string, error) {
	if s.services == nil || !s.services.Config().CanGenerate() {
		return "", domain.ErrGenerationFailed
	}
	llm := s.services.LLMService()
	if llm == nil {
		return "", domain.ErrGenerationFailed
	}

	prompt := BuildPrompt(strings.TrimSpace(query), passages, citations, s.citations.NoContextAnswer())

	// Already issued generation runs to completion or its own timeout.
	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.generationTimeout)
	defer cancel()

	text, err := llm.Generate(genCtx, prompt)
	if err != nil {
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return "", errors.Join(domain.ErrGenerationFailed, domain.ErrTimeout)
		}
		return "", errors.Join(domain.ErrGenerationFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.ErrGenerationFailed
	}
	return text, nil
}

func (s *answerService) noContext(result *domain.AnswerResult) {
	result.State = domain.AnswerStateNoContext
	result.Answer = s.citations.NoContextAnswer()
	result.Citations = []domain.Citation{}
	result.Confidence = 0
}

// degrade answers with the best passage verbatim and its citation.
func (s *answerService) degrade(result *domain.AnswerResult, best *domain.Candidate, citation domain.Citation) {
	result.State = domain.AnswerStateDegraded
	result.Degraded = true
	result.Answer = best.Chunk.Content()
	result.Citations = []domain.Citation{citation}
	result.Confidence = citation.Confidence
}

func (s *answerService) finish(result *domain.AnswerResult, start time.Time, retrieval, generation time.Duration) *domain.AnswerResult {
	result.Timing = domain.Timing{
		Retrieval:  retrieval,
		Generation: generation,
		Total:      time.Since(start),
	}

	s.logger.Info("query answered",
		"tenant_id", result.TenantID,
		"state", result.State,
		"strategy", result.Strategy,
		"citations", len(result.Citations),
		"confidence", result.Confidence,
		"degraded", result.Degraded,
		"duration", result.Timing.Total,
	)
	return result
}
