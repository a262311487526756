package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

var errNotConfigured = errors.New("not configured")

// Services owns the model handles used by the core: the embedding backend and
// the generation backend. Handles are injected at startup (or swapped later)
// and closed when replaced or when Services is closed.
// Thread-safe for concurrent access.
type Services struct {
	mu sync.RWMutex

	config *domain.RuntimeConfig

	embeddingService driven.EmbeddingService
	llmService       driven.LLMService
}

// NewServices creates an empty registry bound to the runtime configuration
func NewServices(config *domain.RuntimeConfig) *Services {
	return &Services{config: config}
}

// Config returns the runtime configuration
func (s *Services) Config() *domain.RuntimeConfig {
	return s.config
}

// EmbeddingService returns the current embedding handle (may be nil)
func (s *Services) EmbeddingService() driven.EmbeddingService {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.embeddingService
}

// LLMService returns the current generation handle (may be nil)
func (s *Services) LLMService() driven.LLMService {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.llmService
}

// SetEmbeddingService installs svc, closing the handle it replaces.
func (s *Services) SetEmbeddingService(svc driven.EmbeddingService) {
	s.mu.Lock()
	old := s.embeddingService
	s.embeddingService = svc
	s.config.SetEmbeddingAvailable(svc != nil)
	s.mu.Unlock()

	if old != nil && old != svc {
		_ = old.Close()
	}
}

// SetLLMService installs svc, closing the handle it replaces.
func (s *Services) SetLLMService(svc driven.LLMService) {
	s.mu.Lock()
	old := s.llmService
	s.llmService = svc
	s.config.SetLLMAvailable(svc != nil)
	s.mu.Unlock()

	if old != nil && old != svc {
		_ = old.Close()
	}
}

// ValidateAndSetEmbedding health-checks svc before installing it
func (s *Services) ValidateAndSetEmbedding(ctx context.Context, svc driven.EmbeddingService) error {
	if svc == nil {
		s.SetEmbeddingService(nil)
		return nil
	}
	if err := svc.HealthCheck(ctx); err != nil {
		_ = svc.Close()
		return fmt.Errorf("%w: embedding %s: %v", domain.ErrServiceUnavailable, svc.Model(), err)
	}
	s.SetEmbeddingService(svc)
	return nil
}

// ValidateAndSetLLM pings svc before installing it
func (s *Services) ValidateAndSetLLM(ctx context.Context, svc driven.LLMService) error {
	if svc == nil {
		s.SetLLMService(nil)
		return nil
	}
	if err := svc.Ping(ctx); err != nil {
		_ = svc.Close()
		return fmt.Errorf("%w: llm %s: %v", domain.ErrServiceUnavailable, svc.Model(), err)
	}
	s.SetLLMService(svc)
	return nil
}

// Close releases every handle
func (s *Services) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.embeddingService != nil {
		errs = append(errs, s.embeddingService.Close())
		s.embeddingService = nil
	}
	if s.llmService != nil {
		errs = append(errs, s.llmService.Close())
		s.llmService = nil
	}

	s.config.SetEmbeddingAvailable(false)
	s.config.SetLLMAvailable(false)

	return errors.Join(errs...)
}
