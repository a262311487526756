package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

var _ driven.LLMService = (*MockLLMService)(nil)

// MockLLMService is a mock implementation of LLMService for testing
type MockLLMService struct {
	mu      sync.Mutex
	prompts []string

	// GenerateFn overrides Generate when set
	GenerateFn func(ctx context.Context, prompt string) (string, error)
	// ExpandFn overrides ExpandQuery when set
	ExpandFn func(ctx context.Context, query string, n int) ([]string, error)
	PingErr  error
}

// NewMockLLMService creates a new MockLLMService answering with a fixed text
func NewMockLLMService() *MockLLMService {
	return &MockLLMService{}
}

func (m *MockLLMService) Generate(ctx context.Context, prompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	fn := m.GenerateFn
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, prompt)
	}
	return "Answer based on [1].", nil
}

func (m *MockLLMService) ExpandQuery(ctx context.Context, query string, n int) ([]string, error) {
	if m.ExpandFn != nil {
		return m.ExpandFn(ctx, query, n)
	}
	return []string{query}, nil
}

func (m *MockLLMService) Model() string {
	return "mock-llm"
}

func (m *MockLLMService) Ping(ctx context.Context) error {
	return m.PingErr
}

func (m *MockLLMService) Close() error {
	return nil
}

// Prompts returns every prompt passed to Generate.
func (m *MockLLMService) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}
