package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// mockEmbeddingService is a mock implementation for testing
type mockEmbeddingService struct {
	healthCheckErr error
	closed         bool
}

func (m *mockEmbeddingService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

func (m *mockEmbeddingService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return nil, nil
}

func (m *mockEmbeddingService) Dimensions() int { return 384 }

func (m *mockEmbeddingService) Model() string { return "test-model" }

func (m *mockEmbeddingService) HealthCheck(ctx context.Context) error {
	return m.healthCheckErr
}

func (m *mockEmbeddingService) Close() error {
	m.closed = true
	return nil
}

// mockLLMService is a mock implementation for testing
type mockLLMService struct {
	pingErr error
	closed  bool
}

func (m *mockLLMService) Generate(ctx context.Context, prompt string) (string, error) {
	return "", nil
}

func (m *mockLLMService) ExpandQuery(ctx context.Context, query string, n int) ([]string, error) {
	return nil, nil
}

func (m *mockLLMService) Model() string { return "test-llm" }

func (m *mockLLMService) Ping(ctx context.Context) error {
	return m.pingErr
}

func (m *mockLLMService) Close() error {
	m.closed = true
	return nil
}

func newTestServices() *Services {
	return NewServices(domain.NewRuntimeConfig("memory", "memory"))
}

func TestServices_EmbeddingService(t *testing.T) {
	services := newTestServices()

	if services.EmbeddingService() != nil {
		t.Fatal("expected no embedding service initially")
	}

	svc := &mockEmbeddingService{}
	services.SetEmbeddingService(svc)

	if services.EmbeddingService() != svc {
		t.Error("expected embedding service to be set")
	}
	if !services.Config().EmbeddingAvailable() {
		t.Error("expected embedding to be flagged available")
	}

	services.SetEmbeddingService(nil)
	if !svc.closed {
		t.Error("expected replaced service to be closed")
	}
	if services.Config().EmbeddingAvailable() {
		t.Error("expected embedding to be flagged unavailable")
	}
}

func TestServices_SetSameServiceDoesNotClose(t *testing.T) {
	services := newTestServices()
	svc := &mockEmbeddingService{}

	services.SetEmbeddingService(svc)
	services.SetEmbeddingService(svc)

	if svc.closed {
		t.Error("re-installing the same handle must not close it")
	}
}

func TestServices_ValidateAndSetEmbedding(t *testing.T) {
	services := newTestServices()
	ctx := context.Background()

	bad := &mockEmbeddingService{healthCheckErr: errors.New("connection refused")}
	err := services.ValidateAndSetEmbedding(ctx, bad)
	if !errors.Is(err, domain.ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
	if !bad.closed {
		t.Error("expected failing service to be closed")
	}
	if services.EmbeddingService() != nil {
		t.Error("expected failing service not to be installed")
	}

	good := &mockEmbeddingService{}
	if err := services.ValidateAndSetEmbedding(ctx, good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if services.EmbeddingService() != good {
		t.Error("expected healthy service to be installed")
	}
}

func TestServices_ValidateAndSetLLM(t *testing.T) {
	services := newTestServices()
	ctx := context.Background()

	bad := &mockLLMService{pingErr: errors.New("timeout")}
	if err := services.ValidateAndSetLLM(ctx, bad); err == nil {
		t.Fatal("expected error")
	}
	if services.Config().LLMAvailable() {
		t.Error("expected LLM to stay unavailable")
	}

	good := &mockLLMService{}
	if err := services.ValidateAndSetLLM(ctx, good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !services.Config().CanGenerate() {
		t.Error("expected generation to be available")
	}
}

func TestServices_Close(t *testing.T) {
	services := newTestServices()
	emb := &mockEmbeddingService{}
	llm := &mockLLMService{}
	services.SetEmbeddingService(emb)
	services.SetLLMService(llm)

	if err := services.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !emb.closed || !llm.closed {
		t.Error("expected all handles to be closed")
	}
	if services.EmbeddingService() != nil || services.LLMService() != nil {
		t.Error("expected handles to be cleared")
	}
}
