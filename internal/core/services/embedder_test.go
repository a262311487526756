package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven/mocks"
)

func TestEmbedder_BatchesAndPreservesOrder(t *testing.T) {
	embedding := mocks.NewMockEmbeddingService()
	e := NewEmbedder(EmbedderConfig{Services: createTestServices(embedding, nil), BatchSize: 32})

	texts := make([]string, 70)
	for i := range texts {
		texts[i] = fmt.Sprintf("text number %d about topic %d", i, i%7)
	}

	res, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Vectors) != len(texts) {
		t.Fatalf("expected %d vectors, got %d", len(texts), len(res.Vectors))
	}
	if calls := embedding.Calls(); len(calls) != 3 {
		t.Errorf("expected 3 backend calls, got %d", len(calls))
	}
	if res.Model != "mock-embedding-model" || res.Dimensions != 256 {
		t.Errorf("unexpected model/dims %s/%d", res.Model, res.Dimensions)
	}

	for i, text := range texts {
		want := embedding.Vector(text)
		for d := range want {
			if res.Vectors[i][d] != want[d] {
				t.Fatalf("vector %d differs from embedding its text alone", i)
			}
		}
	}
}

func TestEmbedder_BatchSizeDoesNotChangeVectors(t *testing.T) {
	texts := []string{"alpha beta", "gamma delta", "epsilon", "alpha gamma"}

	var results [][][]float32
	for _, size := range []int{1, 2, 3, 32} {
		e := NewEmbedder(EmbedderConfig{Services: createTestServices(mocks.NewMockEmbeddingService(), nil), BatchSize: size})
		res, err := e.EmbedBatch(context.Background(), texts)
		if err != nil {
			t.Fatalf("batch size %d: %v", size, err)
		}
		results = append(results, res.Vectors)
	}
	for r := 1; r < len(results); r++ {
		for i := range texts {
			for d := range results[0][i] {
				if results[r][i][d] != results[0][i][d] {
					t.Fatalf("batch run %d changed vector %d", r, i)
				}
			}
		}
	}
}

func TestEmbedder_Unavailable(t *testing.T) {
	embedding := mocks.NewMockEmbeddingService()
	e := NewEmbedder(EmbedderConfig{Services: createTestServices(embedding, nil)})

	embedding.SetFailNext(errors.New("connection refused"))
	_, err := e.EmbedBatch(context.Background(), []string{"hello"})
	if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected ErrEmbeddingUnavailable, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Error("embedding outage should be retryable")
	}

	noService := NewEmbedder(EmbedderConfig{Services: createTestServices(nil, nil)})
	if _, err := noService.EmbedBatch(context.Background(), []string{"hello"}); !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Errorf("expected ErrEmbeddingUnavailable without a service, got %v", err)
	}
}

func TestEmbedder_Timeout(t *testing.T) {
	embedding := mocks.NewMockEmbeddingService()
	embedding.EmbedFn = func(ctx context.Context, texts []string) ([][]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	e := NewEmbedder(EmbedderConfig{Services: createTestServices(embedding, nil), Timeout: 20 * time.Millisecond})

	_, err := e.EmbedBatch(context.Background(), []string{"slow"})
	if !errors.Is(err, domain.ErrTimeout) || !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Fatalf("expected timeout wrapped as unavailable, got %v", err)
	}
}

func TestEmbedder_RejectsBadBackendOutput(t *testing.T) {
	embedding := mocks.NewMockEmbeddingService()
	e := NewEmbedder(EmbedderConfig{Services: createTestServices(embedding, nil)})

	embedding.EmbedFn = func(ctx context.Context, texts []string) ([][]float32, error) {
		return [][]float32{{1, 2}}, nil
	}
	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Errorf("count mismatch: expected ErrEmbeddingUnavailable, got %v", err)
	}

	embedding.EmbedFn = func(ctx context.Context, texts []string) ([][]float32, error) {
		return [][]float32{{1, 2}, {1, 2, 3}}, nil
	}
	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); !errors.Is(err, domain.ErrEmbeddingUnavailable) {
		t.Errorf("dimension mismatch: expected ErrEmbeddingUnavailable, got %v", err)
	}
}

func TestEmbedder_StopsBetweenBatchesWhenCancelled(t *testing.T) {
	embedding := mocks.NewMockEmbeddingService()
	ctx, cancel := context.WithCancel(context.Background())
	embedding.EmbedFn = func(_ context.Context, texts []string) ([][]float32, error) {
		cancel()
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1}
		}
		return out, nil
	}
	e := NewEmbedder(EmbedderConfig{Services: createTestServices(embedding, nil), BatchSize: 1})

	_, err := e.EmbedBatch(ctx, []string{"a", "b", "c"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls := embedding.Calls(); len(calls) != 1 {
		t.Errorf("expected the in-flight batch only, got %d calls", len(calls))
	}
}

func TestEmbedder_RateLimited(t *testing.T) {
	e := NewEmbedder(EmbedderConfig{
		Services:          createTestServices(mocks.NewMockEmbeddingService(), nil),
		BatchSize:         1,
		RequestsPerSecond: 1000,
		Burst:             1,
	})
	res, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Vectors) != 3 {
		t.Errorf("expected 3 vectors, got %d", len(res.Vectors))
	}
}
