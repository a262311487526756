package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/runtime"
)

// EmbedderConfig configures the Embedder.
type EmbedderConfig struct {
	Services *runtime.Services
	Logger   *slog.Logger

	// BatchSize is the number of texts sent per backend call
	BatchSize int
	// Timeout bounds a single backend call
	Timeout time.Duration
	// RequestsPerSecond throttles backend calls; zero disables throttling
	RequestsPerSecond float64
	Burst             int
}

// DefaultEmbedderConfig returns sensible defaults.
func DefaultEmbedderConfig() EmbedderConfig {
	return EmbedderConfig{
		BatchSize: 32,
		Timeout:   60 * time.Second,
		Burst:     1,
	}
}

// Embedded is the result of one EmbedBatch call.
type Embedded struct {
	Model      string
	Dimensions int
	Vectors    [][]float32
}

// Embedder turns texts into vectors through the injected embedding handle.
// Batching is for throughput only: every text's vector is independent of
// the other texts in its batch.
type Embedder struct {
	services  *runtime.Services
	logger    *slog.Logger
	batchSize int
	timeout   time.Duration
	limiter   *rate.Limiter
}

// NewEmbedder creates an Embedder.
func NewEmbedder(cfg EmbedderConfig) *Embedder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultEmbedderConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}

	e := &Embedder{
		services:  cfg.Services,
		logger:    logger,
		batchSize: cfg.BatchSize,
		timeout:   cfg.Timeout,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return e
}

// BatchSize returns the configured batch size.
func (e *Embedder) BatchSize() int {
	return e.batchSize
}

// Model returns the model of the current embedding handle.
func (e *Embedder) Model() (string, error) {
	svc, err := e.service()
	if err != nil {
		return "", err
	}
	return svc.Model(), nil
}

func (e *Embedder) service() (driven.EmbeddingService, error) {
	if e.services == nil {
		return nil, fmt.Errorf("%w: no embedding service configured", domain.ErrEmbeddingUnavailable)
	}
	svc := e.services.EmbeddingService()
	if svc == nil {
		return nil, fmt.Errorf("%w: no embedding service configured", domain.ErrEmbeddingUnavailable)
	}
	return svc, nil
}

// EmbedBatch returns one vector per text, in input order.
// Cancellation of ctx stops further batches; a batch already sent runs to
// completion or its own timeout.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) (*Embedded, error) {
	svc, err := e.service()
	if err != nil {
		return nil, err
	}

	out := &Embedded{
		Model:      svc.Model(),
		Dimensions: svc.Dimensions(),
		Vectors:    make([][]float32, 0, len(texts)),
	}

	for start := 0; start < len(texts); start += e.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+e.batchSize, len(texts))
		batch := texts[start:end]

		vectors, err := e.call(ctx, svc, batch)
		if err != nil {
			return nil, err
		}
		for i, v := range vectors {
			if len(v) == 0 {
				return nil, fmt.Errorf("%w: empty vector for text %d", domain.ErrEmbeddingUnavailable, start+i)
			}
			if out.Dimensions <= 0 {
				out.Dimensions = len(v)
			}
			if len(v) != out.Dimensions {
				return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d",
					domain.ErrEmbeddingUnavailable, start+i, len(v), out.Dimensions)
			}
		}
		out.Vectors = append(out.Vectors, vectors...)
	}

	return out, nil
}

// EmbedQuery embeds a single query text.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) ([]float32, string, error) {
	res, err := e.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, "", err
	}
	return res.Vectors[0], res.Model, nil
}

func (e *Embedder) call(ctx context.Context, svc driven.EmbeddingService, batch []string) ([][]float32, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	started := time.Now()
	vectors, err := svc.Embed(callCtx, batch)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			e.logger.Warn("embedding batch timed out",
				"model", svc.Model(), "batch_size", len(batch), "timeout", e.timeout)
			return nil, fmt.Errorf("%w: %w after %s", domain.ErrEmbeddingUnavailable, domain.ErrTimeout, e.timeout)
		}
		e.logger.Warn("embedding batch failed",
			"model", svc.Model(), "batch_size", len(batch), "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrEmbeddingUnavailable, err)
	}
	if len(vectors) != len(batch) {
		return nil, fmt.Errorf("%w: backend returned %d vectors for %d texts",
			domain.ErrEmbeddingUnavailable, len(vectors), len(batch))
	}

	e.logger.Debug("embedded batch", "model", svc.Model(), "batch_size", len(batch), "duration", time.Since(started))
	return vectors, nil
}
