package ai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

var _ driven.EmbeddingService = (*OllamaEmbedding)(nil)

const defaultOllamaBaseURL = "http://localhost:11434"

var ollamaModelDimensions = map[string]int{
	"nomic-embed-text":  768,
	"mxbai-embed-large": 1024,
	"all-minilm":        384,
}

// OllamaEmbedding implements EmbeddingService with Ollama's /api/embed.
// For models not in the table the dimension is learned from the first reply.
type OllamaEmbedding struct {
	model   string
	baseURL string
	client  *http.Client

	mu         sync.RWMutex
	dimensions int
}

// NewOllamaEmbedding creates an Ollama embedding service.
func NewOllamaEmbedding(baseURL, model string) (*OllamaEmbedding, error) {
	if model == "" {
		return nil, fmt.Errorf("%w: ollama embedding model is required", domain.ErrConfiguration)
	}
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaEmbedding{
		model:      model,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: 120 * time.Second},
		dimensions: ollamaModelDimensions[strings.SplitN(model, ":", 2)[0]],
	}, nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

func (o *OllamaEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp ollamaEmbedResponse
	err := postJSON(ctx, o.client, o.baseURL+"/api/embed", nil, ollamaEmbedRequest{
		Model: o.model,
		Input: texts,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: ollama returned %d embeddings for %d inputs",
			domain.ErrServiceUnavailable, len(resp.Embeddings), len(texts))
	}

	o.mu.Lock()
	if o.dimensions == 0 && len(resp.Embeddings[0]) > 0 {
		o.dimensions = len(resp.Embeddings[0])
	}
	o.mu.Unlock()
	return resp.Embeddings, nil
}

func (o *OllamaEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	embeddings, err := o.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// Dimensions returns 0 until the first reply for unknown models.
func (o *OllamaEmbedding) Dimensions() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.dimensions
}

func (o *OllamaEmbedding) Model() string {
	return o.model
}

func (o *OllamaEmbedding) HealthCheck(ctx context.Context) error {
	_, err := o.EmbedQuery(ctx, "health check")
	return err
}

func (o *OllamaEmbedding) Close() error {
	o.client.CloseIdleConnections()
	return nil
}
