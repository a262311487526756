package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

func TestOllamaEmbedding_LearnsDimensions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/embed", r.URL.Path)
		var req ollamaEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "my-embedder", req.Model)

		resp := ollamaEmbedResponse{Model: req.Model}
		for range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{0.1, 0.2, 0.3})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	e, err := NewOllamaEmbedding(server.URL, "my-embedder")
	require.NoError(t, err)
	assert.Equal(t, 0, e.Dimensions())

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
	assert.Equal(t, 3, e.Dimensions())
	assert.NoError(t, e.HealthCheck(context.Background()))
}

func TestOllamaEmbedding_KnownModelAndShortReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer server.Close()

	e, err := NewOllamaEmbedding(server.URL, "nomic-embed-text:latest")
	require.NoError(t, err)
	assert.Equal(t, 768, e.Dimensions())

	_, err = e.EmbedQuery(context.Background(), "q")
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}
