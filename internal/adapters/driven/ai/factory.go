package ai

import (
	"fmt"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Supported providers.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// EmbeddingSettings selects and configures an embedding backend.
type EmbeddingSettings struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// LLMSettings selects and configures a generation backend.
type LLMSettings struct {
	Provider    string
	Model       string
	APIKey      string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewEmbeddingService builds the configured embedding backend.
// An empty provider yields nil, nil.
func NewEmbeddingService(s EmbeddingSettings) (driven.EmbeddingService, error) {
	switch strings.ToLower(s.Provider) {
	case "":
		return nil, nil
	case ProviderOpenAI:
		return NewOpenAIEmbedding(s.APIKey, s.Model, s.BaseURL)
	case ProviderOllama:
		return NewOllamaEmbedding(s.BaseURL, s.Model)
	default:
		return nil, fmt.Errorf("%w: embedding provider %q", domain.ErrInvalidProvider, s.Provider)
	}
}

// NewLLMService builds the configured generation backend.
// An empty provider yields nil, nil.
func NewLLMService(s LLMSettings) (driven.LLMService, error) {
	opts := LLMOptions{Temperature: s.Temperature, MaxTokens: s.MaxTokens, Timeout: s.Timeout}
	switch strings.ToLower(s.Provider) {
	case "":
		return nil, nil
	case ProviderOpenAI:
		return NewOpenAILLM(s.APIKey, s.Model, s.BaseURL, opts)
	case ProviderOllama:
		base := s.BaseURL
		if base == "" {
			base = defaultOllamaBaseURL
		}
		base = strings.TrimRight(base, "/")
		if !strings.HasSuffix(base, "/v1") {
			base += "/v1"
		}
		return NewOpenAILLM("", s.Model, base, opts)
	default:
		return nil, fmt.Errorf("%w: LLM provider %q", domain.ErrInvalidProvider, s.Provider)
	}
}
