package driven

import (
	"context"
)

// LLMService is the text-generation backend
type LLMService interface {
	// Generate returns free text for a prompt that already carries its context block
	Generate(ctx context.Context, prompt string) (string, error)

	// ExpandQuery returns paraphrases or sub-queries of the query
	// Useful for improving retrieval recall
	ExpandQuery(ctx context.Context, query string, n int) ([]string, error)

	// Model returns the model name being used
	Model() string

	// Ping verifies the LLM service is available
	Ping(ctx context.Context) error

	// Close releases resources held by the LLM service
	Close() error
}
