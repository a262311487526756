package ai

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

var _ driven.LLMService = (*OpenAILLM)(nil)

// OpenAILLM implements LLMService with the chat completions API. Ollama and
// other compatible servers are reached by pointing baseURL at their /v1 root.
type OpenAILLM struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// LLMOptions tunes generation.
type LLMOptions struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewOpenAILLM creates a chat completions client.
func NewOpenAILLM(apiKey, model, baseURL string, opts LLMOptions) (*OpenAILLM, error) {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	if apiKey == "" && baseURL == defaultOpenAIBaseURL {
		return nil, fmt.Errorf("%w: OpenAI API key is required", domain.ErrConfiguration)
	}
	if model == "" {
		return nil, fmt.Errorf("%w: LLM model is required", domain.ErrConfiguration)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &OpenAILLM{
		apiKey:      apiKey,
		model:       model,
		baseURL:     strings.TrimRight(baseURL, "/"),
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
		client:      &http.Client{Timeout: opts.Timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (l *OpenAILLM) complete(ctx context.Context, messages []chatMessage, maxTokens int) (string, error) {
	var resp chatResponse
	err := postJSON(ctx, l.client, l.baseURL+"/chat/completions", bearer(l.apiKey), chatRequest{
		Model:       l.model,
		Messages:    messages,
		Temperature: l.temperature,
		MaxTokens:   maxTokens,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: completion returned no choices", domain.ErrServiceUnavailable)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Generate sends the prompt as a single user message.
func (l *OpenAILLM) Generate(ctx context.Context, prompt string) (string, error) {
	return l.complete(ctx, []chatMessage{{Role: "user", Content: prompt}}, l.maxTokens)
}

const expandPrompt = `Rewrite the search query below as %d alternative queries that could find the same information.
Return one query per line with no numbering and no other text.

Query: %s`

var listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)

// ExpandQuery asks the model for n rewrites of query. Blank lines, list
// markers, quotes and repeats of the original are dropped.
func (l *OpenAILLM) ExpandQuery(ctx context.Context, query string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	out, err := l.complete(ctx, []chatMessage{{Role: "user", Content: fmt.Sprintf(expandPrompt, n, query)}}, 256)
	if err != nil {
		return nil, err
	}
	return parseExpansions(out, query, n), nil
}

func parseExpansions(out, query string, n int) []string {
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(query)): true}
	var queries []string
	for _, line := range strings.Split(out, "\n") {
		line = listMarker.ReplaceAllString(line, "")
		line = strings.Trim(strings.TrimSpace(line), `"'`)
		key := strings.ToLower(line)
		if line == "" || seen[key] {
			continue
		}
		seen[key] = true
		queries = append(queries, line)
		if len(queries) == n {
			break
		}
	}
	return queries
}

func (l *OpenAILLM) Model() string {
	return l.model
}

// Ping requests a one-token completion.
func (l *OpenAILLM) Ping(ctx context.Context) error {
	_, err := l.complete(ctx, []chatMessage{{Role: "user", Content: "ping"}}, 1)
	return err
}

func (l *OpenAILLM) Close() error {
	l.client.CloseIdleConnections()
	return nil
}
