// Package bridge routes rendered prompts to model provider backends with
// selection policies, retry, concurrency limits, and fallback chains.
package bridge

import (
	"context"
	"fmt"

	"workdeck/pkg/config"
)

// Query is a single completion request against a provider.
//
//nolint:govet // Logical field grouping preferred over memory optimization
type Query struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float32
}

// Response is the completed result of a Query.
type Response struct {
	Content  string `json:"content"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// StreamChunk is one increment of a streaming response. A chunk with Error
// set is terminal, as is one with Done set.
type StreamChunk struct {
	Content string
	Error   error
	Done    bool
}

// Client is the uniform interface every provider backend implements.
type Client interface {
	// Complete performs a blocking completion.
	Complete(ctx context.Context, q Query) (Response, error)
	// Stream performs a streaming completion. The returned channel is
	// closed after a terminal chunk (Done or Error).
	Stream(ctx context.Context, q Query) (<-chan StreamChunk, error)
	// ListModels returns the model identifiers the provider currently serves.
	ListModels(ctx context.Context) ([]string, error)
	// ModelName returns the configured model for this client.
	ModelName() string
}

// newClient constructs the backend for a configured provider.
func newClient(provider string, cfg config.ProviderConfig) (Client, error) {
	model := cfg.Model
	if model == "" {
		model = config.DefaultModels[provider]
	}

	switch provider {
	case config.ProviderOllama:
		return newOllamaClient(cfg.Host, model), nil
	case config.ProviderAnthropic, config.ProviderOpenAI, config.ProviderGoogle:
		apiKey := config.GetAPIKey(provider)
		if apiKey == "" {
			return nil, fmt.Errorf("no API key configured for %s (set %s)", provider, config.APIKeyEnvVars[provider])
		}
		switch provider {
		case config.ProviderAnthropic:
			return newAnthropicClient(apiKey, model), nil
		case config.ProviderOpenAI:
			return newOpenAIClient(apiKey, model), nil
		default:
			return newGeminiClient(apiKey, model), nil
		}
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}

// completeAsStream adapts a blocking Complete into the Stream shape for
// backends without native streaming support.
func completeAsStream(ctx context.Context, c Client, q Query) <-chan StreamChunk {
	ch := make(chan StreamChunk, 2)
	go func() {
		defer close(ch)
		resp, err := c.Complete(ctx, q)
		if err != nil {
			ch <- StreamChunk{Error: err}
			return
		}
		ch <- StreamChunk{Content: resp.Content}
		ch <- StreamChunk{Done: true}
	}()
	return ch
}
