package bridge

import (
	"context"
	"sync"

	"google.golang.org/genai"

	"workdeck/pkg/bridge/providererr"
	"workdeck/pkg/config"
)

// geminiClient wraps the Google GenAI client. Client creation requires a
// context, so it is deferred to first use.
type geminiClient struct {
	mu     sync.Mutex
	client *genai.Client
	apiKey string
	model  string
}

func newGeminiClient(apiKey, model string) Client {
	return &geminiClient{
		apiKey: apiKey,
		model:  model,
	}
}

func (c *geminiClient) ensureClient(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  c.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		classified := providererr.Classify(err)
		classified.Provider = config.ProviderGoogle
		return nil, classified
	}
	c.client = client
	return client, nil
}

func (c *geminiClient) Complete(ctx context.Context, q Query) (Response, error) {
	client, err := c.ensureClient(ctx)
	if err != nil {
		return Response{}, err
	}

	contents := []*genai.Content{{
		Role:  "user",
		Parts: []*genai.Part{{Text: q.Prompt}},
	}}

	//nolint:gosec // MaxTokens validated by config, overflow not reachable
	genConfig := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(q.MaxTokens),
	}
	if q.Temperature > 0 {
		temp := q.Temperature
		genConfig.Temperature = &temp
	}
	if q.System != "" {
		genConfig.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: q.System}},
		}
	}

	result, err := client.Models.GenerateContent(ctx, c.model, contents, genConfig)
	if err != nil {
		classified := providererr.Classify(err)
		classified.Provider = config.ProviderGoogle
		return Response{}, classified
	}
	if result == nil || result.Text() == "" {
		return Response{}, providererr.New(providererr.TypeEmptyResponse, "received empty response from Gemini API")
	}

	return Response{
		Content:  result.Text(),
		Provider: config.ProviderGoogle,
		Model:    c.model,
	}, nil
}

func (c *geminiClient) Stream(ctx context.Context, q Query) (<-chan StreamChunk, error) {
	return completeAsStream(ctx, c, q), nil
}

// ListModels returns the configured model. The GenAI SDK's model listing
// surface is unstable across versions, so the probe validates configuration
// rather than enumerating the catalog.
func (c *geminiClient) ListModels(ctx context.Context) ([]string, error) {
	if _, err := c.ensureClient(ctx); err != nil {
		return nil, err
	}
	return []string{c.model}, nil
}

func (c *geminiClient) ModelName() string {
	return c.model
}
