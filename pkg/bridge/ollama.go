package bridge

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"workdeck/pkg/bridge/providererr"
	"workdeck/pkg/config"
)

// ollamaClient wraps the Ollama API client for local model serving.
type ollamaClient struct {
	client *api.Client
	model  string
}

func newOllamaClient(hostURL, model string) Client {
	if hostURL == "" {
		hostURL = "http://localhost:11434"
	}
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		parsedURL, _ = url.Parse("http://localhost:11434")
	}

	return &ollamaClient{
		client: api.NewClient(parsedURL, http.DefaultClient),
		model:  model,
	}
}

func (c *ollamaClient) Complete(ctx context.Context, q Query) (Response, error) {
	var messages []api.Message
	if q.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: q.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: q.Prompt})

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": q.Temperature,
			"num_predict": q.MaxTokens,
		},
	}

	var response api.ChatResponse
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		classified := providererr.Classify(err)
		classified.Provider = config.ProviderOllama
		return Response{}, classified
	}
	if response.Message.Content == "" {
		return Response{}, providererr.New(providererr.TypeEmptyResponse, "received empty response from Ollama")
	}

	return Response{
		Content:  response.Message.Content,
		Provider: config.ProviderOllama,
		Model:    c.model,
	}, nil
}

func (c *ollamaClient) Stream(ctx context.Context, q Query) (<-chan StreamChunk, error) {
	var messages []api.Message
	if q.System != "" {
		messages = append(messages, api.Message{Role: "system", Content: q.System})
	}
	messages = append(messages, api.Message{Role: "user", Content: q.Prompt})

	stream := true
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": q.Temperature,
			"num_predict": q.MaxTokens,
		},
	}

	ch := make(chan StreamChunk, 16)
	go func() {
		defer close(ch)
		err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				ch <- StreamChunk{Content: resp.Message.Content}
			}
			return nil
		})
		if err != nil {
			classified := providererr.Classify(err)
			classified.Provider = config.ProviderOllama
			ch <- StreamChunk{Error: classified}
			return
		}
		ch <- StreamChunk{Done: true}
	}()
	return ch, nil
}

func (c *ollamaClient) ListModels(ctx context.Context) ([]string, error) {
	resp, err := c.client.List(ctx)
	if err != nil {
		classified := providererr.Classify(err)
		classified.Provider = config.ProviderOllama
		return nil, classified
	}

	models := make([]string, 0, len(resp.Models))
	for i := range resp.Models {
		models = append(models, resp.Models[i].Name)
	}
	return models, nil
}

func (c *ollamaClient) ModelName() string {
	return c.model
}
