package bridge

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"workdeck/pkg/bridge/providererr"
	"workdeck/pkg/config"
)

// openaiClient wraps the official OpenAI Go client.
type openaiClient struct {
	client openai.Client
	model  string
}

func newOpenAIClient(apiKey, model string) Client {
	return &openaiClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *openaiClient) Complete(ctx context.Context, q Query) (Response, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if q.System != "" {
		messages = append(messages, openai.SystemMessage(q.System))
	}
	messages = append(messages, openai.UserMessage(q.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if q.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(q.MaxTokens))
	}
	if q.Temperature > 0 {
		params.Temperature = openai.Float(float64(q.Temperature))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		classified := providererr.Classify(err)
		classified.Provider = config.ProviderOpenAI
		return Response{}, classified
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Response{}, providererr.New(providererr.TypeEmptyResponse, "received empty response from OpenAI API")
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return Response{}, providererr.New(providererr.TypeEmptyResponse, "response contained no text content")
	}

	return Response{
		Content:  content,
		Provider: config.ProviderOpenAI,
		Model:    c.model,
	}, nil
}

func (c *openaiClient) Stream(ctx context.Context, q Query) (<-chan StreamChunk, error) {
	return completeAsStream(ctx, c, q), nil
}

func (c *openaiClient) ListModels(ctx context.Context) ([]string, error) {
	page, err := c.client.Models.List(ctx)
	if err != nil {
		classified := providererr.Classify(err)
		classified.Provider = config.ProviderOpenAI
		return nil, classified
	}

	models := make([]string, 0, len(page.Data))
	for i := range page.Data {
		models = append(models, page.Data[i].ID)
	}
	return models, nil
}

func (c *openaiClient) ModelName() string {
	return c.model
}
