package bridge

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"workdeck/pkg/bridge/providererr"
	"workdeck/pkg/config"
)

// anthropicClient wraps the Anthropic API client.
type anthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

func newAnthropicClient(apiKey, model string) Client {
	return &anthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func (c *anthropicClient) Complete(ctx context.Context, q Query) (Response, error) {
	params := anthropic.MessageNewParams{
		Model: c.model,
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(q.Prompt)},
		}},
		MaxTokens: int64(q.MaxTokens),
	}
	if q.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(q.Temperature))
	}
	if q.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: q.System,
			Type: "text",
		}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		classified := providererr.Classify(err)
		classified.Provider = config.ProviderAnthropic
		return Response{}, classified
	}
	if resp == nil || len(resp.Content) == 0 {
		return Response{}, providererr.New(providererr.TypeEmptyResponse, "received empty or nil response from Anthropic API")
	}

	var text string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	if text == "" {
		return Response{}, providererr.New(providererr.TypeEmptyResponse, "response contained no text content")
	}

	return Response{
		Content:  text,
		Provider: config.ProviderAnthropic,
		Model:    string(c.model),
	}, nil
}

func (c *anthropicClient) Stream(ctx context.Context, q Query) (<-chan StreamChunk, error) {
	return completeAsStream(ctx, c, q), nil
}

func (c *anthropicClient) ListModels(ctx context.Context) ([]string, error) {
	page, err := c.client.Models.List(ctx, anthropic.ModelListParams{})
	if err != nil {
		classified := providererr.Classify(err)
		classified.Provider = config.ProviderAnthropic
		return nil, classified
	}

	models := make([]string, 0, len(page.Data))
	for i := range page.Data {
		models = append(models, page.Data[i].ID)
	}
	return models, nil
}

func (c *anthropicClient) ModelName() string {
	return string(c.model)
}
