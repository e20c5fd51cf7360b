package narrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"sommelier/pkg/config"
	"sommelier/pkg/metrics"
)

type anthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropic returns a Claude-backed narrator. baseURL overrides the API endpoint when set.
func NewAnthropic(cfg *config.NarratorConfig, baseURL string, rec metrics.Recorder) (*LLM, error) {
	key := cfg.APIKey(config.NarratorAnthropic)
	if key == "" {
		return nil, errors.New("anthropic narrator: no API key")
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := &anthropicClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(cfg.Model),
	}
	return newLLM(config.NarratorAnthropic, cfg, c, rec), nil
}

func (c *anthropicClient) complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("messages API: %w", err)
	}

	var text string
	for i := range resp.Content {
		if block := &resp.Content[i]; block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return text, nil
}
