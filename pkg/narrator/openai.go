package narrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"sommelier/pkg/config"
	"sommelier/pkg/metrics"
)

type openAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAI returns a narrator over the OpenAI Responses API.
func NewOpenAI(cfg *config.NarratorConfig, baseURL string, rec metrics.Recorder) (*LLM, error) {
	key := cfg.APIKey(config.NarratorOpenAI)
	if key == "" {
		return nil, errors.New("openai narrator: no API key")
	}
	opts := []option.RequestOption{option.WithAPIKey(key)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	c := &openAIClient{client: openai.NewClient(opts...), model: cfg.Model}
	return newLLM(config.NarratorOpenAI, cfg, c, rec), nil
}

func (c *openAIClient) complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	resp, err := c.client.Responses.New(ctx, responses.ResponseNewParams{
		Model:           c.model,
		Instructions:    openai.String(system),
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(prompt)},
	})
	if err != nil {
		return "", fmt.Errorf("responses API: %w", err)
	}
	if resp == nil {
		return "", ErrEmptyResponse
	}
	return resp.OutputText(), nil
}
