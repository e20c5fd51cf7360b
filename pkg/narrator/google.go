package narrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"sommelier/pkg/config"
	"sommelier/pkg/metrics"
)

type googleClient struct {
	apiKey  string
	baseURL string
	model   string

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGoogle returns a Gemini-backed narrator. The SDK client is created on first use
// because it needs a context.
func NewGoogle(cfg *config.NarratorConfig, baseURL string, rec metrics.Recorder) (*LLM, error) {
	key := cfg.APIKey(config.NarratorGoogle)
	if key == "" {
		return nil, errors.New("google narrator: no API key")
	}
	c := &googleClient{apiKey: key, baseURL: baseURL, model: cfg.Model}
	return newLLM(config.NarratorGoogle, cfg, c, rec), nil
}

func (c *googleClient) init(ctx context.Context) error {
	c.once.Do(func() {
		cc := &genai.ClientConfig{APIKey: c.apiKey, Backend: genai.BackendGeminiAPI}
		if c.baseURL != "" {
			cc.HTTPOptions.BaseURL = c.baseURL
		}
		c.client, c.initErr = genai.NewClient(ctx, cc)
	})
	return c.initErr
}

func (c *googleClient) complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	if err := c.init(ctx); err != nil {
		return "", fmt.Errorf("create client: %w", err)
	}

	//nolint:gosec // bounded by configuration
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens:   int32(maxTokens),
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: system}}},
	}
	result, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	return result.Text(), nil
}
