package narrator

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"sommelier/pkg/config"
	"sommelier/pkg/metrics"
)

const defaultOllamaHost = "http://localhost:11434"

type ollamaClient struct {
	client *api.Client
	model  string
}

// NewOllama returns a narrator backed by a local Ollama server.
func NewOllama(cfg *config.NarratorConfig, rec metrics.Recorder) (*LLM, error) {
	host := cfg.OllamaHost
	if host == "" {
		host = defaultOllamaHost
	}
	parsed, err := url.Parse(host)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("ollama narrator: invalid host %q", host)
	}
	c := &ollamaClient{client: api.NewClient(parsed, http.DefaultClient), model: cfg.Model}
	return newLLM(config.NarratorOllama, cfg, c, rec), nil
}

func (c *ollamaClient) complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Stream:  &stream,
		Options: map[string]any{"num_predict": maxTokens},
	}

	var response api.ChatResponse
	if err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	}); err != nil {
		return "", fmt.Errorf("chat: %w", err)
	}
	return response.Message.Content, nil
}
