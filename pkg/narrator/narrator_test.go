package narrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sommelier/pkg/config"
	"sommelier/pkg/metrics"
	"sommelier/pkg/proto"
)

func pairing() *Request {
	return &Request{
		Primary:      &proto.WineOption{Name: "Chablis Premier Cru", Style: "white", Price: 32},
		Alternatives: []proto.WineOption{{Name: "Sancerre"}, {Name: "Muscadet"}},
		Ingredients:  []string{"salmon", "dill"},
		Occasion:     "anniversary",
		Preferences:  proto.Preferences{"sweetness": "dry"},
	}
}

type fakeCompleter struct {
	text   string
	err    error
	prompt string
}

func (f *fakeCompleter) complete(_ context.Context, _, prompt string, _ int) (string, error) {
	f.prompt = prompt
	return f.text, f.err
}

func narratorConfig() *config.NarratorConfig {
	cfg := config.Default().Narrator
	cfg.RetryDelay = time.Millisecond
	return &cfg
}

func TestTemplateNarrator(t *testing.T) {
	text, err := NewTemplate().Narrate(context.Background(), pairing())
	require.NoError(t, err)

	assert.Contains(t, text, "Chablis Premier Cru is our pick for salmon, dill: a white wine at 32.00.")
	assert.Contains(t, text, "preference for dry wines")
	assert.Contains(t, text, "A good fit for anniversary.")
	assert.Contains(t, text, "try Sancerre or Muscadet")
}

func TestTemplateNarratorWithoutPrimary(t *testing.T) {
	text, err := NewTemplate().Narrate(context.Background(), &Request{Dish: "beef stew"})
	require.NoError(t, err)
	assert.Equal(t, "We could not find a wine in stock for beef stew within your budget. Try widening the budget or adjusting the ingredients.", text)
}

func TestLLMNarrate(t *testing.T) {
	rec := metrics.NewInternalRecorder()
	fake := &fakeCompleter{text: "  The acidity lifts the salmon.  "}
	n := newLLM("fake", narratorConfig(), fake, rec)

	text, err := n.Narrate(context.Background(), pairing())
	require.NoError(t, err)
	assert.Equal(t, "The acidity lifts the salmon.", text)
	assert.Contains(t, fake.prompt, "Recommended: Chablis Premier Cru (white) at 32.00")
	assert.Contains(t, fake.prompt, "Alternative: Sancerre")
	assert.Equal(t, int64(1), rec.Count("narration/fake/success"))
	assert.Positive(t, rec.Count("narration/fake/tokens"))
}

func TestLLMNarrateFailures(t *testing.T) {
	rec := metrics.NewInternalRecorder()

	_, err := newLLM("fake", narratorConfig(), &fakeCompleter{text: "   "}, rec).Narrate(context.Background(), pairing())
	assert.True(t, errors.Is(err, ErrEmptyResponse))

	boom := errors.New("rate limited")
	_, err = newLLM("fake", narratorConfig(), &fakeCompleter{err: boom}, rec).Narrate(context.Background(), pairing())
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, int64(2), rec.Count("narration/fake/error"))
}

func TestPromptBounding(t *testing.T) {
	req := pairing()
	for i := 0; i < 200; i++ {
		req.Ingredients = append(req.Ingredients, "ingredient-with-a-long-name")
	}

	full := NewPromptBuilder(0).Build(req)
	assert.False(t, full.Trimmed)

	b := NewPromptBuilder(60)
	p := b.Build(req)
	assert.True(t, p.Trimmed)
	assert.LessOrEqual(t, p.Tokens, 70)
	assert.NotContains(t, p.Text, "Alternative:")
	assert.NotContains(t, p.Text, "Preferences:")
	assert.Len(t, req.Ingredients, 202, "the caller's request is not modified")
	assert.NotEmpty(t, req.Alternatives)
}

func TestTokenCounter(t *testing.T) {
	tc := NewTokenCounter()
	assert.Zero(t, tc.Count(""))
	assert.Positive(t, tc.Count("A crisp white wine with salmon."))
}

func TestNewSelectsProvider(t *testing.T) {
	cfg := narratorConfig()
	n, err := New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "template", n.Name())

	cfg.Provider = config.NarratorOllama
	cfg.Model = "llama3.2"
	n, err = New(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "ollama:llama3.2", n.Name())

	for _, provider := range []string{config.NarratorAnthropic, config.NarratorOpenAI, config.NarratorGoogle} {
		cfg.Provider = provider
		_, err = New(cfg, nil)
		assert.ErrorContains(t, err, "no API key", provider)
	}

	cfg.Provider = "carrier-pigeon"
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg.Provider = config.NarratorOllama
	cfg.OllamaHost = "not a url"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestAnthropicNarrator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"Chablis cuts through the oil."}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":8}}`))
	}))
	defer srv.Close()

	cfg := narratorConfig()
	cfg.Model = "claude-test"
	cfg.AnthropicAPIKey = "sk-test"
	n, err := NewAnthropic(cfg, srv.URL, nil)
	require.NoError(t, err)

	text, err := n.Narrate(context.Background(), pairing())
	require.NoError(t, err)
	assert.Equal(t, "Chablis cuts through the oil.", text)
}

func TestOllamaNarrator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama-test", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "system", req.Messages[0].Role)
			assert.Contains(t, req.Messages[1].Content, "Chablis")
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"llama-test","message":{"role":"assistant","content":"Bright and mineral."},"done":true}` + "\n"))
	}))
	defer srv.Close()

	cfg := narratorConfig()
	cfg.Model = "llama-test"
	cfg.OllamaHost = srv.URL
	n, err := NewOllama(cfg, nil)
	require.NoError(t, err)

	text, err := n.Narrate(context.Background(), pairing())
	require.NoError(t, err)
	assert.Equal(t, "Bright and mineral.", text)
}
