// Package narrator writes the human-readable explanation attached to a recommendation.
//
// The TemplateNarrator needs nothing external. LLM narrators wrap one provider SDK each
// and share prompt construction, token bounding and metrics.
package narrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sommelier/pkg/config"
	"sommelier/pkg/limiter"
	"sommelier/pkg/logx"
	"sommelier/pkg/metrics"
	"sommelier/pkg/proto"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty narration")

// Request is everything a narrator may mention.
type Request struct {
	Primary      *proto.WineOption
	Alternatives []proto.WineOption
	Ingredients  []string
	Dish         string
	Occasion     string
	Preferences  proto.Preferences
}

// FromExplanationRequest converts the bus payload.
func FromExplanationRequest(r *proto.ExplanationRequest) *Request {
	return &Request{
		Primary:      r.Primary,
		Alternatives: r.Alternatives,
		Ingredients:  r.Ingredients,
		Dish:         r.Dish,
		Occasion:     r.Occasion,
		Preferences:  r.Preferences,
	}
}

// Narrator writes an explanation for a pairing.
type Narrator interface {
	Name() string
	Narrate(ctx context.Context, req *Request) (string, error)
}

// completer is the provider-specific half of an LLM narrator.
type completer interface {
	complete(ctx context.Context, system, prompt string, maxTokens int) (string, error)
}

// LLM is a Narrator backed by a language model.
type LLM struct {
	provider  string
	model     string
	client    completer
	prompts   *PromptBuilder
	maxOutput int
	timeout   time.Duration
	limiter   *limiter.Limiter
	metrics   metrics.Recorder
	logger    *logx.Logger
}

func newLLM(provider string, cfg *config.NarratorConfig, client completer, rec metrics.Recorder) *LLM {
	if rec == nil {
		rec = metrics.Nop()
	}
	l := &LLM{
		provider:  provider,
		model:     cfg.Model,
		prompts:   NewPromptBuilder(cfg.MaxPromptTokens),
		maxOutput: cfg.MaxOutputTokens,
		timeout:   cfg.Timeout,
		limiter:   limiter.New(cfg.MaxTokensPerMinute, cfg.MaxConcurrent),
		metrics:   rec,
		logger:    logx.NewLogger("narrator/" + provider),
	}

	policy := DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	if cfg.RetryDelay > 0 {
		policy.InitialDelay = cfg.RetryDelay
	}
	l.client = &retrying{
		next:   client,
		policy: policy,
		onRetry: func(attempt int, err error) {
			l.logger.Debug("Attempt %d via %s failed, retrying: %v", attempt, l.Name(), err)
		},
	}
	return l
}

func (l *LLM) Name() string {
	return l.provider + ":" + l.model
}

// Narrate builds a bounded prompt and asks the model for a short explanation.
func (l *LLM) Narrate(ctx context.Context, req *Request) (string, error) {
	prompt := l.prompts.Build(req)
	if err := l.limiter.Acquire(); err != nil {
		return "", fmt.Errorf("%s narration: %w", l.provider, err)
	}
	defer l.limiter.Release()
	if err := l.limiter.Reserve(prompt.Tokens); err != nil {
		return "", fmt.Errorf("%s narration: %w", l.provider, err)
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := l.client.complete(ctx, systemPrompt, prompt.Text, l.maxOutput)
	text = strings.TrimSpace(text)
	if err == nil && text == "" {
		err = ErrEmptyResponse
	}
	l.metrics.ObserveNarration(l.provider, prompt.Tokens, err == nil, time.Since(start))
	if err != nil {
		l.logger.Warn("Narration via %s failed after %v: %v", l.Name(), time.Since(start), err)
		return "", fmt.Errorf("%s narration: %w", l.provider, err)
	}
	logx.Debug(ctx, "narrator", "%s wrote %d chars from %d prompt tokens (trimmed=%v)", l.Name(), len(text), prompt.Tokens, prompt.Trimmed)
	return text, nil
}

// New builds the narrator selected by cfg.Provider.
func New(cfg *config.NarratorConfig, rec metrics.Recorder) (Narrator, error) {
	switch cfg.Provider {
	case "", config.NarratorTemplate:
		return NewTemplate(), nil
	case config.NarratorAnthropic:
		return NewAnthropic(cfg, "", rec)
	case config.NarratorOpenAI:
		return NewOpenAI(cfg, "", rec)
	case config.NarratorOllama:
		return NewOllama(cfg, rec)
	case config.NarratorGoogle:
		return NewGoogle(cfg, "", rec)
	default:
		return nil, fmt.Errorf("unknown narrator provider %q", cfg.Provider)
	}
}
