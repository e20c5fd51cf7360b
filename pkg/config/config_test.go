package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvAnthropicKey, EnvOpenAIKey, EnvGoogleKey, EnvOllamaHost} {
		t.Setenv(key, "")
	}
}

func TestDefaults(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Bus.DefaultTimeout)
	assert.Equal(t, 60*time.Second, cfg.Bus.HandlerTimeout)
	assert.Equal(t, 3, cfg.Coordinator.MaxRecommendationAttempts)
	assert.InDelta(t, 0.8, cfg.Coordinator.AcceptQuality, 1e-9)
	assert.Equal(t, 3, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.Timeout)
	assert.Equal(t, ":memory:", cfg.Storage.Path)
	assert.Equal(t, NarratorTemplate, cfg.Narrator.Provider)
	assert.Equal(t, 3, cfg.Narrator.MaxAttempts)
	assert.Zero(t, cfg.Narrator.MaxTokensPerMinute)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Coordinator.MaxRecommendationAttempts)
}

func TestLoadYAML(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("CATALOG_DIR", "/srv/wine")

	path := filepath.Join(t.TempDir(), "sommelier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bus:
  default_timeout: 5s
coordinator:
  max_recommendation_attempts: 2
  include_decision_log: true
circuit_breaker:
  failure_threshold: 5
  timeout: 1m
catalog:
  path: ${CATALOG_DIR}/catalog.yaml
debug:
  enabled: true
  domains: [bus, coordinator]
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Bus.DefaultTimeout)
	assert.Equal(t, 2, cfg.Coordinator.MaxRecommendationAttempts)
	assert.True(t, cfg.Coordinator.IncludeDecisionLog)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.CircuitBreaker.Timeout)
	assert.Equal(t, "/srv/wine/catalog.yaml", cfg.Catalog.Path)
	assert.Equal(t, []string{"bus", "coordinator"}, cfg.Debug.Domains)
}

func TestLoadJSON(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := FromBytes([]byte(`{"coordinator": {"accept_quality": 0.85}, "metrics": {"enabled": true}}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.85, cfg.Coordinator.AcceptQuality, 1e-9)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestEnvOverrides(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("SOMMELIER_BUS_DEFAULT_TIMEOUT", "250ms")
	t.Setenv("SOMMELIER_COORDINATOR_REFINE_QUALITY", "0.5")
	t.Setenv("SOMMELIER_COORDINATOR_INCLUDE_DECISION_LOG", "true")
	t.Setenv("SOMMELIER_DEBUG_DOMAINS", "bus, circuit")
	t.Setenv("SOMMELIER_NARRATOR_PROVIDER", NarratorOpenAI)
	t.Setenv(EnvOpenAIKey, "sk-test")

	cfg, err := FromBytes([]byte("bus:\n  default_timeout: 9s\n"))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Bus.DefaultTimeout)
	assert.InDelta(t, 0.5, cfg.Coordinator.RefineQuality, 1e-9)
	assert.True(t, cfg.Coordinator.IncludeDecisionLog)
	assert.Equal(t, []string{"bus", "circuit"}, cfg.Debug.Domains)
	assert.Equal(t, "sk-test", cfg.Narrator.APIKey(NarratorOpenAI))
	assert.Equal(t, "gpt-4o-mini", cfg.Narrator.Model)
}

func TestEnvOverrideParseError(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("SOMMELIER_COORDINATOR_MAX_SHOPPING_ITEMS", "lots")
	_, err := FromBytes(nil)
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestValidation(t *testing.T) {
	clearProviderEnv(t)
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"refine above accept", "coordinator: {accept_quality: 0.6, refine_quality: 0.7}", "refine_quality"},
		{"quality out of range", "coordinator: {accept_quality: 1.5}", "accept_quality"},
		{"expanded factor", "coordinator: {expanded_budget_factor: 0.5}", "expanded_budget_factor"},
		{"negative attempts", "coordinator: {max_recommendation_attempts: -1}", "max_recommendation_attempts"},
		{"unknown provider", "narrator: {provider: telepathy}", "telepathy"},
		{"missing key", "narrator: {provider: anthropic}", "API key"},
		{"narrator attempts", "narrator: {max_attempts: -2}", "max_attempts"},
		{"token budget below prompt", "narrator: {max_prompt_tokens: 2000, max_tokens_per_minute: 500}", "max_tokens_per_minute"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromBytes([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMalformedYAML(t *testing.T) {
	_, err := FromBytes([]byte("bus: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestApplySecrets(t *testing.T) {
	cfg := Default()
	cfg.Narrator.OpenAIAPIKey = "from-env"
	cfg.ApplySecrets(map[string]string{
		EnvAnthropicKey: "sk-ant",
		EnvOpenAIKey:    "from-secrets",
	})
	assert.Equal(t, "sk-ant", cfg.Narrator.AnthropicAPIKey)
	assert.Equal(t, "from-env", cfg.Narrator.OpenAIAPIKey, "environment wins over secrets")
}
