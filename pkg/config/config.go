// Package config provides configuration loading, validation, and defaults for sommelier.
// Files are YAML (JSON parses too), support ${VAR} placeholders and are overlaid with
// SOMMELIER_* environment variables.
package config

import (
	"errors"
	"time"
)

// Narrator providers.
const (
	NarratorTemplate  = "template"
	NarratorAnthropic = "anthropic"
	NarratorOpenAI    = "openai"
	NarratorOllama    = "ollama"
	NarratorGoogle    = "google"
)

// Provider API key environment variables, also used as secret names.
const (
	EnvAnthropicKey = "ANTHROPIC_API_KEY"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvGoogleKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost   = "OLLAMA_HOST"
)

// EnvPrefix is prepended to every environment override, e.g. SOMMELIER_BUS_DEFAULT_TIMEOUT.
const EnvPrefix = "SOMMELIER_"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete runtime configuration.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Config struct {
	Bus            BusConfig         `yaml:"bus"`
	Coordinator    CoordinatorConfig `yaml:"coordinator"`
	CircuitBreaker BreakerConfig     `yaml:"circuit_breaker"`
	Storage        StorageConfig     `yaml:"storage"`
	Catalog        CatalogConfig     `yaml:"catalog"`
	Narrator       NarratorConfig    `yaml:"narrator"`
	Metrics        MetricsConfig     `yaml:"metrics"`
	Debug          DebugConfig       `yaml:"debug"`
}

// BusConfig tunes the message bus.
type BusConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`
}

// CoordinatorConfig mirrors the workflow thresholds.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type CoordinatorConfig struct {
	AgentTimeout                time.Duration `yaml:"agent_timeout"`
	MaxRecommendationAttempts   int           `yaml:"max_recommendation_attempts"`
	AcceptQuality               float64       `yaml:"accept_quality"`
	RefineQuality               float64       `yaml:"refine_quality"`
	FallbackConfidenceThreshold float64       `yaml:"fallback_confidence_threshold"`
	RefinementOfferThreshold    float64       `yaml:"refinement_offer_threshold"`
	MaxShoppingItems            int           `yaml:"max_shopping_items"`
	MaxAlternatives             int           `yaml:"max_alternatives"`
	ExpandedBudgetFactor        float64       `yaml:"expanded_budget_factor"`
	IncludeDecisionLog          bool          `yaml:"include_decision_log"`
}

// BreakerConfig is applied to every monitored collaborator.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// StorageConfig locates the preferences database. ":memory:" keeps everything in process.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// CatalogConfig points at the wine catalog. An empty path uses the built-in catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// NarratorConfig selects how explanations are written.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type NarratorConfig struct {
	Provider        string        `yaml:"provider"`
	Model           string        `yaml:"model"`
	MaxPromptTokens int           `yaml:"max_prompt_tokens"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	SecretsFile     string        `yaml:"secrets_file"`

	// Zero disables the limit.
	MaxTokensPerMinute int `yaml:"max_tokens_per_minute"`
	MaxConcurrent      int `yaml:"max_concurrent"`

	// Credentials are never read from the file; they come from the environment or the
	// encrypted secrets file.
	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	GoogleAPIKey    string `yaml:"-"`
	OllamaHost      string `yaml:"ollama_host"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DebugConfig mirrors the DEBUG and DEBUG_DOMAINS switches.
type DebugConfig struct {
	Enabled bool     `yaml:"enabled"`
	Domains []string `yaml:"domains"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	applyDefaults(&cfg)
	return cfg
}

// APIKey returns the credential for provider, or "" if none is configured.
func (n *NarratorConfig) APIKey(provider string) string {
	switch provider {
	case NarratorAnthropic:
		return n.AnthropicAPIKey
	case NarratorOpenAI:
		return n.OpenAIAPIKey
	case NarratorGoogle:
		return n.GoogleAPIKey
	default:
		return ""
	}
}

// ApplySecrets fills missing credentials from a decrypted secrets map keyed by the
// provider environment variable names.
func (c *Config) ApplySecrets(secrets map[string]string) {
	fill := func(dst *string, key string) {
		if *dst == "" && secrets[key] != "" {
			*dst = secrets[key]
		}
	}
	fill(&c.Narrator.AnthropicAPIKey, EnvAnthropicKey)
	fill(&c.Narrator.OpenAIAPIKey, EnvOpenAIKey)
	fill(&c.Narrator.GoogleAPIKey, EnvGoogleKey)
	fill(&c.Narrator.OllamaHost, EnvOllamaHost)
}
