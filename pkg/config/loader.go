package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sommelier/pkg/logx"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`) //nolint:gochecknoglobals

//nolint:gochecknoglobals
var durationType = reflect.TypeOf(time.Duration(0))

// Load reads the configuration at path. An empty path or a missing file yields the defaults
// with environment overrides applied.
func Load(path string) (Config, error) {
	if path == "" {
		return FromBytes(nil)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		logx.Infof("Config file %s not found, using defaults", path)
		return FromBytes(nil)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := FromBytes(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FromBytes parses, overlays the environment, applies defaults and validates.
func FromBytes(data []byte) (Config, error) {
	var cfg Config

	expanded := envVarRegex.ReplaceAllStringFunc(string(data), func(match string) string {
		if value := os.Getenv(match[2 : len(match)-1]); value != "" {
			return value
		}
		return match
	})
	if strings.TrimSpace(expanded) != "" {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides walks the config by yaml tag, so bus.default_timeout is overridden by
// SOMMELIER_BUS_DEFAULT_TIMEOUT. Provider credentials come from their usual variables.
func applyEnvOverrides(cfg *Config) error {
	if err := applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem(), EnvPrefix); err != nil {
		return err
	}

	n := &cfg.Narrator
	for dst, key := range map[*string]string{
		&n.AnthropicAPIKey: EnvAnthropicKey,
		&n.OpenAIAPIKey:    EnvOpenAIKey,
		&n.GoogleAPIKey:    EnvGoogleKey,
	} {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if n.OllamaHost == "" {
		n.OllamaHost = os.Getenv(EnvOllamaHost)
	}
	return nil
}

func applyEnvOverridesRecursive(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		envKey := prefix + strings.ToUpper(tag)

		if field.Kind() == reflect.Struct {
			if err := applyEnvOverridesRecursive(field, envKey+"_"); err != nil {
				return err
			}
			continue
		}
		if envValue, ok := os.LookupEnv(envKey); ok && envValue != "" {
			if err := setFieldFromEnv(field, envValue); err != nil {
				return fmt.Errorf("%w: %s=%q: %w", ErrInvalid, envKey, envValue, err)
			}
		}
	}
	return nil
}

func setFieldFromEnv(field reflect.Value, envValue string) error {
	if !field.CanSet() {
		return nil
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(envValue)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int:
		n, err := strconv.Atoi(envValue)
		if err != nil {
			return err
		}
		field.SetInt(int64(n))
	case reflect.Float64:
		f, err := strconv.ParseFloat(envValue, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(envValue)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		var items []string
		for _, item := range strings.Split(envValue, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.Bus.DefaultTimeout == 0 {
		cfg.Bus.DefaultTimeout = 30 * time.Second
	}
	if cfg.Bus.HandlerTimeout == 0 {
		cfg.Bus.HandlerTimeout = 60 * time.Second
	}
	if cfg.Bus.ShutdownGrace == 0 {
		cfg.Bus.ShutdownGrace = 5 * time.Second
	}

	c := &cfg.Coordinator
	if c.AgentTimeout == 0 {
		c.AgentTimeout = 10 * time.Second
	}
	if c.MaxRecommendationAttempts == 0 {
		c.MaxRecommendationAttempts = 3
	}
	if c.AcceptQuality == 0 {
		c.AcceptQuality = 0.8
	}
	if c.RefineQuality == 0 {
		c.RefineQuality = 0.6
	}
	if c.FallbackConfidenceThreshold == 0 {
		c.FallbackConfidenceThreshold = 0.7
	}
	if c.RefinementOfferThreshold == 0 {
		c.RefinementOfferThreshold = 0.9
	}
	if c.MaxShoppingItems == 0 {
		c.MaxShoppingItems = 3
	}
	if c.MaxAlternatives == 0 {
		c.MaxAlternatives = 3
	}
	if c.ExpandedBudgetFactor == 0 {
		c.ExpandedBudgetFactor = 1.5
	}

	if cfg.CircuitBreaker.FailureThreshold == 0 {
		cfg.CircuitBreaker.FailureThreshold = 3
	}
	if cfg.CircuitBreaker.SuccessThreshold == 0 {
		cfg.CircuitBreaker.SuccessThreshold = 2
	}
	if cfg.CircuitBreaker.Timeout == 0 {
		cfg.CircuitBreaker.Timeout = 30 * time.Second
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = ":memory:"
	}

	n := &cfg.Narrator
	if n.Provider == "" {
		n.Provider = NarratorTemplate
	}
	if n.MaxPromptTokens == 0 {
		n.MaxPromptTokens = 2000
	}
	if n.MaxOutputTokens == 0 {
		n.MaxOutputTokens = 400
	}
	if n.Timeout == 0 {
		n.Timeout = 20 * time.Second
	}
	if n.MaxAttempts == 0 {
		n.MaxAttempts = 3
	}
	if n.RetryDelay == 0 {
		n.RetryDelay = 250 * time.Millisecond
	}
	if n.Model == "" {
		n.Model = defaultModel(n.Provider)
	}

	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9464"
	}
}

func defaultModel(provider string) string {
	switch provider {
	case NarratorAnthropic:
		return "claude-sonnet-4-5"
	case NarratorOpenAI:
		return "gpt-4o-mini"
	case NarratorOllama:
		return "llama3.2"
	case NarratorGoogle:
		return "gemini-2.0-flash"
	default:
		return ""
	}
}

// Validate checks ranges and cross-field constraints. Every error wraps ErrInvalid.
func Validate(cfg *Config) error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(cfg.Bus.DefaultTimeout > 0, "bus.default_timeout must be positive")
	check(cfg.Bus.HandlerTimeout > 0, "bus.handler_timeout must be positive")

	c := &cfg.Coordinator
	check(c.AgentTimeout > 0, "coordinator.agent_timeout must be positive")
	check(c.MaxRecommendationAttempts >= 1, "coordinator.max_recommendation_attempts must be at least 1")
	check(inUnit(c.AcceptQuality), "coordinator.accept_quality must be within (0,1]")
	check(inUnit(c.RefineQuality), "coordinator.refine_quality must be within (0,1]")
	check(c.RefineQuality < c.AcceptQuality, "coordinator.refine_quality (%.2f) must be below accept_quality (%.2f)", c.RefineQuality, c.AcceptQuality)
	check(inUnit(c.FallbackConfidenceThreshold), "coordinator.fallback_confidence_threshold must be within (0,1]")
	check(inUnit(c.RefinementOfferThreshold), "coordinator.refinement_offer_threshold must be within (0,1]")
	check(c.MaxShoppingItems >= 1, "coordinator.max_shopping_items must be at least 1")
	check(c.MaxAlternatives >= 0, "coordinator.max_alternatives must not be negative")
	check(c.ExpandedBudgetFactor > 1, "coordinator.expanded_budget_factor must be greater than 1")

	b := &cfg.CircuitBreaker
	check(b.FailureThreshold >= 1, "circuit_breaker.failure_threshold must be at least 1")
	check(b.SuccessThreshold >= 1, "circuit_breaker.success_threshold must be at least 1")
	check(b.Timeout > 0, "circuit_breaker.timeout must be positive")

	n := &cfg.Narrator
	switch n.Provider {
	case NarratorTemplate, NarratorOllama:
	case NarratorAnthropic, NarratorOpenAI, NarratorGoogle:
		if n.SecretsFile == "" {
			check(n.APIKey(n.Provider) != "", "narrator.provider %s needs an API key in the environment or secrets_file", n.Provider)
		}
	default:
		check(false, "unknown narrator.provider %q", n.Provider)
	}
	check(n.MaxPromptTokens > 0, "narrator.max_prompt_tokens must be positive")
	check(n.MaxAttempts >= 1, "narrator.max_attempts must be at least 1")
	check(n.MaxTokensPerMinute >= 0, "narrator.max_tokens_per_minute must not be negative")
	check(n.MaxTokensPerMinute == 0 || n.MaxTokensPerMinute >= n.MaxPromptTokens,
		"narrator.max_tokens_per_minute (%d) must cover max_prompt_tokens (%d)", n.MaxTokensPerMinute, n.MaxPromptTokens)
	check(n.MaxConcurrent >= 0, "narrator.max_concurrent must not be negative")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func inUnit(v float64) bool {
	return v > 0 && v <= 1
}
