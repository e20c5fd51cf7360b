// Command sommelier runs one wine recommendation from the command line.
//
//	sommelier -ingredients "salmon,dill" -budget 40 -occasion "dinner party"
//	sommelier -config sommelier.yaml -user alice -ingredients steak -budget 60 -metrics-dump
//	sommelier -seal-secrets secrets.enc     # encrypts provider keys from the environment
//	sommelier -metrics-query http://prometheus:9090 -window 24h
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"sommelier/internal/kernel"
	"sommelier/pkg/config"
	"sommelier/pkg/logx"
	"sommelier/pkg/metrics"
	"sommelier/pkg/proto"
	"sommelier/pkg/version"
)

// EnvSecretsPassword supplies the secrets password without a prompt.
const EnvSecretsPassword = "SOMMELIER_SECRETS_PASSWORD"

type options struct {
	configPath   string
	ingredients  string
	dish         string
	budget       float64
	occasion     string
	userID       string
	metricsAddr  string
	metricsDump  bool
	metricsQuery string
	window       string
	sealSecrets  string
	serve        bool
	showVersion  bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", os.Getenv("SOMMELIER_CONFIG"), "Path to config file (YAML or JSON)")
	flag.StringVar(&opts.ingredients, "ingredients", "", "Comma-separated ingredients")
	flag.StringVar(&opts.dish, "dish", "", "Dish name (optional)")
	flag.Float64Var(&opts.budget, "budget", 0, "Budget per bottle")
	flag.StringVar(&opts.occasion, "occasion", "", "Occasion (optional)")
	flag.StringVar(&opts.userID, "user", "", "User id for stored preferences and history")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&opts.metricsDump, "metrics-dump", false, "Print collected metrics to stderr after the run")
	flag.StringVar(&opts.metricsQuery, "metrics-query", "", "Print a workflow summary from this Prometheus server and exit")
	flag.StringVar(&opts.window, "window", "1h", "Time window for -metrics-query")
	flag.StringVar(&opts.sealSecrets, "seal-secrets", "", "Encrypt provider credentials from the environment into this file and exit")
	flag.BoolVar(&opts.serve, "serve", false, "Keep serving metrics after the run until interrupted")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version information")
	flag.Parse()

	if opts.showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, &opts, os.Stdout, os.Stderr)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sommelier: %v\n", err)
		os.Exit(1)
	}
}

// run contains the main application logic so defers execute before os.Exit.
func run(ctx context.Context, opts *options, stdout, stderr io.Writer) error {
	switch {
	case opts.sealSecrets != "":
		return sealSecrets(opts.sealSecrets)
	case opts.metricsQuery != "":
		return queryMetrics(ctx, opts.metricsQuery, opts.window, stdout)
	}

	req, err := buildRequest(opts)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = opts.metricsAddr
	}

	k, err := kernel.NewKernel(ctx, &cfg)
	if err != nil {
		return fmt.Errorf("failed to create kernel: %w", err)
	}
	defer func() {
		if stopErr := k.Stop(); stopErr != nil {
			logx.Warnf("Error stopping kernel: %v", stopErr)
		}
	}()
	if err := k.Start(); err != nil {
		return fmt.Errorf("failed to start kernel: %w", err)
	}

	final, err := k.Recommend(ctx, req)
	if err != nil {
		return fmt.Errorf("recommendation failed: %w", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(final); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	if opts.metricsDump {
		if err := metrics.WriteText(stderr, k.Registry); err != nil {
			return err
		}
	}

	if opts.serve && k.MetricsAddr() != "" {
		logx.Infof("Serving metrics on %s until interrupted", k.MetricsAddr())
		<-ctx.Done()
	}

	if !final.Success {
		return errors.New(final.Explanation)
	}
	return nil
}

func buildRequest(opts *options) (*proto.RecommendationRequest, error) {
	ingredients := splitList(opts.ingredients)
	if len(ingredients) == 0 && opts.dish == "" {
		return nil, errors.New("-ingredients or -dish is required")
	}
	if len(ingredients) == 0 {
		ingredients = splitList(strings.ReplaceAll(opts.dish, " ", ","))
	}
	return &proto.RecommendationRequest{
		Ingredients: ingredients,
		Dish:        opts.dish,
		Budget:      opts.budget,
		Occasion:    opts.occasion,
		UserID:      opts.userID,
	}, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadConfig loads the file and, when a secrets file is configured, decrypts it and
// re-validates with the recovered credentials.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.Narrator.SecretsFile == "" {
		return cfg, nil
	}

	password, err := readPassword("Secrets password: ")
	if err != nil {
		return config.Config{}, err
	}
	secrets, err := config.DecryptSecretsFile(cfg.Narrator.SecretsFile, password)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	cfg.ApplySecrets(secrets)

	// Credentials are now in memory; validate as if no secrets file were set.
	check := cfg
	check.Narrator.SecretsFile = ""
	if err := config.Validate(&check); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// sealSecrets encrypts the provider credentials currently set in the environment.
func sealSecrets(path string) error {
	secrets := make(map[string]string)
	for _, key := range []string{config.EnvAnthropicKey, config.EnvOpenAIKey, config.EnvGoogleKey, config.EnvOllamaHost} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if len(secrets) == 0 {
		return errors.New("no provider credentials found in the environment")
	}

	password, err := readPassword("New secrets password: ")
	if err != nil {
		return err
	}
	if os.Getenv(EnvSecretsPassword) == "" {
		confirm, err := readPassword("Confirm password: ")
		if err != nil {
			return err
		}
		if confirm != password {
			return errors.New("passwords do not match")
		}
	}

	if err := config.EncryptSecretsFile(path, password, secrets); err != nil {
		return err
	}
	logx.Infof("Sealed %d credentials into %s", len(secrets), path)
	return nil
}

func readPassword(prompt string) (string, error) {
	if pw := os.Getenv(EnvSecretsPassword); pw != "" {
		return pw, nil
	}
	fd := int(os.Stdin.Fd()) //nolint:gosec // file descriptors fit in int
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal for password prompt; set %s", EnvSecretsPassword)
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	password := string(raw)
	for i := range raw {
		raw[i] = 0
	}
	return password, nil
}

func queryMetrics(ctx context.Context, url, window string, stdout io.Writer) error {
	q, err := metrics.NewQueryService(url)
	if err != nil {
		return err
	}
	summary, err := q.GetWorkflowSummary(ctx, window)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
