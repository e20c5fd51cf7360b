package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// WorkflowSummary aggregates what a Prometheus server has scraped from sommelier instances.
type WorkflowSummary struct {
	Window          string             `json:"window"`
	Runs            map[string]float64 `json:"runs"`
	PhaseFailures   map[string]float64 `json:"phase_failures,omitempty"`
	OpenCircuits    []string           `json:"open_circuits,omitempty"`
	Timeouts        float64            `json:"timeouts"`
	PromptTokens    map[string]float64 `json:"prompt_tokens,omitempty"`
	MeanConfidence  float64            `json:"mean_confidence"`
	MeanDurationSec float64            `json:"mean_duration_seconds"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetWorkflowSummary aggregates run outcomes, failures and narration usage over window
// (a PromQL range such as "1h").
func (q *QueryService) GetWorkflowSummary(ctx context.Context, window string) (*WorkflowSummary, error) {
	if window == "" {
		window = "1h"
	}
	summary := &WorkflowSummary{Window: window}

	var err error
	summary.Runs, err = q.byLabel(ctx, "outcome", fmt.Sprintf(`sum by (outcome) (increase(sommelier_workflows_total[%s]))`, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow outcomes: %w", err)
	}

	summary.PhaseFailures, err = q.byLabel(ctx, "phase",
		fmt.Sprintf(`sum by (phase) (increase(sommelier_workflow_phases_total{status!="ok"}[%s]))`, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query phase failures: %w", err)
	}

	open, err := q.byLabel(ctx, "name", `max by (name) (sommelier_circuit_open) > 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to query circuits: %w", err)
	}
	for name := range open {
		summary.OpenCircuits = append(summary.OpenCircuits, name)
	}
	sort.Strings(summary.OpenCircuits)

	summary.Timeouts, err = q.scalar(ctx, fmt.Sprintf(`sum(increase(sommelier_bus_resolutions_total{outcome="timeout"}[%s]))`, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query timeouts: %w", err)
	}

	summary.PromptTokens, err = q.byLabel(ctx, "provider",
		fmt.Sprintf(`sum by (provider) (increase(sommelier_narrator_prompt_tokens_total[%s]))`, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}

	summary.MeanConfidence, err = q.scalar(ctx, fmt.Sprintf(
		`sum(increase(sommelier_workflow_confidence_sum[%[1]s])) / sum(increase(sommelier_workflow_confidence_count[%[1]s]))`, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query confidence: %w", err)
	}

	summary.MeanDurationSec, err = q.scalar(ctx, fmt.Sprintf(
		`sum(increase(sommelier_workflow_duration_seconds_sum[%[1]s])) / sum(increase(sommelier_workflow_duration_seconds_count[%[1]s]))`, window))
	if err != nil {
		return nil, fmt.Errorf("failed to query duration: %w", err)
	}

	return summary, nil
}

func (q *QueryService) byLabel(ctx context.Context, label, query string) (map[string]float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric[model.LabelName(label)]; ok {
				out[string(name)] = float64(sample.Value)
			}
		}
	}
	return out, nil
}

// scalar returns the first sample of a vector result, or 0 for an empty or NaN result.
func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		if v := float64(vector[0].Value); !math.IsNaN(v) {
			return v, nil
		}
	}
	return 0, nil
}
