package kernel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sommelier/pkg/config"
	"sommelier/pkg/logx"
	"sommelier/pkg/proto"
)

func newTestKernel(t *testing.T, mutate func(cfg *config.Config)) *Kernel {
	t.Helper()
	cfg := config.Default()
	cfg.Coordinator.AgentTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	k, err := NewKernel(context.Background(), &cfg)
	require.NoError(t, err)
	require.NoError(t, k.Start())
	t.Cleanup(func() { _ = k.Stop() })
	return k
}

func TestNewKernel(t *testing.T) {
	k := newTestKernel(t, nil)

	require.NoError(t, k.Validate())
	assert.Equal(t, "template", k.Narrator.Name())
	assert.Len(t, k.Agents, 6)
	assert.Empty(t, k.MetricsAddr(), "metrics endpoint is off by default")
	assert.Equal(t, 3, k.Coordinator.Config().MaxRecommendationAttempts)
}

func TestNewKernelRequiresConfig(t *testing.T) {
	_, err := NewKernel(context.Background(), nil)
	assert.Error(t, err)
}

func TestNewKernelBadCatalog(t *testing.T) {
	cfg := config.Default()
	cfg.Catalog.Path = t.TempDir() + "/missing.yaml"
	_, err := NewKernel(context.Background(), &cfg)
	assert.ErrorContains(t, err, "catalog")
}

func TestValidateReportsMissingServices(t *testing.T) {
	err := (&Kernel{}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus is nil")
	assert.Contains(t, err.Error(), "coordinator is nil")
}

func TestCoordinatorConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Coordinator.MaxAlternatives = 5
	cfg.Coordinator.IncludeDecisionLog = true
	cfg.CircuitBreaker.FailureThreshold = 7

	cc := CoordinatorConfig(&cfg)
	assert.Equal(t, 5, cc.MaxAlternatives)
	assert.True(t, cc.IncludeDecisionLog)
	assert.Equal(t, 7, cc.Breaker.FailureThreshold)
	assert.Equal(t, cfg.Coordinator.AgentTimeout, cc.AgentTimeout)
}

func TestRecommendEndToEnd(t *testing.T) {
	k := newTestKernel(t, func(cfg *config.Config) {
		cfg.Coordinator.IncludeDecisionLog = true
	})

	final, err := k.Recommend(context.Background(), &proto.RecommendationRequest{
		Ingredients: []string{"Salmon", "dill"},
		Budget:      40,
		Occasion:    "dinner party",
		UserID:      "u1",
	})
	require.NoError(t, err)
	require.True(t, final.Success)
	require.NotNil(t, final.Primary)
	assert.Equal(t, "Domaine Laroche Chablis", final.Primary.Name)
	assert.LessOrEqual(t, final.Primary.Price, 40.0)
	assert.NotEmpty(t, final.Alternatives)
	assert.Contains(t, final.Explanation, final.Primary.Name)
	assert.InDelta(t, 0.9, final.Confidence, 1e-9)
	assert.False(t, final.Degraded)
	assert.NotEmpty(t, final.Decisions)
	assert.NotEmpty(t, logx.ConversationLog(final.ConversationID), "run logs are tagged with the conversation")

	assert.Eventually(t, func() bool {
		history, err := k.Store.RecentHistory(context.Background(), "u1", 5)
		return err == nil && len(history) == 1 && history[0].Occasion == "dinner party"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecommendAborted(t *testing.T) {
	k := newTestKernel(t, nil)

	final, err := k.Recommend(context.Background(), &proto.RecommendationRequest{Budget: 40})
	require.NoError(t, err)
	assert.False(t, final.Success)
	require.NotNil(t, final.Error)
	assert.Equal(t, proto.ErrCodeOrchestration, final.Error.Code)
}

func TestRecommendClarification(t *testing.T) {
	k := newTestKernel(t, nil)

	final, err := k.Recommend(context.Background(), &proto.RecommendationRequest{
		Ingredients: []string{"qwxzvkj"},
		Budget:      40,
	})
	require.NoError(t, err)
	assert.False(t, final.Success)
	assert.True(t, final.RequiresClarification)
	assert.NotEmpty(t, final.Suggestions)
}

func TestRecommendAfterStop(t *testing.T) {
	cfg := config.Default()
	k, err := NewKernel(context.Background(), &cfg)
	require.NoError(t, err)
	require.NoError(t, k.Start())
	require.NoError(t, k.Stop())

	_, err = k.Recommend(context.Background(), &proto.RecommendationRequest{Ingredients: []string{"beef"}, Budget: 30})
	require.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	k := newTestKernel(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = "127.0.0.1:0"
	})
	require.NotEmpty(t, k.MetricsAddr())

	_, err := k.Recommend(context.Background(), &proto.RecommendationRequest{Ingredients: []string{"steak"}, Budget: 50})
	require.NoError(t, err)

	resp, err := http.Get("http://" + k.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sommelier_workflows_total")
	assert.Contains(t, string(body), "sommelier_bus_deliveries_total")

	healthResp, err := http.Get("http://" + k.MetricsAddr() + "/health")
	require.NoError(t, err)
	defer healthResp.Body.Close()
	var health Health
	require.NoError(t, json.NewDecoder(healthResp.Body).Decode(&health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "template", health.Narrator)
	assert.Equal(t, "CLOSED", health.Circuits[proto.AgentShopper])
}

func TestHealthReportsOpenCircuit(t *testing.T) {
	k := newTestKernel(t, nil)
	assert.Equal(t, "ok", k.Health().Status)
	assert.Len(t, k.Health().Circuits, 5)

	b := k.Coordinator.Breaker(proto.AgentRecommender)
	for i := 0; i < k.Config.CircuitBreaker.FailureThreshold; i++ {
		b.Record(false)
	}
	health := k.Health()
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "OPEN", health.Circuits[proto.AgentRecommender])

	require.NoError(t, k.Stop())
	assert.Equal(t, "stopped", k.Health().Status)
}

func TestRecommendTimeoutCoversWorstCaseRun(t *testing.T) {
	k := newTestKernel(t, func(cfg *config.Config) {
		cfg.Coordinator.AgentTimeout = 10 * time.Second
		cfg.Coordinator.MaxRecommendationAttempts = 3
		cfg.Bus.HandlerTimeout = time.Minute
	})

	assert.Equal(t, 130*time.Second, k.Coordinator.Config().RunTimeout())
	assert.Equal(t, 130*time.Second, k.recommendTimeout())

	k.Config.Bus.HandlerTimeout = 5 * time.Minute
	assert.Equal(t, 5*time.Minute, k.recommendTimeout())
}
