// Package kernel wires the sommelier services together: configuration, logging, metrics,
// the message bus, the preferences store, the reference collaborators and the coordinator.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sommelier/pkg/bus"
	"sommelier/pkg/circuit"
	"sommelier/pkg/collab"
	"sommelier/pkg/config"
	"sommelier/pkg/coordinator"
	"sommelier/pkg/logx"
	"sommelier/pkg/metrics"
	"sommelier/pkg/narrator"
	"sommelier/pkg/persistence"
	"sommelier/pkg/proto"
	"sommelier/pkg/version"
)

// SourceCLI identifies requests submitted through Recommend.
const SourceCLI = "cli"

// Kernel owns every long-lived service. Fields are concrete types so callers can reach
// anything they need without type assertions.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config *config.Config
	Logger *logx.Logger

	Registry    *prometheus.Registry
	Metrics     *metrics.PrometheusRecorder
	Bus         *bus.Bus
	Store       *persistence.Store
	Catalog     *collab.Catalog
	Narrator    narrator.Narrator
	Agents      []bus.Agent
	Coordinator *coordinator.Coordinator

	metricsServer *http.Server
	metricsAddr   string
	running       bool
}

// NewKernel builds every service from cfg. Nothing listens or serves until Start.
func NewKernel(parent context.Context, cfg *config.Config) (*Kernel, error) {
	if cfg == nil {
		return nil, errors.New("kernel requires a configuration")
	}
	ctx, cancel := context.WithCancel(parent)

	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
	}

	if err := k.initializeServices(); err != nil {
		cancel()
		k.closeStore()
		return nil, fmt.Errorf("failed to initialize kernel services: %w", err)
	}
	return k, nil
}

func (k *Kernel) initializeServices() error {
	cfg := k.Config
	if cfg.Debug.Enabled {
		logx.SetDebugConfig(true, cfg.Debug.Domains)
	}

	k.Registry = prometheus.NewRegistry()
	k.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	k.Metrics = metrics.NewPrometheusRecorder(k.Registry)

	k.Bus = bus.New(bus.Config{
		DefaultTimeout: cfg.Bus.DefaultTimeout,
		HandlerTimeout: cfg.Bus.HandlerTimeout,
	}, bus.WithMetrics(k.Metrics))

	var err error
	k.Store, err = persistence.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	k.Catalog, err = collab.LoadCatalog(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	k.Narrator, err = narrator.New(&cfg.Narrator, k.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create narrator: %w", err)
	}

	k.Agents = []bus.Agent{
		collab.NewInputValidator(),
		collab.NewPreferenceAgent(k.Store),
		collab.NewRecommender(),
		collab.NewShopper(k.Catalog),
		collab.NewFallbackAgent(),
		collab.NewExplainer(k.Narrator),
	}
	if err := collab.Attach(k.Bus, k.Agents...); err != nil {
		return fmt.Errorf("failed to attach agents: %w", err)
	}

	k.Coordinator = coordinator.New(k.Bus, CoordinatorConfig(cfg), coordinator.WithMetrics(k.Metrics))
	if err := k.Coordinator.Register(); err != nil {
		return err
	}

	k.Logger.Info("Kernel services initialized (narrator %s, store %s, %d catalog wines)",
		k.Narrator.Name(), k.Store.Path(), len(k.Catalog.Wines))
	return nil
}

// CoordinatorConfig maps the file configuration onto the workflow thresholds.
func CoordinatorConfig(cfg *config.Config) coordinator.Config {
	cc := coordinator.DefaultConfig()
	c := cfg.Coordinator
	cc.AgentTimeout = c.AgentTimeout
	cc.MaxRecommendationAttempts = c.MaxRecommendationAttempts
	cc.AcceptQuality = c.AcceptQuality
	cc.RefineQuality = c.RefineQuality
	cc.FallbackConfidenceThreshold = c.FallbackConfidenceThreshold
	cc.RefinementOfferThreshold = c.RefinementOfferThreshold
	cc.MaxShoppingItems = c.MaxShoppingItems
	cc.MaxAlternatives = c.MaxAlternatives
	cc.ExpandedBudgetFactor = c.ExpandedBudgetFactor
	cc.IncludeDecisionLog = c.IncludeDecisionLog
	cc.Breaker = circuit.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: cfg.CircuitBreaker.SuccessThreshold,
		Timeout:          cfg.CircuitBreaker.Timeout,
	}
	return cc
}

// Validate reports every required service that is missing.
func (k *Kernel) Validate() error {
	var missing []error
	check := func(ok bool, name string) {
		if !ok {
			missing = append(missing, fmt.Errorf("kernel: %s is nil", name))
		}
	}
	check(k.Config != nil, "config")
	check(k.Logger != nil, "logger")
	check(k.Registry != nil, "metrics registry")
	check(k.Metrics != nil, "metrics recorder")
	check(k.Bus != nil, "bus")
	check(k.Store != nil, "store")
	check(k.Catalog != nil, "catalog")
	check(k.Narrator != nil, "narrator")
	check(k.Coordinator != nil, "coordinator")
	check(len(k.Agents) > 0, "agents")
	return errors.Join(missing...)
}

// Start validates the kernel and starts the metrics endpoint when enabled.
func (k *Kernel) Start() error {
	if k.running {
		return fmt.Errorf("kernel already running")
	}
	if err := k.Validate(); err != nil {
		return err
	}

	if k.Config.Metrics.Enabled {
		if err := k.startMetricsServer(k.Config.Metrics.Addr); err != nil {
			return err
		}
	}

	k.running = true
	k.Logger.Info("Kernel services started successfully (%s)", version.Version)
	return nil
}

func (k *Kernel) startMetricsServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(k.Registry, promhttp.HandlerOpts{Registry: k.Registry}))
	mux.HandleFunc("/health", k.handleHealth)
	k.metricsServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	k.metricsAddr = ln.Addr().String()
	k.Logger.Info("Serving metrics on http://%s/metrics", k.metricsAddr)

	go func() {
		if err := k.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			k.Logger.Error("Metrics server error: %v", err)
		}
	}()
	return nil
}

// MetricsAddr returns the address the metrics endpoint listens on, or "" when disabled.
func (k *Kernel) MetricsAddr() string {
	return k.metricsAddr
}

// Recommend submits req to the coordinator over the bus and returns its final
// recommendation, including for aborted runs.
func (k *Kernel) Recommend(ctx context.Context, req *proto.RecommendationRequest) (*proto.FinalRecommendation, error) {
	conversationID := proto.NewID()
	env, err := proto.NewEnvelope(proto.EnvelopeParams{
		Type: proto.MsgTypeOrchestrateRequest,
		Payload: proto.OrchestrateRequest{
			UserInput:      *req,
			ConversationID: conversationID,
			SourceAgent:    SourceCLI,
		},
		SourceAgent:    SourceCLI,
		TargetAgent:    proto.AgentCoordinator,
		ConversationID: conversationID,
		CorrelationID:  proto.NewID(),
		UserID:         req.UserID,
		Priority:       proto.PriorityHigh,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	res := k.Bus.SendAndWait(ctx, proto.AgentCoordinator, env, k.recommendTimeout())
	if res.Success {
		final, err := proto.DecodePayload[proto.FinalRecommendation](res.Data)
		if err != nil {
			return nil, fmt.Errorf("unexpected coordinator reply: %w", err)
		}
		return &final, nil
	}
	if res.Error != nil {
		if final, ok := res.Error.Context["recommendation"].(*proto.FinalRecommendation); ok {
			return final, nil
		}
	}
	return nil, res.Err()
}

// recommendTimeout is the handler timeout, raised to fit a worst-case coordinator run.
func (k *Kernel) recommendTimeout() time.Duration {
	return max(k.Config.Bus.HandlerTimeout, k.Coordinator.Config().RunTimeout())
}

// Stop shuts the bus down, stops the metrics endpoint and closes the store.
func (k *Kernel) Stop() error {
	k.Logger.Info("Stopping kernel services...")
	k.cancel()

	grace := k.Config.Bus.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
	defer stopCancel()

	var errs []error
	if k.Bus != nil {
		if err := k.Bus.Shutdown(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("bus shutdown: %w", err))
		}
	}
	if k.metricsServer != nil {
		if err := k.metricsServer.Shutdown(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
		k.metricsServer = nil
	}
	k.closeStore()

	k.running = false
	k.Logger.Info("Kernel services stopped")
	return errors.Join(errs...)
}

func (k *Kernel) closeStore() {
	if k.Store == nil {
		return
	}
	if err := k.Store.Close(); err != nil {
		k.Logger.Error("Error closing store: %v", err)
	}
}
