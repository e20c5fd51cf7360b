package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	publishedTotal   *prometheus.CounterVec
	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	resolutionsTotal *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	circuitChanges   *prometheus.CounterVec
	narrationsTotal  *prometheus.CounterVec
	narrationTokens  *prometheus.CounterVec
	narrationLatency *prometheus.HistogramVec
	phasesTotal      *prometheus.CounterVec
	workflowsTotal   *prometheus.CounterVec
	workflowDuration prometheus.Histogram
	workflowConf     prometheus.Histogram
}

// NewPrometheusRecorder registers the sommelier collectors with reg. A nil reg uses the
// default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		publishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_bus_published_total",
				Help: "Envelopes handed to the bus by message type",
			},
			[]string{"msg_type"},
		),
		deliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_bus_deliveries_total",
				Help: "Handler invocations by agent, message type and status",
			},
			[]string{"agent_id", "msg_type", "status"},
		),
		deliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sommelier_bus_handler_duration_seconds",
				Help:    "Duration of handler invocations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent_id", "msg_type"},
		),
		resolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_bus_resolutions_total",
				Help: "Pending request outcomes (reply, timeout, cancelled, closed, dropped)",
			},
			[]string{"outcome"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sommelier_circuit_open",
				Help: "1 when the named breaker is not closed",
			},
			[]string{"name"},
		),
		circuitChanges: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_circuit_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"name", "from", "to"},
		),
		narrationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_narrator_requests_total",
				Help: "Explanation requests by narrator backend and status",
			},
			[]string{"provider", "status"},
		),
		narrationTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_narrator_prompt_tokens_total",
				Help: "Prompt tokens sent to narrator backends",
			},
			[]string{"provider"},
		),
		narrationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sommelier_narrator_duration_seconds",
				Help:    "Duration of narrator requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
		phasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_workflow_phases_total",
				Help: "Workflow phase outcomes",
			},
			[]string{"phase", "status"},
		),
		workflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sommelier_workflows_total",
				Help: "Completed orchestration runs by outcome",
			},
			[]string{"outcome"},
		),
		workflowDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sommelier_workflow_duration_seconds",
				Help:    "Duration of orchestration runs in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		workflowConf: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "sommelier_workflow_confidence",
				Help:    "Confidence of returned recommendations",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),
	}
}

func (p *PrometheusRecorder) ObservePublish(msgType string) {
	p.publishedTotal.WithLabelValues(msgType).Inc()
}

func (p *PrometheusRecorder) ObserveDelivery(agentID, msgType, status string, duration time.Duration) {
	p.deliveriesTotal.WithLabelValues(agentID, msgType, status).Inc()
	p.deliveryDuration.WithLabelValues(agentID, msgType).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveResolution(outcome string) {
	p.resolutionsTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) ObserveCircuitState(name, from, to string) {
	p.circuitChanges.WithLabelValues(name, from, to).Inc()
	open := 1.0
	if to == "CLOSED" {
		open = 0
	}
	p.circuitState.WithLabelValues(name).Set(open)
}

func (p *PrometheusRecorder) ObserveNarration(provider string, promptTokens int, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.narrationsTotal.WithLabelValues(provider, status).Inc()
	if success {
		p.narrationTokens.WithLabelValues(provider).Add(float64(promptTokens))
	}
	p.narrationLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObservePhase(phase, status string) {
	p.phasesTotal.WithLabelValues(phase, status).Inc()
}

func (p *PrometheusRecorder) ObserveWorkflow(outcome string, confidence float64, duration time.Duration) {
	p.workflowsTotal.WithLabelValues(outcome).Inc()
	p.workflowDuration.Observe(duration.Seconds())
	p.workflowConf.Observe(confidence)
}
