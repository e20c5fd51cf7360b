// Package metrics provides metrics recording for the bus, breakers, narrators and workflow runs.
package metrics

import "time"

// Outcome labels for response resolution.
const (
	OutcomeReply     = "reply"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeClosed    = "closed"
	OutcomeDropped   = "dropped"
)

// Recorder defines the interface for recording sommelier metrics.
type Recorder interface {
	// ObservePublish counts an envelope handed to the bus.
	ObservePublish(msgType string)

	// ObserveDelivery records one handler invocation. status is "success", "error" or "panic".
	ObserveDelivery(agentID, msgType, status string, duration time.Duration)

	// ObserveResolution counts how a pending request (or stray response) ended.
	ObserveResolution(outcome string)

	// ObserveCircuitState records a breaker transition.
	ObserveCircuitState(name, from, to string)

	// ObserveNarration records an explanation request to a narrator backend.
	ObserveNarration(provider string, promptTokens int, success bool, duration time.Duration)

	// ObservePhase records the outcome of one workflow phase.
	ObservePhase(phase, status string)

	// ObserveWorkflow records a finished orchestration run.
	ObserveWorkflow(outcome string, confidence float64, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) ObservePublish(_ string) {}

func (n *NoopRecorder) ObserveDelivery(_, _, _ string, _ time.Duration) {}

func (n *NoopRecorder) ObserveResolution(_ string) {}

func (n *NoopRecorder) ObserveCircuitState(_, _, _ string) {}

func (n *NoopRecorder) ObserveNarration(_ string, _ int, _ bool, _ time.Duration) {}

func (n *NoopRecorder) ObservePhase(_, _ string) {}

func (n *NoopRecorder) ObserveWorkflow(_ string, _ float64, _ time.Duration) {}
