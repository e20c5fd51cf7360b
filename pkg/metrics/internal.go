package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements Recorder with in-memory aggregation. It backs the CLI summary
// and lets tests assert on recorded events without a Prometheus registry.
type InternalRecorder struct {
	mu       sync.RWMutex
	counters map[string]int64
}

// Snapshot is a copy of the aggregated counters.
type Snapshot map[string]int64

// NewInternalRecorder returns an empty in-memory recorder.
func NewInternalRecorder() *InternalRecorder {
	return &InternalRecorder{counters: make(map[string]int64)}
}

func (r *InternalRecorder) inc(key string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[key] += n
}

func (r *InternalRecorder) ObservePublish(msgType string) {
	r.inc("publish/"+msgType, 1)
}

func (r *InternalRecorder) ObserveDelivery(agentID, msgType, status string, _ time.Duration) {
	r.inc("delivery/"+agentID+"/"+msgType+"/"+status, 1)
}

func (r *InternalRecorder) ObserveResolution(outcome string) {
	r.inc("resolution/"+outcome, 1)
}

func (r *InternalRecorder) ObserveCircuitState(name, _, to string) {
	r.inc("circuit/"+name+"/"+to, 1)
}

func (r *InternalRecorder) ObserveNarration(provider string, promptTokens int, success bool, _ time.Duration) {
	if success {
		r.inc("narration/"+provider+"/success", 1)
		r.inc("narration/"+provider+"/tokens", int64(promptTokens))
		return
	}
	r.inc("narration/"+provider+"/error", 1)
}

func (r *InternalRecorder) ObservePhase(phase, status string) {
	r.inc("phase/"+phase+"/"+status, 1)
}

func (r *InternalRecorder) ObserveWorkflow(outcome string, _ float64, _ time.Duration) {
	r.inc("workflow/"+outcome, 1)
}

// Count returns the value of one counter key, e.g. "resolution/timeout".
func (r *InternalRecorder) Count(key string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[key]
}

// Snapshot returns a copy of all counters.
func (r *InternalRecorder) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(Snapshot, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}
