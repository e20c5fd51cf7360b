package kernel

import (
	"encoding/json"
	"net/http"

	"sommelier/pkg/bus"
	"sommelier/pkg/circuit"
	"sommelier/pkg/version"
)

// Health is the body of GET /health.
type Health struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Narrator string            `json:"narrator"`
	Circuits map[string]string `json:"circuits"`
	Bus      bus.Stats         `json:"bus"`
}

// Health reports "ok", or "degraded" while any collaborator circuit is open.
func (k *Kernel) Health() Health {
	h := Health{
		Status:   "ok",
		Version:  version.Version,
		Narrator: k.Narrator.Name(),
		Circuits: k.Coordinator.CircuitStates(),
		Bus:      k.Bus.Stats(),
	}
	for _, state := range h.Circuits {
		if state == circuit.Open.String() {
			h.Status = "degraded"
		}
	}
	if h.Bus.Closed {
		h.Status = "stopped"
	}
	return h
}

func (k *Kernel) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(k.Health()); err != nil {
		k.Logger.Error("Failed to encode health response: %v", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}
