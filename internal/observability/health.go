package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// EngineState is the lifecycle phase reported by the health endpoints.
// It mirrors the supervisor's phases: the engine is routable only
// while ready; during drain the ingestion listener is already
// answering 503, and readyz agrees.
type EngineState string

const (
	StateStarting EngineState = "starting"
	StateReady    EngineState = "ready"
	StateDraining EngineState = "draining"
	StateStopped  EngineState = "stopped"
)

// HealthServer exposes /healthz and /readyz for the engine. healthz
// answers 200 while the process lives; readyz answers 200 only in the
// ready state, so a supervisor stops routing traffic as soon as drain
// begins.
type HealthServer struct {
	state   atomic.Value // EngineState
	started time.Time
}

// NewHealthServer creates a health server in the starting state.
func NewHealthServer() *HealthServer {
	h := &HealthServer{started: time.Now()}
	h.state.Store(StateStarting)
	return h
}

// SetState records the engine's lifecycle phase.
func (h *HealthServer) SetState(s EngineState) {
	h.state.Store(s)
}

// State returns the current lifecycle phase.
func (h *HealthServer) State() EngineState {
	return h.state.Load().(EngineState)
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"state":  string(h.State()),
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	state := h.State()
	if state == StateReady {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]string{"state": string(state)})
}
