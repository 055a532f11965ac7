package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Health exposes liveness and readiness endpoints for the daemon.
// Liveness is unconditional; readiness flips once the sync loops are running
// and flips back during shutdown.
type Health struct {
	ready atomic.Bool
}

// NewHealth creates a new health state.
func NewHealth() *Health {
	return &Health{}
}

// SetReady marks the daemon as ready (or not).
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Register installs the /healthz and /readyz routes on mux.
func (h *Health) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, _ *http.Request) {
		if h.ready.Load() {
			writeStatus(w, http.StatusOK, "ready")
			return
		}
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
	})
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
