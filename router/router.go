// Package router registers the supervisor's plain HTTP endpoints — health
// and metrics — using vanilla net/http (Go 1.22+ mux), the same style as
// the teacher's router package. The control WebSocket endpoint itself is
// mounted directly from cmd/fleetd onto hub.Hub.ServeHTTP, since it isn't
// a request/response handler in the same sense.
package router

import (
	"encoding/json"
	"net/http"

	"github.com/fleetcontrol/fleet-supervisor/fleet"
	"github.com/fleetcontrol/fleet-supervisor/metrics"
)

// New builds the health/metrics HTTP handler for sup.
func New(sup *fleet.Supervisor) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health(sup))
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// health reports fleet composition: worker counts by lifecycle state.
// Adapted from the teacher's router.health, which reported overseer
// connectivity — there is no remote overseer here, so "healthy" instead
// means the supervisor itself is up and able to report its own state.
func health(sup *fleet.Supervisor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		byState := sup.WorkersByState()
		total := 0
		for _, n := range byState {
			total += n
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "ok",
			"workers": total,
			"byState": byState,
		})
	}
}
