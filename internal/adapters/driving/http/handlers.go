package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/runtime"
)

// handleHealth reports that the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady probes every dependency; any failure yields 503.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	report := runtime.RunChecks(r.Context(), 5*time.Second, s.checks)
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
		s.logger.Warn("readiness check failed", "components", report.Components)
	}
	writeJSON(w, status, report)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
