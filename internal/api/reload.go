package api

import (
	"net/http"

	"go.uber.org/zap"
)

// ReloadHandler refreshes partners, devices, campaigns, and creatives from
// Postgres and rebuilds the Catalog index.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := nowFn()
	const endpoint, method = "reload", "POST"

	if err := s.Reload(); err != nil {
		s.Logger.Error("reload failed", zap.Error(err))
		s.Metrics.IncrementRequests(endpoint, method, "500")
		s.Metrics.RecordRequestLatency(endpoint, method, nowFn().Sub(start))
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}

	s.Metrics.IncrementRequests(endpoint, method, "204")
	s.Metrics.RecordRequestLatency(endpoint, method, nowFn().Sub(start))
	w.WriteHeader(http.StatusNoContent)
}
