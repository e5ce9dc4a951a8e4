package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status string `json:"status"`
	Queue  string `json:"queue"`
}

// handleHealthz reports ok when the run queue answers. A queue that cannot
// be read makes the process unhealthy since no run can be accepted.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if _, err := s.queue.Stats(ctx); err != nil {
		s.logger.Warn("health check: queue unreachable", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unavailable", Queue: "unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Queue: "ok"})
}
