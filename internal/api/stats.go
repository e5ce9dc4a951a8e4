package api

import (
	"net/http"

	"github.com/seantiz/coderoom/internal/session"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total           int            `json:"total"`
	ByState         map[string]int `json:"by_state"`
	ByLanguage      map[string]int `json:"by_language"`
	AvgDurationMS   float64        `json:"avg_duration_ms"`
	Workers         int            `json:"workers"`
	ExecTimeoutSecs float64        `json:"exec_timeout_s"`
	Sessions        session.Stats  `json:"sessions"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("get queue stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	opts := s.pool.Options()
	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:           stats.Total,
		ByState:         stats.CountByState,
		ByLanguage:      stats.CountByLanguage,
		AvgDurationMS:   stats.AvgDurationMS,
		Workers:         opts.Workers,
		ExecTimeoutSecs: opts.ExecTimeout.Seconds(),
		Sessions:        s.sessions.Stats(),
	})
}
