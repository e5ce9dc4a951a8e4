package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/coderoom/internal/model"
	"github.com/seantiz/coderoom/internal/queue"
)

const maxBodySize = 1 << 20 // 1 MB

// runRequest is the JSON body for POST /v1/run.
type runRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin"`
	RoomID   string `json:"roomId"`
}

// runResponse is returned once the job is queued.
type runResponse struct {
	JobID string `json:"jobId"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if strings.TrimSpace(req.Code) == "" {
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	if strings.TrimSpace(req.Language) == "" {
		s.writeError(w, http.StatusBadRequest, "language is required")
		return
	}

	job, err := s.pool.Submit(r.Context(), model.NewJob{
		Language: req.Language,
		Source:   req.Code,
		Stdin:    req.Stdin,
		RoomID:   req.RoomID,
	})
	if errors.Is(err, queue.ErrQueueFull) {
		s.writeError(w, http.StatusServiceUnavailable, "run queue is full")
		return
	}
	if err != nil {
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "run queue is unavailable")
		return
	}

	s.writeJSON(w, http.StatusAccepted, runResponse{JobID: job.ID})
}

// handleRunStatus answers a poll. Unknown ids are a normal not_found result,
// not a 404, since a job may not be visible yet right after submission.
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := s.status.Poll(r.Context(), id)
	if err != nil {
		s.logger.Error("poll job status", "job_id", id, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "failed to read job status")
		return
	}

	s.writeJSON(w, http.StatusOK, st)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
