package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/coderoom/internal/broadcast"
	"github.com/seantiz/coderoom/internal/engine"
	"github.com/seantiz/coderoom/internal/model"
	"github.com/seantiz/coderoom/internal/queue"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.queue.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleJobEvents streams a job's outcome as server-sent events: one
// "result" event once the job is terminal, then "done".
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for events", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	// Subscribe before re-reading so a result published in between is not
	// missed.
	ch, unsub := s.bus.Subscribe(broadcast.JobTopic(id))
	defer unsub()

	if !model.IsTerminal(job.State) {
		if latest, err := s.queue.Get(r.Context(), id); err == nil {
			job = latest
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	finish := func(payload []byte) {
		if err := writeSSEEvent(w, "result", string(payload)); err != nil {
			return
		}
		_ = writeSSEEvent(w, "done", "stream complete")
		flush()
	}

	if model.IsTerminal(job.State) {
		payload, err := json.Marshal(jobResultEvent(job))
		if err != nil {
			s.logger.Error("encode job result", "job_id", id, "error", err)
			return
		}
		finish(payload)
		return
	}

	_ = writeSSEEvent(w, "status", job.State)
	flush()

	select {
	case msg, ok := <-ch:
		if ok {
			finish(msg.Payload)
		}
	case <-r.Context().Done():
	case <-s.closing:
	}
}

// jobResultEvent renders a terminal job the way workers publish it.
func jobResultEvent(job *model.Job) engine.ResultEvent {
	ev := engine.ResultEvent{
		JobID:  job.ID,
		RoomID: job.RoomID,
		State:  job.State,
		Error:  job.Error,
	}
	if job.Result != nil {
		if job.State == model.StateCompleted {
			ev.Output = job.Result.Stdout
		}
		ev.ExitCode = job.Result.ExitCode
		ev.ExecutionTimeMillis = job.Result.ExecutionTimeMillis
	}
	return ev
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
