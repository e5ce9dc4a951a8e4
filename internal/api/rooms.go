package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, ok := s.sessions.Snapshot(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "room not found")
		return
	}

	s.writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListSandboxes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sandboxes.List())
}
