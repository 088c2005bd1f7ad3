package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleGetServices returns every registered descriptor.
func (s *Server) handleGetServices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.services.ListDescriptors())
}

// handleGetStatus returns a snapshot of every service.
func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.services.Statuses())
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	d, err := s.services.Descriptor(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetServiceStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.services.Status(chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleStart starts a service and enables auto-restart.
// 409 if it is already running.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.services.Start(r.Context(), id); err != nil {
		s.logger.Warn("start failed", "service_id", id, "error", err)
		writeServiceError(w, err)
		return
	}
	s.writeStatus(w, id)
}

// handleStop stops a service and disables auto-restart.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.services.Stop(r.Context(), id, true); err != nil {
		s.logger.Warn("stop failed", "service_id", id, "error", err)
		writeServiceError(w, err)
		return
	}
	s.writeStatus(w, id)
}

// handleRestart stops a service, waits the settle delay and starts it.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.services.Restart(r.Context(), id); err != nil {
		s.logger.Warn("restart failed", "service_id", id, "error", err)
		writeServiceError(w, err)
		return
	}
	s.writeStatus(w, id)
}

func (s *Server) writeStatus(w http.ResponseWriter, id string) {
	snap, err := s.services.Status(id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
