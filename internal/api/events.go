package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/boardfleet/internal/audit"
)

// handleListEvents returns the lifecycle history of one service, newest
// first.
//
// Query parameters:
//   - action: filter by action (start, stop, crash, restart, spawn_failed)
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.services.Descriptor(id); err != nil {
		writeServiceError(w, err)
		return
	}
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit store not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		ServiceID: id,
		Action:    q.Get("action"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.events.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list service events", "service_id", id, "error", err)
		writeInternalError(w, "failed to list service events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
