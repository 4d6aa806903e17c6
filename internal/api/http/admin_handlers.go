package httpapi

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/akili-health/akili-backend/internal/domain/callback"
)

func (s *Server) scanInvariants(w http.ResponseWriter, r *http.Request) {
	violations, err := s.auditorSvc.Scan(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"violations": violations,
		"count":      len(violations),
	})
}

func (s *Server) listCallbacks(w http.ResponseWriter, r *http.Request) {
	limit, _ := parseLimitOffset(r, 100, 500)

	var (
		events []*callback.Event
		err    error
	)
	if v := r.URL.Query().Get("sessionId"); v != "" {
		id, parseErr := uuid.Parse(v)
		if parseErr != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
			return
		}
		events, err = s.callbackRepo.ListBySession(r.Context(), id, limit)
	} else {
		events, err = s.callbackRepo.ListRecent(r.Context(), limit)
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"callbacks": events})
}
