package httpapi

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/akili-health/akili-backend/internal/domain/session"
)

type callRequest struct {
	ActorID string `json:"actorId" validate:"required,uuid"`
}

func (s *Server) startCall(w http.ResponseWriter, r *http.Request) {
	s.applyCallTransition(w, r, s.videoSvc.Start)
}

func (s *Server) endCall(w http.ResponseWriter, r *http.Request) {
	s.applyCallTransition(w, r, s.videoSvc.End)
}

func (s *Server) applyCallTransition(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, sessionID, actorID uuid.UUID) (*session.Session, error),
) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req callRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	actorID, _ := uuid.Parse(req.ActorID)

	sess, err := apply(r.Context(), id, actorID)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}
