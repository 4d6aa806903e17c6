package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	appBooking "github.com/akili-health/akili-backend/internal/application/booking"
	"github.com/akili-health/akili-backend/internal/domain/session"
)

type bookSessionRequest struct {
	ClientRef       string `json:"clientRef" validate:"required,uuid"`
	PsychologistRef string `json:"psychologistRef" validate:"required,uuid"`
	SessionType     string `json:"sessionType" validate:"required,max=64"`
	SessionDate     string `json:"sessionDate" validate:"required"`
	Price           string `json:"price" validate:"required"`
}

func (s *Server) bookSession(w http.ResponseWriter, r *http.Request) {
	var req bookSessionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	clientRef, _ := uuid.Parse(req.ClientRef)
	psychologistRef, _ := uuid.Parse(req.PsychologistRef)
	sessionDate, err := time.Parse(time.RFC3339, req.SessionDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionDate, want RFC3339")
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid price")
		return
	}

	sess, err := s.bookingSvc.Book(r.Context(), appBooking.BookInput{
		ClientRef:       clientRef,
		PsychologistRef: psychologistRef,
		SessionType:     req.SessionType,
		SessionDate:     sessionDate,
		Price:           price,
	})
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	var filter session.Filter
	if v := r.URL.Query().Get("clientRef"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid clientRef")
			return
		}
		filter.ClientRef = &id
	}
	if v := r.URL.Query().Get("psychologistRef"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid psychologistRef")
			return
		}
		filter.PsychologistRef = &id
	}
	if v := r.URL.Query().Get("status"); v != "" {
		st := session.Status(v)
		filter.Status = &st
	}
	if v := r.URL.Query().Get("paymentStatus"); v != "" {
		ps := session.PaymentStatus(v)
		filter.PaymentStatus = &ps
	}
	limit, offset := parseLimitOffset(r, 100, 200)

	sessions, err := s.bookingSvc.List(r.Context(), filter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	sess, err := s.bookingSvc.Get(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) submitSession(w http.ResponseWriter, r *http.Request) {
	s.applyBookingTransition(w, r, s.bookingSvc.Submit)
}

func (s *Server) approveSession(w http.ResponseWriter, r *http.Request) {
	s.applyBookingTransition(w, r, s.bookingSvc.Approve)
}

func (s *Server) declineSession(w http.ResponseWriter, r *http.Request) {
	s.applyBookingTransition(w, r, s.bookingSvc.Decline)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	s.applyBookingTransition(w, r, s.bookingSvc.Cancel)
}

type noShowRequest struct {
	AbsentParty string `json:"absentParty" validate:"required,oneof=CLIENT THERAPIST"`
}

func (s *Server) markNoShow(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req noShowRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	sess, err := s.bookingSvc.MarkNoShow(r.Context(), id, req.AbsentParty == "THERAPIST")
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) applyBookingTransition(
	w http.ResponseWriter,
	r *http.Request,
	apply func(ctx context.Context, id uuid.UUID) (*session.Session, error),
) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	sess, err := apply(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}
