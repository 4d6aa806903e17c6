package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	appAuditor "github.com/akili-health/akili-backend/internal/application/auditor"
	appBooking "github.com/akili-health/akili-backend/internal/application/booking"
	appPayment "github.com/akili-health/akili-backend/internal/application/payment"
	appVideo "github.com/akili-health/akili-backend/internal/application/video"
	"github.com/akili-health/akili-backend/internal/domain/callback"
	domainPayment "github.com/akili-health/akili-backend/internal/domain/payment"
	"github.com/akili-health/akili-backend/internal/domain/session"
	"github.com/akili-health/akili-backend/internal/infrastructure/sse"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	bookingSvc        *appBooking.Service
	paymentSvc        *appPayment.Service
	videoSvc          *appVideo.Service
	auditorSvc        *appAuditor.Service
	callbackRepo      callback.Repository
	sseHub            *sse.Hub
	callbackTokenHash string
	validate          *validator.Validate
	logger            zerolog.Logger
}

func NewServer(
	bookingSvc *appBooking.Service,
	paymentSvc *appPayment.Service,
	videoSvc *appVideo.Service,
	auditorSvc *appAuditor.Service,
	callbackRepo callback.Repository,
	sseHub *sse.Hub,
	callbackTokenHash string,
	logger zerolog.Logger,
) *Server {
	return &Server{
		bookingSvc:        bookingSvc,
		paymentSvc:        paymentSvc,
		videoSvc:          videoSvc,
		auditorSvc:        auditorSvc,
		callbackRepo:      callbackRepo,
		sseHub:            sseHub,
		callbackTokenHash: callbackTokenHash,
		validate:          validator.New(),
		logger:            logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.bookSession)
			r.Get("/", s.listSessions)
			r.Get("/{sessionId}", s.getSession)
			r.Post("/{sessionId}/submit", s.submitSession)
			r.Post("/{sessionId}/approve", s.approveSession)
			r.Post("/{sessionId}/decline", s.declineSession)
			r.Post("/{sessionId}/cancel", s.cancelSession)
			r.Post("/{sessionId}/no-show", s.markNoShow)

			r.Post("/{sessionId}/payment", s.initiatePayment)
			r.Get("/{sessionId}/payment", s.paymentStatus)
			r.Get("/{sessionId}/payment/stream", s.paymentStream)

			r.Post("/{sessionId}/call/start", s.startCall)
			r.Post("/{sessionId}/call/end", s.endCall)
		})

		r.Post("/payments/callback", s.paymentCallback)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/invariants", s.scanInvariants)
			r.Get("/callbacks", s.listCallbacks)
		})
	})

	return r
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondDomainError maps service errors onto HTTP statuses.
func (s *Server) respondDomainError(w http.ResponseWriter, err error) {
	var precondition *session.PreconditionError
	var invariant *appPayment.InvariantViolationError
	switch {
	case errors.Is(err, session.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
	case errors.As(err, &precondition):
		respondError(w, http.StatusConflict, "PRECONDITION_FAILED", err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, appPayment.ErrPaymentAlreadyInFlight):
		respondError(w, http.StatusConflict, "PAYMENT_IN_FLIGHT", err.Error())
	case errors.Is(err, appPayment.ErrPaymentAlreadyConfirmed):
		respondError(w, http.StatusConflict, "PAYMENT_ALREADY_CONFIRMED", err.Error())
	case errors.Is(err, appPayment.ErrNotAwaitingPayment):
		respondError(w, http.StatusConflict, "NOT_AWAITING_PAYMENT", err.Error())
	case errors.Is(err, appPayment.ErrTransientFailure):
		respondError(w, http.StatusConflict, "TRANSIENT_FAILURE", "concurrent update, retry the request")
	case errors.Is(err, domainPayment.ErrGatewayUnavailable):
		respondError(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE", err.Error())
	case errors.Is(err, appVideo.ErrPaymentNotConfirmed),
		errors.Is(err, appVideo.ErrNotReady),
		errors.Is(err, appVideo.ErrAlreadyStarted),
		errors.Is(err, appVideo.ErrNeverStarted),
		errors.Is(err, appVideo.ErrNotInProgress):
		respondError(w, http.StatusConflict, "CALL_STATE_CONFLICT", err.Error())
	case errors.As(err, &invariant):
		s.logger.Error().Err(err).Msg("invariant violation surfaced to client")
		respondError(w, http.StatusInternalServerError, "INVARIANT_VIOLATION", "operation aborted")
	default:
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	}
}

func parseUUIDParam(r *http.Request, key string) (uuid.UUID, error) {
	val := chi.URLParam(r, key)
	return uuid.Parse(val)
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimitOffset(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	limit := defaultLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if o, err := strconv.Atoi(v); err == nil {
			offset = o
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
