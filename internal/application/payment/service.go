package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akili-health/akili-backend/internal/domain/alert"
	"github.com/akili-health/akili-backend/internal/domain/callback"
	domainPayment "github.com/akili-health/akili-backend/internal/domain/payment"
	"github.com/akili-health/akili-backend/internal/domain/session"
)

// DefaultInFlightWindow bounds the single-flight rule: a correlation older
// than this is considered expired and a fresh initiate is allowed.
const DefaultInFlightWindow = 2 * time.Minute

// StatusNotifier pushes committed payment-state changes to subscribers.
type StatusNotifier interface {
	NotifyPaymentStatus(sessionID uuid.UUID, status session.Status, paymentStatus session.PaymentStatus)
}

// Service is the payment reconciliation engine: it initiates gateway payment
// requests and absorbs the gateway's at-least-once asynchronous callbacks
// without ever committing an invariant violation.
type Service struct {
	sessionRepo    session.Repository
	callbackRepo   callback.Repository
	gateway        domainPayment.Gateway
	alerts         alert.Sink
	notifier       StatusNotifier
	inFlightWindow time.Duration
	logger         zerolog.Logger
}

// NewService creates a payment reconciliation service.
func NewService(
	sessionRepo session.Repository,
	callbackRepo callback.Repository,
	gateway domainPayment.Gateway,
	alerts alert.Sink,
	notifier StatusNotifier,
	inFlightWindow time.Duration,
	logger zerolog.Logger,
) *Service {
	if inFlightWindow <= 0 {
		inFlightWindow = DefaultInFlightWindow
	}
	return &Service{
		sessionRepo:    sessionRepo,
		callbackRepo:   callbackRepo,
		gateway:        gateway,
		alerts:         alerts,
		notifier:       notifier,
		inFlightWindow: inFlightWindow,
		logger:         logger.With().Str("service", "payment").Logger(),
	}
}

// InitiateResult is returned to the caller after a successful STK push.
type InitiateResult struct {
	CorrelationID     string `json:"correlationId"`
	MerchantRequestID string `json:"merchantRequestId"`
	CustomerMessage   string `json:"customerMessage,omitempty"`
}

// Initiate requests payment for a session from the gateway. At most one
// request per session may be in flight inside the configured window.
func (s *Service) Initiate(ctx context.Context, sessionID uuid.UUID, phoneNumber string) (*InitiateResult, error) {
	if phoneNumber == "" {
		return nil, fmt.Errorf("phone number is required")
	}
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, session.ErrNotFound
	}
	if err := initiatePreconditions(sess, s.inFlightWindow); err != nil {
		return nil, err
	}

	resp, err := s.gateway.STKPush(ctx, domainPayment.STKPushRequest{
		Amount:           sess.Price,
		PhoneNumber:      phoneNumber,
		AccountReference: sess.SessionID.String(),
		Description:      "Therapy session payment",
	})
	if err != nil {
		// The session stays untouched except for the audit trail entry.
		sess.AppendAttempt("", phoneNumber, session.AttemptFailedToInitiate, err.Error())
		sess.UpdatedAt = time.Now().UTC()
		if uerr := s.sessionRepo.Update(ctx, sess, sess.Version); uerr != nil {
			s.logger.Warn().Err(uerr).Str("sessionId", sessionID.String()).Msg("failed to record initiation failure")
		}
		s.logger.Error().Err(err).Str("sessionId", sessionID.String()).Msg("stk push failed")
		return nil, fmt.Errorf("stk push: %w", domainPayment.ErrGatewayUnavailable)
	}

	for attempt := 0; ; attempt++ {
		if err := s.applyInitiation(ctx, sess, resp, phoneNumber); err != nil {
			if errors.Is(err, session.ErrVersionConflict) {
				if attempt > 0 {
					return nil, ErrTransientFailure
				}
				// Re-read and re-decide: a racing initiate or cancellation may
				// have won the write.
				sess, err = s.sessionRepo.GetByID(ctx, sessionID)
				if err != nil {
					return nil, err
				}
				if sess == nil {
					return nil, session.ErrNotFound
				}
				if perr := initiatePreconditions(sess, s.inFlightWindow); perr != nil {
					return nil, perr
				}
				continue
			}
			return nil, err
		}
		break
	}

	s.logger.Info().
		Str("sessionId", sessionID.String()).
		Str("checkoutRequestId", resp.CheckoutRequestID).
		Msg("payment initiated")
	s.notify(sess)
	return &InitiateResult{
		CorrelationID:     resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		CustomerMessage:   resp.CustomerMessage,
	}, nil
}

func initiatePreconditions(sess *session.Session, window time.Duration) error {
	if sess.PaymentStatus == session.PaymentConfirmed {
		return ErrPaymentAlreadyConfirmed
	}
	if sess.Status != session.StatusApproved && sess.Status != session.StatusPaymentSubmitted {
		return ErrNotAwaitingPayment
	}
	if sess.GatewayCorrelation != nil && sess.PaymentInitiatedAt != nil &&
		time.Since(*sess.PaymentInitiatedAt) < window {
		return ErrPaymentAlreadyInFlight
	}
	return nil
}

func (s *Service) applyInitiation(ctx context.Context, sess *session.Session, resp *domainPayment.STKPushResponse, phoneNumber string) error {
	now := time.Now().UTC()
	if sess.Status == session.StatusApproved {
		if err := sess.Transition(session.StatusPaymentSubmitted); err != nil {
			return err
		}
	}
	sess.GatewayCorrelation = &session.GatewayCorrelation{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
	}
	sess.PaymentInitiatedAt = &now
	sess.PaymentStatus = session.PaymentProcessing
	// A fresh in-flight attempt owns the result slot.
	sess.PaymentResult = nil
	sess.AppendAttempt(resp.CheckoutRequestID, phoneNumber, session.AttemptInitiated, "")
	sess.UpdatedAt = now

	if err := s.guardInvariants(ctx, sess); err != nil {
		return err
	}
	return s.sessionRepo.Update(ctx, sess, sess.Version)
}

// CallbackResult reports what the engine did with a gateway callback. The
// webhook always acknowledges success to the gateway for any non-nil result.
type CallbackResult struct {
	Disposition callback.Disposition `json:"disposition"`
	SessionID   *uuid.UUID           `json:"sessionId,omitempty"`
}

// ProcessCallback applies a gateway callback exactly-once-in-effect. Unknown
// or already-resolved correlation ids are acknowledged without mutation.
func (s *Service) ProcessCallback(ctx context.Context, payload domainPayment.CallbackPayload) (*CallbackResult, error) {
	for attempt := 0; ; attempt++ {
		res, err := s.processCallbackOnce(ctx, payload)
		if errors.Is(err, session.ErrVersionConflict) {
			if attempt > 0 {
				return nil, ErrTransientFailure
			}
			continue
		}
		return res, err
	}
}

func (s *Service) processCallbackOnce(ctx context.Context, payload domainPayment.CallbackPayload) (*CallbackResult, error) {
	sess, err := s.sessionRepo.GetByCheckoutRequestID(ctx, payload.CheckoutRequestID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		// Already resolved and cleared, or an id we never issued. The gateway
		// retry contract still requires an acknowledgement.
		s.recordCallback(ctx, payload, nil, callback.DispositionStale)
		s.logger.Info().
			Str("checkoutRequestId", payload.CheckoutRequestID).
			Msg("stale or unknown callback acknowledged")
		return &CallbackResult{Disposition: callback.DispositionStale}, nil
	}
	if sess.PaymentResult != nil {
		// Duplicate-but-unresolved race: this correlation already has a result.
		s.recordCallback(ctx, payload, sess, callback.DispositionDuplicate)
		return &CallbackResult{Disposition: callback.DispositionDuplicate, SessionID: &sess.SessionID}, nil
	}

	expectedVersion := sess.Version
	now := time.Now().UTC()
	var disposition callback.Disposition

	if payload.Succeeded() {
		amount := sess.Price
		if payload.Amount != nil {
			amount = *payload.Amount
		}
		result := &session.PaymentResult{
			TransactionID: payload.TransactionID,
			Amount:        amount,
			PhoneNumber:   payload.PhoneNumber,
			ResultCode:    payload.ResultCode,
			ResultDesc:    payload.ResultDesc,
		}
		if sess.Status == session.StatusPaymentSubmitted {
			sess.PaymentResult = result
			sess.PaymentStatus = session.PaymentConfirmed
			if err := sess.Transition(session.StatusConfirmed); err != nil {
				return nil, err
			}
			sess.GatewayCorrelation = nil
			sess.AppendAttempt(payload.CheckoutRequestID, payload.PhoneNumber, session.AttemptConfirmed, "")
			disposition = callback.DispositionApplied
		} else {
			// Genuine conflict, not a duplicate: the session moved on (e.g. the
			// user cancelled) while the payment was in flight. Record the money
			// movement for the refund workflow; never force the status back.
			sess.PaymentResult = result
			sess.PaymentStatus = session.PaymentConfirmed
			sess.GatewayCorrelation = nil
			sess.AppendAttempt(payload.CheckoutRequestID, payload.PhoneNumber,
				session.AttemptConfirmedConflict, fmt.Sprintf("session status %s at callback time", sess.Status))
			disposition = callback.DispositionConflict
		}
	} else {
		// Failed payment: the session stays PAYMENT_SUBMITTED so the user can
		// retry; only the payment axis and the audit trail change.
		sess.PaymentStatus = session.PaymentFailed
		sess.GatewayCorrelation = nil
		sess.AppendAttempt(payload.CheckoutRequestID, payload.PhoneNumber,
			session.AttemptFailed, payload.ResultDesc)
		disposition = callback.DispositionFailed
	}
	sess.UpdatedAt = now

	if err := s.guardInvariants(ctx, sess); err != nil {
		return nil, err
	}
	if err := s.sessionRepo.Update(ctx, sess, expectedVersion); err != nil {
		return nil, err
	}

	s.recordCallback(ctx, payload, sess, disposition)
	if disposition == callback.DispositionConflict {
		s.alerts.Raise(ctx, alert.Alert{
			Severity:  alert.SeverityWarning,
			Kind:      "PAYMENT_CONFIRMED_AFTER_STATUS_DRIFT",
			SessionID: sess.SessionID.String(),
			Message:   fmt.Sprintf("payment %s confirmed while session is %s; refund review required", payload.TransactionID, sess.Status),
		})
	}
	s.logger.Info().
		Str("sessionId", sess.SessionID.String()).
		Str("checkoutRequestId", payload.CheckoutRequestID).
		Int("resultCode", payload.ResultCode).
		Str("disposition", string(disposition)).
		Msg("callback processed")
	s.notify(sess)
	return &CallbackResult{Disposition: disposition, SessionID: &sess.SessionID}, nil
}

// guardInvariants aborts any write that would commit a violated record.
func (s *Service) guardInvariants(ctx context.Context, sess *session.Session) error {
	violations := sess.CheckInvariants()
	if len(violations) == 0 {
		return nil
	}
	details := ""
	for i, v := range violations {
		if i > 0 {
			details += "; "
		}
		details += string(v.Type) + ": " + v.Details
	}
	s.alerts.Raise(ctx, alert.Alert{
		Severity:  alert.SeverityFatal,
		Kind:      "INVARIANT_VIOLATION_ABORTED_WRITE",
		SessionID: sess.SessionID.String(),
		Message:   details,
	})
	return &InvariantViolationError{SessionID: sess.SessionID.String(), Details: details}
}

// Projection is the read-only payment view used for client polling.
type Projection struct {
	SessionID     uuid.UUID              `json:"sessionId"`
	Status        session.Status         `json:"status"`
	PaymentStatus session.PaymentStatus  `json:"paymentStatus"`
	LastResult    *session.PaymentResult `json:"lastResult,omitempty"`
}

// StatusCheck returns the payment projection for a session. No side effects.
func (s *Service) StatusCheck(ctx context.Context, sessionID uuid.UUID) (*Projection, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, session.ErrNotFound
	}
	return &Projection{
		SessionID:     sess.SessionID,
		Status:        sess.Status,
		PaymentStatus: sess.PaymentStatus,
		LastResult:    sess.PaymentResult,
	}, nil
}

func (s *Service) recordCallback(ctx context.Context, payload domainPayment.CallbackPayload, sess *session.Session, disposition callback.Disposition) {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte("{}")
	}
	ev := &callback.Event{
		EventID:           uuid.New(),
		CheckoutRequestID: payload.CheckoutRequestID,
		MerchantRequestID: payload.MerchantRequestID,
		ResultCode:        payload.ResultCode,
		ResultDesc:        payload.ResultDesc,
		Payload:           raw,
		Disposition:       disposition,
		ReceivedAt:        time.Now().UTC(),
	}
	if sess != nil {
		ev.SessionID = &sess.SessionID
	}
	if err := s.callbackRepo.Create(ctx, ev); err != nil {
		// The audit trail must never fail the acknowledgement.
		s.logger.Error().Err(err).
			Str("checkoutRequestId", payload.CheckoutRequestID).
			Msg("failed to persist callback event")
	}
}

func (s *Service) notify(sess *session.Session) {
	if s.notifier == nil {
		return
	}
	s.notifier.NotifyPaymentStatus(sess.SessionID, sess.Status, sess.PaymentStatus)
}
