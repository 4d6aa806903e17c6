package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents session lifecycle status.
type Status string

const (
	StatusRequested        Status = "REQUESTED"
	StatusPendingApproval  Status = "PENDING_APPROVAL"
	StatusApproved         Status = "APPROVED"
	StatusDeclined         Status = "DECLINED"
	StatusPaymentSubmitted Status = "PAYMENT_SUBMITTED"
	StatusConfirmed        Status = "CONFIRMED"
	StatusInProgress       Status = "IN_PROGRESS"
	StatusCompleted        Status = "COMPLETED"
	StatusCancelled        Status = "CANCELLED"
	StatusNoShowClient     Status = "NO_SHOW_CLIENT"
	StatusNoShowTherapist  Status = "NO_SHOW_THERAPIST"
)

// PaymentStatus represents the payment axis, constrained jointly with Status
// by the confirmed-payment invariant.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentConfirmed  PaymentStatus = "CONFIRMED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
)

// AttemptOutcome labels a payment attempt audit entry.
type AttemptOutcome string

const (
	AttemptInitiated        AttemptOutcome = "INITIATED"
	AttemptFailedToInitiate AttemptOutcome = "FAILED_TO_INITIATE"
	AttemptConfirmed        AttemptOutcome = "CONFIRMED"
	AttemptFailed           AttemptOutcome = "FAILED"
	// AttemptConfirmedConflict records a success callback that arrived after the
	// session left PAYMENT_SUBMITTED (e.g. user cancelled mid-flight). The money
	// moved, the session did not; the entry feeds the refund workflow.
	AttemptConfirmedConflict AttemptOutcome = "CONFIRMED_CONFLICT"
)

var ErrInvalidTransition = errors.New("invalid session status transition")

// PreconditionError is returned when a transition is in the table but a
// cross-field precondition does not hold.
type PreconditionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("transition %s -> %s rejected: %s", e.From, e.To, e.Reason)
}

// GatewayCorrelation is the idempotency key pair for an in-flight payment
// request; cleared once the request resolves.
type GatewayCorrelation struct {
	CheckoutRequestID string `json:"checkoutRequestId"`
	MerchantRequestID string `json:"merchantRequestId"`
}

// PaymentResult holds the gateway's final answer for one correlation id.
// Immutable after the first successful write.
type PaymentResult struct {
	TransactionID string          `json:"transactionId"`
	Amount        decimal.Decimal `json:"amount"`
	PhoneNumber   string          `json:"phoneNumber"`
	ResultCode    int             `json:"resultCode"`
	ResultDesc    string          `json:"resultDesc"`
}

// PaymentAttempt is one entry of the append-only payment audit trail.
type PaymentAttempt struct {
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlationId"`
	PhoneNumber   string         `json:"phoneNumber"`
	Outcome       AttemptOutcome `json:"outcome"`
	Detail        string         `json:"detail,omitempty"`
}

// VideoCall records the delivered call window.
type VideoCall struct {
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	DurationMinutes int        `json:"durationMinutes"`
}

// Session is a booked therapy session. Terminal sessions are retained for
// audit, never deleted.
type Session struct {
	ID                 int64               `json:"id"`
	SessionID          uuid.UUID           `json:"sessionId"`
	ClientRef          uuid.UUID           `json:"clientRef"`
	PsychologistRef    uuid.UUID           `json:"psychologistRef"`
	SessionType        string              `json:"sessionType"`
	SessionDate        time.Time           `json:"sessionDate"`
	Price              decimal.Decimal     `json:"price"`
	Status             Status              `json:"status"`
	PaymentStatus      PaymentStatus       `json:"paymentStatus"`
	PaymentInitiatedAt *time.Time          `json:"paymentInitiatedAt,omitempty"`
	GatewayCorrelation *GatewayCorrelation `json:"gatewayCorrelation,omitempty"`
	PaymentResult      *PaymentResult      `json:"paymentResult,omitempty"`
	PaymentAttempts    []PaymentAttempt    `json:"paymentAttempts"`
	VideoCall          VideoCall           `json:"videoCall"`
	Version            int64               `json:"version"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// New creates a session in its initial state.
func New(clientRef, psychologistRef uuid.UUID, sessionType string, sessionDate time.Time, price decimal.Decimal) *Session {
	now := time.Now().UTC()
	return &Session{
		SessionID:       uuid.New(),
		ClientRef:       clientRef,
		PsychologistRef: psychologistRef,
		SessionType:     sessionType,
		SessionDate:     sessionDate,
		Price:           price,
		Status:          StatusRequested,
		PaymentStatus:   PaymentPending,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// transitions is the closed set of legal status edges. Any pair not listed is
// illegal, including transitions out of unknown or corrupt states.
var transitions = map[Status][]Status{
	StatusRequested:        {StatusPendingApproval, StatusCancelled},
	StatusPendingApproval:  {StatusApproved, StatusDeclined, StatusCancelled},
	StatusApproved:         {StatusPaymentSubmitted, StatusCancelled},
	StatusPaymentSubmitted: {StatusConfirmed, StatusCancelled},
	StatusConfirmed:        {StatusInProgress, StatusCancelled, StatusNoShowClient, StatusNoShowTherapist},
	StatusInProgress:       {StatusCompleted, StatusCancelled},
	StatusDeclined:         {},
	StatusCompleted:        {},
	StatusCancelled:        {},
	StatusNoShowClient:     {},
	StatusNoShowTherapist:  {},
}

// CanTransitionTo reports table membership only; cross-field preconditions are
// checked by ValidateTransition.
func (s *Session) CanTransitionTo(target Status) bool {
	allowed, ok := transitions[s.Status]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// ValidateTransition checks table membership, then the extra precondition for
// the proposed edge, against the full current record. Never mutates.
func (s *Session) ValidateTransition(target Status) error {
	if !s.CanTransitionTo(target) {
		return ErrInvalidTransition
	}
	switch {
	case s.Status == StatusPaymentSubmitted && target == StatusConfirmed:
		if s.PaymentStatus != PaymentConfirmed {
			return &PreconditionError{From: s.Status, To: target, Reason: "payment must be confirmed before confirming the session"}
		}
	case s.Status == StatusConfirmed && target == StatusInProgress:
		if s.PaymentStatus != PaymentConfirmed {
			return &PreconditionError{From: s.Status, To: target, Reason: "payment must be confirmed before starting a session"}
		}
		if s.VideoCall.StartedAt != nil {
			return &PreconditionError{From: s.Status, To: target, Reason: "video call already started"}
		}
	case s.Status == StatusInProgress && target == StatusCompleted:
		if s.VideoCall.StartedAt == nil {
			return &PreconditionError{From: s.Status, To: target, Reason: "a session that never started cannot be completed"}
		}
	}
	return nil
}

// Transition validates and applies a status change.
func (s *Session) Transition(target Status) error {
	if err := s.ValidateTransition(target); err != nil {
		return err
	}
	s.Status = target
	return nil
}

// IsTerminal reports whether no further status transitions are legal.
func (s *Session) IsTerminal() bool {
	allowed, ok := transitions[s.Status]
	return ok && len(allowed) == 0
}

// AppendAttempt adds a payment audit entry. Entries are never mutated.
func (s *Session) AppendAttempt(correlationID, phoneNumber string, outcome AttemptOutcome, detail string) {
	s.PaymentAttempts = append(s.PaymentAttempts, PaymentAttempt{
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		PhoneNumber:   phoneNumber,
		Outcome:       outcome,
		Detail:        detail,
	})
}
