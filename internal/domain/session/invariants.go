package session

import "fmt"

// ViolationType classifies an invariant violation found on a committed record.
type ViolationType string

const (
	// ViolationConfirmedPrePayment: payment confirmed while the session still
	// sits in a pre-payment status. The core safety invariant.
	ViolationConfirmedPrePayment ViolationType = "CONFIRMED_PRE_PAYMENT"
	// ViolationInProgressUnpaid: a live session without a confirmed payment.
	ViolationInProgressUnpaid ViolationType = "IN_PROGRESS_UNPAID"
	// ViolationRefundedActive: a refunded payment on a session that is still
	// confirmed or in progress.
	ViolationRefundedActive ViolationType = "REFUNDED_ACTIVE"
)

// Violation describes one invariant breach on one session.
type Violation struct {
	SessionID string        `json:"sessionId"`
	Type      ViolationType `json:"violationType"`
	Details   string        `json:"details"`
}

// prePaymentStatuses are the statuses a confirmed payment must never coexist
// with.
var prePaymentStatuses = map[Status]bool{
	StatusRequested:        true,
	StatusPendingApproval:  true,
	StatusApproved:         true,
	StatusPaymentSubmitted: true,
}

// CheckInvariants evaluates the cross-field invariants against a single
// record. Used inline before every commit and out-of-band by the auditor.
func (s *Session) CheckInvariants() []Violation {
	var out []Violation
	if s.PaymentStatus == PaymentConfirmed && prePaymentStatuses[s.Status] {
		out = append(out, Violation{
			SessionID: s.SessionID.String(),
			Type:      ViolationConfirmedPrePayment,
			Details:   fmt.Sprintf("paymentStatus=%s with status=%s", s.PaymentStatus, s.Status),
		})
	}
	if s.Status == StatusInProgress && s.PaymentStatus != PaymentConfirmed {
		out = append(out, Violation{
			SessionID: s.SessionID.String(),
			Type:      ViolationInProgressUnpaid,
			Details:   fmt.Sprintf("status=%s with paymentStatus=%s", s.Status, s.PaymentStatus),
		})
	}
	if s.PaymentStatus == PaymentRefunded && (s.Status == StatusConfirmed || s.Status == StatusInProgress) {
		out = append(out, Violation{
			SessionID: s.SessionID.String(),
			Type:      ViolationRefundedActive,
			Details:   fmt.Sprintf("paymentStatus=%s with status=%s", s.PaymentStatus, s.Status),
		})
	}
	return out
}
