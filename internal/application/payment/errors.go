package payment

import (
	"errors"
	"fmt"
)

var (
	// ErrPaymentAlreadyInFlight rejects a duplicate initiate attempt while a
	// fresh correlation is outstanding. The caller should wait and poll.
	ErrPaymentAlreadyInFlight = errors.New("a payment request is already in flight for this session")

	// ErrPaymentAlreadyConfirmed rejects initiating payment for a session whose
	// payment has already been confirmed.
	ErrPaymentAlreadyConfirmed = errors.New("payment already confirmed for this session")

	// ErrNotAwaitingPayment rejects initiation outside APPROVED/PAYMENT_SUBMITTED.
	ErrNotAwaitingPayment = errors.New("session is not awaiting payment")

	// ErrTransientFailure surfaces after the bounded read-decide-write retry is
	// exhausted. The caller may retry the whole operation.
	ErrTransientFailure = errors.New("transient storage conflict, retry the operation")
)

// InvariantViolationError aborts a write that would commit an invariant
// violation. Fatal to the operation, never silently accepted.
type InvariantViolationError struct {
	SessionID string
	Details   string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation on session %s: %s", e.SessionID, e.Details)
}
