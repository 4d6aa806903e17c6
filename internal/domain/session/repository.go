package session

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_repository.go -package=mocks . Repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrVersionConflict is returned by Update when the committed record's version
// no longer matches the caller's expectation. Callers re-read and re-decide.
var ErrVersionConflict = errors.New("session version conflict")

// ErrNotFound is returned by services when a session id resolves to nothing.
var ErrNotFound = errors.New("session not found")

// Filter narrows session listings.
type Filter struct {
	ClientRef       *uuid.UUID
	PsychologistRef *uuid.UUID
	Status          *Status
	PaymentStatus   *PaymentStatus
}

// Repository defines persistence for sessions. All mutation is whole-record
// compare-and-set keyed on Version, so the cross-field invariant check stays
// atomic with the write.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, sessionID uuid.UUID) (*Session, error)
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*Session, error)
	// Update commits the record iff the stored version equals expectedVersion,
	// bumping Version by one. Returns ErrVersionConflict otherwise.
	Update(ctx context.Context, s *Session, expectedVersion int64) error
	List(ctx context.Context, filter Filter, limit, offset int) ([]*Session, error)
}
