package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/akili-health/akili-backend/internal/domain/session"
)

// Service handles the booking side of the session lifecycle: creation,
// approval, decline, cancellation and no-show marking. Every status change
// goes through the session state machine and is committed compare-and-set.
type Service struct {
	sessionRepo session.Repository
	logger      zerolog.Logger
}

// NewService creates a booking service.
func NewService(sessionRepo session.Repository, logger zerolog.Logger) *Service {
	return &Service{
		sessionRepo: sessionRepo,
		logger:      logger.With().Str("service", "booking").Logger(),
	}
}

// BookInput carries the client's booking request.
type BookInput struct {
	ClientRef       uuid.UUID
	PsychologistRef uuid.UUID
	SessionType     string
	SessionDate     time.Time
	Price           decimal.Decimal
}

// Book creates a session in REQUESTED.
func (s *Service) Book(ctx context.Context, input BookInput) (*session.Session, error) {
	if input.ClientRef == uuid.Nil || input.PsychologistRef == uuid.Nil {
		return nil, fmt.Errorf("client and psychologist references are required")
	}
	if input.SessionType == "" {
		return nil, fmt.Errorf("session type is required")
	}
	if input.Price.IsNegative() || input.Price.IsZero() {
		return nil, fmt.Errorf("price must be positive")
	}
	sess := session.New(input.ClientRef, input.PsychologistRef, input.SessionType, input.SessionDate, input.Price)
	if err := s.sessionRepo.Create(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info().
		Str("sessionId", sess.SessionID.String()).
		Str("clientRef", sess.ClientRef.String()).
		Msg("session booked")
	return sess, nil
}

// Get returns a session snapshot.
func (s *Service) Get(ctx context.Context, sessionID uuid.UUID) (*session.Session, error) {
	sess, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, session.ErrNotFound
	}
	return sess, nil
}

// List returns sessions matching the filter.
func (s *Service) List(ctx context.Context, filter session.Filter, limit, offset int) ([]*session.Session, error) {
	return s.sessionRepo.List(ctx, filter, limit, offset)
}

// Submit moves a freshly requested session into the approval queue.
func (s *Service) Submit(ctx context.Context, sessionID uuid.UUID) (*session.Session, error) {
	return s.transition(ctx, sessionID, session.StatusPendingApproval)
}

// Approve records the therapist's acceptance.
func (s *Service) Approve(ctx context.Context, sessionID uuid.UUID) (*session.Session, error) {
	return s.transition(ctx, sessionID, session.StatusApproved)
}

// Decline records the therapist's rejection. Terminal.
func (s *Service) Decline(ctx context.Context, sessionID uuid.UUID) (*session.Session, error) {
	return s.transition(ctx, sessionID, session.StatusDeclined)
}

// Cancel cancels a session. Accepted even while a payment is in flight; the
// eventual callback is absorbed by the reconciliation engine's conflict
// branch, never by re-opening the session.
func (s *Service) Cancel(ctx context.Context, sessionID uuid.UUID) (*session.Session, error) {
	return s.transition(ctx, sessionID, session.StatusCancelled)
}

// MarkNoShow records that one party never joined a confirmed session.
func (s *Service) MarkNoShow(ctx context.Context, sessionID uuid.UUID, therapistAbsent bool) (*session.Session, error) {
	target := session.StatusNoShowClient
	if therapistAbsent {
		target = session.StatusNoShowTherapist
	}
	return s.transition(ctx, sessionID, target)
}

// transition runs one read-decide-write cycle with a single bounded retry on
// version conflict.
func (s *Service) transition(ctx context.Context, sessionID uuid.UUID, target session.Status) (*session.Session, error) {
	for attempt := 0; ; attempt++ {
		sess, err := s.sessionRepo.GetByID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, session.ErrNotFound
		}
		if err := sess.Transition(target); err != nil {
			return nil, err
		}
		sess.UpdatedAt = time.Now().UTC()
		err = s.sessionRepo.Update(ctx, sess, sess.Version)
		if errors.Is(err, session.ErrVersionConflict) {
			if attempt > 0 {
				return nil, fmt.Errorf("session %s: concurrent update lost twice", sessionID)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info().
			Str("sessionId", sessionID.String()).
			Str("status", string(target)).
			Msg("session status changed")
		return sess, nil
	}
}
