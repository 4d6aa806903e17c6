package video

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/akili-health/akili-backend/internal/domain/session"
)

var (
	// ErrPaymentNotConfirmed rejects starting a call before the payment has
	// been confirmed against the currently committed record.
	ErrPaymentNotConfirmed = errors.New("payment must be confirmed before starting a session")

	// ErrNotReady rejects starting a call from any status other than CONFIRMED.
	ErrNotReady = errors.New("session is not ready to start")

	// ErrAlreadyStarted rejects a second start on a running session.
	ErrAlreadyStarted = errors.New("session already in progress")

	// ErrNeverStarted rejects ending a session with no recorded start.
	ErrNeverStarted = errors.New("session was never started")

	// ErrNotInProgress rejects ending a session that is not running.
	ErrNotInProgress = errors.New("session is not in progress")
)

// Service gates the live video call on the committed session state. The call
// transport itself is external; only start/end gating lives here.
type Service struct {
	sessionRepo session.Repository
	logger      zerolog.Logger
}

// NewService creates a video call lifecycle coordinator.
func NewService(sessionRepo session.Repository, logger zerolog.Logger) *Service {
	return &Service{
		sessionRepo: sessionRepo,
		logger:      logger.With().Str("service", "video").Logger(),
	}
}

// Start begins the session. Payment is re-checked at start time against the
// committed record, never against a cached view.
func (s *Service) Start(ctx context.Context, sessionID, actorID uuid.UUID) (*session.Session, error) {
	for attempt := 0; ; attempt++ {
		sess, err := s.sessionRepo.GetByID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, session.ErrNotFound
		}
		if sess.Status == session.StatusInProgress {
			return nil, ErrAlreadyStarted
		}
		if sess.Status != session.StatusConfirmed {
			return nil, ErrNotReady
		}
		if sess.PaymentStatus != session.PaymentConfirmed {
			return nil, ErrPaymentNotConfirmed
		}
		now := time.Now().UTC()
		if err := sess.Transition(session.StatusInProgress); err != nil {
			return nil, err
		}
		sess.VideoCall.StartedAt = &now
		sess.UpdatedAt = now

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
			Str("actorId", actorID.String()).
			Msg("video call started")
		return sess, nil
	}
}

// End finishes the session and records the delivered duration.
func (s *Service) End(ctx context.Context, sessionID, actorID uuid.UUID) (*session.Session, error) {
	for attempt := 0; ; attempt++ {
		sess, err := s.sessionRepo.GetByID(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			return nil, session.ErrNotFound
		}
		if sess.Status != session.StatusInProgress {
			return nil, ErrNotInProgress
		}
		if sess.VideoCall.StartedAt == nil {
			// Mirrors the state-machine precondition; kept as a distinct error
			// so callers can tell the two rejections apart.
			return nil, ErrNeverStarted
		}
		now := time.Now().UTC()
		if err := sess.Transition(session.StatusCompleted); err != nil {
			return nil, err
		}
		sess.VideoCall.EndedAt = &now
		sess.VideoCall.DurationMinutes = int(now.Sub(*sess.VideoCall.StartedAt).Minutes())
		sess.UpdatedAt = now

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
			Str("actorId", actorID.String()).
			Int("durationMinutes", sess.VideoCall.DurationMinutes).
			Msg("video call ended")
		return sess, nil
	}
}
