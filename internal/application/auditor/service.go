package auditor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/akili-health/akili-backend/internal/domain/alert"
	"github.com/akili-health/akili-backend/internal/domain/session"
)

const scanPageSize = 200

// Service is the invariant auditor: an out-of-band sweep over every persisted
// session, independent of the write path. It reports and alerts; it never
// repairs.
type Service struct {
	sessionRepo session.Repository
	alerts      alert.Sink
	rules       []Rule
	logger      zerolog.Logger
}

// NewService creates an auditor. Rules beyond the built-in invariants are
// optional operator-defined expressions.
func NewService(sessionRepo session.Repository, alerts alert.Sink, rules []Rule, logger zerolog.Logger) *Service {
	return &Service{
		sessionRepo: sessionRepo,
		alerts:      alerts,
		rules:       rules,
		logger:      logger.With().Str("service", "auditor").Logger(),
	}
}

// Scan sweeps all sessions and returns every invariant violation found. A
// non-empty result raises a fatal operational alert.
func (s *Service) Scan(ctx context.Context) ([]session.Violation, error) {
	started := time.Now()
	var violations []session.Violation
	scanned := 0

	for offset := 0; ; offset += scanPageSize {
		page, err := s.sessionRepo.List(ctx, session.Filter{}, scanPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		for _, sess := range page {
			scanned++
			violations = append(violations, sess.CheckInvariants()...)
			violations = append(violations, s.evaluateRules(sess)...)
		}
		if len(page) < scanPageSize {
			break
		}
	}

	if len(violations) > 0 {
		for _, v := range violations {
			s.alerts.Raise(ctx, alert.Alert{
				Severity:  alert.SeverityFatal,
				Kind:      string(v.Type),
				SessionID: v.SessionID,
				Message:   v.Details,
			})
		}
		s.logger.Error().
			Int("scanned", scanned).
			Int("violations", len(violations)).
			Msg("audit scan found invariant violations")
	} else {
		s.logger.Info().
			Int("scanned", scanned).
			Dur("elapsed", time.Since(started)).
			Msg("audit scan clean")
	}
	return violations, nil
}

// Run executes Scan on a fixed interval until the context is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduled audit scan failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
