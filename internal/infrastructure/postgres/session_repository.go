package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/akili-health/akili-backend/internal/domain/session"
)

// SessionRepository implements session.Repository.
type SessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `
	id, session_id, client_ref, psychologist_ref, session_type, session_date,
	price::text, status, payment_status, payment_initiated_at,
	checkout_request_id, merchant_request_id, payment_result, payment_attempts,
	video_started_at, video_ended_at, video_duration_minutes,
	version, created_at, updated_at
`

func (r *SessionRepository) Create(ctx context.Context, s *session.Session) error {
	attempts, err := json.Marshal(attemptsOrEmpty(s.PaymentAttempts))
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO sessions
		(session_id, client_ref, psychologist_ref, session_type, session_date,
		 price, status, payment_status, payment_attempts, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, s.SessionID, s.ClientRef, s.PsychologistRef, s.SessionType, s.SessionDate,
		s.Price.String(), s.Status, s.PaymentStatus, attempts, s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *SessionRepository) GetByID(ctx context.Context, sessionID uuid.UUID) (*session.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE session_id=$1
	`, sessionID)
	return scanSession(row)
}

func (r *SessionRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*session.Session, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE checkout_request_id=$1
	`, checkoutRequestID)
	return scanSession(row)
}

// Update commits the whole record iff the stored version equals
// expectedVersion, so the cross-field invariant check stays atomic with the
// mutation. Bumps Version on success.
func (r *SessionRepository) Update(ctx context.Context, s *session.Session, expectedVersion int64) error {
	attempts, err := json.Marshal(attemptsOrEmpty(s.PaymentAttempts))
	if err != nil {
		return err
	}
	var result []byte
	if s.PaymentResult != nil {
		result, err = json.Marshal(s.PaymentResult)
		if err != nil {
			return err
		}
	}
	var checkoutID, merchantID *string
	if s.GatewayCorrelation != nil {
		checkoutID = &s.GatewayCorrelation.CheckoutRequestID
		merchantID = &s.GatewayCorrelation.MerchantRequestID
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE sessions SET
			status=$1, payment_status=$2, payment_initiated_at=$3,
			checkout_request_id=$4, merchant_request_id=$5,
			payment_result=$6, payment_attempts=$7,
			video_started_at=$8, video_ended_at=$9, video_duration_minutes=$10,
			version=version+1, updated_at=$11
		WHERE session_id=$12 AND version=$13
	`, s.Status, s.PaymentStatus, s.PaymentInitiatedAt,
		checkoutID, merchantID, result, attempts,
		s.VideoCall.StartedAt, s.VideoCall.EndedAt, s.VideoCall.DurationMinutes,
		s.UpdatedAt, s.SessionID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return session.ErrVersionConflict
	}
	s.Version = expectedVersion + 1
	return nil
}

func (r *SessionRepository) List(ctx context.Context, filter session.Filter, limit, offset int) ([]*session.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	args := []interface{}{}
	idx := 1
	if filter.ClientRef != nil {
		query += fmt.Sprintf(" AND client_ref=$%d", idx)
		args = append(args, *filter.ClientRef)
		idx++
	}
	if filter.PsychologistRef != nil {
		query += fmt.Sprintf(" AND psychologist_ref=$%d", idx)
		args = append(args, *filter.PsychologistRef)
		idx++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status=$%d", idx)
		args = append(args, *filter.Status)
		idx++
	}
	if filter.PaymentStatus != nil {
		query += fmt.Sprintf(" AND payment_status=$%d", idx)
		args = append(args, *filter.PaymentStatus)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY id LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []*session.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*session.Session, error) {
	var s session.Session
	var priceText string
	var paymentInitiatedAt *time.Time
	var checkoutID, merchantID *string
	var resultRaw, attemptsRaw []byte
	var videoStarted, videoEnded *time.Time

	err := row.Scan(
		&s.ID, &s.SessionID, &s.ClientRef, &s.PsychologistRef, &s.SessionType, &s.SessionDate,
		&priceText, &s.Status, &s.PaymentStatus, &paymentInitiatedAt,
		&checkoutID, &merchantID, &resultRaw, &attemptsRaw,
		&videoStarted, &videoEnded, &s.VideoCall.DurationMinutes,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	price, err := decimal.NewFromString(priceText)
	if err != nil {
		return nil, fmt.Errorf("scan session price: %w", err)
	}
	s.Price = price
	s.PaymentInitiatedAt = paymentInitiatedAt
	if checkoutID != nil && merchantID != nil {
		s.GatewayCorrelation = &session.GatewayCorrelation{
			CheckoutRequestID: *checkoutID,
			MerchantRequestID: *merchantID,
		}
	}
	if len(resultRaw) > 0 {
		var result session.PaymentResult
		if err := json.Unmarshal(resultRaw, &result); err != nil {
			return nil, fmt.Errorf("scan payment result: %w", err)
		}
		s.PaymentResult = &result
	}
	if len(attemptsRaw) > 0 {
		if err := json.Unmarshal(attemptsRaw, &s.PaymentAttempts); err != nil {
			return nil, fmt.Errorf("scan payment attempts: %w", err)
		}
	}
	s.VideoCall.StartedAt = videoStarted
	s.VideoCall.EndedAt = videoEnded
	return &s, nil
}

func attemptsOrEmpty(attempts []session.PaymentAttempt) []session.PaymentAttempt {
	if attempts == nil {
		return []session.PaymentAttempt{}
	}
	return attempts
}
