package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/akili-health/akili-backend/internal/domain/callback"
)

// CallbackRepository implements callback.Repository.
type CallbackRepository struct {
	pool *pgxpool.Pool
}

func NewCallbackRepository(pool *pgxpool.Pool) *CallbackRepository {
	return &CallbackRepository{pool: pool}
}

func (r *CallbackRepository) Create(ctx context.Context, e *callback.Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO callback_events
		(event_id, checkout_request_id, merchant_request_id, session_id,
		 result_code, result_desc, payload, disposition, received_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, e.EventID, e.CheckoutRequestID, e.MerchantRequestID, e.SessionID,
		e.ResultCode, e.ResultDesc, e.Payload, e.Disposition, e.ReceivedAt)
	return err
}

func (r *CallbackRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]*callback.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, checkout_request_id, merchant_request_id, session_id,
		       result_code, result_desc, payload, disposition, received_at
		FROM callback_events WHERE session_id=$1
		ORDER BY id DESC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCallbackEvents(rows)
}

func (r *CallbackRepository) ListRecent(ctx context.Context, limit int) ([]*callback.Event, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, checkout_request_id, merchant_request_id, session_id,
		       result_code, result_desc, payload, disposition, received_at
		FROM callback_events
		ORDER BY id DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCallbackEvents(rows)
}

func scanCallbackEvents(rows pgx.Rows) ([]*callback.Event, error) {
	events := []*callback.Event{}
	for rows.Next() {
		var e callback.Event
		if err := rows.Scan(&e.ID, &e.EventID, &e.CheckoutRequestID, &e.MerchantRequestID,
			&e.SessionID, &e.ResultCode, &e.ResultDesc, &e.Payload, &e.Disposition, &e.ReceivedAt); err != nil {
			return nil, err
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
