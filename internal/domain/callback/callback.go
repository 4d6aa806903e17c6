package callback

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Disposition records what the reconciliation engine did with an inbound
// gateway callback. Every delivery is persisted, duplicates included, because
// the gateway's retry contract acknowledges events the engine never applies.
type Disposition string

const (
	// DispositionApplied: the callback mutated the session.
	DispositionApplied Disposition = "APPLIED"
	// DispositionDuplicate: same correlation id already resolved on the session.
	DispositionDuplicate Disposition = "DUPLICATE"
	// DispositionStale: no session carries the correlation id any more.
	DispositionStale Disposition = "STALE"
	// DispositionConflict: success callback for a session whose status drifted
	// away from PAYMENT_SUBMITTED; result recorded, status untouched.
	DispositionConflict Disposition = "CONFLICT"
	// DispositionFailed: gateway reported a failed payment.
	DispositionFailed Disposition = "FAILED"
)

// Event is one received gateway callback.
type Event struct {
	ID                int64           `json:"id"`
	EventID           uuid.UUID       `json:"eventId"`
	CheckoutRequestID string          `json:"checkoutRequestId"`
	MerchantRequestID string          `json:"merchantRequestId"`
	SessionID         *uuid.UUID      `json:"sessionId,omitempty"`
	ResultCode        int             `json:"resultCode"`
	ResultDesc        string          `json:"resultDesc"`
	Payload           json.RawMessage `json:"payload"`
	Disposition       Disposition     `json:"disposition"`
	ReceivedAt        time.Time       `json:"receivedAt"`
}

// Repository persists the callback audit trail. Append-only.
type Repository interface {
	Create(ctx context.Context, e *Event) error
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]*Event, error)
	ListRecent(ctx context.Context, limit int) ([]*Event, error)
}
