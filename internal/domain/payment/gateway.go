package payment

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_gateway.go -package=mocks . Gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrGatewayUnavailable is returned when the mobile-money gateway cannot be
// reached or times out. The session is left untouched and the caller may retry.
var ErrGatewayUnavailable = errors.New("payment gateway unavailable")

// STKPushRequest asks the gateway to prompt the payer's phone.
type STKPushRequest struct {
	Amount           decimal.Decimal
	PhoneNumber      string
	AccountReference string
	Description      string
}

// STKPushResponse carries the correlation pair the asynchronous callback will
// later be matched against.
type STKPushResponse struct {
	CheckoutRequestID string
	MerchantRequestID string
	ResponseCode      string
	CustomerMessage   string
}

// CallbackPayload is the gateway's asynchronous result, delivered at least
// once and in no guaranteed order relative to user actions.
type CallbackPayload struct {
	MerchantRequestID string           `json:"merchantRequestId"`
	CheckoutRequestID string           `json:"checkoutRequestId"`
	ResultCode        int              `json:"resultCode"`
	ResultDesc        string           `json:"resultDesc"`
	Amount            *decimal.Decimal `json:"amount,omitempty"`
	TransactionID     string           `json:"transactionId,omitempty"`
	PhoneNumber       string           `json:"phoneNumber,omitempty"`
	TransactionDate   string           `json:"transactionDate,omitempty"`
}

// Succeeded reports the gateway's success convention.
func (p CallbackPayload) Succeeded() bool {
	return p.ResultCode == 0
}

// Gateway is the external mobile-money collaborator. Implementations must
// treat the call as fire-and-forget: the result arrives via callback.
type Gateway interface {
	STKPush(ctx context.Context, req STKPushRequest) (*STKPushResponse, error)
}
