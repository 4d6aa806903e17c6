package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/crypto/bcrypt"

	appAuditor "github.com/akili-health/akili-backend/internal/application/auditor"
	appBooking "github.com/akili-health/akili-backend/internal/application/booking"
	appPayment "github.com/akili-health/akili-backend/internal/application/payment"
	appVideo "github.com/akili-health/akili-backend/internal/application/video"
	"github.com/akili-health/akili-backend/internal/domain/alert"
	"github.com/akili-health/akili-backend/internal/domain/callback"
	paymentmocks "github.com/akili-health/akili-backend/internal/domain/payment/mocks"
	"github.com/akili-health/akili-backend/internal/domain/session"
	sessionmocks "github.com/akili-health/akili-backend/internal/domain/session/mocks"
	"github.com/akili-health/akili-backend/internal/infrastructure/sse"
)

const callbackToken = "test-callback-token"

type nopAlerts struct{}

func (nopAlerts) Raise(context.Context, alert.Alert) {}

type memCallbackRepo struct {
	events []*callback.Event
}

func (r *memCallbackRepo) Create(_ context.Context, ev *callback.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *memCallbackRepo) ListBySession(_ context.Context, sessionID uuid.UUID, _ int) ([]*callback.Event, error) {
	var out []*callback.Event
	for _, ev := range r.events {
		if ev.SessionID != nil && *ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (r *memCallbackRepo) ListRecent(_ context.Context, _ int) ([]*callback.Event, error) {
	return r.events, nil
}

type serverFixture struct {
	sessionRepo *sessionmocks.MockRepository
	gateway     *paymentmocks.MockGateway
	callbacks   *memCallbackRepo
	router      http.Handler
}

func newServerFixture(t *testing.T) *serverFixture {
	ctrl := gomock.NewController(t)
	sessionRepo := sessionmocks.NewMockRepository(ctrl)
	gateway := paymentmocks.NewMockGateway(ctrl)
	callbacks := &memCallbackRepo{}
	hub := sse.NewHub()
	logger := zerolog.Nop()

	bookingSvc := appBooking.NewService(sessionRepo, logger)
	paymentSvc := appPayment.NewService(sessionRepo, callbacks, gateway, nopAlerts{}, hub, 0, logger)
	videoSvc := appVideo.NewService(sessionRepo, logger)
	auditorSvc := appAuditor.NewService(sessionRepo, nopAlerts{}, nil, logger)

	hash, err := bcrypt.GenerateFromPassword([]byte(callbackToken), bcrypt.MinCost)
	require.NoError(t, err)

	srv := NewServer(bookingSvc, paymentSvc, videoSvc, auditorSvc, callbacks, hub, string(hash), logger)
	return &serverFixture{
		sessionRepo: sessionRepo,
		gateway:     gateway,
		callbacks:   callbacks,
		router:      srv.Router(),
	}
}

func (f *serverFixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func awaitingCallbackSession() *session.Session {
	sess := session.New(uuid.New(), uuid.New(), "INDIVIDUAL", time.Now().Add(48*time.Hour), decimal.RequireFromString("2500.00"))
	sess.Status = session.StatusPaymentSubmitted
	sess.PaymentStatus = session.PaymentProcessing
	initiated := time.Now().UTC()
	sess.PaymentInitiatedAt = &initiated
	sess.GatewayCorrelation = &session.GatewayCorrelation{
		CheckoutRequestID: "ws_CO_1",
		MerchantRequestID: "mr-1",
	}
	return sess
}

func TestBookSessionEndpoint(t *testing.T) {
	f := newServerFixture(t)
	f.sessionRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)

	body := `{
		"clientRef": "` + uuid.NewString() + `",
		"psychologistRef": "` + uuid.NewString() + `",
		"sessionType": "INDIVIDUAL",
		"sessionDate": "2026-09-10T14:00:00Z",
		"price": "2500.00"
	}`
	rec := f.do(http.MethodPost, "/v1/sessions", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var sess session.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sess))
	assert.Equal(t, session.StatusRequested, sess.Status)
}

func TestBookSessionRejectsBadPayload(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/v1/sessions", `{"clientRef": "not-a-uuid"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	f := newServerFixture(t)
	id := uuid.New()
	f.sessionRepo.EXPECT().GetByID(gomock.Any(), id).Return(nil, nil)

	rec := f.do(http.MethodGet, "/v1/sessions/"+id.String(), "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIllegalTransitionMapsToConflict(t *testing.T) {
	f := newServerFixture(t)
	sess := session.New(uuid.New(), uuid.New(), "INDIVIDUAL", time.Now(), decimal.RequireFromString("2500.00"))
	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)

	rec := f.do(http.MethodPost, "/v1/sessions/"+sess.SessionID.String()+"/approve", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_TRANSITION", body["error"])
}

func TestInitiatePaymentInFlightMapsToConflict(t *testing.T) {
	f := newServerFixture(t)
	sess := awaitingCallbackSession()
	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)

	rec := f.do(http.MethodPost, "/v1/sessions/"+sess.SessionID.String()+"/payment",
		`{"phoneNumber": "254700000001"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "PAYMENT_IN_FLIGHT", body["error"])
}

func TestCallbackRequiresToken(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/v1/payments/callback", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/v1/payments/callback", `{}`,
		map[string]string{"Authorization": "Bearer wrong-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCallbackAppliesGatewayResult(t *testing.T) {
	f := newServerFixture(t)
	sess := awaitingCallbackSession()

	f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(sess, nil)
	f.sessionRepo.EXPECT().Update(gomock.Any(), sess, sess.Version).Return(nil)

	body := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "mr-1",
				"CheckoutRequestID": "ws_CO_1",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 2500.00},
						{"Name": "MpesaReceiptNumber", "Value": "RKT123ABC"},
						{"Name": "PhoneNumber", "Value": 254700000001}
					]
				}
			}
		}
	}`
	rec := f.do(http.MethodPost, "/v1/payments/callback", body,
		map[string]string{"Authorization": "Bearer " + callbackToken})
	require.Equal(t, http.StatusOK, rec.Code)

	var ack map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, float64(0), ack["ResultCode"])

	assert.Equal(t, session.StatusConfirmed, sess.Status)
	assert.Equal(t, session.PaymentConfirmed, sess.PaymentStatus)
	require.NotNil(t, sess.PaymentResult)
	assert.Equal(t, "RKT123ABC", sess.PaymentResult.TransactionID)
}

func TestCallbackStaleStillAcknowledged(t *testing.T) {
	f := newServerFixture(t)
	f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_gone").Return(nil, nil)

	body := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "mr-9",
				"CheckoutRequestID": "ws_CO_gone",
				"ResultCode": 0,
				"ResultDesc": "ok"
			}
		}
	}`
	rec := f.do(http.MethodPost, "/v1/payments/callback", body,
		map[string]string{"Authorization": "Bearer " + callbackToken})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.callbacks.events, 1)
	assert.Equal(t, callback.DispositionStale, f.callbacks.events[0].Disposition)
}

func TestCallbackRejectsMissingCorrelation(t *testing.T) {
	f := newServerFixture(t)

	body := `{"Body": {"stkCallback": {"ResultCode": 0}}}`
	rec := f.do(http.MethodPost, "/v1/payments/callback", body,
		map[string]string{"Authorization": "Bearer " + callbackToken})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPaymentStatusEndpoint(t *testing.T) {
	f := newServerFixture(t)
	sess := awaitingCallbackSession()
	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)

	rec := f.do(http.MethodGet, "/v1/sessions/"+sess.SessionID.String()+"/payment", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var proj appPayment.Projection
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &proj))
	assert.Equal(t, session.StatusPaymentSubmitted, proj.Status)
	assert.Equal(t, session.PaymentProcessing, proj.PaymentStatus)
}

func TestStartCallRejectsUnpaidSession(t *testing.T) {
	f := newServerFixture(t)
	sess := session.New(uuid.New(), uuid.New(), "INDIVIDUAL", time.Now(), decimal.RequireFromString("2500.00"))
	sess.Status = session.StatusConfirmed
	sess.PaymentStatus = session.PaymentProcessing
	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)

	rec := f.do(http.MethodPost, "/v1/sessions/"+sess.SessionID.String()+"/call/start",
		`{"actorId": "`+uuid.NewString()+`"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdminInvariantScan(t *testing.T) {
	f := newServerFixture(t)
	corrupt := session.New(uuid.New(), uuid.New(), "INDIVIDUAL", time.Now(), decimal.RequireFromString("2500.00"))
	corrupt.Status = session.StatusApproved
	corrupt.PaymentStatus = session.PaymentConfirmed
	f.sessionRepo.EXPECT().List(gomock.Any(), session.Filter{}, gomock.Any(), 0).Return([]*session.Session{corrupt}, nil)

	rec := f.do(http.MethodGet, "/v1/admin/invariants", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count      int                 `json:"count"`
		Violations []session.Violation `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, session.ViolationConfirmedPrePayment, body.Violations[0].Type)
}

func TestAdminCallbackTrail(t *testing.T) {
	f := newServerFixture(t)
	sessID := uuid.New()
	f.callbacks.events = append(f.callbacks.events, &callback.Event{
		EventID:           uuid.New(),
		CheckoutRequestID: "ws_CO_1",
		SessionID:         &sessID,
		Disposition:       callback.DispositionApplied,
		ReceivedAt:        time.Now().UTC(),
	})

	rec := f.do(http.MethodGet, "/v1/admin/callbacks?sessionId="+sessID.String(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Callbacks []*callback.Event `json:"callbacks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Callbacks, 1)
	assert.Equal(t, "ws_CO_1", body.Callbacks[0].CheckoutRequestID)
}
