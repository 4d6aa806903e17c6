package payment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/akili-health/akili-backend/internal/domain/alert"
	"github.com/akili-health/akili-backend/internal/domain/callback"
	domainPayment "github.com/akili-health/akili-backend/internal/domain/payment"
	paymentmocks "github.com/akili-health/akili-backend/internal/domain/payment/mocks"
	"github.com/akili-health/akili-backend/internal/domain/session"
	sessionmocks "github.com/akili-health/akili-backend/internal/domain/session/mocks"
)

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

type alertRecorder struct {
	raised []alert.Alert
}

func (a *alertRecorder) Raise(_ context.Context, al alert.Alert) {
	a.raised = append(a.raised, al)
}

type notifyRecorder struct {
	calls int
	last  session.PaymentStatus
}

func (n *notifyRecorder) NotifyPaymentStatus(_ uuid.UUID, _ session.Status, paymentStatus session.PaymentStatus) {
	n.calls++
	n.last = paymentStatus
}

type paymentFixture struct {
	ctrl        *gomock.Controller
	sessionRepo *sessionmocks.MockRepository
	gateway     *paymentmocks.MockGateway
	callbacks   *memCallbackRepo
	alerts      *alertRecorder
	notifier    *notifyRecorder
	svc         *Service
}

func newPaymentFixture(t *testing.T) *paymentFixture {
	ctrl := gomock.NewController(t)
	f := &paymentFixture{
		ctrl:        ctrl,
		sessionRepo: sessionmocks.NewMockRepository(ctrl),
		gateway:     paymentmocks.NewMockGateway(ctrl),
		callbacks:   &memCallbackRepo{},
		alerts:      &alertRecorder{},
		notifier:    &notifyRecorder{},
	}
	f.svc = NewService(f.sessionRepo, f.callbacks, f.gateway, f.alerts, f.notifier, DefaultInFlightWindow, zerolog.Nop())
	return f
}

func approvedSession() *session.Session {
	sess := session.New(uuid.New(), uuid.New(), "INDIVIDUAL", time.Now().Add(48*time.Hour), decimal.RequireFromString("2500.00"))
	sess.Status = session.StatusApproved
	return sess
}

func awaitingCallbackSession() *session.Session {
	sess := approvedSession()
	sess.Status = session.StatusPaymentSubmitted
	sess.PaymentStatus = session.PaymentProcessing
	initiated := time.Now().UTC()
	sess.PaymentInitiatedAt = &initiated
	sess.GatewayCorrelation = &session.GatewayCorrelation{
		CheckoutRequestID: "ws_CO_1",
		MerchantRequestID: "mr-1",
	}
	sess.AppendAttempt("ws_CO_1", "254700000001", session.AttemptInitiated, "")
	return sess
}

func pushResponse() *domainPayment.STKPushResponse {
	return &domainPayment.STKPushResponse{
		CheckoutRequestID: "ws_CO_1",
		MerchantRequestID: "mr-1",
		ResponseCode:      "0",
		CustomerMessage:   "Success. Request accepted for processing",
	}
}

func successCallback() domainPayment.CallbackPayload {
	amount := decimal.RequireFromString("2500.00")
	return domainPayment.CallbackPayload{
		MerchantRequestID: "mr-1",
		CheckoutRequestID: "ws_CO_1",
		ResultCode:        0,
		ResultDesc:        "The service request is processed successfully.",
		Amount:            &amount,
		TransactionID:     "RKT123ABC",
		PhoneNumber:       "254700000001",
	}
}

func TestInitiateFromApproved(t *testing.T) {
	f := newPaymentFixture(t)
	sess := approvedSession()

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)
	f.gateway.EXPECT().STKPush(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req domainPayment.STKPushRequest) (*domainPayment.STKPushResponse, error) {
			assert.True(t, req.Amount.Equal(sess.Price))
			assert.Equal(t, "254700000001", req.PhoneNumber)
			assert.Equal(t, sess.SessionID.String(), req.AccountReference)
			return pushResponse(), nil
		})
	f.sessionRepo.EXPECT().Update(gomock.Any(), sess, int64(1)).Return(nil)

	res, err := f.svc.Initiate(context.Background(), sess.SessionID, "254700000001")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", res.CorrelationID)
	assert.Equal(t, "mr-1", res.MerchantRequestID)

	assert.Equal(t, session.StatusPaymentSubmitted, sess.Status)
	assert.Equal(t, session.PaymentProcessing, sess.PaymentStatus)
	require.NotNil(t, sess.GatewayCorrelation)
	assert.Equal(t, "ws_CO_1", sess.GatewayCorrelation.CheckoutRequestID)
	assert.NotNil(t, sess.PaymentInitiatedAt)
	require.Len(t, sess.PaymentAttempts, 1)
	assert.Equal(t, session.AttemptInitiated, sess.PaymentAttempts[0].Outcome)
	assert.Equal(t, 1, f.notifier.calls)
}

func TestInitiateRejectedWhileInFlight(t *testing.T) {
	f := newPaymentFixture(t)
	sess := awaitingCallbackSession()

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)

	_, err := f.svc.Initiate(context.Background(), sess.SessionID, "254700000001")
	assert.ErrorIs(t, err, ErrPaymentAlreadyInFlight)
}

func TestInitiateAllowedAfterWindowExpiry(t *testing.T) {
	f := newPaymentFixture(t)
	sess := awaitingCallbackSession()
	stale := time.Now().UTC().Add(-3 * time.Minute)
	sess.PaymentInitiatedAt = &stale

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)
	f.gateway.EXPECT().STKPush(gomock.Any(), gomock.Any()).Return(&domainPayment.STKPushResponse{
		CheckoutRequestID: "ws_CO_2",
		MerchantRequestID: "mr-2",
		ResponseCode:      "0",
	}, nil)
	f.sessionRepo.EXPECT().Update(gomock.Any(), sess, sess.Version).Return(nil)

	res, err := f.svc.Initiate(context.Background(), sess.SessionID, "254700000001")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_2", res.CorrelationID)
	assert.Equal(t, "ws_CO_2", sess.GatewayCorrelation.CheckoutRequestID)
}

func TestInitiateRejectedWhenConfirmed(t *testing.T) {
	f := newPaymentFixture(t)
	sess := approvedSession()
	sess.Status = session.StatusConfirmed
	sess.PaymentStatus = session.PaymentConfirmed

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)

	_, err := f.svc.Initiate(context.Background(), sess.SessionID, "254700000001")
	assert.ErrorIs(t, err, ErrPaymentAlreadyConfirmed)
}

func TestInitiateRejectedBeforeApproval(t *testing.T) {
	f := newPaymentFixture(t)
	sess := approvedSession()
	sess.Status = session.StatusRequested

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)

	_, err := f.svc.Initiate(context.Background(), sess.SessionID, "254700000001")
	assert.ErrorIs(t, err, ErrNotAwaitingPayment)
}

func TestInitiateGatewayFailureLeavesSessionUntouched(t *testing.T) {
	f := newPaymentFixture(t)
	sess := approvedSession()

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)
	f.gateway.EXPECT().STKPush(gomock.Any(), gomock.Any()).Return(nil, domainPayment.ErrGatewayUnavailable)
	f.sessionRepo.EXPECT().Update(gomock.Any(), sess, sess.Version).Return(nil)

	_, err := f.svc.Initiate(context.Background(), sess.SessionID, "254700000001")
	assert.ErrorIs(t, err, domainPayment.ErrGatewayUnavailable)

	assert.Equal(t, session.StatusApproved, sess.Status)
	assert.Equal(t, session.PaymentPending, sess.PaymentStatus)
	assert.Nil(t, sess.GatewayCorrelation)
	require.Len(t, sess.PaymentAttempts, 1)
	assert.Equal(t, session.AttemptFailedToInitiate, sess.PaymentAttempts[0].Outcome)
}

func TestInitiateRetriesOnceOnVersionConflict(t *testing.T) {
	f := newPaymentFixture(t)
	first := approvedSession()
	second := approvedSession()
	second.SessionID = first.SessionID
	second.Version = 2

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), first.SessionID).Return(first, nil)
	f.gateway.EXPECT().STKPush(gomock.Any(), gomock.Any()).Return(pushResponse(), nil)
	gomock.InOrder(
		f.sessionRepo.EXPECT().Update(gomock.Any(), first, int64(1)).Return(session.ErrVersionConflict),
		f.sessionRepo.EXPECT().GetByID(gomock.Any(), first.SessionID).Return(second, nil),
		f.sessionRepo.EXPECT().Update(gomock.Any(), second, int64(2)).Return(nil),
	)

	res, err := f.svc.Initiate(context.Background(), first.SessionID, "254700000001")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", res.CorrelationID)
	assert.Equal(t, session.StatusPaymentSubmitted, second.Status)
}

func TestInitiateGivesUpAfterSecondConflict(t *testing.T) {
	f := newPaymentFixture(t)
	first := approvedSession()
	second := approvedSession()
	second.SessionID = first.SessionID
	second.Version = 2

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), first.SessionID).Return(first, nil)
	f.gateway.EXPECT().STKPush(gomock.Any(), gomock.Any()).Return(pushResponse(), nil)
	gomock.InOrder(
		f.sessionRepo.EXPECT().Update(gomock.Any(), first, int64(1)).Return(session.ErrVersionConflict),
		f.sessionRepo.EXPECT().GetByID(gomock.Any(), first.SessionID).Return(second, nil),
		f.sessionRepo.EXPECT().Update(gomock.Any(), second, int64(2)).Return(session.ErrVersionConflict),
	)

	_, err := f.svc.Initiate(context.Background(), first.SessionID, "254700000001")
	assert.ErrorIs(t, err, ErrTransientFailure)
}

func TestInitiateConflictLoserSeesInFlight(t *testing.T) {
	f := newPaymentFixture(t)
	first := approvedSession()
	winner := awaitingCallbackSession()
	winner.SessionID = first.SessionID
	winner.Version = 2

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), first.SessionID).Return(first, nil)
	f.gateway.EXPECT().STKPush(gomock.Any(), gomock.Any()).Return(pushResponse(), nil)
	gomock.InOrder(
		f.sessionRepo.EXPECT().Update(gomock.Any(), first, int64(1)).Return(session.ErrVersionConflict),
		f.sessionRepo.EXPECT().GetByID(gomock.Any(), first.SessionID).Return(winner, nil),
	)

	_, err := f.svc.Initiate(context.Background(), first.SessionID, "254700000001")
	assert.ErrorIs(t, err, ErrPaymentAlreadyInFlight)
}

func TestCallbackConfirmsSession(t *testing.T) {
	f := newPaymentFixture(t)
	sess := awaitingCallbackSession()

	f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(sess, nil)
	f.sessionRepo.EXPECT().Update(gomock.Any(), sess, int64(1)).Return(nil)

	res, err := f.svc.ProcessCallback(context.Background(), successCallback())
	require.NoError(t, err)
	assert.Equal(t, callback.DispositionApplied, res.Disposition)

	assert.Equal(t, session.StatusConfirmed, sess.Status)
	assert.Equal(t, session.PaymentConfirmed, sess.PaymentStatus)
	assert.Nil(t, sess.GatewayCorrelation)
	require.NotNil(t, sess.PaymentResult)
	assert.Equal(t, "RKT123ABC", sess.PaymentResult.TransactionID)
	require.Len(t, sess.PaymentAttempts, 2)
	assert.Equal(t, session.AttemptConfirmed, sess.PaymentAttempts[1].Outcome)

	require.Len(t, f.callbacks.events, 1)
	assert.Equal(t, callback.DispositionApplied, f.callbacks.events[0].Disposition)
	assert.Empty(t, f.alerts.raised)
	assert.Equal(t, session.PaymentConfirmed, f.notifier.last)
}

func TestCallbackReplayAcknowledgedWithoutMutation(t *testing.T) {
	f := newPaymentFixture(t)

	// After the first apply the correlation is cleared, so the replayed id no
	// longer matches any session.
	f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(nil, nil)

	res, err := f.svc.ProcessCallback(context.Background(), successCallback())
	require.NoError(t, err)
	assert.Equal(t, callback.DispositionStale, res.Disposition)
	assert.Nil(t, res.SessionID)

	require.Len(t, f.callbacks.events, 1)
	assert.Equal(t, callback.DispositionStale, f.callbacks.events[0].Disposition)
	assert.Equal(t, 0, f.notifier.calls)
}

func TestCallbackDuplicateResultAcknowledged(t *testing.T) {
	f := newPaymentFixture(t)
	sess := awaitingCallbackSession()
	sess.PaymentResult = &session.PaymentResult{TransactionID: "RKT123ABC", Amount: sess.Price}

	f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(sess, nil)

	res, err := f.svc.ProcessCallback(context.Background(), successCallback())
	require.NoError(t, err)
	assert.Equal(t, callback.DispositionDuplicate, res.Disposition)
	require.Len(t, sess.PaymentAttempts, 1)
}

func TestCallbackFailureKeepsSessionRetryable(t *testing.T) {
	f := newPaymentFixture(t)
	sess := awaitingCallbackSession()
	payload := successCallback()
	payload.ResultCode = 1032
	payload.ResultDesc = "Request cancelled by user"
	payload.Amount = nil
	payload.TransactionID = ""

	f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(sess, nil)
	f.sessionRepo.EXPECT().Update(gomock.Any(), sess, int64(1)).Return(nil)

	res, err := f.svc.ProcessCallback(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, callback.DispositionFailed, res.Disposition)

	assert.Equal(t, session.StatusPaymentSubmitted, sess.Status)
	assert.Equal(t, session.PaymentFailed, sess.PaymentStatus)
	assert.Nil(t, sess.GatewayCorrelation)
	assert.Nil(t, sess.PaymentResult)
	require.Len(t, sess.PaymentAttempts, 2)
	assert.Equal(t, session.AttemptFailed, sess.PaymentAttempts[1].Outcome)
	assert.Equal(t, "Request cancelled by user", sess.PaymentAttempts[1].Detail)
}

func TestCallbackAfterCancellationRecordsConflict(t *testing.T) {
	f := newPaymentFixture(t)
	sess := awaitingCallbackSession()
	require.NoError(t, sess.Transition(session.StatusCancelled))

	f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(sess, nil)
	f.sessionRepo.EXPECT().Update(gomock.Any(), sess, int64(1)).Return(nil)

	res, err := f.svc.ProcessCallback(context.Background(), successCallback())
	require.NoError(t, err)
	assert.Equal(t, callback.DispositionConflict, res.Disposition)

	// The money moved but the status is never forced back.
	assert.Equal(t, session.StatusCancelled, sess.Status)
	assert.Equal(t, session.PaymentConfirmed, sess.PaymentStatus)
	require.NotNil(t, sess.PaymentResult)
	require.Len(t, sess.PaymentAttempts, 2)
	assert.Equal(t, session.AttemptConfirmedConflict, sess.PaymentAttempts[1].Outcome)

	require.Len(t, f.alerts.raised, 1)
	assert.Equal(t, alert.SeverityWarning, f.alerts.raised[0].Severity)
}

func TestCallbackRetriesOnceOnVersionConflict(t *testing.T) {
	f := newPaymentFixture(t)
	first := awaitingCallbackSession()
	second := awaitingCallbackSession()
	second.SessionID = first.SessionID
	second.Version = 2

	gomock.InOrder(
		f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(first, nil),
		f.sessionRepo.EXPECT().Update(gomock.Any(), first, int64(1)).Return(session.ErrVersionConflict),
		f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(second, nil),
		f.sessionRepo.EXPECT().Update(gomock.Any(), second, int64(2)).Return(nil),
	)

	res, err := f.svc.ProcessCallback(context.Background(), successCallback())
	require.NoError(t, err)
	assert.Equal(t, callback.DispositionApplied, res.Disposition)
	assert.Equal(t, session.StatusConfirmed, second.Status)
}

func TestCallbackGivesUpAfterSecondConflict(t *testing.T) {
	f := newPaymentFixture(t)
	first := awaitingCallbackSession()
	second := awaitingCallbackSession()
	second.SessionID = first.SessionID
	second.Version = 2

	gomock.InOrder(
		f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(first, nil),
		f.sessionRepo.EXPECT().Update(gomock.Any(), first, int64(1)).Return(session.ErrVersionConflict),
		f.sessionRepo.EXPECT().GetByCheckoutRequestID(gomock.Any(), "ws_CO_1").Return(second, nil),
		f.sessionRepo.EXPECT().Update(gomock.Any(), second, int64(2)).Return(session.ErrVersionConflict),
	)

	_, err := f.svc.ProcessCallback(context.Background(), successCallback())
	assert.ErrorIs(t, err, ErrTransientFailure)
}

func TestStatusCheck(t *testing.T) {
	f := newPaymentFixture(t)
	sess := awaitingCallbackSession()

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), sess.SessionID).Return(sess, nil)

	proj, err := f.svc.StatusCheck(context.Background(), sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, sess.SessionID, proj.SessionID)
	assert.Equal(t, session.StatusPaymentSubmitted, proj.Status)
	assert.Equal(t, session.PaymentProcessing, proj.PaymentStatus)
	assert.Nil(t, proj.LastResult)
}

func TestStatusCheckNotFound(t *testing.T) {
	f := newPaymentFixture(t)
	id := uuid.New()

	f.sessionRepo.EXPECT().GetByID(gomock.Any(), id).Return(nil, nil)

	_, err := f.svc.StatusCheck(context.Background(), id)
	assert.ErrorIs(t, err, session.ErrNotFound)
}
