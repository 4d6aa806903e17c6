package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	domainPayment "github.com/akili-health/akili-backend/internal/domain/payment"
	"github.com/akili-health/akili-backend/internal/infrastructure/sse"
)

type initiatePaymentRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,min=10,max=15,numeric"`
}

func (s *Server) initiatePayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	var req initiatePaymentRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	res, err := s.paymentSvc.Initiate(r.Context(), id, req.PhoneNumber)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

func (s *Server) paymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	proj, err := s.paymentSvc.StatusCheck(r.Context(), id)
	if err != nil {
		s.respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, proj)
}

// stkCallbackEnvelope is the gateway's wire shape for payment results.
type stkCallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID" validate:"required"`
			CheckoutRequestID string `json:"CheckoutRequestID" validate:"required"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  *struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata,omitempty"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

func (e *stkCallbackEnvelope) toPayload() domainPayment.CallbackPayload {
	cb := e.Body.StkCallback
	payload := domainPayment.CallbackPayload{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
	}
	if cb.CallbackMetadata == nil {
		return payload
	}
	for _, item := range cb.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			if f, ok := item.Value.(float64); ok {
				amount := decimal.NewFromFloat(f)
				payload.Amount = &amount
			}
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				payload.TransactionID = v
			}
		case "PhoneNumber":
			payload.PhoneNumber = metadataString(item.Value)
		case "TransactionDate":
			payload.TransactionDate = metadataString(item.Value)
		}
	}
	return payload
}

// metadataString renders a callback metadata value. The gateway sends phone
// numbers and dates as JSON numbers, which must not pick up exponent notation.
func metadataString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// paymentCallback receives gateway results. Delivery is at-least-once, so any
// business outcome (applied, duplicate, stale, conflict) is acknowledged with
// a gateway-shaped success body. Only auth and payload-shape failures are
// rejected.
func (s *Server) paymentCallback(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeCallback(r) {
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid callback token")
		return
	}

	var envelope stkCallbackEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.validate.Struct(envelope); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}

	payload := envelope.toPayload()
	res, err := s.paymentSvc.ProcessCallback(r.Context(), payload)
	if err != nil {
		s.logger.Error().Err(err).
			Str("checkoutRequestId", payload.CheckoutRequestID).
			Msg("callback processing failed")
		// The gateway retries on non-success; a retry is exactly what a
		// transient conflict needs, so surface the failure.
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"ResultCode": 1,
			"ResultDesc": "Rejected",
		})
		return
	}

	s.logger.Info().
		Str("checkoutRequestId", payload.CheckoutRequestID).
		Str("disposition", string(res.Disposition)).
		Msg("callback acknowledged")
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ResultCode": 0,
		"ResultDesc": "Accepted",
	})
}

func (s *Server) authorizeCallback(r *http.Request) bool {
	if s.callbackTokenHash == "" {
		return true
	}
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(s.callbackTokenHash), []byte(token)) == nil
}

func (s *Server) paymentStream(w http.ResponseWriter, r *http.Request) {
	id, err := parseUUIDParam(r, "sessionId")
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid sessionId")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	client := sse.NewClient(id)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Initial comment flushes headers and keeps the connection alive.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.MessageChan:
			if msg == nil {
				return
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Event, msg.Data)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
