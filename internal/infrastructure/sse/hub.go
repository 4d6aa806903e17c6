package sse

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/akili-health/akili-backend/internal/domain/session"
)

var (
	ErrClientNotFound = errors.New("sse client not found")
	ErrChannelFull    = errors.New("sse client channel full")
)

// Message is a single server-sent event.
type Message struct {
	Event string
	Data  []byte
}

type paymentStatusEvent struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
	At            string `json:"at"`
}

// Client is one open event stream, subscribed to a single session.
type Client struct {
	ID          string
	SessionID   uuid.UUID
	MessageChan chan *Message

	closeOnce sync.Once
}

func NewClient(sessionID uuid.UUID) *Client {
	return &Client{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		MessageChan: make(chan *Message, 16),
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.MessageChan)
	})
}

// Hub fans payment status changes out to subscribed streams.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		c.Close()
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NotifyPaymentStatus implements payment.StatusNotifier. Slow consumers are
// skipped rather than blocking the reconciliation path.
func (h *Hub) NotifyPaymentStatus(sessionID uuid.UUID, status session.Status, paymentStatus session.PaymentStatus) {
	data, err := json.Marshal(paymentStatusEvent{
		SessionID:     sessionID.String(),
		Status:        string(status),
		PaymentStatus: string(paymentStatus),
		At:            time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	msg := &Message{Event: "payment_status", Data: data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.SessionID == sessionID {
			trySend(c, msg)
		}
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
