// Package notify delivers event notifications to external services.
//
// Delivery is fire-and-forget: the exchange never blocks on a notification
// and never fails an operation because a notification could not be sent.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tradeloop/peerswap/internal/idgen"
	"github.com/tradeloop/peerswap/internal/metrics"
)

// EventType represents the type of notification event
type EventType string

const (
	EventOfferMatched    EventType = "offer.matched"
	EventTradeStatus     EventType = "trade.status_changed"
	EventTradeCancelled  EventType = "trade.cancelled"
	EventDisputeOpened   EventType = "dispute.opened"
	EventDisputeResolved EventType = "dispute.resolved"
)

// Event is the payload delivered to subscribers
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Principal string         `json:"principal"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Notifier delivers events to a principal. Implementations must not block
// the caller on network I/O.
type Notifier interface {
	Notify(ctx context.Context, principalID string, eventType EventType, data map[string]any)
}

// Noop discards all notifications. Used when no webhook URL is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string, EventType, map[string]any) {}

var _ Notifier = Noop{}

// Webhook posts events to a configured endpoint, HMAC-signed when a secret
// is set.
type Webhook struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook creates a webhook notifier targeting url.
func NewWebhook(url, secret string, logger *slog.Logger) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

var _ Notifier = (*Webhook)(nil)

// Notify sends the event asynchronously.
func (w *Webhook) Notify(ctx context.Context, principalID string, eventType EventType, data map[string]any) {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Principal: principalID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	// Send async to avoid blocking; detach from the request context so an
	// already-finished request doesn't cancel the delivery.
	go w.send(context.WithoutCancel(ctx), event)
}

func (w *Webhook) send(ctx context.Context, event *Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		w.fail(event, "marshal event failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(payload))
	if err != nil {
		w.fail(event, "create request failed")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Peerswap-Event", string(event.Type))
	req.Header.Set("X-Peerswap-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))

	// Sign the payload if secret is set
	if w.secret != "" {
		req.Header.Set("X-Peerswap-Signature", sign(payload, w.secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.fail(event, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.NotificationsTotal.WithLabelValues("delivered").Inc()
	} else {
		w.fail(event, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

func (w *Webhook) fail(event *Event, reason string) {
	metrics.NotificationsTotal.WithLabelValues("failed").Inc()
	if w.logger != nil {
		w.logger.Warn("notification delivery failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"reason", reason,
		)
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
