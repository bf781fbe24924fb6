package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNoop_DoesNothing(t *testing.T) {
	var n Noop
	// Must not panic or block.
	n.Notify(context.Background(), "alice", EventTradeStatus, map[string]any{"tradeId": "trd_x"})
}

func TestWebhook_Delivers(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	w := NewWebhook(server.URL, "", nil)
	w.Notify(context.Background(), "alice", EventOfferMatched, map[string]any{"offerId": "off_x"})

	// Wait for async delivery
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 delivery, got %d", received.Load())
	}
}

func TestWebhook_IncludesSignatureAndHeaders(t *testing.T) {
	secret := "test_webhook_secret" //nolint:gosec // test credential

	var mu sync.Mutex
	var gotSig, gotEventType, gotTimestamp string
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Peerswap-Signature")
		gotEventType = r.Header.Get("X-Peerswap-Event")
		gotTimestamp = r.Header.Get("X-Peerswap-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	wh := NewWebhook(server.URL, secret, nil)
	wh.Notify(context.Background(), "bob", EventDisputeOpened, map[string]any{"disputeId": "dsp_x"})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotEventType != "dispute.opened" {
		t.Errorf("Expected event type dispute.opened, got %s", gotEventType)
	}
	if gotTimestamp == "" {
		t.Error("Expected timestamp header")
	}
	if gotSig == "" {
		t.Fatal("Expected signature header")
	}

	// Verify signature
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(gotBody)
	expected := hex.EncodeToString(h.Sum(nil))
	if gotSig != expected {
		t.Errorf("Signature mismatch: %s != %s", gotSig, expected)
	}
}

func TestWebhook_PayloadFormat(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	wh := NewWebhook(server.URL, "", nil)
	wh.Notify(context.Background(), "alice", EventTradeStatus, map[string]any{
		"tradeId": "trd_abc",
		"status":  "paid",
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse payload: %v", err)
	}
	if parsed.Type != EventTradeStatus {
		t.Errorf("Expected type trade.status_changed, got %s", parsed.Type)
	}
	if parsed.Principal != "alice" {
		t.Errorf("Expected principal alice, got %s", parsed.Principal)
	}
	if parsed.ID == "" {
		t.Error("Expected generated event ID")
	}
}

func TestWebhook_FailureDoesNotPanic(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	wh := NewWebhook(server.URL, "", nil)
	wh.Notify(context.Background(), "alice", EventTradeCancelled, nil)

	time.Sleep(200 * time.Millisecond)
	// Fire-and-forget: nothing to assert beyond not panicking.
}

func TestWebhook_SurvivesCancelledRequestContext(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	wh := NewWebhook(server.URL, "", nil)
	wh.Notify(ctx, "alice", EventDisputeResolved, nil)
	cancel() // Request context ends before delivery completes.

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected delivery despite cancelled request context, got %d", received.Load())
	}
}
