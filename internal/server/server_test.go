package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tradeloop/peerswap/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{
		Port:           "8080",
		Env:            "development",
		LogLevel:       "error",
		Rail:           "memory",
		TradeTTL:       time.Hour,
		ReservationTTL: 15 * time.Minute,
		DisputeSLA:     48 * time.Hour,
		SweepInterval:  time.Minute,
		ReplayDepth:    256,
		APITokens:      "tok-alice=alice,tok-bob=bob,tok-admin=root:admin",
	}
	s, err := New(cfg, WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("New server: %v", err)
	}
	return s
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *Server) do(t *testing.T, method, path, token string, body any) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	var env envelope
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, &env
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}

	w, _ = s.do(t, http.MethodGet, "/health/live", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("live: expected 200, got %d", w.Code)
	}

	// Not ready until Run marks it
	w, _ = s.do(t, http.MethodGet, "/health/ready", "", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("ready: expected 503 before startup, got %d", w.Code)
	}
}

func TestCreateOfferRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodPost, "/v1/offers", "", map[string]any{
		"side": "sell", "assetType": "gpu-hours", "amount": 10,
		"price": "2.00", "currency": "USD",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", w.Code)
	}
	if env.Error == nil || env.Error.Code != "unauthenticated" {
		t.Errorf("Expected unauthenticated error, got %+v", env.Error)
	}
}

func TestOfferLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t)

	w, env := s.do(t, http.MethodPost, "/v1/offers", "tok-alice", map[string]any{
		"side": "sell", "assetType": "gpu-hours", "amount": 10,
		"price": "2.00", "currency": "USD",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create offer: expected 201, got %d (%s)", w.Code, w.Body.String())
	}

	var offer struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if offer.Status != "active" {
		t.Errorf("Expected active offer, got %s", offer.Status)
	}

	// Anyone can browse the book
	w, _ = s.do(t, http.MethodGet, "/v1/offers/"+offer.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("get offer: expected 200, got %d", w.Code)
	}

	// Only the maker can cancel
	w, _ = s.do(t, http.MethodPost, "/v1/offers/"+offer.ID+"/cancel", "tok-bob", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("cancel by stranger: expected 403, got %d", w.Code)
	}
	w, _ = s.do(t, http.MethodPost, "/v1/offers/"+offer.ID+"/cancel", "tok-alice", nil)
	if w.Code != http.StatusOK {
		t.Errorf("cancel by maker: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
}

func TestTradeFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	_, env := s.do(t, http.MethodPost, "/v1/offers", "tok-alice", map[string]any{
		"side": "sell", "assetType": "gpu-hours", "amount": 10,
		"price": "2.00", "currency": "USD",
	})
	var offer struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}

	w, env := s.do(t, http.MethodPost, "/v1/trades", "tok-bob", map[string]any{
		"offerId": offer.ID, "amount": 10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("accept: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var trade struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		EscrowID string `json:"escrowId"`
	}
	if err := json.Unmarshal(env.Data, &trade); err != nil {
		t.Fatalf("decode trade: %v", err)
	}
	if trade.Status != "pending" || trade.EscrowID == "" {
		t.Fatalf("Expected pending trade with escrow, got %+v", trade)
	}

	// Buyer pays, seller confirms, trade completes
	w, _ = s.do(t, http.MethodPost, "/v1/trades/"+trade.ID+"/status", "tok-bob", map[string]any{"status": "paid"})
	if w.Code != http.StatusOK {
		t.Fatalf("paid: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	w, env = s.do(t, http.MethodPost, "/v1/trades/"+trade.ID+"/status", "tok-alice", map[string]any{"status": "confirmed"})
	if w.Code != http.StatusOK {
		t.Fatalf("confirmed: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var done struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &done); err != nil {
		t.Fatalf("decode trade: %v", err)
	}
	if done.Status != "completed" {
		t.Errorf("Expected completed, got %s", done.Status)
	}

	// Strangers cannot view the trade
	w, _ = s.do(t, http.MethodGet, "/v1/trades/"+trade.ID, "tok-admin", nil)
	if w.Code != http.StatusOK {
		t.Errorf("admin get trade: expected 200, got %d", w.Code)
	}
}

func TestMalformedIDReturns404(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/v1/offers/not-an-id", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for malformed id, got %d", w.Code)
	}
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	s := newTestServer(t)

	_, env := s.do(t, http.MethodPost, "/v1/offers", "tok-alice", map[string]any{
		"side": "sell", "assetType": "gpu-hours", "amount": 5,
		"price": "1.00", "currency": "USD",
	})
	var offer struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	_, env = s.do(t, http.MethodPost, "/v1/trades", "tok-bob", map[string]any{
		"offerId": offer.ID, "amount": 5,
	})
	var trade struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &trade); err != nil {
		t.Fatalf("decode trade: %v", err)
	}

	w, env := s.do(t, http.MethodPost, "/v1/trades/"+trade.ID+"/dispute", "tok-bob", map[string]any{
		"reason": "asset never delivered",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("open dispute: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var dispute struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &dispute); err != nil {
		t.Fatalf("decode dispute: %v", err)
	}

	// Non-admin cannot claim
	w, _ = s.do(t, http.MethodPost, "/v1/disputes/"+dispute.ID+"/claim", "tok-bob", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("claim by party: expected 403, got %d", w.Code)
	}

	w, _ = s.do(t, http.MethodPost, "/v1/disputes/"+dispute.ID+"/claim", "tok-admin", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	w, env = s.do(t, http.MethodPost, "/v1/disputes/"+dispute.ID+"/resolve", "tok-admin", map[string]any{
		"resolution": "refund", "notes": "seller unresponsive",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	var resolved struct {
		Status     string `json:"status"`
		Resolution string `json:"resolution"`
	}
	if err := json.Unmarshal(env.Data, &resolved); err != nil {
		t.Fatalf("decode dispute: %v", err)
	}
	if resolved.Status != "resolved" || resolved.Resolution != "refund" {
		t.Errorf("Expected resolved/refund, got %+v", resolved)
	}

	// The refunded trade is cancelled
	_, env = s.do(t, http.MethodGet, "/v1/trades/"+trade.ID, "tok-bob", nil)
	var got struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &got); err != nil {
		t.Fatalf("decode trade: %v", err)
	}
	if got.Status != "cancelled" {
		t.Errorf("Expected cancelled, got %s", got.Status)
	}
}
