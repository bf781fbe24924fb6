package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{APIURL: ts.URL, APIToken: "tok-alice"})
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// writeData wraps the payload in the API's success envelope.
func writeData(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeData(w, http.StatusOK, []any{})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIToken: "tok-secret123"})
	_, err := client.ListOffers(context.Background(), "", "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-secret123", gotAuth)
}

func TestClient_DoRequest_EnvelopeError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    "insufficient_remaining",
				"message": "requested 50 units but only 10 remain",
			},
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIToken: "k"})
	_, err := client.AcceptOffer(context.Background(), "off_1", 50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "only 10 remain")
	assert.Contains(t, err.Error(), "insufficient_remaining")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIToken: "k"})
	_, err := client.GetTrade(context.Background(), "trd_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1", APIToken: "k"})
	_, err := client.GetTrade(context.Background(), "trd_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		writeData(w, http.StatusOK, map[string]any{})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIToken: "k"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.GetTrade(ctx, "trd_1")
	require.Error(t, err)
}

func TestClient_ListOffers_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/offers", r.URL.Path)
		assert.Equal(t, "gpu-hours", r.URL.Query().Get("assetType"))
		assert.Equal(t, "sell", r.URL.Query().Get("side"))
		assert.Equal(t, "active", r.URL.Query().Get("status"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeData(w, http.StatusOK, []any{})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIToken: "k"})
	_, err := client.ListOffers(context.Background(), "gpu-hours", "sell", "active", 5)
	require.NoError(t, err)
}

func TestClient_AcceptOffer_Body(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/trades", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "off_abc", req["offerId"])
		assert.Equal(t, float64(3), req["amount"])
		writeData(w, http.StatusCreated, map[string]any{"id": "trd_1"})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIToken: "k"})
	_, err := client.AcceptOffer(context.Background(), "off_abc", 3)
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleListOffers(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, []map[string]any{
			{
				"id": "off_1", "makerId": "alice", "side": "sell",
				"assetType": "gpu-hours", "amount": 100, "remaining": 40,
				"price": "0.250000", "currency": "USDC", "status": "active",
			},
			{
				"id": "off_2", "makerId": "bob", "side": "sell",
				"assetType": "gpu-hours", "amount": 10, "remaining": 10,
				"price": "0.300000", "currency": "USDC", "status": "active",
			},
		})
	}))
	defer done()

	result, err := h.HandleListOffers(context.Background(), makeRequest(map[string]any{
		"asset_type": "gpu-hours",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Found 2 offer(s)")
	assert.Contains(t, text, "off_1")
	assert.Contains(t, text, "40 of 100 units remaining at 0.250000 USDC/unit")
	assert.Contains(t, text, "Maker: bob")
}

func TestHandleListOffers_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, []any{})
	}))
	defer done()

	result, err := h.HandleListOffers(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No open offers")
}

func TestHandleCreateOffer(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "sell", req["side"])
		assert.Equal(t, "gpu-hours", req["assetType"])
		writeData(w, http.StatusCreated, map[string]any{
			"id": "off_new", "side": "sell", "assetType": "gpu-hours",
			"amount": 10, "remaining": 10, "price": "0.250000",
			"currency": "USDC", "totalValue": "2.500000", "status": "active",
		})
	}))
	defer done()

	result, err := h.HandleCreateOffer(context.Background(), makeRequest(map[string]any{
		"side":       "sell",
		"asset_type": "gpu-hours",
		"amount":     10,
		"price":      "0.250000",
		"currency":   "USDC",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "off_new")
	assert.Contains(t, text, "SELL 10 gpu-hours")
	assert.Contains(t, text, "total 2.500000 USDC")
}

func TestHandleCreateOffer_MissingFields(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the API")
	}))
	defer done()

	result, err := h.HandleCreateOffer(context.Background(), makeRequest(map[string]any{
		"side": "sell",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "asset_type is required")
}

func TestHandleAcceptOffer(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusCreated, map[string]any{
			"id": "trd_1", "offerId": "off_1", "escrowId": "esc_1",
			"amount": 4, "price": "0.250000", "currency": "USDC",
			"totalValue": "1.000000", "status": "pending",
			"deadline": "2026-08-30T12:00:00Z",
		})
	}))
	defer done()

	result, err := h.HandleAcceptOffer(context.Background(), makeRequest(map[string]any{
		"offer_id": "off_1",
		"amount":   4,
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Trade ID: trd_1")
	assert.Contains(t, text, "Escrow ID: esc_1")
	assert.Contains(t, text, "total 1.000000 USDC held in escrow")
}

func TestHandleAcceptOffer_APIError(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    "insufficient_remaining",
				"message": "requested 50 units but only 10 remain",
			},
		})
	}))
	defer done()

	result, err := h.HandleAcceptOffer(context.Background(), makeRequest(map[string]any{
		"offer_id": "off_1",
		"amount":   50,
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "only 10 remain")
}

func TestHandleGetTrade(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/trades/trd_1", r.URL.Path)
		writeData(w, http.StatusOK, map[string]any{
			"id": "trd_1", "offerId": "off_1", "buyerId": "bob",
			"sellerId": "alice", "amount": 4, "price": "0.250000",
			"currency": "USDC", "totalValue": "1.000000",
			"status": "paid", "escrowId": "esc_1",
		})
	}))
	defer done()

	result, err := h.HandleGetTrade(context.Background(), makeRequest(map[string]any{
		"trade_id": "trd_1",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Trade trd_1")
	assert.Contains(t, text, "Status: paid")
	assert.Contains(t, text, "Buyer: bob | Seller: alice")
	assert.Contains(t, text, "Escrow: esc_1")
}

func TestHandleAdvanceTrade_Completed(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "confirmed", req["status"])
		writeData(w, http.StatusOK, map[string]any{
			"id": "trd_1", "status": "completed",
			"totalValue": "1.000000", "currency": "USDC",
		})
	}))
	defer done()

	result, err := h.HandleAdvanceTrade(context.Background(), makeRequest(map[string]any{
		"trade_id": "trd_1",
		"status":   "confirmed",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "completed")
	assert.Contains(t, text, "released to the seller")
}

func TestHandleAdvanceTrade_RejectsUnknownStatus(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the API")
	}))
	defer done()

	result, err := h.HandleAdvanceTrade(context.Background(), makeRequest(map[string]any{
		"trade_id": "trd_1",
		"status":   "completed",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "'paid' or 'confirmed'")
}

func TestHandleCancelTrade(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/trades/trd_1/cancel", r.URL.Path)
		writeData(w, http.StatusOK, map[string]any{
			"id": "trd_1", "status": "cancelled",
			"totalValue": "1.000000", "currency": "USDC",
		})
	}))
	defer done()

	result, err := h.HandleCancelTrade(context.Background(), makeRequest(map[string]any{
		"trade_id": "trd_1",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "refunded to the buyer")
}

func TestHandleOpenDispute(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/trades/trd_1/dispute", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "never delivered", req["reason"])
		writeData(w, http.StatusCreated, map[string]any{
			"id": "dsp_1", "tradeId": "trd_1", "status": "open",
		})
	}))
	defer done()

	result, err := h.HandleOpenDispute(context.Background(), makeRequest(map[string]any{
		"trade_id": "trd_1",
		"reason":   "never delivered",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Dispute ID: dsp_1")
	assert.Contains(t, text, "escrow is frozen")
}

func TestHandleOpenDispute_RequiresReason(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should reach the API")
	}))
	defer done()

	result, err := h.HandleOpenDispute(context.Background(), makeRequest(map[string]any{
		"trade_id": "trd_1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "reason is required")
}

func TestHandleSubmitEvidence(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/disputes/dsp_1/evidence", r.URL.Path)
		writeData(w, http.StatusOK, map[string]any{
			"id": "dsp_1", "tradeId": "trd_1", "status": "open",
			"evidence": []map[string]any{
				{"submittedBy": "bob", "content": "delivery log attached"},
			},
		})
	}))
	defer done()

	result, err := h.HandleSubmitEvidence(context.Background(), makeRequest(map[string]any{
		"dispute_id": "dsp_1",
		"content":    "delivery log attached",
	}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "1 entry total")
}

func TestHandleCancelOffer_WithOpenTrades(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/offers/off_1/cancel", r.URL.Path)
		writeData(w, http.StatusOK, map[string]any{
			"id": "off_1", "status": "cancelled", "openTrades": 2,
		})
	}))
	defer done()

	result, err := h.HandleCancelOffer(context.Background(), makeRequest(map[string]any{
		"offer_id": "off_1",
	}))
	require.NoError(t, err)

	text := resultText(t, result)
	assert.Contains(t, text, "Offer off_1 cancelled")
	assert.Contains(t, text, "2 trade(s) still in flight")
}
