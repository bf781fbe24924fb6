// Package mcpserver exposes the exchange API as MCP tools so agents can
// browse offers, take trades, and manage disputes through a single stdio
// server.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the connection settings for the exchange API.
type Config struct {
	// APIURL is the base URL of the exchange API (e.g. http://localhost:8080).
	APIURL string
	// APIToken authenticates requests as a single principal.
	APIToken string
}

// Client is an HTTP client for the exchange REST API.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// envelope mirrors the API response wrapper. Success responses carry the
// payload under data; failures carry code and message under error.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// doRequest performs an HTTP request and unwraps the response envelope,
// returning the raw data payload.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u := c.cfg.APIURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if env.Error != nil {
			return nil, fmt.Errorf("HTTP %d: %s (%s)", resp.StatusCode, env.Error.Message, env.Error.Code)
		}
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return env.Data, nil
}

// ListOffers queries the public offer book.
func (c *Client) ListOffers(ctx context.Context, assetType, side, status string, limit int) (json.RawMessage, error) {
	query := url.Values{}
	if assetType != "" {
		query.Set("assetType", assetType)
	}
	if side != "" {
		query.Set("side", side)
	}
	if status != "" {
		query.Set("status", status)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/offers", query, nil)
}

// GetOffer fetches a single offer by ID.
func (c *Client) GetOffer(ctx context.Context, offerID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/offers/"+offerID, nil, nil)
}

// CreateOffer posts a new offer to the book.
func (c *Client) CreateOffer(ctx context.Context, side, assetType string, amount int64, price, currency string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/offers", nil, map[string]any{
		"side":      side,
		"assetType": assetType,
		"amount":    amount,
		"price":     price,
		"currency":  currency,
	})
}

// CancelOffer cancels one of the caller's offers.
func (c *Client) CancelOffer(ctx context.Context, offerID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/offers/"+offerID+"/cancel", nil, nil)
}

// AcceptOffer takes an offer, creating a trade with escrowed funds.
func (c *Client) AcceptOffer(ctx context.Context, offerID string, amount int64) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/trades", nil, map[string]any{
		"offerId": offerID,
		"amount":  amount,
	})
}

// GetTrade fetches a trade the caller is party to.
func (c *Client) GetTrade(ctx context.Context, tradeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/trades/"+tradeID, nil, nil)
}

// ListTrades returns trades for the given user.
func (c *Client) ListTrades(ctx context.Context, userID, status string) (json.RawMessage, error) {
	query := url.Values{}
	if status != "" {
		query.Set("status", status)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/users/"+userID+"/trades", query, nil)
}

// AdvanceTrade moves a trade to the next settlement step (paid or confirmed).
func (c *Client) AdvanceTrade(ctx context.Context, tradeID, status string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/trades/"+tradeID+"/status", nil, map[string]any{
		"status": status,
	})
}

// CancelTrade cancels a pending trade and refunds the escrow.
func (c *Client) CancelTrade(ctx context.Context, tradeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/trades/"+tradeID+"/cancel", nil, nil)
}

// OpenDispute freezes a trade's escrow and opens a dispute for review.
func (c *Client) OpenDispute(ctx context.Context, tradeID, reason string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/trades/"+tradeID+"/dispute", nil, map[string]any{
		"reason": reason,
	})
}

// GetDispute fetches a dispute the caller is party to.
func (c *Client) GetDispute(ctx context.Context, disputeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes/"+disputeID, nil, nil)
}

// SubmitEvidence attaches an evidence entry to an open dispute.
func (c *Client) SubmitEvidence(ctx context.Context, disputeID, content string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/disputes/"+disputeID+"/evidence", nil, map[string]any{
		"content": content,
	})
}
