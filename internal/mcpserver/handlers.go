package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListOffers browses the offer book.
func (h *Handlers) HandleListOffers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	assetType := req.GetString("asset_type", "")
	side := req.GetString("side", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListOffers(ctx, assetType, side, "active", limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list offers: %v", err)), nil
	}

	text, err := formatOfferList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse offers: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleCreateOffer posts a new offer.
func (h *Handlers) HandleCreateOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	side := req.GetString("side", "")
	if side == "" {
		return mcp.NewToolResultError("side is required"), nil
	}
	assetType := req.GetString("asset_type", "")
	if assetType == "" {
		return mcp.NewToolResultError("asset_type is required"), nil
	}
	amount := req.GetInt("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive number of units"), nil
	}
	price := req.GetString("price", "")
	if price == "" {
		return mcp.NewToolResultError("price is required"), nil
	}
	currency := req.GetString("currency", "")
	if currency == "" {
		return mcp.NewToolResultError("currency is required"), nil
	}

	raw, err := h.client.CreateOffer(ctx, side, assetType, int64(amount), price, currency)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create offer: %v", err)), nil
	}

	var o offerInfo
	if err := json.Unmarshal(raw, &o); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse offer: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Offer created.\n"+
			"ID: %s\n"+
			"%s %d %s at %s %s/unit (total %s %s)\n"+
			"Status: %s",
		o.ID, strings.ToUpper(o.Side), o.Amount, o.AssetType,
		o.Price, o.Currency, o.TotalValue, o.Currency, o.Status)), nil
}

// HandleCancelOffer withdraws an offer.
func (h *Handlers) HandleCancelOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	offerID := req.GetString("offer_id", "")
	if offerID == "" {
		return mcp.NewToolResultError("offer_id is required"), nil
	}

	raw, err := h.client.CancelOffer(ctx, offerID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel offer: %v", err)), nil
	}

	var o offerInfo
	if err := json.Unmarshal(raw, &o); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse offer: %v", err)), nil
	}

	text := fmt.Sprintf("Offer %s cancelled.", o.ID)
	if o.OpenTrades > 0 {
		text += fmt.Sprintf(" %d trade(s) still in flight will settle normally.", o.OpenTrades)
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAcceptOffer takes an offer and reports the resulting trade.
func (h *Handlers) HandleAcceptOffer(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	offerID := req.GetString("offer_id", "")
	if offerID == "" {
		return mcp.NewToolResultError("offer_id is required"), nil
	}
	amount := req.GetInt("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive number of units"), nil
	}

	raw, err := h.client.AcceptOffer(ctx, offerID, int64(amount))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to accept offer: %v", err)), nil
	}

	var tr tradeInfo
	if err := json.Unmarshal(raw, &tr); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trade: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Trade opened.\n"+
			"Trade ID: %s\n"+
			"Escrow ID: %s\n"+
			"%d units at %s %s/unit, total %s %s held in escrow.\n"+
			"Deadline: %s\n\n"+
			"The buyer should advance_trade with status 'paid', then the seller "+
			"confirms with status 'confirmed' to release the escrow.",
		tr.ID, tr.EscrowID, tr.Amount, tr.Price, tr.Currency,
		tr.TotalValue, tr.Currency, tr.Deadline)), nil
}

// HandleGetTrade reports a trade's state.
func (h *Handlers) HandleGetTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.GetTrade(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trade: %v", err)), nil
	}

	text, err := formatTrade(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trade: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleAdvanceTrade steps a trade through settlement.
func (h *Handlers) HandleAdvanceTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}
	status := req.GetString("status", "")
	if status != "paid" && status != "confirmed" {
		return mcp.NewToolResultError("status must be 'paid' or 'confirmed'"), nil
	}

	raw, err := h.client.AdvanceTrade(ctx, tradeID, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to advance trade: %v", err)), nil
	}

	var tr tradeInfo
	if err := json.Unmarshal(raw, &tr); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trade: %v", err)), nil
	}

	switch tr.Status {
	case "completed":
		return mcp.NewToolResultText(fmt.Sprintf(
			"Trade %s completed. Escrowed %s %s released to the seller.",
			tr.ID, tr.TotalValue, tr.Currency)), nil
	case "paid":
		return mcp.NewToolResultText(fmt.Sprintf(
			"Trade %s marked paid. Waiting for the seller to confirm.", tr.ID)), nil
	default:
		return mcp.NewToolResultText(fmt.Sprintf("Trade %s is now %s.", tr.ID, tr.Status)), nil
	}
}

// HandleCancelTrade backs out of a trade.
func (h *Handlers) HandleCancelTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.CancelTrade(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to cancel trade: %v", err)), nil
	}

	var tr tradeInfo
	if err := json.Unmarshal(raw, &tr); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trade: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Trade %s cancelled. Escrowed %s %s refunded to the buyer.",
		tr.ID, tr.TotalValue, tr.Currency)), nil
}

// HandleOpenDispute freezes a trade's escrow for review.
func (h *Handlers) HandleOpenDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.OpenDispute(ctx, tradeID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open dispute: %v", err)), nil
	}

	var d disputeInfo
	if err := json.Unmarshal(raw, &d); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Dispute opened on trade %s.\n"+
			"Dispute ID: %s\n"+
			"The escrow is frozen until an admin resolves the dispute. "+
			"Use submit_evidence to support your case.",
		d.TradeID, d.ID)), nil
}

// HandleSubmitEvidence attaches evidence to a dispute.
func (h *Handlers) HandleSubmitEvidence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	disputeID := req.GetString("dispute_id", "")
	if disputeID == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	content := req.GetString("content", "")
	if content == "" {
		return mcp.NewToolResultError("content is required"), nil
	}

	raw, err := h.client.SubmitEvidence(ctx, disputeID, content)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit evidence: %v", err)), nil
	}

	var d disputeInfo
	if err := json.Unmarshal(raw, &d); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Evidence recorded on dispute %s (%d entr%s total).",
		d.ID, len(d.Evidence), plural(len(d.Evidence), "y", "ies"))), nil
}

// --- Formatting helpers ---

type offerInfo struct {
	ID         string `json:"id"`
	MakerID    string `json:"makerId"`
	Side       string `json:"side"`
	AssetType  string `json:"assetType"`
	Amount     int64  `json:"amount"`
	Remaining  int64  `json:"remaining"`
	Price      string `json:"price"`
	Currency   string `json:"currency"`
	TotalValue string `json:"totalValue"`
	Status     string `json:"status"`
	OpenTrades int    `json:"openTrades"`
	ExpiresAt  string `json:"expiresAt"`
}

type tradeInfo struct {
	ID         string `json:"id"`
	OfferID    string `json:"offerId"`
	BuyerID    string `json:"buyerId"`
	SellerID   string `json:"sellerId"`
	Amount     int64  `json:"amount"`
	Price      string `json:"price"`
	Currency   string `json:"currency"`
	TotalValue string `json:"totalValue"`
	Status     string `json:"status"`
	EscrowID   string `json:"escrowId"`
	DisputeID  string `json:"disputeId"`
	Deadline   string `json:"deadline"`
}

type disputeInfo struct {
	ID       string `json:"id"`
	TradeID  string `json:"tradeId"`
	Status   string `json:"status"`
	Evidence []struct {
		SubmittedBy string `json:"submittedBy"`
		Content     string `json:"content"`
	} `json:"evidence"`
}

func formatOfferList(raw json.RawMessage) (string, error) {
	var offers []offerInfo
	if err := json.Unmarshal(raw, &offers); err != nil {
		// Try as {"offers": [...]}
		var wrapper struct {
			Offers []offerInfo `json:"offers"`
		}
		if err := json.Unmarshal(raw, &wrapper); err != nil {
			return "", fmt.Errorf("unexpected offers response format")
		}
		offers = wrapper.Offers
	}

	if len(offers) == 0 {
		return "No open offers match your criteria.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d offer(s):\n\n", len(offers))
	for i, o := range offers {
		fmt.Fprintf(&sb, "%d. [%s] %s %s\n", i+1, strings.ToUpper(o.Side), o.AssetType, o.ID)
		fmt.Fprintf(&sb, "   %d of %d units remaining at %s %s/unit\n", o.Remaining, o.Amount, o.Price, o.Currency)
		fmt.Fprintf(&sb, "   Maker: %s\n", o.MakerID)
		if o.ExpiresAt != "" {
			fmt.Fprintf(&sb, "   Expires: %s\n", o.ExpiresAt)
		}
		if i < len(offers)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String(), nil
}

func formatTrade(raw json.RawMessage) (string, error) {
	var tr tradeInfo
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Trade %s\n", tr.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", tr.Status)
	fmt.Fprintf(&sb, "  Offer: %s\n", tr.OfferID)
	fmt.Fprintf(&sb, "  Buyer: %s | Seller: %s\n", tr.BuyerID, tr.SellerID)
	fmt.Fprintf(&sb, "  %d units at %s %s/unit, total %s %s\n", tr.Amount, tr.Price, tr.Currency, tr.TotalValue, tr.Currency)
	if tr.EscrowID != "" {
		fmt.Fprintf(&sb, "  Escrow: %s\n", tr.EscrowID)
	}
	if tr.DisputeID != "" {
		fmt.Fprintf(&sb, "  Dispute: %s\n", tr.DisputeID)
	}
	if tr.Deadline != "" {
		fmt.Fprintf(&sb, "  Deadline: %s\n", tr.Deadline)
	}
	return sb.String(), nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
