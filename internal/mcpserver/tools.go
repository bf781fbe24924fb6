package mcpserver

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// ToolListOffers browses the public offer book.
var ToolListOffers = mcp.NewTool("list_offers",
	mcp.WithDescription("Browse open offers on the exchange. Filter by asset type and side to find counterparties."),
	mcp.WithString("asset_type",
		mcp.Description("Filter by asset type (e.g. 'gpu-hours', 'api-credits')"),
	),
	mcp.WithString("side",
		mcp.Description("Filter by offer side"),
		mcp.Enum("buy", "sell"),
	),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of offers to return (default 20)"),
	),
)

// ToolCreateOffer posts a new offer.
var ToolCreateOffer = mcp.NewTool("create_offer",
	mcp.WithDescription("Post a new offer to the book. A sell offer advertises assets you hold; a buy offer advertises assets you want."),
	mcp.WithString("side",
		mcp.Required(),
		mcp.Description("Whether you are buying or selling the asset"),
		mcp.Enum("buy", "sell"),
	),
	mcp.WithString("asset_type",
		mcp.Required(),
		mcp.Description("Asset type being traded (e.g. 'gpu-hours')"),
	),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Number of asset units offered"),
	),
	mcp.WithString("price",
		mcp.Required(),
		mcp.Description("Per-unit price as a decimal string (e.g. '0.250000')"),
	),
	mcp.WithString("currency",
		mcp.Required(),
		mcp.Description("Settlement currency (e.g. 'USDC')"),
	),
)

// ToolCancelOffer withdraws one of the caller's offers.
var ToolCancelOffer = mcp.NewTool("cancel_offer",
	mcp.WithDescription("Cancel one of your own offers. Trades already in flight against it continue to settle."),
	mcp.WithString("offer_id",
		mcp.Required(),
		mcp.Description("ID of the offer to cancel"),
	),
)

// ToolAcceptOffer takes an offer and opens an escrowed trade.
var ToolAcceptOffer = mcp.NewTool("accept_offer",
	mcp.WithDescription("Accept an open offer, creating a trade. The buyer's funds are locked in escrow until the seller delivers and both sides confirm."),
	mcp.WithString("offer_id",
		mcp.Required(),
		mcp.Description("ID of the offer to accept"),
	),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Number of units to take (partial fills allowed)"),
	),
)

// ToolGetTrade inspects a trade's current state.
var ToolGetTrade = mcp.NewTool("get_trade",
	mcp.WithDescription("Get the current state of a trade you are party to, including its escrow and deadline."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("ID of the trade"),
	),
)

// ToolAdvanceTrade steps a trade through settlement.
var ToolAdvanceTrade = mcp.NewTool("advance_trade",
	mcp.WithDescription("Advance a trade through settlement. The buyer marks it 'paid' to acknowledge payment; the seller marks it 'confirmed' to release escrow and complete the trade."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("ID of the trade to advance"),
	),
	mcp.WithString("status",
		mcp.Required(),
		mcp.Description("Target status"),
		mcp.Enum("paid", "confirmed"),
	),
)

// ToolCancelTrade backs out of a pending trade.
var ToolCancelTrade = mcp.NewTool("cancel_trade",
	mcp.WithDescription("Cancel a trade that has not completed. Escrowed funds are refunded to the buyer and the offer's capacity is restored."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("ID of the trade to cancel"),
	),
)

// ToolOpenDispute freezes a trade's escrow for admin review.
var ToolOpenDispute = mcp.NewTool("open_dispute",
	mcp.WithDescription("Open a dispute on a trade you are party to. The escrow is frozen so neither side can settle until an admin resolves it."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("ID of the trade to dispute"),
	),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("What went wrong (delivered late, wrong asset, never delivered, etc.)"),
	),
)

// ToolSubmitEvidence adds an evidence entry to a dispute.
var ToolSubmitEvidence = mcp.NewTool("submit_evidence",
	mcp.WithDescription("Attach evidence to an open dispute you are party to (logs, receipts, delivery proofs)."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("ID of the dispute"),
	),
	mcp.WithString("content",
		mcp.Required(),
		mcp.Description("Evidence text"),
	),
)
