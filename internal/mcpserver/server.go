package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server with the exchange tool set registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("peerswap", "1.0.0")
	client := NewClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolListOffers, h.HandleListOffers)
	s.AddTool(ToolCreateOffer, h.HandleCreateOffer)
	s.AddTool(ToolCancelOffer, h.HandleCancelOffer)
	s.AddTool(ToolAcceptOffer, h.HandleAcceptOffer)
	s.AddTool(ToolGetTrade, h.HandleGetTrade)
	s.AddTool(ToolAdvanceTrade, h.HandleAdvanceTrade)
	s.AddTool(ToolCancelTrade, h.HandleCancelTrade)
	s.AddTool(ToolOpenDispute, h.HandleOpenDispute)
	s.AddTool(ToolSubmitEvidence, h.HandleSubmitEvidence)

	return s
}
