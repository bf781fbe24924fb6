package trades

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/peerswap/internal/escrow"
	"github.com/tradeloop/peerswap/internal/httpapi"
	"github.com/tradeloop/peerswap/internal/identity"
	"github.com/tradeloop/peerswap/internal/offers"
	"github.com/tradeloop/peerswap/internal/validation"
)

// Handler provides HTTP endpoints for trade operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required trade routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.AcceptOffer)
	r.GET("/trades/:id", h.GetTrade)
	r.GET("/users/:id/trades", h.ListUserTrades)
	r.POST("/trades/:id/status", h.AdvanceStatus)
	r.POST("/trades/:id/cancel", h.CancelTrade)
}

// AcceptOffer handles POST /v1/trades
func (h *Handler) AcceptOffer(c *gin.Context) {
	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.ValidationFailed(c, []validation.ValidationError{
			{Field: "body", Message: "invalid request body"},
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("offerId", req.OfferID),
		validation.PositiveUnits("amount", req.Amount),
	); len(errs) > 0 {
		httpapi.ValidationFailed(c, errs)
		return
	}
	if !validation.IsValidID(req.OfferID) {
		httpapi.NotFound(c, "offer not found")
		return
	}

	trade, err := h.service.Accept(c.Request.Context(), identity.PrincipalID(c), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	httpapi.Data(c, http.StatusCreated, trade)
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	trade, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	p, _ := identity.GetPrincipal(c)
	if !trade.IsParty(p.ID) && !p.IsAdmin() {
		httpapi.Unauthorized(c, "not a party to this trade")
		return
	}

	httpapi.Data(c, http.StatusOK, trade)
}

// ListUserTrades handles GET /v1/users/:id/trades
func (h *Handler) ListUserTrades(c *gin.Context) {
	userID := c.Param("id")

	p, _ := identity.GetPrincipal(c)
	if p.ID != userID && !p.IsAdmin() {
		httpapi.Unauthorized(c, "cannot list another user's trades")
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	trades, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		httpapi.Internal(c)
		return
	}

	httpapi.Data(c, http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

// statusRequest is the body of POST /v1/trades/:id/status.
type statusRequest struct {
	Status string `json:"status" binding:"required"`
}

// AdvanceStatus handles POST /v1/trades/:id/status
func (h *Handler) AdvanceStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.ValidationFailed(c, []validation.ValidationError{
			{Field: "status", Message: "is required"},
		})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("status", req.Status,
			string(StatusPaid), string(StatusConfirmed), string(StatusCompleted),
			string(StatusCancelled), string(StatusDisputed)),
	); len(errs) > 0 {
		httpapi.ValidationFailed(c, errs)
		return
	}

	trade, err := h.service.AdvanceStatus(c.Request.Context(), c.Param("id"), actorFrom(c), Status(req.Status))
	if err != nil {
		h.writeError(c, err)
		return
	}

	httpapi.Data(c, http.StatusOK, trade)
}

// CancelTrade handles POST /v1/trades/:id/cancel
func (h *Handler) CancelTrade(c *gin.Context) {
	trade, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	httpapi.Data(c, http.StatusOK, trade)
}

func actorFrom(c *gin.Context) Actor {
	p, _ := identity.GetPrincipal(c)
	if p == nil {
		return Actor{}
	}
	return Actor{ID: p.ID, Admin: p.IsAdmin()}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTradeNotFound):
		httpapi.NotFound(c, "trade not found")
	case errors.Is(err, offers.ErrOfferNotFound):
		httpapi.NotFound(c, "offer not found")
	case errors.Is(err, ErrUnauthorized), errors.Is(err, escrow.ErrUnauthorized):
		httpapi.Unauthorized(c, err.Error())
	case errors.Is(err, offers.ErrSelfTrade):
		httpapi.ValidationFailed(c, []validation.ValidationError{
			{Field: "offerId", Message: "maker cannot take their own offer"},
		})
	case errors.Is(err, offers.ErrInsufficientRemaining):
		httpapi.Conflict(c, httpapi.CodeInsufficientRemaining, "offer has insufficient remaining amount")
	case errors.Is(err, offers.ErrOfferNotActive):
		httpapi.Conflict(c, httpapi.CodeConflict, "offer is not active")
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, escrow.ErrInvalidStatus),
		errors.Is(err, escrow.ErrAlreadySettled), errors.Is(err, escrow.ErrDisputeFrozen):
		httpapi.Conflict(c, httpapi.CodeInvalidTransition, err.Error())
	case errors.Is(err, ErrConflict):
		httpapi.Conflict(c, httpapi.CodeConflict, err.Error())
	case errors.Is(err, escrow.ErrRailRejected):
		httpapi.Conflict(c, httpapi.CodeConflict, "settlement rail rejected the trade, trade cancelled")
	case errors.Is(err, escrow.ErrRailUnavailable):
		httpapi.RailUnavailable(c, "settlement rail unavailable, try again later")
	default:
		httpapi.Internal(c)
	}
}
