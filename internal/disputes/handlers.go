package disputes

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/peerswap/internal/escrow"
	"github.com/tradeloop/peerswap/internal/httpapi"
	"github.com/tradeloop/peerswap/internal/identity"
	"github.com/tradeloop/peerswap/internal/trades"
	"github.com/tradeloop/peerswap/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/dispute", h.OpenDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/claim", h.ClaimDispute)
	r.POST("/disputes/:id/evidence", h.SubmitEvidence)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// openRequest is the body of POST /v1/trades/:id/dispute.
type openRequest struct {
	Reason string `json:"reason"`
}

// OpenDispute handles POST /v1/trades/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.ValidationFailed(c, []validation.ValidationError{
			{Field: "body", Message: "invalid request body"},
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 2000),
	); len(errs) > 0 {
		httpapi.ValidationFailed(c, errs)
		return
	}

	d, err := h.service.Open(c.Request.Context(), c.Param("id"), identity.PrincipalID(c), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}

	httpapi.Data(c, http.StatusCreated, d)
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	p, _ := identity.GetPrincipal(c)
	if !p.IsAdmin() {
		trade, err := h.service.trades.Get(c.Request.Context(), d.TradeID)
		if err != nil || !trade.IsParty(p.ID) {
			httpapi.Unauthorized(c, "not a party to this dispute")
			return
		}
	}

	httpapi.Data(c, http.StatusOK, d)
}

// ListDisputes handles GET /v1/disputes (admin only)
func (h *Handler) ListDisputes(c *gin.Context) {
	p, _ := identity.GetPrincipal(c)
	if !p.IsAdmin() {
		httpapi.Unauthorized(c, "admin access required")
		return
	}

	status := Status(c.Query("status"))
	if status != "" && status != StatusOpen && status != StatusUnderReview && status != StatusResolved {
		httpapi.ValidationFailed(c, []validation.ValidationError{
			{Field: "status", Message: "must be one of: open, under_review, resolved"},
		})
		return
	}

	disputes, err := h.service.List(c.Request.Context(), status, 50)
	if err != nil {
		httpapi.Internal(c)
		return
	}

	httpapi.Data(c, http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// ClaimDispute handles POST /v1/disputes/:id/claim (admin only)
func (h *Handler) ClaimDispute(c *gin.Context) {
	p, _ := identity.GetPrincipal(c)
	if !p.IsAdmin() {
		httpapi.Unauthorized(c, "admin access required")
		return
	}

	d, err := h.service.Claim(c.Request.Context(), c.Param("id"), p.ID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	httpapi.Data(c, http.StatusOK, d)
}

// evidenceRequest is the body of POST /v1/disputes/:id/evidence.
type evidenceRequest struct {
	Content string `json:"content"`
}

// SubmitEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.ValidationFailed(c, []validation.ValidationError{
			{Field: "body", Message: "invalid request body"},
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("content", req.Content),
		validation.MaxLength("content", req.Content, 10000),
	); len(errs) > 0 {
		httpapi.ValidationFailed(c, errs)
		return
	}

	d, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("id"), identity.PrincipalID(c), req.Content)
	if err != nil {
		h.writeError(c, err)
		return
	}

	httpapi.Data(c, http.StatusOK, d)
}

// resolveRequest is the body of POST /v1/disputes/:id/resolve.
type resolveRequest struct {
	Resolution string `json:"resolution"`
	Notes      string `json:"notes"`
}

// ResolveDispute handles POST /v1/disputes/:id/resolve (admin only)
func (h *Handler) ResolveDispute(c *gin.Context) {
	p, _ := identity.GetPrincipal(c)
	if !p.IsAdmin() {
		httpapi.Unauthorized(c, "admin access required")
		return
	}

	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.ValidationFailed(c, []validation.ValidationError{
			{Field: "body", Message: "invalid request body"},
		})
		return
	}
	if errs := validation.Validate(
		validation.OneOf("resolution", req.Resolution,
			string(ResolutionRelease), string(ResolutionRefund)),
		validation.MaxLength("notes", req.Notes, 2000),
	); len(errs) > 0 {
		httpapi.ValidationFailed(c, errs)
		return
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), p.ID, Resolution(req.Resolution), req.Notes)
	if err != nil {
		h.writeError(c, err)
		return
	}

	httpapi.Data(c, http.StatusOK, d)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		httpapi.NotFound(c, "dispute not found")
	case errors.Is(err, trades.ErrTradeNotFound):
		httpapi.NotFound(c, "trade not found")
	case errors.Is(err, ErrUnauthorized):
		httpapi.Unauthorized(c, err.Error())
	case errors.Is(err, ErrInvalidResolution):
		httpapi.ValidationFailed(c, []validation.ValidationError{
			{Field: "resolution", Message: "must be release or refund"},
		})
	case errors.Is(err, ErrAlreadyOpen), errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrNotClaimed), errors.Is(err, ErrAlreadyResolved),
		errors.Is(err, ErrVersionConflict):
		httpapi.Conflict(c, httpapi.CodeConflict, err.Error())
	case errors.Is(err, escrow.ErrInvalidStatus), errors.Is(err, escrow.ErrAlreadySettled):
		httpapi.Conflict(c, httpapi.CodeInvalidTransition, err.Error())
	case errors.Is(err, escrow.ErrRailRejected):
		httpapi.Conflict(c, httpapi.CodeConflict, "settlement rail rejected the operation")
	case errors.Is(err, escrow.ErrRailUnavailable):
		httpapi.RailUnavailable(c, "settlement rail unavailable, try again later")
	default:
		httpapi.Internal(c)
	}
}
