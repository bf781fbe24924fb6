package offers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradeloop/peerswap/internal/httpapi"
	"github.com/tradeloop/peerswap/internal/identity"
	"github.com/tradeloop/peerswap/internal/validation"
)

// Handler provides HTTP endpoints for offer book operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) offer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
}

// RegisterProtectedRoutes sets up auth-required offer routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.POST("/offers/:id/cancel", h.CancelOffer)
	r.POST("/offers/:id/pause", h.PauseOffer)
	r.POST("/offers/:id/resume", h.ResumeOffer)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpapi.ValidationFailed(c, []validation.ValidationError{
			{Field: "body", Message: "invalid request body"},
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("side", req.Side),
		validation.OneOf("side", req.Side, string(SideSell), string(SideBuy)),
		validation.Required("assetType", req.AssetType),
		validation.MaxLength("assetType", req.AssetType, 64),
		validation.PositiveUnits("amount", req.Amount),
		validation.Required("price", req.Price),
		validation.ValidAmount("price", req.Price),
		validation.Required("currency", req.Currency),
		validation.MaxLength("currency", req.Currency, 8),
	); len(errs) > 0 {
		httpapi.ValidationFailed(c, errs)
		return
	}

	offer, err := h.service.Create(c.Request.Context(), identity.PrincipalID(c), req)
	if err != nil {
		httpapi.ValidationFailed(c, []validation.ValidationError{
			{Field: "body", Message: err.Error()},
		})
		return
	}

	httpapi.Data(c, http.StatusCreated, offer)
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			httpapi.NotFound(c, "offer not found")
			return
		}
		httpapi.Internal(c)
		return
	}

	httpapi.Data(c, http.StatusOK, offer)
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(c *gin.Context) {
	filter := Filter{
		Status:    Status(c.Query("status")),
		MakerID:   c.Query("makerId"),
		Side:      Side(c.Query("side")),
		AssetType: c.Query("assetType"),
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

	offers, err := h.service.List(c.Request.Context(), filter, limit)
	if err != nil {
		httpapi.Internal(c)
		return
	}

	httpapi.Data(c, http.StatusOK, gin.H{
		"offers": offers,
		"count":  len(offers),
	})
}

// CancelOffer handles POST /v1/offers/:id/cancel
func (h *Handler) CancelOffer(c *gin.Context) {
	offer, err := h.service.Cancel(c.Request.Context(), c.Param("id"), identity.PrincipalID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	httpapi.Data(c, http.StatusOK, offer)
}

// PauseOffer handles POST /v1/offers/:id/pause
func (h *Handler) PauseOffer(c *gin.Context) {
	offer, err := h.service.Pause(c.Request.Context(), c.Param("id"), identity.PrincipalID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	httpapi.Data(c, http.StatusOK, offer)
}

// ResumeOffer handles POST /v1/offers/:id/resume
func (h *Handler) ResumeOffer(c *gin.Context) {
	offer, err := h.service.Resume(c.Request.Context(), c.Param("id"), identity.PrincipalID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	httpapi.Data(c, http.StatusOK, offer)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOfferNotFound):
		httpapi.NotFound(c, "offer not found")
	case errors.Is(err, ErrUnauthorized):
		httpapi.Unauthorized(c, "only the maker may manage this offer")
	case errors.Is(err, ErrInvalidTransition):
		httpapi.Conflict(c, httpapi.CodeInvalidTransition, err.Error())
	case errors.Is(err, ErrVersionConflict):
		httpapi.Conflict(c, httpapi.CodeConflict, "offer was modified concurrently, retry")
	default:
		httpapi.Internal(c)
	}
}
