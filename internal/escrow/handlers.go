package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ojapay/ojapay/internal/ledger"
	"github.com/ojapay/ojapay/internal/listing"
	"github.com/ojapay/ojapay/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
//
// Caller identity arrives in the authAccountID context key, set by the
// upstream auth middleware. Admin routes are registered separately behind
// the shared-secret gate.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", h.GetOrder)
	r.GET("/accounts/:id/orders", h.ListOrders)
	r.GET("/disputes/:id", h.GetDispute)
}

// RegisterProtectedRoutes sets up routes requiring an authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.PlaceOrder)
	r.POST("/orders/:id/assign-pilot", h.AssignPilot)
	r.POST("/orders/:id/in-transit", h.MarkInTransit)
	r.POST("/orders/:id/deliver", h.ConfirmDelivery)
	r.POST("/orders/:id/release", h.ReleaseFunds)
	r.POST("/orders/:id/dispute", h.RaiseDispute)
}

// RegisterAdminRoutes sets up privileged routes (shared-secret gated).
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/sweep", h.Sweep)
}

// PlaceOrder handles POST /v1/orders
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyerId and listingId are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("buyerId", req.BuyerID),
		validation.ValidID("listingId", req.ListingID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if caller := c.GetString("authAccountID"); caller != "" && caller != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated account must be the buyer",
		})
		return
	}

	order, err := h.service.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, listing.ErrListingNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, listing.ErrListingUnavailable):
			status = http.StatusConflict
			code = "listing_unavailable"
		case errors.Is(err, ErrSelfTrade):
			status = http.StatusBadRequest
			code = "self_trade"
		case errors.Is(err, ledger.ErrInsufficientFunds):
			status = http.StatusPaymentRequired
			code = "insufficient_funds"
		case errors.Is(err, ledger.ErrAccountNotFound):
			status = http.StatusNotFound
			code = "account_not_found"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListOrders handles GET /v1/accounts/:id/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	orders, err := h.service.ListByAccount(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// AssignPilotRequest is the body for POST /v1/orders/:id/assign-pilot.
type AssignPilotRequest struct {
	PilotID string `json:"pilotId" binding:"required"`
}

// AssignPilot handles POST /v1/orders/:id/assign-pilot
func (h *Handler) AssignPilot(c *gin.Context) {
	var req AssignPilotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "pilotId is required",
		})
		return
	}

	order, err := h.service.AssignPilot(c.Request.Context(), c.Param("id"), req.PilotID)
	if err != nil {
		h.orderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// MarkInTransit handles POST /v1/orders/:id/in-transit
func (h *Handler) MarkInTransit(c *gin.Context) {
	order, err := h.service.MarkInTransit(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		h.orderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ConfirmDelivery handles POST /v1/orders/:id/deliver
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	order, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		h.orderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ReleaseRequest is the body for POST /v1/orders/:id/release.
type ReleaseRequest struct {
	PilotRating int `json:"pilotRating"`
}

// ReleaseFunds handles POST /v1/orders/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	var req ReleaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	id := c.Param("id")
	if caller := c.GetString("authAccountID"); caller != "" {
		order, err := h.service.Get(c.Request.Context(), id)
		if err != nil {
			h.orderError(c, err)
			return
		}
		if caller != order.BuyerID {
			c.JSON(http.StatusForbidden, gin.H{
				"error":   "unauthorized",
				"message": "Only the buyer can release escrowed funds",
			})
			return
		}
	}

	result, err := h.service.ReleaseFunds(c.Request.Context(), id, req.PilotRating)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrOrderNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrOrderDisputed):
			status = http.StatusConflict
			code = "order_disputed"
		case errors.Is(err, ErrAlreadyTerminal):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ErrInvalidRating):
			status = http.StatusBadRequest
			code = "invalid_rating"
		case errors.Is(err, ErrOrderConflict):
			status = http.StatusConflict
			code = "conflict"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// RaiseDispute handles POST /v1/orders/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "claimantId and reason are required",
		})
		return
	}

	if caller := c.GetString("authAccountID"); caller != "" && caller != req.ClaimantID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated account must be the claimant",
		})
		return
	}

	dispute, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrOrderNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotBuyer):
			status = http.StatusForbidden
			code = "not_buyer"
		case errors.Is(err, ErrDisputeAlreadyOpen):
			status = http.StatusConflict
			code = "dispute_already_open"
		case errors.Is(err, ErrAlreadyTerminal):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, err := h.service.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrDisputeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ResolveRequest is the body for POST /v1/disputes/:id/resolve.
type ResolveRequest struct {
	Verdict       Verdict `json:"verdict" binding:"required"`
	AdjudicatorID string  `json:"adjudicatorId" binding:"required"`
}

// ResolveDispute handles POST /v1/disputes/:id/resolve (admin only).
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "verdict (pay_seller or refund_buyer) and adjudicatorId are required",
		})
		return
	}

	dispute, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Verdict, req.AdjudicatorID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrDisputeNotFound), errors.Is(err, ErrOrderNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrDisputeNotOpen):
			status = http.StatusConflict
			code = "dispute_not_open"
		case errors.Is(err, ErrInvalidVerdict):
			status = http.StatusBadRequest
			code = "invalid_verdict"
		case errors.Is(err, ErrAlreadyTerminal):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// Sweep handles POST /v1/admin/sweep (admin only).
func (h *Handler) Sweep(c *gin.Context) {
	limit := DefaultSweepLimit
	if l := c.Query("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed <= 0 || parsed > MaxSweepLimit {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be between 1 and 500",
			})
			return
		}
		limit = parsed
	}

	result := h.service.Sweep(c.Request.Context(), limit)
	c.JSON(http.StatusOK, gin.H{"sweep": result})
}

// orderError maps common order-operation errors to HTTP responses.
func (h *Handler) orderError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrOrderNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrNotPilot):
		status = http.StatusForbidden
		code = "not_pilot"
	case errors.Is(err, ErrAlreadyTerminal), errors.Is(err, ErrDeliveryState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrOrderConflict):
		status = http.StatusConflict
		code = "conflict"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
