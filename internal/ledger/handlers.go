package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ojapay/ojapay/internal/money"
	"github.com/ojapay/ojapay/internal/pagination"
	"github.com/ojapay/ojapay/internal/validation"
)

// Handler provides HTTP endpoints for wallets and withdrawals.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up public wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id", h.GetAccount)
	r.GET("/accounts/:id/transactions", h.History)
}

// RegisterProtectedRoutes sets up routes requiring an authenticated caller.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.CreateAccount)
	r.POST("/accounts/:id/withdrawals", h.RequestWithdrawal)
}

// RegisterAdminRoutes sets up privileged withdrawal routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/:id/complete", h.CompleteWithdrawal)
	r.POST("/withdrawals/:id/freeze", h.FreezeWithdrawal)
}

// CreateAccountRequest is the body for POST /v1/accounts.
type CreateAccountRequest struct {
	ID string `json:"id" binding:"required"`
}

// CreateAccount handles POST /v1/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "id is required",
		})
		return
	}

	if errs := validation.Validate(validation.ValidID("id", req.ID)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	account, err := h.ledger.CreateAccount(c.Request.Context(), req.ID)
	if err != nil {
		if errors.Is(err, ErrAccountExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "account_exists",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": account})
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"balance": money.Format(account.Balance),
	})
}

// History handles GET /v1/accounts/:id/transactions
func (h *Handler) History(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "cursor is not valid",
		})
		return
	}

	txns, next, err := h.ledger.History(c.Request.Context(), c.Param("id"), cursor, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{
		"transactions": txns,
		"count":        len(txns),
	}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// WithdrawalRequest is the body for POST /v1/accounts/:id/withdrawals.
type WithdrawalRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// RequestWithdrawal handles POST /v1/accounts/:id/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	amount, err := money.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	accountID := c.Param("id")
	if caller := c.GetString("authAccountID"); caller != "" && caller != accountID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated account must own the wallet",
		})
		return
	}

	w, err := h.ledger.RequestWithdrawal(c.Request.Context(), accountID, amount)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrAccountNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInsufficientFunds):
			status = http.StatusPaymentRequired
			code = "insufficient_funds"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

// CompleteWithdrawal handles POST /v1/admin/withdrawals/:id/complete
func (h *Handler) CompleteWithdrawal(c *gin.Context) {
	w, err := h.ledger.CompleteWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.withdrawalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// FreezeWithdrawal handles POST /v1/admin/withdrawals/:id/freeze
func (h *Handler) FreezeWithdrawal(c *gin.Context) {
	w, err := h.ledger.FreezeWithdrawal(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.withdrawalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

func (h *Handler) withdrawalError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrWithdrawalNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrWithdrawalNotOpen):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
