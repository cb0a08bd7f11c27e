package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/palomar/bazaar/internal/logging"
	"github.com/palomar/bazaar/internal/money"
	"github.com/palomar/bazaar/internal/validation"
)

// Handlers exposes wallet and transaction endpoints.
type Handlers struct {
	ledger *Ledger
}

// NewHandlers creates ledger HTTP handlers.
func NewHandlers(l *Ledger) *Handlers {
	return &Handlers{ledger: l}
}

// RegisterRoutes mounts wallet routes on an authenticated group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.ListTransactions)
	r.POST("/wallet/withdrawals", h.RequestWithdrawal)
}

// RegisterAdminRoutes mounts admin-only ledger routes.
func (h *Handlers) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/wallets/:id", h.AdminGetWallet)
	r.GET("/wallets/:id/reconcile", h.Reconcile)
}

// GetWallet returns the caller's wallet balances.
func (h *Handlers) GetWallet(c *gin.Context) {
	userID := c.GetString("user_id")

	w, err := h.ledger.GetWallet(c.Request.Context(), userID)
	if err != nil {
		logging.L(c.Request.Context()).Error("get wallet failed", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load wallet"})
		return
	}
	c.JSON(http.StatusOK, w)
}

// ListTransactions returns the caller's ledger entries, newest first.
// Pages are linked by the opaque cursor query parameter.
func (h *Handlers) ListTransactions(c *gin.Context) {
	userID := c.GetString("user_id")

	f := Filter{
		Type:    TransactionType(c.Query("type")),
		Status:  TransactionStatus(c.Query("status")),
		OrderID: c.Query("order_id"),
	}
	if limit := c.Query("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			f.Limit = n
		}
	}

	page, err := h.ledger.ListTransactionsPage(c.Request.Context(), userID, f, c.Query("cursor"))
	if err != nil {
		if errors.Is(err, ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
			return
		}
		logging.L(c.Request.Context()).Error("list transactions failed", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list transactions"})
		return
	}
	c.JSON(http.StatusOK, page)
}

type withdrawalRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Destination string `json:"destination"`
}

// RequestWithdrawal reserves funds for payout.
func (h *Handlers) RequestWithdrawal(c *gin.Context) {
	userID := c.GetString("user_id")

	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	amount, err := money.ParseDecimal(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	if verrs := validation.Validate(validation.PositiveAmount("amount", amount)); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": verrs.Error()})
		return
	}

	t, err := h.ledger.RequestWithdrawal(c.Request.Context(), userID, amount, validation.SanitizeString(req.Destination, 255))
	if err != nil {
		switch {
		case errors.Is(err, ErrInsufficientFunds):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient funds"})
		case errors.Is(err, ErrWalletNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "wallet not found"})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		default:
			logging.L(c.Request.Context()).Error("withdrawal failed", "error", err, "user_id", userID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "withdrawal failed"})
		}
		return
	}

	c.JSON(http.StatusAccepted, t)
}

// AdminGetWallet returns any wallet by user id.
func (h *Handlers) AdminGetWallet(c *gin.Context) {
	w, err := h.ledger.GetWallet(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load wallet"})
		return
	}
	c.JSON(http.StatusOK, w)
}

// Reconcile checks that a wallet's entry sum matches its balances.
func (h *Handlers) Reconcile(c *gin.Context) {
	res, err := h.ledger.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		logging.L(c.Request.Context()).Error("reconcile failed", "error", err, "wallet_id", c.Param("id"))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile failed"})
		return
	}
	status := http.StatusOK
	if !res.Match {
		status = http.StatusConflict
	}
	c.JSON(status, res)
}
