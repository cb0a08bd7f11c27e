package payments

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/palomar/bazaar/internal/ledger"
	"github.com/palomar/bazaar/internal/logging"
	"github.com/palomar/bazaar/internal/money"
)

// maxWebhookBody caps the provider webhook payload size.
const maxWebhookBody = 1 << 20

// Handlers exposes deposit initiation and the provider webhook.
type Handlers struct {
	service       *Service
	webhookSecret string
}

// NewHandlers creates payment HTTP handlers.
func NewHandlers(service *Service, webhookSecret string) *Handlers {
	return &Handlers{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes mounts user-facing payment routes.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallet/deposits", h.CreateDeposit)
}

// RegisterWebhook mounts the unauthenticated provider callback.
// Stripe authenticates via the signature header, not a bearer token.
func (h *Handlers) RegisterWebhook(r *gin.Engine) {
	r.POST("/webhooks/stripe", h.StripeWebhook)
}

// RegisterAdminRoutes mounts payout processing for back office use.
func (h *Handlers) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/:id/payout", h.SendPayout)
}

type depositRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// CreateDeposit starts a card payment toward the caller's wallet.
func (h *Handlers) CreateDeposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	amount, err := money.ParseDecimal(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be a positive decimal"})
		return
	}

	intent, err := h.service.CreateDeposit(c.Request.Context(), c.GetString("user_id"), amount)
	if err != nil {
		if errors.Is(err, ErrProviderDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "card payments are not configured"})
			return
		}
		if errors.Is(err, ErrProviderUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "card payments are temporarily unavailable"})
			return
		}
		logging.L(c.Request.Context()).Error("create deposit failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start deposit"})
		return
	}

	c.JSON(http.StatusCreated, intent)
}

// SendPayout pushes a pending withdrawal to the provider.
func (h *Handlers) SendPayout(c *gin.Context) {
	payout, err := h.service.SendPayout(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrTransactionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "withdrawal not found"})
		case errors.Is(err, ErrNotWithdrawal):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "transaction is not a pending withdrawal"})
		case errors.Is(err, ErrProviderDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payouts are not configured"})
		case errors.Is(err, ErrProviderUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payouts are temporarily unavailable"})
		default:
			logging.L(c.Request.Context()).Error("send payout failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send payout"})
		}
		return
	}
	c.JSON(http.StatusAccepted, payout)
}

// StripeWebhook verifies and applies a provider event.
func (h *Handlers) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		logging.L(c.Request.Context()).Warn("webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	if err := h.service.HandleEvent(c.Request.Context(), &event); err != nil {
		logging.L(c.Request.Context()).Error("webhook processing failed",
			"type", string(event.Type), "error", err)
		// Non-2xx makes Stripe retry, which is what we want for
		// transient ledger errors.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
