package events

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/palomar/bazaar/internal/idgen"
	"github.com/palomar/bazaar/internal/security"
)

// Handlers exposes webhook subscription management and the WebSocket
// event stream.
type Handlers struct {
	store Store
	hub   *Hub
}

// NewHandlers creates event HTTP handlers.
func NewHandlers(store Store, hub *Hub) *Handlers {
	return &Handlers{store: store, hub: hub}
}

// RegisterRoutes mounts event routes on an authenticated group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
	r.GET("/events/ws", h.Stream)
}

type createWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook registers a webhook endpoint for the caller. The
// signing secret is returned once and never again.
func (h *Handlers) CreateWebhook(c *gin.Context) {
	var req createWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// The dispatcher POSTs to this URL from inside the network, so it
	// must not point at loopback or private addresses.
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	types := make([]Type, len(req.Events))
	for i, e := range req.Events {
		types[i] = Type(e)
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("whk_"),
		UserID:    c.GetString("user_id"),
		URL:       req.URL,
		Secret:    secret,
		Events:    types,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"usage": gin.H{
			"signature": "HMAC-SHA256 of the raw body, hex encoded",
			"header":    "X-Bazaar-Signature",
		},
	})
}

// ListWebhooks returns the caller's subscriptions, secrets omitted.
func (h *Handlers) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), c.GetString("user_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list webhooks"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook removes one of the caller's subscriptions.
func (h *Handlers) DeleteWebhook(c *gin.Context) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete webhook"})
		return
	}
	if sub.UserID != c.GetString("user_id") {
		c.JSON(http.StatusForbidden, gin.H{"error": "not your webhook"})
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// Stream upgrades to a WebSocket scoped to the caller's own events.
func (h *Handlers) Stream(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming disabled"})
		return
	}
	h.hub.HandleWebSocket(c.Writer, c.Request, c.GetString("user_id"))
}

func generateSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
