package orders

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/palomar/bazaar/internal/escrow"
	"github.com/palomar/bazaar/internal/ledger"
	"github.com/palomar/bazaar/internal/logging"
	"github.com/palomar/bazaar/internal/money"
	"github.com/palomar/bazaar/internal/validation"
)

// Handlers exposes order lifecycle endpoints.
type Handlers struct {
	service *Service
	escrow  *escrow.Engine
}

// NewHandlers creates order HTTP handlers.
func NewHandlers(service *Service, escrowEngine *escrow.Engine) *Handlers {
	return &Handlers{service: service, escrow: escrowEngine}
}

// RegisterRoutes mounts order routes on an authenticated group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/transition", h.TransitionOrder)
	r.GET("/orders/:id/escrow", h.GetEscrow)
}

type createOrderRequest struct {
	SellerID  string `json:"sellerId" binding:"required"`
	ListingID string `json:"listingId" binding:"required"`
	Tier      string `json:"tier"`
	Price     string `json:"price" binding:"required"`
}

// CreateOrder records a new pending order for the calling buyer.
func (h *Handlers) CreateOrder(c *gin.Context) {
	buyerID := c.GetString("user_id")

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	price, err := money.ParseDecimal(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
		return
	}
	if verrs := validation.Validate(
		validation.Required("sellerId", req.SellerID),
		validation.Required("listingId", req.ListingID),
		validation.PositiveAmount("price", price),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": verrs.Error()})
		return
	}

	o, err := h.service.Create(c.Request.Context(), CreateRequest{
		BuyerID:   buyerID,
		SellerID:  req.SellerID,
		ListingID: req.ListingID,
		Tier:      validation.SanitizeString(req.Tier, 64),
		Price:     price,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrSelfPurchase):
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot purchase your own listing"})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid price"})
		default:
			logging.L(c.Request.Context()).Error("create order failed", "error", err, "buyer_id", buyerID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create order"})
		}
		return
	}

	c.JSON(http.StatusCreated, o)
}

// ListOrders returns the caller's orders as buyer or seller.
func (h *Handlers) ListOrders(c *gin.Context) {
	userID := c.GetString("user_id")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	result, err := h.service.ListByUser(c.Request.Context(), userID, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("list orders failed", "error", err, "user_id", userID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list orders"})
		return
	}
	if result == nil {
		result = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": result, "count": len(result)})
}

// GetOrder returns one order, visible to its participants and admins.
func (h *Handlers) GetOrder(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("user_id"), c.GetString("role"))
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant in this order"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		}
		return
	}
	c.JSON(http.StatusOK, o)
}

type transitionRequest struct {
	Target       string `json:"target" binding:"required"`
	DeliveryNote string `json:"deliveryNote"`
}

// TransitionOrder attempts a status change on behalf of the caller.
func (h *Handlers) TransitionOrder(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	o, err := h.service.Transition(c.Request.Context(), TransitionRequest{
		OrderID:      c.Param("id"),
		Target:       Status(req.Target),
		ActorID:      c.GetString("user_id"),
		ActorRole:    c.GetString("role"),
		DeliveryNote: validation.SanitizeString(req.DeliveryNote, 2000),
	})
	if err != nil {
		writeTransitionError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func writeTransitionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "transition not allowed"})
	case errors.Is(err, ErrAlreadyTerminal):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "order is already finalized"})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for this transition"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "order was modified concurrently, retry"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient funds"})
	case errors.Is(err, escrow.ErrEscrowMismatch), errors.Is(err, escrow.ErrEscrowOverdraw), errors.Is(err, escrow.ErrAlreadySettled):
		logging.L(c.Request.Context()).Error("escrow integrity failure on transition", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow settlement failed"})
	default:
		logging.L(c.Request.Context()).Error("order transition failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "transition failed"})
	}
}

// GetEscrow returns the escrow record backing an order.
func (h *Handlers) GetEscrow(c *gin.Context) {
	// Participant check rides on the order lookup.
	if _, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("user_id"), c.GetString("role")); err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		case errors.Is(err, ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "not a participant in this order"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		}
		return
	}

	tx, err := h.escrow.GetByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no escrow hold for this order"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load escrow"})
		return
	}
	c.JSON(http.StatusOK, tx)
}
