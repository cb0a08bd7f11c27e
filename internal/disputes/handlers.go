package disputes

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/palomar/bazaar/internal/escrow"
	"github.com/palomar/bazaar/internal/logging"
	"github.com/palomar/bazaar/internal/money"
	"github.com/palomar/bazaar/internal/orders"
	"github.com/palomar/bazaar/internal/validation"
)

// Handlers exposes dispute endpoints.
type Handlers struct {
	service *Service
}

// NewHandlers creates dispute HTTP handlers.
func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes mounts dispute routes on an authenticated group.
func (h *Handlers) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.FileDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/respond", h.Respond)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.GET("/disputes/:id/evidence", h.ListEvidence)
	r.POST("/disputes/:id/messages", h.AddMessage)
	r.GET("/disputes/:id/messages", h.ListMessages)
	r.POST("/disputes/:id/close", h.CloseDispute)
}

// RegisterAdminRoutes mounts admin-only dispute routes.
func (h *Handlers) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

type fileDisputeRequest struct {
	OrderID     string `json:"orderId" binding:"required"`
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description" binding:"required"`
}

// FileDispute opens a dispute against one of the caller's orders.
func (h *Handlers) FileDispute(c *gin.Context) {
	var req fileDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	d, err := h.service.File(c.Request.Context(), FileRequest{
		OrderID:     req.OrderID,
		FiledBy:     c.GetString("user_id"),
		Reason:      Reason(req.Reason),
		Description: validation.SanitizeString(req.Description, 5000),
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateDispute):
			c.JSON(http.StatusConflict, gin.H{"error": "order already has a dispute"})
		case errors.Is(err, ErrInvalidReason):
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown dispute reason"})
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "order cannot be disputed in its current state"})
		case errors.Is(err, ErrNotAuthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "only the order's buyer may file a dispute"})
		case errors.Is(err, orders.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		default:
			logging.L(c.Request.Context()).Error("file dispute failed", "error", err, "order_id", req.OrderID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to file dispute"})
		}
		return
	}

	c.JSON(http.StatusCreated, d)
}

// ListDisputes returns disputes the caller filed or is defending.
func (h *Handlers) ListDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	result, err := h.service.ListByUser(c.Request.Context(), c.GetString("user_id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list disputes"})
		return
	}
	if result == nil {
		result = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": result, "count": len(result)})
}

// GetDispute returns one dispute to its participants or an admin.
func (h *Handlers) GetDispute(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("user_id"), c.GetString("role"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type respondRequest struct {
	Response string `json:"response" binding:"required"`
}

// Respond records the seller's answer, moving the dispute under review.
func (h *Handlers) Respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	d, err := h.service.Respond(c.Request.Context(), c.Param("id"), c.GetString("user_id"),
		validation.SanitizeString(req.Response, 5000))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type evidenceRequest struct {
	Type string `json:"type" binding:"required"`
	URL  string `json:"url" binding:"required"`
}

// AddEvidence attaches an artifact to the dispute.
func (h *Handlers) AddEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	e, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"),
		c.GetString("user_id"), c.GetString("role"), EvidenceType(req.Type), req.URL)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

// ListEvidence returns all artifacts on a dispute.
func (h *Handlers) ListEvidence(c *gin.Context) {
	result, err := h.service.ListEvidence(c.Request.Context(), c.Param("id"),
		c.GetString("user_id"), c.GetString("role"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	if result == nil {
		result = []*Evidence{}
	}
	c.JSON(http.StatusOK, gin.H{"evidence": result, "count": len(result)})
}

type messageRequest struct {
	Message     string   `json:"message" binding:"required"`
	Attachments []string `json:"attachments"`
}

// AddMessage appends to the dispute thread.
func (h *Handlers) AddMessage(c *gin.Context) {
	var req messageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	m, err := h.service.AddMessage(c.Request.Context(), c.Param("id"),
		c.GetString("user_id"), c.GetString("role"),
		validation.SanitizeString(req.Message, 5000), req.Attachments)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// ListMessages returns the dispute thread in order.
func (h *Handlers) ListMessages(c *gin.Context) {
	result, err := h.service.ListMessages(c.Request.Context(), c.Param("id"),
		c.GetString("user_id"), c.GetString("role"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	if result == nil {
		result = []*Message{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": result, "count": len(result)})
}

// CloseDispute withdraws a dispute without a financial split.
func (h *Handlers) CloseDispute(c *gin.Context) {
	d, err := h.service.Close(c.Request.Context(), c.Param("id"),
		c.GetString("user_id"), c.GetString("role"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type resolveRequest struct {
	ResolutionType string `json:"resolutionType" binding:"required"`
	RefundAmount   string `json:"refundAmount"`
	ReleaseAmount  string `json:"releaseAmount"`
}

// ResolveDispute applies an admin ruling.
func (h *Handlers) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	var refund, release money.Amount
	var err error
	if req.RefundAmount != "" {
		if refund, err = money.ParseDecimal(req.RefundAmount); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid refund amount"})
			return
		}
	}
	if req.ReleaseAmount != "" {
		if release, err = money.ParseDecimal(req.ReleaseAmount); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid release amount"})
			return
		}
	}

	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), c.GetString("user_id"), ResolveRequest{
		Type:          ResolutionType(req.ResolutionType),
		RefundAmount:  refund,
		ReleaseAmount: release,
	})
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func writeDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "dispute not found"})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for this dispute"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "dispute is not in a state that allows this"})
	case errors.Is(err, ErrInvalidSplit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolution amounts must sum to the held total"})
	case errors.Is(err, escrow.ErrEscrowMismatch), errors.Is(err, escrow.ErrEscrowOverdraw):
		logging.L(c.Request.Context()).Error("escrow mismatch on dispute resolution", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow settlement failed"})
	default:
		logging.L(c.Request.Context()).Error("dispute operation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispute operation failed"})
	}
}
