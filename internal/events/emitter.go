package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/palomar/bazaar/internal/disputes"
	"github.com/palomar/bazaar/internal/idgen"
	"github.com/palomar/bazaar/internal/orders"
)

// Emitter translates lifecycle callbacks into webhook deliveries and
// WebSocket broadcasts. All methods are fire-and-forget: failures are
// logged, never returned, so business flows do not stall on a slow
// receiver.
type Emitter struct {
	dispatcher *Dispatcher
	hub        *Hub
	logger     *slog.Logger
}

// NewEmitter creates an emitter. Either dispatcher or hub may be nil.
func NewEmitter(dispatcher *Dispatcher, hub *Hub, logger *slog.Logger) *Emitter {
	return &Emitter{dispatcher: dispatcher, hub: hub, logger: logger}
}

var statusEvents = map[orders.Status]Type{
	orders.StatusPaid:       OrderPaid,
	orders.StatusProcessing: OrderProcessing,
	orders.StatusDelivered:  OrderDelivered,
	orders.StatusCompleted:  OrderCompleted,
	orders.StatusCancelled:  OrderCancelled,
	orders.StatusDisputed:   OrderDisputed,
	orders.StatusRefunded:   OrderRefunded,
}

// OrderStatusChanged notifies both parties of an order transition.
func (e *Emitter) OrderStatusChanged(ctx context.Context, o *orders.Order, previous orders.Status) {
	if e == nil {
		return
	}
	typ, ok := statusEvents[o.Status]
	if !ok {
		return
	}

	e.deliver(ctx, typ, []string{o.BuyerID, o.SellerID}, map[string]any{
		"orderId":     o.ID,
		"orderNumber": o.Number,
		"buyerId":     o.BuyerID,
		"sellerId":    o.SellerID,
		"status":      string(o.Status),
		"previous":    string(previous),
		"totalAmount": o.TotalAmount.Format(),
		"currency":    o.Currency,
	})
}

// DisputeEvent notifies both parties of a dispute lifecycle change.
func (e *Emitter) DisputeEvent(ctx context.Context, event string, d *disputes.Dispute) {
	if e == nil {
		return
	}

	data := map[string]any{
		"disputeId":     d.ID,
		"disputeNumber": d.Number,
		"orderId":       d.OrderID,
		"filedBy":       d.FiledBy,
		"againstId":     d.AgainstID,
		"status":        string(d.Status),
		"reason":        string(d.Reason),
	}
	if d.Status == disputes.StatusResolved {
		data["resolutionType"] = string(d.ResolutionType)
		data["refundAmount"] = d.RefundAmount.Format()
		data["releaseAmount"] = d.ReleaseAmount.Format()
	}

	e.deliver(ctx, Type(event), []string{d.FiledBy, d.AgainstID}, data)
}

func (e *Emitter) deliver(ctx context.Context, typ Type, userIDs []string, data map[string]any) {
	event := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      typ,
		Timestamp: time.Now(),
		Data:      data,
	}

	if e.hub != nil {
		e.hub.Broadcast(event)
	}
	if e.dispatcher == nil {
		return
	}

	// Detach from the request context so in-flight deliveries survive
	// the response being written. The HTTP client carries its own
	// timeout.
	dctx := context.WithoutCancel(ctx)
	for _, userID := range userIDs {
		if err := e.dispatcher.DispatchToUser(dctx, userID, event); err != nil && e.logger != nil {
			e.logger.Warn("event dispatch failed", "event", string(typ), "user_id", userID, "error", err)
		}
	}
}
