package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically sweeps for orders with expired windows:
// delivered orders past their review deadline auto-complete, pending
// orders past their payment deadline auto-cancel.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new order sweep timer.
func NewTimer(service *Service, store Store, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Timer{
		service:  service,
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in order timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass over expired orders. Exported so the sweep can
// be triggered directly in tests without the ticker loop.
func (t *Timer) Sweep(ctx context.Context) {
	now := time.Now()
	t.completeReviewed(ctx, now)
	t.cancelUnpaid(ctx, now)
}

func (t *Timer) completeReviewed(ctx context.Context, now time.Time) {
	expired, err := t.store.ListExpired(ctx, StatusDelivered, now, 100)
	if err != nil {
		t.logger.Warn("failed to list delivered orders", "error", err)
		return
	}

	for _, o := range expired {
		_, err := t.service.transition(ctx, TransitionRequest{
			OrderID:   o.ID,
			Target:    StatusCompleted,
			ActorID:   "timer",
			ActorRole: "system",
			Reason:    "review_window_elapsed",
		})
		if err != nil {
			// A concurrent dispute or confirmation got there first.
			t.logger.Warn("failed to auto-complete order", "order_id", o.ID, "error", err)
			continue
		}
		t.logger.Info("auto-completed order after review window", "order_id", o.ID, "seller", o.SellerID)
	}
}

func (t *Timer) cancelUnpaid(ctx context.Context, now time.Time) {
	expired, err := t.store.ListExpired(ctx, StatusPending, now, 100)
	if err != nil {
		t.logger.Warn("failed to list pending orders", "error", err)
		return
	}

	for _, o := range expired {
		_, err := t.service.transition(ctx, TransitionRequest{
			OrderID:   o.ID,
			Target:    StatusCancelled,
			ActorID:   "timer",
			ActorRole: "system",
			Reason:    "payment_window_elapsed",
		})
		if err != nil {
			t.logger.Warn("failed to auto-cancel order", "order_id", o.ID, "error", err)
			continue
		}
		t.logger.Info("auto-cancelled unpaid order", "order_id", o.ID, "buyer", o.BuyerID)
	}
}
