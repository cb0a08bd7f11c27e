package disputes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically auto-resolves open disputes whose response
// deadline has passed. Safe to run alongside user actions: the
// per-dispute lock and the open-status check make the race lose
// cleanly instead of double-resolving.
type Timer struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new dispute auto-resolution timer.
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
			t.logger.Error("panic in dispute timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep runs one pass over expired open disputes. Exported so tests
// can trigger it without the ticker loop.
func (t *Timer) Sweep(ctx context.Context) {
	expired, err := t.store.ListExpired(ctx, time.Now(), 100)
	if err != nil {
		t.logger.Warn("failed to list expired disputes", "error", err)
		return
	}

	for _, d := range expired {
		_, err := t.service.AutoResolve(ctx, d.ID)
		if err != nil {
			if errors.Is(err, ErrInvalidState) {
				// responded or resolved since the listing
				continue
			}
			t.logger.Warn("failed to auto-resolve dispute", "dispute_id", d.ID, "error", err)
			continue
		}
		t.logger.Info("auto-resolved dispute in buyer's favor after deadline",
			"dispute_id", d.ID, "order_id", d.OrderID)
	}
}
