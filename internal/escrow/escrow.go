// Package escrow holds buyer funds for the lifetime of an order and
// settles them exactly once when the order reaches a terminal state.
//
// Flow:
//  1. Buyer pays → full order total moves out of the buyer's wallet
//  2. Order completes → seller is credited price minus seller fee,
//     platform collects both fees
//  3. Order is refunded → buyer gets the full total back
//  4. Admin splits a dispute → funds divide between all three parties
//
// Every settlement must account for the held amount to the cent.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/palomar/bazaar/internal/idgen"
	"github.com/palomar/bazaar/internal/ledger"
	"github.com/palomar/bazaar/internal/logging"
	"github.com/palomar/bazaar/internal/metrics"
	"github.com/palomar/bazaar/internal/money"
	"github.com/palomar/bazaar/internal/syncutil"
	"github.com/palomar/bazaar/internal/traces"
)

var (
	ErrEscrowNotFound  = errors.New("escrow: not found")
	ErrInvalidStatus   = errors.New("escrow: invalid status for this operation")
	ErrAlreadySettled  = errors.New("escrow: already settled")
	ErrEscrowMismatch  = errors.New("escrow: settlement does not account for held amount")
	ErrEscrowOverdraw  = errors.New("escrow: settlement exceeds held amount")
	ErrFrozen          = errors.New("escrow: funds are frozen pending dispute")
)

// Status represents the state of an escrow hold.
type Status string

const (
	StatusHeld     Status = "held"     // funds locked, order in flight
	StatusFrozen   Status = "frozen"   // dispute open, settlements blocked
	StatusReleased Status = "released" // settled to seller
	StatusRefunded Status = "refunded" // settled back to buyer
	StatusPartial  Status = "partially_released" // divided by admin ruling
)

// Transaction is the escrow record backing one order. Fee amounts are
// fixed at hold time so later settlements do not depend on current
// platform configuration.
type Transaction struct {
	ID            string       `json:"id"`
	OrderID       string       `json:"orderId"`
	BuyerID       string       `json:"buyerId"`
	SellerID      string       `json:"sellerId"`
	Price         money.Amount `json:"price"`
	BuyerFee      money.Amount `json:"buyerFee"`
	SellerFee     money.Amount `json:"sellerFee"`
	Total         money.Amount `json:"total"` // price + buyer fee, the held amount
	Status        Status       `json:"status"`
	ReleaseAmount money.Amount `json:"releaseAmount"` // paid to seller on resolution
	RefundAmount  money.Amount `json:"refundAmount"`  // returned to buyer on resolution
	FeeAmount     money.Amount `json:"feeAmount"`     // collected by the platform
	Resolution    string       `json:"resolution,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	ResolvedAt    *time.Time   `json:"resolvedAt,omitempty"`
}

// IsTerminal returns true if the escrow has been settled.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusReleased, StatusRefunded, StatusPartial:
		return true
	}
	return false
}

// Store persists escrow records.
type Store interface {
	Create(ctx context.Context, t *Transaction) error
	GetByOrder(ctx context.Context, orderID string) (*Transaction, error)
	Update(ctx context.Context, t *Transaction) error
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
}

// LedgerService abstracts the wallet operations escrow needs.
type LedgerService interface {
	EscrowHold(ctx context.Context, buyerID string, amount money.Amount, orderID string) error
	EscrowSettle(ctx context.Context, buyerID, sellerID string, release, refund, fee money.Amount, orderID string) error
}

// HoldRequest contains the parameters for placing an escrow hold.
type HoldRequest struct {
	OrderID   string
	BuyerID   string
	SellerID  string
	Price     money.Amount
	BuyerFee  money.Amount
	SellerFee money.Amount
}

// Engine implements escrow business logic.
type Engine struct {
	store  Store
	ledger LedgerService
	locks  syncutil.ShardedMutex // per-order locks to serialize settlements
}

// NewEngine creates a new escrow engine.
func NewEngine(store Store, ledgerSvc LedgerService) *Engine {
	return &Engine{store: store, ledger: ledgerSvc}
}

// Hold locks the order total in escrow. Replaying a hold for an order
// that already has one returns the existing record unchanged.
func (e *Engine) Hold(ctx context.Context, req HoldRequest) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Hold",
		traces.OrderID(req.OrderID), traces.Amount(int64(req.Price+req.BuyerFee)))
	defer span.End()

	unlock := e.locks.Lock(req.OrderID)
	defer unlock()

	if existing, err := e.store.GetByOrder(ctx, req.OrderID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}

	now := time.Now()
	t := &Transaction{
		ID:        idgen.WithPrefix("esc_"),
		OrderID:   req.OrderID,
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Price:     req.Price,
		BuyerFee:  req.BuyerFee,
		SellerFee: req.SellerFee,
		Total:     req.Price + req.BuyerFee,
		Status:    StatusHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.ledger.EscrowHold(ctx, t.BuyerID, t.Total, t.OrderID); err != nil {
		// A duplicate posting means the funds are already held for this
		// order; treat the replay as success and persist the record.
		if !errors.Is(err, ledger.ErrDuplicatePosting) {
			return nil, fmt.Errorf("failed to hold escrow funds: %w", err)
		}
	}

	if err := e.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	return t, nil
}

// Release settles the full hold in the seller's favor: the seller
// receives price minus seller fee, the platform collects both fees.
// Frozen holds cannot be released this way; a dispute ruling must
// settle them via Resolve.
func (e *Engine) Release(ctx context.Context, orderID, resolution string) (*Transaction, error) {
	return e.settle(ctx, orderID, resolution, false, releasePlan)
}

// Refund settles the full hold in the buyer's favor: the buyer gets
// the entire total back, including the buyer fee. No fee is collected.
func (e *Engine) Refund(ctx context.Context, orderID, resolution string) (*Transaction, error) {
	return e.settle(ctx, orderID, resolution, false, refundPlan)
}

// ResolveRelease settles a disputed hold in the seller's favor.
// Dispute rulings carry no platform fee: the seller receives the full
// held amount. Allowed on frozen holds.
func (e *Engine) ResolveRelease(ctx context.Context, orderID, resolution string) (*Transaction, error) {
	return e.settle(ctx, orderID, resolution, true, func(t *Transaction) (release, refund, fee money.Amount, status Status) {
		return t.Total, 0, 0, StatusReleased
	})
}

// ResolveRefund settles a disputed hold in the buyer's favor.
// Allowed on frozen holds.
func (e *Engine) ResolveRefund(ctx context.Context, orderID, resolution string) (*Transaction, error) {
	return e.settle(ctx, orderID, resolution, true, refundPlan)
}

// Split divides the hold per an admin ruling. The three legs must sum
// to the held total exactly; anything else is rejected before any
// money moves. Allowed on frozen holds.
func (e *Engine) Split(ctx context.Context, orderID, resolution string, release, refund, fee money.Amount) (*Transaction, error) {
	if release < 0 || refund < 0 || fee < 0 {
		return nil, ErrEscrowMismatch
	}
	return e.settle(ctx, orderID, resolution, true, func(t *Transaction) (money.Amount, money.Amount, money.Amount, Status) {
		return release, refund, fee, StatusPartial
	})
}

func releasePlan(t *Transaction) (release, refund, fee money.Amount, status Status) {
	return t.Price - t.SellerFee, 0, t.BuyerFee + t.SellerFee, StatusReleased
}

func refundPlan(t *Transaction) (release, refund, fee money.Amount, status Status) {
	return 0, t.Total, 0, StatusRefunded
}

// Freeze blocks settlements while a dispute is open. Frozen funds can
// only move through an explicit admin resolution or an unfreeze.
func (e *Engine) Freeze(ctx context.Context, orderID string) (*Transaction, error) {
	unlock := e.locks.Lock(orderID)
	defer unlock()

	t, err := e.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, ErrAlreadySettled
	}
	if t.Status == StatusFrozen {
		return t, nil
	}

	t.Status = StatusFrozen
	t.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Unfreeze returns a frozen hold to held, re-enabling normal settlement.
// Used when a dispute closes without a ruling.
func (e *Engine) Unfreeze(ctx context.Context, orderID string) (*Transaction, error) {
	unlock := e.locks.Lock(orderID)
	defer unlock()

	t, err := e.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if t.IsTerminal() {
		return nil, ErrAlreadySettled
	}
	if t.Status == StatusHeld {
		return t, nil
	}

	t.Status = StatusHeld
	t.UpdatedAt = time.Now()
	if err := e.store.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// GetByOrder returns the escrow record for an order.
func (e *Engine) GetByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	return e.store.GetByOrder(ctx, orderID)
}

// settle moves held funds out of escrow exactly once. The plan function
// decides the three legs; settle verifies conservation, posts to the
// ledger, and persists the terminal status. Replaying a settlement that
// already landed with the same outcome is a no-op returning the record.
func (e *Engine) settle(ctx context.Context, orderID, resolution string, allowFrozen bool, plan func(*Transaction) (money.Amount, money.Amount, money.Amount, Status)) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle", traces.OrderID(orderID))
	defer span.End()

	unlock := e.locks.Lock(orderID)
	defer unlock()

	t, err := e.store.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	release, refund, fee, target := plan(t)

	if t.IsTerminal() {
		if t.Status == target && t.ReleaseAmount == release && t.RefundAmount == refund {
			return t, nil
		}
		return nil, ErrAlreadySettled
	}

	if t.Status == StatusFrozen && !allowFrozen {
		return nil, ErrFrozen
	}

	if release+refund > t.Total {
		metrics.EscrowIntegrityFailures.Inc()
		logging.L(ctx).Error("escrow settlement exceeds held amount",
			"order_id", orderID,
			"held", t.Total.Format(),
			"release", release.Format(),
			"refund", refund.Format())
		return nil, ErrEscrowOverdraw
	}
	if release+refund+fee != t.Total {
		metrics.EscrowIntegrityFailures.Inc()
		logging.L(ctx).Error("escrow settlement does not conserve held amount",
			"order_id", orderID,
			"held", t.Total.Format(),
			"release", release.Format(),
			"refund", refund.Format(),
			"fee", fee.Format())
		return nil, ErrEscrowMismatch
	}

	if err := e.ledger.EscrowSettle(ctx, t.BuyerID, t.SellerID, release, refund, fee, t.OrderID); err != nil {
		// Duplicate posting means a prior attempt moved the money but the
		// record update was lost; fall through and persist the outcome.
		if !errors.Is(err, ledger.ErrDuplicatePosting) {
			return nil, fmt.Errorf("failed to settle escrow: %w", err)
		}
	}

	now := time.Now()
	t.Status = target
	t.ReleaseAmount = release
	t.RefundAmount = refund
	t.FeeAmount = fee
	t.Resolution = resolution
	t.ResolvedAt = &now
	t.UpdatedAt = now

	if err := e.store.Update(ctx, t); err != nil {
		// Funds already moved; the record must reflect that.
		if retryErr := e.store.Update(ctx, t); retryErr != nil {
			logging.L(ctx).Error("escrow settled but record update failed, requires manual resolution",
				"order_id", orderID, "error", retryErr)
			return nil, fmt.Errorf("failed to update escrow after settlement: %w", err)
		}
	}

	metrics.EscrowSettlementsTotal.WithLabelValues(string(target)).Inc()
	return t, nil
}
