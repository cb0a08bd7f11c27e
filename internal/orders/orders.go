// Package orders enforces the order lifecycle state machine.
//
// An order moves pending → paid → processing → delivered → completed,
// with cancelled, disputed, and refunded as alternate outcomes. Money
// moves only as a side effect of legal transitions: paying holds the
// order total in escrow, completing releases it to the seller, and
// cancelling refunds it to the buyer. Disputed orders freeze the hold
// until the dispute engine settles it.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/palomar/bazaar/internal/escrow"
	"github.com/palomar/bazaar/internal/idgen"
	"github.com/palomar/bazaar/internal/ledger"
	"github.com/palomar/bazaar/internal/logging"
	"github.com/palomar/bazaar/internal/metrics"
	"github.com/palomar/bazaar/internal/money"
	"github.com/palomar/bazaar/internal/syncutil"
	"github.com/palomar/bazaar/internal/traces"
)

var (
	ErrOrderNotFound     = errors.New("orders: not found")
	ErrInvalidTransition = errors.New("orders: transition not allowed")
	ErrAlreadyTerminal   = errors.New("orders: order is in a terminal state")
	ErrNotAuthorized     = errors.New("orders: actor not authorized for this transition")
	ErrConflict          = errors.New("orders: concurrent update, retry")
	ErrInvalidAmount     = errors.New("orders: invalid amount")
	ErrSelfPurchase      = errors.New("orders: buyer and seller cannot be the same user")
)

// Status represents the lifecycle state of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPaid       Status = "paid"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDisputed   Status = "disputed"
	StatusRefunded   Status = "refunded"
)

// transitions is the legal state graph. Anything not listed fails
// with ErrInvalidTransition.
var transitions = map[Status][]Status{
	StatusPending:    {StatusPaid, StatusCancelled},
	StatusPaid:       {StatusProcessing, StatusCancelled, StatusDisputed},
	StatusProcessing: {StatusDelivered, StatusCancelled, StatusDisputed},
	StatusDelivered:  {StatusCompleted, StatusDisputed},
	StatusDisputed:   {StatusCompleted, StatusRefunded, StatusDelivered},
}

// IsTerminal reports whether a status permits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

func canTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Order represents one buyer-seller transaction for one listing.
// Price, fees, and the derived totals are fixed at creation and never
// recomputed once the escrow hold is posted.
type Order struct {
	ID               string       `json:"id"`
	Number           string       `json:"orderNumber"`
	BuyerID          string       `json:"buyerId"`
	SellerID         string       `json:"sellerId"`
	ListingID        string       `json:"listingId"`
	Tier             string       `json:"tier,omitempty"`
	Price            money.Amount `json:"price"`
	BuyerFee         money.Amount `json:"buyerFee"`
	SellerFee        money.Amount `json:"sellerFee"`
	TotalAmount      money.Amount `json:"totalAmount"`    // price + buyer fee
	SellerReceives   money.Amount `json:"sellerReceives"` // price - seller fee
	Currency         string       `json:"currency"`
	Status           Status       `json:"status"`
	DisputedFrom     Status       `json:"disputedFrom,omitempty"` // status the dispute interrupted
	DeliveryNote     string       `json:"deliveryNote,omitempty"`
	PaymentDeadline  time.Time    `json:"paymentDeadline"`
	DeliveryDeadline *time.Time   `json:"deliveryDeadline,omitempty"`
	ReviewDeadline   *time.Time   `json:"reviewDeadline,omitempty"`
	PaidAt           *time.Time   `json:"paidAt,omitempty"`
	DeliveredAt      *time.Time   `json:"deliveredAt,omitempty"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
	CancelledAt      *time.Time   `json:"cancelledAt,omitempty"`
	Version          int64        `json:"-"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// Store persists orders. Update must apply an optimistic version
// check: the write succeeds only if the stored version matches the
// one on the passed order, and it bumps the version on success.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Order, error)
	ListExpired(ctx context.Context, status Status, before time.Time, limit int) ([]*Order, error)
}

// EscrowService abstracts the escrow operations orders trigger.
type EscrowService interface {
	Hold(ctx context.Context, req escrow.HoldRequest) (*escrow.Transaction, error)
	Release(ctx context.Context, orderID, resolution string) (*escrow.Transaction, error)
	Refund(ctx context.Context, orderID, resolution string) (*escrow.Transaction, error)
	Freeze(ctx context.Context, orderID string) (*escrow.Transaction, error)
	Unfreeze(ctx context.Context, orderID string) (*escrow.Transaction, error)
}

// EventSink receives lifecycle events for external consumers.
type EventSink interface {
	OrderStatusChanged(ctx context.Context, o *Order, previous Status)
}

// Options carry the platform policy fixed at service construction.
type Options struct {
	BuyerFeeBps   int64
	SellerFeeBps  int64
	Currency      string
	PaymentWindow time.Duration // pending orders auto-cancel after this
	ReviewWindow  time.Duration // delivered orders auto-complete after this
}

// CreateRequest contains the parameters for buyer checkout.
type CreateRequest struct {
	BuyerID   string
	SellerID  string
	ListingID string
	Tier      string
	Price     money.Amount
}

// Service implements order lifecycle business logic.
type Service struct {
	store  Store
	escrow EscrowService
	events EventSink
	opts   Options

	// Per-order locks serialize transitions. The loser of a race sees
	// the fresh status and fails the transition check instead of
	// overwriting it.
	locks syncutil.ShardedMutex
}

// NewService creates a new order service.
func NewService(store Store, escrowSvc EscrowService, events EventSink, opts Options) *Service {
	if opts.Currency == "" {
		opts.Currency = "USD"
	}
	return &Service{store: store, escrow: escrowSvc, events: events, opts: opts}
}

func feeFor(amount money.Amount, bps int64) money.Amount {
	return money.Amount(int64(amount) * bps / 10000)
}

// Create records a new pending order with fees fixed from the current
// platform schedule. No money moves until the order is paid.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	if req.Price <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.BuyerID == req.SellerID {
		return nil, ErrSelfPurchase
	}

	buyerFee := feeFor(req.Price, s.opts.BuyerFeeBps)
	sellerFee := feeFor(req.Price, s.opts.SellerFeeBps)

	now := time.Now()
	o := &Order{
		ID:              idgen.WithPrefix("ord_"),
		Number:          idgen.Number("ORD"),
		BuyerID:         req.BuyerID,
		SellerID:        req.SellerID,
		ListingID:       req.ListingID,
		Tier:            req.Tier,
		Price:           req.Price,
		BuyerFee:        buyerFee,
		SellerFee:       sellerFee,
		TotalAmount:     req.Price + buyerFee,
		SellerReceives:  req.Price - sellerFee,
		Currency:        s.opts.Currency,
		Status:          StatusPending,
		PaymentDeadline: now.Add(s.opts.PaymentWindow),
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return o, nil
}

// Get returns an order by ID, restricted to its participants unless
// the caller is an admin.
func (s *Service) Get(ctx context.Context, id, actorID, role string) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if role != "admin" && actorID != o.BuyerID && actorID != o.SellerID {
		return nil, ErrNotAuthorized
	}
	return o, nil
}

// ListByUser returns orders where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// TransitionRequest is one attempt to move an order to a new status.
type TransitionRequest struct {
	OrderID      string
	Target       Status
	ActorID      string
	ActorRole    string
	DeliveryNote string
	Reason       string
}

// userTargets are the statuses reachable through the public transition
// API. disputed and refunded are driven by the dispute engine only.
var userTargets = map[Status]bool{
	StatusPaid:       true,
	StatusProcessing: true,
	StatusDelivered:  true,
	StatusCompleted:  true,
	StatusCancelled:  true,
}

// Transition attempts a user-driven status change, enforcing the
// transition table, actor authorization, and escrow side effects.
// Repeating a transition that already landed on the same terminal
// status is an idempotent no-op returning the order.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*Order, error) {
	if !userTargets[req.Target] {
		return nil, ErrInvalidTransition
	}
	return s.transition(ctx, req)
}

func (s *Service) transition(ctx context.Context, req TransitionRequest) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "orders.Transition",
		traces.OrderID(req.OrderID), traces.OrderStatus(string(req.Target)))
	defer span.End()

	unlock := s.locks.Lock(req.OrderID)
	defer unlock()

	o, err := s.store.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}

	if o.Status == req.Target && req.Target.IsTerminal() {
		return o, nil
	}
	if o.Status.IsTerminal() {
		metrics.OrderTransitionsTotal.WithLabelValues(string(req.Target), "rejected").Inc()
		return nil, ErrAlreadyTerminal
	}
	if !canTransition(o.Status, req.Target) {
		metrics.OrderTransitionsTotal.WithLabelValues(string(req.Target), "rejected").Inc()
		return nil, ErrInvalidTransition
	}
	if err := s.authorize(o, req); err != nil {
		metrics.OrderTransitionsTotal.WithLabelValues(string(req.Target), "unauthorized").Inc()
		return nil, err
	}

	previous := o.Status
	now := time.Now()

	// Escrow side effects happen before the status write. Escrow
	// operations are idempotent per order, so a crash between the
	// posting and the status write is repaired by the retry.
	switch req.Target {
	case StatusPaid:
		_, err = s.escrow.Hold(ctx, escrow.HoldRequest{
			OrderID:   o.ID,
			BuyerID:   o.BuyerID,
			SellerID:  o.SellerID,
			Price:     o.Price,
			BuyerFee:  o.BuyerFee,
			SellerFee: o.SellerFee,
		})
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				metrics.OrderTransitionsTotal.WithLabelValues(string(req.Target), "rejected").Inc()
			}
			return nil, err
		}
		o.PaidAt = &now

	case StatusDelivered:
		reviewDeadline := now.Add(s.opts.ReviewWindow)
		o.DeliveredAt = &now
		o.ReviewDeadline = &reviewDeadline
		o.DeliveryNote = req.DeliveryNote

	case StatusCompleted:
		resolution := "buyer_confirmed"
		if req.Reason != "" {
			resolution = req.Reason
		}
		if _, err := s.escrow.Release(ctx, o.ID, resolution); err != nil {
			return nil, err
		}
		o.CompletedAt = &now

	case StatusCancelled:
		// Money only moves if the hold was posted.
		if previous != StatusPending {
			if _, err := s.escrow.Refund(ctx, o.ID, "order_cancelled"); err != nil {
				return nil, err
			}
		}
		o.CancelledAt = &now
	}

	o.Status = req.Target
	o.UpdatedAt = now

	if err := s.store.Update(ctx, o); err != nil {
		if errors.Is(err, ErrConflict) {
			metrics.OrderTransitionsTotal.WithLabelValues(string(req.Target), "conflict").Inc()
		}
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(req.Target), "applied").Inc()
	logging.L(ctx).Info("order transition",
		"order_id", o.ID, "from", string(previous), "to", string(o.Status), "actor", req.ActorID)

	if s.events != nil {
		s.events.OrderStatusChanged(ctx, o, previous)
	}
	return o, nil
}

// authorize checks the actor against the transition being attempted.
func (s *Service) authorize(o *Order, req TransitionRequest) error {
	if req.ActorRole == "admin" || req.ActorRole == "system" {
		return nil
	}

	switch req.Target {
	case StatusPaid, StatusCompleted:
		if req.ActorID != o.BuyerID {
			return ErrNotAuthorized
		}
	case StatusProcessing, StatusDelivered:
		if req.ActorID != o.SellerID {
			return ErrNotAuthorized
		}
	case StatusCancelled:
		// Buyers may cancel before delivery; sellers may decline an
		// order they have not delivered.
		if req.ActorID != o.BuyerID && req.ActorID != o.SellerID {
			return ErrNotAuthorized
		}
	default:
		return ErrNotAuthorized
	}
	return nil
}

// MarkDisputed freezes the order and its escrow hold. Called by the
// dispute engine when a dispute is filed.
func (s *Service) MarkDisputed(ctx context.Context, orderID string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return nil, ErrAlreadyTerminal
	}
	if !canTransition(o.Status, StatusDisputed) {
		return nil, ErrInvalidTransition
	}

	if _, err := s.escrow.Freeze(ctx, orderID); err != nil {
		return nil, err
	}

	previous := o.Status
	o.Status = StatusDisputed
	o.DisputedFrom = previous
	o.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(StatusDisputed), "applied").Inc()
	if s.events != nil {
		s.events.OrderStatusChanged(ctx, o, previous)
	}
	return o, nil
}

// ResolveDisputed moves a disputed order to its post-resolution status.
// The dispute engine has already settled the escrow; this only records
// the outcome on the order.
func (s *Service) ResolveDisputed(ctx context.Context, orderID string, target Status) (*Order, error) {
	if target != StatusCompleted && target != StatusRefunded {
		return nil, ErrInvalidTransition
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == target {
		return o, nil
	}
	if o.Status != StatusDisputed {
		return nil, ErrInvalidTransition
	}

	previous := o.Status
	now := time.Now()
	o.Status = target
	if target == StatusCompleted {
		o.CompletedAt = &now
	}
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(target), "applied").Inc()
	if s.events != nil {
		s.events.OrderStatusChanged(ctx, o, previous)
	}
	return o, nil
}

// ReinstateAfterDispute puts a disputed order back where the dispute
// interrupted it after a close without a ruling. The escrow hold thaws;
// a fresh review window is granted only if the order had actually been
// delivered. An order disputed from paid or processing resumes there,
// so the seller still has to deliver before anything releases.
func (s *Service) ReinstateAfterDispute(ctx context.Context, orderID string) (*Order, error) {
	unlock := s.locks.Lock(orderID)
	defer unlock()

	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusDisputed {
		return nil, ErrInvalidTransition
	}

	restored := o.DisputedFrom
	if restored == "" {
		restored = StatusDelivered
	}

	if _, err := s.escrow.Unfreeze(ctx, orderID); err != nil {
		return nil, err
	}

	previous := o.Status
	now := time.Now()
	o.Status = restored
	o.DisputedFrom = ""
	if restored == StatusDelivered {
		reviewDeadline := now.Add(s.opts.ReviewWindow)
		o.ReviewDeadline = &reviewDeadline
	}
	o.UpdatedAt = now
	if err := s.store.Update(ctx, o); err != nil {
		return nil, err
	}

	metrics.OrderTransitionsTotal.WithLabelValues(string(restored), "applied").Inc()
	if s.events != nil {
		s.events.OrderStatusChanged(ctx, o, previous)
	}
	return o, nil
}
