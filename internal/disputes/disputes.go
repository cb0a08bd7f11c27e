// Package disputes runs the dispute lifecycle for contested orders.
//
// A buyer files against an order in flight; the order and its escrow
// hold freeze while evidence and messages accumulate. A dispute is
// settled either by an admin ruling, by the filer withdrawing, or by
// the 48-hour response deadline lapsing, which resolves in the
// buyer's favor automatically.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/palomar/bazaar/internal/escrow"
	"github.com/palomar/bazaar/internal/idgen"
	"github.com/palomar/bazaar/internal/logging"
	"github.com/palomar/bazaar/internal/metrics"
	"github.com/palomar/bazaar/internal/money"
	"github.com/palomar/bazaar/internal/orders"
	"github.com/palomar/bazaar/internal/syncutil"
	"github.com/palomar/bazaar/internal/traces"
)

var (
	ErrDisputeNotFound  = errors.New("disputes: not found")
	ErrDuplicateDispute = errors.New("disputes: order already has a dispute")
	ErrInvalidState     = errors.New("disputes: invalid state for this operation")
	ErrNotAuthorized    = errors.New("disputes: actor not authorized")
	ErrInvalidReason    = errors.New("disputes: unknown reason")
	ErrInvalidSplit     = errors.New("disputes: resolution amounts do not sum to the held total")
)

// DefaultResponseWindow is how long the seller has to respond before
// the dispute auto-resolves in the buyer's favor.
const DefaultResponseWindow = 48 * time.Hour

// Status represents the dispute lifecycle state.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
)

// Reason categorizes why the dispute was filed.
type Reason string

const (
	ReasonNotAsDescribed  Reason = "not_as_described"
	ReasonNotDelivered    Reason = "not_delivered"
	ReasonDelayedDelivery Reason = "delayed_delivery"
	ReasonQualityIssues   Reason = "quality_issues"
	ReasonAccessIssues    Reason = "access_issues"
	ReasonFraud           Reason = "fraud"
	ReasonOther           Reason = "other"
)

var validReasons = map[Reason]bool{
	ReasonNotAsDescribed: true, ReasonNotDelivered: true, ReasonDelayedDelivery: true,
	ReasonQualityIssues: true, ReasonAccessIssues: true, ReasonFraud: true, ReasonOther: true,
}

// ResolutionType is the fixed set of admissible rulings.
type ResolutionType string

const (
	ResolutionBuyerFavor      ResolutionType = "buyer_favor"
	ResolutionSellerFavor     ResolutionType = "seller_favor"
	ResolutionPartialRefund   ResolutionType = "partial_refund"
	ResolutionMutualAgreement ResolutionType = "mutual_agreement"
)

// Dispute is filed against exactly one order.
type Dispute struct {
	ID             string         `json:"id"`
	Number         string         `json:"disputeNumber"`
	OrderID        string         `json:"orderId"`
	FiledBy        string         `json:"filedBy"`
	AgainstID      string         `json:"againstId"`
	Reason         Reason         `json:"reason"`
	Description    string         `json:"description"`
	SellerResponse string         `json:"sellerResponse,omitempty"`
	Status         Status         `json:"status"`
	Deadline       time.Time      `json:"deadline"`
	ResolutionType ResolutionType `json:"resolutionType,omitempty"`
	RefundAmount   money.Amount   `json:"refundAmount"`
	ReleaseAmount  money.Amount   `json:"releaseAmount"`
	ResolvedBy     string         `json:"resolvedBy,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
}

// IsTerminal reports whether the dispute permits no further changes.
func (d *Dispute) IsTerminal() bool {
	return d.Status == StatusResolved || d.Status == StatusClosed
}

// EvidenceType tags what kind of artifact was attached.
type EvidenceType string

const (
	EvidenceScreenshot EvidenceType = "screenshot"
	EvidenceDocument   EvidenceType = "document"
	EvidenceLink       EvidenceType = "link"
	EvidenceOther      EvidenceType = "other"
)

// Evidence is an append-only artifact attached to a dispute.
type Evidence struct {
	ID         string       `json:"id"`
	DisputeID  string       `json:"disputeId"`
	Type       EvidenceType `json:"type"`
	URL        string       `json:"url"`
	UploadedBy string       `json:"uploadedBy"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// Message is an append-only thread entry on a dispute.
type Message struct {
	ID          string    `json:"id"`
	DisputeID   string    `json:"disputeId"`
	SenderID    string    `json:"senderId"`
	Body        string    `json:"message"`
	Attachments []string  `json:"attachments,omitempty"`
	IsAdmin     bool      `json:"isAdmin"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists disputes and their threads.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetByOrder(ctx context.Context, orderID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
	AddEvidence(ctx context.Context, e *Evidence) error
	ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error)
	AddMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, disputeID string) ([]*Message, error)
}

// OrderService abstracts the order transitions the dispute engine drives.
type OrderService interface {
	Get(ctx context.Context, id, actorID, role string) (*orders.Order, error)
	MarkDisputed(ctx context.Context, orderID string) (*orders.Order, error)
	ResolveDisputed(ctx context.Context, orderID string, target orders.Status) (*orders.Order, error)
	ReinstateAfterDispute(ctx context.Context, orderID string) (*orders.Order, error)
}

// EscrowService abstracts the settlements a ruling can apply.
type EscrowService interface {
	GetByOrder(ctx context.Context, orderID string) (*escrow.Transaction, error)
	ResolveRelease(ctx context.Context, orderID, resolution string) (*escrow.Transaction, error)
	ResolveRefund(ctx context.Context, orderID, resolution string) (*escrow.Transaction, error)
	Split(ctx context.Context, orderID, resolution string, release, refund, fee money.Amount) (*escrow.Transaction, error)
}

// EventSink receives dispute lifecycle events.
type EventSink interface {
	DisputeEvent(ctx context.Context, event string, d *Dispute)
}

// Service implements dispute business logic.
type Service struct {
	store  Store
	orders OrderService
	escrow EscrowService
	events EventSink
	window time.Duration
	locks  syncutil.ShardedMutex // per-dispute locks
}

// NewService creates a new dispute service.
func NewService(store Store, orderSvc OrderService, escrowSvc EscrowService, events EventSink, window time.Duration) *Service {
	if window <= 0 {
		window = DefaultResponseWindow
	}
	return &Service{store: store, orders: orderSvc, escrow: escrowSvc, events: events, window: window}
}

// FileRequest contains the parameters for filing a dispute.
type FileRequest struct {
	OrderID     string
	FiledBy     string
	Reason      Reason
	Description string
}

// File opens a dispute against an order, freezing the order and its
// escrow hold. Only the order's buyer may file, and only once.
func (s *Service) File(ctx context.Context, req FileRequest) (*Dispute, error) {
	if !validReasons[req.Reason] {
		return nil, ErrInvalidReason
	}

	if _, err := s.store.GetByOrder(ctx, req.OrderID); err == nil {
		return nil, ErrDuplicateDispute
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	o, err := s.orders.Get(ctx, req.OrderID, req.FiledBy, "user")
	if err != nil {
		if errors.Is(err, orders.ErrNotAuthorized) {
			return nil, ErrNotAuthorized
		}
		return nil, err
	}
	if o.BuyerID != req.FiledBy {
		return nil, ErrNotAuthorized
	}

	if _, err := s.orders.MarkDisputed(ctx, req.OrderID); err != nil {
		if errors.Is(err, orders.ErrInvalidTransition) || errors.Is(err, orders.ErrAlreadyTerminal) {
			return nil, fmt.Errorf("order cannot be disputed: %w", ErrInvalidState)
		}
		return nil, err
	}

	now := time.Now()
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		Number:      idgen.Number("DSP"),
		OrderID:     o.ID,
		FiledBy:     o.BuyerID,
		AgainstID:   o.SellerID,
		Reason:      req.Reason,
		Description: req.Description,
		Status:      StatusOpen,
		Deadline:    now.Add(s.window),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.store.Create(ctx, d); err != nil {
		// The unique order_id constraint closes the race between two
		// concurrent filings; the order stays disputed either way.
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("filed").Inc()
	logging.L(ctx).Info("dispute filed",
		"dispute_id", d.ID, "order_id", o.ID, "filed_by", d.FiledBy, "reason", string(d.Reason))

	if s.events != nil {
		s.events.DisputeEvent(ctx, "dispute.filed", d)
	}
	return d, nil
}

// Get returns a dispute, restricted to its participants and admins.
func (s *Service) Get(ctx context.Context, id, actorID, role string) (*Dispute, error) {
	d, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(d, actorID, role); err != nil {
		return nil, err
	}
	return d, nil
}

// ListByUser returns disputes the user filed or is defending.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

func (s *Service) authorize(d *Dispute, actorID, role string) error {
	if role == "admin" {
		return nil
	}
	if actorID != d.FiledBy && actorID != d.AgainstID {
		return ErrNotAuthorized
	}
	return nil
}

// Respond records the seller's answer and moves the dispute under review.
func (s *Service) Respond(ctx context.Context, disputeID, sellerID, response string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if sellerID != d.AgainstID {
		return nil, ErrNotAuthorized
	}
	if d.Status != StatusOpen {
		return nil, ErrInvalidState
	}

	d.SellerResponse = response
	d.Status = StatusUnderReview
	d.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("responded").Inc()
	if s.events != nil {
		s.events.DisputeEvent(ctx, "dispute.responded", d)
	}
	return d, nil
}

// AddEvidence attaches an artifact. Legal while the dispute is open or
// under review; evidence is never removed.
func (s *Service) AddEvidence(ctx context.Context, disputeID, actorID, role string, typ EvidenceType, url string) (*Evidence, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(d, actorID, role); err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrInvalidState
	}

	switch typ {
	case EvidenceScreenshot, EvidenceDocument, EvidenceLink, EvidenceOther:
	default:
		typ = EvidenceOther
	}

	e := &Evidence{
		ID:         idgen.WithPrefix("evd_"),
		DisputeID:  disputeID,
		Type:       typ,
		URL:        url,
		UploadedBy: actorID,
		CreatedAt:  time.Now(),
	}
	if err := s.store.AddEvidence(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// ListEvidence returns all artifacts on a dispute.
func (s *Service) ListEvidence(ctx context.Context, disputeID, actorID, role string) ([]*Evidence, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(d, actorID, role); err != nil {
		return nil, err
	}
	return s.store.ListEvidence(ctx, disputeID)
}

// AddMessage appends to the dispute thread.
func (s *Service) AddMessage(ctx context.Context, disputeID, senderID, role, body string, attachments []string) (*Message, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(d, senderID, role); err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrInvalidState
	}

	m := &Message{
		ID:          idgen.WithPrefix("msg_"),
		DisputeID:   disputeID,
		SenderID:    senderID,
		Body:        body,
		Attachments: attachments,
		IsAdmin:     role == "admin",
		CreatedAt:   time.Now(),
	}
	if err := s.store.AddMessage(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns the dispute thread in order.
func (s *Service) ListMessages(ctx context.Context, disputeID, actorID, role string) ([]*Message, error) {
	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(d, actorID, role); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, disputeID)
}

// ResolveRequest is an admin ruling. For partial_refund and
// mutual_agreement the amounts are required and must sum to the held
// total; for buyer_favor and seller_favor they are derived.
type ResolveRequest struct {
	Type          ResolutionType
	RefundAmount  money.Amount
	ReleaseAmount money.Amount
}

// Resolve applies an admin ruling: settles the escrow hold per the
// resolution type and moves the order to its terminal status. Dispute
// rulings carry no platform fee, so refund + release always equals
// the original hold.
func (s *Service) Resolve(ctx context.Context, disputeID, adminID string, req ResolveRequest) (*Dispute, error) {
	return s.resolve(ctx, disputeID, adminID, req, "resolved", false)
}

func (s *Service) resolve(ctx context.Context, disputeID, resolvedBy string, req ResolveRequest, metric string, requireOpen bool) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "disputes.Resolve",
		traces.DisputeID(disputeID), attribute.String("resolution.type", string(req.Type)))
	defer span.End()

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, ErrInvalidState
	}
	if requireOpen && d.Status != StatusOpen {
		return nil, ErrInvalidState
	}

	hold, err := s.escrow.GetByOrder(ctx, d.OrderID)
	if err != nil {
		return nil, err
	}
	if hold.Status != escrow.StatusFrozen {
		// The order left the disputed state behind our back.
		return nil, ErrInvalidState
	}

	var refund, release money.Amount
	var target orders.Status

	switch req.Type {
	case ResolutionBuyerFavor:
		refund, release = hold.Total, 0
		target = orders.StatusRefunded
		if _, err := s.escrow.ResolveRefund(ctx, d.OrderID, "dispute_"+string(req.Type)); err != nil {
			return nil, err
		}

	case ResolutionSellerFavor:
		refund, release = 0, hold.Total
		target = orders.StatusCompleted
		if _, err := s.escrow.ResolveRelease(ctx, d.OrderID, "dispute_"+string(req.Type)); err != nil {
			return nil, err
		}

	case ResolutionPartialRefund, ResolutionMutualAgreement:
		refund, release = req.RefundAmount, req.ReleaseAmount
		if refund < 0 || release < 0 || refund+release != hold.Total {
			return nil, ErrInvalidSplit
		}
		if release > 0 {
			target = orders.StatusCompleted
		} else {
			target = orders.StatusRefunded
		}
		if _, err := s.escrow.Split(ctx, d.OrderID, "dispute_"+string(req.Type), release, refund, 0); err != nil {
			return nil, err
		}

	default:
		return nil, ErrInvalidSplit
	}

	if _, err := s.orders.ResolveDisputed(ctx, d.OrderID, target); err != nil {
		return nil, err
	}

	now := time.Now()
	d.Status = StatusResolved
	d.ResolutionType = req.Type
	d.RefundAmount = refund
	d.ReleaseAmount = release
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		// Escrow already settled; the retry path is the idempotent
		// settlement plus this update.
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(metric).Inc()
	logging.L(ctx).Info("dispute resolved",
		"dispute_id", d.ID, "order_id", d.OrderID, "resolution", string(req.Type),
		"refund", refund.Format(), "release", release.Format())

	if s.events != nil {
		s.events.DisputeEvent(ctx, "dispute.resolved", d)
	}
	return d, nil
}

// Close ends a dispute without a financial split (mutual withdrawal).
// Only the filer or an admin may close; the order resumes the status
// the dispute interrupted and the escrow hold thaws. An order that
// never reached delivered goes back to paid or processing, not into
// review.
func (s *Service) Close(ctx context.Context, disputeID, actorID, role string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if role != "admin" && actorID != d.FiledBy {
		return nil, ErrNotAuthorized
	}
	if d.IsTerminal() {
		return nil, ErrInvalidState
	}

	if _, err := s.orders.ReinstateAfterDispute(ctx, d.OrderID); err != nil {
		return nil, err
	}

	now := time.Now()
	d.Status = StatusClosed
	d.ResolvedBy = actorID
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("closed").Inc()
	if s.events != nil {
		s.events.DisputeEvent(ctx, "dispute.closed", d)
	}
	return d, nil
}

// AutoResolve settles an expired open dispute in the buyer's favor.
// Called by the sweep timer when the seller never responded. A dispute
// that moved under review in the meantime is left alone.
func (s *Service) AutoResolve(ctx context.Context, disputeID string) (*Dispute, error) {
	return s.resolve(ctx, disputeID, "system", ResolveRequest{Type: ResolutionBuyerFavor}, "auto_resolved", true)
}
