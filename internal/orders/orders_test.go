package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palomar/bazaar/internal/escrow"
	"github.com/palomar/bazaar/internal/ledger"
	"github.com/palomar/bazaar/internal/logging"
	"github.com/palomar/bazaar/internal/money"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) OrderStatusChanged(ctx context.Context, o *Order, previous Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, string(previous)+"->"+string(o.Status))
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	ledger *ledger.Ledger
	engine *escrow.Engine
	sink   *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	engine := escrow.NewEngine(escrow.NewMemoryStore(), l)
	store := NewMemoryStore()
	sink := &recordingSink{}
	svc := NewService(store, engine, sink, Options{
		BuyerFeeBps:   1000,
		SellerFeeBps:  1000,
		Currency:      "USD",
		PaymentWindow: 24 * time.Hour,
		ReviewWindow:  72 * time.Hour,
	})
	return &fixture{svc: svc, store: store, ledger: l, engine: engine, sink: sink}
}

func (f *fixture) fund(t *testing.T, userID, amount, ref string) {
	t.Helper()
	require.NoError(t, f.ledger.Deposit(context.Background(), userID, money.MustParseDecimal(amount), ref))
}

func (f *fixture) createOrder(t *testing.T) *Order {
	t.Helper()
	o, err := f.svc.Create(context.Background(), CreateRequest{
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		ListingID: "lst_1",
		Price:     money.MustParseDecimal("450.00"),
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) mustTransition(t *testing.T, orderID string, target Status, actorID string) *Order {
	t.Helper()
	o, err := f.svc.Transition(context.Background(), TransitionRequest{
		OrderID: orderID, Target: target, ActorID: actorID, ActorRole: "user",
	})
	require.NoError(t, err, "transition to %s as %s", target, actorID)
	return o
}

func TestCreateComputesFees(t *testing.T) {
	f := newFixture(t)
	o := f.createOrder(t)

	assert.Equal(t, StatusPending, o.Status)
	assert.Equal(t, money.MustParseDecimal("45.00"), o.BuyerFee)
	assert.Equal(t, money.MustParseDecimal("45.00"), o.SellerFee)
	assert.Equal(t, money.MustParseDecimal("495.00"), o.TotalAmount)
	assert.Equal(t, money.MustParseDecimal("405.00"), o.SellerReceives)
	assert.NotEmpty(t, o.Number)
}

func TestCreateRejectsSelfPurchase(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), CreateRequest{
		BuyerID: "u1", SellerID: "u1", ListingID: "lst_1", Price: money.MustParseDecimal("10.00"),
	})
	assert.ErrorIs(t, err, ErrSelfPurchase)
}

func TestHappyPathSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")

	o := f.createOrder(t)
	f.mustTransition(t, o.ID, StatusPaid, "buyer-1")

	buyer, _ := f.ledger.GetWallet(ctx, "buyer-1")
	assert.Equal(t, money.Amount(0), buyer.Available, "full total held after payment")

	f.mustTransition(t, o.ID, StatusProcessing, "seller-1")
	delivered := f.mustTransition(t, o.ID, StatusDelivered, "seller-1")
	require.NotNil(t, delivered.ReviewDeadline)

	done := f.mustTransition(t, o.ID, StatusCompleted, "buyer-1")
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	seller, _ := f.ledger.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.MustParseDecimal("405.00"), seller.Available)

	platform, _ := f.ledger.GetWallet(ctx, ledger.PlatformWalletID)
	assert.Equal(t, money.MustParseDecimal("90.00"), platform.Available)
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name  string
		from  Status
		to    Status
		actor string
		errIs error
	}{
		{"pending to processing skips payment", StatusPending, StatusProcessing, "seller-1", ErrInvalidTransition},
		{"pending to delivered", StatusPending, StatusDelivered, "seller-1", ErrInvalidTransition},
		{"paid to completed skips delivery", StatusPaid, StatusCompleted, "buyer-1", ErrInvalidTransition},
		{"delivered cannot be cancelled", StatusDelivered, StatusCancelled, "buyer-1", ErrInvalidTransition},
		{"pending cannot be disputed via api", StatusPending, StatusDisputed, "buyer-1", ErrInvalidTransition},
		{"cannot refund via api", StatusPaid, StatusRefunded, "buyer-1", ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.fund(t, "buyer-1", "495.00", "pi_1")
			o := f.createOrder(t)
			advanceTo(t, f, o.ID, tt.from)

			_, err := f.svc.Transition(context.Background(), TransitionRequest{
				OrderID: o.ID, Target: tt.to, ActorID: tt.actor, ActorRole: "user",
			})
			assert.ErrorIs(t, err, tt.errIs)
		})
	}
}

// advanceTo walks an order through the happy path up to the wanted status.
func advanceTo(t *testing.T, f *fixture, orderID string, target Status) {
	t.Helper()
	steps := []struct {
		status Status
		actor  string
	}{
		{StatusPaid, "buyer-1"},
		{StatusProcessing, "seller-1"},
		{StatusDelivered, "seller-1"},
		{StatusCompleted, "buyer-1"},
	}
	for _, step := range steps {
		if target == StatusPending {
			return
		}
		f.mustTransition(t, orderID, step.status, step.actor)
		if step.status == target {
			return
		}
	}
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)

	// seller cannot pay for the buyer
	_, err := f.svc.Transition(context.Background(), TransitionRequest{
		OrderID: o.ID, Target: StatusPaid, ActorID: "seller-1", ActorRole: "user",
	})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	f.mustTransition(t, o.ID, StatusPaid, "buyer-1")

	// buyer cannot mark processing
	_, err = f.svc.Transition(context.Background(), TransitionRequest{
		OrderID: o.ID, Target: StatusProcessing, ActorID: "buyer-1", ActorRole: "user",
	})
	assert.ErrorIs(t, err, ErrNotAuthorized)

	// a third party cannot cancel
	_, err = f.svc.Transition(context.Background(), TransitionRequest{
		OrderID: o.ID, Target: StatusCancelled, ActorID: "rando", ActorRole: "user",
	})
	assert.ErrorIs(t, err, ErrNotAuthorized)
}

func TestPayWithInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer-1", "100.00", "pi_1")
	o := f.createOrder(t)

	_, err := f.svc.Transition(context.Background(), TransitionRequest{
		OrderID: o.ID, Target: StatusPaid, ActorID: "buyer-1", ActorRole: "user",
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	got, _ := f.store.Get(context.Background(), o.ID)
	assert.Equal(t, StatusPending, got.Status, "failed payment must not advance the order")
}

func TestCancelBeforePaymentMovesNoMoney(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)

	cancelled := f.mustTransition(t, o.ID, StatusCancelled, "buyer-1")
	assert.Equal(t, StatusCancelled, cancelled.Status)

	buyer, _ := f.ledger.GetWallet(ctx, "buyer-1")
	assert.Equal(t, money.MustParseDecimal("495.00"), buyer.Available)
}

func TestCancelAfterPaymentRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)

	f.mustTransition(t, o.ID, StatusPaid, "buyer-1")
	f.mustTransition(t, o.ID, StatusCancelled, "seller-1")

	buyer, _ := f.ledger.GetWallet(ctx, "buyer-1")
	assert.Equal(t, money.MustParseDecimal("495.00"), buyer.Available, "buyer fee returns with the refund")
}

func TestCompleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)
	advanceTo(t, f, o.ID, StatusDelivered)

	first := f.mustTransition(t, o.ID, StatusCompleted, "buyer-1")
	second := f.mustTransition(t, o.ID, StatusCompleted, "buyer-1")
	assert.Equal(t, first.Status, second.Status)

	seller, _ := f.ledger.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.MustParseDecimal("405.00"), seller.Available, "repeated confirm must pay exactly once")

	// but moving a finalized order elsewhere fails
	_, err := f.svc.Transition(ctx, TransitionRequest{
		OrderID: o.ID, Target: StatusCancelled, ActorID: "buyer-1", ActorRole: "user",
	})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestConcurrentTransitionsOneWinner(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)
	advanceTo(t, f, o.ID, StatusProcessing)

	var wg sync.WaitGroup
	errs := make([]error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.svc.Transition(context.Background(), TransitionRequest{
			OrderID: o.ID, Target: StatusDelivered, ActorID: "seller-1", ActorRole: "user",
		})
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.svc.Transition(context.Background(), TransitionRequest{
			OrderID: o.ID, Target: StatusCancelled, ActorID: "buyer-1", ActorRole: "user",
		})
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			// the loser sees either an illegal move or a finalized order
			ok := errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrAlreadyTerminal)
			assert.True(t, ok, "unexpected loser error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one of two racing transitions may win")
}

func TestDisputeFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)
	advanceTo(t, f, o.ID, StatusDelivered)

	disputed, err := f.svc.MarkDisputed(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, disputed.Status)

	tx, err := f.engine.GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFrozen, tx.Status)

	// frozen escrow blocks a buyer confirm on the disputed order
	_, err = f.svc.Transition(ctx, TransitionRequest{
		OrderID: o.ID, Target: StatusCompleted, ActorID: "buyer-1", ActorRole: "user",
	})
	assert.ErrorIs(t, err, escrow.ErrFrozen)

	// dispute closes without a ruling; order returns to review
	back, err := f.svc.ReinstateAfterDispute(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDelivered, back.Status)
	require.NotNil(t, back.ReviewDeadline)

	f.mustTransition(t, o.ID, StatusCompleted, "buyer-1")
	seller, _ := f.ledger.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.MustParseDecimal("405.00"), seller.Available)
}

func TestReinstateRestoresPreDisputeStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)
	advanceTo(t, f, o.ID, StatusPaid)

	disputed, err := f.svc.MarkDisputed(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, disputed.DisputedFrom)

	// closing must not grant review on an undelivered order
	back, err := f.svc.ReinstateAfterDispute(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, back.Status)
	assert.Empty(t, back.DisputedFrom)
	assert.Nil(t, back.ReviewDeadline)

	// nothing released to the seller; the order still needs delivery
	seller, _ := f.ledger.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.Amount(0), seller.Available)
	_, err = f.svc.Transition(ctx, TransitionRequest{
		OrderID: o.ID, Target: StatusCompleted, ActorID: "buyer-1", ActorRole: "user",
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// the normal path resumes from where the dispute interrupted it
	f.mustTransition(t, o.ID, StatusProcessing, "seller-1")
	f.mustTransition(t, o.ID, StatusDelivered, "seller-1")
	f.mustTransition(t, o.ID, StatusCompleted, "buyer-1")
	seller, _ = f.ledger.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.MustParseDecimal("405.00"), seller.Available)
}

func TestResolveDisputed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)
	advanceTo(t, f, o.ID, StatusDelivered)

	_, err := f.svc.MarkDisputed(ctx, o.ID)
	require.NoError(t, err)

	// escrow settles first, then the order records the outcome
	_, err = f.engine.ResolveRefund(ctx, o.ID, "dispute_buyer_favor")
	require.NoError(t, err)

	resolved, err := f.svc.ResolveDisputed(ctx, o.ID, StatusRefunded)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, resolved.Status)

	// repeat is a no-op
	again, err := f.svc.ResolveDisputed(ctx, o.ID, StatusRefunded)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, again.Status)

	// resolving a non-disputed order fails
	other := f.createOrder(t)
	_, err = f.svc.ResolveDisputed(ctx, other.ID, StatusRefunded)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestEventsEmitted(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)
	advanceTo(t, f, o.ID, StatusCompleted)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	assert.Equal(t, []string{
		"pending->paid",
		"paid->processing",
		"processing->delivered",
		"delivered->completed",
	}, f.sink.events)
}

func TestTimerAutoCompletesDelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)
	advanceTo(t, f, o.ID, StatusDelivered)

	// force the review deadline into the past
	stored, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	past := time.Now().Add(-time.Minute)
	stored.ReviewDeadline = &past
	require.NoError(t, f.store.Update(ctx, stored))

	timer := NewTimer(f.svc, f.store, time.Second, logging.New("error", "text"))
	timer.Sweep(ctx)

	got, _ := f.store.Get(ctx, o.ID)
	assert.Equal(t, StatusCompleted, got.Status)

	seller, _ := f.ledger.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.MustParseDecimal("405.00"), seller.Available)
}

func TestTimerCancelsUnpaid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	o := f.createOrder(t)

	stored, err := f.store.Get(ctx, o.ID)
	require.NoError(t, err)
	stored.PaymentDeadline = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.Update(ctx, stored))

	timer := NewTimer(f.svc, f.store, time.Second, logging.New("error", "text"))
	timer.Sweep(ctx)

	got, _ := f.store.Get(ctx, o.ID)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestTimerSkipsDisputedOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "buyer-1", "495.00", "pi_1")
	o := f.createOrder(t)
	advanceTo(t, f, o.ID, StatusDelivered)

	stored, _ := f.store.Get(ctx, o.ID)
	past := time.Now().Add(-time.Minute)
	stored.ReviewDeadline = &past
	require.NoError(t, f.store.Update(ctx, stored))

	_, err := f.svc.MarkDisputed(ctx, o.ID)
	require.NoError(t, err)

	timer := NewTimer(f.svc, f.store, time.Second, logging.New("error", "text"))
	timer.Sweep(ctx)

	got, _ := f.store.Get(ctx, o.ID)
	assert.Equal(t, StatusDisputed, got.Status, "sweep must not settle a disputed order")
}
