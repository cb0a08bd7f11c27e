package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81"

	"github.com/palomar/bazaar/internal/ledger"
	"github.com/palomar/bazaar/internal/money"
)

type fakeProvider struct {
	intents int
	payouts int
	fail    bool
}

func (f *fakeProvider) CreatePaymentIntent(ctx context.Context, amount money.Amount, currency, userID string) (*Intent, error) {
	if f.fail {
		return nil, fmt.Errorf("provider down")
	}
	f.intents++
	return &Intent{ID: fmt.Sprintf("pi_%d", f.intents), ClientSecret: "cs_test", Status: "requires_payment_method"}, nil
}

func (f *fakeProvider) CreatePayout(ctx context.Context, amount money.Amount, currency, destination, ledgerTxnID string) (*Payout, error) {
	if f.fail {
		return nil, fmt.Errorf("provider down")
	}
	f.payouts++
	return &Payout{ID: fmt.Sprintf("po_%d", f.payouts), Status: "pending"}, nil
}

func stripeEvent(t *testing.T, typ string, object any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	require.NoError(t, err)
	return &stripe.Event{
		Type: stripe.EventType(typ),
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestCreateDeposit(t *testing.T) {
	l := ledger.New(ledger.NewMemoryStore())
	svc := NewService(l, &fakeProvider{}, "usd")

	intent, err := svc.CreateDeposit(context.Background(), "user-1", money.MustParseDecimal("50.00"))
	require.NoError(t, err)
	assert.NotEmpty(t, intent.ClientSecret)

	_, err = svc.CreateDeposit(context.Background(), "user-1", money.Amount(-5))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreateDepositWithoutProvider(t *testing.T) {
	svc := NewService(ledger.New(ledger.NewMemoryStore()), nil, "usd")
	_, err := svc.CreateDeposit(context.Background(), "user-1", money.MustParseDecimal("50.00"))
	assert.ErrorIs(t, err, ErrProviderDisabled)
}

func TestBreakerOpensAfterRepeatedProviderFailures(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{fail: true}
	svc := NewService(ledger.New(ledger.NewMemoryStore()), provider, "usd")

	for i := 0; i < 5; i++ {
		_, err := svc.CreateDeposit(ctx, "user-1", money.MustParseDecimal("50.00"))
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrProviderUnavailable)
	}

	// Circuit is open now; calls fail fast without touching the provider.
	_, err := svc.CreateDeposit(ctx, "user-1", money.MustParseDecimal("50.00"))
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestPaymentSucceededCreditsWallet(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	svc := NewService(l, nil, "usd")

	event := stripeEvent(t, "payment_intent.succeeded", map[string]any{
		"id":       "pi_100",
		"amount":   5000,
		"metadata": map[string]string{"user_id": "user-1"},
	})
	require.NoError(t, svc.HandleEvent(ctx, event))

	w, err := l.GetWallet(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, money.MustParseDecimal("50.00"), w.Available)

	// Stripe redelivers; the balance must not move twice.
	require.NoError(t, svc.HandleEvent(ctx, event))
	w, _ = l.GetWallet(ctx, "user-1")
	assert.Equal(t, money.MustParseDecimal("50.00"), w.Available)
}

func TestPaymentSucceededRequiresMetadata(t *testing.T) {
	svc := NewService(ledger.New(ledger.NewMemoryStore()), nil, "usd")
	event := stripeEvent(t, "payment_intent.succeeded", map[string]any{
		"id": "pi_101", "amount": 5000,
	})
	assert.ErrorIs(t, svc.HandleEvent(context.Background(), event), ErrMissingMetadata)
}

func TestPayoutLifecycle(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	provider := &fakeProvider{}
	svc := NewService(l, provider, "usd")

	require.NoError(t, l.Deposit(ctx, "seller-1", money.MustParseDecimal("200.00"), "pi_1"))
	txn, err := l.RequestWithdrawal(ctx, "seller-1", money.MustParseDecimal("80.00"), "acct_bank")
	require.NoError(t, err)

	_, err = svc.SendPayout(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, provider.payouts)

	paid := stripeEvent(t, "payout.paid", map[string]any{
		"id":       "po_1",
		"metadata": map[string]string{"ledger_transaction_id": txn.ID},
	})
	require.NoError(t, svc.HandleEvent(ctx, paid))

	w, _ := l.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.MustParseDecimal("120.00"), w.Available)
	assert.Equal(t, money.Amount(0), w.Pending)

	// Redelivery of payout.paid is a no-op once settled.
	require.NoError(t, svc.HandleEvent(ctx, paid))
}

func TestPayoutFailedReturnsFunds(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	svc := NewService(l, &fakeProvider{}, "usd")

	require.NoError(t, l.Deposit(ctx, "seller-1", money.MustParseDecimal("200.00"), "pi_1"))
	txn, err := l.RequestWithdrawal(ctx, "seller-1", money.MustParseDecimal("80.00"), "acct_bank")
	require.NoError(t, err)

	failed := stripeEvent(t, "payout.failed", map[string]any{
		"id":       "po_1",
		"metadata": map[string]string{"ledger_transaction_id": txn.ID},
	})
	require.NoError(t, svc.HandleEvent(ctx, failed))

	w, _ := l.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.MustParseDecimal("200.00"), w.Available)
	assert.Equal(t, money.Amount(0), w.Pending)
}

func TestSendPayoutRejectsNonWithdrawals(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(ledger.NewMemoryStore())
	svc := NewService(l, &fakeProvider{}, "usd")

	require.NoError(t, l.Deposit(ctx, "user-1", money.MustParseDecimal("10.00"), "pi_1"))
	txns, err := l.ListTransactions(ctx, "user-1", ledger.Filter{})
	require.NoError(t, err)
	require.NotEmpty(t, txns)

	_, err = svc.SendPayout(ctx, txns[0].ID)
	assert.ErrorIs(t, err, ErrNotWithdrawal)
}

func TestUnknownEventsIgnored(t *testing.T) {
	svc := NewService(ledger.New(ledger.NewMemoryStore()), nil, "usd")
	event := stripeEvent(t, "customer.created", map[string]any{"id": "cus_1"})
	assert.NoError(t, svc.HandleEvent(context.Background(), event))
}
