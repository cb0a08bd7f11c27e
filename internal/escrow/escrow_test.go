package escrow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palomar/bazaar/internal/ledger"
	"github.com/palomar/bazaar/internal/money"
)

func newTestEngine(t *testing.T) (*Engine, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(ledger.NewMemoryStore())
	return NewEngine(NewMemoryStore(), l), l
}

// Matches the standard fee schedule: price 450.00, 10% fee each side.
func testHold(orderID string) HoldRequest {
	return HoldRequest{
		OrderID:   orderID,
		BuyerID:   "buyer-1",
		SellerID:  "seller-1",
		Price:     money.MustParseDecimal("450.00"),
		BuyerFee:  money.MustParseDecimal("45.00"),
		SellerFee: money.MustParseDecimal("45.00"),
	}
}

func fund(t *testing.T, l *ledger.Ledger, userID, amount, ref string) {
	t.Helper()
	require.NoError(t, l.Deposit(context.Background(), userID, money.MustParseDecimal(amount), ref))
}

func TestHold(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	tx, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, tx.Status)
	assert.Equal(t, money.MustParseDecimal("495.00"), tx.Total)

	buyer, _ := l.GetWallet(ctx, "buyer-1")
	assert.Equal(t, money.Amount(0), buyer.Available)
}

func TestHoldReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "990.00", "pi_1")

	first, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)

	second, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	buyer, _ := l.GetWallet(ctx, "buyer-1")
	assert.Equal(t, money.MustParseDecimal("495.00"), buyer.Available, "replayed hold must debit once")
}

func TestHoldInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "100.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)

	tx, err := e.Release(ctx, "ord_1", "buyer_confirmed")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, tx.Status)
	assert.Equal(t, money.MustParseDecimal("405.00"), tx.ReleaseAmount)
	assert.Equal(t, money.MustParseDecimal("90.00"), tx.FeeAmount)
	assert.Equal(t, money.Amount(0), tx.RefundAmount)

	seller, _ := l.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.MustParseDecimal("405.00"), seller.Available)

	platform, _ := l.GetWallet(ctx, ledger.PlatformWalletID)
	assert.Equal(t, money.MustParseDecimal("90.00"), platform.Available)
}

func TestReleaseReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)

	_, err = e.Release(ctx, "ord_1", "buyer_confirmed")
	require.NoError(t, err)

	tx, err := e.Release(ctx, "ord_1", "buyer_confirmed")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, tx.Status)

	seller, _ := l.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.MustParseDecimal("405.00"), seller.Available, "replayed release must pay once")
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)

	tx, err := e.Refund(ctx, "ord_1", "order_cancelled")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, tx.Status)
	assert.Equal(t, money.MustParseDecimal("495.00"), tx.RefundAmount)
	assert.Equal(t, money.Amount(0), tx.FeeAmount)

	buyer, _ := l.GetWallet(ctx, "buyer-1")
	assert.Equal(t, money.MustParseDecimal("495.00"), buyer.Available, "buyer fee is returned on refund")
}

func TestRefundAfterReleaseRejected(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)
	_, err = e.Release(ctx, "ord_1", "buyer_confirmed")
	require.NoError(t, err)

	_, err = e.Refund(ctx, "ord_1", "order_cancelled")
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestSplit(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)

	tx, err := e.Split(ctx, "ord_1", "admin_ruling",
		money.MustParseDecimal("200.00"), money.MustParseDecimal("250.00"), money.MustParseDecimal("45.00"))
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, tx.Status)

	buyer, _ := l.GetWallet(ctx, "buyer-1")
	seller, _ := l.GetWallet(ctx, "seller-1")
	platform, _ := l.GetWallet(ctx, ledger.PlatformWalletID)
	assert.Equal(t, money.MustParseDecimal("250.00"), buyer.Available)
	assert.Equal(t, money.MustParseDecimal("200.00"), seller.Available)
	assert.Equal(t, money.MustParseDecimal("45.00"), platform.Available)
}

func TestSplitMustConserveTotal(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)

	// 200 + 250 + 0 != 495
	_, err = e.Split(ctx, "ord_1", "admin_ruling",
		money.MustParseDecimal("200.00"), money.MustParseDecimal("250.00"), 0)
	assert.ErrorIs(t, err, ErrEscrowMismatch)

	// negative legs are rejected outright
	_, err = e.Split(ctx, "ord_1", "admin_ruling",
		money.MustParseDecimal("600.00"), money.MustParseDecimal("-105.00"), 0)
	assert.ErrorIs(t, err, ErrEscrowMismatch)

	buyer, _ := l.GetWallet(ctx, "buyer-1")
	assert.Equal(t, money.Amount(0), buyer.Available, "rejected split must not move funds")
}

func TestSplitExceedingHoldIsOverdraw(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)

	// 400 + 200 > 495: more money out than was ever held
	_, err = e.Split(ctx, "ord_1", "admin_ruling",
		money.MustParseDecimal("400.00"), money.MustParseDecimal("200.00"), 0)
	assert.ErrorIs(t, err, ErrEscrowOverdraw)

	buyer, _ := l.GetWallet(ctx, "buyer-1")
	seller, _ := l.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.Amount(0), buyer.Available)
	assert.Equal(t, money.Amount(0), seller.Available)

	tx, err := e.GetByOrder(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, tx.Status, "overdraw must not settle the hold")
}

func TestFreezeBlocksRelease(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)

	tx, err := e.Freeze(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFrozen, tx.Status)

	// freezing again is a no-op
	tx, err = e.Freeze(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, StatusFrozen, tx.Status)

	_, err = e.Release(ctx, "ord_1", "review_window_elapsed")
	assert.ErrorIs(t, err, ErrFrozen)
	_, err = e.Refund(ctx, "ord_1", "order_cancelled")
	assert.ErrorIs(t, err, ErrFrozen)

	tx, err = e.Unfreeze(ctx, "ord_1")
	require.NoError(t, err)
	assert.Equal(t, StatusHeld, tx.Status)
}

func TestResolveSettlesFrozenHold(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)
	_, err = e.Freeze(ctx, "ord_1")
	require.NoError(t, err)

	tx, err := e.ResolveRefund(ctx, "ord_1", "dispute_buyer_favor")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, tx.Status)

	buyer, _ := l.GetWallet(ctx, "buyer-1")
	assert.Equal(t, money.MustParseDecimal("495.00"), buyer.Available)
}

func TestResolveReleaseOnFrozenHold(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)
	_, err = e.Freeze(ctx, "ord_1")
	require.NoError(t, err)

	tx, err := e.ResolveRelease(ctx, "ord_1", "dispute_seller_favor")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, tx.Status)

	// dispute rulings carry no platform fee
	seller, _ := l.GetWallet(ctx, "seller-1")
	assert.Equal(t, money.MustParseDecimal("495.00"), seller.Available)
}

func TestFreezeAfterSettlementRejected(t *testing.T) {
	ctx := context.Background()
	e, l := newTestEngine(t)
	fund(t, l, "buyer-1", "495.00", "pi_1")

	_, err := e.Hold(ctx, testHold("ord_1"))
	require.NoError(t, err)
	_, err = e.Refund(ctx, "ord_1", "order_cancelled")
	require.NoError(t, err)

	_, err = e.Freeze(ctx, "ord_1")
	assert.ErrorIs(t, err, ErrAlreadySettled)
}
