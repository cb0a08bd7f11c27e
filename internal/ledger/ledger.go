// Package ledger is the single source of truth for money on the platform.
//
// Wallet balances are never mutated directly: every movement is a posting
// that appends an immutable transaction entry and adjusts the derived
// balance fields in the same atomic unit. A reversal is a new entry,
// never an edit.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/palomar/bazaar/internal/metrics"
	"github.com/palomar/bazaar/internal/money"
	"github.com/palomar/bazaar/internal/pagination"
)

var (
	ErrWalletNotFound      = errors.New("ledger: wallet not found")
	ErrInsufficientFunds   = errors.New("ledger: insufficient funds")
	ErrDuplicatePosting    = errors.New("ledger: posting already applied")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	ErrNotPending          = errors.New("ledger: transaction is not pending")
	ErrInvalidCursor       = errors.New("ledger: invalid cursor")
)

// PlatformWalletID is the reserved wallet that accumulates marketplace fees.
const PlatformWalletID = "platform"

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TypeDeposit       TransactionType = "deposit"
	TypeWithdrawal    TransactionType = "withdrawal"
	TypePurchase      TransactionType = "purchase"
	TypeSale          TransactionType = "sale"
	TypeEscrowHold    TransactionType = "escrow_hold"
	TypeEscrowRelease TransactionType = "escrow_release"
	TypeRefund        TransactionType = "refund"
	TypeFee           TransactionType = "fee"
	TypeBonus         TransactionType = "bonus"
)

// TransactionStatus is the settlement state of a ledger entry.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Wallet holds a user's derived balances. Balances are maintained
// incrementally on each posting but must always reconcile against the
// sum of completed entries (see Reconcile).
type Wallet struct {
	UserID         string       `json:"userId"`
	Currency       string       `json:"currency"`
	Available      money.Amount `json:"availableBalance"`
	Pending        money.Amount `json:"pendingBalance"`
	TotalEarned    money.Amount `json:"totalEarned"`
	TotalSpent     money.Amount `json:"totalSpent"`
	TotalWithdrawn money.Amount `json:"totalWithdrawn"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Transaction is an immutable ledger entry. Entries are append-only and
// never deleted; failed operations are recorded as new entries.
type Transaction struct {
	ID          string            `json:"id"`
	WalletID    string            `json:"walletId"`
	Type        TransactionType   `json:"type"`
	Amount      money.Amount      `json:"amount"` // signed gross amount
	Fee         money.Amount      `json:"fee"`
	NetAmount   money.Amount      `json:"netAmount"` // signed effect on the wallet
	Status      TransactionStatus `json:"status"`
	OrderID     string            `json:"orderId,omitempty"`
	Reference   string            `json:"reference,omitempty"` // provider reference (payment intent, payout, bank txn)
	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
}

// Filter narrows a transaction listing. Cursor, when set, resumes a
// listing strictly after the entry it points at.
type Filter struct {
	Type    TransactionType
	Status  TransactionStatus
	OrderID string
	Limit   int
	Cursor  *pagination.Cursor
}

// Store persists wallets and ledger entries. Every method that moves money
// is a single atomic unit: the entry append and the balance adjustment
// either both apply or neither does.
type Store interface {
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	ListTransactions(ctx context.Context, walletID string, f Filter) ([]*Transaction, error)
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// Credit adds funds (deposit, bonus). Idempotent on reference:
	// a duplicate reference returns ErrDuplicatePosting.
	Credit(ctx context.Context, walletID string, amount money.Amount, typ TransactionType, reference, description string) error

	// RequestWithdrawal moves available -> pending and appends a pending
	// withdrawal entry. SettleWithdrawal completes it; FailWithdrawal
	// returns the funds to available.
	RequestWithdrawal(ctx context.Context, walletID string, amount money.Amount, reference string) (*Transaction, error)
	SettleWithdrawal(ctx context.Context, transactionID string) error
	FailWithdrawal(ctx context.Context, transactionID string) error

	// EscrowHold debits the buyer's available balance for an order.
	// Idempotent on (orderID, escrow_hold).
	EscrowHold(ctx context.Context, buyerID string, amount money.Amount, orderID string) error

	// EscrowSettle distributes a previously held amount in one atomic
	// posting set: release to the seller, refund to the buyer, fee to the
	// platform wallet. Callers guarantee release+refund+fee equals the
	// held amount. Idempotent on (orderID, sale).
	EscrowSettle(ctx context.Context, buyerID, sellerID string, release, refund, fee money.Amount, orderID string) error

	// SumCompleted returns the signed sum of all completed entries' net
	// amounts for a wallet. Used by Reconcile.
	SumCompleted(ctx context.Context, walletID string) (money.Amount, error)
}

// Ledger exposes wallet operations over a Store.
type Ledger struct {
	store Store
}

// New creates a ledger over the given store.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetWallet returns a user's wallet, zero-valued if no postings exist yet.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// GetTransaction returns one ledger entry by ID.
func (l *Ledger) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return l.store.GetTransaction(ctx, id)
}

// ListTransactions returns ledger entries for a wallet, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, walletID string, f Filter) ([]*Transaction, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return l.store.ListTransactions(ctx, walletID, f)
}

// Page is one cursor-delimited slice of ledger entries.
type Page struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// ListTransactionsPage returns one page of ledger entries and an opaque
// cursor for the next page. An unparseable cursor fails with
// ErrInvalidCursor.
func (l *Ledger) ListTransactionsPage(ctx context.Context, walletID string, f Filter, cursor string) (*Page, error) {
	cur, err := pagination.Decode(cursor)
	if err != nil {
		return nil, ErrInvalidCursor
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	limit := f.Limit
	f.Cursor = cur
	f.Limit = limit + 1 // one extra row tells us whether more pages exist

	txns, err := l.store.ListTransactions(ctx, walletID, f)
	if err != nil {
		return nil, err
	}

	txns, next, more := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	if txns == nil {
		txns = []*Transaction{}
	}
	return &Page{Transactions: txns, NextCursor: next, HasMore: more}, nil
}

// Deposit credits a wallet from an external payment. Replays with the same
// provider reference are rejected with ErrDuplicatePosting.
func (l *Ledger) Deposit(ctx context.Context, walletID string, amount money.Amount, reference string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := l.store.Credit(ctx, walletID, amount, TypeDeposit, reference, "wallet deposit"); err != nil {
		return err
	}
	metrics.LedgerPostingsTotal.WithLabelValues(string(TypeDeposit)).Inc()
	return nil
}

// Bonus credits promotional or goodwill funds to a wallet.
func (l *Ledger) Bonus(ctx context.Context, walletID string, amount money.Amount, reference, description string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := l.store.Credit(ctx, walletID, amount, TypeBonus, reference, description); err != nil {
		return err
	}
	metrics.LedgerPostingsTotal.WithLabelValues(string(TypeBonus)).Inc()
	return nil
}

// RequestWithdrawal places a pending withdrawal for later settlement by the
// payout provider. Fails with ErrInsufficientFunds if available < amount.
func (l *Ledger) RequestWithdrawal(ctx context.Context, walletID string, amount money.Amount, reference string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	txn, err := l.store.RequestWithdrawal(ctx, walletID, amount, reference)
	if err != nil {
		return nil, err
	}
	metrics.LedgerPostingsTotal.WithLabelValues(string(TypeWithdrawal)).Inc()
	return txn, nil
}

// SettleWithdrawal marks a pending withdrawal as paid out.
func (l *Ledger) SettleWithdrawal(ctx context.Context, transactionID string) error {
	return l.store.SettleWithdrawal(ctx, transactionID)
}

// FailWithdrawal returns a pending withdrawal's funds to the wallet.
func (l *Ledger) FailWithdrawal(ctx context.Context, transactionID string) error {
	return l.store.FailWithdrawal(ctx, transactionID)
}

// EscrowHold debits the buyer for an order's total amount. Called by the
// escrow engine only.
func (l *Ledger) EscrowHold(ctx context.Context, buyerID string, amount money.Amount, orderID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := l.store.EscrowHold(ctx, buyerID, amount, orderID); err != nil {
		return err
	}
	metrics.LedgerPostingsTotal.WithLabelValues(string(TypeEscrowHold)).Inc()
	return nil
}

// EscrowSettle distributes held funds. Called by the escrow engine only;
// the engine enforces release+refund+fee == held amount before calling.
func (l *Ledger) EscrowSettle(ctx context.Context, buyerID, sellerID string, release, refund, fee money.Amount, orderID string) error {
	if release.IsNegative() || refund.IsNegative() || fee.IsNegative() {
		return ErrInvalidAmount
	}
	if err := l.store.EscrowSettle(ctx, buyerID, sellerID, release, refund, fee, orderID); err != nil {
		return err
	}
	metrics.LedgerPostingsTotal.WithLabelValues(string(TypeSale)).Inc()
	return nil
}

// ReconcileResult reports whether a wallet's derived balances match the
// sum of its completed ledger entries.
type ReconcileResult struct {
	WalletID  string       `json:"walletId"`
	EntrySum  money.Amount `json:"entrySum"`
	Balances  money.Amount `json:"balances"` // available + pending
	Match     bool         `json:"match"`
	CheckedAt time.Time    `json:"checkedAt"`
}

// Reconcile verifies the reconciliation invariant for one wallet:
// the sum of completed entries' net amounts equals available + pending.
func (l *Ledger) Reconcile(ctx context.Context, walletID string) (*ReconcileResult, error) {
	sum, err := l.store.SumCompleted(ctx, walletID)
	if err != nil {
		return nil, err
	}
	w, err := l.store.GetWallet(ctx, walletID)
	if err != nil {
		return nil, err
	}
	balances := w.Available + w.Pending
	return &ReconcileResult{
		WalletID:  walletID,
		EntrySum:  sum,
		Balances:  balances,
		Match:     sum == balances,
		CheckedAt: time.Now(),
	}, nil
}
