package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/palomar/bazaar/internal/idgen"
	"github.com/palomar/bazaar/internal/money"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	wallets  map[string]*Wallet
	entries  []*Transaction
	byID     map[string]*Transaction
	refs     map[string]bool // provider reference -> already posted
	orderOps map[string]bool // "orderID:type" -> already posted
	currency string
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:  make(map[string]*Wallet),
		byID:     make(map[string]*Transaction),
		refs:     make(map[string]bool),
		orderOps: make(map[string]bool),
		currency: "USD",
	}
}

func (m *MemoryStore) wallet(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		w = &Wallet{UserID: userID, Currency: m.currency, UpdatedAt: time.Now()}
		m.wallets[userID] = w
	}
	return w
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if w, ok := m.wallets[userID]; ok {
		cp := *w
		return &cp, nil
	}
	return &Wallet{UserID: userID, Currency: m.currency, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, f Filter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	// A cursor points at the last entry of the previous page; skip
	// everything up to and including it.
	skipping := f.Cursor != nil

	var result []*Transaction
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.entries[i]
		if skipping {
			if e.ID == f.Cursor.ID {
				skipping = false
			}
			continue
		}
		if e.WalletID != walletID {
			continue
		}
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.OrderID != "" && e.OrderID != f.OrderID {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.byID[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) append(t *Transaction) {
	m.entries = append(m.entries, t)
	m.byID[t.ID] = t
}

func completed(walletID string, typ TransactionType, amount, fee, net money.Amount, orderID, reference, description string) *Transaction {
	now := time.Now()
	return &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		WalletID:    walletID,
		Type:        typ,
		Amount:      amount,
		Fee:         fee,
		NetAmount:   net,
		Status:      StatusCompleted,
		OrderID:     orderID,
		Reference:   reference,
		Description: description,
		CreatedAt:   now,
		CompletedAt: &now,
	}
}

func (m *MemoryStore) Credit(ctx context.Context, walletID string, amount money.Amount, typ TransactionType, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" {
		if m.refs[reference] {
			return ErrDuplicatePosting
		}
		m.refs[reference] = true
	}

	w := m.wallet(walletID)
	w.Available += amount
	w.UpdatedAt = time.Now()

	m.append(completed(walletID, typ, amount, 0, amount, "", reference, description))
	return nil
}

func (m *MemoryStore) RequestWithdrawal(ctx context.Context, walletID string, amount money.Amount, reference string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if w.Available < amount {
		return nil, ErrInsufficientFunds
	}

	w.Available -= amount
	w.Pending += amount
	w.UpdatedAt = time.Now()

	t := &Transaction{
		ID:          idgen.WithPrefix("txn_"),
		WalletID:    walletID,
		Type:        TypeWithdrawal,
		Amount:      -amount,
		NetAmount:   -amount,
		Status:      StatusPending,
		Reference:   reference,
		Description: "withdrawal requested",
		CreatedAt:   time.Now(),
	}
	m.append(t)

	cp := *t
	return &cp, nil
}

func (m *MemoryStore) SettleWithdrawal(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[transactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.Status != StatusPending || t.Type != TypeWithdrawal {
		return ErrNotPending
	}

	amount := -t.NetAmount
	w, ok := m.wallets[t.WalletID]
	if !ok || w.Pending < amount {
		return ErrInsufficientFunds
	}

	w.Pending -= amount
	w.TotalWithdrawn += amount
	w.UpdatedAt = time.Now()

	now := time.Now()
	t.Status = StatusCompleted
	t.CompletedAt = &now
	return nil
}

func (m *MemoryStore) FailWithdrawal(ctx context.Context, transactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.byID[transactionID]
	if !ok {
		return ErrTransactionNotFound
	}
	if t.Status != StatusPending || t.Type != TypeWithdrawal {
		return ErrNotPending
	}

	amount := -t.NetAmount
	w, ok := m.wallets[t.WalletID]
	if !ok || w.Pending < amount {
		return ErrInsufficientFunds
	}

	w.Pending -= amount
	w.Available += amount
	w.UpdatedAt = time.Now()

	t.Status = StatusFailed
	return nil
}

func (m *MemoryStore) EscrowHold(ctx context.Context, buyerID string, amount money.Amount, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	opKey := orderID + ":" + string(TypeEscrowHold)
	if m.orderOps[opKey] {
		return ErrDuplicatePosting
	}

	w, ok := m.wallets[buyerID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Available < amount {
		return ErrInsufficientFunds
	}

	w.Available -= amount
	w.TotalSpent += amount
	w.UpdatedAt = time.Now()
	m.orderOps[opKey] = true

	m.append(completed(buyerID, TypeEscrowHold, -amount, 0, -amount, orderID, "", "escrow hold"))
	return nil
}

func (m *MemoryStore) EscrowSettle(ctx context.Context, buyerID, sellerID string, release, refund, fee money.Amount, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	opKey := orderID + ":" + string(TypeSale)
	if m.orderOps[opKey] {
		return ErrDuplicatePosting
	}
	m.orderOps[opKey] = true

	now := time.Now()

	if release > 0 {
		seller := m.wallet(sellerID)
		seller.Available += release
		seller.TotalEarned += release
		seller.UpdatedAt = now
		m.append(completed(sellerID, TypeSale, release, 0, release, orderID, "", "escrow release"))
	}

	if refund > 0 {
		buyer := m.wallet(buyerID)
		buyer.Available += refund
		buyer.TotalSpent -= refund
		buyer.UpdatedAt = now
		m.append(completed(buyerID, TypeRefund, refund, 0, refund, orderID, "", "escrow refund"))
	}

	if fee > 0 {
		platform := m.wallet(PlatformWalletID)
		platform.Available += fee
		platform.TotalEarned += fee
		platform.UpdatedAt = now
		m.append(completed(PlatformWalletID, TypeFee, fee, 0, fee, orderID, "", "platform fee"))
	}

	return nil
}

func (m *MemoryStore) SumCompleted(ctx context.Context, walletID string) (money.Amount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum money.Amount
	for _, e := range m.entries {
		if e.WalletID == walletID && e.Status == StatusCompleted {
			sum += e.NetAmount
		}
	}
	return sum, nil
}
