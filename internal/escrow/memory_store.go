package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	byOrder map[string]*Transaction
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byOrder: make(map[string]*Transaction)}
}

func (m *MemoryStore) Create(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *t
	m.byOrder[t.OrderID] = &cp
	return nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, t *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[t.OrderID]; !ok {
		return ErrEscrowNotFound
	}
	cp := *t
	m.byOrder[t.OrderID] = &cp
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Transaction
	for _, t := range m.byOrder {
		if t.Status != status {
			continue
		}
		cp := *t
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}
