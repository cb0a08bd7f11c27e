package disputes

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for demo/development mode.
type MemoryStore struct {
	disputes map[string]*Dispute
	byOrder  map[string]string // order ID -> dispute ID
	evidence map[string][]*Evidence
	messages map[string][]*Message
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
		byOrder:  make(map[string]string),
		evidence: make(map[string][]*Evidence),
		messages: make(map[string][]*Message),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[d.OrderID]; ok {
		return ErrDuplicateDispute
	}
	cp := *d
	m.disputes[d.ID] = &cp
	m.byOrder[d.OrderID] = d.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *m.disputes[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.FiledBy != userID && d.AgainstID != userID {
			continue
		}
		cp := *d
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status != StatusOpen || !d.Deadline.Before(before) {
			continue
		}
		cp := *d
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) AddEvidence(ctx context.Context, e *Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.evidence[e.DisputeID] = append(m.evidence[e.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Evidence
	for _, e := range m.evidence[disputeID] {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *msg
	m.messages[msg.DisputeID] = append(m.messages[msg.DisputeID], &cp)
	return nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, disputeID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Message
	for _, msg := range m.messages[disputeID] {
		cp := *msg
		result = append(result, &cp)
	}
	return result, nil
}
