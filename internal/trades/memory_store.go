package trades

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory trade store for demo/development mode.
type MemoryStore struct {
	trades map[string]*Trade
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades: make(map[string]*Trade),
	}
}

func (m *MemoryStore) Create(ctx context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *trade
	m.trades[trade.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	trade, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *trade
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.trades[trade.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if stored.Version != trade.Version {
		return ErrVersionConflict
	}
	cp := *trade
	cp.Version++
	m.trades[trade.ID] = &cp
	trade.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, principalID string, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.BuyerID == principalID || t.SellerID == principalID {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.Status == StatusPending && t.Deadline.Before(before) {
			cp := *t
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
