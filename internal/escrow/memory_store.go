package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory contract store for demo/development mode.
type MemoryStore struct {
	contracts map[string]*Contract
	byTrade   map[string]string
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*Contract),
		byTrade:   make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, contract *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *contract
	m.contracts[contract.ID] = &cp
	m.byTrade[contract.TradeID] = contract.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	contract, ok := m.contracts[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *contract
	return &cp, nil
}

func (m *MemoryStore) GetByTrade(ctx context.Context, tradeID string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byTrade[tradeID]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	cp := *m.contracts[id]
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, contract *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.contracts[contract.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Version != contract.Version {
		return ErrVersionConflict
	}
	cp := *contract
	cp.Version++
	m.contracts[contract.ID] = &cp
	contract.Version = cp.Version
	return nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, afterCreated time.Time, afterID string, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.Status != status {
			continue
		}
		if c.CreatedAt.Before(afterCreated) ||
			(c.CreatedAt.Equal(afterCreated) && c.ID <= afterID) {
			continue
		}
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
