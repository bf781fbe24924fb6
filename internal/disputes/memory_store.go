package disputes

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for development
// and testing.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates a new in-memory dispute store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		disputes: make(map[string]*Dispute),
	}
}

func (m *MemoryStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := copyDispute(d)
	m.disputes[d.ID] = cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryStore) Update(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.disputes[d.ID]
	if !ok {
		return ErrDisputeNotFound
	}
	if current.Version != d.Version {
		return ErrVersionConflict
	}

	d.Version++
	m.disputes[d.ID] = copyDispute(d)
	return nil
}

func (m *MemoryStore) GetOpenByTrade(ctx context.Context, tradeID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.TradeID == tradeID && d.Status != StatusResolved {
			return copyDispute(d), nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if status != "" && d.Status != status {
			continue
		}
		result = append(result, copyDispute(d))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpiredLeases(ctx context.Context, before time.Time, limit int) ([]*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Dispute
	for _, d := range m.disputes {
		if d.Status != StatusUnderReview || d.LeaseExpiresAt == nil || !d.LeaseExpiresAt.Before(before) {
			continue
		}
		result = append(result, copyDispute(d))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.Evidence = make([]EvidenceEntry, len(d.Evidence))
	copy(cp.Evidence, d.Evidence)
	if d.LeaseExpiresAt != nil {
		t := *d.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if d.ResolvedAt != nil {
		t := *d.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
