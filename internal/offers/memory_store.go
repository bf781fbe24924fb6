package offers

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory offer store for demo/development mode.
type MemoryStore struct {
	offers       map[string]*Offer
	reservations map[string]*Reservation
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory offer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		offers:       make(map[string]*Offer),
		reservations: make(map[string]*Reservation),
	}
}

func (m *MemoryStore) Create(ctx context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *offer
	m.offers[offer.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offer, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	// Return a copy to prevent races on the shared pointer.
	cp := *offer
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, offer *Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.offers[offer.ID]
	if !ok {
		return ErrOfferNotFound
	}
	if stored.Version != offer.Version {
		return ErrVersionConflict
	}
	cp := *offer
	cp.Version++
	m.offers[offer.ID] = &cp
	offer.Version = cp.Version
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.MakerID != "" && o.MakerID != filter.MakerID {
			continue
		}
		if filter.Side != "" && o.Side != filter.Side {
			continue
		}
		if filter.AssetType != "" && o.AssetType != filter.AssetType {
			continue
		}
		cp := *o
		result = append(result, &cp)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Offer
	for _, o := range m.offers {
		if !o.IsTerminal() && o.ExpiresAt != nil && o.ExpiresAt.Before(before) {
			cp := *o
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) Reserve(ctx context.Context, res *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[res.OfferID]
	if !ok {
		return ErrOfferNotFound
	}
	if offer.Status != StatusActive {
		return ErrOfferNotActive
	}
	if offer.Remaining < res.Amount {
		return ErrInsufficientRemaining
	}

	offer.Remaining -= res.Amount
	offer.Version++
	offer.UpdatedAt = time.Now().UTC()

	cp := *res
	m.reservations[res.ID] = &cp
	return nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	cp := *res
	return &cp, nil
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, reservationID string, to ReservationStatus) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if res.Status != ReservationHeld {
		cp := *res
		return &cp, nil
	}

	if offer, ok := m.offers[res.OfferID]; ok {
		offer.Remaining += res.Amount
		if offer.Remaining > offer.Amount {
			offer.Remaining = offer.Amount
		}
		offer.Version++
		offer.UpdatedAt = time.Now().UTC()
	}

	res.Status = to
	cp := *res
	return &cp, nil
}

func (m *MemoryStore) ConsumeHold(ctx context.Context, reservationID, tradeID string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[reservationID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if res.Status != ReservationHeld {
		return nil, ErrInvalidTransition
	}

	res.Status = ReservationConsumed
	res.TradeID = tradeID
	cp := *res
	return &cp, nil
}

func (m *MemoryStore) Restore(ctx context.Context, offerID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[offerID]
	if !ok {
		return ErrOfferNotFound
	}
	offer.Remaining += amount
	if offer.Remaining > offer.Amount {
		offer.Remaining = offer.Amount
	}
	offer.Version++
	offer.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]*Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Reservation
	for _, r := range m.reservations {
		if r.Status == ReservationHeld && r.ExpiresAt.Before(before) {
			cp := *r
			result = append(result, &cp)
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}
