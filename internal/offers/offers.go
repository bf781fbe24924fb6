// Package offers implements the offer book.
//
// Makers post offers to buy or sell an asset at a unit price. Takers never
// mutate an offer directly: the trade engine reserves part of the remaining
// amount, and the reservation is either consumed by a successful escrow lock
// or released back. Remaining amount can never go below zero or above the
// original amount.
package offers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradeloop/peerswap/internal/idgen"
	"github.com/tradeloop/peerswap/internal/logging"
	"github.com/tradeloop/peerswap/internal/metrics"
	"github.com/tradeloop/peerswap/internal/money"
	"github.com/tradeloop/peerswap/internal/syncutil"
)

var (
	ErrOfferNotFound         = errors.New("offer not found")
	ErrReservationNotFound   = errors.New("reservation not found")
	ErrOfferNotActive        = errors.New("offer is not active")
	ErrInsufficientRemaining = errors.New("offer has insufficient remaining amount")
	ErrUnauthorized          = errors.New("not authorized for this offer operation")
	ErrInvalidTransition     = errors.New("invalid offer status transition")
	ErrSelfTrade             = errors.New("maker cannot take their own offer")
	ErrVersionConflict       = errors.New("offer was modified concurrently")
)

// Side says whether the maker is selling or buying the asset.
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// Status represents the offer lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed" // fully filled, no live trades left
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Offer is a maker's standing order in the book.
type Offer struct {
	ID         string     `json:"id"`
	MakerID    string     `json:"makerId"`
	Side       Side       `json:"side"`
	AssetType  string     `json:"assetType"`
	Amount     int64      `json:"amount"`    // original size in asset units
	Remaining  int64      `json:"remaining"` // units still available to reserve
	Price      string     `json:"price"`     // per-unit, 6 decimal places
	Currency   string     `json:"currency"`
	TotalValue string     `json:"totalValue"` // Price * Amount, derived server-side
	Status     Status     `json:"status"`
	OpenTrades int        `json:"openTrades"` // live trades still referencing this offer
	Version    int64      `json:"-"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the offer is in a final state.
func (o *Offer) IsTerminal() bool {
	switch o.Status {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// ReservationStatus represents the reservation lifecycle state.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationConsumed ReservationStatus = "consumed"
	ReservationReleased ReservationStatus = "released"
	ReservationExpired  ReservationStatus = "expired"
)

// Reservation is a taker's temporary claim on part of an offer's remaining
// amount. It exists from reserve until the trade's escrow is locked
// (consumed) or the attempt fails (released / expired).
type Reservation struct {
	ID        string            `json:"id"`
	OfferID   string            `json:"offerId"`
	TakerID   string            `json:"takerId"`
	TradeID   string            `json:"tradeId,omitempty"` // set when consumed
	Amount    int64             `json:"amount"`
	Status    ReservationStatus `json:"status"`
	ExpiresAt time.Time         `json:"expiresAt"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Filter narrows List results.
type Filter struct {
	Status    Status
	MakerID   string
	Side      Side
	AssetType string
}

// Store persists offers and reservations.
//
// Reserve, ReleaseHold, and Restore must be atomic with respect to the
// offer's remaining amount; the Postgres store uses guarded UPDATEs, the
// memory store a mutex. Update enforces compare-and-swap on Version.
type Store interface {
	Create(ctx context.Context, offer *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
	Update(ctx context.Context, offer *Offer) error
	List(ctx context.Context, filter Filter, limit int) ([]*Offer, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Offer, error)

	// Reserve decrements the offer's remaining amount and records the
	// reservation in one atomic step. Fails with ErrOfferNotActive or
	// ErrInsufficientRemaining without changing anything.
	Reserve(ctx context.Context, res *Reservation) error

	GetReservation(ctx context.Context, id string) (*Reservation, error)

	// ReleaseHold marks a held reservation with the given status and
	// credits its amount back to the offer's remaining, atomically.
	ReleaseHold(ctx context.Context, reservationID string, to ReservationStatus) (*Reservation, error)

	// ConsumeHold marks a held reservation consumed and stamps the trade ID.
	// The reserved amount stays off the offer.
	ConsumeHold(ctx context.Context, reservationID, tradeID string) (*Reservation, error)

	// Restore credits amount back to the offer's remaining (used when a
	// trade is cancelled after its reservation was consumed).
	Restore(ctx context.Context, offerID string, amount int64) error

	ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]*Reservation, error)
}

// EventPublisher fans out offer events to subscribers. Satisfied by the sync hub.
type EventPublisher interface {
	Publish(ctx context.Context, topic, eventType string, data map[string]any)
}

// CreateRequest contains the parameters for posting an offer.
type CreateRequest struct {
	Side      string     `json:"side" binding:"required"`
	AssetType string     `json:"assetType" binding:"required"`
	Amount    int64      `json:"amount" binding:"required"`
	Price     string     `json:"price" binding:"required"`
	Currency  string     `json:"currency" binding:"required"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Service implements offer book business logic.
type Service struct {
	store          Store
	events         EventPublisher
	locks          syncutil.ShardedMutex
	reservationTTL time.Duration
}

// NewService creates a new offer book service.
func NewService(store Store, events EventPublisher, reservationTTL time.Duration) *Service {
	if reservationTTL <= 0 {
		reservationTTL = 15 * time.Minute
	}
	return &Service{
		store:          store,
		events:         events,
		reservationTTL: reservationTTL,
	}
}

// Create posts a new offer for makerID.
func (s *Service) Create(ctx context.Context, makerID string, req CreateRequest) (*Offer, error) {
	price, ok := money.Parse(req.Price)
	if !ok || !money.IsPositive(price) {
		return nil, fmt.Errorf("invalid price %q", req.Price)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	side := Side(req.Side)
	if side != SideSell && side != SideBuy {
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return nil, fmt.Errorf("expiresAt must be in the future")
	}

	now := time.Now().UTC()
	offer := &Offer{
		ID:         idgen.WithPrefix("off_"),
		MakerID:    makerID,
		Side:       side,
		AssetType:  req.AssetType,
		Amount:     req.Amount,
		Remaining:  req.Amount,
		Price:      money.Format(price),
		Currency:   req.Currency,
		TotalValue: money.Format(money.MulUnits(price, req.Amount)),
		Status:     StatusActive,
		Version:    1,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, offer); err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}

	metrics.OffersTotal.WithLabelValues(string(StatusActive)).Inc()
	s.publish(ctx, offer, "offer.created", nil)
	return offer, nil
}

// Get returns an offer by ID.
func (s *Service) Get(ctx context.Context, id string) (*Offer, error) {
	return s.store.Get(ctx, id)
}

// GetReservation returns a reservation by ID.
func (s *Service) GetReservation(ctx context.Context, id string) (*Reservation, error) {
	return s.store.GetReservation(ctx, id)
}

// List returns offers matching the filter.
func (s *Service) List(ctx context.Context, filter Filter, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, filter, limit)
}

// Reserve atomically claims amount units from an offer's remaining on behalf
// of takerID. The claim is held until consumed by an escrow lock or released.
func (s *Service) Reserve(ctx context.Context, offerID, takerID string, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive")
	}

	unlock := s.locks.Lock(offerID)
	defer unlock()

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.MakerID == takerID {
		return nil, ErrSelfTrade
	}
	if offer.Status != StatusActive {
		metrics.ReservationsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrOfferNotActive
	}

	now := time.Now().UTC()
	res := &Reservation{
		ID:        idgen.WithPrefix("rsv_"),
		OfferID:   offerID,
		TakerID:   takerID,
		Amount:    amount,
		Status:    ReservationHeld,
		ExpiresAt: now.Add(s.reservationTTL),
		CreatedAt: now,
	}

	if err := s.store.Reserve(ctx, res); err != nil {
		if errors.Is(err, ErrInsufficientRemaining) || errors.Is(err, ErrOfferNotActive) {
			metrics.ReservationsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	metrics.ReservationsTotal.WithLabelValues("ok").Inc()
	s.publish(ctx, offer, "offer.reserved", map[string]any{
		"reservationId": res.ID,
		"amount":        amount,
	})
	return res, nil
}

// ReleaseReservation returns a held reservation's amount to the offer.
// Safe to call after a failed escrow lock; releasing a reservation that is
// no longer held is a no-op.
func (s *Service) ReleaseReservation(ctx context.Context, reservationID string) error {
	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(res.OfferID)
	defer unlock()

	res, err = s.store.ReleaseHold(ctx, reservationID, ReservationReleased)
	if err != nil {
		return err
	}
	if res.Status != ReservationReleased {
		// Already consumed, released, or expired; nothing to give back.
		return nil
	}

	s.afterRestore(ctx, res.OfferID, "offer.released", map[string]any{
		"reservationId": res.ID,
		"amount":        res.Amount,
	})
	return nil
}

// ConsumeReservation marks a reservation consumed by a trade. The amount is
// permanently deducted from the offer.
func (s *Service) ConsumeReservation(ctx context.Context, reservationID, tradeID string) error {
	res, err := s.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(res.OfferID)
	defer unlock()

	if _, err := s.store.ConsumeHold(ctx, reservationID, tradeID); err != nil {
		return err
	}
	return nil
}

// Restore credits amount back to an offer after a consumed reservation's
// trade was cancelled. A completed offer regaining capacity becomes active
// again so the restored units are not stranded.
func (s *Service) Restore(ctx context.Context, offerID string, amount int64) error {
	if amount <= 0 {
		return nil
	}

	unlock := s.locks.Lock(offerID)
	defer unlock()

	if err := s.store.Restore(ctx, offerID, amount); err != nil {
		return err
	}

	s.afterRestore(ctx, offerID, "offer.restored", map[string]any{"amount": amount})
	return nil
}

// afterRestore resurrects a completed offer that regained capacity.
// Caller must hold the offer's lock.
func (s *Service) afterRestore(ctx context.Context, offerID, eventType string, data map[string]any) {
	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return
	}
	if offer.Status == StatusCompleted && offer.Remaining > 0 {
		offer.Status = StatusActive
		offer.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, offer); err != nil {
			logging.L(ctx).Warn("failed to reactivate offer after restore",
				"offerId", offer.ID, "error", err)
		} else {
			metrics.OffersTotal.WithLabelValues(string(StatusActive)).Inc()
		}
	}
	s.publish(ctx, offer, eventType, data)
}

// Cancel cancels an offer. Only the maker may cancel; cancelling an already
// terminal offer is a no-op and returns the offer unchanged.
func (s *Service) Cancel(ctx context.Context, offerID, callerID string) (*Offer, error) {
	return s.transition(ctx, offerID, callerID, StatusCancelled, "offer.cancelled",
		StatusActive, StatusPaused)
}

// Pause takes an active offer off the book without cancelling it.
func (s *Service) Pause(ctx context.Context, offerID, callerID string) (*Offer, error) {
	return s.transition(ctx, offerID, callerID, StatusPaused, "offer.paused", StatusActive)
}

// Resume puts a paused offer back on the book.
func (s *Service) Resume(ctx context.Context, offerID, callerID string) (*Offer, error) {
	return s.transition(ctx, offerID, callerID, StatusActive, "offer.resumed", StatusPaused)
}

func (s *Service) transition(ctx context.Context, offerID, callerID string, to Status, eventType string, from ...Status) (*Offer, error) {
	unlock := s.locks.Lock(offerID)
	defer unlock()

	offer, err := s.store.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.MakerID != callerID {
		return nil, ErrUnauthorized
	}

	if to == StatusCancelled && offer.IsTerminal() {
		// Cancelling a finished offer is idempotent.
		return offer, nil
	}

	legal := false
	for _, f := range from {
		if offer.Status == f {
			legal = true
			break
		}
	}
	if !legal {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, offer.Status, to)
	}

	offer.Status = to
	offer.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, offer); err != nil {
		return nil, err
	}

	metrics.OffersTotal.WithLabelValues(string(to)).Inc()
	s.publish(ctx, offer, eventType, nil)
	return offer, nil
}

// TradeOpened records that a live trade now references the offer.
func (s *Service) TradeOpened(ctx context.Context, offerID string) error {
	return s.adjustOpenTrades(ctx, offerID, +1)
}

// TradeClosed records that a trade referencing the offer reached a terminal
// state. An exhausted offer with no remaining live trades completes.
func (s *Service) TradeClosed(ctx context.Context, offerID string) error {
	return s.adjustOpenTrades(ctx, offerID, -1)
}

func (s *Service) adjustOpenTrades(ctx context.Context, offerID string, delta int) error {
	unlock := s.locks.Lock(offerID)
	defer unlock()

	// One retry: holds bump the version too, so another instance's reserve
	// or restore can invalidate the read between Get and Update.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var offer *Offer
		offer, err = s.store.Get(ctx, offerID)
		if err != nil {
			return err
		}
		offer.OpenTrades += delta
		if offer.OpenTrades < 0 {
			offer.OpenTrades = 0
		}
		offer.UpdatedAt = time.Now().UTC()

		completed := false
		if offer.Status == StatusActive && offer.Remaining == 0 && offer.OpenTrades == 0 {
			offer.Status = StatusCompleted
			completed = true
		}

		err = s.store.Update(ctx, offer)
		if err == nil {
			if completed {
				metrics.OffersTotal.WithLabelValues(string(StatusCompleted)).Inc()
				s.publish(ctx, offer, "offer.completed", nil)
			}
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
	}
	return err
}

// ExpireOffers moves offers past their expiry to Expired. Called by the
// sweep timer; offers with live trades keep their reserved amounts, only the
// unreserved remainder leaves the book.
func (s *Service) ExpireOffers(ctx context.Context, now time.Time) int {
	expired, err := s.store.ListExpired(ctx, now, 100)
	if err != nil {
		logging.L(ctx).Warn("failed to list expired offers", "error", err)
		return 0
	}

	n := 0
	for _, offer := range expired {
		unlock := s.locks.Lock(offer.ID)

		fresh, err := s.store.Get(ctx, offer.ID)
		if err != nil || fresh.IsTerminal() {
			unlock()
			continue
		}
		fresh.Status = StatusExpired
		fresh.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, fresh); err != nil {
			unlock()
			logging.L(ctx).Warn("failed to expire offer", "offerId", offer.ID, "error", err)
			continue
		}
		unlock()

		n++
		metrics.OffersTotal.WithLabelValues(string(StatusExpired)).Inc()
		s.publish(ctx, fresh, "offer.expired", nil)
	}
	return n
}

// ExpireReservations sweeps held reservations past their window back into
// their offers' remaining amounts.
func (s *Service) ExpireReservations(ctx context.Context, now time.Time) int {
	stale, err := s.store.ListExpiredReservations(ctx, now, 100)
	if err != nil {
		logging.L(ctx).Warn("failed to list expired reservations", "error", err)
		return 0
	}

	n := 0
	for _, res := range stale {
		unlock := s.locks.Lock(res.OfferID)
		released, err := s.store.ReleaseHold(ctx, res.ID, ReservationExpired)
		if err != nil || released.Status != ReservationExpired {
			unlock()
			continue
		}
		s.afterRestore(ctx, res.OfferID, "offer.released", map[string]any{
			"reservationId": res.ID,
			"amount":        res.Amount,
			"expired":       true,
		})
		unlock()
		n++
	}
	return n
}

func (s *Service) publish(ctx context.Context, offer *Offer, eventType string, extra map[string]any) {
	if s.events == nil {
		return
	}
	data := map[string]any{
		"offerId":   offer.ID,
		"status":    string(offer.Status),
		"remaining": offer.Remaining,
	}
	for k, v := range extra {
		data[k] = v
	}
	s.events.Publish(ctx, "offer:"+offer.ID, eventType, data)
}
