// Package trades implements the trade engine.
//
// A trade is born when a taker accepts part of an offer. Acceptance is a
// saga: reserve amount on the offer, create the trade, open escrow; any
// failure past the reservation compensates by releasing it and cancelling
// the trade. Status then advances Pending -> Paid -> Confirmed -> Completed,
// each step gated by the actor's role, with Cancelled reachable before
// confirmation and Disputed under the resolver's control.
package trades

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradeloop/peerswap/internal/escrow"
	"github.com/tradeloop/peerswap/internal/idgen"
	"github.com/tradeloop/peerswap/internal/logging"
	"github.com/tradeloop/peerswap/internal/metrics"
	"github.com/tradeloop/peerswap/internal/money"
	"github.com/tradeloop/peerswap/internal/notify"
	"github.com/tradeloop/peerswap/internal/offers"
	"github.com/tradeloop/peerswap/internal/syncutil"
)

var (
	ErrTradeNotFound     = errors.New("trade not found")
	ErrUnauthorized      = errors.New("not authorized for this trade operation")
	ErrInvalidTransition = errors.New("invalid trade status transition")
	ErrVersionConflict   = errors.New("trade was modified concurrently")
	ErrConflict          = errors.New("trade transition lost a concurrent race, retry")
)

// errNoTransition is returned by a casUpdate mutate when the trade already
// sits in the target state. The write is skipped and the caller sees
// changed=false, so replay of a terminal transition never re-runs its side
// effects (offer close, restore, metrics, events).
var errNoTransition = errors.New("trade already in target status")

// Status represents the trade lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"   // escrow locked, awaiting payment signal
	StatusPaid      Status = "paid"      // buyer acknowledged payment
	StatusConfirmed Status = "confirmed" // seller confirmed delivery, settling
	StatusCompleted Status = "completed" // escrow released
	StatusCancelled Status = "cancelled" // escrow refunded
	StatusDisputed  Status = "disputed"  // under dispute resolution
)

// Trade is an accepted slice of an offer.
type Trade struct {
	ID            string     `json:"id"`
	OfferID       string     `json:"offerId"`
	ReservationID string     `json:"-"`
	BuyerID       string     `json:"buyerId"`
	SellerID      string     `json:"sellerId"`
	Amount        int64      `json:"amount"`
	Price         string     `json:"price"`
	Currency      string     `json:"currency"`
	TotalValue    string     `json:"totalValue"` // Price * Amount, recomputed server-side
	Status        Status     `json:"status"`
	EscrowID      string     `json:"escrowId,omitempty"`
	DisputeID     string     `json:"disputeId,omitempty"`
	Version       int64      `json:"-"`
	Deadline      time.Time  `json:"deadline"` // Pending past this is auto-cancelled
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	CancelledAt   *time.Time `json:"cancelledAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the trade is in a final state.
func (t *Trade) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// IsParty returns true if principalID is the buyer or the seller.
func (t *Trade) IsParty(principalID string) bool {
	return principalID == t.BuyerID || principalID == t.SellerID
}

// Actor identifies who is driving a transition.
type Actor struct {
	ID    string
	Admin bool
}

// Store persists trades. Update enforces compare-and-swap on Version.
type Store interface {
	Create(ctx context.Context, trade *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	Update(ctx context.Context, trade *Trade) error
	ListByUser(ctx context.Context, principalID string, limit int) ([]*Trade, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Trade, error)
}

// OfferBook is the slice of the offer service the engine drives.
type OfferBook interface {
	Get(ctx context.Context, offerID string) (*offers.Offer, error)
	Reserve(ctx context.Context, offerID, takerID string, amount int64) (*offers.Reservation, error)
	ReleaseReservation(ctx context.Context, reservationID string) error
	ConsumeReservation(ctx context.Context, reservationID, tradeID string) error
	Restore(ctx context.Context, offerID string, amount int64) error
	TradeOpened(ctx context.Context, offerID string) error
	TradeClosed(ctx context.Context, offerID string) error
}

// EscrowManager is the slice of the escrow service the engine drives.
// Satisfied by *escrow.Service.
type EscrowManager interface {
	Open(ctx context.Context, p escrow.OpenParams) (*escrow.Contract, error)
	Release(ctx context.Context, escrowID, requester string, override bool) (*escrow.Contract, error)
	Refund(ctx context.Context, escrowID, requester string, override bool) (*escrow.Contract, error)
}

// EventPublisher fans out trade events to subscribers. Satisfied by the sync hub.
type EventPublisher interface {
	Publish(ctx context.Context, topic, eventType string, data map[string]any)
}

// AcceptRequest contains the parameters for accepting an offer.
type AcceptRequest struct {
	OfferID string `json:"offerId" binding:"required"`
	Amount  int64  `json:"amount" binding:"required"`
}

// Service implements trade engine business logic.
type Service struct {
	store    Store
	offers   OfferBook
	escrow   EscrowManager
	events   EventPublisher
	notifier notify.Notifier
	locks    *syncutil.ContextShardedMutex
	tradeTTL time.Duration
}

// NewService creates a new trade engine.
func NewService(store Store, book OfferBook, esc EscrowManager, events EventPublisher, notifier notify.Notifier, tradeTTL time.Duration) *Service {
	if tradeTTL <= 0 {
		tradeTTL = 24 * time.Hour
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{
		store:    store,
		offers:   book,
		escrow:   esc,
		events:   events,
		notifier: notifier,
		locks:    syncutil.NewContextShardedMutex(),
		tradeTTL: tradeTTL,
	}
}

// Accept runs the offer acceptance saga for takerID. The reservation and
// the escrow lock cross a non-transactional boundary: if escrow open fails,
// the reservation is released and the trade record is cancelled.
func (s *Service) Accept(ctx context.Context, takerID string, req AcceptRequest) (*Trade, error) {
	offer, err := s.offers.Get(ctx, req.OfferID)
	if err != nil {
		return nil, err
	}

	price, ok := money.Parse(offer.Price)
	if !ok {
		return nil, fmt.Errorf("offer %s has unparseable price %q", offer.ID, offer.Price)
	}

	res, err := s.offers.Reserve(ctx, req.OfferID, takerID, req.Amount)
	if err != nil {
		return nil, err
	}

	buyerID, sellerID := takerID, offer.MakerID
	if offer.Side == offers.SideBuy {
		buyerID, sellerID = offer.MakerID, takerID
	}

	now := time.Now().UTC()
	trade := &Trade{
		ID:            idgen.WithPrefix("trd_"),
		OfferID:       offer.ID,
		ReservationID: res.ID,
		BuyerID:       buyerID,
		SellerID:      sellerID,
		Amount:        req.Amount,
		Price:         offer.Price,
		Currency:      offer.Currency,
		TotalValue:    money.Format(money.MulUnits(price, req.Amount)),
		Status:        StatusPending,
		Version:       1,
		Deadline:      now.Add(s.tradeTTL),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.Create(ctx, trade); err != nil {
		s.compensateReservation(ctx, res.ID)
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}
	if err := s.offers.TradeOpened(ctx, offer.ID); err != nil {
		logging.L(ctx).Warn("failed to count open trade on offer", "offerId", offer.ID, "error", err)
	}

	contract, err := s.escrow.Open(ctx, escrow.OpenParams{
		TradeID:  trade.ID,
		PayerID:  buyerID,
		PayeeID:  sellerID,
		Amount:   trade.TotalValue,
		Currency: trade.Currency,
	})
	if err != nil {
		s.compensateReservation(ctx, res.ID)
		s.abortTrade(ctx, trade.ID)
		if closeErr := s.offers.TradeClosed(ctx, offer.ID); closeErr != nil {
			logging.L(ctx).Warn("failed to close trade count on offer", "offerId", offer.ID, "error", closeErr)
		}
		return nil, err
	}

	if err := s.offers.ConsumeReservation(ctx, res.ID, trade.ID); err != nil {
		logging.L(ctx).Warn("failed to consume reservation after escrow lock",
			"tradeId", trade.ID, "reservationId", res.ID, "error", err)
	}

	updated, _, err := s.casUpdate(ctx, trade.ID, func(t *Trade) error {
		t.EscrowID = contract.ID
		return nil
	})
	if err != nil {
		// The contract exists either way; the reconciler will catch up.
		logging.L(ctx).Warn("failed to attach escrow to trade", "tradeId", trade.ID, "error", err)
		updated = trade
		updated.EscrowID = contract.ID
	}

	metrics.TradesTotal.WithLabelValues(string(StatusPending)).Inc()
	s.publish(ctx, updated, "trade.created", nil)
	s.notifier.Notify(ctx, offer.MakerID, notify.EventOfferMatched, map[string]any{
		"offerId": offer.ID,
		"tradeId": updated.ID,
		"amount":  updated.Amount,
	})
	return updated, nil
}

func (s *Service) compensateReservation(ctx context.Context, reservationID string) {
	if err := s.offers.ReleaseReservation(ctx, reservationID); err != nil {
		logging.L(ctx).Error("failed to release reservation during compensation",
			"reservationId", reservationID, "error", err)
	}
}

// abortTrade cancels a trade whose escrow never opened. No refund and no
// offer restore: the reservation release already returned the amount.
func (s *Service) abortTrade(ctx context.Context, tradeID string) {
	now := time.Now().UTC()
	_, changed, err := s.casUpdate(ctx, tradeID, func(t *Trade) error {
		if t.IsTerminal() {
			return errNoTransition
		}
		t.Status = StatusCancelled
		t.CancelledAt = &now
		return nil
	})
	if err != nil {
		logging.L(ctx).Error("failed to cancel trade during compensation", "tradeId", tradeID, "error", err)
		return
	}
	if changed {
		metrics.TradesTotal.WithLabelValues(string(StatusCancelled)).Inc()
	}
}

// Get returns a trade by ID.
func (s *Service) Get(ctx context.Context, id string) (*Trade, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns trades where the principal is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, principalID string, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, principalID, limit)
}

// AdvanceStatus drives a trade forward on behalf of an actor. Buyers mark
// Paid, sellers mark Confirmed (which settles the escrow and completes the
// trade), parties cancel from Pending, and an admin may force Completed,
// Cancelled, or Disputed at any non-terminal point.
func (s *Service) AdvanceStatus(ctx context.Context, tradeID string, actor Actor, target Status) (*Trade, error) {
	switch target {
	case StatusPaid:
		return s.markPaid(ctx, tradeID, actor)
	case StatusConfirmed:
		return s.confirmAndSettle(ctx, tradeID, actor)
	case StatusCancelled:
		return s.Cancel(ctx, tradeID, actor)
	case StatusCompleted:
		if !actor.Admin {
			return nil, fmt.Errorf("%w: only a resolver may force completion", ErrUnauthorized)
		}
		return s.forceComplete(ctx, tradeID)
	case StatusDisputed:
		if !actor.Admin {
			return nil, fmt.Errorf("%w: disputes are opened through the dispute endpoint", ErrUnauthorized)
		}
		return s.markDisputed(ctx, tradeID, "")
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}
}

func (s *Service) markPaid(ctx context.Context, tradeID string, actor Actor) (*Trade, error) {
	trade, _, err := s.casUpdate(ctx, tradeID, func(t *Trade) error {
		if !actor.Admin && actor.ID != t.BuyerID {
			return fmt.Errorf("%w: only the buyer marks paid", ErrUnauthorized)
		}
		if t.Status != StatusPending {
			return fmt.Errorf("%w: %s -> paid", ErrInvalidTransition, t.Status)
		}
		t.Status = StatusPaid
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(string(StatusPaid)).Inc()
	s.afterStatusChange(ctx, trade)
	return trade, nil
}

// confirmAndSettle marks the trade Confirmed and releases the escrow to the
// seller. Settlement happens outside the trade's critical section; if the
// rail is unavailable the trade stays Confirmed and the seller can repost
// the confirmation to retry.
func (s *Service) confirmAndSettle(ctx context.Context, tradeID string, actor Actor) (*Trade, error) {
	trade, changed, err := s.casUpdate(ctx, tradeID, func(t *Trade) error {
		if !actor.Admin && actor.ID != t.SellerID {
			return fmt.Errorf("%w: only the seller confirms", ErrUnauthorized)
		}
		switch t.Status {
		case StatusPaid:
			t.Status = StatusConfirmed
			return nil
		case StatusConfirmed:
			// Settlement retry after an earlier rail failure.
			return errNoTransition
		default:
			return fmt.Errorf("%w: %s -> confirmed", ErrInvalidTransition, t.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.TradesTotal.WithLabelValues(string(StatusConfirmed)).Inc()
		s.afterStatusChange(ctx, trade)
	}

	if _, err := s.escrow.Release(ctx, trade.EscrowID, trade.BuyerID, false); err != nil {
		return nil, err
	}

	return s.complete(ctx, tradeID)
}

func (s *Service) complete(ctx context.Context, tradeID string) (*Trade, error) {
	now := time.Now().UTC()
	trade, changed, err := s.casUpdate(ctx, tradeID, func(t *Trade) error {
		if t.Status == StatusCompleted {
			return errNoTransition
		}
		if t.Status == StatusCancelled {
			return fmt.Errorf("%w: cancelled trade cannot complete", ErrInvalidTransition)
		}
		t.Status = StatusCompleted
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		// Safe replay: the close-out already ran when the trade completed.
		return trade, nil
	}

	if err := s.offers.TradeClosed(ctx, trade.OfferID); err != nil {
		logging.L(ctx).Warn("failed to close trade count on offer", "offerId", trade.OfferID, "error", err)
	}
	metrics.TradesTotal.WithLabelValues(string(StatusCompleted)).Inc()
	s.afterStatusChange(ctx, trade)
	return trade, nil
}

// Cancel cancels a trade and refunds its escrow. Parties may cancel from
// Pending or pre-confirmation Paid; an admin from any non-terminal state.
func (s *Service) Cancel(ctx context.Context, tradeID string, actor Actor) (*Trade, error) {
	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin {
		if !trade.IsParty(actor.ID) {
			return nil, ErrUnauthorized
		}
		if trade.Status != StatusPending && trade.Status != StatusPaid {
			return nil, fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, trade.Status)
		}
	} else if trade.IsTerminal() {
		return nil, fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, trade.Status)
	}

	// Refund before flipping the trade; the rail call is idempotent and
	// the status checks rerun under the lock inside casUpdate.
	if trade.EscrowID != "" {
		requester := actor.ID
		if actor.Admin {
			requester = trade.BuyerID
		}
		if _, err := s.escrow.Refund(ctx, trade.EscrowID, requester, actor.Admin); err != nil {
			return nil, err
		}
	}

	return s.finishCancel(ctx, tradeID, actor)
}

func (s *Service) finishCancel(ctx context.Context, tradeID string, actor Actor) (*Trade, error) {
	now := time.Now().UTC()
	trade, changed, err := s.casUpdate(ctx, tradeID, func(t *Trade) error {
		if t.Status == StatusCancelled {
			return errNoTransition
		}
		if t.Status == StatusCompleted {
			return fmt.Errorf("%w: completed trade cannot cancel", ErrInvalidTransition)
		}
		if !actor.Admin && t.Status != StatusPending && t.Status != StatusPaid {
			return fmt.Errorf("%w: %s -> cancelled", ErrInvalidTransition, t.Status)
		}
		t.Status = StatusCancelled
		t.CancelledAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		// Safe replay: restore and close-out already ran on the first cancel.
		return trade, nil
	}

	if err := s.offers.Restore(ctx, trade.OfferID, trade.Amount); err != nil {
		logging.L(ctx).Warn("failed to restore offer amount after cancel",
			"offerId", trade.OfferID, "tradeId", trade.ID, "error", err)
	}
	if err := s.offers.TradeClosed(ctx, trade.OfferID); err != nil {
		logging.L(ctx).Warn("failed to close trade count on offer", "offerId", trade.OfferID, "error", err)
	}

	metrics.TradesTotal.WithLabelValues(string(StatusCancelled)).Inc()
	s.publish(ctx, trade, "trade.cancelled", nil)
	s.notifier.Notify(ctx, trade.BuyerID, notify.EventTradeCancelled, map[string]any{"tradeId": trade.ID})
	s.notifier.Notify(ctx, trade.SellerID, notify.EventTradeCancelled, map[string]any{"tradeId": trade.ID})
	return trade, nil
}

func (s *Service) forceComplete(ctx context.Context, tradeID string) (*Trade, error) {
	return s.complete(ctx, tradeID)
}

func (s *Service) markDisputed(ctx context.Context, tradeID, disputeID string) (*Trade, error) {
	trade, changed, err := s.casUpdate(ctx, tradeID, func(t *Trade) error {
		switch t.Status {
		case StatusPending, StatusPaid, StatusConfirmed:
			t.Status = StatusDisputed
			t.DisputeID = disputeID
			return nil
		case StatusDisputed:
			return errNoTransition
		default:
			return fmt.Errorf("%w: %s -> disputed", ErrInvalidTransition, t.Status)
		}
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.TradesTotal.WithLabelValues(string(StatusDisputed)).Inc()
		s.afterStatusChange(ctx, trade)
	}
	return trade, nil
}

// MarkDisputed pins a dispute onto a trade. Called by the dispute resolver.
func (s *Service) MarkDisputed(ctx context.Context, tradeID, disputeID string) error {
	_, err := s.markDisputed(ctx, tradeID, disputeID)
	return err
}

// EnsureCompleted idempotently drives a trade to Completed. Used by the
// dispute resolver and the escrow reconciler once the contract is Released.
func (s *Service) EnsureCompleted(ctx context.Context, tradeID string) error {
	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade.Status == StatusCompleted {
		return nil
	}
	_, err = s.complete(ctx, tradeID)
	return err
}

// EnsureCancelled idempotently drives a trade to Cancelled. Used by the
// dispute resolver and the escrow reconciler once the contract is Refunded.
func (s *Service) EnsureCancelled(ctx context.Context, tradeID string) error {
	trade, err := s.store.Get(ctx, tradeID)
	if err != nil {
		return err
	}
	if trade.Status == StatusCancelled {
		return nil
	}
	_, err = s.finishCancel(ctx, tradeID, Actor{Admin: true})
	return err
}

// ExpireTrades auto-cancels Pending trades past their negotiation deadline:
// escrow refunded, offer amount restored. Called by the timeout timer.
func (s *Service) ExpireTrades(ctx context.Context, now time.Time) int {
	stale, err := s.store.ListExpired(ctx, now, 100)
	if err != nil {
		logging.L(ctx).Warn("failed to list expired trades", "error", err)
		return 0
	}

	n := 0
	for _, trade := range stale {
		if _, err := s.Cancel(ctx, trade.ID, Actor{Admin: true}); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				logging.L(ctx).Warn("failed to auto-cancel stalled trade", "tradeId", trade.ID, "error", err)
			}
			continue
		}
		logging.L(ctx).Info("auto-cancelled stalled trade", "tradeId", trade.ID, "deadline", trade.Deadline)
		n++
	}
	return n
}

// casUpdate runs mutate under the trade's critical section and writes the
// result with compare-and-swap on the version. A lost race is retried once
// against a fresh read, then surfaces ErrConflict. A mutate returning
// errNoTransition yields the fresh trade with changed=false and no write.
func (s *Service) casUpdate(ctx context.Context, tradeID string, mutate func(*Trade) error) (*Trade, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		unlock, err := s.locks.LockContext(ctx, tradeID)
		if err != nil {
			return nil, false, err
		}

		trade, err := s.store.Get(ctx, tradeID)
		if err != nil {
			unlock()
			return nil, false, err
		}
		if err := mutate(trade); err != nil {
			unlock()
			if errors.Is(err, errNoTransition) {
				return trade, false, nil
			}
			return nil, false, err
		}
		trade.UpdatedAt = time.Now().UTC()

		err = s.store.Update(ctx, trade)
		unlock()
		if err == nil {
			return trade, true, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, false, err
		}
	}
	return nil, false, ErrConflict
}

func (s *Service) afterStatusChange(ctx context.Context, trade *Trade) {
	s.publish(ctx, trade, "trade.status_changed", nil)
	s.notifier.Notify(ctx, trade.BuyerID, notify.EventTradeStatus, map[string]any{
		"tradeId": trade.ID, "status": string(trade.Status),
	})
	s.notifier.Notify(ctx, trade.SellerID, notify.EventTradeStatus, map[string]any{
		"tradeId": trade.ID, "status": string(trade.Status),
	})
}

func (s *Service) publish(ctx context.Context, trade *Trade, eventType string, extra map[string]any) {
	if s.events == nil {
		return
	}
	data := map[string]any{
		"tradeId": trade.ID,
		"offerId": trade.OfferID,
		"status":  string(trade.Status),
	}
	for k, v := range extra {
		data[k] = v
	}
	s.events.Publish(ctx, "trade:"+trade.ID, eventType, data)
	s.events.Publish(ctx, "user:"+trade.BuyerID+":trades", eventType, data)
	s.events.Publish(ctx, "user:"+trade.SellerID+":trades", eventType, data)
}
