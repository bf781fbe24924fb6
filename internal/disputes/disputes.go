// Package disputes implements dispute resolution for frozen trades.
//
// A party to a trade opens a dispute while the escrow is Locked; the
// contract freezes and the dispute waits for an admin. Review is an
// exclusive leased claim: one admin at a time, and a claim that outlives
// its SLA lease falls back to Open for re-claim. Resolution settles the
// escrow with the override flag and drives the trade to its terminal state.
package disputes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradeloop/peerswap/internal/escrow"
	"github.com/tradeloop/peerswap/internal/idgen"
	"github.com/tradeloop/peerswap/internal/logging"
	"github.com/tradeloop/peerswap/internal/metrics"
	"github.com/tradeloop/peerswap/internal/notify"
	"github.com/tradeloop/peerswap/internal/syncutil"
	"github.com/tradeloop/peerswap/internal/trades"
)

var (
	ErrDisputeNotFound   = errors.New("dispute not found")
	ErrUnauthorized      = errors.New("not authorized for this dispute operation")
	ErrAlreadyOpen       = errors.New("trade already has an open dispute")
	ErrAlreadyClaimed    = errors.New("dispute is claimed by another admin")
	ErrNotClaimed        = errors.New("dispute must be claimed before resolving")
	ErrAlreadyResolved   = errors.New("dispute already resolved")
	ErrInvalidResolution = errors.New("resolution must be release or refund")
	ErrVersionConflict   = errors.New("dispute was modified concurrently")
)

// Status represents the dispute lifecycle state.
type Status string

const (
	StatusOpen        Status = "open"
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Resolution is the outcome of a resolved dispute.
type Resolution string

const (
	ResolutionRelease Resolution = "release" // pay the seller
	ResolutionRefund  Resolution = "refund"  // return funds to the buyer
)

// EvidenceEntry is one piece of evidence submitted by a party.
type EvidenceEntry struct {
	SubmittedBy string    `json:"submittedBy"`
	Content     string    `json:"content"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Dispute is a contested trade awaiting resolution.
type Dispute struct {
	ID             string          `json:"id"`
	TradeID        string          `json:"tradeId"`
	EscrowID       string          `json:"escrowId"`
	RaisedBy       string          `json:"raisedBy"`
	Reason         string          `json:"reason"`
	Evidence       []EvidenceEntry `json:"evidence"`
	Status         Status          `json:"status"`
	Resolution     Resolution      `json:"resolution,omitempty"`
	AdminNotes     string          `json:"adminNotes,omitempty"`
	ClaimedBy      string          `json:"claimedBy,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	Version        int64           `json:"-"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Store persists disputes. Update enforces compare-and-swap on Version.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	GetOpenByTrade(ctx context.Context, tradeID string) (*Dispute, error)
	List(ctx context.Context, status Status, limit int) ([]*Dispute, error)
	ListExpiredLeases(ctx context.Context, before time.Time, limit int) ([]*Dispute, error)
}

// Trades is the slice of the trade engine the resolver drives.
// Satisfied by *trades.Service.
type Trades interface {
	Get(ctx context.Context, id string) (*trades.Trade, error)
	MarkDisputed(ctx context.Context, tradeID, disputeID string) error
	EnsureCompleted(ctx context.Context, tradeID string) error
	EnsureCancelled(ctx context.Context, tradeID string) error
}

// EscrowManager is the slice of the escrow service the resolver drives.
// Satisfied by *escrow.Service.
type EscrowManager interface {
	Freeze(ctx context.Context, escrowID, disputeID string) (*escrow.Contract, error)
	Unfreeze(ctx context.Context, escrowID, disputeID string) (*escrow.Contract, error)
	Release(ctx context.Context, escrowID, requester string, override bool) (*escrow.Contract, error)
	Refund(ctx context.Context, escrowID, requester string, override bool) (*escrow.Contract, error)
}

// EventPublisher fans out dispute events to subscribers. Satisfied by the sync hub.
type EventPublisher interface {
	Publish(ctx context.Context, topic, eventType string, data map[string]any)
}

// Service implements dispute resolution business logic.
type Service struct {
	store    Store
	trades   Trades
	escrow   EscrowManager
	events   EventPublisher
	notifier notify.Notifier
	locks    syncutil.ShardedMutex
	leaseTTL time.Duration
}

// NewService creates a new dispute resolver.
func NewService(store Store, t Trades, esc EscrowManager, events EventPublisher, notifier notify.Notifier, leaseTTL time.Duration) *Service {
	if leaseTTL <= 0 {
		leaseTTL = 48 * time.Hour
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Service{
		store:    store,
		trades:   t,
		escrow:   esc,
		events:   events,
		notifier: notifier,
		leaseTTL: leaseTTL,
	}
}

// Open raises a dispute on a trade. The raiser must be a party, the escrow
// must be Locked, and a trade carries at most one open dispute.
func (s *Service) Open(ctx context.Context, tradeID, raisedBy, reason string) (*Dispute, error) {
	trade, err := s.trades.Get(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if !trade.IsParty(raisedBy) {
		return nil, ErrUnauthorized
	}
	if trade.EscrowID == "" {
		return nil, fmt.Errorf("%w: trade has no escrow", escrow.ErrInvalidStatus)
	}

	unlock := s.locks.Lock(tradeID)
	defer unlock()

	if existing, err := s.store.GetOpenByTrade(ctx, tradeID); err == nil && existing != nil {
		return nil, ErrAlreadyOpen
	} else if err != nil && !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	dispute := &Dispute{
		ID:        idgen.WithPrefix("dsp_"),
		TradeID:   tradeID,
		EscrowID:  trade.EscrowID,
		RaisedBy:  raisedBy,
		Reason:    reason,
		Evidence:  []EvidenceEntry{},
		Status:    StatusOpen,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Freeze first: a dispute row without a frozen contract would let
	// settlement race the resolver. A failed row write reverts the freeze
	// so a retry starts from a Locked contract instead of wedging on it.
	if _, err := s.escrow.Freeze(ctx, trade.EscrowID, dispute.ID); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, dispute); err != nil {
		if _, unfreezeErr := s.escrow.Unfreeze(ctx, trade.EscrowID, dispute.ID); unfreezeErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow frozen but dispute write and unfreeze both failed",
				"tradeId", tradeID, "escrowId", trade.EscrowID,
				"error", err, "unfreezeError", unfreezeErr)
		}
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	if err := s.trades.MarkDisputed(ctx, tradeID, dispute.ID); err != nil {
		logging.L(ctx).Warn("failed to mark trade disputed", "tradeId", tradeID, "error", err)
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusOpen)).Inc()
	s.publish(ctx, dispute, "dispute.opened")
	other := trade.BuyerID
	if raisedBy == trade.BuyerID {
		other = trade.SellerID
	}
	s.notifier.Notify(ctx, other, notify.EventDisputeOpened, map[string]any{
		"disputeId": dispute.ID, "tradeId": tradeID, "reason": reason,
	})
	return dispute, nil
}

// Claim leases a dispute to an admin for review. A live claim excludes
// other admins; an expired lease may be taken over.
func (s *Service) Claim(ctx context.Context, disputeID, adminID string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	switch d.Status {
	case StatusResolved:
		return nil, ErrAlreadyResolved
	case StatusUnderReview:
		if d.LeaseExpiresAt != nil && d.LeaseExpiresAt.After(now) && d.ClaimedBy != adminID {
			return nil, ErrAlreadyClaimed
		}
	}

	lease := now.Add(s.leaseTTL)
	d.Status = StatusUnderReview
	d.ClaimedBy = adminID
	d.LeaseExpiresAt = &lease
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusUnderReview)).Inc()
	return d, nil
}

// SubmitEvidence appends evidence from a trade party to an unresolved dispute.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID, principalID, content string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}

	trade, err := s.trades.Get(ctx, d.TradeID)
	if err != nil {
		return nil, err
	}
	if !trade.IsParty(principalID) {
		return nil, ErrUnauthorized
	}

	now := time.Now().UTC()
	d.Evidence = append(d.Evidence, EvidenceEntry{
		SubmittedBy: principalID,
		Content:     content,
		SubmittedAt: now,
	})
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// Resolve settles a claimed dispute. The escrow is settled with the
// override flag and the trade is driven to Completed (release) or
// Cancelled (refund).
func (s *Service) Resolve(ctx context.Context, disputeID, adminID string, resolution Resolution, notes string) (*Dispute, error) {
	if resolution != ResolutionRelease && resolution != ResolutionRefund {
		return nil, ErrInvalidResolution
	}

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status == StatusResolved {
		return nil, ErrAlreadyResolved
	}
	if d.Status != StatusUnderReview || d.ClaimedBy != adminID {
		return nil, ErrNotClaimed
	}

	switch resolution {
	case ResolutionRelease:
		if _, err := s.escrow.Release(ctx, d.EscrowID, adminID, true); err != nil {
			return nil, err
		}
		if err := s.trades.EnsureCompleted(ctx, d.TradeID); err != nil {
			logging.L(ctx).Warn("dispute resolved but trade completion pending reconciliation",
				"disputeId", d.ID, "tradeId", d.TradeID, "error", err)
		}
	case ResolutionRefund:
		if _, err := s.escrow.Refund(ctx, d.EscrowID, adminID, true); err != nil {
			return nil, err
		}
		if err := s.trades.EnsureCancelled(ctx, d.TradeID); err != nil {
			logging.L(ctx).Warn("dispute resolved but trade cancellation pending reconciliation",
				"disputeId", d.ID, "tradeId", d.TradeID, "error", err)
		}
	}

	now := time.Now().UTC()
	d.Status = StatusResolved
	d.Resolution = resolution
	d.AdminNotes = notes
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		// Retry once: the escrow already settled, the record must follow.
		if retryErr := s.store.Update(ctx, d); retryErr != nil {
			logging.L(ctx).Error("CRITICAL: escrow settled but dispute update failed",
				"disputeId", d.ID, "resolution", string(resolution), "error", retryErr)
			return nil, fmt.Errorf("failed to update dispute after settlement: %w", retryErr)
		}
	}

	metrics.DisputesTotal.WithLabelValues(string(StatusResolved)).Inc()
	s.publish(ctx, d, "dispute.resolved")
	if trade, err := s.trades.Get(ctx, d.TradeID); err == nil {
		payload := map[string]any{
			"disputeId": d.ID, "tradeId": d.TradeID, "resolution": string(resolution),
		}
		s.notifier.Notify(ctx, trade.BuyerID, notify.EventDisputeResolved, payload)
		s.notifier.Notify(ctx, trade.SellerID, notify.EventDisputeResolved, payload)
	}
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// List returns disputes with the given status.
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, status, limit)
}

// ExpireLeases returns claims past their SLA lease to the open pool.
// Called by the lease timer.
func (s *Service) ExpireLeases(ctx context.Context, now time.Time) int {
	stale, err := s.store.ListExpiredLeases(ctx, now, 100)
	if err != nil {
		logging.L(ctx).Warn("failed to list expired dispute leases", "error", err)
		return 0
	}

	n := 0
	for _, d := range stale {
		unlock := s.locks.Lock(d.ID)

		fresh, err := s.store.Get(ctx, d.ID)
		if err != nil || fresh.Status != StatusUnderReview ||
			fresh.LeaseExpiresAt == nil || fresh.LeaseExpiresAt.After(now) {
			unlock()
			continue
		}
		fresh.Status = StatusOpen
		fresh.ClaimedBy = ""
		fresh.LeaseExpiresAt = nil
		fresh.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, fresh); err != nil {
			unlock()
			logging.L(ctx).Warn("failed to expire dispute lease", "disputeId", d.ID, "error", err)
			continue
		}
		unlock()

		n++
		metrics.DisputeLeasesExpiredTotal.Inc()
		logging.L(ctx).Info("dispute lease expired back to open", "disputeId", d.ID, "claimedBy", d.ClaimedBy)
	}
	return n
}

func (s *Service) publish(ctx context.Context, d *Dispute, eventType string) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, "trade:"+d.TradeID, eventType, map[string]any{
		"disputeId": d.ID,
		"tradeId":   d.TradeID,
		"status":    string(d.Status),
	})
}
