// Package escrow manages the value side of a trade.
//
// The escrow manager is the only component that talks to the settlement
// rail. Open locks the buyer's funds into a contract, Release pays the
// seller, Refund returns the funds to the buyer. A contract reaches at most
// one of Released or Refunded, ever. Once a dispute freezes a contract,
// only a resolver acting with the override flag may settle it.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradeloop/peerswap/internal/circuitbreaker"
	"github.com/tradeloop/peerswap/internal/idgen"
	"github.com/tradeloop/peerswap/internal/logging"
	"github.com/tradeloop/peerswap/internal/metrics"
	"github.com/tradeloop/peerswap/internal/money"
	"github.com/tradeloop/peerswap/internal/rail"
	"github.com/tradeloop/peerswap/internal/retry"
	"github.com/tradeloop/peerswap/internal/syncutil"
)

var (
	ErrEscrowNotFound  = errors.New("escrow contract not found")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this escrow operation")
	ErrAlreadySettled  = errors.New("escrow contract already settled the other way")
	ErrDisputeFrozen   = errors.New("escrow contract is frozen by an open dispute")
	ErrVersionConflict = errors.New("escrow contract was modified concurrently")
	ErrRailUnavailable = errors.New("settlement rail unavailable, retry budget exhausted")
	ErrRailRejected    = errors.New("settlement rail rejected the operation")
)

// Status represents the state of an escrow contract.
type Status string

const (
	StatusPending  Status = "pending"  // created, lock not yet durable
	StatusLocked   Status = "locked"   // funds held on the rail
	StatusReleased Status = "released" // paid out to the payee
	StatusRefunded Status = "refunded" // returned to the payer
	StatusDisputed Status = "disputed" // frozen pending resolution
)

// Contract is the escrow record backing a trade.
type Contract struct {
	ID         string     `json:"id"`
	TradeID    string     `json:"tradeId"`
	PayerID    string     `json:"payerId"` // buyer: funds locked from here
	PayeeID    string     `json:"payeeId"` // seller: funds released to here
	Amount     string     `json:"amount"`  // 6-decimal monetary value
	Currency   string     `json:"currency"`
	RailRef    string     `json:"railRef"`                 // contract ref, set exactly once at Lock
	SettleRef  string     `json:"settleRef,omitempty"`     // settlement ref from Release/Refund
	Status     Status     `json:"status"`
	DisputeID  string     `json:"disputeId,omitempty"`
	Version    int64      `json:"-"`
	LockedAt   *time.Time `json:"lockedAt,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the contract is in a final state.
func (c *Contract) IsTerminal() bool {
	return c.Status == StatusReleased || c.Status == StatusRefunded
}

// Store persists escrow contracts. ListByStatus pages by keyset: contracts
// in the given status ordered by (created_at, id), starting strictly after
// the cursor position, so a sweeping caller never re-reads the same batch.
type Store interface {
	Create(ctx context.Context, contract *Contract) error
	Get(ctx context.Context, id string) (*Contract, error)
	GetByTrade(ctx context.Context, tradeID string) (*Contract, error)
	Update(ctx context.Context, contract *Contract) error
	ListByStatus(ctx context.Context, status Status, afterCreated time.Time, afterID string, limit int) ([]*Contract, error)
}

// OpenParams describes the contract to open for a trade.
type OpenParams struct {
	TradeID  string
	PayerID  string
	PayeeID  string
	Amount   string // 6-decimal monetary value
	Currency string
}

const (
	lockAttempts   = 4
	settleAttempts = 3
	retryBaseDelay = 200 * time.Millisecond
)

// Service implements escrow business logic. It is the sole rail caller.
type Service struct {
	store   Store
	rail    rail.Rail
	breaker *circuitbreaker.Breaker
	locks   syncutil.ShardedMutex
	logger  *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, r rail.Rail, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		rail:    r,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
	}
}

// Open locks the payer's funds and creates a Locked contract for the trade.
// The rail call is keyed by the trade ID, so re-driving Open after a crash
// or timeout lands on the same rail contract. Retryable rail errors are
// retried with backoff up to the lock budget; a fatal rail error is returned
// as ErrRailRejected so the caller can cancel the trade.
func (s *Service) Open(ctx context.Context, p OpenParams) (*Contract, error) {
	if existing, err := s.store.GetByTrade(ctx, p.TradeID); err == nil {
		// Re-driven open: the contract already exists.
		return existing, nil
	} else if !errors.Is(err, ErrEscrowNotFound) {
		return nil, err
	}

	amount, ok := money.Parse(p.Amount)
	if !ok || !money.IsPositive(amount) {
		return nil, fmt.Errorf("invalid escrow amount %q", p.Amount)
	}

	railRef, err := s.callRail(ctx, "lock", lockAttempts, func() (string, error) {
		return s.rail.Lock(ctx, p.TradeID, amount, p.Currency, p.PayerID)
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	contract := &Contract{
		ID:        idgen.WithPrefix("esc_"),
		TradeID:   p.TradeID,
		PayerID:   p.PayerID,
		PayeeID:   p.PayeeID,
		Amount:    money.Format(amount),
		Currency:  p.Currency,
		RailRef:   railRef,
		Status:    StatusLocked,
		Version:   1,
		LockedAt:  &now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.Create(ctx, contract); err != nil {
		// Best-effort refund if the record cannot be written; the funds
		// must not stay locked against a contract nobody can find.
		if _, refundErr := s.rail.Refund(ctx, p.TradeID, railRef, p.PayerID); refundErr != nil {
			s.logger.Error("CRITICAL: funds locked but contract write and refund both failed",
				"tradeId", p.TradeID, "railRef", railRef, "storeError", err, "refundError", refundErr)
		}
		return nil, fmt.Errorf("failed to create escrow contract: %w", err)
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusLocked)).Inc()
	return contract, nil
}

// Release pays the contract out to the payee. Legal from Locked when the
// requester is the payer (the buyer's confirmation authorizes payout), or
// from Disputed with the override flag. Calling Release on an already
// Released contract returns it unchanged.
func (s *Service) Release(ctx context.Context, escrowID, requester string, override bool) (*Contract, error) {
	return s.settle(ctx, escrowID, requester, override, StatusReleased)
}

// Refund returns the contract's funds to the payer. Legal from Locked for
// either party, or from Disputed with the override flag.
func (s *Service) Refund(ctx context.Context, escrowID, requester string, override bool) (*Contract, error) {
	return s.settle(ctx, escrowID, requester, override, StatusRefunded)
}

func (s *Service) settle(ctx context.Context, escrowID, requester string, override bool, target Status) (*Contract, error) {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	contract, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	if contract.Status == target {
		// Settled this way already; safe replay.
		return contract, nil
	}
	if contract.IsTerminal() {
		return nil, ErrAlreadySettled
	}
	if contract.Status == StatusDisputed && !override {
		return nil, ErrDisputeFrozen
	}
	if contract.Status != StatusLocked && contract.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}
	if !override {
		if target == StatusReleased && requester != contract.PayerID {
			return nil, ErrUnauthorized
		}
		if target == StatusRefunded && requester != contract.PayerID && requester != contract.PayeeID {
			return nil, ErrUnauthorized
		}
	}

	var settleRef string
	switch target {
	case StatusReleased:
		settleRef, err = s.callRail(ctx, "release", settleAttempts, func() (string, error) {
			return s.rail.Release(ctx, contract.TradeID, contract.RailRef, contract.PayeeID)
		})
	case StatusRefunded:
		settleRef, err = s.callRail(ctx, "refund", settleAttempts, func() (string, error) {
			return s.rail.Refund(ctx, contract.TradeID, contract.RailRef, contract.PayerID)
		})
	}
	if err != nil {
		// Contract stays where it was; the rail call is idempotent, so the
		// caller can retry the whole operation safely.
		return nil, err
	}

	now := time.Now().UTC()
	contract.Status = target
	contract.SettleRef = settleRef
	contract.ResolvedAt = &now
	contract.UpdatedAt = now

	if err := s.store.Update(ctx, contract); err != nil {
		// Retry once: funds already moved, the record must follow.
		if retryErr := s.store.Update(ctx, contract); retryErr != nil {
			s.logger.Error("CRITICAL: funds settled but contract update failed, requires manual resolution",
				"escrowId", contract.ID, "tradeId", contract.TradeID,
				"target", string(target), "error", retryErr)
			return nil, fmt.Errorf("failed to update contract after settlement: %w", retryErr)
		}
	}

	metrics.EscrowsTotal.WithLabelValues(string(target)).Inc()
	if contract.LockedAt != nil {
		metrics.EscrowDuration.Observe(now.Sub(*contract.LockedAt).Seconds())
	}
	return contract, nil
}

// Freeze moves a Locked contract to Disputed and pins the dispute ID. From
// then on, only override settlement is accepted.
func (s *Service) Freeze(ctx context.Context, escrowID, disputeID string) (*Contract, error) {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	contract, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if contract.Status != StatusLocked {
		return nil, fmt.Errorf("%w: cannot dispute from %s", ErrInvalidStatus, contract.Status)
	}

	contract.Status = StatusDisputed
	contract.DisputeID = disputeID
	contract.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, contract); err != nil {
		return nil, err
	}

	metrics.EscrowsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	return contract, nil
}

// Unfreeze reverts a Disputed contract to Locked. Compensation for a dispute
// that froze the contract but failed to materialize; only the dispute pinned
// at Freeze may revert it. No rail call is involved, the funds stay locked.
func (s *Service) Unfreeze(ctx context.Context, escrowID, disputeID string) (*Contract, error) {
	unlock := s.locks.Lock(escrowID)
	defer unlock()

	contract, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if contract.Status != StatusDisputed || contract.DisputeID != disputeID {
		return nil, fmt.Errorf("%w: not frozen by dispute %s", ErrInvalidStatus, disputeID)
	}

	contract.Status = StatusLocked
	contract.DisputeID = ""
	contract.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, contract); err != nil {
		return nil, err
	}
	return contract, nil
}

// Get returns a contract by ID.
func (s *Service) Get(ctx context.Context, id string) (*Contract, error) {
	return s.store.Get(ctx, id)
}

// GetByTrade returns the contract backing a trade.
func (s *Service) GetByTrade(ctx context.Context, tradeID string) (*Contract, error) {
	return s.store.GetByTrade(ctx, tradeID)
}

// callRail runs one rail operation behind the circuit breaker with the
// retry budget. Fatal rail errors stop retrying immediately and come back
// as ErrRailRejected; an exhausted budget comes back as ErrRailUnavailable.
func (s *Service) callRail(ctx context.Context, op string, attempts int, fn func() (string, error)) (string, error) {
	if !s.breaker.Allow(op) {
		metrics.RailCallsTotal.WithLabelValues(op, "breaker_open").Inc()
		return "", fmt.Errorf("%w: circuit open for %s", ErrRailUnavailable, op)
	}

	var ref string
	err := retry.Do(ctx, attempts, retryBaseDelay, func() error {
		r, callErr := fn()
		if callErr != nil {
			metrics.RailCallsTotal.WithLabelValues(op, "error").Inc()
			if rail.IsFatal(callErr) {
				return retry.Permanent(callErr)
			}
			return callErr
		}
		ref = r
		metrics.RailCallsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	})
	if err != nil {
		s.breaker.RecordFailure(op)
		if rail.IsFatal(err) {
			logging.L(ctx).Warn("rail rejected operation", "op", op, "error", err)
			return "", fmt.Errorf("%w: %v", ErrRailRejected, err)
		}
		metrics.RailRetriesExhaustedTotal.Inc()
		logging.L(ctx).Warn("rail retry budget exhausted", "op", op, "attempts", attempts, "error", err)
		return "", fmt.Errorf("%w: %v", ErrRailUnavailable, err)
	}

	s.breaker.RecordSuccess(op)
	return ref, nil
}
