package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tradeloop/peerswap/internal/rail"
)

func newTestService() (*Service, *rail.Memory) {
	m := rail.NewMemory()
	return NewService(NewMemoryStore(), m, slog.Default()), m
}

func openParams(tradeID string) OpenParams {
	return OpenParams{
		TradeID:  tradeID,
		PayerID:  "buyer-1",
		PayeeID:  "seller-1",
		Amount:   "20.00",
		Currency: "USD",
	}
}

func TestOpen(t *testing.T) {
	s, m := newTestService()
	ctx := context.Background()

	contract, err := s.Open(ctx, openParams("trd_a"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if contract.Status != StatusLocked {
		t.Errorf("Expected locked, got %s", contract.Status)
	}
	if contract.RailRef == "" {
		t.Error("Expected rail ref")
	}
	if contract.Amount != "20.000000" {
		t.Errorf("Expected normalized amount, got %s", contract.Amount)
	}
	if m.Contracts() != 1 {
		t.Errorf("Expected 1 rail contract, got %d", m.Contracts())
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	s, m := newTestService()
	ctx := context.Background()

	first, err := s.Open(ctx, openParams("trd_a"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	second, err := s.Open(ctx, openParams("trd_a"))
	if err != nil {
		t.Fatalf("Open replay: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("Replay created a second contract: %s vs %s", first.ID, second.ID)
	}
	if m.Contracts() != 1 {
		t.Errorf("Expected 1 rail contract, got %d", m.Contracts())
	}
}

func TestOpenRetriesTransientRailErrors(t *testing.T) {
	s, m := newTestService()
	ctx := context.Background()

	// Three transient failures, then success on the fourth attempt with the
	// same idempotency key. Exactly one contract must exist at the end.
	m.FailNext("lock", 3, rail.Retryable(errors.New("rail hiccup")))

	contract, err := s.Open(ctx, openParams("trd_a"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if contract.Status != StatusLocked {
		t.Errorf("Expected locked, got %s", contract.Status)
	}
	if m.Contracts() != 1 {
		t.Errorf("Expected exactly 1 rail contract, got %d", m.Contracts())
	}
	if m.LockCalls() != 4 {
		t.Errorf("Expected 4 lock attempts, got %d", m.LockCalls())
	}
}

func TestOpenExhaustsRetryBudget(t *testing.T) {
	s, m := newTestService()
	ctx := context.Background()

	m.FailNext("lock", lockAttempts, rail.Retryable(errors.New("rail down")))

	_, err := s.Open(ctx, openParams("trd_a"))
	if !errors.Is(err, ErrRailUnavailable) {
		t.Fatalf("Expected ErrRailUnavailable, got %v", err)
	}
	if m.Contracts() != 0 {
		t.Errorf("Expected no contracts after exhausted budget, got %d", m.Contracts())
	}
}

func TestOpenFatalRailError(t *testing.T) {
	s, m := newTestService()
	ctx := context.Background()

	m.FailNext("lock", 1, rail.Fatal(errors.New("insufficient balance")))

	_, err := s.Open(ctx, openParams("trd_a"))
	if !errors.Is(err, ErrRailRejected) {
		t.Fatalf("Expected ErrRailRejected, got %v", err)
	}
	// A fatal error must not burn the retry budget.
	if m.LockCalls() != 1 {
		t.Errorf("Expected 1 lock attempt, got %d", m.LockCalls())
	}
}

func TestRelease(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	contract, _ := s.Open(ctx, openParams("trd_a"))

	released, err := s.Release(ctx, contract.ID, "buyer-1", false)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if released.Status != StatusReleased {
		t.Errorf("Expected released, got %s", released.Status)
	}
	if released.SettleRef == "" {
		t.Error("Expected settlement ref")
	}

	// Replay returns the settled contract unchanged.
	again, err := s.Release(ctx, contract.ID, "buyer-1", false)
	if err != nil {
		t.Fatalf("Release replay: %v", err)
	}
	if again.SettleRef != released.SettleRef {
		t.Errorf("Replay changed settlement ref: %s vs %s", again.SettleRef, released.SettleRef)
	}
}

func TestReleaseRequiresPayer(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	contract, _ := s.Open(ctx, openParams("trd_a"))

	if _, err := s.Release(ctx, contract.ID, "seller-1", false); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for payee-initiated release, got %v", err)
	}
}

func TestRefundAfterReleaseRejected(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	contract, _ := s.Open(ctx, openParams("trd_a"))
	if _, err := s.Release(ctx, contract.ID, "buyer-1", false); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := s.Refund(ctx, contract.ID, "buyer-1", false); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("Expected ErrAlreadySettled, got %v", err)
	}
}

func TestRefundByEitherParty(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	contract, _ := s.Open(ctx, openParams("trd_a"))
	refunded, err := s.Refund(ctx, contract.ID, "seller-1", false)
	if err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if refunded.Status != StatusRefunded {
		t.Errorf("Expected refunded, got %s", refunded.Status)
	}

	other, _ := s.Open(ctx, openParams("trd_b"))
	if _, err := s.Refund(ctx, other.ID, "someone-else", false); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Expected ErrUnauthorized for stranger refund, got %v", err)
	}
}

func TestDisputeFreeze(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	contract, _ := s.Open(ctx, openParams("trd_a"))

	frozen, err := s.Freeze(ctx, contract.ID, "dsp_abcdefabcdefabcdefabcdef")
	if err != nil {
		t.Fatalf("Freeze: %v", err)
	}
	if frozen.Status != StatusDisputed {
		t.Errorf("Expected disputed, got %s", frozen.Status)
	}

	// Frozen to the parties.
	if _, err := s.Release(ctx, contract.ID, "buyer-1", false); !errors.Is(err, ErrDisputeFrozen) {
		t.Errorf("Expected ErrDisputeFrozen, got %v", err)
	}
	if _, err := s.Refund(ctx, contract.ID, "seller-1", false); !errors.Is(err, ErrDisputeFrozen) {
		t.Errorf("Expected ErrDisputeFrozen, got %v", err)
	}

	// The resolver settles with the override flag.
	resolved, err := s.Refund(ctx, contract.ID, "admin-1", true)
	if err != nil {
		t.Fatalf("Override refund: %v", err)
	}
	if resolved.Status != StatusRefunded {
		t.Errorf("Expected refunded, got %s", resolved.Status)
	}
}

func TestFreezeRequiresLocked(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	contract, _ := s.Open(ctx, openParams("trd_a"))
	if _, err := s.Release(ctx, contract.ID, "buyer-1", false); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := s.Freeze(ctx, contract.ID, "dsp_abcdefabcdefabcdefabcdef"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus, got %v", err)
	}
}

func TestUnfreezeRevertsToLocked(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	contract, _ := s.Open(ctx, openParams("trd_a"))
	if _, err := s.Freeze(ctx, contract.ID, "dsp_abcdefabcdefabcdefabcdef"); err != nil {
		t.Fatalf("Freeze: %v", err)
	}

	// Only the dispute that froze the contract may revert it.
	if _, err := s.Unfreeze(ctx, contract.ID, "dsp_other"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus for wrong dispute, got %v", err)
	}

	thawed, err := s.Unfreeze(ctx, contract.ID, "dsp_abcdefabcdefabcdefabcdef")
	if err != nil {
		t.Fatalf("Unfreeze: %v", err)
	}
	if thawed.Status != StatusLocked || thawed.DisputeID != "" {
		t.Errorf("Expected locked with dispute cleared, got %s/%q", thawed.Status, thawed.DisputeID)
	}

	// Settlement works again without the override flag.
	if _, err := s.Release(ctx, contract.ID, "buyer-1", false); err != nil {
		t.Fatalf("Release after unfreeze: %v", err)
	}
	// A settled contract cannot be unfrozen.
	if _, err := s.Unfreeze(ctx, contract.ID, "dsp_abcdefabcdefabcdefabcdef"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("Expected ErrInvalidStatus after settlement, got %v", err)
	}
}

func TestReleaseKeepsContractOnRailFailure(t *testing.T) {
	s, m := newTestService()
	ctx := context.Background()

	contract, _ := s.Open(ctx, openParams("trd_a"))
	m.FailNext("release", settleAttempts, rail.Retryable(errors.New("rail down")))

	if _, err := s.Release(ctx, contract.ID, "buyer-1", false); !errors.Is(err, ErrRailUnavailable) {
		t.Fatalf("Expected ErrRailUnavailable, got %v", err)
	}

	// Contract still Locked; a later retry succeeds.
	stored, _ := s.Get(ctx, contract.ID)
	if stored.Status != StatusLocked {
		t.Errorf("Expected locked after failed release, got %s", stored.Status)
	}
	if _, err := s.Release(ctx, contract.ID, "buyer-1", false); err != nil {
		t.Fatalf("Release retry: %v", err)
	}
}

type fakeTradeStates struct {
	mu        sync.Mutex
	completed []string
	cancelled []string
}

func (f *fakeTradeStates) EnsureCompleted(_ context.Context, tradeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, tradeID)
	return nil
}

func (f *fakeTradeStates) EnsureCancelled(_ context.Context, tradeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, tradeID)
	return nil
}

func TestReconcilerSweep(t *testing.T) {
	s, _ := newTestService()
	ctx := context.Background()

	released, _ := s.Open(ctx, openParams("trd_done"))
	if _, err := s.Release(ctx, released.ID, "buyer-1", false); err != nil {
		t.Fatalf("Release: %v", err)
	}
	refunded, _ := s.Open(ctx, openParams("trd_undone"))
	if _, err := s.Refund(ctx, refunded.ID, "buyer-1", false); err != nil {
		t.Fatalf("Refund: %v", err)
	}

	trades := &fakeTradeStates{}
	r := NewReconciler(s.store, trades, time.Minute, slog.Default())
	r.Sweep(ctx)

	if len(trades.completed) != 1 || trades.completed[0] != "trd_done" {
		t.Errorf("Expected trd_done completed, got %v", trades.completed)
	}
	if len(trades.cancelled) != 1 || trades.cancelled[0] != "trd_undone" {
		t.Errorf("Expected trd_undone cancelled, got %v", trades.cancelled)
	}
}

func TestReconcilerSweepPagesThroughBacklog(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	// More settled contracts than one batch holds. A sweep pinned to the
	// oldest batch would never reach the newest pairs.
	total := sweepBatchSize + 5
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < total; i++ {
		c := &Contract{
			ID:        fmt.Sprintf("esc_%04d", i),
			TradeID:   fmt.Sprintf("trd_%04d", i),
			Status:    StatusReleased,
			Version:   1,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.Create(ctx, c); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	trades := &fakeTradeStates{}
	r := NewReconciler(store, trades, time.Minute, slog.Default())

	r.Sweep(ctx)
	r.Sweep(ctx)

	seen := make(map[string]bool)
	for _, id := range trades.completed {
		seen[id] = true
	}
	if len(seen) != total {
		t.Fatalf("Expected all %d pairs checked across two sweeps, got %d", total, len(seen))
	}

	// The cursor wrapped at the end of the backlog, so the next pass starts
	// over and pairs gone inconsistent behind it are re-checked.
	r.Sweep(ctx)
	if got := trades.completed[total]; got != "trd_0000" {
		t.Errorf("Expected third sweep to restart at trd_0000, got %s", got)
	}
}
