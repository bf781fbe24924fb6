package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// TradeStates lets the reconciler drive a trade to the terminal state its
// contract implies without importing the trade engine. Both methods are
// idempotent; a trade already in the right state is a no-op.
type TradeStates interface {
	EnsureCompleted(ctx context.Context, tradeID string) error
	EnsureCancelled(ctx context.Context, tradeID string) error
}

const sweepBatchSize = 100

// sweepCursor is the keyset position of a sweep within one status. Settled
// contracts accumulate forever, so the sweep pages through them instead of
// re-reading the oldest batch every pass.
type sweepCursor struct {
	createdAt time.Time
	id        string
}

// Reconciler periodically cross-checks contract/trade status pairs. There is
// no transaction spanning the rail, the contract store, and the trade store,
// so a crash between settlement and the trade update can leave a Released
// contract with an uncompleted trade (or Refunded with an uncancelled one).
// The sweep re-drives those trades forward.
type Reconciler struct {
	store    Store
	trades   TradeStates
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	// Cursors are touched only by the sweep loop.
	released sweepCursor
	refunded sweepCursor
}

// NewReconciler creates a new escrow consistency sweep.
func NewReconciler(store Store, trades TradeStates, interval time.Duration, logger *slog.Logger) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		store:    store,
		trades:   trades,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeSweep(ctx)
		}
	}
}

// Stop signals the sweep to stop.
func (r *Reconciler) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Reconciler) safeSweep(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in escrow reconciler", "panic", fmt.Sprint(p))
		}
	}()
	r.Sweep(ctx)
}

// Sweep runs one reconciliation pass, advancing one batch per status.
func (r *Reconciler) Sweep(ctx context.Context) {
	r.released = r.sweepStatus(ctx, StatusReleased, r.released, r.trades.EnsureCompleted)
	r.refunded = r.sweepStatus(ctx, StatusRefunded, r.refunded, r.trades.EnsureCancelled)
}

// sweepStatus checks one batch of contracts past the cursor and returns the
// new cursor. At the end of the backlog the cursor wraps to the start, so
// pairs that went inconsistent behind it are re-checked on later passes.
func (r *Reconciler) sweepStatus(ctx context.Context, status Status, cur sweepCursor, ensure func(context.Context, string) error) sweepCursor {
	batch, err := r.store.ListByStatus(ctx, status, cur.createdAt, cur.id, sweepBatchSize)
	if err != nil {
		r.logger.Warn("failed to list settled contracts", "status", string(status), "error", err)
		return cur
	}
	for _, c := range batch {
		if err := ensure(ctx, c.TradeID); err != nil {
			r.logger.Warn("irreconcilable contract/trade pair",
				"escrowId", c.ID, "tradeId", c.TradeID,
				"contractStatus", string(c.Status), "error", err)
		}
	}

	if len(batch) < sweepBatchSize {
		return sweepCursor{}
	}
	last := batch[len(batch)-1]
	return sweepCursor{createdAt: last.CreatedAt, id: last.ID}
}
