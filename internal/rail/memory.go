package rail

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/tradeloop/peerswap/internal/idgen"
)

// opOutcome records the result of a completed rail operation so replays with
// the same idempotency key return the original reference.
type opOutcome struct {
	ref string
	err error
}

// contract tracks locked funds in the memory rail.
type contract struct {
	key      string
	amount   *big.Int
	currency string
	payerRef string
	settled  bool // true once released or refunded
}

// Memory is an in-process rail for development and tests. It honors the
// idempotency contract and can be scripted to fail.
type Memory struct {
	mu        sync.Mutex
	locks     map[string]opOutcome // idempotency key -> outcome
	releases  map[string]opOutcome
	refunds   map[string]opOutcome
	contracts map[string]*contract // contract ref -> contract

	// failures scripts the next N calls per operation to fail with err.
	failures map[string]*failureScript

	// calls counts invocations per operation, scripted failures and
	// idempotent replays included.
	calls map[string]int
}

type failureScript struct {
	err       error
	remaining int
}

// NewMemory creates an empty memory rail.
func NewMemory() *Memory {
	return &Memory{
		locks:     make(map[string]opOutcome),
		releases:  make(map[string]opOutcome),
		refunds:   make(map[string]opOutcome),
		contracts: make(map[string]*contract),
		failures:  make(map[string]*failureScript),
		calls:     make(map[string]int),
	}
}

var _ Rail = (*Memory)(nil)

func (m *Memory) Name() string { return "memory" }

// FailNext makes the next n calls to op ("lock", "release", "refund") fail
// with err. Scripted failures happen before the idempotency check, matching
// a rail that errors before recording the request.
func (m *Memory) FailNext(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = &failureScript{err: err, remaining: n}
}

func (m *Memory) scriptedFailure(op string) error {
	if s, ok := m.failures[op]; ok && s.remaining > 0 {
		s.remaining--
		return s.err
	}
	return nil
}

func (m *Memory) Lock(_ context.Context, key string, amount *big.Int, currency, payerRef string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls["lock"]++
	if err := m.scriptedFailure("lock"); err != nil {
		return "", err
	}

	if out, ok := m.locks[key]; ok {
		return out.ref, out.err
	}

	if amount == nil || amount.Sign() <= 0 {
		err := Fatal(fmt.Errorf("lock %s: non-positive amount", key))
		m.locks[key] = opOutcome{err: err}
		return "", err
	}

	ref := idgen.WithPrefix("mct_")
	m.contracts[ref] = &contract{
		key:      key,
		amount:   new(big.Int).Set(amount),
		currency: currency,
		payerRef: payerRef,
	}
	m.locks[key] = opOutcome{ref: ref}
	return ref, nil
}

func (m *Memory) Release(_ context.Context, key, contractRef, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls["release"]++
	if err := m.scriptedFailure("release"); err != nil {
		return "", err
	}

	if out, ok := m.releases[key]; ok {
		return out.ref, out.err
	}

	ref, err := m.settle(key, contractRef, "release")
	m.releases[key] = opOutcome{ref: ref, err: err}
	return ref, err
}

func (m *Memory) Refund(_ context.Context, key, contractRef, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls["refund"]++
	if err := m.scriptedFailure("refund"); err != nil {
		return "", err
	}

	if out, ok := m.refunds[key]; ok {
		return out.ref, out.err
	}

	ref, err := m.settle(key, contractRef, "refund")
	m.refunds[key] = opOutcome{ref: ref, err: err}
	return ref, err
}

// settle consumes a contract exactly once. Caller holds m.mu.
func (m *Memory) settle(key, contractRef, op string) (string, error) {
	ct, ok := m.contracts[contractRef]
	if !ok || ct.key != key {
		return "", Fatal(fmt.Errorf("%s %s: unknown contract %s", op, key, contractRef))
	}
	if ct.settled {
		return "", Fatal(fmt.Errorf("%s %s: contract %s already settled", op, key, contractRef))
	}
	ct.settled = true
	return idgen.WithPrefix("mst_"), nil
}

// Contracts returns the number of unsettled contracts. Test helper.
func (m *Memory) Contracts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ct := range m.contracts {
		if !ct.settled {
			n++
		}
	}
	return n
}

// LockCalls returns how many times Lock was invoked, scripted failures
// included. Test helper.
func (m *Memory) LockCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls["lock"]
}
