package rail

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const (
	testKey      = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	testToken    = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	testChainID  = 84532
	payeeAddress = "0x00000000000000000000000000000000000000aa"
)

// fakeEthClient mines every transaction immediately.
type fakeEthClient struct {
	mu      sync.Mutex
	balance *big.Int
	nonce   uint64
	sent    []*types.Transaction
	receipt map[common.Hash]*types.Receipt

	sendErr error
}

func newFakeEthClient(balance int64) *fakeEthClient {
	return &fakeEthClient{
		balance: big.NewInt(balance),
		receipt: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeEthClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeEthClient) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEthClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 60_000, nil
}

func (f *fakeEthClient) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.nonce++
	f.sent = append(f.sent, tx)
	f.receipt[tx.Hash()] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(int64(len(f.sent))),
	}
	return nil
}

func (f *fakeEthClient) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipt[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeEthClient) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func (f *fakeEthClient) Close() {}

func newTestChain(t *testing.T, client EthClient) *Chain {
	t.Helper()
	c, err := NewChain(ChainConfig{
		PrivateKey:    testKey,
		ChainID:       testChainID,
		TokenContract: testToken,
	}, WithClient(client))
	if err != nil {
		t.Fatalf("NewChain: %v", err)
	}
	c.pollInterval = 5 * time.Millisecond
	return c
}

func TestChain_LockRequiresCustodyCover(t *testing.T) {
	client := newFakeEthClient(1_000_000) // 1.000000 in custody
	c := newTestChain(t, client)
	ctx := context.Background()

	// Covered lock succeeds.
	ref, err := c.Lock(ctx, "trd_a", big.NewInt(600_000), "USD", payeeAddress)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if ref == "" {
		t.Fatal("Expected contract ref")
	}

	// Second lock would exceed custody balance (600k held + 600k > 1M).
	_, err = c.Lock(ctx, "trd_b", big.NewInt(600_000), "USD", payeeAddress)
	if !IsFatal(err) {
		t.Errorf("Expected fatal error for uncovered lock, got %v", err)
	}
}

func TestChain_ReleaseTransfersAndSettles(t *testing.T) {
	client := newFakeEthClient(10_000_000)
	c := newTestChain(t, client)
	ctx := context.Background()

	ref, err := c.Lock(ctx, "trd_a", big.NewInt(2_000_000), "USD", payeeAddress)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	txHash, err := c.Release(ctx, "trd_a", ref, payeeAddress)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if txHash == "" {
		t.Fatal("Expected tx hash")
	}
	if len(client.sent) != 1 {
		t.Fatalf("Expected 1 transaction, got %d", len(client.sent))
	}

	// Replay returns the same hash without a second transfer.
	again, err := c.Release(ctx, "trd_a", ref, payeeAddress)
	if err != nil {
		t.Fatalf("Release replay: %v", err)
	}
	if again != txHash {
		t.Errorf("Replay returned %s, want %s", again, txHash)
	}
	if len(client.sent) != 1 {
		t.Errorf("Replay moved funds again: %d transactions", len(client.sent))
	}
}

func TestChain_RefundAfterReleaseFatal(t *testing.T) {
	client := newFakeEthClient(10_000_000)
	c := newTestChain(t, client)
	ctx := context.Background()

	ref, _ := c.Lock(ctx, "trd_a", big.NewInt(100_000), "USD", payeeAddress)
	if _, err := c.Release(ctx, "trd_a", ref, payeeAddress); err != nil {
		t.Fatalf("Release: %v", err)
	}

	_, err := c.Refund(ctx, "trd_a", ref, payeeAddress)
	if !IsFatal(err) {
		t.Errorf("Refund after release should be fatal, got %v", err)
	}
}

func TestChain_SendFailureIsRetryable(t *testing.T) {
	client := newFakeEthClient(10_000_000)
	client.sendErr = ethereum.NotFound // any transport error
	c := newTestChain(t, client)
	ctx := context.Background()

	ref, err := c.Lock(ctx, "trd_a", big.NewInt(100_000), "USD", payeeAddress)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	_, err = c.Release(ctx, "trd_a", ref, payeeAddress)
	if !IsRetryable(err) {
		t.Fatalf("Expected retryable error, got %v", err)
	}

	// Clear the fault; the retry settles.
	client.mu.Lock()
	client.sendErr = nil
	client.mu.Unlock()

	if _, err := c.Release(ctx, "trd_a", ref, payeeAddress); err != nil {
		t.Fatalf("Release retry: %v", err)
	}
}

func TestChain_InvalidRecipientFatal(t *testing.T) {
	client := newFakeEthClient(10_000_000)
	c := newTestChain(t, client)
	ctx := context.Background()

	ref, _ := c.Lock(ctx, "trd_a", big.NewInt(100_000), "USD", payeeAddress)
	_, err := c.Release(ctx, "trd_a", ref, "not-an-address")
	if !IsFatal(err) {
		t.Errorf("Expected fatal error for bad recipient, got %v", err)
	}
}
