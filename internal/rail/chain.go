package rail

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/tradeloop/peerswap/internal/idgen"
)

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}
]`

const (
	// defaultGasLimit for ERC20 transfers when estimation fails
	defaultGasLimit = uint64(100000)

	// confirmationTimeout for waiting on settlement transactions
	confirmationTimeout = 90 * time.Second

	// confirmationPollInterval between receipt checks
	confirmationPollInterval = 2 * time.Second
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ChainConfig configures the on-chain rail.
type ChainConfig struct {
	RPCURL        string
	PrivateKey    string // Custody wallet key; hex, with or without 0x prefix
	ChainID       int64
	TokenContract string // ERC-20 used for settlement
}

// ChainOption configures the chain rail.
type ChainOption func(*Chain)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) ChainOption {
	return func(c *Chain) {
		c.client = client
	}
}

// Chain settles trades in an ERC-20 token held by a custody wallet. Payers
// deposit to the custody address out of band; Lock verifies cover and
// reserves the amount, Release transfers custody -> payee on chain, and
// Refund transfers custody -> payer. Settlement transactions are awaited
// until mined so a returned reference is final.
//
// Idempotency is tracked in process: a restart mid-settlement relies on the
// escrow reconciler to re-drive unfinished contracts.
type Chain struct {
	client        EthClient
	privateKey    *ecdsa.PrivateKey
	custody       common.Address
	chainID       *big.Int
	tokenContract common.Address
	tokenABI      abi.ABI
	pollInterval  time.Duration

	mu        sync.Mutex
	locks     map[string]opOutcome
	releases  map[string]opOutcome
	refunds   map[string]opOutcome
	contracts map[string]*contract
	held      *big.Int // total locked and not yet settled
}

var _ Rail = (*Chain)(nil)

// NewChain creates an on-chain rail instance.
func NewChain(cfg ChainConfig, opts ...ChainOption) (*Chain, error) {
	if cfg.TokenContract == "" {
		return nil, fmt.Errorf("chain rail: token contract required")
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain rail: chain ID required")
	}

	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain rail: invalid private key: %w", err)
	}

	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("chain rail: failed to derive public key")
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain rail: parse ERC20 ABI: %w", err)
	}

	c := &Chain{
		privateKey:    privateKey,
		custody:       crypto.PubkeyToAddress(*publicKey),
		chainID:       big.NewInt(cfg.ChainID),
		tokenContract: common.HexToAddress(cfg.TokenContract),
		tokenABI:      parsedABI,
		pollInterval:  confirmationPollInterval,
		locks:         make(map[string]opOutcome),
		releases:      make(map[string]opOutcome),
		refunds:       make(map[string]opOutcome),
		contracts:     make(map[string]*contract),
		held:          big.NewInt(0),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("chain rail: RPC URL required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain rail: dial RPC: %w", err)
		}
		c.client = client
	}

	return c, nil
}

func (c *Chain) Name() string { return "chain" }

// CustodyAddress returns the custody wallet's address.
func (c *Chain) CustodyAddress() string {
	return c.custody.Hex()
}

// balanceOf reads the token balance of an address.
func (c *Chain) balanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.tokenABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, fmt.Errorf("pack balanceOf call: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &c.tokenContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("call balanceOf: %w", err)
	}

	balance := new(big.Int)
	balance.SetBytes(result)
	return balance, nil
}

func (c *Chain) Lock(ctx context.Context, key string, amount *big.Int, currency, payerRef string) (string, error) {
	c.mu.Lock()
	if out, ok := c.locks[key]; ok {
		c.mu.Unlock()
		return out.ref, out.err
	}
	held := new(big.Int).Set(c.held)
	c.mu.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		err := Fatal(fmt.Errorf("lock %s: non-positive amount", key))
		c.record(c.locks, key, opOutcome{err: err})
		return "", err
	}

	// Custody must cover everything already held plus this lock.
	balance, err := c.balanceOf(ctx, c.custody)
	if err != nil {
		return "", Retryable(fmt.Errorf("lock %s: %w", key, err))
	}
	needed := new(big.Int).Add(held, amount)
	if balance.Cmp(needed) < 0 {
		err := Fatal(fmt.Errorf("lock %s: custody deposit from %s does not cover amount", key, payerRef))
		c.record(c.locks, key, opOutcome{err: err})
		return "", err
	}

	ref := idgen.WithPrefix("cct_")
	c.mu.Lock()
	c.contracts[ref] = &contract{
		key:      key,
		amount:   new(big.Int).Set(amount),
		currency: currency,
		payerRef: payerRef,
	}
	c.held.Add(c.held, amount)
	c.locks[key] = opOutcome{ref: ref}
	c.mu.Unlock()
	return ref, nil
}

func (c *Chain) Release(ctx context.Context, key, contractRef, payeeRef string) (string, error) {
	return c.settleOnChain(ctx, c.releases, key, contractRef, payeeRef, "release")
}

func (c *Chain) Refund(ctx context.Context, key, contractRef, payerRef string) (string, error) {
	return c.settleOnChain(ctx, c.refunds, key, contractRef, payerRef, "refund")
}

// settleOnChain transfers a contract's amount from custody to recipient and
// waits for the transaction to be mined.
func (c *Chain) settleOnChain(ctx context.Context, outcomes map[string]opOutcome, key, contractRef, recipient, op string) (string, error) {
	c.mu.Lock()
	if out, ok := outcomes[key]; ok {
		c.mu.Unlock()
		return out.ref, out.err
	}

	ct, ok := c.contracts[contractRef]
	if !ok || ct.key != key {
		c.mu.Unlock()
		err := Fatal(fmt.Errorf("%s %s: unknown contract %s", op, key, contractRef))
		c.record(outcomes, key, opOutcome{err: err})
		return "", err
	}
	if ct.settled {
		c.mu.Unlock()
		err := Fatal(fmt.Errorf("%s %s: contract %s already settled", op, key, contractRef))
		c.record(outcomes, key, opOutcome{err: err})
		return "", err
	}
	amount := new(big.Int).Set(ct.amount)
	c.mu.Unlock()

	if !common.IsHexAddress(recipient) {
		err := Fatal(fmt.Errorf("%s %s: invalid recipient address %q", op, key, recipient))
		c.record(outcomes, key, opOutcome{err: err})
		return "", err
	}

	txHash, err := c.transfer(ctx, common.HexToAddress(recipient), amount)
	if err != nil {
		// Funds did not move; the operation can be retried.
		return "", Retryable(fmt.Errorf("%s %s: %w", op, key, err))
	}

	if err := c.waitMined(ctx, txHash); err != nil {
		// The transaction was broadcast but not confirmed; surface as
		// retryable and let the reconciler sort out the final state.
		return "", Retryable(fmt.Errorf("%s %s: %w", op, key, err))
	}

	c.mu.Lock()
	ct.settled = true
	c.held.Sub(c.held, amount)
	outcomes[key] = opOutcome{ref: txHash}
	c.mu.Unlock()
	return txHash, nil
}

func (c *Chain) record(outcomes map[string]opOutcome, key string, out opOutcome) {
	c.mu.Lock()
	outcomes[key] = out
	c.mu.Unlock()
}

// transfer signs and broadcasts an ERC-20 transfer from the custody wallet.
func (c *Chain) transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	data, err := c.tokenABI.Pack("transfer", to, amount)
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.custody)
	if err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price: %w", err)
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.custody,
		To:    &c.tokenContract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		// Use default if estimation fails
		gasLimit = defaultGasLimit
	}

	tx := types.NewTransaction(nonce, c.tokenContract, big.NewInt(0), gasLimit, gasPrice, data)

	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	return signedTx.Hash().Hex(), nil
}

// waitMined polls for the transaction receipt until mined or timeout.
func (c *Chain) waitMined(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out waiting for tx %s", txHash)
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := c.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Transaction not yet mined, continue waiting
				continue
			}
			if receipt.Status == 0 {
				return fmt.Errorf("tx %s reverted", txHash)
			}
			return nil
		}
	}
}

// Close closes the RPC client connection.
func (c *Chain) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
