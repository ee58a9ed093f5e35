// Package chain wraps JSON-RPC access to the EVM chain: a read client for
// calls and logs, a wallet for signing and broadcasting, and a websocket
// feed for pending transactions.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Client is a thin wrapper around ethclient with a per-call timeout and
// the handful of operations the bot needs.
type Client struct {
	eth         *ethclient.Client
	chainID     *big.Int
	callTimeout time.Duration
	logger      *slog.Logger
}

// NewClient dials the RPC endpoint and verifies the chain ID matches the
// configured one.
func NewClient(ctx context.Context, rpcURL string, wantChainID int64, callTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	id, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: fetch chain id: %w", err)
	}
	if id.Int64() != wantChainID {
		eth.Close()
		return nil, fmt.Errorf("chain: chain id mismatch: endpoint reports %d, configured %d", id.Int64(), wantChainID)
	}

	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Client{
		eth:         eth,
		chainID:     id,
		callTimeout: callTimeout,
		logger:      logger.With(slog.String("component", "chain")),
	}, nil
}

// ChainID returns the connected chain's ID.
func (c *Client) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.eth.Close() }

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	n, err := c.eth.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// FilterLogs fetches logs for the given query.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	logs, err := c.eth.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs: %w", err)
	}
	return logs, nil
}

// CallContract executes a read-only contract call at the latest block.
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := c.eth.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", callTarget(msg), err)
	}
	return out, nil
}

// EstimateGas estimates the gas required for the given message.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("chain: estimate gas for %s: %w", callTarget(msg), err)
	}
	return gas, nil
}

// SuggestGasPrice returns the node's suggested gas price.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	price, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: suggest gas price: %w", err)
	}
	return price, nil
}

// BalanceAt returns the ETH balance of addr at the latest block.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	bal, err := c.eth.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: balance of %s: %w", addr.Hex(), err)
	}
	return bal, nil
}

// NonceAt returns the pending nonce for addr.
func (c *Client) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	nonce, err := c.eth.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("chain: nonce of %s: %w", addr.Hex(), err)
	}
	return nonce, nil
}

// CodeAt returns the deployed bytecode at addr, empty for EOAs.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	code, err := c.eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: code at %s: %w", addr.Hex(), err)
	}
	return code, nil
}

// TransactionByHash fetches a transaction body, pending or mined.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, false, fmt.Errorf("chain: tx %s: %w", hash.Hex(), err)
	}
	return tx, pending, nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return fmt.Errorf("chain: send tx %s: %w", tx.Hash().Hex(), err)
	}
	return nil
}

// WaitMined polls for the receipt of hash until the context expires.
func (c *Client) WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if err != ethereum.NotFound {
			c.logger.Debug("receipt poll failed", slog.String("tx", hash.Hex()), slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chain: wait for tx %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func callTarget(msg ethereum.CallMsg) string {
	if msg.To == nil {
		return "contract creation"
	}
	return msg.To.Hex()
}
