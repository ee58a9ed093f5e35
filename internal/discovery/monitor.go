// Package discovery watches the chain for new trading opportunities: pool
// creation events polled from factory logs and liquidity adds observed in
// the pending-transaction stream.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/Luisqbd/sniperbot/internal/config"
	"github.com/Luisqbd/sniperbot/internal/domain"
)

// PairCreated(address,address,address,uint256) as emitted by V2 factories.
var pairCreatedTopic = common.HexToHash("0x0d3648bd0f6ba80134a33ba9275ac585d9d315f0ad8355cddefde31afa28d0e9")

// Router calldata selectors that add initial liquidity.
var (
	selAddLiquidityETH = [4]byte{0xf3, 0x05, 0xd7, 0x19}
	selAddLiquidity    = [4]byte{0xe8, 0xe3, 0x37, 0x00}
)

// LogSource is the chain access the monitor polls. *chain.Client satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// TxFetcher resolves a pending transaction hash into its body, used to
// classify mempool observations.
type TxFetcher interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Inspector enriches a raw token address into a full domain.Token.
type Inspector interface {
	Inspect(ctx context.Context, tokenAddress, poolAddress string) (domain.Token, error)
}

// Handler receives each deduplicated candidate. Called from the monitor's
// own goroutines; implementations must be concurrency safe.
type Handler func(ctx context.Context, c domain.Candidate)

// Monitor discovers candidate tokens. The pool poller scans PairCreated
// logs at a fixed interval; the mempool path classifies pending
// transactions at the active mode's cadence. Both paths dedupe through the
// shared seen-set, so a token discovered in the mempool is not re-emitted
// when its pool event lands.
type Monitor struct {
	cfg       config.DiscoveryConfig
	factories map[common.Address]string // factory -> dex name
	routers   map[common.Address]string // router -> dex name
	weth      common.Address
	logs      LogSource
	txs       TxFetcher
	seen      domain.SeenSet
	inspector Inspector
	handler   Handler
	logger    *slog.Logger

	mu          sync.Mutex
	lastBlock   uint64
	pendingHash chan common.Hash
	interval    time.Duration // mempool drain cadence, swapped on mode change
}

// NewMonitor builds a monitor over the configured routes.
func NewMonitor(
	cfg config.DiscoveryConfig,
	routes []domain.DexRoute,
	wethAddress string,
	logs LogSource,
	txs TxFetcher,
	seen domain.SeenSet,
	inspector Inspector,
	handler Handler,
	logger *slog.Logger,
) *Monitor {
	factories := make(map[common.Address]string, len(routes))
	routers := make(map[common.Address]string, len(routes))
	for _, r := range routes {
		factories[common.HexToAddress(r.Factory)] = r.Name
		routers[common.HexToAddress(r.Router)] = r.Name
	}
	return &Monitor{
		cfg:         cfg,
		factories:   factories,
		routers:     routers,
		weth:        common.HexToAddress(wethAddress),
		logs:        logs,
		txs:         txs,
		seen:        seen,
		inspector:   inspector,
		handler:     handler,
		logger:      logger.With(slog.String("component", "discovery")),
		pendingHash: make(chan common.Hash, 4096),
		interval:    200 * time.Millisecond,
	}
}

// SetMempoolInterval swaps the mempool drain cadence; called on mode change.
func (m *Monitor) SetMempoolInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

func (m *Monitor) mempoolInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

// OnPendingTx receives a pending transaction hash from the websocket feed.
// Non-blocking: when the buffer is full the hash is dropped, the pool
// poller will catch the token anyway.
func (m *Monitor) OnPendingTx(hash common.Hash) {
	select {
	case m.pendingHash <- hash:
	default:
	}
}

// RunPools polls factory PairCreated logs until ctx is cancelled.
// Transient RPC failures back off exponentially up to the configured cap;
// repeated authorization failures are fatal since retrying cannot fix a
// revoked key.
func (m *Monitor) RunPools(ctx context.Context) error {
	backoff := m.cfg.Interval.Duration
	authFailures := 0

	for {
		err := m.pollPoolsOnce(ctx)
		switch {
		case err == nil:
			backoff = m.cfg.Interval.Duration
			authFailures = 0
		case errors.Is(err, context.Canceled):
			return err
		case isAuthError(err):
			authFailures++
			if authFailures >= m.cfg.MaxAuthFailures {
				return fmt.Errorf("discovery: %d consecutive authorization failures: %w", authFailures, err)
			}
			m.logger.Error("rpc authorization failure", slog.Int("count", authFailures), slog.Any("error", err))
		default:
			m.logger.Warn("pool poll failed", slog.Any("error", err), slog.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		if err != nil {
			backoff *= 2
			if max := m.cfg.MaxBackoff.Duration; max > 0 && backoff > max {
				backoff = max
			}
		}
	}
}

func (m *Monitor) pollPoolsOnce(ctx context.Context) error {
	head, err := m.logs.BlockNumber(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	from := m.lastBlock
	m.mu.Unlock()
	if from == 0 {
		// First pass starts at the head; history is not sniped.
		m.mu.Lock()
		m.lastBlock = head
		m.mu.Unlock()
		return nil
	}
	if head <= from {
		return nil
	}

	addresses := make([]common.Address, 0, len(m.factories))
	for addr := range m.factories {
		addresses = append(addresses, addr)
	}
	logs, err := m.logs.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from + 1),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: addresses,
		Topics:    [][]common.Hash{{pairCreatedTopic}},
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.lastBlock = head
	m.mu.Unlock()

	for _, lg := range logs {
		m.handlePairCreated(ctx, lg)
	}
	return nil
}

func (m *Monitor) handlePairCreated(ctx context.Context, lg types.Log) {
	if len(lg.Topics) < 3 || len(lg.Data) < 32 {
		return
	}
	token0 := common.BytesToAddress(lg.Topics[1].Bytes())
	token1 := common.BytesToAddress(lg.Topics[2].Bytes())
	pair := common.BytesToAddress(lg.Data[:32])

	token := token0
	if token0 == m.weth {
		token = token1
	} else if token1 != m.weth {
		// Not a WETH pool; the bot only trades against the native pair.
		return
	}

	m.emit(ctx, token, pair, m.factories[lg.Address], domain.SourcePoolCreated, lg.BlockNumber, lg.TxHash.Hex())
}

// RunMempool drains classified pending transactions at the mode's cadence
// until ctx is cancelled.
func (m *Monitor) RunMempool(ctx context.Context) error {
	if !m.cfg.MempoolEnabled {
		<-ctx.Done()
		return ctx.Err()
	}

	timer := time.NewTimer(m.mempoolInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			m.drainPending(ctx)
			timer.Reset(m.mempoolInterval())
		}
	}
}

func (m *Monitor) drainPending(ctx context.Context) {
	for {
		select {
		case hash := <-m.pendingHash:
			m.classifyPending(ctx, hash)
		default:
			return
		}
	}
}

func (m *Monitor) classifyPending(ctx context.Context, hash common.Hash) {
	tx, pending, err := m.txs.TransactionByHash(ctx, hash)
	if err != nil || !pending || tx == nil || tx.To() == nil {
		return
	}
	dexName, ok := m.routers[*tx.To()]
	if !ok {
		return
	}

	data := tx.Data()
	if len(data) < 4+32 {
		return
	}
	var sel [4]byte
	copy(sel[:], data[:4])

	var token common.Address
	switch sel {
	case selAddLiquidityETH:
		// addLiquidityETH(token, ...): first argument.
		token = common.BytesToAddress(data[4+12 : 4+32])
	case selAddLiquidity:
		// addLiquidity(tokenA, tokenB, ...): take the non-WETH leg.
		if len(data) < 4+64 {
			return
		}
		a := common.BytesToAddress(data[4+12 : 4+32])
		b := common.BytesToAddress(data[4+32+12 : 4+64])
		switch {
		case a == m.weth:
			token = b
		case b == m.weth:
			token = a
		default:
			return
		}
	default:
		return
	}

	m.emit(ctx, token, common.Address{}, dexName, domain.SourceMempool, 0, hash.Hex())
}

// emit dedupes, enriches and hands a candidate to the handler.
func (m *Monitor) emit(ctx context.Context, token, pool common.Address, dexName string, source domain.CandidateSource, block uint64, txHash string) {
	addr := strings.ToLower(token.Hex())
	dup, err := m.seen.MarkSeen(ctx, addr)
	if err != nil {
		m.logger.Warn("seen-set unavailable, emitting anyway", slog.Any("error", err))
	} else if dup {
		return
	}

	tok, err := m.inspector.Inspect(ctx, token.Hex(), pool.Hex())
	if err != nil {
		m.logger.Debug("token inspection failed",
			slog.String("token", token.Hex()),
			slog.Any("error", err),
		)
		return
	}

	// Classification is by age: anything older than the snipe horizon is
	// treated as an established altcoin.
	class := domain.ClassMemecoin
	if tok.Age(time.Now()) > 48*time.Hour {
		class = domain.ClassAltcoin
	}

	c := domain.Candidate{
		Token:       tok,
		Class:       class,
		DexName:     dexName,
		BlockNumber: block,
		TxHash:      txHash,
		Source:      source,
		ObservedAt:  time.Now(),
	}
	m.logger.Info("candidate discovered",
		slog.String("token", tok.Address),
		slog.String("symbol", tok.Symbol),
		slog.String("source", string(source)),
		slog.String("dex", dexName),
	)
	m.handler(ctx, c)
}

// isAuthError sniffs common RPC provider auth failure strings.
func isAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "401") ||
		strings.Contains(msg, "403") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "project id")
}
