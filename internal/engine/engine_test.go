package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luisqbd/sniperbot/internal/chain"
	"github.com/Luisqbd/sniperbot/internal/config"
	"github.com/Luisqbd/sniperbot/internal/dex"
	"github.com/Luisqbd/sniperbot/internal/domain"
	"github.com/Luisqbd/sniperbot/internal/risk"
)

// --- fakes ---

type passScreener struct {
	pass  bool
	score int
}

func (s passScreener) Screen(context.Context, domain.Token, domain.TokenClass) (domain.SecurityVerdict, error) {
	v := domain.NewVerdict()
	v.Score = s.score
	if !s.pass {
		v.Reject("unsafe")
	}
	return v, nil
}

type screenerFunc func(context.Context, domain.Token, domain.TokenClass) (domain.SecurityVerdict, error)

func (f screenerFunc) Screen(ctx context.Context, tok domain.Token, class domain.TokenClass) (domain.SecurityVerdict, error) {
	return f(ctx, tok, class)
}

type fakeWallet struct {
	balance float64
	err     error
}

func (w *fakeWallet) BalanceETH(context.Context) (float64, error) {
	return w.balance, w.err
}

// fakeExecutor prices everything at a scriptable price and can be told to
// fail executions. The hook fields let a test interleave control events
// with an execution in flight; set them before any goroutine trades.
type fakeExecutor struct {
	mu        sync.Mutex
	price     float64 // native units per token
	execErr   error
	buys      int
	sells     int
	sellSizes []float64     // token amounts sold, in order
	onBuy     func()        // runs before a buy executes
	sellEnter chan struct{} // receives a token when a sell begins
	sellHold  chan struct{} // when non-nil, sells block here before executing
}

func (f *fakeExecutor) setPrice(p float64) {
	f.mu.Lock()
	f.price = p
	f.mu.Unlock()
}

func (f *fakeExecutor) BestQuote(_ context.Context, side domain.Side, _ string, amountIn *big.Int) (domain.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.quoteOut(side, amountIn)
	return domain.Quote{Side: side, AmountIn: amountIn, AmountOut: out, Price: f.price}, nil
}

func (f *fakeExecutor) quoteOut(side domain.Side, amountIn *big.Int) *big.Int {
	in := chain.WeiToETH(amountIn)
	if side == domain.SideBuy {
		return chain.ETHToWei(in / f.price) // ETH in -> tokens out
	}
	return chain.ETHToWei(in * f.price) // tokens in -> ETH out
}

func (f *fakeExecutor) ExecuteWithFallback(_ context.Context, side domain.Side, _ string, amountIn *big.Int, _ dex.ExecLimits) (domain.ExecutionResult, error) {
	if side == domain.SideBuy && f.onBuy != nil {
		f.onBuy()
	}
	if side == domain.SideSell {
		if f.sellEnter != nil {
			f.sellEnter <- struct{}{}
		}
		if f.sellHold != nil {
			<-f.sellHold
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return domain.ExecutionResult{}, f.execErr
	}
	if side == domain.SideBuy {
		f.buys++
	} else {
		f.sells++
		f.sellSizes = append(f.sellSizes, chain.WeiToETH(amountIn))
	}
	return domain.ExecutionResult{
		DexName:   "fake",
		Side:      side,
		TxHash:    "0xfake",
		AmountIn:  amountIn,
		AmountOut: f.quoteOut(side, amountIn),
		Price:     f.price,
	}, nil
}

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: map[string]domain.Position{}}
}

func (s *memPositionStore) Create(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	return nil
}

func (s *memPositionStore) Update(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ID] = p
	return nil
}

func (s *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositionStore) GetOpen(context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositionStore) ListHistory(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

type memStateStore struct {
	mu    sync.Mutex
	state *domain.EngineState
}

func (s *memStateStore) Save(_ context.Context, st domain.EngineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = &st
	return nil
}

func (s *memStateStore) Load(context.Context) (domain.EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return domain.EngineState{}, domain.ErrNotFound
	}
	return *s.state, nil
}

type memTradeStore struct {
	mu      sync.Mutex
	records []domain.TradeRecord
}

func (s *memTradeStore) Record(_ context.Context, t domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, t)
	return nil
}

func (s *memTradeStore) ListSince(context.Context, time.Time) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TradeRecord(nil), s.records...), nil
}

// --- harness ---

type harness struct {
	engine   *Engine
	executor *fakeExecutor
	wallet   *fakeWallet
	store    *memPositionStore
	state    *memStateStore
	trades   *memTradeStore
	risk     *risk.Manager
}

func testModes() map[domain.ModeName]domain.Mode {
	cfg := config.Defaults()
	return map[domain.ModeName]domain.Mode{
		domain.ModeNormal: cfg.Modes.Normal.Mode(domain.ModeNormal),
		domain.ModeTurbo:  cfg.Modes.Turbo.Mode(domain.ModeTurbo),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	riskCfg := config.Defaults().Risk
	riskCfg.MaxExposureETH = 0.05
	riskCfg.Cooldown.Duration = 0
	riskCfg.MaxLossStreak = 100
	riskCfg.DailyDrawdownETH = 100

	trades := &memTradeStore{}
	manager := risk.NewManager(riskCfg, trades, logger)
	executor := &fakeExecutor{price: 0.0001}
	wallet := &fakeWallet{balance: 1}
	store := newMemPositionStore()
	state := &memStateStore{}

	classCfg := config.Defaults().Class
	eng := New(testModes(), domain.ModeNormal,
		passScreener{pass: true, score: 90},
		executor, wallet, manager, store, state, nil, nil, classCfg, 0.002, logger)

	return &harness{engine: eng, executor: executor, wallet: wallet, store: store, state: state, trades: trades, risk: manager}
}

func memeCandidate() domain.Candidate {
	return domain.Candidate{
		Token: domain.Token{
			Address:      "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			Symbol:       "MEME",
			Decimals:     18,
			DiscoveredAt: time.Now(),
			LiquidityETH: 1,
			Holders:      100,
			Verified:     true,
		},
		Class:      domain.ClassMemecoin,
		DexName:    "fake",
		Source:     domain.SourcePoolCreated,
		ObservedAt: time.Now(),
	}
}

// --- tests ---

func TestEntryOpensPosition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnCandidate(ctx, memeCandidate()))

	open := h.engine.OpenPositions()
	require.Len(t, open, 1)
	p := open[0]
	assert.Equal(t, domain.PositionOpen, p.Status)
	assert.InDelta(t, 0.0008, p.EntrySizeETH, 1e-12)
	assert.InDelta(t, 0.0001, p.EntryPrice, 1e-15)
	assert.InDelta(t, 8.0, p.RemainingTokens, 1e-9) // 0.0008 / 0.0001
	assert.InDelta(t, 0.0001*(1-0.12), p.StopPrice, 1e-15)
	require.Len(t, p.TakeProfits, 4)
	assert.InDelta(t, 0.0008, h.risk.ExposureETH(), 1e-12)

	// Position persisted for restart safety.
	stored, err := h.store.GetByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, stored.ID)
}

func TestFailedEntryReleasesExposure(t *testing.T) {
	h := newHarness(t)
	h.executor.execErr = &domain.ExecutionError{Failures: []domain.RouteFailure{{DexName: "fake", Reason: errors.New("reverted")}}}

	err := h.engine.OnCandidate(context.Background(), memeCandidate())
	require.ErrorIs(t, err, domain.ErrAllRoutesFailed)
	assert.InDelta(t, 0, h.risk.ExposureETH(), 1e-12)
	assert.Empty(t, h.engine.OpenPositions())
}

func TestRejectedCandidateCommitsNothing(t *testing.T) {
	h := newHarness(t)
	h.engine.screener = passScreener{pass: false}

	err := h.engine.OnCandidate(context.Background(), memeCandidate())
	require.ErrorIs(t, err, domain.ErrSecurityRejected)
	assert.Equal(t, 0, h.executor.buys)
	assert.InDelta(t, 0, h.risk.ExposureETH(), 1e-12)
}

func TestMaxPositionsEnforced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c := memeCandidate()
	require.NoError(t, h.engine.OnCandidate(ctx, c))
	c.Token.Address = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	require.NoError(t, h.engine.OnCandidate(ctx, c))

	// Normal mode caps at 2 concurrent positions.
	c.Token.Address = "0xcccccccccccccccccccccccccccccccccccccccc"
	err := h.engine.OnCandidate(ctx, c)
	require.ErrorIs(t, err, domain.ErrMaxPositions)
}

func TestPauseBlocksOnlyEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnCandidate(ctx, memeCandidate()))
	h.engine.Pause(ctx)

	// New entries are refused.
	c := memeCandidate()
	c.Token.Address = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	require.ErrorIs(t, h.engine.OnCandidate(ctx, c), domain.ErrEnginePaused)

	// Exits still run: a price collapse under the stop closes the position.
	h.executor.setPrice(0.00005)
	h.engine.superviseOnce(ctx)
	assert.Empty(t, h.engine.OpenPositions(), "stop loss must fire while paused")

	h.engine.Resume(ctx)
	require.NoError(t, h.engine.OnCandidate(ctx, c))
}

func TestSetModeSwapsBundleAtomically(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnCandidate(ctx, memeCandidate()))
	captured := h.engine.OpenPositions()[0]

	var swapped []domain.Mode
	h.engine.OnModeSwap(func(m domain.Mode) { swapped = append(swapped, m) })
	require.NoError(t, h.engine.SetMode(ctx, domain.ModeTurbo))

	m := h.engine.Mode()
	assert.Equal(t, domain.ModeTurbo, m.Name)
	assert.InDelta(t, 0.0012, m.TradeSizeETH, 1e-12)
	require.Len(t, swapped, 1)

	// The open position keeps the exit parameters captured at entry.
	after := h.engine.OpenPositions()[0]
	assert.Equal(t, captured.StopPrice, after.StopPrice)
	assert.Equal(t, captured.TrailingStopPct, after.TrailingStopPct)
	assert.Equal(t, captured.TakeProfits, after.TakeProfits)

	require.Error(t, h.engine.SetMode(ctx, "warp"))
}

func TestEmergencyStopIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnCandidate(ctx, memeCandidate()))
	c := memeCandidate()
	c.Token.Address = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	require.NoError(t, h.engine.OnCandidate(ctx, c))

	require.NoError(t, h.engine.EmergencyStop(ctx))
	assert.Empty(t, h.engine.OpenPositions())
	assert.InDelta(t, 0, h.risk.ExposureETH(), 1e-12)
	sellsAfterFirst := h.executor.sells

	// Second call: no positions to liquidate, no extra sells, no error.
	require.NoError(t, h.engine.EmergencyStop(ctx))
	assert.Equal(t, sellsAfterFirst, h.executor.sells)

	// Entries refused after stop.
	err := h.engine.OnCandidate(ctx, memeCandidate())
	require.ErrorIs(t, err, domain.ErrEngineStopped)

	// Closed positions carry the emergency reason.
	h.trades.mu.Lock()
	defer h.trades.mu.Unlock()
	require.Len(t, h.trades.records, 2)
	for _, r := range h.trades.records {
		assert.Equal(t, domain.CloseEmergency, r.Reason)
	}
}

func TestStopHaltsEntriesWithoutLiquidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnCandidate(ctx, memeCandidate()))
	h.engine.Stop(ctx)

	c := memeCandidate()
	c.Token.Address = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	require.ErrorIs(t, h.engine.OnCandidate(ctx, c), domain.ErrEngineStopped)

	// A plain stop leaves the book untouched.
	assert.Len(t, h.engine.OpenPositions(), 1)
	assert.Equal(t, 0, h.executor.sells)
	assert.True(t, h.engine.Status().Stopped)

	// Exit supervision keeps running while stopped.
	h.executor.setPrice(0.00005)
	h.engine.superviseOnce(ctx)
	assert.Empty(t, h.engine.OpenPositions(), "stop loss must fire while stopped")

	h.executor.setPrice(0.0001)
	h.engine.Start(ctx)
	require.NoError(t, h.engine.OnCandidate(ctx, c))
}

func TestResumeClearsEmergencyStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnCandidate(ctx, memeCandidate()))
	require.NoError(t, h.engine.EmergencyStop(ctx))
	require.ErrorIs(t, h.engine.OnCandidate(ctx, memeCandidate()), domain.ErrEngineStopped)

	h.engine.Resume(ctx)
	assert.False(t, h.engine.Status().Stopped)

	c := memeCandidate()
	c.Token.Address = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	require.NoError(t, h.engine.OnCandidate(ctx, c))
	assert.Len(t, h.engine.OpenPositions(), 1)
}

func TestEmergencyDuringEntryClosesImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Emergency stop lands after the buy has been broadcast but before the
	// position exists. The entry must not survive on the stopped engine.
	var once sync.Once
	h.executor.onBuy = func() {
		once.Do(func() { require.NoError(t, h.engine.EmergencyStop(ctx)) })
	}

	err := h.engine.OnCandidate(ctx, memeCandidate())
	require.ErrorIs(t, err, domain.ErrEngineStopped)

	assert.True(t, h.engine.Status().Stopped)
	assert.Empty(t, h.engine.OpenPositions())
	assert.Equal(t, 1, h.executor.sells, "the broadcast entry must be liquidated")
	assert.InDelta(t, 0, h.risk.ExposureETH(), 1e-12)

	h.trades.mu.Lock()
	defer h.trades.mu.Unlock()
	require.Len(t, h.trades.records, 1)
	assert.Equal(t, domain.CloseEmergency, h.trades.records[0].Reason)
}

func TestHaltDuringScreeningAbortsBeforeBuy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Pause lands while the candidate is still being screened: nothing may
	// be broadcast and no exposure may stay reserved.
	h.engine.screener = screenerFunc(func(ctx context.Context, _ domain.Token, _ domain.TokenClass) (domain.SecurityVerdict, error) {
		h.engine.Pause(ctx)
		return domain.NewVerdict(), nil
	})

	require.ErrorIs(t, h.engine.OnCandidate(ctx, memeCandidate()), domain.ErrEnginePaused)
	assert.Equal(t, 0, h.executor.buys)
	assert.InDelta(t, 0, h.risk.ExposureETH(), 1e-12)
	assert.Empty(t, h.engine.OpenPositions())
}

func TestConcurrentEntriesRespectCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.SetMaxPositions(ctx, 1))

	buyStarted := make(chan struct{})
	buyRelease := make(chan struct{})
	var once sync.Once
	h.executor.onBuy = func() {
		once.Do(func() {
			close(buyStarted)
			<-buyRelease
		})
	}

	firstErr := make(chan error, 1)
	go func() { firstErr <- h.engine.OnCandidate(ctx, memeCandidate()) }()
	<-buyStarted

	// The first entry is mid-buy and not yet in the open set; a second
	// candidate must still count it against the cap.
	c := memeCandidate()
	c.Token.Address = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	require.ErrorIs(t, h.engine.OnCandidate(ctx, c), domain.ErrMaxPositions)

	close(buyRelease)
	require.NoError(t, <-firstErr)
	assert.Len(t, h.engine.OpenPositions(), 1)
}

func TestConcurrentClosesSellOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnCandidate(ctx, memeCandidate()))
	h.executor.sellEnter = make(chan struct{}, 1)
	h.executor.sellHold = make(chan struct{})
	h.executor.setPrice(0.00005) // below the stop

	supervised := make(chan struct{})
	go func() {
		h.engine.superviseOnce(ctx)
		close(supervised)
	}()
	<-h.executor.sellEnter // stop-loss sell is in flight

	// Emergency stop while that sell holds the position's claim: it must
	// not start a second sell for the same tokens.
	require.NoError(t, h.engine.EmergencyStop(ctx))

	close(h.executor.sellHold)
	<-supervised

	assert.Equal(t, 1, h.executor.sells, "exactly one liquidation for the position")
	require.Len(t, h.executor.sellSizes, 1)
	assert.InDelta(t, 8.0, h.executor.sellSizes[0], 1e-9)
	assert.Empty(t, h.engine.OpenPositions())
	assert.InDelta(t, 0, h.risk.ExposureETH(), 1e-12)
	assert.True(t, h.engine.Status().Stopped)

	h.trades.mu.Lock()
	defer h.trades.mu.Unlock()
	require.Len(t, h.trades.records, 1)
	assert.Equal(t, domain.CloseStopLoss, h.trades.records[0].Reason)
}

func TestInsufficientBalanceDeniesEntry(t *testing.T) {
	h := newHarness(t)

	// 0.002 ETH balance minus the 0.002 gas buffer leaves nothing to trade.
	h.wallet.balance = 0.002
	err := h.engine.OnCandidate(context.Background(), memeCandidate())
	require.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.Equal(t, 0, h.executor.buys)
	assert.InDelta(t, 0, h.risk.ExposureETH(), 1e-12)

	h.wallet.balance = 1
	require.NoError(t, h.engine.OnCandidate(context.Background(), memeCandidate()))
}

func TestManualCloseUnknownPosition(t *testing.T) {
	h := newHarness(t)
	err := h.engine.ClosePosition(context.Background(), "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOverridesValidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.SetTradeSize(ctx, 0.002))
	assert.InDelta(t, 0.002, h.engine.Mode().TradeSizeETH, 1e-12)

	require.Error(t, h.engine.SetTradeSize(ctx, -1))
	require.Error(t, h.engine.SetStopLoss(ctx, 1.5))
	require.Error(t, h.engine.SetMaxPositions(ctx, 0))
	require.Error(t, h.engine.SetTakeProfits(ctx, []domain.TakeProfitLevel{
		{Threshold: 0.5, SellFraction: 0.5},
		{Threshold: 0.25, SellFraction: 0.5}, // not ascending
	}))

	// Failed overrides leave the bundle untouched.
	assert.InDelta(t, 0.002, h.engine.Mode().TradeSizeETH, 1e-12)
	assert.InDelta(t, 0.12, h.engine.Mode().StopLossPct, 1e-12)
}

func TestRestoreReloadsOpenPositions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.OnCandidate(ctx, memeCandidate()))
	h.engine.Pause(ctx)
	id := h.engine.OpenPositions()[0].ID

	// A fresh engine over the same stores picks everything back up.
	logger := slog.New(slog.DiscardHandler)
	riskCfg := config.Defaults().Risk
	manager := risk.NewManager(riskCfg, h.trades, logger)
	restored := New(testModes(), domain.ModeNormal,
		passScreener{pass: true, score: 90},
		h.executor, h.wallet, manager, h.store, h.state, nil, nil, config.Defaults().Class, 0.002, logger)
	require.NoError(t, restored.Restore(ctx))

	st := restored.Status()
	assert.True(t, st.Paused)
	assert.Equal(t, 1, st.OpenPositions)
	assert.Equal(t, id, restored.OpenPositions()[0].ID)
	assert.InDelta(t, 0.0008, manager.ExposureETH(), 1e-9)
}

func TestAnalyzeDryRun(t *testing.T) {
	h := newHarness(t)
	v, q, err := h.engine.Analyze(context.Background(), memeCandidate().Token, domain.ClassMemecoin)
	require.NoError(t, err)
	assert.True(t, v.Pass)
	assert.Equal(t, 90, v.Score)
	assert.InDelta(t, 0.0001, q.Price, 1e-15)
	assert.Equal(t, 0, h.executor.buys, "analyze must not trade")
}
