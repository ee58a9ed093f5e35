// Package engine is the strategy core: it turns screened candidates into
// positions, supervises their exits, and exposes the control surface
// (pause, mode toggle, emergency stop, parameter overrides).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Luisqbd/sniperbot/internal/chain"
	"github.com/Luisqbd/sniperbot/internal/config"
	"github.com/Luisqbd/sniperbot/internal/dex"
	"github.com/Luisqbd/sniperbot/internal/domain"
)

// Executor runs swaps. *dex.Aggregator satisfies it.
type Executor interface {
	BestQuote(ctx context.Context, side domain.Side, token string, amountIn *big.Int) (domain.Quote, error)
	ExecuteWithFallback(ctx context.Context, side domain.Side, token string, amountIn *big.Int, limits dex.ExecLimits) (domain.ExecutionResult, error)
}

// Screener vets candidates before capital is committed.
type Screener interface {
	Screen(ctx context.Context, token domain.Token, class domain.TokenClass) (domain.SecurityVerdict, error)
}

// RiskGate is the risk manager surface the engine consumes.
type RiskGate interface {
	ApproveEntry(sizeETH float64) error
	Release(sizeETH float64)
	ReduceExposure(sizeETH float64)
	RecordClose(ctx context.Context, rec domain.TradeRecord, remainingExposureETH float64) error
	Rehydrate(ctx context.Context, open []domain.Position) error
	State() domain.RiskState
	Stats(openPositions int) domain.Stats
}

// Alerter publishes operator-facing events. The notify package provides the
// real implementation; a nil-safe noop is used when alerting is disabled.
type Alerter interface {
	Alert(ctx context.Context, event, message string)
}

// BalanceReader reports the wallet's spendable native balance.
// *chain.Wallet satisfies it.
type BalanceReader interface {
	BalanceETH(ctx context.Context) (float64, error)
}

// Status is the engine's control-surface snapshot.
type Status struct {
	Mode          domain.ModeName
	Paused        bool
	Stopped       bool
	OpenPositions int
	ExposureETH   float64
	RiskLevel     domain.RiskLevel
}

// Engine owns every position. All position mutation happens under the
// engine's lock, from either the entry path or the exit supervisor, so
// lifecycle transitions are serialized per process.
type Engine struct {
	screener     Screener
	executor     Executor
	wallet       BalanceReader
	risk         RiskGate
	positions    domain.PositionStore
	state        domain.EngineStateStore
	prices       domain.PriceCache
	alerter      Alerter
	classCfg     config.ClassConfig
	gasBufferETH float64
	logger       *slog.Logger
	now          func() time.Time
	onModeSwap   func(domain.Mode) // optional, used to retune discovery cadence

	mu        sync.Mutex
	mode      domain.Mode
	modes     map[domain.ModeName]domain.Mode
	paused    bool
	stopped   bool
	emergency bool // set while an emergency liquidation is in force
	open      map[string]*domain.Position
	entering  int             // entries between slot claim and open-map insert
	closing   map[string]bool // positions with a sell in flight
}

// New builds an engine starting in the given mode. Call Restore before the
// loops start so open positions survive a restart.
func New(
	modes map[domain.ModeName]domain.Mode,
	active domain.ModeName,
	screener Screener,
	executor Executor,
	wallet BalanceReader,
	risk RiskGate,
	positions domain.PositionStore,
	state domain.EngineStateStore,
	prices domain.PriceCache,
	alerter Alerter,
	classCfg config.ClassConfig,
	gasBufferETH float64,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		screener:     screener,
		executor:     executor,
		wallet:       wallet,
		risk:         risk,
		positions:    positions,
		state:        state,
		prices:       prices,
		alerter:      alerter,
		classCfg:     classCfg,
		gasBufferETH: gasBufferETH,
		logger:       logger.With(slog.String("component", "engine")),
		now:          time.Now,
		mode:         modes[active],
		modes:        modes,
		open:         map[string]*domain.Position{},
		closing:      map[string]bool{},
	}
}

// OnModeSwap registers a callback invoked with the new bundle after every
// successful mode change or parameter override.
func (e *Engine) OnModeSwap(fn func(domain.Mode)) {
	e.mu.Lock()
	e.onModeSwap = fn
	e.mu.Unlock()
}

// Restore reloads durable state: the persisted mode/pause/stop flags and
// every open position, then rehydrates the risk manager from both.
func (e *Engine) Restore(ctx context.Context) error {
	st, err := e.state.Load(ctx)
	switch {
	case err == nil:
		e.mu.Lock()
		if m, ok := e.modes[st.Mode]; ok {
			e.mode = m
		}
		e.paused = st.Paused
		e.stopped = st.Stopped
		e.mu.Unlock()
	case errors.Is(err, domain.ErrNotFound):
		// First run.
	default:
		return fmt.Errorf("engine: load state: %w", err)
	}

	openPositions, err := e.positions.GetOpen(ctx)
	if err != nil {
		return fmt.Errorf("engine: load open positions: %w", err)
	}

	e.mu.Lock()
	for i := range openPositions {
		p := openPositions[i]
		e.open[p.ID] = &p
	}
	count := len(e.open)
	mode := e.mode.Name
	e.mu.Unlock()

	if err := e.risk.Rehydrate(ctx, openPositions); err != nil {
		return err
	}

	e.logger.Info("engine state restored",
		slog.String("mode", string(mode)),
		slog.Int("open_positions", count),
	)
	return nil
}

// Mode returns a copy of the active parameter bundle.
func (e *Engine) Mode() domain.Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	m := e.mode
	m.TakeProfits = e.mode.CopyTakeProfits()
	return m
}

// OnCandidate is the entry path: screen, size, approve, execute, open.
// Pause and stop block new entries here and nowhere else; exits keep
// running regardless. An entry slot is claimed up front so concurrent
// candidates from the pool and mempool loops cannot overshoot the
// position cap while a buy is in flight.
func (e *Engine) OnCandidate(ctx context.Context, c domain.Candidate) error {
	mode, err := e.claimEntrySlot()
	if err != nil {
		return err
	}
	defer e.releaseEntrySlot()

	verdict, err := e.screener.Screen(ctx, c.Token, c.Class)
	if err != nil {
		return fmt.Errorf("engine: screen %s: %w", c.Token.Address, err)
	}
	if !verdict.Pass {
		e.logger.Info("candidate rejected",
			slog.String("token", c.Token.Address),
			slog.String("symbol", c.Token.Symbol),
			slog.Any("reasons", verdict.Reasons),
		)
		return fmt.Errorf("engine: %s rejected (%v): %w", c.Token.Symbol, verdict.Reasons, domain.ErrSecurityRejected)
	}

	sizeETH := e.sizeFor(mode, c.Class)
	if err := e.checkBalance(ctx, sizeETH); err != nil {
		return err
	}
	if err := e.risk.ApproveEntry(sizeETH); err != nil {
		return err
	}

	// Last gate before funds are committed: a stop or pause that landed
	// while the candidate was being screened aborts here, ahead of the
	// broadcast.
	if err := e.runState(); err != nil {
		e.risk.Release(sizeETH)
		return err
	}

	result, err := e.executor.ExecuteWithFallback(ctx, domain.SideBuy, c.Token.Address, chain.ETHToWei(sizeETH), dex.ExecLimits{
		MaxSlippageBps:  mode.MaxSlippageBps,
		MaxGasPriceGwei: mode.MaxGasPriceGwei,
	})
	if err != nil {
		// Reserved exposure goes back the moment the entry dies.
		e.risk.Release(sizeETH)
		return fmt.Errorf("engine: buy %s: %w", c.Token.Symbol, err)
	}

	now := e.now()
	token := c.Token
	token.SecurityScore = verdict.Score
	pos := domain.Position{
		ID:              uuid.NewString(),
		Token:           token,
		Class:           c.Class,
		DexName:         result.DexName,
		EntryPrice:      result.Price,
		EntrySizeETH:    sizeETH,
		RemainingTokens: chain.WeiToETH(result.AmountOut),
		OpenedAt:        now,
		TakeProfits:     mode.CopyTakeProfits(),
		StopPrice:       result.Price * (1 - mode.StopLossPct),
		HighWaterMark:   result.Price,
		TrailingStopPct: mode.TrailingStopPct,
		Status:          domain.PositionOpen,
		EntryTxHash:     result.TxHash,
	}

	e.mu.Lock()
	e.open[pos.ID] = &pos
	stoppedNow := e.stopped
	emergencyNow := e.emergency
	e.mu.Unlock()

	if err := e.positions.Create(ctx, pos); err != nil {
		e.logger.Error("position persist failed", slog.String("position", pos.ID), slog.Any("error", err))
	}

	e.logger.Info("position opened",
		slog.String("position", pos.ID),
		slog.String("symbol", token.Symbol),
		slog.String("dex", result.DexName),
		slog.Float64("size_eth", sizeETH),
		slog.Float64("entry_price", result.Price),
	)
	e.alert(ctx, "position_opened", fmt.Sprintf("opened %s on %s, %.4f ETH @ %.8g", token.Symbol, result.DexName, sizeETH, result.Price))

	if stoppedNow {
		// A stop landed while the buy was in flight. The swap is already
		// on-chain, so liquidate right now instead of leaving an open
		// position on a stopped engine.
		reason := domain.CloseManual
		if emergencyNow {
			reason = domain.CloseEmergency
		}
		if err := e.closePosition(ctx, pos.ID, reason); err != nil {
			e.logger.Error("post-stop liquidation failed", slog.String("position", pos.ID), slog.Any("error", err))
		}
		return fmt.Errorf("engine: %s entered during stop, liquidated: %w", token.Symbol, domain.ErrEngineStopped)
	}
	return nil
}

// claimEntrySlot reserves room for one entry against the position cap and
// returns the bundle the entry will trade under. The slot counts toward the
// cap until releaseEntrySlot, covering the window where the buy has been
// sent but the position is not yet in the open map.
func (e *Engine) claimEntrySlot() (domain.Mode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return domain.Mode{}, domain.ErrEngineStopped
	}
	if e.paused {
		return domain.Mode{}, domain.ErrEnginePaused
	}
	mode := e.mode
	if len(e.open)+e.entering >= mode.MaxPositions {
		return domain.Mode{}, fmt.Errorf("engine: %d positions open at cap %d: %w",
			len(e.open)+e.entering, mode.MaxPositions, domain.ErrMaxPositions)
	}
	e.entering++
	return mode, nil
}

func (e *Engine) releaseEntrySlot() {
	e.mu.Lock()
	e.entering--
	e.mu.Unlock()
}

// runState reports the blocking sentinel when entries are halted.
func (e *Engine) runState() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return domain.ErrEngineStopped
	}
	if e.paused {
		return domain.ErrEnginePaused
	}
	return nil
}

// checkBalance denies entries the wallet cannot fund once the gas buffer
// is set aside.
func (e *Engine) checkBalance(ctx context.Context, sizeETH float64) error {
	if e.wallet == nil {
		return nil
	}
	balance, err := e.wallet.BalanceETH(ctx)
	if err != nil {
		return fmt.Errorf("engine: read balance: %w", err)
	}
	if balance-e.gasBufferETH < sizeETH {
		return fmt.Errorf("engine: balance %.6f ETH minus %.6f gas buffer cannot fund %.6f entry: %w",
			balance, e.gasBufferETH, sizeETH, domain.ErrInsufficientBalance)
	}
	return nil
}

// sizeFor applies the class rules to the mode's base trade size.
func (e *Engine) sizeFor(mode domain.Mode, class domain.TokenClass) float64 {
	size := mode.TradeSizeETH
	switch class {
	case domain.ClassAltcoin:
		if e.classCfg.AltcoinSizeMultiplier > 0 {
			size *= e.classCfg.AltcoinSizeMultiplier
		}
	case domain.ClassMemecoin:
		if e.classCfg.MemecoinMaxInvestmentETH > 0 && size > e.classCfg.MemecoinMaxInvestmentETH {
			size = e.classCfg.MemecoinMaxInvestmentETH
		}
	}
	return size
}

// Pause blocks new entries. Open positions keep being supervised and can
// still exit.
func (e *Engine) Pause(ctx context.Context) {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.persistState(ctx)
	e.logger.Info("engine paused")
}

// Resume lifts a pause or stop, re-enabling entries.
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	e.paused = false
	e.stopped = false
	e.emergency = false
	e.mu.Unlock()
	e.persistState(ctx)
	e.logger.Info("engine resumed")
}

// Start clears both halt flags; on a fresh engine it is a no-op. Alias of
// Resume for the control surface's start command.
func (e *Engine) Start(ctx context.Context) {
	e.Resume(ctx)
}

// Stop halts new entries without liquidating anything. Open positions stay
// on the book and keep being supervised; EmergencyStop is the liquidating
// variant.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.persistState(ctx)
	e.logger.Info("engine stopped")
}

// SetMode swaps the whole parameter bundle atomically. Open positions keep
// the exit parameters they captured at entry.
func (e *Engine) SetMode(ctx context.Context, name domain.ModeName) error {
	e.mu.Lock()
	mode, ok := e.modes[name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("engine: unknown mode %q", name)
	}
	e.mode = mode
	cb := e.onModeSwap
	e.mu.Unlock()

	e.persistState(ctx)
	if cb != nil {
		cb(mode)
	}
	e.logger.Info("mode switched", slog.String("mode", string(name)))
	return nil
}

// EmergencyStop liquidates every open position at market and halts the
// engine. Idempotent: a second call finds nothing open and no state to
// change.
func (e *Engine) EmergencyStop(ctx context.Context) error {
	e.mu.Lock()
	already := e.stopped && e.emergency
	e.stopped = true
	e.emergency = true
	count := len(e.open)
	e.mu.Unlock()

	if !already {
		e.persistState(ctx)
		e.alert(ctx, "emergency_stop", fmt.Sprintf("emergency stop: liquidating %d positions", count))
		e.logger.Warn("emergency stop engaged", slog.Int("open_positions", count))
	}

	// Two sweeps: a position whose close no-ops against an in-flight sell
	// claim is picked up again once that sell settles. Exit supervision
	// liquidates anything still racing (see fireTakeProfits).
	var firstErr error
	for sweep := 0; sweep < 2; sweep++ {
		ids := e.openIDs()
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if err := e.closePosition(ctx, id, domain.CloseEmergency); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) openIDs() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ClosePosition liquidates one position at operator request.
func (e *Engine) ClosePosition(ctx context.Context, id string) error {
	return e.closePosition(ctx, id, domain.CloseManual)
}

// closePosition sells a position's full remaining amount and finalizes it.
// Safe to call twice for the same id: the second call finds it gone. When
// another sell already holds the position's claim, the call is a no-op —
// the in-flight close will finalize it.
func (e *Engine) closePosition(ctx context.Context, id string, reason domain.CloseReason) error {
	claimed, exists := e.claimClose(id)
	if !exists {
		return fmt.Errorf("engine: position %s: %w", id, domain.ErrNotFound)
	}
	if !claimed {
		return nil
	}
	defer e.releaseClose(id)
	return e.sellRemaining(ctx, id, reason)
}

// claimClose marks id as having a sell in flight so no second sell can
// start for the same position.
func (e *Engine) claimClose(id string) (claimed, exists bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.open[id]; !ok {
		return false, false
	}
	if e.closing[id] {
		return false, true
	}
	e.closing[id] = true
	return true, true
}

func (e *Engine) releaseClose(id string) {
	e.mu.Lock()
	delete(e.closing, id)
	e.mu.Unlock()
}

// sellRemaining liquidates the position's full remaining amount. The caller
// must hold the close claim for id.
func (e *Engine) sellRemaining(ctx context.Context, id string, reason domain.CloseReason) error {
	e.mu.Lock()
	pos, ok := e.open[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	snapshot := *pos
	mode := e.mode
	e.mu.Unlock()

	result, err := e.executor.ExecuteWithFallback(ctx, domain.SideSell, snapshot.Token.Address,
		chain.ETHToWei(snapshot.RemainingTokens), dex.ExecLimits{
			MaxSlippageBps:  mode.MaxSlippageBps,
			MaxGasPriceGwei: mode.MaxGasPriceGwei,
		})
	if err != nil {
		if reason == domain.CloseEmergency || reason == domain.CloseStopLoss {
			// The exit must land even when every route rejects it: write the
			// position off at a total loss rather than keep risk on the book.
			e.logger.Error("liquidation failed, writing position off",
				slog.String("position", id), slog.Any("error", err))
			return e.finalize(ctx, id, reason, 0, 0)
		}
		return fmt.Errorf("engine: close %s: %w", id, err)
	}

	proceeds := chain.WeiToETH(result.AmountOut)
	return e.finalize(ctx, id, reason, proceeds, result.Price)
}

// finalize books the terminal transition under the lock and settles risk.
func (e *Engine) finalize(ctx context.Context, id string, reason domain.CloseReason, proceedsETH, exitPrice float64) error {
	e.mu.Lock()
	pos, ok := e.open[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	remainingExposure := pos.RemainingExposureETH()
	costBasis := remainingExposure
	pos.RealizedPnL += proceedsETH - costBasis
	pos.RemainingTokens = 0
	pos.Status = domain.PositionClosed
	pos.CloseReason = reason
	now := e.now()
	pos.ClosedAt = &now
	pos.ExitPrice = &exitPrice
	final := *pos
	delete(e.open, id)
	e.mu.Unlock()

	if err := e.positions.Update(ctx, final); err != nil {
		e.logger.Error("position close persist failed", slog.String("position", id), slog.Any("error", err))
	}

	rec := domain.TradeRecord{
		PositionID:   final.ID,
		TokenAddress: final.Token.Address,
		Symbol:       final.Token.Symbol,
		Class:        final.Class,
		SizeETH:      final.EntrySizeETH,
		PnL:          final.RealizedPnL,
		Win:          final.RealizedPnL > 0,
		Reason:       reason,
		ClosedAt:     now,
	}
	if err := e.risk.RecordClose(ctx, rec, remainingExposure); err != nil {
		e.logger.Error("risk close record failed", slog.String("position", id), slog.Any("error", err))
	}

	e.logger.Info("position closed",
		slog.String("position", final.ID),
		slog.String("symbol", final.Token.Symbol),
		slog.String("reason", string(reason)),
		slog.Float64("pnl", final.RealizedPnL),
	)
	e.alert(ctx, "position_closed", fmt.Sprintf("closed %s (%s), pnl %+.6f ETH", final.Token.Symbol, reason, final.RealizedPnL))
	return nil
}

// SetTradeSize overrides the active mode's trade size.
func (e *Engine) SetTradeSize(ctx context.Context, sizeETH float64) error {
	return e.overrideMode(ctx, func(m *domain.Mode) { m.TradeSizeETH = sizeETH })
}

// SetStopLoss overrides the active mode's stop-loss percentage. Open
// positions keep their captured stop.
func (e *Engine) SetStopLoss(ctx context.Context, pct float64) error {
	return e.overrideMode(ctx, func(m *domain.Mode) { m.StopLossPct = pct })
}

// SetMaxPositions overrides the active mode's concurrent position cap.
func (e *Engine) SetMaxPositions(ctx context.Context, n int) error {
	return e.overrideMode(ctx, func(m *domain.Mode) { m.MaxPositions = n })
}

// SetTakeProfits overrides the active mode's take-profit ladder.
func (e *Engine) SetTakeProfits(ctx context.Context, levels []domain.TakeProfitLevel) error {
	return e.overrideMode(ctx, func(m *domain.Mode) {
		m.TakeProfits = append([]domain.TakeProfitLevel(nil), levels...)
	})
}

// overrideMode applies mutate to a copy of the live bundle and swaps it in
// only if the result still validates: an override can never leave an
// invalid mode active.
func (e *Engine) overrideMode(ctx context.Context, mutate func(*domain.Mode)) error {
	e.mu.Lock()
	candidate := e.mode
	candidate.TakeProfits = e.mode.CopyTakeProfits()
	mutate(&candidate)
	if err := candidate.Validate(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: override rejected: %w", err)
	}
	e.mode = candidate
	e.modes[candidate.Name] = candidate
	cb := e.onModeSwap
	e.mu.Unlock()

	e.persistState(ctx)
	if cb != nil {
		cb(candidate)
	}
	return nil
}

// Status reports the control-surface snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		Mode:          e.mode.Name,
		Paused:        e.paused,
		Stopped:       e.stopped,
		OpenPositions: len(e.open),
	}
	e.mu.Unlock()

	rs := e.risk.State()
	s.ExposureETH = rs.ExposureETH
	s.RiskLevel = rs.Level
	return s
}

// OpenPositions returns copies of every open position, newest first.
func (e *Engine) OpenPositions() []domain.Position {
	e.mu.Lock()
	out := make([]domain.Position, 0, len(e.open))
	for _, p := range e.open {
		cp := *p
		cp.TakeProfits = append([]domain.TakeProfitLevel(nil), p.TakeProfits...)
		out = append(out, cp)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// Stats reports lifetime performance.
func (e *Engine) Stats() domain.Stats {
	e.mu.Lock()
	open := len(e.open)
	e.mu.Unlock()
	return e.risk.Stats(open)
}

// Analyze dry-runs the entry path for a token without committing capital:
// the screen verdict plus the best available quote for the mode's size.
func (e *Engine) Analyze(ctx context.Context, token domain.Token, class domain.TokenClass) (domain.SecurityVerdict, domain.Quote, error) {
	verdict, err := e.screener.Screen(ctx, token, class)
	if err != nil {
		return domain.SecurityVerdict{}, domain.Quote{}, err
	}
	e.mu.Lock()
	size := e.sizeFor(e.mode, class)
	e.mu.Unlock()

	quote, err := e.executor.BestQuote(ctx, domain.SideBuy, token.Address, chain.ETHToWei(size))
	if err != nil {
		return verdict, domain.Quote{}, err
	}
	return verdict, quote, nil
}

func (e *Engine) persistState(ctx context.Context) {
	e.mu.Lock()
	st := domain.EngineState{
		Mode:      e.mode.Name,
		Paused:    e.paused,
		Stopped:   e.stopped,
		UpdatedAt: e.now(),
	}
	e.mu.Unlock()

	if err := e.state.Save(ctx, st); err != nil {
		e.logger.Error("engine state persist failed", slog.Any("error", err))
	}
}

func (e *Engine) alert(ctx context.Context, event, message string) {
	if e.alerter != nil {
		e.alerter.Alert(ctx, event, message)
	}
}
