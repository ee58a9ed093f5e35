package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Luisqbd/sniperbot/internal/chain"
	"github.com/Luisqbd/sniperbot/internal/dex"
	"github.com/Luisqbd/sniperbot/internal/domain"
)

// RunExits supervises open positions until ctx is cancelled. Exactly one
// supervisor loop runs per engine; together with the engine lock this
// serializes every exit decision, so a level can never fire twice and a
// stop can never race a take-profit. The loop keeps running while paused
// or stopped: pause and stop gate entries only.
func (e *Engine) RunExits(ctx context.Context) error {
	for {
		interval := e.Mode().ExitPollInterval
		if interval <= 0 {
			interval = 5 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
			e.superviseOnce(ctx)
		}
	}
}

// superviseOnce evaluates every open position against the current market.
func (e *Engine) superviseOnce(ctx context.Context) {
	for _, pos := range e.OpenPositions() {
		if err := e.supervisePosition(ctx, pos.ID); err != nil {
			e.logger.Warn("position supervision failed",
				slog.String("position", pos.ID),
				slog.Any("error", err),
			)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// supervisePosition prices one position and applies the exit rules in
// precedence order: stop loss, then timeout, then take-profit levels.
func (e *Engine) supervisePosition(ctx context.Context, id string) error {
	e.mu.Lock()
	pos, ok := e.open[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	snapshot := *pos
	e.mu.Unlock()

	if snapshot.RemainingTokens <= 0 {
		return e.finalize(ctx, id, domain.CloseTakeProfitFull, 0, snapshot.HighWaterMark)
	}

	quote, err := e.executor.BestQuote(ctx, domain.SideSell, snapshot.Token.Address, chain.ETHToWei(snapshot.RemainingTokens))
	if err != nil {
		return fmt.Errorf("engine: price %s: %w", snapshot.Token.Symbol, err)
	}
	price := quote.Price

	if e.prices != nil {
		if err := e.prices.SetPrice(ctx, snapshot.Token.Address, price, e.now()); err != nil {
			e.logger.Debug("price cache write failed", slog.Any("error", err))
		}
	}

	// Lift the high-water mark and trailing stop before deciding.
	e.mu.Lock()
	pos, ok = e.open[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	moved := pos.ObserveHigh(price)
	snapshot = *pos
	e.mu.Unlock()
	if moved {
		if err := e.positions.Update(ctx, snapshot); err != nil {
			e.logger.Debug("trailing stop persist failed", slog.Any("error", err))
		}
	}

	if price <= snapshot.StopPrice {
		return e.closePosition(ctx, id, domain.CloseStopLoss)
	}
	if e.timedOut(snapshot, price) {
		return e.closePosition(ctx, id, domain.CloseTimeout)
	}
	return e.fireTakeProfits(ctx, id, price)
}

// timedOut applies the per-class holding limits: a position past its class
// horizon that never reached the class profit target is abandoned.
func (e *Engine) timedOut(pos domain.Position, price float64) bool {
	age := pos.Age(e.now())
	pnl := pos.PnLPct(price)
	switch pos.Class {
	case domain.ClassMemecoin:
		return e.classCfg.MemecoinMaxAge.Duration > 0 &&
			age > e.classCfg.MemecoinMaxAge.Duration &&
			pnl < e.classCfg.MemecoinTimeoutProfitPct
	case domain.ClassAltcoin:
		return e.classCfg.AltcoinMaxAge.Duration > 0 &&
			age > e.classCfg.AltcoinMaxAge.Duration &&
			pnl < e.classCfg.AltcoinTimeoutProfitPct
	}
	return false
}

// fireTakeProfits walks the ladder from the lowest untriggered level,
// selling that level's fraction of the remaining amount for every
// threshold the current price has crossed. Each level fires at most once
// for the position's lifetime; when the last level fires the remainder is
// closed as a full take-profit.
func (e *Engine) fireTakeProfits(ctx context.Context, id string, price float64) error {
	claimed, exists := e.claimClose(id)
	if !exists || !claimed {
		// Gone, or a full close already owns the position.
		return nil
	}
	defer e.releaseClose(id)

	for {
		e.mu.Lock()
		pos, ok := e.open[id]
		if !ok {
			e.mu.Unlock()
			return nil
		}
		emergency := e.emergency
		level, def, hasNext := pos.NextLevel()
		pnl := pos.PnLPct(price)
		snapshot := *pos
		mode := e.mode
		e.mu.Unlock()

		if emergency {
			// An emergency stop raced the ladder; its own close attempt
			// no-opped against our claim, so liquidate here.
			return e.sellRemaining(ctx, id, domain.CloseEmergency)
		}
		if !hasNext {
			// Ladder exhausted: nothing remains to stage out, close the rest.
			return e.sellRemaining(ctx, id, domain.CloseTakeProfitFull)
		}
		if pnl < def.Threshold {
			return nil
		}

		sellTokens := snapshot.RemainingTokens * def.SellFraction
		result, err := e.executor.ExecuteWithFallback(ctx, domain.SideSell, snapshot.Token.Address,
			chain.ETHToWei(sellTokens), dex.ExecLimits{
				MaxSlippageBps:  mode.MaxSlippageBps,
				MaxGasPriceGwei: mode.MaxGasPriceGwei,
			})
		if err != nil {
			// Leave the level untriggered; the next tick retries it.
			return fmt.Errorf("engine: take-profit level %d on %s: %w", level+1, snapshot.Token.Symbol, err)
		}

		proceeds := chain.WeiToETH(result.AmountOut)
		costBasis := sellTokens * snapshot.EntryPrice

		e.mu.Lock()
		pos, ok = e.open[id]
		if !ok {
			e.mu.Unlock()
			return nil
		}
		pos.MarkTriggered(level)
		pos.RemainingTokens -= sellTokens
		if pos.RemainingTokens < 0 {
			pos.RemainingTokens = 0
		}
		pos.RealizedPnL += proceeds - costBasis
		pos.Status = domain.PositionPartial
		updated := *pos
		e.mu.Unlock()

		e.risk.ReduceExposure(costBasis)
		if err := e.positions.Update(ctx, updated); err != nil {
			e.logger.Error("partial exit persist failed", slog.String("position", id), slog.Any("error", err))
		}

		e.logger.Info("take-profit level fired",
			slog.String("position", id),
			slog.String("symbol", updated.Token.Symbol),
			slog.Int("level", level+1),
			slog.Float64("threshold", def.Threshold),
			slog.Float64("proceeds_eth", proceeds),
		)
		e.alert(ctx, "position_partial",
			fmt.Sprintf("%s level %d fired at +%.0f%%, sold %.6g tokens", updated.Token.Symbol, level+1, def.Threshold*100, sellTokens))

		if updated.AllLevelsTriggered() {
			return e.sellRemaining(ctx, id, domain.CloseTakeProfitFull)
		}
	}
}
