// Package risk enforces the capital limits: exposure ceiling, daily
// drawdown, per-trade cooldown, and the consecutive-loss circuit breaker.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/Luisqbd/sniperbot/internal/config"
	"github.com/Luisqbd/sniperbot/internal/domain"
)

// Manager is the single authority over exposure accounting. Exposure is
// reserved inside ApproveEntry and released on entry failure or close, so
// the invariant "exposure equals the sum of committed open size" holds at
// every instant, including between approval and execution.
type Manager struct {
	cfg    config.RiskConfig
	trades domain.TradeStore
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	exposureETH   float64
	lossStreak    int
	cooldownUntil time.Time
	dailyPnL      float64
	dailyDay      int // day-of-year the daily window belongs to
	window        []domain.TradeRecord
	lifetime      lifetimeStats
}

type lifetimeStats struct {
	total     int
	wins      int
	losses    int
	pnl       float64
	grossWin  float64
	grossLoss float64
	best      float64
	worst     float64
}

// NewManager builds a risk manager. Call Rehydrate before serving entries
// so the rolling window and exposure survive a restart.
func NewManager(cfg config.RiskConfig, trades domain.TradeStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		trades: trades,
		logger: logger.With(slog.String("component", "risk")),
		now:    time.Now,
	}
}

// Rehydrate replays the last 24 hours of closed trades from the store and
// re-reserves exposure for the given open positions.
func (m *Manager) Rehydrate(ctx context.Context, open []domain.Position) error {
	since := m.now().Add(-24 * time.Hour)
	records, err := m.trades.ListSince(ctx, since)
	if err != nil {
		return fmt.Errorf("risk: rehydrate trades: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.window = m.window[:0]
	today := m.now().UTC().YearDay()
	m.dailyDay = today
	m.dailyPnL = 0
	streak := 0
	for _, r := range records {
		m.window = append(m.window, r)
		m.applyLifetimeLocked(r)
		if r.ClosedAt.UTC().YearDay() == today {
			m.dailyPnL += r.PnL
		}
		if r.Win {
			streak = 0
		} else {
			streak++
		}
	}
	m.lossStreak = streak

	m.exposureETH = 0
	for _, p := range open {
		m.exposureETH += p.RemainingExposureETH()
	}

	m.logger.Info("risk state rehydrated",
		slog.Int("trades_24h", len(m.window)),
		slog.Int("loss_streak", m.lossStreak),
		slog.Float64("exposure_eth", m.exposureETH),
	)
	return nil
}

// ApproveEntry checks every limit and, if all pass, reserves sizeETH of
// exposure before returning. The caller must call Release if the entry
// subsequently fails, or RecordClose when the position closes.
func (m *Manager) ApproveEntry(sizeETH float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollDayLocked(now)

	if now.Before(m.cooldownUntil) {
		return fmt.Errorf("risk: cooling down until %s: %w",
			m.cooldownUntil.Format(time.RFC3339), domain.ErrCooldownActive)
	}
	if m.lossStreak >= m.cfg.MaxLossStreak {
		return fmt.Errorf("risk: %d consecutive losses: %w", m.lossStreak, domain.ErrCircuitBreaker)
	}
	if -m.dailyPnL >= m.cfg.DailyDrawdownETH {
		return fmt.Errorf("risk: daily drawdown %.4f ETH reached: %w", -m.dailyPnL, domain.ErrDrawdownExceeded)
	}
	if m.cfg.MaxTradesPerDay > 0 && m.tradesInWindowLocked(now) >= m.cfg.MaxTradesPerDay {
		return fmt.Errorf("risk: %d trades in 24h window: %w", m.cfg.MaxTradesPerDay, domain.ErrCooldownActive)
	}
	if m.exposureETH+sizeETH > m.cfg.MaxExposureETH {
		return fmt.Errorf("risk: exposure %.4f + %.4f would exceed cap %.4f: %w",
			m.exposureETH, sizeETH, m.cfg.MaxExposureETH, domain.ErrExposureExceeded)
	}

	m.exposureETH += sizeETH
	return nil
}

// Release returns reserved exposure after a failed entry.
func (m *Manager) Release(sizeETH float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(sizeETH)
}

// ReduceExposure releases part of a position's reserved exposure after a
// partial exit returned capital to the wallet.
func (m *Manager) ReduceExposure(sizeETH float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(sizeETH)
}

func (m *Manager) releaseLocked(sizeETH float64) {
	m.exposureETH -= sizeETH
	if m.exposureETH < 0 {
		// Accounting bug if this triggers; clamp so limits stay sane.
		m.logger.Error("exposure went negative, clamping", slog.Float64("exposure_eth", m.exposureETH))
		m.exposureETH = 0
	}
}

// RecordClose books a finished trade: releases its remaining exposure,
// updates the rolling window, streak, daily PnL, and cooldown, and persists
// the record.
func (m *Manager) RecordClose(ctx context.Context, rec domain.TradeRecord, remainingExposureETH float64) error {
	m.mu.Lock()
	now := m.now()
	m.rollDayLocked(now)

	m.releaseLocked(remainingExposureETH)
	m.window = append(m.window, rec)
	m.pruneWindowLocked(now)
	m.applyLifetimeLocked(rec)
	m.dailyPnL += rec.PnL

	if rec.Win {
		m.lossStreak = 0
	} else {
		m.lossStreak++
		if m.cfg.Cooldown.Duration > 0 {
			m.cooldownUntil = now.Add(m.cfg.Cooldown.Duration)
		}
	}
	level := m.levelLocked()
	m.mu.Unlock()

	m.logger.Info("trade recorded",
		slog.String("position", rec.PositionID),
		slog.String("symbol", rec.Symbol),
		slog.Float64("pnl", rec.PnL),
		slog.Bool("win", rec.Win),
		slog.String("risk_level", string(level)),
	)

	if err := m.trades.Record(ctx, rec); err != nil {
		return fmt.Errorf("risk: persist trade: %w", err)
	}
	return nil
}

// State returns a snapshot of the current risk posture.
func (m *Manager) State() domain.RiskState {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollDayLocked(now)
	m.pruneWindowLocked(now)

	var wins, losses int
	for _, r := range m.window {
		if r.Win {
			wins++
		} else {
			losses++
		}
	}
	return domain.RiskState{
		Trades24h:     len(m.window),
		Wins24h:       wins,
		Losses24h:     losses,
		RealizedPnL:   m.lifetime.pnl,
		DailyPnL:      m.dailyPnL,
		ExposureETH:   m.exposureETH,
		LossStreak:    m.lossStreak,
		CooldownUntil: m.cooldownUntil,
		Level:         m.levelLocked(),
	}
}

// Stats summarizes lifetime performance.
func (m *Manager) Stats(openPositions int) domain.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := domain.Stats{
		TotalTrades:   m.lifetime.total,
		WinningTrades: m.lifetime.wins,
		LosingTrades:  m.lifetime.losses,
		TotalPnL:      m.lifetime.pnl,
		BestTrade:     m.lifetime.best,
		WorstTrade:    m.lifetime.worst,
		OpenPositions: openPositions,
		ExposureETH:   m.exposureETH,
		Level:         m.levelLocked(),
	}
	if m.lifetime.total > 0 {
		s.WinRate = float64(m.lifetime.wins) / float64(m.lifetime.total)
	}
	if m.lifetime.grossLoss > 0 {
		s.ProfitFactor = m.lifetime.grossWin / m.lifetime.grossLoss
	}
	return s
}

// ExposureETH returns the currently reserved exposure.
func (m *Manager) ExposureETH() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exposureETH
}

func (m *Manager) applyLifetimeLocked(r domain.TradeRecord) {
	m.lifetime.total++
	m.lifetime.pnl += r.PnL
	if r.Win {
		m.lifetime.wins++
		m.lifetime.grossWin += r.PnL
	} else {
		m.lifetime.losses++
		m.lifetime.grossLoss += math.Abs(r.PnL)
	}
	if m.lifetime.total == 1 || r.PnL > m.lifetime.best {
		m.lifetime.best = r.PnL
	}
	if m.lifetime.total == 1 || r.PnL < m.lifetime.worst {
		m.lifetime.worst = r.PnL
	}
}

// rollDayLocked resets the daily PnL window at the UTC day boundary.
func (m *Manager) rollDayLocked(now time.Time) {
	if day := now.UTC().YearDay(); day != m.dailyDay {
		m.dailyDay = day
		m.dailyPnL = 0
	}
}

func (m *Manager) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	idx := 0
	for idx < len(m.window) && m.window[idx].ClosedAt.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		m.window = append(m.window[:0], m.window[idx:]...)
	}
}

func (m *Manager) tradesInWindowLocked(now time.Time) int {
	m.pruneWindowLocked(now)
	return len(m.window)
}

// levelLocked classifies the current posture.
func (m *Manager) levelLocked() domain.RiskLevel {
	switch {
	case m.lossStreak >= m.cfg.MaxLossStreak || -m.dailyPnL >= m.cfg.DailyDrawdownETH:
		return domain.RiskCritical
	case m.lossStreak >= m.cfg.MaxLossStreak-1 || -m.dailyPnL >= 0.75*m.cfg.DailyDrawdownETH:
		return domain.RiskHigh
	case m.lossStreak >= 2 || m.exposureETH >= 0.75*m.cfg.MaxExposureETH:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}
