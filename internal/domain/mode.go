package domain

import (
	"fmt"
	"time"
)

// ModeName identifies one of the two operating profiles.
type ModeName string

const (
	ModeNormal ModeName = "normal"
	ModeTurbo  ModeName = "turbo"
)

// TakeProfitLevel pairs an ascending profit threshold with the fraction of
// the remaining holdings to sell when the threshold is crossed.
type TakeProfitLevel struct {
	// Threshold is the profit above entry at which the level fires,
	// e.g. 0.25 for +25%.
	Threshold float64
	// SellFraction is the share of the remaining token amount to sell,
	// e.g. 0.25 for a quarter.
	SellFraction float64
}

// Mode bundles every parameter a trading decision consults. Exactly one Mode
// is active at a time; toggling swaps the whole bundle atomically so readers
// never observe a half-updated set. Positions copy the exit parameters at
// entry and keep them for their lifetime.
type Mode struct {
	Name             ModeName
	TradeSizeETH     float64
	TakeProfits      []TakeProfitLevel
	StopLossPct      float64
	TrailingStopPct  float64
	MempoolInterval  time.Duration
	ExitPollInterval time.Duration
	MaxPositions     int
	MaxSlippageBps   float64
	MaxGasPriceGwei  float64
}

// Validate checks the bundle for contradictory parameters: non-positive
// sizes, non-ascending take-profit thresholds, or sell fractions summing
// above 100%.
func (m Mode) Validate() error {
	if m.TradeSizeETH <= 0 {
		return fmt.Errorf("mode %s: trade size must be > 0, got %g", m.Name, m.TradeSizeETH)
	}
	if m.StopLossPct <= 0 || m.StopLossPct >= 1 {
		return fmt.Errorf("mode %s: stop loss pct must be in (0,1), got %g", m.Name, m.StopLossPct)
	}
	if m.TrailingStopPct <= 0 || m.TrailingStopPct >= 1 {
		return fmt.Errorf("mode %s: trailing stop pct must be in (0,1), got %g", m.Name, m.TrailingStopPct)
	}
	if m.MaxPositions < 1 {
		return fmt.Errorf("mode %s: max positions must be >= 1, got %d", m.Name, m.MaxPositions)
	}
	var prev, fracSum float64
	for i, lvl := range m.TakeProfits {
		if lvl.Threshold <= prev {
			return fmt.Errorf("mode %s: take profit thresholds must be strictly ascending, level %d (%g) <= %g", m.Name, i+1, lvl.Threshold, prev)
		}
		if lvl.SellFraction <= 0 || lvl.SellFraction > 1 {
			return fmt.Errorf("mode %s: take profit sell fraction must be in (0,1], level %d got %g", m.Name, i+1, lvl.SellFraction)
		}
		prev = lvl.Threshold
		fracSum += lvl.SellFraction
	}
	if fracSum > 1.0+1e-9 {
		return fmt.Errorf("mode %s: take profit sell fractions sum to %g, must be <= 1", m.Name, fracSum)
	}
	return nil
}

// CopyTakeProfits returns an independent copy of the ladder so a position can
// capture it at entry without aliasing the live Mode.
func (m Mode) CopyTakeProfits() []TakeProfitLevel {
	out := make([]TakeProfitLevel, len(m.TakeProfits))
	copy(out, m.TakeProfits)
	return out
}
