package domain

import "time"

// PositionStatus tracks a position through its lifecycle.
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionPartial PositionStatus = "partial"
	PositionClosed  PositionStatus = "closed"
)

// CloseReason records why a position reached its terminal state.
type CloseReason string

const (
	CloseTakeProfitFull CloseReason = "take_profit_full"
	CloseStopLoss       CloseReason = "stop_loss"
	CloseTimeout        CloseReason = "timeout"
	CloseEmergency      CloseReason = "emergency"
	CloseManual         CloseReason = "manual"
)

// Position is a live or historical trade. It is owned exclusively by the
// strategy engine; no other component mutates it. The take-profit ladder and
// trailing-stop percentage are captured from the active Mode at entry and
// stay fixed for the position's lifetime regardless of later mode toggles.
type Position struct {
	ID              string
	Token           Token
	Class           TokenClass
	DexName         string
	EntryPrice      float64 // native units per token
	EntrySizeETH    float64 // native units committed
	RemainingTokens float64
	OpenedAt        time.Time
	TakeProfits     []TakeProfitLevel
	Triggered       uint64 // bitmap, bit k set once level k has fired
	StopPrice       float64
	HighWaterMark   float64
	TrailingStopPct float64
	Status          PositionStatus
	ClosedAt        *time.Time
	ExitPrice       *float64
	RealizedPnL     float64 // native units, realized across partial and final exits
	CloseReason     CloseReason
	EntryTxHash     string
}

// LevelTriggered reports whether take-profit level k (zero based) has fired.
func (p *Position) LevelTriggered(k int) bool {
	return p.Triggered&(1<<uint(k)) != 0
}

// MarkTriggered records that level k has fired. Each level fires at most
// once; setting an already-set bit is a no-op.
func (p *Position) MarkTriggered(k int) {
	p.Triggered |= 1 << uint(k)
}

// NextLevel returns the index and definition of the lowest untriggered
// take-profit level, or ok=false when the ladder is exhausted. Levels fire
// strictly in ascending order, so the first clear bit is the only level
// eligible to fire.
func (p *Position) NextLevel() (int, TakeProfitLevel, bool) {
	for i, lvl := range p.TakeProfits {
		if !p.LevelTriggered(i) {
			return i, lvl, true
		}
	}
	return 0, TakeProfitLevel{}, false
}

// AllLevelsTriggered reports whether every take-profit level has fired.
func (p *Position) AllLevelsTriggered() bool {
	_, _, ok := p.NextLevel()
	return !ok
}

// RaiseStop lifts the stop price to the trailing distance below the given
// high-water mark. The stop is monotonically non-decreasing: a candidate
// below the current stop is discarded. Returns true when the stop moved.
func (p *Position) RaiseStop(highWaterMark float64) bool {
	candidate := highWaterMark * (1 - p.TrailingStopPct)
	if candidate > p.StopPrice {
		p.StopPrice = candidate
		return true
	}
	return false
}

// ObserveHigh updates the high-water mark and, through it, the trailing stop.
// Returns true when the mark rose.
func (p *Position) ObserveHigh(price float64) bool {
	if price <= p.HighWaterMark {
		return false
	}
	p.HighWaterMark = price
	p.RaiseStop(price)
	return true
}

// PnLPct returns the unrealized profit of the remaining holdings at the
// given price, relative to entry. Zero entry price yields zero.
func (p *Position) PnLPct(price float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	return price/p.EntryPrice - 1
}

// RemainingExposureETH values the remaining holdings at entry price, which
// is the exposure the risk manager still has reserved for this position.
func (p *Position) RemainingExposureETH() float64 {
	return p.RemainingTokens * p.EntryPrice
}

// IsOpen reports whether the position still holds tokens.
func (p *Position) IsOpen() bool {
	return p.Status == PositionOpen || p.Status == PositionPartial
}

// Age returns how long the position has been held.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}
