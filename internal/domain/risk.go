package domain

import "time"

// RiskLevel classifies the system's current risk posture for observability.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskState is the rolling picture the risk manager maintains. Exposure is
// strongly consistent with the live sum of open positions' committed size:
// it is reserved when an entry is approved and released when the entry fails
// or the position closes, never reconstructed after the fact.
type RiskState struct {
	Trades24h     int
	Wins24h       int
	Losses24h     int
	RealizedPnL   float64 // native units, lifetime
	DailyPnL      float64 // native units, current UTC day
	ExposureETH   float64
	LossStreak    int
	CooldownUntil time.Time
	Level         RiskLevel
}

// TradeRecord is one closed trade, kept for the rolling 24h window and the
// performance stats.
type TradeRecord struct {
	PositionID   string
	TokenAddress string
	Symbol       string
	Class        TokenClass
	SizeETH      float64
	PnL          float64
	Win          bool
	Reason       CloseReason
	ClosedAt     time.Time
}

// Stats summarizes lifetime performance for the stats query.
type Stats struct {
	TotalTrades  int
	WinningTrades int
	LosingTrades int
	WinRate      float64 // 0..1
	ProfitFactor float64 // gross profit / gross loss, 0 when no losses
	TotalPnL     float64
	BestTrade    float64
	WorstTrade   float64
	OpenPositions int
	ExposureETH  float64
	Level        RiskLevel
}
