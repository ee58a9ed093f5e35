// Package domain defines the core types shared by every layer of the sniper
// bot: tokens, trade candidates, positions, DEX routes, risk state, and the
// store/cache interfaces their persistence goes through.
package domain

import "time"

// TokenClass buckets a discovered token by the heuristics used to screen it.
type TokenClass string

const (
	// ClassMemecoin is a newly listed, high volatility token screened on
	// liquidity/holder/age heuristics.
	ClassMemecoin TokenClass = "memecoin"
	// ClassAltcoin is an established token screened on market-cap and
	// volume fundamentals.
	ClassAltcoin TokenClass = "altcoin"
)

// Token is a token contract the bot has discovered. The identity fields are
// immutable once discovered; liquidity and holder snapshots are refreshed
// when the token is re-queried.
type Token struct {
	Address       string
	Symbol        string
	Decimals      uint8
	Pool          string
	DiscoveredAt  time.Time
	LiquidityETH  float64
	Holders       int
	BuyTaxPct     float64
	SellTaxPct    float64
	TopHolderPct  float64
	Verified      bool
	SecurityScore int // 0..100, set by the screener
}

// Age returns how long ago the token was first discovered.
func (t Token) Age(now time.Time) time.Duration {
	return now.Sub(t.DiscoveredAt)
}

// CandidateSource names the observation path that produced a candidate.
type CandidateSource string

const (
	SourcePoolCreated CandidateSource = "pool_created"
	SourceMempool     CandidateSource = "mempool"
)

// Candidate is a normalized discovery event: a token the engine may decide
// to enter.
type Candidate struct {
	Token       Token
	Class       TokenClass
	DexName     string
	BlockNumber uint64
	TxHash      string
	Source      CandidateSource
	ObservedAt  time.Time
}
