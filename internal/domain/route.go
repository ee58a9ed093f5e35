package domain

import (
	"fmt"
	"math/big"
	"strings"
)

// Protocol is the AMM style a DEX route speaks.
type Protocol string

const (
	// ProtocolV2 is a constant-product pair (Uniswap V2 style).
	ProtocolV2 Protocol = "v2"
	// ProtocolV3 is a concentrated-liquidity pool (Uniswap V3 style).
	ProtocolV3 Protocol = "v3"
)

// Side distinguishes entering (native -> token) from exiting (token -> native).
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// DexRoute describes one router/factory pair. Loaded from configuration and
// read-only at runtime; Priority orders fallback attempts (lower first).
type DexRoute struct {
	Name     string
	Router   string
	Factory  string
	Quoter   string // v3 only
	Protocol Protocol
	Priority int
}

// Quote is one route's answer for a proposed swap.
type Quote struct {
	DexName     string
	Side        Side
	AmountIn    *big.Int
	AmountOut   *big.Int
	Price       float64 // native units per token
	PriceImpact float64 // 0..1
	GasEstimate uint64
}

// ExecutionResult reports a swap that made it on chain.
type ExecutionResult struct {
	DexName   string
	Side      Side
	TxHash    string
	AmountIn  *big.Int
	AmountOut *big.Int
	Price     float64 // realized native units per token
	GasUsed   uint64
}

// RouteFailure records why one route was skipped or failed during fallback.
type RouteFailure struct {
	DexName string
	Reason  error
}

// ExecutionError is returned when every route was attempted and none
// succeeded. It enumerates each route's rejection reason and matches
// ErrAllRoutesFailed under errors.Is.
type ExecutionError struct {
	Failures []RouteFailure
}

func (e *ExecutionError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.DexName, f.Reason))
	}
	return "all routes failed: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrAllRoutesFailed) hold for ExecutionError values.
func (e *ExecutionError) Is(target error) bool {
	return target == ErrAllRoutesFailed
}
