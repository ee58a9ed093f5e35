package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrQuoteUnavailable    = errors.New("no route can quote the pair")
	ErrSlippageExceeded    = errors.New("slippage exceeds limit")
	ErrGasPriceExceeded    = errors.New("gas price exceeds limit")
	ErrExecutionReverted   = errors.New("execution reverted")
	ErrAllRoutesFailed     = errors.New("all routes failed")
	ErrSecurityRejected    = errors.New("security check rejected token")
	ErrExposureExceeded    = errors.New("exposure limit exceeded")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrCooldownActive      = errors.New("cooldown active")
	ErrCircuitBreaker      = errors.New("loss streak circuit breaker engaged")
	ErrDrawdownExceeded    = errors.New("daily drawdown limit exceeded")
	ErrEnginePaused        = errors.New("engine paused")
	ErrEngineStopped       = errors.New("engine stopped")
	ErrMaxPositions        = errors.New("max concurrent positions reached")
	ErrWSDisconnect        = errors.New("websocket disconnected")
)
