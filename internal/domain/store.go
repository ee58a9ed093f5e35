package domain

import (
	"context"
	"time"
)

// PositionStore persists positions so exit supervision survives a process
// restart: on-chain positions outlive the process that opened them.
type PositionStore interface {
	Create(ctx context.Context, p Position) error
	// Update replaces the mutable exit-tracking fields (remaining amount,
	// triggered bitmap, stop price, high-water mark, status).
	Update(ctx context.Context, p Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	// GetOpen returns every position whose status is open or partial.
	GetOpen(ctx context.Context) ([]Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
}

// ListOpts carries pagination and time filtering for history queries.
type ListOpts struct {
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}

// EngineState is the durable control-surface state: which mode bundle is
// active and whether the engine is paused or stopped.
type EngineState struct {
	Mode      ModeName
	Paused    bool
	Stopped   bool
	UpdatedAt time.Time
}

// EngineStateStore persists EngineState as a single row.
type EngineStateStore interface {
	Save(ctx context.Context, s EngineState) error
	// Load returns ErrNotFound when no state has been saved yet.
	Load(ctx context.Context) (EngineState, error)
}

// TradeStore records closed trades; the risk manager replays the last 24h on
// startup to rebuild its rolling window.
type TradeStore interface {
	Record(ctx context.Context, t TradeRecord) error
	ListSince(ctx context.Context, since time.Time) ([]TradeRecord, error)
}
