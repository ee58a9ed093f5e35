package domain

import (
	"context"
	"time"
)

// SeenSet suppresses duplicate candidates: the same token observed twice
// within the retention window is reported once. Entries expire so the set
// stays bounded.
type SeenSet interface {
	// MarkSeen records the address and reports whether it was already
	// present (true = duplicate).
	MarkSeen(ctx context.Context, tokenAddress string) (bool, error)
}

// PriceCache stores the latest observed price per token for status queries
// and cross-loop sharing. The exit supervisor writes, queries read.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenAddress string, price float64, ts time.Time) error
	// GetPrice returns ErrNotFound when no price has been recorded.
	GetPrice(ctx context.Context, tokenAddress string) (float64, time.Time, error)
}
