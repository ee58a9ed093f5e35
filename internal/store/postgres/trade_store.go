package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

// TradeStore records closed trades in the trades table.
type TradeStore struct {
	client *Client
}

// NewTradeStore builds a store over client's pool.
func NewTradeStore(client *Client) *TradeStore {
	return &TradeStore{client: client}
}

// Record appends one closed trade.
func (s *TradeStore) Record(ctx context.Context, t domain.TradeRecord) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO trades (position_id, token_address, symbol, token_class, size_eth, pnl, win, close_reason, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		t.PositionID, t.TokenAddress, t.Symbol, string(t.Class), t.SizeETH, t.PnL, t.Win, string(t.Reason), t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade: %w", err)
	}
	return nil
}

// ListSince returns trades closed at or after the given time, oldest first.
func (s *TradeStore) ListSince(ctx context.Context, since time.Time) ([]domain.TradeRecord, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT position_id, token_address, symbol, token_class, size_eth, pnl, win, close_reason, closed_at
		FROM trades
		WHERE closed_at >= $1
		ORDER BY closed_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("postgres: query trades: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var (
			t      domain.TradeRecord
			class  string
			reason string
		)
		if err := rows.Scan(&t.PositionID, &t.TokenAddress, &t.Symbol, &class, &t.SizeETH, &t.PnL, &t.Win, &reason, &t.ClosedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Class = domain.TokenClass(class)
		t.Reason = domain.CloseReason(reason)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate trades: %w", err)
	}
	return out, nil
}
