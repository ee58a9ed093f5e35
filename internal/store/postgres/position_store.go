package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

// PositionStore persists positions in the positions table.
type PositionStore struct {
	client *Client
}

// NewPositionStore builds a store over client's pool.
func NewPositionStore(client *Client) *PositionStore {
	return &PositionStore{client: client}
}

const positionColumns = `
	id, token_address, token_symbol, token_decimals, pool_address, token_class,
	dex_name, entry_price, entry_size_eth, remaining_tokens, opened_at,
	take_profits, triggered, stop_price, high_water_mark, trailing_stop_pct,
	status, closed_at, exit_price, realized_pnl, close_reason, entry_tx_hash`

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	ladder, err := json.Marshal(p.TakeProfits)
	if err != nil {
		return fmt.Errorf("postgres: marshal take profits: %w", err)
	}
	_, err = s.client.pool.Exec(ctx, `
		INSERT INTO positions (`+positionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		p.ID, p.Token.Address, p.Token.Symbol, int16(p.Token.Decimals), p.Token.Pool, string(p.Class),
		p.DexName, p.EntryPrice, p.EntrySizeETH, p.RemainingTokens, p.OpenedAt,
		ladder, int64(p.Triggered), p.StopPrice, p.HighWaterMark, p.TrailingStopPct,
		string(p.Status), p.ClosedAt, p.ExitPrice, p.RealizedPnL, string(p.CloseReason), p.EntryTxHash,
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return fmt.Errorf("postgres: position %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert position: %w", err)
	}
	return nil
}

// Update rewrites the mutable exit-tracking fields.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	tag, err := s.client.pool.Exec(ctx, `
		UPDATE positions SET
			remaining_tokens = $2,
			triggered        = $3,
			stop_price       = $4,
			high_water_mark  = $5,
			status           = $6,
			closed_at        = $7,
			exit_price       = $8,
			realized_pnl     = $9,
			close_reason     = $10
		WHERE id = $1`,
		p.ID, p.RemainingTokens, int64(p.Triggered), p.StopPrice, p.HighWaterMark,
		string(p.Status), p.ClosedAt, p.ExitPrice, p.RealizedPnL, string(p.CloseReason),
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: position %s: %w", p.ID, domain.ErrNotFound)
	}
	return nil
}

// GetByID fetches one position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.client.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = $1`, id)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Position{}, fmt.Errorf("postgres: position %s: %w", id, domain.ErrNotFound)
	}
	return p, err
}

// GetOpen returns every open or partial position, oldest first.
func (s *PositionStore) GetOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.client.pool.Query(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE status IN ('open', 'partial')
		ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: query open positions: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

// ListHistory returns positions filtered and paginated per opts, newest
// first.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	var (
		conds []string
		args  []any
	)
	if opts.Since != nil {
		args = append(args, *opts.Since)
		conds = append(conds, fmt.Sprintf("opened_at >= $%d", len(args)))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		conds = append(conds, fmt.Sprintf("opened_at <= $%d", len(args)))
	}

	query := `SELECT ` + positionColumns + ` FROM positions`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY opened_at DESC"
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.client.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query position history: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate positions: %w", err)
	}
	return out, nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p         domain.Position
		decimals  int16
		class     string
		status    string
		reason    string
		ladder    []byte
		triggered int64
		closedAt  *time.Time
		exitPrice *float64
	)
	err := row.Scan(
		&p.ID, &p.Token.Address, &p.Token.Symbol, &decimals, &p.Token.Pool, &class,
		&p.DexName, &p.EntryPrice, &p.EntrySizeETH, &p.RemainingTokens, &p.OpenedAt,
		&ladder, &triggered, &p.StopPrice, &p.HighWaterMark, &p.TrailingStopPct,
		&status, &closedAt, &exitPrice, &p.RealizedPnL, &reason, &p.EntryTxHash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, err
		}
		return domain.Position{}, fmt.Errorf("postgres: scan position: %w", err)
	}
	if err := json.Unmarshal(ladder, &p.TakeProfits); err != nil {
		return domain.Position{}, fmt.Errorf("postgres: unmarshal take profits: %w", err)
	}
	p.Token.Decimals = uint8(decimals)
	p.Class = domain.TokenClass(class)
	p.Status = domain.PositionStatus(status)
	p.CloseReason = domain.CloseReason(reason)
	p.Triggered = uint64(triggered)
	p.ClosedAt = closedAt
	p.ExitPrice = exitPrice
	return p, nil
}
