package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

// EngineStateStore persists the engine's control-surface state as a single
// row.
type EngineStateStore struct {
	client *Client
}

// NewEngineStateStore builds a store over client's pool.
func NewEngineStateStore(client *Client) *EngineStateStore {
	return &EngineStateStore{client: client}
}

// Save upserts the singleton row.
func (s *EngineStateStore) Save(ctx context.Context, st domain.EngineState) error {
	_, err := s.client.pool.Exec(ctx, `
		INSERT INTO engine_state (id, mode, paused, stopped, updated_at)
		VALUES (TRUE, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			mode = EXCLUDED.mode,
			paused = EXCLUDED.paused,
			stopped = EXCLUDED.stopped,
			updated_at = EXCLUDED.updated_at`,
		string(st.Mode), st.Paused, st.Stopped, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save engine state: %w", err)
	}
	return nil
}

// Load reads the singleton row, returning domain.ErrNotFound on first run.
func (s *EngineStateStore) Load(ctx context.Context) (domain.EngineState, error) {
	var (
		st   domain.EngineState
		mode string
	)
	err := s.client.pool.QueryRow(ctx,
		`SELECT mode, paused, stopped, updated_at FROM engine_state WHERE id = TRUE`,
	).Scan(&mode, &st.Paused, &st.Stopped, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EngineState{}, fmt.Errorf("postgres: engine state: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.EngineState{}, fmt.Errorf("postgres: load engine state: %w", err)
	}
	st.Mode = domain.ModeName(mode)
	return st, nil
}
