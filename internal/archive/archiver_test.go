package archive

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

type fakeHistory struct {
	positions []domain.Position
}

func (f *fakeHistory) Create(context.Context, domain.Position) error  { return nil }
func (f *fakeHistory) Update(context.Context, domain.Position) error  { return nil }
func (f *fakeHistory) GetOpen(context.Context) ([]domain.Position, error) { return nil, nil }

func (f *fakeHistory) GetByID(context.Context, string) (domain.Position, error) {
	return domain.Position{}, domain.ErrNotFound
}

func (f *fakeHistory) ListHistory(context.Context, domain.ListOpts) ([]domain.Position, error) {
	return f.positions, nil
}

type capturePutter struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (c *capturePutter) Put(_ context.Context, key string, body []byte, _ string) error {
	if c.err != nil {
		return c.err
	}
	c.keys = append(c.keys, key)
	c.bodies = append(c.bodies, body)
	return nil
}

func TestExportWritesClosedPositionsOnly(t *testing.T) {
	closedAt := time.Now()
	store := &fakeHistory{positions: []domain.Position{
		{ID: "open-1", Status: domain.PositionOpen},
		{ID: "closed-1", Status: domain.PositionClosed, ClosedAt: &closedAt, RealizedPnL: 0.001},
		{ID: "closed-2", Status: domain.PositionClosed, ClosedAt: &closedAt, RealizedPnL: -0.0002},
	}}
	putter := &capturePutter{}
	a := New(store, putter, "trades", time.Hour, slog.New(slog.DiscardHandler))

	require.NoError(t, a.exportOnce(context.Background()))
	require.Len(t, putter.keys, 1)
	assert.Contains(t, putter.keys[0], "trades/")
	assert.Contains(t, string(putter.bodies[0]), "closed-1")
	assert.Contains(t, string(putter.bodies[0]), "closed-2")
	assert.NotContains(t, string(putter.bodies[0]), "open-1")
}

func TestExportNothingToArchive(t *testing.T) {
	putter := &capturePutter{}
	a := New(&fakeHistory{}, putter, "trades", time.Hour, slog.New(slog.DiscardHandler))

	require.NoError(t, a.exportOnce(context.Background()))
	assert.Empty(t, putter.keys)
}

func TestFailedExportKeepsCursor(t *testing.T) {
	closedAt := time.Now()
	store := &fakeHistory{positions: []domain.Position{
		{ID: "closed-1", Status: domain.PositionClosed, ClosedAt: &closedAt},
	}}
	putter := &capturePutter{err: assert.AnError}
	a := New(store, putter, "trades", time.Hour, slog.New(slog.DiscardHandler))
	before := a.cursor

	require.Error(t, a.exportOnce(context.Background()))
	assert.Equal(t, before, a.cursor, "cursor must not advance past a failed upload")
}
