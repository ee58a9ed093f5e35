package risk

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Luisqbd/sniperbot/internal/config"
	"github.com/Luisqbd/sniperbot/internal/domain"
)

type memTradeStore struct {
	mu      sync.Mutex
	records []domain.TradeRecord
}

func (s *memTradeStore) Record(_ context.Context, t domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, t)
	return nil
}

func (s *memTradeStore) ListSince(_ context.Context, since time.Time) ([]domain.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeRecord
	for _, r := range s.records {
		if !r.ClosedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func testCfg() config.RiskConfig {
	cfg := config.Defaults().Risk
	cfg.MaxExposureETH = 0.01
	cfg.MaxLossStreak = 3
	cfg.DailyDrawdownETH = 0.005
	cfg.MaxTradesPerDay = 100
	cfg.Cooldown.Duration = 0
	return cfg
}

func newTestManager(cfg config.RiskConfig) (*Manager, *memTradeStore) {
	store := &memTradeStore{}
	m := NewManager(cfg, store, slog.New(slog.DiscardHandler))
	return m, store
}

func loss(id string, pnl float64, at time.Time) domain.TradeRecord {
	return domain.TradeRecord{PositionID: id, PnL: pnl, Win: false, ClosedAt: at}
}

func TestExposureNeverExceedsCap(t *testing.T) {
	m, _ := newTestManager(testCfg())

	require.NoError(t, m.ApproveEntry(0.004))
	require.NoError(t, m.ApproveEntry(0.004))

	// 0.008 reserved; another 0.004 would breach the 0.01 cap.
	err := m.ApproveEntry(0.004)
	require.ErrorIs(t, err, domain.ErrExposureExceeded)
	assert.InDelta(t, 0.008, m.ExposureETH(), 1e-12)

	// A failed entry releases its reservation and capacity returns.
	m.Release(0.004)
	require.NoError(t, m.ApproveEntry(0.004))
}

func TestExposureBoundUnderConcurrency(t *testing.T) {
	cfg := testCfg()
	cfg.MaxExposureETH = 0.01
	m, _ := newTestManager(cfg)

	const workers = 50
	var wg sync.WaitGroup
	approved := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.ApproveEntry(0.003) == nil {
				approved <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(approved)

	n := 0
	for range approved {
		n++
	}
	assert.LessOrEqual(t, n, 3, "at most 3 x 0.003 fits under 0.01")
	assert.LessOrEqual(t, m.ExposureETH(), cfg.MaxExposureETH+1e-12)
}

func TestCircuitBreakerAfterLossStreak(t *testing.T) {
	m, _ := newTestManager(testCfg())
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		require.NoError(t, m.ApproveEntry(0.001))
		require.NoError(t, m.RecordClose(ctx, loss("p", -0.0001, now), 0.001))
	}

	err := m.ApproveEntry(0.001)
	require.ErrorIs(t, err, domain.ErrCircuitBreaker)
	assert.Equal(t, domain.RiskCritical, m.State().Level)

	// A win resets the streak and re-opens the gate.
	m.mu.Lock()
	m.lossStreak = 0
	m.mu.Unlock()
	require.NoError(t, m.ApproveEntry(0.001))
}

func TestWinResetsLossStreak(t *testing.T) {
	m, _ := newTestManager(testCfg())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.ApproveEntry(0.001))
	require.NoError(t, m.RecordClose(ctx, loss("a", -0.0001, now), 0.001))
	require.NoError(t, m.ApproveEntry(0.001))
	require.NoError(t, m.RecordClose(ctx, domain.TradeRecord{PositionID: "b", PnL: 0.0005, Win: true, ClosedAt: now}, 0.001))

	assert.Equal(t, 0, m.State().LossStreak)
}

func TestCooldownAfterLoss(t *testing.T) {
	cfg := testCfg()
	cfg.Cooldown.Duration = 30 * time.Second
	m, _ := newTestManager(cfg)
	ctx := context.Background()

	require.NoError(t, m.ApproveEntry(0.001))
	require.NoError(t, m.RecordClose(ctx, loss("p", -0.0001, time.Now()), 0.001))

	err := m.ApproveEntry(0.001)
	require.ErrorIs(t, err, domain.ErrCooldownActive)

	// Advance past the cooldown.
	m.now = func() time.Time { return time.Now().Add(time.Minute) }
	require.NoError(t, m.ApproveEntry(0.001))
}

func TestDailyDrawdownBlocksEntries(t *testing.T) {
	m, _ := newTestManager(testCfg())
	ctx := context.Background()

	require.NoError(t, m.ApproveEntry(0.005))
	require.NoError(t, m.RecordClose(ctx, loss("p", -0.006, time.Now()), 0.005))

	err := m.ApproveEntry(0.001)
	require.ErrorIs(t, err, domain.ErrDrawdownExceeded)
	assert.Equal(t, domain.RiskCritical, m.State().Level)
}

func TestRecordClosePersistsTrade(t *testing.T) {
	m, store := newTestManager(testCfg())
	ctx := context.Background()

	require.NoError(t, m.ApproveEntry(0.002))
	rec := domain.TradeRecord{PositionID: "p1", Symbol: "TEST", PnL: 0.001, Win: true, ClosedAt: time.Now()}
	require.NoError(t, m.RecordClose(ctx, rec, 0.002))

	require.Len(t, store.records, 1)
	assert.Equal(t, "p1", store.records[0].PositionID)
	assert.InDelta(t, 0, m.ExposureETH(), 1e-12)
}

func TestRehydrateRebuildsWindowAndExposure(t *testing.T) {
	store := &memTradeStore{}
	now := time.Now()
	store.records = []domain.TradeRecord{
		loss("old", -0.001, now.Add(-30*time.Hour)), // outside window
		loss("a", -0.001, now.Add(-2*time.Hour)),
		loss("b", -0.001, now.Add(-1*time.Hour)),
	}
	m := NewManager(testCfg(), store, slog.New(slog.DiscardHandler))

	open := []domain.Position{
		{ID: "p1", EntryPrice: 0.0001, RemainingTokens: 30, Status: domain.PositionOpen},
	}
	require.NoError(t, m.Rehydrate(context.Background(), open))

	state := m.State()
	assert.Equal(t, 2, state.Trades24h)
	assert.Equal(t, 2, state.LossStreak)
	assert.InDelta(t, 0.003, state.ExposureETH, 1e-12)
}

func TestStats(t *testing.T) {
	m, _ := newTestManager(testCfg())
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.ApproveEntry(0.001))
	require.NoError(t, m.RecordClose(ctx, domain.TradeRecord{PositionID: "w", PnL: 0.002, Win: true, ClosedAt: now}, 0.001))
	require.NoError(t, m.ApproveEntry(0.001))
	require.NoError(t, m.RecordClose(ctx, loss("l", -0.001, now), 0.001))

	s := m.Stats(1)
	assert.Equal(t, 2, s.TotalTrades)
	assert.Equal(t, 1, s.WinningTrades)
	assert.Equal(t, 1, s.LosingTrades)
	assert.InDelta(t, 0.5, s.WinRate, 1e-12)
	assert.InDelta(t, 2.0, s.ProfitFactor, 1e-9)
	assert.InDelta(t, 0.001, s.TotalPnL, 1e-12)
	assert.InDelta(t, 0.002, s.BestTrade, 1e-12)
	assert.InDelta(t, -0.001, s.WorstTrade, 1e-12)
	assert.Equal(t, 1, s.OpenPositions)
}
