// Package archive periodically exports closed positions to object storage
// as JSON Lines, one file per run, for offline analysis.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/Luisqbd/sniperbot/internal/domain"
)

// ObjectPutter uploads one object. The s3 client satisfies it.
type ObjectPutter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Archiver exports closed positions newer than its cursor on a fixed
// schedule.
type Archiver struct {
	store  domain.PositionStore
	putter ObjectPutter
	prefix string
	every  time.Duration
	logger *slog.Logger

	cursor time.Time
}

// New builds an archiver starting from now: history before startup is
// assumed to be archived by earlier runs.
func New(store domain.PositionStore, putter ObjectPutter, prefix string, every time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		putter: putter,
		prefix: prefix,
		every:  every,
		logger: logger.With(slog.String("component", "archiver")),
		cursor: time.Now(),
	}
}

// Run exports on the configured schedule until ctx is cancelled. Failures
// leave the cursor in place, so the next run re-exports the missed span.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.exportOnce(ctx); err != nil {
				a.logger.Warn("archive export failed", slog.Any("error", err))
			}
		}
	}
}

func (a *Archiver) exportOnce(ctx context.Context) error {
	since := a.cursor
	now := time.Now()

	positions, err := a.store.ListHistory(ctx, domain.ListOpts{Since: &since})
	if err != nil {
		return fmt.Errorf("archive: list positions: %w", err)
	}

	var closed []domain.Position
	for _, p := range positions {
		if p.Status == domain.PositionClosed {
			closed = append(closed, p)
		}
	}
	if len(closed) == 0 {
		a.cursor = now
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, p := range closed {
		if err := enc.Encode(p); err != nil {
			return fmt.Errorf("archive: encode position %s: %w", p.ID, err)
		}
	}

	key := fmt.Sprintf("%s/%s/positions-%s.jsonl",
		a.prefix, now.UTC().Format("2006/01/02"), now.UTC().Format("150405"))
	if err := a.putter.Put(ctx, key, buf.Bytes(), "application/x-ndjson"); err != nil {
		return err
	}

	a.cursor = now
	a.logger.Info("positions archived", slog.String("key", key), slog.Int("count", len(closed)))
	return nil
}
