package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"pmfeed/internal/model"
)

// LoadCursor returns the persisted ingest watermark for (exchange, marketId),
// or "" when none has been saved. Polymarket stores its last fully-processed
// block number under marketId ""; Kalshi stores per-market upstream trade ids.
func (s *Store) LoadCursor(ctx context.Context, exchange model.Exchange, marketID string) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx, `
		SELECT cursor FROM ingest_cursors WHERE exchange = $1 AND market_id = $2
	`, exchange, marketID).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", s.fail("load cursor", err)
	}
	return cursor, nil
}

// SaveCursor upserts the ingest watermark for (exchange, marketId).
func (s *Store) SaveCursor(ctx context.Context, exchange model.Exchange, marketID, cursor string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ingest_cursors (exchange, market_id, cursor, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (exchange, market_id) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			updated_at = now()
	`, exchange, marketID, cursor)
	if err != nil {
		return s.fail("save cursor", err)
	}
	return nil
}
