package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"pmfeed/internal/model"
)

// InsertTrade persists a trade, idempotent on the exchange-specific dedupe
// key. On insert it assigns t.ID and returns inserted=true; a conflict on the
// dedupe key reports inserted=false without error.
func (s *Store) InsertTrade(ctx context.Context, t *model.Trade) (inserted bool, err error) {
	var txHash sql.NullString
	if t.TxHash != "" {
		txHash = sql.NullString{String: t.TxHash, Valid: true}
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO trades (exchange, market_id, price, quantity, side, ts, tx_hash, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING id
	`, t.Exchange, t.MarketID, t.Price, t.Quantity, t.Side, t.Timestamp, txHash, t.DedupeKey).Scan(&t.ID)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict: the row already exists under this dedupe key.
		return false, nil
	}
	if err != nil {
		return false, s.fail("insert trade", err)
	}
	return true, nil
}

// TradeQuery bounds a trade range scan. Results are ordered by timestamp
// descending.
type TradeQuery struct {
	Exchange model.Exchange
	MarketID string
	Side     model.Side // optional
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// QueryTrades returns trades for (exchange, marketId), newest first.
func (s *Store) QueryTrades(ctx context.Context, q TradeQuery) ([]model.Trade, error) {
	sqlStr := `
		SELECT id, exchange, market_id, price, quantity, side, ts, COALESCE(tx_hash, '')
		FROM trades
		WHERE exchange = $1 AND market_id = $2`
	args := []any{q.Exchange, q.MarketID}

	if q.Side != "" {
		args = append(args, q.Side)
		sqlStr += " AND side = $" + strconv.Itoa(len(args))
	}
	if q.Start != nil {
		args = append(args, *q.Start)
		sqlStr += " AND ts >= $" + strconv.Itoa(len(args))
	}
	if q.End != nil {
		args = append(args, *q.End)
		sqlStr += " AND ts <= $" + strconv.Itoa(len(args))
	}
	args = append(args, q.Limit)
	sqlStr += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, s.fail("query trades", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// LatestTrades returns the newest trades across all markets, optionally
// filtered by exchange.
func (s *Store) LatestTrades(ctx context.Context, exchange model.Exchange, limit int) ([]model.Trade, error) {
	sqlStr := `
		SELECT id, exchange, market_id, price, quantity, side, ts, COALESCE(tx_hash, '')
		FROM trades`
	args := []any{}
	if exchange != "" {
		args = append(args, exchange)
		sqlStr += " WHERE exchange = $1"
	}
	args = append(args, limit)
	sqlStr += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, s.fail("latest trades", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	trades := []model.Trade{}
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.Exchange, &t.MarketID, &t.Price, &t.Quantity,
			&t.Side, &t.Timestamp, &t.TxHash); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		t.Timestamp = t.Timestamp.UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// MarketsWithTrades lists markets that have trade data, ranked by trades in
// the last 10 minutes, then by total trade count.
func (s *Store) MarketsWithTrades(ctx context.Context, exchange model.Exchange) ([]model.Market, error) {
	sqlStr := `
		SELECT exchange, market_id,
		       COUNT(*) AS trade_count,
		       COUNT(*) FILTER (WHERE ts > now() - interval '10 minutes') AS recent_count,
		       MAX(ts) AS last_trade_at
		FROM trades`
	args := []any{}
	if exchange != "" {
		args = append(args, exchange)
		sqlStr += " WHERE exchange = $1"
	}
	sqlStr += `
		GROUP BY exchange, market_id
		ORDER BY recent_count DESC, trade_count DESC`

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, s.fail("markets with trades", err)
	}
	defer rows.Close()

	markets := []model.Market{}
	for rows.Next() {
		var m model.Market
		if err := rows.Scan(&m.Exchange, &m.MarketID, &m.TradeCount, &m.RecentCount, &m.LastTradeAt); err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		m.LastTradeAt = m.LastTradeAt.UTC()
		markets = append(markets, m)
	}
	return markets, rows.Err()
}
