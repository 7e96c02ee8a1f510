package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"pmfeed/internal/model"
)

// UpsertCandle folds one trade into the candle at (exchange, marketId,
// interval, openTime) in a single round-trip, so concurrent invocations on
// the same key serialize at the store. On first trade the row is created with
// open=high=low=close=price; afterwards open is never modified, high/low are
// extended and volume accumulates.
//
// close is last-write-wins. On the live path each market has a single
// producer and the aggregator processes trades one at a time, so writes for a
// key arrive in trade order; backfill recomputes close by (ts, id) and
// corrects any skew across restarts.
func (s *Store) UpsertCandle(ctx context.Context, exchange model.Exchange, marketID string,
	interval model.Interval, openTime time.Time, price, quantity decimal.Decimal) error {

	_, err := s.pool.Exec(ctx, `
		INSERT INTO candles (exchange, market_id, interval, open_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $5, $5, $5, $6)
		ON CONFLICT (exchange, market_id, interval, open_time) DO UPDATE SET
			high   = GREATEST(candles.high, EXCLUDED.high),
			low    = LEAST(candles.low, EXCLUDED.low),
			close  = EXCLUDED.close,
			volume = candles.volume + EXCLUDED.volume
	`, exchange, marketID, interval, openTime, price, quantity)
	if err != nil {
		return s.fail("upsert candle", err)
	}
	return nil
}

// BackfillCandles rebuilds every candle at one interval from the persisted
// trades in a single set-oriented upsert. Open and close are taken strictly
// by (ts, id) order, so re-running produces identical rows. Returns the
// number of candle rows written.
func (s *Store) BackfillCandles(ctx context.Context, interval model.Interval) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO candles (exchange, market_id, interval, open_time, open, high, low, close, volume)
		SELECT exchange, market_id, $1, date_trunc('%s', ts AT TIME ZONE 'UTC') AT TIME ZONE 'UTC',
		       (array_agg(price ORDER BY ts ASC, id ASC))[1],
		       MAX(price),
		       MIN(price),
		       (array_agg(price ORDER BY ts DESC, id DESC))[1],
		       SUM(quantity)
		FROM trades
		GROUP BY exchange, market_id, date_trunc('%s', ts AT TIME ZONE 'UTC')
		ON CONFLICT (exchange, market_id, interval, open_time) DO UPDATE SET
			open   = EXCLUDED.open,
			high   = EXCLUDED.high,
			low    = EXCLUDED.low,
			close  = EXCLUDED.close,
			volume = EXCLUDED.volume
	`, interval.TruncField(), interval.TruncField()), interval)
	if err != nil {
		return 0, s.fail("backfill candles", err)
	}
	return tag.RowsAffected(), nil
}

// CandleQuery bounds a candle range scan. Results are ordered by openTime
// ascending.
type CandleQuery struct {
	Exchange model.Exchange
	MarketID string
	Interval model.Interval
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// QueryCandles returns candles for (exchange, marketId, interval), oldest
// first.
func (s *Store) QueryCandles(ctx context.Context, q CandleQuery) ([]model.Candle, error) {
	sqlStr := `
		SELECT exchange, market_id, interval, open_time, open, high, low, close, volume
		FROM candles
		WHERE exchange = $1 AND market_id = $2 AND interval = $3`
	args := []any{q.Exchange, q.MarketID, q.Interval}

	if q.Start != nil {
		args = append(args, *q.Start)
		sqlStr += " AND open_time >= $" + strconv.Itoa(len(args))
	}
	if q.End != nil {
		args = append(args, *q.End)
		sqlStr += " AND open_time <= $" + strconv.Itoa(len(args))
	}
	args = append(args, q.Limit)
	sqlStr += fmt.Sprintf(" ORDER BY open_time ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, s.fail("query candles", err)
	}
	defer rows.Close()

	candles := []model.Candle{}
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Exchange, &c.MarketID, &c.Interval, &c.OpenTime,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("postgres: scan candle: %w", err)
		}
		c.OpenTime = c.OpenTime.UTC()
		candles = append(candles, c)
	}
	return candles, rows.Err()
}
