// Package agg consumes the trade bus and maintains OHLCV candles at every
// supported interval. All arithmetic happens inside the store's single-
// statement upsert, so candle math carries NUMERIC semantics end to end.
package agg

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"pmfeed/internal/model"
)

// CandleStore is the slice of the storage gateway the aggregator needs.
type CandleStore interface {
	UpsertCandle(ctx context.Context, exchange model.Exchange, marketID string,
		interval model.Interval, openTime time.Time, price, quantity decimal.Decimal) error
	BackfillCandles(ctx context.Context, interval model.Interval) (int64, error)
}

// Aggregator folds each trade into its second, minute and hour buckets. The
// three upserts for one trade run concurrently, but all complete before the
// next trade is taken, so a trade is reflected in all intervals before the
// pipeline moves on.
type Aggregator struct {
	store CandleStore

	processed atomic.Uint64
	failed    atomic.Uint64

	// OnUpsert observes per-statement latency. OnError is called once per
	// failed upsert. Both optional.
	OnUpsert func(d time.Duration)
	OnError  func()
}

// New creates an Aggregator over the given store.
func New(store CandleStore) *Aggregator {
	return &Aggregator{store: store}
}

// Backfill rebuilds candles for every interval from persisted trades. Run at
// startup before ingesters begin, so live events never race a backfill over
// the same bucket. Idempotent.
func (a *Aggregator) Backfill(ctx context.Context) error {
	for _, iv := range model.Intervals() {
		start := time.Now()
		n, err := a.store.BackfillCandles(ctx, iv)
		if err != nil {
			return err
		}
		log.Printf("[agg] backfill %s: %d candles in %v", iv, n, time.Since(start).Truncate(time.Millisecond))
	}
	return nil
}

// Run consumes trades until ctx is cancelled and the mailbox is drained
// (tradeCh closed).
func (a *Aggregator) Run(ctx context.Context, tradeCh <-chan model.Trade) {
	for {
		select {
		case <-ctx.Done():
			// The bus closes the mailbox after draining; finish what is
			// already queued.
			for t := range tradeCh {
				a.process(context.Background(), t)
			}
			return
		case t, ok := <-tradeCh:
			if !ok {
				return
			}
			a.process(ctx, t)
		}
	}
}

// process issues the three interval upserts for one trade and waits for all
// of them.
func (a *Aggregator) process(ctx context.Context, t model.Trade) {
	g, gctx := errgroup.WithContext(ctx)
	for _, iv := range model.Intervals() {
		iv := iv
		g.Go(func() error {
			start := time.Now()
			err := a.store.UpsertCandle(gctx, t.Exchange, t.MarketID, iv,
				iv.Truncate(t.Timestamp), t.Price, t.Quantity)
			if a.OnUpsert != nil {
				a.OnUpsert(time.Since(start))
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		// Counted and logged; the trade stays persisted, so the next
		// backfill reconverges the affected buckets.
		a.failed.Add(1)
		if a.OnError != nil {
			a.OnError()
		}
		log.Printf("[agg] upsert failed for trade %s: %v", t.DedupeKey, err)
		return
	}
	a.processed.Add(1)
}

// Processed returns the number of trades fully folded into all intervals.
func (a *Aggregator) Processed() uint64 { return a.processed.Load() }

// Failed returns the number of trades whose upserts errored.
func (a *Aggregator) Failed() uint64 { return a.failed.Load() }
