package agg

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pmfeed/internal/model"
)

// memStore applies the store's upsert and backfill semantics in memory.
// trades stands in for the persisted trades table that BackfillCandles
// rebuilds from.
type memStore struct {
	mu      sync.Mutex
	candles map[string]*model.Candle
	trades  []model.Trade
	backful []model.Interval
}

func newMemStore() *memStore {
	return &memStore{candles: make(map[string]*model.Candle)}
}

func key(ex model.Exchange, market string, iv model.Interval, open time.Time) string {
	return string(ex) + "|" + market + "|" + string(iv) + "|" + open.Format(time.RFC3339Nano)
}

func (m *memStore) UpsertCandle(_ context.Context, ex model.Exchange, market string,
	iv model.Interval, open time.Time, price, qty decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(ex, market, iv, open)
	c, exists := m.candles[k]
	if !exists {
		m.candles[k] = &model.Candle{
			Exchange: ex, MarketID: market, Interval: iv, OpenTime: open,
			Open: price, High: price, Low: price, Close: price, Volume: qty,
		}
		return nil
	}
	if price.GreaterThan(c.High) {
		c.High = price
	}
	if price.LessThan(c.Low) {
		c.Low = price
	}
	c.Close = price
	c.Volume = c.Volume.Add(qty)
	return nil
}

// BackfillCandles mirrors the set-oriented SQL rebuild: group trades by
// bucket, take open and close strictly by (ts, id) order, and overwrite the
// stored rows.
func (m *memStore) BackfillCandles(_ context.Context, iv model.Interval) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backful = append(m.backful, iv)

	ordered := make([]model.Trade, len(m.trades))
	copy(ordered, m.trades)
	// Stable sort on ts keeps insertion order as the id tiebreak.
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	rebuilt := make(map[string]*model.Candle)
	for _, tr := range ordered {
		open := iv.Truncate(tr.Timestamp)
		k := key(tr.Exchange, tr.MarketID, iv, open)
		c, ok := rebuilt[k]
		if !ok {
			rebuilt[k] = &model.Candle{
				Exchange: tr.Exchange, MarketID: tr.MarketID, Interval: iv, OpenTime: open,
				Open: tr.Price, High: tr.Price, Low: tr.Price, Close: tr.Price, Volume: tr.Quantity,
			}
			continue
		}
		if tr.Price.GreaterThan(c.High) {
			c.High = tr.Price
		}
		if tr.Price.LessThan(c.Low) {
			c.Low = tr.Price
		}
		c.Close = tr.Price
		c.Volume = c.Volume.Add(tr.Quantity)
	}
	for k, c := range rebuilt {
		m.candles[k] = c
	}
	return int64(len(rebuilt)), nil
}

// snapshot returns a copy of all candle rows for comparison.
func (m *memStore) snapshot() map[string]model.Candle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]model.Candle, len(m.candles))
	for k, c := range m.candles {
		out[k] = *c
	}
	return out
}

func (m *memStore) get(t *testing.T, ex model.Exchange, market string, iv model.Interval, open time.Time) model.Candle {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candles[key(ex, market, iv, open)]
	if !ok {
		t.Fatalf("no candle at %s %s", iv, open.Format(time.RFC3339))
	}
	return *c
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func runTrades(t *testing.T, store *memStore, trades []model.Trade) {
	t.Helper()
	a := New(store)
	tradeCh := make(chan model.Trade, len(trades))
	for _, tr := range trades {
		tradeCh <- tr
	}
	close(tradeCh)

	done := make(chan struct{})
	go func() {
		a.Run(context.Background(), tradeCh)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("aggregator did not finish")
	}
}

func TestAggregator_SingleTradeThreeCandles(t *testing.T) {
	store := newMemStore()
	ts := time.Date(2024, 1, 1, 12, 34, 56, 789e6, time.UTC)
	runTrades(t, store, []model.Trade{{
		Exchange: model.ExchangeKalshi, MarketID: "M",
		Price: d("0.55"), Quantity: d("10"), Side: model.SideBuy, Timestamp: ts,
	}})

	store.mu.Lock()
	n := len(store.candles)
	store.mu.Unlock()
	if n != 3 {
		t.Fatalf("expected exactly 3 candles, got %d", n)
	}

	wantOpens := map[model.Interval]time.Time{
		model.Interval1s: time.Date(2024, 1, 1, 12, 34, 56, 0, time.UTC),
		model.Interval1m: time.Date(2024, 1, 1, 12, 34, 0, 0, time.UTC),
		model.Interval1h: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	for iv, open := range wantOpens {
		c := store.get(t, model.ExchangeKalshi, "M", iv, open)
		for name, v := range map[string]decimal.Decimal{"open": c.Open, "high": c.High, "low": c.Low, "close": c.Close} {
			if !v.Equal(d("0.55")) {
				t.Errorf("%s: expected %s=0.55, got %s", iv, name, v)
			}
		}
		if !c.Volume.Equal(d("10")) {
			t.Errorf("%s: expected volume=10, got %s", iv, c.Volume)
		}
		if err := c.Validate(); err != nil {
			t.Errorf("%s: %v", iv, err)
		}
	}
}

func TestAggregator_OHLCWithinOneMinute(t *testing.T) {
	store := newMemStore()
	base := time.Date(2024, 1, 1, 12, 34, 0, 0, time.UTC)
	prices := []string{"0.50", "0.60", "0.45", "0.55"}
	qtys := []string{"1", "2", "3", "4"}

	var trades []model.Trade
	for i := range prices {
		trades = append(trades, model.Trade{
			Exchange: model.ExchangePolymarket, MarketID: "M",
			Price: d(prices[i]), Quantity: d(qtys[i]), Side: model.SideBuy,
			Timestamp: base.Add(time.Duration(i*10) * time.Second),
		})
	}
	runTrades(t, store, trades)

	c := store.get(t, model.ExchangePolymarket, "M", model.Interval1m, base)
	if !c.Open.Equal(d("0.50")) {
		t.Errorf("expected open=0.50, got %s", c.Open)
	}
	if !c.High.Equal(d("0.60")) {
		t.Errorf("expected high=0.60, got %s", c.High)
	}
	if !c.Low.Equal(d("0.45")) {
		t.Errorf("expected low=0.45, got %s", c.Low)
	}
	if !c.Close.Equal(d("0.55")) {
		t.Errorf("expected close=0.55, got %s", c.Close)
	}
	if !c.Volume.Equal(d("10")) {
		t.Errorf("expected volume=10, got %s", c.Volume)
	}
}

func TestAggregator_BucketBoundaries(t *testing.T) {
	store := newMemStore()
	// Two trades either side of a minute boundary land in different 1m
	// candles but the same 1h candle.
	t1 := time.Date(2024, 1, 1, 12, 34, 59, 900e6, time.UTC)
	t2 := time.Date(2024, 1, 1, 12, 35, 0, 100e6, time.UTC)
	runTrades(t, store, []model.Trade{
		{Exchange: model.ExchangeKalshi, MarketID: "M", Price: d("0.40"), Quantity: d("1"), Side: model.SideSell, Timestamp: t1},
		{Exchange: model.ExchangeKalshi, MarketID: "M", Price: d("0.42"), Quantity: d("1"), Side: model.SideBuy, Timestamp: t2},
	})

	m1 := store.get(t, model.ExchangeKalshi, "M", model.Interval1m, time.Date(2024, 1, 1, 12, 34, 0, 0, time.UTC))
	m2 := store.get(t, model.ExchangeKalshi, "M", model.Interval1m, time.Date(2024, 1, 1, 12, 35, 0, 0, time.UTC))
	if !m1.Volume.Equal(d("1")) || !m2.Volume.Equal(d("1")) {
		t.Errorf("expected separate 1m candles with volume 1 each, got %s and %s", m1.Volume, m2.Volume)
	}

	h := store.get(t, model.ExchangeKalshi, "M", model.Interval1h, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	if !h.Volume.Equal(d("2")) {
		t.Errorf("expected hourly volume=2, got %s", h.Volume)
	}
	if !h.Open.Equal(d("0.40")) || !h.Close.Equal(d("0.42")) {
		t.Errorf("expected hourly open=0.40 close=0.42, got %s / %s", h.Open, h.Close)
	}
}

func TestAggregator_BackfillCoversAllIntervals(t *testing.T) {
	store := newMemStore()
	a := New(store)
	if err := a.Backfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if len(store.backful) != 3 {
		t.Fatalf("expected 3 interval backfills, got %d", len(store.backful))
	}
	seen := map[model.Interval]bool{}
	for _, iv := range store.backful {
		seen[iv] = true
	}
	for _, iv := range model.Intervals() {
		if !seen[iv] {
			t.Errorf("interval %s not backfilled", iv)
		}
	}
}

func assertSameCandles(t *testing.T, want, got map[string]model.Candle, label string) {
	t.Helper()
	if len(want) != len(got) {
		t.Fatalf("%s: %d candles, want %d", label, len(got), len(want))
	}
	for k, w := range want {
		g, ok := got[k]
		if !ok {
			t.Errorf("%s: missing candle %s", label, k)
			continue
		}
		if !g.OpenTime.Equal(w.OpenTime) ||
			!g.Open.Equal(w.Open) || !g.High.Equal(w.High) ||
			!g.Low.Equal(w.Low) || !g.Close.Equal(w.Close) ||
			!g.Volume.Equal(w.Volume) {
			t.Errorf("%s: candle %s diverged:\n got %+v\nwant %+v", label, k, g, w)
		}
	}
}

func TestBackfill_ReproducesLiveCandles(t *testing.T) {
	store := newMemStore()
	base := time.Date(2024, 1, 1, 12, 34, 0, 0, time.UTC)

	// Two markets, trades crossing second, minute and hour buckets.
	trades := []model.Trade{
		{Exchange: model.ExchangeKalshi, MarketID: "A", Price: d("0.50"), Quantity: d("1"), Side: model.SideBuy, Timestamp: base},
		{Exchange: model.ExchangeKalshi, MarketID: "A", Price: d("0.60"), Quantity: d("2"), Side: model.SideSell, Timestamp: base.Add(200 * time.Millisecond)},
		{Exchange: model.ExchangeKalshi, MarketID: "A", Price: d("0.45"), Quantity: d("3"), Side: model.SideBuy, Timestamp: base.Add(30 * time.Second)},
		{Exchange: model.ExchangePolymarket, MarketID: "B", Price: d("0.30"), Quantity: d("5"), Side: model.SideSell, Timestamp: base.Add(26 * time.Minute)},
		{Exchange: model.ExchangePolymarket, MarketID: "B", Price: d("0.35"), Quantity: d("5"), Side: model.SideBuy, Timestamp: base.Add(27 * time.Minute)},
	}
	store.trades = trades

	// Build the candles incrementally through the live path.
	runTrades(t, store, trades)
	live := store.snapshot()

	// Rebuilding from the trade log must reproduce the live rows exactly.
	a := New(store)
	if err := a.Backfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	assertSameCandles(t, live, store.snapshot(), "after first backfill")

	// And running it again must change nothing.
	if err := a.Backfill(context.Background()); err != nil {
		t.Fatalf("second backfill: %v", err)
	}
	assertSameCandles(t, live, store.snapshot(), "after second backfill")
}

func TestBackfill_RepairsDivergedRows(t *testing.T) {
	store := newMemStore()
	ts := time.Date(2024, 1, 1, 12, 34, 56, 0, time.UTC)
	trades := []model.Trade{
		{Exchange: model.ExchangeKalshi, MarketID: "A", Price: d("0.50"), Quantity: d("1"), Side: model.SideBuy, Timestamp: ts},
		{Exchange: model.ExchangeKalshi, MarketID: "A", Price: d("0.55"), Quantity: d("1"), Side: model.SideBuy, Timestamp: ts.Add(time.Second)},
	}
	store.trades = trades
	runTrades(t, store, trades)
	want := store.snapshot()

	// Corrupt a row, as a crashed partial write would leave it.
	store.mu.Lock()
	k := key(model.ExchangeKalshi, "A", model.Interval1h, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	store.candles[k].Close = d("0.99")
	store.candles[k].Volume = d("0")
	store.mu.Unlock()

	a := New(store)
	if err := a.Backfill(context.Background()); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	assertSameCandles(t, want, store.snapshot(), "after repair")
}

func TestAggregator_CountsFailures(t *testing.T) {
	store := newMemStore()
	a := New(failStore{store})
	errs := 0
	a.OnError = func() { errs++ }

	tradeCh := make(chan model.Trade, 1)
	tradeCh <- model.Trade{Exchange: model.ExchangeKalshi, MarketID: "M",
		Price: d("0.5"), Quantity: d("1"), Timestamp: time.Now().UTC()}
	close(tradeCh)
	a.Run(context.Background(), tradeCh)

	if a.Failed() != 1 || errs != 1 {
		t.Errorf("expected 1 counted failure, got failed=%d hooks=%d", a.Failed(), errs)
	}
	if a.Processed() != 0 {
		t.Errorf("failed trade must not count as processed")
	}
}

type failStore struct{ *memStore }

func (f failStore) UpsertCandle(context.Context, model.Exchange, string,
	model.Interval, time.Time, decimal.Decimal, decimal.Decimal) error {
	return context.DeadlineExceeded
}
