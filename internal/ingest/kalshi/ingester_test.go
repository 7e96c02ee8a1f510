package kalshi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"pmfeed/internal/model"
)

type fakeStore struct {
	mu      sync.Mutex
	seen    map[string]bool
	cursors map[string]string
	nextID  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{seen: make(map[string]bool), cursors: make(map[string]string)}
}

func (f *fakeStore) InsertTrade(ctx context.Context, t *model.Trade) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[t.DedupeKey] {
		return false, nil
	}
	f.seen[t.DedupeKey] = true
	f.nextID++
	t.ID = f.nextID
	return true, nil
}

func (f *fakeStore) LoadCursor(ctx context.Context, ex model.Exchange, marketID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursors[string(ex)+":"+marketID], nil
}

func (f *fakeStore) SaveCursor(ctx context.Context, ex model.Exchange, marketID, cursor string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cursors[string(ex)+":"+marketID] = cursor
	return nil
}

func TestNormalize(t *testing.T) {
	raw := APITrade{
		TradeID:     "t-1",
		Ticker:      "RAIN-24",
		YesPrice:    55,
		Count:       10,
		TakerSide:   "yes",
		CreatedTime: time.Date(2024, 1, 1, 12, 34, 56, 0, time.UTC),
	}
	trade, err := Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if trade.Price.String() != "0.55" {
		t.Errorf("price = %s, want 0.55", trade.Price)
	}
	if trade.Quantity.String() != "10" {
		t.Errorf("quantity = %s, want 10", trade.Quantity)
	}
	if trade.Side != model.SideBuy {
		t.Errorf("side = %s, want buy", trade.Side)
	}
	if trade.DedupeKey != "RAIN-24:t-1" {
		t.Errorf("dedupe key = %s", trade.DedupeKey)
	}

	raw.TakerSide = "no"
	trade, _ = Normalize(raw)
	if trade.Side != model.SideSell {
		t.Errorf("no taker should map to sell, got %s", trade.Side)
	}
}

func TestNormalize_RejectsMalformed(t *testing.T) {
	base := APITrade{TradeID: "t", Ticker: "X", YesPrice: 50, Count: 1}

	bad := base
	bad.TradeID = ""
	if _, err := Normalize(bad); err == nil {
		t.Error("expected error for missing trade id")
	}

	bad = base
	bad.YesPrice = 150
	if _, err := Normalize(bad); err == nil {
		t.Error("expected error for out-of-range price")
	}

	bad = base
	bad.Count = 0
	if _, err := Normalize(bad); err == nil {
		t.Error("expected error for zero count")
	}
}

func tradesHandler(t *testing.T, pages map[string][]APITrade, next map[string]string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/trades" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		cursor := r.URL.Query().Get("cursor")
		json.NewEncoder(w).Encode(tradesResponse{Trades: pages[cursor], Cursor: next[cursor]})
	}
}

func newTestIngester(t *testing.T, handler http.Handler, store Store) (*Ingester, *[]model.Trade) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(nil)
	client.baseURL = srv.URL
	client.http = srv.Client()

	var published []model.Trade
	pub := func(tr model.Trade) bool {
		published = append(published, tr)
		return true
	}
	return NewIngester(client, store, pub, []string{"RAIN-24"}, slog.Default()), &published
}

func TestPollMarket_PublishesNewTradesOldestFirst(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	pages := map[string][]APITrade{
		"": {
			{TradeID: "t-3", Ticker: "RAIN-24", YesPrice: 57, Count: 1, TakerSide: "yes", CreatedTime: now.Add(2 * time.Second)},
			{TradeID: "t-2", Ticker: "RAIN-24", YesPrice: 56, Count: 2, TakerSide: "no", CreatedTime: now.Add(time.Second)},
			{TradeID: "t-1", Ticker: "RAIN-24", YesPrice: 55, Count: 3, TakerSide: "yes", CreatedTime: now},
		},
	}
	store := newFakeStore()
	in, published := newTestIngester(t, tradesHandler(t, pages, nil), store)

	if err := in.pollMarket(context.Background(), "RAIN-24"); err != nil {
		t.Fatalf("pollMarket: %v", err)
	}

	if len(*published) != 3 {
		t.Fatalf("expected 3 published trades, got %d", len(*published))
	}
	// Oldest first.
	if (*published)[0].DedupeKey != "RAIN-24:t-1" || (*published)[2].DedupeKey != "RAIN-24:t-3" {
		t.Errorf("wrong order: %s .. %s", (*published)[0].DedupeKey, (*published)[2].DedupeKey)
	}
	if cur, _ := store.LoadCursor(context.Background(), model.ExchangeKalshi, "RAIN-24"); cur != "t-3" {
		t.Errorf("watermark = %q, want t-3", cur)
	}
}

func TestPollMarket_StopsAtWatermark(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	pages := map[string][]APITrade{
		"": {
			{TradeID: "t-3", Ticker: "RAIN-24", YesPrice: 57, Count: 1, TakerSide: "yes", CreatedTime: now.Add(2 * time.Second)},
			{TradeID: "t-2", Ticker: "RAIN-24", YesPrice: 56, Count: 2, TakerSide: "yes", CreatedTime: now.Add(time.Second)},
			{TradeID: "t-1", Ticker: "RAIN-24", YesPrice: 55, Count: 3, TakerSide: "yes", CreatedTime: now},
		},
	}
	store := newFakeStore()
	store.SaveCursor(context.Background(), model.ExchangeKalshi, "RAIN-24", "t-2")
	in, published := newTestIngester(t, tradesHandler(t, pages, nil), store)

	if err := in.pollMarket(context.Background(), "RAIN-24"); err != nil {
		t.Fatalf("pollMarket: %v", err)
	}
	if len(*published) != 1 || (*published)[0].DedupeKey != "RAIN-24:t-3" {
		t.Fatalf("expected only t-3 past the watermark, got %+v", *published)
	}
}

func TestPollMarket_DuplicatesNotRepublished(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	pages := map[string][]APITrade{
		"": {{TradeID: "t-1", Ticker: "RAIN-24", YesPrice: 55, Count: 3, TakerSide: "yes", CreatedTime: now}},
	}
	store := newFakeStore()
	in, published := newTestIngester(t, tradesHandler(t, pages, nil), store)

	var dups int
	in.OnDuplicate = func() { dups++ }

	if err := in.pollMarket(context.Background(), "RAIN-24"); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	// Clear the watermark to force reprocessing the same upstream rows.
	in.marks["RAIN-24"] = ""
	if err := in.pollMarket(context.Background(), "RAIN-24"); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	if len(*published) != 1 {
		t.Errorf("expected 1 published trade, got %d", len(*published))
	}
	if dups != 1 {
		t.Errorf("expected 1 duplicate, got %d", dups)
	}
}

func TestRun_StopsOnAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(nil)
	client.baseURL = srv.URL
	client.http = srv.Client()

	in := NewIngester(client, newFakeStore(), func(model.Trade) bool { return true }, []string{"RAIN-24"}, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := in.Run(ctx)
	if !isFatal(err) {
		t.Fatalf("expected auth error to stop Run, got %v", err)
	}
}
