package titles

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"pmfeed/internal/model"
)

func testResolver(t *testing.T, handler http.Handler) *Resolver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r := New("", "", slog.Default())
	r.http = srv.Client()
	r.kalshiBaseURL = srv.URL
	r.gammaBaseURL = srv.URL
	return r
}

func TestResolve_KalshiTitleCached(t *testing.T) {
	var hits atomic.Int64
	r := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		if req.URL.Path != "/markets/RAIN-24" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		w.Write([]byte(`{"market":{"title":"Will it rain tomorrow?"}}`))
	}))

	ctx := context.Background()
	got := r.Resolve(ctx, model.ExchangeKalshi, "RAIN-24")
	if got != "Will it rain tomorrow?" {
		t.Fatalf("unexpected title %q", got)
	}

	// Second lookup is served from the in-process cache.
	if again := r.Resolve(ctx, model.ExchangeKalshi, "RAIN-24"); again != got {
		t.Errorf("cached resolve = %q, want %q", again, got)
	}
	if hits.Load() != 1 {
		t.Errorf("expected one upstream hit, got %d", hits.Load())
	}
}

func TestResolve_PolymarketQuestion(t *testing.T) {
	r := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if got := req.URL.Query().Get("clob_token_ids"); got != "123456" {
			t.Errorf("unexpected token id %q", got)
		}
		w.Write([]byte(`[{"question":"Will ETH close above $4000?"}]`))
	}))

	got := r.Resolve(context.Background(), model.ExchangePolymarket, "123456")
	if got != "Will ETH close above $4000?" {
		t.Errorf("unexpected title %q", got)
	}
}

func TestResolve_MissReturnsEmpty(t *testing.T) {
	r := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	if got := r.Resolve(context.Background(), model.ExchangeKalshi, "GONE"); got != "" {
		t.Errorf("expected empty title on 404, got %q", got)
	}
	if got := r.Resolve(context.Background(), "bogus", "X"); got != "" {
		t.Errorf("expected empty title for unknown exchange, got %q", got)
	}
}

func TestAnnotate_FillsTitles(t *testing.T) {
	r := New("", "", slog.Default())
	r.remember(cacheKey(model.ExchangeKalshi, "A"), "Market A")

	markets := []model.Market{
		{Exchange: model.ExchangeKalshi, MarketID: "A"},
	}
	r.Annotate(context.Background(), markets)
	if markets[0].Title != "Market A" {
		t.Errorf("expected annotated title, got %q", markets[0].Title)
	}
}
