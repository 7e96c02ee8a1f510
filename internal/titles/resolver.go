// Package titles resolves human-readable market titles for the listing
// endpoints. Lookups hit the exchange metadata APIs and are cached in Redis
// when configured, with an in-process fallback cache either way. Resolution
// is best-effort: a miss leaves the title empty and never fails a request.
package titles

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"pmfeed/internal/model"
)

const (
	cacheTTL     = 24 * time.Hour
	fetchTimeout = 5 * time.Second

	defaultKalshiBaseURL = "https://api.elections.kalshi.com/trade-api/v2"
	defaultGammaBaseURL  = "https://gamma-api.polymarket.com"
)

// Resolver looks up market titles with a two-level cache.
type Resolver struct {
	rdb  *goredis.Client // nil when Redis is not configured
	http *http.Client
	log  *slog.Logger

	kalshiBaseURL string
	gammaBaseURL  string

	mu  sync.RWMutex
	mem map[string]string
}

// New creates a Resolver. redisAddr may be empty to run memory-only.
func New(redisAddr, redisPassword string, log *slog.Logger) *Resolver {
	var rdb *goredis.Client
	if redisAddr != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     redisAddr,
			Password: redisPassword,
		})
	}
	return &Resolver{
		rdb:           rdb,
		http:          &http.Client{Timeout: fetchTimeout},
		log:           log,
		kalshiBaseURL: defaultKalshiBaseURL,
		gammaBaseURL:  defaultGammaBaseURL,
		mem:           make(map[string]string),
	}
}

// Close releases the Redis connection if one was opened.
func (r *Resolver) Close() error {
	if r.rdb != nil {
		return r.rdb.Close()
	}
	return nil
}

func cacheKey(ex model.Exchange, marketID string) string {
	return "pmfeed:title:" + string(ex) + ":" + marketID
}

// Resolve returns the title for a market, or "" when unavailable.
func (r *Resolver) Resolve(ctx context.Context, ex model.Exchange, marketID string) string {
	key := cacheKey(ex, marketID)

	r.mu.RLock()
	title, ok := r.mem[key]
	r.mu.RUnlock()
	if ok {
		return title
	}

	if r.rdb != nil {
		if v, err := r.rdb.Get(ctx, key).Result(); err == nil {
			r.remember(key, v)
			return v
		}
	}

	title, err := r.fetch(ctx, ex, marketID)
	if err != nil {
		r.log.Debug("title lookup failed", "exchange", ex, "marketId", marketID, "err", err)
		return ""
	}
	r.remember(key, title)
	if r.rdb != nil {
		if err := r.rdb.Set(ctx, key, title, cacheTTL).Err(); err != nil {
			r.log.Debug("title cache write failed", "err", err)
		}
	}
	return title
}

// Annotate fills Title on each market entry. Misses stay empty.
func (r *Resolver) Annotate(ctx context.Context, markets []model.Market) {
	for i := range markets {
		markets[i].Title = r.Resolve(ctx, markets[i].Exchange, markets[i].MarketID)
	}
}

func (r *Resolver) remember(key, title string) {
	r.mu.Lock()
	r.mem[key] = title
	r.mu.Unlock()
}

func (r *Resolver) fetch(ctx context.Context, ex model.Exchange, marketID string) (string, error) {
	switch ex {
	case model.ExchangeKalshi:
		return r.fetchKalshi(ctx, marketID)
	case model.ExchangePolymarket:
		return r.fetchPolymarket(ctx, marketID)
	default:
		return "", fmt.Errorf("unknown exchange %q", ex)
	}
}

func (r *Resolver) fetchKalshi(ctx context.Context, ticker string) (string, error) {
	var resp struct {
		Market struct {
			Title string `json:"title"`
		} `json:"market"`
	}
	if err := r.getJSON(ctx, r.kalshiBaseURL+"/markets/"+url.PathEscape(ticker), &resp); err != nil {
		return "", err
	}
	return resp.Market.Title, nil
}

func (r *Resolver) fetchPolymarket(ctx context.Context, assetID string) (string, error) {
	// Gamma indexes markets by CLOB token id.
	u := r.gammaBaseURL + "/markets?clob_token_ids=" + url.QueryEscape(assetID)
	var resp []struct {
		Question string `json:"question"`
	}
	if err := r.getJSON(ctx, u, &resp); err != nil {
		return "", err
	}
	if len(resp) == 0 {
		return "", fmt.Errorf("no gamma market for asset %s", assetID)
	}
	return resp[0].Question, nil
}

func (r *Resolver) getJSON(ctx context.Context, rawURL string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
