// Package kalshi ingests prediction-market trades from the Kalshi REST API by
// polling the public trades feed per market, normalizing fills into canonical
// trades, and persisting them idempotently before publication.
package kalshi

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pmfeed/internal/backoff"
	"pmfeed/internal/model"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultRefreshInterval = 5 * time.Minute
	pageLimit              = 100
)

// Store is the persistence surface the ingester needs.
type Store interface {
	InsertTrade(ctx context.Context, t *model.Trade) (inserted bool, err error)
	LoadCursor(ctx context.Context, exchange model.Exchange, marketID string) (string, error)
	SaveCursor(ctx context.Context, exchange model.Exchange, marketID, cursor string) error
}

// Ingester polls Kalshi markets for new trades. Each market carries a
// watermark (the upstream id of the last processed trade) so restarts resume
// without re-emitting; overlap is absorbed by the store's dedupe key.
type Ingester struct {
	client  *Client
	store   Store
	publish func(model.Trade) bool
	log     *slog.Logger

	// Static allowlist; empty means discover open markets periodically.
	tickers []string

	pollInterval    time.Duration
	refreshInterval time.Duration

	// watermark per ticker, loaded lazily from the store.
	marks map[string]string

	OnIngested  func(model.Trade)
	OnDuplicate func()
	OnError     func()
	OnReconnect func()
}

// NewIngester creates an Ingester publishing via publish.
func NewIngester(client *Client, store Store, publish func(model.Trade) bool, tickers []string, log *slog.Logger) *Ingester {
	return &Ingester{
		client:          client,
		store:           store,
		publish:         publish,
		log:             log,
		tickers:         tickers,
		pollInterval:    defaultPollInterval,
		refreshInterval: defaultRefreshInterval,
		marks:           make(map[string]string),
	}
}

// Run polls until ctx is cancelled or authentication fails.
func (in *Ingester) Run(ctx context.Context) error {
	tickers := in.tickers
	lastRefresh := time.Time{}
	bo := backoff.New(time.Second, 30*time.Second)

	for {
		if len(in.tickers) == 0 && time.Since(lastRefresh) >= in.refreshInterval {
			discovered, err := in.discover(ctx)
			if err != nil {
				if isFatal(err) {
					in.log.Error("kalshi auth rejected, stopping", "err", err)
					return err
				}
				in.fail("market discovery failed", err)
				if !bo.Sleep(ctx) {
					return ctx.Err()
				}
				continue
			}
			tickers = discovered
			lastRefresh = time.Now()
			in.log.Info("kalshi markets discovered", "count", len(tickers))
		}

		for _, ticker := range tickers {
			if err := in.pollMarket(ctx, ticker); err != nil {
				if isFatal(err) {
					in.log.Error("kalshi auth rejected, stopping", "err", err)
					return err
				}
				in.fail("poll failed", err, "market", ticker)
				if in.OnReconnect != nil {
					in.OnReconnect()
				}
				if !bo.Sleep(ctx) {
					return ctx.Err()
				}
				continue
			}
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(in.pollInterval):
		}
	}
}

func (in *Ingester) discover(ctx context.Context) ([]string, error) {
	markets, err := in.client.OpenMarkets(ctx)
	if err != nil {
		return nil, err
	}
	tickers := make([]string, 0, len(markets))
	for _, m := range markets {
		tickers = append(tickers, m.Ticker)
	}
	return tickers, nil
}

// pollMarket fetches trades newer than the market's watermark and processes
// them oldest first.
func (in *Ingester) pollMarket(ctx context.Context, ticker string) error {
	mark, ok := in.marks[ticker]
	if !ok {
		loaded, err := in.store.LoadCursor(ctx, model.ExchangeKalshi, ticker)
		if err != nil {
			return err
		}
		mark = loaded
		in.marks[ticker] = mark
	}

	// The feed is newest-first; collect until the watermark appears.
	fresh, err := in.collectSince(ctx, ticker, mark)
	if err != nil {
		return err
	}

	for i := len(fresh) - 1; i >= 0; i-- {
		if err := in.process(ctx, fresh[i]); err != nil {
			return err
		}
		in.marks[ticker] = fresh[i].TradeID
		if err := in.store.SaveCursor(ctx, model.ExchangeKalshi, ticker, fresh[i].TradeID); err != nil {
			return err
		}
	}
	return nil
}

func (in *Ingester) collectSince(ctx context.Context, ticker, mark string) ([]APITrade, error) {
	var fresh []APITrade
	cursor := ""
	for {
		trades, next, err := in.client.Trades(ctx, ticker, pageLimit, cursor)
		if err != nil {
			return nil, err
		}
		for _, t := range trades {
			if mark != "" && t.TradeID == mark {
				return fresh, nil
			}
			fresh = append(fresh, t)
		}
		// First run: take only the newest page rather than all history.
		if mark == "" || next == "" || len(trades) == 0 {
			return fresh, nil
		}
		cursor = next
	}
}

func (in *Ingester) process(ctx context.Context, raw APITrade) error {
	trade, err := Normalize(raw)
	if err != nil {
		// Malformed upstream rows are logged and skipped, not retried.
		in.fail("skipping malformed trade", err, "tradeId", raw.TradeID)
		return nil
	}

	inserted, err := in.store.InsertTrade(ctx, &trade)
	if err != nil {
		return err
	}
	if !inserted {
		if in.OnDuplicate != nil {
			in.OnDuplicate()
		}
		return nil
	}

	in.publish(trade)
	if in.OnIngested != nil {
		in.OnIngested(trade)
	}
	return nil
}

// Normalize converts an upstream fill to a canonical trade. Prices arrive as
// integer cents on the yes side; a "no" taker is a sell of the yes contract.
func Normalize(raw APITrade) (model.Trade, error) {
	if raw.TradeID == "" || raw.Ticker == "" {
		return model.Trade{}, errors.New("kalshi: trade missing id or ticker")
	}
	if raw.YesPrice < 0 || raw.YesPrice > 100 {
		return model.Trade{}, errors.New("kalshi: yes_price out of range")
	}
	if raw.Count <= 0 {
		return model.Trade{}, errors.New("kalshi: non-positive count")
	}

	side := model.SideBuy
	if strings.EqualFold(raw.TakerSide, "no") {
		side = model.SideSell
	}

	return model.Trade{
		Exchange:  model.ExchangeKalshi,
		MarketID:  raw.Ticker,
		Price:     decimal.New(raw.YesPrice, -2),
		Quantity:  decimal.NewFromInt(raw.Count),
		Side:      side,
		Timestamp: raw.CreatedTime.UTC(),
		DedupeKey: raw.Ticker + ":" + raw.TradeID,
	}, nil
}

func isFatal(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

func (in *Ingester) fail(msg string, err error, args ...any) {
	in.log.Warn(msg, append([]any{"err", err}, args...)...)
	if in.OnError != nil {
		in.OnError()
	}
}
