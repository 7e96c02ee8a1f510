package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultBaseURL = "https://api.elections.kalshi.com/trade-api/v2"

// AuthError marks a 401/403 from the API. Credentials do not fix themselves,
// so the ingester treats it as fatal instead of retrying.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("kalshi: authentication rejected (status %d)", e.Status)
}

// Client is a minimal Kalshi REST client covering market discovery and the
// public trades feed.
type Client struct {
	baseURL string
	http    *http.Client
	signer  *Signer
}

// NewClient creates a Client using signer for request auth.
func NewClient(signer *Signer) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		signer:  signer,
	}
}

// APITrade is one trade as returned by GET /markets/trades.
type APITrade struct {
	TradeID     string    `json:"trade_id"`
	Ticker      string    `json:"ticker"`
	YesPrice    int64     `json:"yes_price"` // cents
	Count       int64     `json:"count"`
	TakerSide   string    `json:"taker_side"` // "yes" | "no"
	CreatedTime time.Time `json:"created_time"`
}

type tradesResponse struct {
	Trades []APITrade `json:"trades"`
	Cursor string     `json:"cursor"`
}

// Trades fetches up to limit trades for a market, newest first. cursor pages
// further back; "" starts from the newest.
func (c *Client) Trades(ctx context.Context, ticker string, limit int, cursor string) ([]APITrade, string, error) {
	q := url.Values{}
	q.Set("ticker", ticker)
	q.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var resp tradesResponse
	if err := c.get(ctx, "/markets/trades", q, &resp); err != nil {
		return nil, "", err
	}
	return resp.Trades, resp.Cursor, nil
}

// APIMarket is one market as returned by GET /markets.
type APIMarket struct {
	Ticker string `json:"ticker"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

type marketsResponse struct {
	Markets []APIMarket `json:"markets"`
	Cursor  string      `json:"cursor"`
}

// OpenMarkets pages through all currently open markets.
func (c *Client) OpenMarkets(ctx context.Context) ([]APIMarket, error) {
	var all []APIMarket
	cursor := ""
	for {
		q := url.Values{}
		q.Set("status", "open")
		q.Set("limit", "200")
		if cursor != "" {
			q.Set("cursor", cursor)
		}

		var resp marketsResponse
		if err := c.get(ctx, "/markets", q, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Markets...)
		if resp.Cursor == "" || len(resp.Markets) == 0 {
			break
		}
		cursor = resp.Cursor
	}
	return all, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if c.signer != nil {
		if err := c.signer.Authorize(req); err != nil {
			return err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("kalshi: %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Status: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("kalshi: %s: unexpected status %d", path, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("kalshi: %s: decode response: %w", path, err)
	}
	return nil
}
