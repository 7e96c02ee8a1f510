package model

import "time"

// Market is a listing entry for a market with trade data, ranked by recent
// activity then total trade count.
type Market struct {
	Exchange    Exchange  `json:"exchange"`
	MarketID    string    `json:"marketId"`
	Title       string    `json:"title,omitempty"`
	TradeCount  int64     `json:"tradeCount"`
	RecentCount int64     `json:"recentTradeCount"` // trades in the last 10 minutes
	LastTradeAt time.Time `json:"lastTradeAt"`
}
