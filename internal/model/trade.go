// Package model defines the canonical types flowing through the pipeline.
// Prices and quantities are decimal.Decimal end-to-end so nothing is ever
// rounded through a float; JSON encodes them as exact strings.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies the upstream a trade came from.
type Exchange string

const (
	ExchangeKalshi     Exchange = "kalshi"
	ExchangePolymarket Exchange = "polymarket"
)

// Valid reports whether e is a known exchange.
func (e Exchange) Valid() bool {
	return e == ExchangeKalshi || e == ExchangePolymarket
}

// Side is the taker side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Trade is the canonical unit flowing through the pipeline. A trade is built
// once by an ingester, persisted once (idempotent on DedupeKey), and never
// mutated afterwards.
type Trade struct {
	ID        int64           `json:"id,omitempty"` // store-assigned, 0 until persisted
	Exchange  Exchange        `json:"exchange"`
	MarketID  string          `json:"marketId"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Side      Side            `json:"side"`
	Timestamp time.Time       `json:"timestamp"` // source-provided, UTC, ms resolution
	TxHash    string          `json:"txHash,omitempty"`

	// DedupeKey is the per-exchange identity under which the trade is unique:
	// polymarket "txHash:logIndex", kalshi "marketId:upstreamTradeId".
	DedupeKey string `json:"-"`
}

// SubKey returns the fan-out routing key "exchange:marketId".
func (t *Trade) SubKey() string {
	return string(t.Exchange) + ":" + t.MarketID
}
