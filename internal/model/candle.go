package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an OHLCV bucket keyed by (exchange, marketId, interval, openTime).
// A candle exists iff at least one trade fell into its bucket; it is updated
// by later trades in the same bucket and never rewound.
type Candle struct {
	Exchange Exchange        `json:"exchange"`
	MarketID string          `json:"marketId"`
	Interval Interval        `json:"interval"`
	OpenTime time.Time       `json:"openTime"` // bucket left edge, UTC
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// Validate checks the OHLCV invariants. A violation is a bug signal, not a
// recoverable condition.
func (c *Candle) Validate() error {
	if c.Low.GreaterThan(c.Open) || c.Open.GreaterThan(c.High) {
		return fmt.Errorf("candle %s %s %s @%s: open %s outside [%s, %s]",
			c.Exchange, c.MarketID, c.Interval, c.OpenTime.Format(time.RFC3339), c.Open, c.Low, c.High)
	}
	if c.Low.GreaterThan(c.Close) || c.Close.GreaterThan(c.High) {
		return fmt.Errorf("candle %s %s %s @%s: close %s outside [%s, %s]",
			c.Exchange, c.MarketID, c.Interval, c.OpenTime.Format(time.RFC3339), c.Close, c.Low, c.High)
	}
	if c.Volume.IsNegative() {
		return fmt.Errorf("candle %s %s %s @%s: negative volume %s",
			c.Exchange, c.MarketID, c.Interval, c.OpenTime.Format(time.RFC3339), c.Volume)
	}
	return nil
}
