package hub

import "pmfeed/internal/model"

// Client → server actions.
const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// Server → client frame types.
const (
	frameConnected    = "connected"
	frameSubscribed   = "subscribed"
	frameUnsubscribed = "unsubscribed"
	frameTrade        = "trade"
	frameError        = "error"
)

// clientFrame is a client → server request.
type clientFrame struct {
	Action   string `json:"action"`
	Exchange string `json:"exchange"`
	MarketID string `json:"marketId"`
}

// serverFrame is a server → client message. Trade payloads carry decimals as
// strings and timestamps as ISO-8601 UTC.
type serverFrame struct {
	Type     string       `json:"type"`
	Message  string       `json:"message,omitempty"`
	Exchange string       `json:"exchange,omitempty"`
	MarketID string       `json:"marketId,omitempty"`
	Data     *model.Trade `json:"data,omitempty"`
}
