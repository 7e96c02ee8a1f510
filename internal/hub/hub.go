// Package hub routes trade events from the bus to WebSocket subscribers.
// Each connection holds its own subscription set and a bounded outbound
// queue; lookup on publish is O(subscribers-for-that-market) through an index
// keyed by "exchange:marketId".
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"pmfeed/internal/model"
)

const (
	defaultQueueSize = 256

	defaultMaxDropRate      = 0.5
	defaultMinFramesForRate = 100
)

// Hub manages WebSocket clients and fans trade events out to subscribers.
type Hub struct {
	queueSize int

	mu      sync.RWMutex
	clients map[*Client]bool
	// subs indexes connections by "exchange:marketId" so dispatch touches
	// only the subscribers of that market.
	subs map[string]map[*Client]struct{}

	upgrader websocket.Upgrader

	droppedFrames atomic.Uint64

	// A connection is closed for slowness only when more than MaxDropRate of
	// its offered frames were dropped, and never before MinFramesForRate
	// frames have been offered. Set before the first connection.
	MaxDropRate      float64
	MinFramesForRate uint64

	// OnDroppedFrame and OnClientCount are metrics hooks. Optional.
	OnDroppedFrame func()
	OnClientCount  func(n int)
}

// New creates a Hub. allowedOrigins entries are compared against the Origin
// header; an empty list allows all origins.
func New(queueSize int, allowedOrigins []string) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	h := &Hub{
		queueSize:        queueSize,
		clients:          make(map[*Client]bool),
		subs:             make(map[string]map[*Client]struct{}),
		MaxDropRate:      defaultMaxDropRate,
		MinFramesForRate: defaultMinFramesForRate,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Run consumes the hub's bus mailbox until it is closed, dispatching each
// trade to the connections subscribed to its market. On return all
// connections are closed with a normal-closure frame.
func (h *Hub) Run(ctx context.Context, tradeCh <-chan model.Trade) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			for t := range tradeCh {
				h.dispatch(t)
			}
			return
		case t, ok := <-tradeCh:
			if !ok {
				return
			}
			h.dispatch(t)
		}
	}
}

// dispatch serializes the trade frame once and enqueues it to every
// subscriber of (trade.exchange, trade.marketId).
func (h *Hub) dispatch(t model.Trade) {
	frame, err := json.Marshal(serverFrame{Type: frameTrade, Data: &t})
	if err != nil {
		log.Printf("[hub] marshal trade frame: %v", err)
		return
	}

	h.mu.RLock()
	set := h.subs[t.SubKey()]
	targets := make([]*Client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.out.Push(frame) {
			h.droppedFrames.Add(1)
			if h.OnDroppedFrame != nil {
				h.OnDroppedFrame()
			}
			c.maybeCloseForSlowness()
		}
	}
}

// HandleWS upgrades the request and registers the connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[hub] upgrade failed: %v", err)
		return
	}
	c := newClient(h, conn)

	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.notifyClientCount(count)
	log.Printf("[hub] client connected (%d total)", count)

	c.sendFrame(serverFrame{Type: frameConnected, Message: "connected to trade stream"})
	go c.writePump()
	go c.readPump()
}

// subscribe adds the connection to the index for (exchange, marketId).
// Subscribing twice is a no-op.
func (h *Hub) subscribe(c *Client, ex model.Exchange, marketID string) {
	key := string(ex) + ":" + marketID
	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Client]struct{})
		h.subs[key] = set
	}
	set[c] = struct{}{}
	c.subs[key] = struct{}{}
	h.mu.Unlock()
}

// unsubscribe removes the connection from the index for (exchange, marketId).
func (h *Hub) unsubscribe(c *Client, ex model.Exchange, marketID string) {
	key := string(ex) + ":" + marketID
	h.mu.Lock()
	h.dropIndexEntry(c, key)
	delete(c.subs, key)
	h.mu.Unlock()
}

// dropIndexEntry must be called with h.mu held.
func (h *Hub) dropIndexEntry(c *Client, key string) {
	if set, ok := h.subs[key]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
}

// removeClient tears down all of the connection's index entries.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for key := range c.subs {
		h.dropIndexEntry(c, key)
	}
	count := len(h.clients)
	h.mu.Unlock()

	c.out.Close()
	h.notifyClientCount(count)
	log.Printf("[hub] client disconnected (%d total)", count)
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close(websocket.CloseNormalClosure, "server shutting down")
	}
}

func (h *Hub) notifyClientCount(n int) {
	if h.OnClientCount != nil {
		h.OnClientCount(n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedFrames returns the total frames dropped across all connections.
func (h *Hub) DroppedFrames() uint64 { return h.droppedFrames.Load() }

// subscriberCount reports the index size for a market key. Test helper.
func (h *Hub) subscriberCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}
