package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pmfeed/internal/mailbox"
	"pmfeed/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMsgSize = 1024
)

// Client is a single WebSocket connection: a mutable subscription set plus a
// bounded outbound queue drained by writePump.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	out  *mailbox.Queue

	// subs mirrors the hub index entries for this connection; guarded by
	// hub.mu so close can clean the index atomically.
	subs map[string]struct{}

	closeOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:  h,
		conn: conn,
		out:  mailbox.New(h.queueSize),
		subs: make(map[string]struct{}),
	}
}

// sendFrame marshals and enqueues a control frame.
func (c *Client) sendFrame(f serverFrame) {
	buf, err := json.Marshal(f)
	if err != nil {
		log.Printf("[hub] marshal frame: %v", err)
		return
	}
	if c.out.Push(buf) {
		c.hub.droppedFrames.Add(1)
		if c.hub.OnDroppedFrame != nil {
			c.hub.OnDroppedFrame()
		}
	}
}

// maybeCloseForSlowness closes the connection once its sustained drop rate
// exceeds the hub limit. Pushed counts every offered frame, dropped the
// evictions among them.
func (c *Client) maybeCloseForSlowness() {
	pushed := c.out.Pushed()
	if pushed < c.hub.MinFramesForRate {
		return
	}
	dropped := c.out.Dropped()
	if float64(dropped)/float64(pushed) > c.hub.MaxDropRate {
		log.Printf("[hub] closing slow client: %d/%d frames dropped", dropped, pushed)
		c.sendFrame(serverFrame{Type: frameError, Message: "too slow, closing connection"})
		c.close(websocket.CloseInternalServerErr, "client too slow")
	}
}

// close shuts the connection down exactly once: index cleanup, close frame,
// transport close.
func (c *Client) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.hub.removeClient(c)
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(code, reason)
		c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.conn.Close()
	})
}

// readPump parses client frames until the connection drops. Protocol errors
// get an error frame back; the connection stays open.
func (c *Client) readPump() {
	defer c.close(websocket.CloseNormalClosure, "")

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(msg, &frame); err != nil {
			c.sendFrame(serverFrame{Type: frameError, Message: "invalid JSON frame"})
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(f clientFrame) {
	ex := model.Exchange(f.Exchange)
	if !ex.Valid() || f.MarketID == "" {
		c.sendFrame(serverFrame{Type: frameError, Message: "exchange and marketId are required"})
		return
	}

	switch f.Action {
	case actionSubscribe:
		c.hub.subscribe(c, ex, f.MarketID)
		c.sendFrame(serverFrame{Type: frameSubscribed, Exchange: f.Exchange, MarketID: f.MarketID})
	case actionUnsubscribe:
		c.hub.unsubscribe(c, ex, f.MarketID)
		c.sendFrame(serverFrame{Type: frameUnsubscribed, Exchange: f.Exchange, MarketID: f.MarketID})
	default:
		c.sendFrame(serverFrame{Type: frameError, Message: "unknown action"})
	}
}

// writePump drains the outbound queue onto the socket and keeps the
// connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.out.Wait():
			for {
				frame, ok := c.out.Pop()
				if !ok {
					break
				}
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}
			if c.out.Closed() && c.out.Len() == 0 {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
