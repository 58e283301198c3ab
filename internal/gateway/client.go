package gateway

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"sync"
	"time"

	"chartfeed/internal/feed"
	"chartfeed/internal/model"

	"github.com/gorilla/websocket"
)

const snapshotTimeout = 10 * time.Second

// Client represents a single WebSocket peer.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Per-client live listeners: key = "symbol:resolution". closed is
	// flipped once on disconnect, under subMu; every path that sends on
	// c.send or registers a listener checks it under the same lock, so a
	// SUBSCRIBE still waiting on its history fetch when the client drops
	// can neither hit the closed channel nor leak an engine poller.
	subMu  sync.Mutex
	subs   map[string]*clientSub
	closed bool
}

type clientSub struct {
	symbol     string // requested spelling, echoed back in messages
	resolution int
	handle     *feed.Handle
}

func subKey(symbol string, resolutionMin int) string {
	return symbol + ":" + strconv.Itoa(resolutionMin)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Write coalescing: use NextWriter to batch queued messages
			// into a single WebSocket frame with newline separators
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil {
			continue
		}

		switch base.Type {
		case "SUBSCRIBE":
			var subMsg SubscribeMsg
			if err := json.Unmarshal(msg, &subMsg); err != nil {
				SendError(c, "", "invalid SUBSCRIBE: "+err.Error())
				continue
			}
			// Snapshot fetch can take seconds; never block the read loop.
			go c.handleSubscribe(subMsg)

		case "UNSUBSCRIBE":
			var unsubMsg UnsubscribeMsg
			if err := json.Unmarshal(msg, &unsubMsg); err != nil {
				continue
			}
			c.handleUnsubscribe(unsubMsg)

		default:
			if base.Ping > 0 {
				pong, _ := json.Marshal(map[string]interface{}{
					"type":      "pong",
					"ping":      base.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
				select {
				case c.send <- pong:
				default:
				}
			}
		}
	}
}

// handleSubscribe processes a SUBSCRIBE: fetch and send the snapshot, then
// attach a live listener for the same (symbol, resolution). Re-subscribing
// to an already-open key replaces the old listener.
func (c *Client) handleSubscribe(msg SubscribeMsg) {
	if msg.Symbol == "" || msg.Resolution <= 0 {
		SendError(c, msg.ReqID, "symbol and resolution are required")
		return
	}

	barCount := msg.History.Bars
	if barCount <= 0 {
		barCount = 300
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()

	bars, info, noData, err := c.hub.History.Get(ctx, msg.Symbol, msg.Resolution, barCount, nil)
	if err != nil {
		SendError(c, msg.ReqID, "history fetch failed: "+err.Error())
		return
	}
	// A listener already polling the same instrument may have synthesized
	// bars fresher than the history endpoint serves; splice them onto the
	// snapshot so the chart opens on the current bucket.
	if live := c.hub.Feed.RecentFor(info.Canonical, msg.Resolution, 2); len(live) > 0 {
		for _, b := range live {
			switch {
			case len(bars) == 0 || b.Time > bars[len(bars)-1].Time:
				bars = append(bars, b)
			case b.Time == bars[len(bars)-1].Time:
				bars[len(bars)-1] = b
			}
		}
		noData = false
	}
	if bars == nil {
		bars = []model.Bar{}
	}

	SendJSON(c, SnapshotResponse{
		Type:       "SNAPSHOT",
		ReqID:      msg.ReqID,
		Symbol:     msg.Symbol,
		Canonical:  info.Canonical,
		Resolution: msg.Resolution,
		Bars:       bars,
		NoData:     noData,
	})

	symbol := msg.Symbol
	resolution := msg.Resolution
	onBar := func(bar model.Bar) {
		SendJSON(c, LiveUpdate{
			Type:       "LIVE",
			Symbol:     symbol,
			Resolution: resolution,
			Bar:        bar,
		})
	}
	onReset := func() {
		SendJSON(c, ResetMsg{
			Type:       "RESET",
			Symbol:     symbol,
			Resolution: resolution,
		})
	}

	// Listener ids carry the client id so two clients charting the same
	// instrument never collide in the engine registry.
	id := c.id + ":" + subKey(symbol, resolution)
	handle := c.hub.Feed.Subscribe(id, info.Canonical, resolution, onBar, onReset)

	c.subMu.Lock()
	if c.closed {
		// The client dropped while the snapshot was in flight; the
		// listener must not outlive it.
		c.subMu.Unlock()
		handle.Cancel()
		return
	}
	old, hadOld := c.subs[subKey(symbol, resolution)]
	c.subs[subKey(symbol, resolution)] = &clientSub{
		symbol:     symbol,
		resolution: resolution,
		handle:     handle,
	}
	c.subMu.Unlock()
	if hadOld {
		old.handle.Cancel()
	}

	log.Printf("[gateway] client subscribed: symbol=%s (%s) resolution=%dm bars=%d noData=%v",
		symbol, info.Canonical, resolution, len(bars), noData)
}

// handleUnsubscribe cancels one live listener.
func (c *Client) handleUnsubscribe(msg UnsubscribeMsg) {
	key := subKey(msg.Symbol, msg.Resolution)
	c.subMu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.subMu.Unlock()

	if ok {
		sub.handle.Cancel()
		log.Printf("[gateway] client unsubscribed: symbol=%s resolution=%dm", msg.Symbol, msg.Resolution)
	}
}

// cancelAll marks the client closed and tears down every live listener;
// called on disconnect. Handles are cancelled outside subMu: the engine's
// commit path holds its own subscription lock while invoking callbacks
// that re-enter subMu through SendJSON.
func (c *Client) cancelAll() {
	c.subMu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = map[string]*clientSub{}
	c.subMu.Unlock()

	for _, sub := range subs {
		sub.handle.Cancel()
	}
}
