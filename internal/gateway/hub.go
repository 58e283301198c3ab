package gateway

import (
	"log"
	"strconv"
	"sync"

	"chartfeed/internal/feed"
	"chartfeed/internal/history"
	"chartfeed/internal/model"

	"github.com/gorilla/websocket"
)

// LiveFeed is the slice of the bar engine the hub needs.
type LiveFeed interface {
	Subscribe(id, symbol string, resolutionMin int, onBar feed.BarFunc, onReset feed.ResetFunc) *feed.Handle
	RecentFor(symbol string, resolutionMin, n int) []model.Bar
}

// Hub manages WebSocket chart clients. Each client SUBSCRIBE opens its own
// listener on the shared bar engine; the hub owns no market state itself.
type Hub struct {
	Feed    LiveFeed
	History *history.Service

	// OnClientCount, if set, is called with the client total on every
	// connect and disconnect.
	OnClientCount func(n int)

	mu      sync.RWMutex
	clients map[*Client]bool
	nextID  uint64
}

// NewHub creates a Hub over the given engine and history service.
func NewHub(f LiveFeed, h *history.Service) *Hub {
	return &Hub{
		Feed:    f,
		History: h,
		clients: make(map[*Client]bool),
	}
}

// HandleWSRequest registers an upgraded connection and starts its pumps.
func (h *Hub) HandleWSRequest(conn *websocket.Conn) {
	client := &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		subs: make(map[string]*clientSub),
	}

	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.nextID++
	client.id = "c" + strconv.FormatUint(h.nextID, 10)
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[gateway] ws client connected (%d total)", count)
	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}

	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub and cancels its live
// listeners. cancelAll marks the client closed before c.send is closed
// here, so a SUBSCRIBE goroutine still in its history fetch cannot send
// on the closed channel or register a listener afterwards.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	c.cancelAll()
	close(c.send)

	if h.OnClientCount != nil {
		h.OnClientCount(count)
	}
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
