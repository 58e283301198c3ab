package gateway

import (
	"encoding/json"
	"log"

	"chartfeed/internal/model"
)

// ── WS Protocol Message Types ──

// SubscribeMsg is the client → server SUBSCRIBE request.
type SubscribeMsg struct {
	Type       string         `json:"type"`       // "SUBSCRIBE"
	ReqID      string         `json:"reqId"`      // client-generated request ID
	Symbol     string         `json:"symbol"`     // requested spelling, e.g. "EURUSD"
	Resolution int            `json:"resolution"` // minutes
	History    HistoryRequest `json:"history"`
}

// HistoryRequest specifies how many historical bars to send in the snapshot.
type HistoryRequest struct {
	Bars int `json:"bars"`
}

// UnsubscribeMsg is the client → server UNSUBSCRIBE request.
type UnsubscribeMsg struct {
	Type       string `json:"type"` // "UNSUBSCRIBE"
	ReqID      string `json:"reqId"`
	Symbol     string `json:"symbol"`
	Resolution int    `json:"resolution"`
}

// SnapshotResponse is the server → client SNAPSHOT with historical bars.
// NoData marks the legitimate empty result; the client should render an
// empty chart, not retry.
type SnapshotResponse struct {
	Type       string      `json:"type"` // "SNAPSHOT"
	ReqID      string      `json:"reqId"`
	Symbol     string      `json:"symbol"`
	Canonical  string      `json:"canonical"`
	Resolution int         `json:"resolution"`
	Bars       []model.Bar `json:"bars"`
	NoData     bool        `json:"noData,omitempty"`
}

// LiveUpdate is the server → client LIVE message carrying the current state
// of the open bar. The same bucket time may repeat with growing high/low and
// moving close; a changed bucket time always arrives via RESET first.
type LiveUpdate struct {
	Type       string    `json:"type"` // "LIVE"
	Symbol     string    `json:"symbol"`
	Resolution int       `json:"resolution"`
	Bar        model.Bar `json:"bar"`
}

// ResetMsg tells the client to discard its cached open bar before applying
// the next LIVE update: a new bucket has started.
type ResetMsg struct {
	Type       string `json:"type"` // "RESET"
	Symbol     string `json:"symbol"`
	Resolution int    `json:"resolution"`
}

// ErrorResponse is the server → client ERROR message.
type ErrorResponse struct {
	Type  string `json:"type"` // "ERROR"
	ReqID string `json:"reqId,omitempty"`
	Error string `json:"error"`
}

// ── Helpers ──

// SendJSON marshals and sends a message to the client's send channel.
// Drops rather than blocks when the client cannot keep up, and is a no-op
// once the client has disconnected. The send happens under subMu: the hub
// closes c.send only after flipping closed under the same lock, so a send
// can never race the close.
func SendJSON(c *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[gateway] json marshal error: %v", err)
		return
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		log.Println("[gateway] client send buffer full, dropping message")
	}
}

// SendError sends an error response to the client.
func SendError(c *Client, reqID, errMsg string) {
	SendJSON(c, ErrorResponse{
		Type:  "ERROR",
		ReqID: reqID,
		Error: errMsg,
	})
}
