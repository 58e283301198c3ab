package model

import (
	"encoding/json"
	"math"
	"strconv"
)

// Bar represents one OHLCV record for a fixed time bucket.
// Time is the bucket start in Unix milliseconds, always an exact multiple
// of the bar's resolution. Bars are value objects: a merge produces a new
// Bar, it never mutates one already handed to a consumer.
type Bar struct {
	Time   int64   `json:"time"` // bucket start, Unix millis
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Valid reports whether the bar satisfies the basic structural invariants:
// positive finite close, non-negative volume, high/low enclosing open/close.
func (b Bar) Valid() bool {
	if !IsPrice(b.Close) {
		return false
	}
	if b.Volume < 0 || math.IsNaN(b.Volume) {
		return false
	}
	return b.High >= math.Max(b.Open, b.Close) && b.Low <= math.Min(b.Open, b.Close)
}

// Repair clamps high/low so they enclose open and close. Upstream highs and
// lows are sometimes missing and default to close, which would otherwise
// violate the envelope invariant.
func (b Bar) Repair() Bar {
	b.High = math.Max(b.High, math.Max(b.Open, b.Close))
	b.Low = math.Min(b.Low, math.Min(b.Open, b.Close))
	return b
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b Bar) JSON() []byte {
	out, _ := json.Marshal(b)
	return out
}

// BarFromJSON decodes one JSON-encoded bar.
func BarFromJSON(data []byte) (Bar, error) {
	var b Bar
	err := json.Unmarshal(data, &b)
	return b, err
}

// BarsJSON encodes a batch of bars.
func BarsJSON(bars []Bar) ([]byte, error) {
	return json.Marshal(bars)
}

// BarsFromJSON decodes a batch of bars.
func BarsFromJSON(data []byte) ([]Bar, error) {
	var bars []Bar
	err := json.Unmarshal(data, &bars)
	return bars, err
}

// IsPrice reports whether v is a usable price: finite and strictly positive.
func IsPrice(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}

// BarEvent is one committed bar tagged with its subscription key, as fanned
// out to storage and delivery sinks.
type BarEvent struct {
	Symbol     string
	Resolution int // minutes
	Bar        Bar
	Rolled     bool
}

// Key returns a human-readable identifier for logging.
func (e BarEvent) Key() string {
	return e.Symbol + "/" + strconv.Itoa(e.Resolution) + "m"
}
