package upstream

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Candle is one raw OHLCV record as the backend reports it. The upstream is
// sloppy about shape: field casing varies between deployments (handled by
// encoding/json's case-insensitive key match), the timestamp may be an ISO
// string, epoch seconds, or epoch millis, and any numeric field may be
// absent. Accessors below resolve that; callers never touch the raw fields.
type Candle struct {
	Time   json.RawMessage `json:"time"`
	Open   *float64        `json:"open"`
	High   *float64        `json:"high"`
	Low    *float64        `json:"low"`
	Close  *float64        `json:"close"`
	Volume *float64        `json:"volume"`
}

// timeLayouts are the string timestamp formats seen from the backend.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// TimeMillis resolves the record's timestamp to Unix milliseconds.
// Returns false when the timestamp is absent or unparseable.
func (c *Candle) TimeMillis() (int64, bool) {
	if len(c.Time) == 0 {
		return 0, false
	}

	var num float64
	if err := json.Unmarshal(c.Time, &num); err == nil {
		return epochToMillis(num)
	}

	var s string
	if err := json.Unmarshal(c.Time, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return epochToMillis(n)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// epochToMillis disambiguates epoch seconds from epoch millis. Anything
// below 1e11 is seconds: 1e11 ms is 1973 and 1e11 s is year 5138, so no
// real market timestamp falls in between.
func epochToMillis(v float64) (int64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, false
	}
	if v < 1e11 {
		return int64(v * 1000), true
	}
	return int64(v), true
}

// OpenValue returns the open price, reporting whether it is present and finite.
func (c *Candle) OpenValue() (float64, bool) { return field(c.Open) }

// HighValue returns the high price, reporting whether it is present and finite.
func (c *Candle) HighValue() (float64, bool) { return field(c.High) }

// LowValue returns the low price, reporting whether it is present and finite.
func (c *Candle) LowValue() (float64, bool) { return field(c.Low) }

// CloseValue returns the close price, reporting whether it is present and finite.
func (c *Candle) CloseValue() (float64, bool) { return field(c.Close) }

// VolumeValue returns the volume, zero when absent or unusable.
func (c *Candle) VolumeValue() float64 {
	v, ok := field(c.Volume)
	if !ok || v < 0 {
		return 0
	}
	return v
}

func field(p *float64) (float64, bool) {
	if p == nil || math.IsNaN(*p) || math.IsInf(*p, 0) {
		return 0, false
	}
	return *p, true
}
