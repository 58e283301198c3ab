// Package bucket provides the pure time-bucketing and incremental fold
// primitives the live synthesizer is built on. A bucket is the aligned
// window [t, t+resolution); resolution is expressed in minutes, with the
// 1-minute base unit going through the same fold path as every larger
// timeframe.
package bucket

import (
	"math"

	"chartfeed/internal/model"
)

const minuteMs = 60_000

// Start returns the bucket start for timeMs at the given resolution:
// floor(timeMs / width) * width, where width = resolutionMin minutes.
func Start(timeMs int64, resolutionMin int) int64 {
	width := int64(resolutionMin) * minuteMs
	if width <= 0 {
		width = minuteMs
	}
	if timeMs < 0 {
		// floor, not truncate, for pre-epoch timestamps
		return ((timeMs - width + 1) / width) * width
	}
	return (timeMs / width) * width
}

// Fold merges an incoming base-unit bar into the running aggregate for the
// given resolution. agg == nil or a base bar in a later bucket starts a new
// aggregate; rolled is true in that case so the caller can fire its
// cache-reset hook. Within the same bucket, open is frozen, high/low widen
// (close participates in the envelope) and close is replaced.
//
// Volume is intentionally untouched here: correct accumulation requires
// knowing whether base is a new base minute or a re-poll of the same one,
// which is the Cursor's job.
func Fold(agg *model.Bar, base model.Bar, resolutionMin int) (model.Bar, bool) {
	start := Start(base.Time, resolutionMin)

	if agg == nil || start > agg.Time {
		return model.Bar{
			Time:   start,
			Open:   base.Open,
			High:   base.High,
			Low:    base.Low,
			Close:  base.Close,
			Volume: base.Volume,
		}, true
	}

	out := *agg
	out.High = math.Max(out.High, math.Max(base.High, base.Close))
	out.Low = math.Min(out.Low, math.Min(base.Low, base.Close))
	out.Close = base.Close
	return out, false
}

// Cursor tracks volume accumulation across repeated polls of the same base
// minute. The upstream snapshot reports volume cumulative within its own
// minute, so a minute polled dozens of times must be summed exactly once:
// advancing to a new base minute banks the previous minute's last-seen
// volume, re-polling the same minute only overwrites it.
type Cursor struct {
	LastBaseTime   int64   // most recently observed base-minute timestamp (millis)
	LastBaseVolume float64 // last-seen volume for that minute
	Running        float64 // banked volume of completed base minutes in this bucket
}

// Observe records one base-minute observation and returns the aggregate's
// total volume so far: banked completed minutes plus the open minute.
// An observation older than the current base minute is ignored — overlapping
// polls may resolve out of order, and re-banking an already-completed minute
// would double count it.
func (c *Cursor) Observe(baseTimeMs int64, volume float64) float64 {
	switch {
	case baseTimeMs > c.LastBaseTime:
		c.Running += c.LastBaseVolume
		c.LastBaseTime = baseTimeMs
		c.LastBaseVolume = volume
	case baseTimeMs == c.LastBaseTime:
		c.LastBaseVolume = volume
	}
	return c.Running + c.LastBaseVolume
}

// Reset reseeds the cursor at a bucket rollover: the new bucket starts with
// only the incoming base minute.
func (c *Cursor) Reset(baseTimeMs int64, volume float64) float64 {
	c.Running = 0
	c.LastBaseTime = baseTimeMs
	c.LastBaseVolume = volume
	return volume
}
