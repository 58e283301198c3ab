// Package history retrieves and normalizes batches of historical bars.
// The upstream history endpoint is count-based and sloppy about record
// shape, so the fetcher's job is mostly repair: tolerant parsing, bucket
// alignment, envelope clamping, and a defined fallback order so the chart
// is never left blank by a range the upstream cannot satisfy.
package history

import (
	"context"
	"fmt"
	"log"
	"sort"

	"chartfeed/internal/bucket"
	"chartfeed/internal/model"
	"chartfeed/pkg/upstream"
)

// Source is the slice of the upstream client the fetcher needs.
type Source interface {
	History(ctx context.Context, symbol string, timeframeMin, count int) ([]upstream.Candle, error)
}

// LocalStore serves previously persisted bars when the upstream has none.
type LocalStore interface {
	RecentBars(ctx context.Context, symbol string, resolutionMin, count int) ([]model.Bar, error)
}

// Range restricts a fetch to [FromMs, ToMs] (Unix millis, inclusive).
type Range struct {
	FromMs int64
	ToMs   int64
}

// Fetcher fetches history batches from the upstream, with an optional local
// store fallback.
type Fetcher struct {
	src Source

	// Local, when set, is consulted after every upstream candidate came
	// back empty. Optional.
	Local LocalStore
}

// New creates a Fetcher over the given source.
func New(src Source) *Fetcher {
	return &Fetcher{src: src}
}

// Fetch tries each candidate spelling in order until one yields at least one
// structurally valid bar; candidates are never merged. noData=true is the
// normal empty-result signal. An error is returned only when every candidate
// failed at the transport level — exhausting the resolver's spellings is the
// one place an unresolvable symbol surfaces.
func (f *Fetcher) Fetch(ctx context.Context, candidates []string, resolutionMin, count int, rng *Range) ([]model.Bar, bool, error) {
	if count <= 0 {
		count = 500
	}

	var bars []model.Bar
	var lastErr error
	failures := 0
	for _, symbol := range candidates {
		raw, err := f.src.History(ctx, symbol, resolutionMin, count)
		if err != nil {
			failures++
			lastErr = err
			log.Printf("[history] %s tf=%dm: %v", symbol, resolutionMin, err)
			continue
		}
		parsed := normalize(raw, resolutionMin)
		if len(parsed) > 0 {
			bars = parsed
			break
		}
	}

	if bars == nil && failures == len(candidates) && failures > 0 {
		return nil, false, fmt.Errorf("history: all %d candidates failed: %w", failures, lastErr)
	}

	if len(bars) == 0 && f.Local != nil && len(candidates) > 0 {
		local, err := f.Local.RecentBars(ctx, candidates[0], resolutionMin, count)
		if err != nil {
			log.Printf("[history] local fallback for %s: %v", candidates[0], err)
		} else {
			bars = local
		}
	}

	if len(bars) == 0 {
		return nil, true, nil
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Time < bars[j].Time })

	if rng != nil {
		filtered := bars[:0:0]
		for _, b := range bars {
			if b.Time >= rng.FromMs && b.Time <= rng.ToMs {
				filtered = append(filtered, b)
			}
		}
		// The upstream API is count-based and cannot target a window; when
		// the requested range misses everything we still return the most
		// recent batch rather than an empty chart.
		if len(filtered) > 0 {
			bars = filtered
		}
	}

	return bars, false, nil
}

// normalize converts raw upstream records into valid Bars, dropping records
// without a usable timestamp or close and repairing violated highs/lows.
func normalize(raw []upstream.Candle, resolutionMin int) []model.Bar {
	bars := make([]model.Bar, 0, len(raw))
	for i := range raw {
		rc := &raw[i]

		ms, ok := rc.TimeMillis()
		if !ok {
			continue
		}
		close_, ok := rc.CloseValue()
		if !ok || close_ <= 0 {
			continue
		}

		open, ok := rc.OpenValue()
		if !ok || open <= 0 {
			open = close_
		}
		high, ok := rc.HighValue()
		if !ok {
			high = close_
		}
		low, ok := rc.LowValue()
		if !ok {
			low = close_
		}

		b := model.Bar{
			Time:   bucket.Start(ms, resolutionMin),
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close_,
			Volume: rc.VolumeValue(),
		}.Repair()
		bars = append(bars, b)
	}
	return bars
}
