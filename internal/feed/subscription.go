package feed

import (
	"context"
	"math"
	"sync"
	"time"

	"chartfeed/internal/bucket"
	"chartfeed/internal/model"
	"chartfeed/internal/ringbuf"
	"chartfeed/pkg/upstream"
)

// Subscription is the per-listener state machine: AwaitingFirstBar until the
// first successful merge, Streaming after, terminally cancelled on shutdown.
// All mutable state is owned by this subscription alone and touched only
// under its own mutex, so no subscription can corrupt another's stream.
type Subscription struct {
	id         string
	symbol     string
	resolution int // minutes
	onBar      BarFunc
	onReset    ResetFunc
	stop       context.CancelFunc
	recent     *ringbuf.Ring

	mu        sync.Mutex
	cancelled bool
	lastBar   *model.Bar
	cursor    bucket.Cursor
}

func newSubscription(id, symbol string, resolutionMin int, onBar BarFunc, onReset ResetFunc, stop context.CancelFunc, recentCap int) *Subscription {
	return &Subscription{
		id:         id,
		symbol:     symbol,
		resolution: resolutionMin,
		onBar:      onBar,
		onReset:    onReset,
		stop:       stop,
		recent:     ringbuf.New(recentCap),
	}
}

// shutdown stops the timer and marks the subscription cancelled. The flag is
// flipped under the same mutex the commit path holds while invoking
// callbacks, so once shutdown returns no further callback can fire: a commit
// racing with it either finished before we took the lock or will observe
// cancelled and discard its in-flight result.
func (s *Subscription) shutdown() {
	s.stop()
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *Subscription) snapshot() (model.Bar, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastBar == nil {
		return model.Bar{}, false
	}
	return *s.lastBar, true
}

// commit merges one poll's snapshot and tick into the subscription's open
// bar. Returns the emitted bar, whether the bucket rolled over, and whether
// anything was emitted at all (no-op ticks are suppressed).
//
// The merge is order-tolerant by construction: it computes nothing relative
// to an external response, only relative to the subscription's own last
// committed bar, so overlapping in-flight polls cannot corrupt state.
func (s *Subscription) commit(snap *upstream.Candle, tick upstream.Tick, hasTick bool, now time.Time) (model.Bar, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return model.Bar{}, false, false
	}

	// The tick is fresher than the snapshot but lacks structure; its price
	// wins, the snapshot's close is only the fallback.
	price := 0.0
	if hasTick {
		price = tick.Price()
	}
	if price == 0 && snap != nil {
		if c, ok := snap.CloseValue(); ok && c > 0 {
			price = c
		}
	}
	if !model.IsPrice(price) {
		return model.Bar{}, false, false
	}

	// Open: snapshot structure first, continuity with the previous bar
	// second, a synthetic seed from the price last.
	open := 0.0
	if snap != nil {
		if o, ok := snap.OpenValue(); ok && o > 0 {
			open = o
		}
	}
	if open == 0 && s.lastBar != nil {
		open = s.lastBar.Close
	}
	if open == 0 {
		open = price
	}

	// High/low: the widest envelope of snapshot extremes, tick bid/ask,
	// and the price itself.
	high, low := price, price
	if snap != nil {
		if h, ok := snap.HighValue(); ok && h > 0 {
			high = math.Max(high, h)
		}
		if l, ok := snap.LowValue(); ok && l > 0 {
			low = math.Min(low, l)
		}
	}
	if hasTick {
		for _, v := range [...]float64{tick.Bid, tick.Ask} {
			if model.IsPrice(v) {
				high = math.Max(high, v)
				low = math.Min(low, v)
			}
		}
	}

	// Base-minute bucket time: the snapshot's own clock when it has one,
	// the local clock when it doesn't.
	var baseTime int64
	if snap != nil {
		if ms, ok := snap.TimeMillis(); ok {
			baseTime = bucket.Start(ms, 1)
		}
	}
	if baseTime == 0 {
		baseTime = bucket.Start(now.UnixMilli(), 1)
	}

	baseVolume := 0.0
	if snap != nil {
		baseVolume = snap.VolumeValue()
	}

	base := model.Bar{
		Time:   baseTime,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  price,
		Volume: baseVolume,
	}.Repair()

	merged, rolled := bucket.Fold(s.lastBar, base, s.resolution)
	if rolled {
		merged.Volume = s.cursor.Reset(baseTime, baseVolume)
	} else {
		// Snapshot volume is assumed cumulative within its bucket; max()
		// keeps the bar's volume monotone even if a poll briefly reports
		// a smaller figure.
		total := s.cursor.Observe(baseTime, baseVolume)
		merged.Volume = math.Max(s.lastBar.Volume, total)
	}

	if s.lastBar != nil && *s.lastBar == merged {
		return model.Bar{}, false, false // no-op tick, suppress
	}

	s.lastBar = &merged
	s.recent.Push(merged)

	if rolled && s.onReset != nil {
		s.onReset()
	}
	if s.onBar != nil {
		s.onBar(merged)
	}
	return merged, rolled, true
}
