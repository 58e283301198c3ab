// Package feed implements the live bar synthesis engine. The upstream offers
// no push feed — only a mutable "current candle" snapshot per timeframe and a
// raw bid/ask tick — so each subscription re-polls both sources on a short
// interval, merges them into the currently open bar, detects bucket rollover
// itself, and emits a monotonically progressing stream of OHLCV bars.
//
// One Engine instance owns all subscriptions; there is no process-global
// state. Every resolution, the 1-minute base unit included, goes through the
// same bucket.Fold path.
package feed

import (
	"context"
	"log"
	"sync"
	"time"

	"chartfeed/internal/model"
	"chartfeed/pkg/upstream"
)

// Source is the slice of the upstream client the engine polls.
type Source interface {
	Current(ctx context.Context, symbol string, timeframeMin int) (*upstream.Candle, error)
	LiveTick(ctx context.Context, symbol string) (upstream.Tick, error)
}

// BarFunc receives each emitted bar for a subscription.
type BarFunc func(model.Bar)

// ResetFunc is invoked on bucket rollover, when the consumer's cached view
// of the open bar must be discarded.
type ResetFunc func()

// Config configures the engine.
type Config struct {
	// PollInterval is the target poll cadence per subscription.
	// Default: 200ms. Network latency above it degrades gracefully —
	// overlapping in-flight polls are tolerated, not deduplicated.
	PollInterval time.Duration

	// FetchTimeout bounds each poll's pair of upstream fetches.
	// Default: 3s.
	FetchTimeout time.Duration

	// RecentBars is the per-subscription ring capacity. Default: 64.
	RecentBars int
}

// Engine synthesizes live bar streams for arbitrarily many concurrent
// (symbol, resolution) subscriptions.
type Engine struct {
	src          Source
	pollInterval time.Duration
	fetchTimeout time.Duration
	recentBars   int

	// Now is the clock, overridable in tests.
	Now func() time.Time

	// OnEmit, when set, observes every emitted bar (metrics, storage
	// fan-out). Called after the subscription's own callback. Must not
	// block.
	OnEmit func(symbol string, resolutionMin int, bar model.Bar, rolled bool)

	// OnPoll, when set, observes every completed fetch round with its
	// duration, successful or not.
	OnPoll func(symbol string, took time.Duration)

	// OnPollError, when set, observes upstream fetch failures. Failures
	// are never surfaced to consumers — the next scheduled poll retries.
	OnPollError func(symbol string, err error)

	mu   sync.Mutex
	subs map[string]*Subscription
}

// New creates an Engine polling the given source.
func New(src Source, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 3 * time.Second
	}
	if cfg.RecentBars <= 0 {
		cfg.RecentBars = 64
	}
	return &Engine{
		src:          src,
		pollInterval: cfg.PollInterval,
		fetchTimeout: cfg.FetchTimeout,
		recentBars:   cfg.RecentBars,
		Now:          time.Now,
		subs:         make(map[string]*Subscription),
	}
}

// Handle is the cancellation handle returned by Subscribe. Cancel is the
// only way to stop the subscription it belongs to.
type Handle struct {
	engine *Engine
	sub    *Subscription
}

// Cancel stops the subscription's poll timer and discards its state.
// Idempotent. Once Cancel returns, no further bar or reset callback for
// this subscription will fire, even from fetches still in flight.
func (h *Handle) Cancel() {
	h.engine.drop(h.sub)
}

// Subscribe registers a live bar stream for (symbol, resolutionMin) under
// the given listener id and starts its poll timer. An id that is already
// active is replaced: the previous subscription is cancelled first, so no
// duplicate concurrent pollers accumulate.
func (e *Engine) Subscribe(id, symbol string, resolutionMin int, onBar BarFunc, onReset ResetFunc) *Handle {
	if resolutionMin <= 0 {
		resolutionMin = 1
	}
	ctx, stop := context.WithCancel(context.Background())
	sub := newSubscription(id, symbol, resolutionMin, onBar, onReset, stop, e.recentBars)

	e.mu.Lock()
	old := e.subs[id]
	e.subs[id] = sub
	e.mu.Unlock()

	if old != nil {
		old.shutdown()
		log.Printf("[feed] replaced live subscription %s", id)
	}

	go e.run(ctx, sub)
	return &Handle{engine: e, sub: sub}
}

// Unsubscribe cancels the subscription registered under id. Calling it
// twice, or with an unknown id, is a no-op.
func (e *Engine) Unsubscribe(id string) {
	e.mu.Lock()
	sub := e.subs[id]
	e.mu.Unlock()
	if sub != nil {
		e.drop(sub)
	}
}

// Snapshot returns the last committed bar for id, letting a late consumer
// read state without waiting for the next poll tick.
func (e *Engine) Snapshot(id string) (model.Bar, bool) {
	e.mu.Lock()
	sub := e.subs[id]
	e.mu.Unlock()
	if sub == nil {
		return model.Bar{}, false
	}
	return sub.snapshot()
}

// Recent returns up to n recently emitted bars for id, oldest first.
func (e *Engine) Recent(id string, n int) []model.Bar {
	e.mu.Lock()
	sub := e.subs[id]
	e.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.recent.Last(n)
}

// RecentFor returns up to n recently emitted bars from any live listener on
// (symbol, resolutionMin), oldest first. Lets a consumer joining an already
// polled instrument start from synthesized bars the history endpoint has
// not served yet.
func (e *Engine) RecentFor(symbol string, resolutionMin, n int) []model.Bar {
	e.mu.Lock()
	id := ""
	for _, s := range e.subs {
		if s.symbol == symbol && s.resolution == resolutionMin {
			id = s.id
			break
		}
	}
	e.mu.Unlock()
	if id == "" {
		return nil
	}
	return e.Recent(id, n)
}

// Active returns the number of live subscriptions.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Shutdown cancels every live subscription.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	subs := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		subs = append(subs, s)
	}
	e.mu.Unlock()
	for _, s := range subs {
		e.drop(s)
	}
}

// drop removes sub from the registry (only if it is still the registered
// holder of its id — it may have been replaced) and shuts it down.
func (e *Engine) drop(sub *Subscription) {
	e.mu.Lock()
	if cur, ok := e.subs[sub.id]; ok && cur == sub {
		delete(e.subs, sub.id)
	}
	e.mu.Unlock()
	sub.shutdown()
}

// run is the subscription's timer loop. Each tick launches a poll in its own
// goroutine: a slow round-trip must not stall the cadence, and overlapping
// polls are safe because commits only ever merge against the subscription's
// own last committed bar.
func (e *Engine) run(ctx context.Context, sub *Subscription) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go e.poll(ctx, sub)
		}
	}
}

// poll performs one tick: fetch snapshot and tick concurrently, then merge
// whatever succeeded. Nothing may escape a poll — an uncaught panic here
// would silently stop all future polls for the subscription.
func (e *Engine) poll(ctx context.Context, sub *Subscription) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[feed] %s: recovered poll panic: %v", sub.id, r)
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, e.fetchTimeout)
	defer cancel()

	started := e.Now()

	var (
		wg      sync.WaitGroup
		snap    *upstream.Candle
		snapErr error
		tick    upstream.Tick
		tickErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		snap, snapErr = e.src.Current(fctx, sub.symbol, 1)
	}()
	go func() {
		defer wg.Done()
		tick, tickErr = e.src.LiveTick(fctx, sub.symbol)
	}()
	wg.Wait()

	if e.OnPoll != nil {
		e.OnPoll(sub.symbol, e.Now().Sub(started))
	}
	if snapErr != nil && e.OnPollError != nil {
		e.OnPollError(sub.symbol, snapErr)
	}
	if tickErr != nil && e.OnPollError != nil {
		e.OnPollError(sub.symbol, tickErr)
	}
	if snapErr != nil && tickErr != nil {
		// Total failure: silent no-op, previous bar retained unchanged.
		return
	}
	if snapErr != nil {
		snap = nil
	}

	bar, rolled, emitted := sub.commit(snap, tick, tickErr == nil, e.Now())
	if emitted && e.OnEmit != nil {
		e.OnEmit(sub.symbol, sub.resolution, bar, rolled)
	}
}
