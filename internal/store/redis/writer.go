package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"chartfeed/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	// Stream trimming: roughly a trading day of 1m bars + buffer
	streamBaseMaxLen = 1600
	defaultLatestTTL = 30 * time.Minute
)

// WriterConfig configures the Redis writer.
type WriterConfig struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Writer publishes synthesized bars and caches history batches in Redis.
type Writer struct {
	client  *goredis.Client
	breaker *CircuitBreaker
}

// Client returns the underlying Redis client for health checks.
func (w *Writer) Client() *goredis.Client { return w.client }

// Breaker returns the write-path circuit breaker.
func (w *Writer) Breaker() *CircuitBreaker { return w.breaker }

// New creates a new Redis Writer and pings the server.
func New(cfg WriterConfig) (*Writer, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Writer{
		client:  client,
		breaker: NewCircuitBreaker(5, 10*time.Second),
	}, nil
}

// barKeys builds the latest, stream and pubsub keys for a (symbol, resolution).
func barKeys(symbol string, resolutionMin int) (latest, stream, pubsub string) {
	res := strconv.Itoa(resolutionMin) + "m"
	latest = "bar:" + res + ":latest:" + symbol
	stream = "bar:" + res + ":" + symbol
	pubsub = "pub:bar:" + res + ":" + symbol
	return
}

// WriteBar performs pipelined writes for one synthesized bar: SET the latest
// value with a TTL, XADD to the trimmed per-symbol stream, and PUBLISH for
// real-time subscribers. Failures feed the circuit breaker; while the breaker
// is open the write is dropped rather than stalling the emit path.
func (w *Writer) WriteBar(ctx context.Context, symbol string, resolutionMin int, bar model.Bar) error {
	latestKey, streamKey, pubsubCh := barKeys(symbol, resolutionMin)
	jsonData := string(bar.JSON())

	// Proportional MAXLEN: one day of bars at this resolution + buffer
	maxLen := int64(streamBaseMaxLen / resolutionMin)
	if maxLen < 200 {
		maxLen = 200
	}

	return w.breaker.Execute(func() error {
		pipe := w.client.Pipeline()
		pipe.Set(ctx, latestKey, jsonData, defaultLatestTTL)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamKey,
			MaxLen: maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"data": jsonData,
			},
		})
		pipe.Publish(ctx, pubsubCh, jsonData)

		_, err := pipe.Exec(ctx)
		if err != nil {
			log.Printf("[redis] bar pipeline error for %s/%dm: %v", symbol, resolutionMin, err)
		}
		return err
	})
}

// LatestBar reads the most recently published bar for a (symbol, resolution).
// Returns (zero, false, nil) when none is cached.
func (w *Writer) LatestBar(ctx context.Context, symbol string, resolutionMin int) (model.Bar, bool, error) {
	latestKey, _, _ := barKeys(symbol, resolutionMin)
	data, err := w.client.Get(ctx, latestKey).Bytes()
	if err == goredis.Nil {
		return model.Bar{}, false, nil
	}
	if err != nil {
		return model.Bar{}, false, fmt.Errorf("redis GET %s: %w", latestKey, err)
	}
	bar, err := model.BarFromJSON(data)
	if err != nil {
		return model.Bar{}, false, fmt.Errorf("redis decode %s: %w", latestKey, err)
	}
	return bar, true, nil
}

// CacheHistory stores a history batch under a deterministic key with a TTL.
// Cache failures are logged, not surfaced; history falls through to upstream.
func (w *Writer) CacheHistory(ctx context.Context, symbol string, resolutionMin, count int, bars []model.Bar, ttl time.Duration) {
	key := historyKey(symbol, resolutionMin, count)
	data, err := model.BarsJSON(bars)
	if err != nil {
		log.Printf("[redis] history encode error for %s: %v", key, err)
		return
	}
	if err := w.client.Set(ctx, key, data, ttl).Err(); err != nil {
		log.Printf("[redis] history cache SET error for %s: %v", key, err)
	}
}

// CachedHistory reads a previously cached history batch.
// Returns (nil, false) on miss or decode failure.
func (w *Writer) CachedHistory(ctx context.Context, symbol string, resolutionMin, count int) ([]model.Bar, bool) {
	key := historyKey(symbol, resolutionMin, count)
	data, err := w.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			log.Printf("[redis] history cache GET error for %s: %v", key, err)
		}
		return nil, false
	}
	bars, err := model.BarsFromJSON(data)
	if err != nil {
		log.Printf("[redis] history cache decode error for %s: %v", key, err)
		return nil, false
	}
	return bars, true
}

func historyKey(symbol string, resolutionMin, count int) string {
	return "hist:" + symbol + ":" + strconv.Itoa(resolutionMin) + "m:" + strconv.Itoa(count)
}

// Close closes the Redis client.
func (w *Writer) Close() error {
	return w.client.Close()
}
