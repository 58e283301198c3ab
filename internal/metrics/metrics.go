package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the bar synthesis service.
type Metrics struct {
	// Live engine
	PollsTotal          prometheus.Counter
	PollErrorsTotal     prometheus.Counter
	BarsEmittedTotal    *prometheus.CounterVec // labels: resolution
	RolloversTotal      *prometheus.CounterVec // labels: resolution
	ActiveSubscriptions prometheus.Gauge
	FetchDur            prometheus.Histogram // one poll's joined snapshot+tick round trip

	// History
	HistoryRequestsTotal prometheus.Counter
	HistoryNoDataTotal   prometheus.Counter
	HistoryFetchDur      prometheus.Histogram
	HistoryCacheHits     prometheus.Counter

	// Delivery
	WSClients prometheus.Gauge

	// Storage
	RedisWriteDur            prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	SQLiteCommitDur          prometheus.Histogram
	SinkDropsTotal           *prometheus.CounterVec // labels: sink
	SinkQueueDepth           *prometheus.GaugeVec   // labels: sink
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_polls_total",
			Help: "Total live poll ticks executed",
		}),
		PollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_poll_errors_total",
			Help: "Upstream fetch failures inside poll ticks (retried, never surfaced)",
		}),
		BarsEmittedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_bars_emitted_total",
			Help: "Bars emitted to subscribers (by resolution, minutes)",
		}, []string{"resolution"}),
		RolloversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_rollovers_total",
			Help: "Bucket rollovers detected (by resolution, minutes)",
		}, []string{"resolution"}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_active_subscriptions",
			Help: "Currently live (symbol, resolution) subscriptions",
		}),
		FetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartfeed_poll_fetch_duration_seconds",
			Help:    "Joined snapshot+tick fetch latency per poll",
			Buckets: prometheus.DefBuckets,
		}),

		HistoryRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_history_requests_total",
			Help: "History batch fetches served",
		}),
		HistoryNoDataTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_history_nodata_total",
			Help: "History fetches that ended in the noData signal",
		}),
		HistoryFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartfeed_history_fetch_duration_seconds",
			Help:    "History fetch latency (all candidates)",
			Buckets: prometheus.DefBuckets,
		}),
		HistoryCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_history_cache_hits_total",
			Help: "History batches served from the Redis cache",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_ws_clients",
			Help: "Connected WebSocket chart clients",
		}),

		RedisWriteDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartfeed_redis_write_duration_seconds",
			Help:    "Redis bar publish latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chartfeed_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chartfeed_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chartfeed_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		SinkDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chartfeed_sink_drops_total",
			Help: "Bars dropped by the storage fan-out per slow sink",
		}, []string{"sink"}),
		SinkQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chartfeed_sink_queue_depth",
			Help: "Buffered bars waiting in each storage sink channel",
		}, []string{"sink"}),
	}

	prometheus.MustRegister(
		m.PollsTotal,
		m.PollErrorsTotal,
		m.BarsEmittedTotal,
		m.RolloversTotal,
		m.ActiveSubscriptions,
		m.FetchDur,
		m.HistoryRequestsTotal,
		m.HistoryNoDataTotal,
		m.HistoryFetchDur,
		m.HistoryCacheHits,
		m.WSClients,
		m.RedisWriteDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.SQLiteCommitDur,
		m.SinkDropsTotal,
		m.SinkQueueDepth,
	)

	return m
}

// HealthStatus represents the service health.
type HealthStatus struct {
	mu sync.RWMutex

	UpstreamOK     bool
	LastEmitTime   time.Time
	RedisConnected bool
	SQLiteOK       bool

	RedisLatencyMs  float64
	SQLiteLatencyMs float64
	LastCheckAt     time.Time
	StartedAt       time.Time
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetUpstreamOK(v bool) {
	h.mu.Lock()
	h.UpstreamOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastEmitTime(t time.Time) {
	h.mu.Lock()
	h.LastEmitTime = t
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency + connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckSQLite pings the database and records latency + health.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.SQLiteOK = err == nil
	h.SQLiteLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if sqlDB != nil {
					h.CheckSQLite(probeCtx, sqlDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.UpstreamOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	emitAge := ""
	if !h.LastEmitTime.IsZero() {
		emitAge = time.Since(h.LastEmitTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		UpstreamOK      bool    `json:"upstream_ok"`
		LastEmitTime    string  `json:"last_emit_time"`
		EmitAge         string  `json:"emit_age"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		UpstreamOK:      h.UpstreamOK,
		LastEmitTime:    h.LastEmitTime.Format(time.RFC3339),
		EmitAge:         emitAge,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
