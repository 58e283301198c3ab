package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"chartfeed/config"
	"chartfeed/internal/api"
	"chartfeed/internal/bus"
	"chartfeed/internal/feed"
	"chartfeed/internal/gateway"
	"chartfeed/internal/history"
	"chartfeed/internal/logger"
	"chartfeed/internal/metrics"
	"chartfeed/internal/model"
	redisstore "chartfeed/internal/store/redis"
	sqlitestore "chartfeed/internal/store/sqlite"
	"chartfeed/pkg/upstream"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[chartfeed] starting...")

	cfg := config.Load()
	logger.Init("chartfeed", logger.ParseLevel(cfg.LogLevel))

	started := time.Now()
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Upstream client ----
	up := upstream.New(upstream.Config{
		BaseURL:    cfg.UpstreamBaseURL,
		ClientID:   cfg.UpstreamClientID,
		Password:   cfg.UpstreamPassword,
		TOTPSecret: cfg.UpstreamTOTPSecret,
	})
	if up.HasCredentials() {
		loginCtx, loginCancel := context.WithTimeout(ctx, 15*time.Second)
		if err := up.Login(loginCtx); err != nil {
			log.Printf("[chartfeed] WARNING: initial login failed: %v (will retry on first request)", err)
		} else {
			health.SetUpstreamOK(true)
		}
		loginCancel()
	} else {
		health.SetUpstreamOK(true)
	}

	// ---- SQLite store (bar persistence + history fallback) ----
	os.MkdirAll("data", 0o755)
	sqlWriter, err := sqlitestore.New(sqlitestore.WriterConfig{DBPath: cfg.SQLitePath})
	if err != nil {
		log.Fatalf("[chartfeed] sqlite init failed: %v", err)
	}
	defer sqlWriter.Close()
	sqlWriter.OnCommit = func(n int, took time.Duration) {
		prom.SQLiteCommitDur.Observe(took.Seconds())
	}
	sqlReader, err := sqlitestore.NewReader(cfg.SQLitePath)
	if err != nil {
		log.Fatalf("[chartfeed] sqlite reader init failed: %v", err)
	}
	defer sqlReader.Close()
	log.Println("[chartfeed] sqlite store ready")

	// ---- Redis store (bar publishing + history cache), optional ----
	var redisWriter *redisstore.Writer
	if cfg.RedisAddr != "" {
		redisWriter, err = redisstore.New(redisstore.WriterConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Printf("[chartfeed] WARNING: redis init failed: %v (continuing without redis)", err)
			redisWriter = nil
		} else {
			redisWriter.Breaker().OnStateChange = func(from, to redisstore.State) {
				log.Printf("[chartfeed] redis circuit breaker: %s -> %s", from, to)
				prom.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisCircuitBreakerTrips.Inc()
				}
			}
			log.Println("[chartfeed] redis store ready")
		}
	}

	if redisWriter != nil {
		health.StartLivenessChecker(ctx, redisWriter.Client(), sqlWriter.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, sqlWriter.DB(), 10*time.Second)
	}

	// ---- History service ----
	fetcher := history.New(up)
	fetcher.Local = sqlReader
	histService := &history.Service{
		Fetcher:    fetcher,
		TTL:        cfg.HistoryCacheTTL(),
		OnCacheHit: func() { prom.HistoryCacheHits.Inc() },
		OnNoData:   func() { prom.HistoryNoDataTotal.Inc() },
		OnFetch: func(took time.Duration) {
			prom.HistoryRequestsTotal.Inc()
			prom.HistoryFetchDur.Observe(took.Seconds())
		},
	}
	if redisWriter != nil {
		histService.Cache = redisWriter
	}

	// ---- Storage fan-out ----
	fanout := bus.New(5000)
	fanout.OnDrop = func(sink string) {
		prom.SinkDropsTotal.WithLabelValues(sink).Inc()
	}
	sqliteCh := fanout.Subscribe("sqlite")
	go sqlWriter.Run(ctx, sqliteCh)
	if redisWriter != nil {
		redisCh := fanout.Subscribe("redis")
		go func() {
			for ev := range redisCh {
				start := time.Now()
				if err := redisWriter.WriteBar(ctx, ev.Symbol, ev.Resolution, ev.Bar); err == nil {
					prom.RedisWriteDur.Observe(time.Since(start).Seconds())
				}
			}
		}()
	}
	barEvents := make(chan model.BarEvent, 5000)
	go fanout.Run(ctx, barEvents)
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, st := range fanout.ChannelStats() {
					prom.SinkQueueDepth.WithLabelValues(st.Name).Set(float64(st.Len))
				}
			}
		}
	}()

	// ---- Live bar engine ----
	engine := feed.New(up, feed.Config{
		PollInterval: cfg.PollInterval(),
		FetchTimeout: cfg.FetchTimeout(),
	})
	engine.OnPoll = func(symbol string, took time.Duration) {
		prom.PollsTotal.Inc()
		prom.FetchDur.Observe(took.Seconds())
	}
	engine.OnPollError = func(symbol string, err error) {
		prom.PollErrorsTotal.Inc()
		health.SetUpstreamOK(false)
	}
	engine.OnEmit = func(symbol string, resolutionMin int, bar model.Bar, rolled bool) {
		res := strconv.Itoa(resolutionMin)
		prom.BarsEmittedTotal.WithLabelValues(res).Inc()
		if rolled {
			prom.RolloversTotal.WithLabelValues(res).Inc()
		}
		prom.ActiveSubscriptions.Set(float64(engine.Active()))
		health.SetUpstreamOK(true)
		health.SetLastEmitTime(time.Now())

		select {
		case barEvents <- model.BarEvent{Symbol: symbol, Resolution: resolutionMin, Bar: bar, Rolled: rolled}:
		default:
			prom.SinkDropsTotal.WithLabelValues("bus").Inc()
		}
	}
	defer engine.Shutdown()

	// ---- Gateway + REST API ----
	hub := gateway.NewHub(engine, histService)
	hub.OnClientCount = func(n int) {
		prom.WSClients.Set(float64(n))
	}

	apiDeps := api.Deps{
		History:   histService,
		Quotes:    up,
		Hub:       hub,
		Persisted: sqlWriter,
		Started:   started,
	}
	if redisWriter != nil {
		apiDeps.Latest = redisWriter
	}
	mux := api.NewRouter(apiDeps)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	go func() {
		log.Printf("[chartfeed] listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("[chartfeed] server error: %v", err)
		}
	}()

	log.Printf("[chartfeed] ready: poll=%v history_ttl=%v redis=%v",
		cfg.PollInterval(), cfg.HistoryCacheTTL(), redisWriter != nil)

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[chartfeed] shutdown signal received, cleaning up...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	if redisWriter != nil {
		redisWriter.Close()
	}

	log.Println("[chartfeed] shutdown complete.")
}
