// Package api provides the REST surface of the chart datafeed.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"chartfeed/internal/gateway"
	"chartfeed/internal/history"
	"chartfeed/internal/logger"
	"chartfeed/internal/model"
	"chartfeed/internal/symbols"
	"chartfeed/pkg/upstream"
)

// QuoteSource is the slice of the upstream client the quote endpoint needs.
type QuoteSource interface {
	LiveTick(ctx context.Context, symbol string) (upstream.Tick, error)
}

// LatestBarStore serves the most recent published bar for an instrument,
// backed by the redis write-through.
type LatestBarStore interface {
	LatestBar(ctx context.Context, symbol string, resolutionMin int) (model.Bar, bool, error)
}

// PersistedStore reads back the newest bar time the durable sink has
// committed, for storage-lag visibility.
type PersistedStore interface {
	LastBarTime(symbol string, resolutionMin int) (int64, error)
}

// Deps carries the router's dependencies. Latest and Persisted are
// optional; the endpoints depending on them report no_data when unset.
type Deps struct {
	History   *history.Service
	Quotes    QuoteSource
	Hub       *gateway.Hub
	Latest    LatestBarStore
	Persisted PersistedStore
	Started   time.Time
}

func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	setCORS(w)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// NewRouter sets up HTTP routes for the API server.
func NewRouter(d Deps) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status":     "ok",
			"ws_clients": d.Hub.ClientCount(),
			"uptime_sec": int64(time.Since(d.Started).Seconds()),
			"ts":         time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Symbol resolution: the canonical spelling, the candidate list tried
	// against the upstream, and display metadata.
	mux.HandleFunc("/api/v1/symbols", func(w http.ResponseWriter, r *http.Request) {
		requested := r.URL.Query().Get("symbol")
		if requested == "" {
			http.Error(w, `{"error":"symbol is required"}`, http.StatusBadRequest)
			return
		}
		info := symbols.Resolve(requested)
		writeJSON(w, map[string]interface{}{
			"symbol":     requested,
			"canonical":  info.Canonical,
			"candidates": info.Candidates,
			"type":       info.Type,
			"pricescale": info.PriceScale,
		})
	})

	// History batch. Empty results are the "no_data" status, not an error.
	mux.HandleFunc("/api/v1/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		symbol := q.Get("symbol")
		if symbol == "" {
			http.Error(w, `{"error":"symbol is required"}`, http.StatusBadRequest)
			return
		}
		resolution := atoiDefault(q.Get("resolution"), 1)
		count := atoiDefault(q.Get("count"), 300)
		if count > 1000 {
			count = 1000
		}

		var rng *history.Range
		if from := q.Get("from"); from != "" {
			if to := q.Get("to"); to != "" {
				rng = &history.Range{
					FromMs: atoi64(from) * 1000,
					ToMs:   atoi64(to) * 1000,
				}
			}
		}

		ctx := logger.WithTraceID(r.Context(), logger.GenerateTraceID(symbol, time.Now()))
		bars, _, noData, err := d.History.Get(ctx, symbol, resolution, count, rng)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			setCORS(w)
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"s": "error", "errmsg": err.Error()})
			return
		}
		if bars == nil {
			bars = []model.Bar{}
		}
		status := "ok"
		if noData {
			status = "no_data"
		}
		slog.Info("history served",
			append(logger.LogWithTrace(ctx),
				slog.String("symbol", symbol),
				slog.Int("resolution", resolution),
				slog.Int("bars", len(bars)),
				slog.Bool("no_data", noData))...)
		writeJSON(w, map[string]interface{}{
			"s":    status,
			"bars": bars,
		})
	})

	// Most recently published bar for a (symbol, resolution), served from
	// the redis write-through, with the durable sink's newest committed
	// bar time alongside so storage lag is visible.
	mux.HandleFunc("/api/v1/bars/latest", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		symbol := q.Get("symbol")
		if symbol == "" {
			http.Error(w, `{"error":"symbol is required"}`, http.StatusBadRequest)
			return
		}
		resolution := atoiDefault(q.Get("resolution"), 1)
		info := symbols.Resolve(symbol)

		if d.Latest == nil {
			writeJSON(w, map[string]interface{}{"s": "no_data"})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		for _, candidate := range info.Candidates {
			bar, ok, err := d.Latest.LatestBar(ctx, candidate, resolution)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				setCORS(w)
				w.WriteHeader(http.StatusBadGateway)
				json.NewEncoder(w).Encode(map[string]string{"s": "error", "errmsg": err.Error()})
				return
			}
			if !ok {
				continue
			}
			resp := map[string]interface{}{
				"s":          "ok",
				"symbol":     info.Canonical,
				"resolution": resolution,
				"bar":        bar,
			}
			if d.Persisted != nil {
				if ts, err := d.Persisted.LastBarTime(candidate, resolution); err == nil && ts > 0 {
					resp["persistedTime"] = ts
				}
			}
			writeJSON(w, resp)
			return
		}
		writeJSON(w, map[string]interface{}{"s": "no_data"})
	})

	// Latest quote for a symbol, straight from the upstream tick endpoint.
	mux.HandleFunc("/api/v1/quote", func(w http.ResponseWriter, r *http.Request) {
		symbol := r.URL.Query().Get("symbol")
		if symbol == "" {
			http.Error(w, `{"error":"symbol is required"}`, http.StatusBadRequest)
			return
		}
		info := symbols.Resolve(symbol)

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		// First candidate with a usable price wins; a later candidate
		// erroring out must not discard it.
		var tick upstream.Tick
		found := false
		var lastErr error
		for _, candidate := range info.Candidates {
			t, err := d.Quotes.LiveTick(ctx, candidate)
			if err != nil {
				lastErr = err
				continue
			}
			if t.Price() > 0 {
				tick = t
				found = true
				break
			}
		}
		if !found {
			msg := "no usable quote"
			if lastErr != nil {
				msg = lastErr.Error()
			}
			w.Header().Set("Content-Type", "application/json")
			setCORS(w)
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"error": msg})
			return
		}
		writeJSON(w, map[string]interface{}{
			"symbol": info.Canonical,
			"bid":    tick.Bid,
			"ask":    tick.Ask,
			"last":   tick.Last,
			"price":  tick.Price(),
			"ts":     time.Now().UnixMilli(),
		})
	})

	// WebSocket chart stream.
	mux.HandleFunc("/ws", d.Hub.ServeWS)

	return mux
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
