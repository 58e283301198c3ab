package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chartfeed/internal/model"
	"chartfeed/pkg/upstream"
)

// quoteStub serves a per-candidate canned tick or error.
type quoteStub struct {
	ticks map[string]upstream.Tick
	errs  map[string]error
}

func (s *quoteStub) LiveTick(ctx context.Context, symbol string) (upstream.Tick, error) {
	if err, ok := s.errs[symbol]; ok {
		return upstream.Tick{}, err
	}
	return s.ticks[symbol], nil
}

func getJSON(t *testing.T, mux *http.ServeMux, target string, status int) map[string]json.RawMessage {
	t.Helper()
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", target, nil))
	if rec.Code != status {
		t.Fatalf("GET %s: status %d, want %d (body %s)", target, rec.Code, status, rec.Body)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("GET %s: bad body %q: %v", target, rec.Body, err)
	}
	return m
}

func TestQuote_FallsThroughErroringCandidate(t *testing.T) {
	// Resolve("EURUSD") tries "EURUSD" then "EURUSDm"; the first spelling
	// erroring out must not mask the usable second one.
	mux := NewRouter(Deps{Quotes: &quoteStub{
		ticks: map[string]upstream.Tick{"EURUSDm": {Bid: 1.10, Ask: 1.12, Last: 1.11}},
		errs:  map[string]error{"EURUSD": errors.New("unknown symbol")},
	}, Started: time.Now()})

	body := getJSON(t, mux, "/api/v1/quote?symbol=EURUSD", http.StatusOK)
	var price float64
	json.Unmarshal(body["price"], &price)
	if price != 1.11 {
		t.Errorf("price = %v, want 1.11", price)
	}
}

func TestQuote_NoUsableCandidateIs502(t *testing.T) {
	// One candidate errors, the other answers with an empty tick; neither
	// is a quote. A zero price must never be served.
	mux := NewRouter(Deps{Quotes: &quoteStub{
		ticks: map[string]upstream.Tick{"EURUSDm": {}},
		errs:  map[string]error{"EURUSD": errors.New("backend down")},
	}, Started: time.Now()})

	body := getJSON(t, mux, "/api/v1/quote?symbol=EURUSD", http.StatusBadGateway)
	if len(body["error"]) == 0 {
		t.Error("expected an error message in the body")
	}
}

// latestStub holds one pre-published bar per symbol.
type latestStub struct {
	bars map[string]model.Bar
}

func (s *latestStub) LatestBar(ctx context.Context, symbol string, resolutionMin int) (model.Bar, bool, error) {
	b, ok := s.bars[symbol]
	return b, ok, nil
}

// persistedStub reports a fixed durable-sink bar time.
type persistedStub struct {
	ts int64
}

func (s *persistedStub) LastBarTime(symbol string, resolutionMin int) (int64, error) {
	return s.ts, nil
}

func TestLatestBar_TriesCandidates(t *testing.T) {
	bar := model.Bar{Time: 1700000040000, Open: 1.1, High: 1.2, Low: 1.0, Close: 1.15, Volume: 3}
	mux := NewRouter(Deps{
		Latest:    &latestStub{bars: map[string]model.Bar{"EURUSDm": bar}},
		Persisted: &persistedStub{ts: 1699999980000},
		Started:   time.Now(),
	})

	body := getJSON(t, mux, "/api/v1/bars/latest?symbol=EURUSD&resolution=1", http.StatusOK)
	var got model.Bar
	json.Unmarshal(body["bar"], &got)
	if got != bar {
		t.Errorf("bar = %+v, want %+v", got, bar)
	}
	var persisted int64
	json.Unmarshal(body["persistedTime"], &persisted)
	if persisted != 1699999980000 {
		t.Errorf("persistedTime = %d, want 1699999980000", persisted)
	}
}

func TestLatestBar_NoStoreIsNoData(t *testing.T) {
	mux := NewRouter(Deps{Started: time.Now()})

	body := getJSON(t, mux, "/api/v1/bars/latest?symbol=EURUSD", http.StatusOK)
	var s string
	json.Unmarshal(body["s"], &s)
	if s != "no_data" {
		t.Errorf("s = %q, want no_data", s)
	}
}
