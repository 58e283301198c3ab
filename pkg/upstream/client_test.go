package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHistory_BareArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chart/candle/history/EURUSD" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("timeframe") != "1" || r.URL.Query().Get("count") != "2" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`[{"time":1700000040,"open":1.1,"high":1.2,"low":1.0,"close":1.15,"volume":10}]`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	candles, err := c.History(context.Background(), "EURUSD", 1, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}
	ms, ok := candles[0].TimeMillis()
	if !ok || ms != 1700000040000 {
		t.Errorf("TimeMillis = %d,%v — epoch seconds must scale to millis", ms, ok)
	}
}

func TestHistory_EnvelopeAndCasing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"Time":"2023-11-14T22:14:00Z","Open":1.1,"High":1.2,"Low":1.0,"Close":1.15,"Volume":10}]}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	candles, err := c.History(context.Background(), "EURUSD", 1, 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(candles) != 1 {
		t.Fatalf("expected 1 candle, got %d", len(candles))
	}
	if v, ok := candles[0].OpenValue(); !ok || v != 1.1 {
		t.Errorf("upper-cased Open not decoded: %v,%v", v, ok)
	}
	if _, ok := candles[0].TimeMillis(); !ok {
		t.Error("ISO timestamp not parsed")
	}
}

func TestCurrent_MissingFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"time":1700000040000,"close":1.15}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	candle, err := c.Current(context.Background(), "EURUSD", 1)
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if _, ok := candle.OpenValue(); ok {
		t.Error("absent open must report ok=false")
	}
	if v, ok := candle.CloseValue(); !ok || v != 1.15 {
		t.Errorf("close = %v,%v", v, ok)
	}
	if ms, ok := candle.TimeMillis(); !ok || ms != 1700000040000 {
		t.Errorf("epoch-millis timestamp mishandled: %d,%v", ms, ok)
	}
}

func TestLiveTick(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/livedata/tick/EURUSD" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"bid":1.1000,"ask":1.1002,"last":0}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	tick, err := c.LiveTick(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("LiveTick: %v", err)
	}
	if tick.Bid != 1.1000 || tick.Ask != 1.1002 {
		t.Errorf("unexpected tick %+v", tick)
	}
}

func TestGet_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend sad", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	if _, err := c.History(context.Background(), "EURUSD", 1, 10); err == nil {
		t.Fatal("expected error on 502")
	}
}

func TestSessionReloginOnUnauthorized(t *testing.T) {
	logins := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/auth/session":
			logins++
			w.Write([]byte(`{"token":"tok-1"}`))
		case "/livedata/tick/EURUSD":
			if r.Header.Get("Authorization") != "Bearer tok-1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"bid":1,"ask":1,"last":1}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, ClientID: "c1", Password: "pw"})
	tick, err := c.LiveTick(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("LiveTick after re-login: %v", err)
	}
	if logins != 1 {
		t.Errorf("expected exactly one login, got %d", logins)
	}
	if tick.Last != 1 {
		t.Errorf("unexpected tick %+v", tick)
	}
}
