package history

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"chartfeed/internal/model"
	"chartfeed/pkg/upstream"
)

// fakeSource serves canned raw candles per symbol.
type fakeSource struct {
	bySymbol map[string][]upstream.Candle
	errs     map[string]error
	calls    []string
}

func (f *fakeSource) History(_ context.Context, symbol string, _, _ int) ([]upstream.Candle, error) {
	f.calls = append(f.calls, symbol)
	if err := f.errs[symbol]; err != nil {
		return nil, err
	}
	return f.bySymbol[symbol], nil
}

func fptr(v float64) *float64 { return &v }

func rawCandle(timeJSON string, open, high, low, close_ *float64, vol float64) upstream.Candle {
	return upstream.Candle{
		Time:   json.RawMessage(timeJSON),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close_,
		Volume: fptr(vol),
	}
}

func TestFetch_CandidateOrder(t *testing.T) {
	src := &fakeSource{bySymbol: map[string][]upstream.Candle{
		"EURUSD":  nil,
		"EURUSDm": {rawCandle("1700000040", fptr(1.1), fptr(1.2), fptr(1.0), fptr(1.15), 10)},
	}}
	f := New(src)

	bars, noData, err := f.Fetch(context.Background(), []string{"EURUSD", "EURUSDm"}, 1, 10, nil)
	if err != nil || noData {
		t.Fatalf("err=%v noData=%v", err, noData)
	}
	if len(bars) != 1 {
		t.Fatalf("expected 1 bar, got %d", len(bars))
	}
	if len(src.calls) != 2 || src.calls[0] != "EURUSD" {
		t.Errorf("candidates must be tried in order: %v", src.calls)
	}
}

func TestFetch_RepairsEnvelope(t *testing.T) {
	// Upstream high/low missing (defaulted to close by some deployments):
	// high below open must be clamped, not dropped.
	src := &fakeSource{bySymbol: map[string][]upstream.Candle{
		"X": {rawCandle("1700000040", fptr(1.20), fptr(1.05), fptr(1.05), fptr(1.05), 0)},
	}}
	bars, _, err := New(src).Fetch(context.Background(), []string{"X"}, 1, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	b := bars[0]
	if b.High < math.Max(b.Open, b.Close) {
		t.Errorf("high not repaired: %+v", b)
	}
	if b.Low > math.Min(b.Open, b.Close) {
		t.Errorf("low not repaired: %+v", b)
	}
}

func TestFetch_DropsMalformedRecordsOnly(t *testing.T) {
	src := &fakeSource{bySymbol: map[string][]upstream.Candle{
		"X": {
			rawCandle("1700000040", fptr(1.1), fptr(1.2), fptr(1.0), fptr(1.15), 10),
			rawCandle("1700000100", fptr(1.1), fptr(1.2), fptr(1.0), fptr(-3), 10), // close <= 0
			rawCandle("1700000160", fptr(1.1), fptr(1.2), fptr(1.0), nil, 10),      // close absent
			rawCandle(`"not a time"`, fptr(1.1), fptr(1.2), fptr(1.0), fptr(1.2), 10),
			rawCandle("1700000220", nil, nil, nil, fptr(1.18), 5), // only close: still valid
		},
	}}
	bars, noData, err := New(src).Fetch(context.Background(), []string{"X"}, 1, 10, nil)
	if err != nil || noData {
		t.Fatalf("err=%v noData=%v", err, noData)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 valid bars, got %d", len(bars))
	}
	if !bars[1].Valid() {
		t.Errorf("close-only record must seed a valid synthetic bar: %+v", bars[1])
	}
}

func TestFetch_BucketAlignmentAndSorting(t *testing.T) {
	src := &fakeSource{bySymbol: map[string][]upstream.Candle{
		"X": {
			rawCandle("1700000103", fptr(1.1), fptr(1.2), fptr(1.0), fptr(1.15), 1), // mid-minute
			rawCandle("1700000040", fptr(1.1), fptr(1.2), fptr(1.0), fptr(1.12), 1),
		},
	}}
	bars, _, err := New(src).Fetch(context.Background(), []string{"X"}, 5, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range bars {
		if b.Time%(5*60000) != 0 {
			t.Errorf("bar time %d not aligned to 5m", b.Time)
		}
	}
	for i := 1; i < len(bars); i++ {
		if bars[i].Time < bars[i-1].Time {
			t.Errorf("bars not sorted ascending: %d before %d", bars[i-1].Time, bars[i].Time)
		}
	}
}

func TestFetch_RangeFallback(t *testing.T) {
	src := &fakeSource{bySymbol: map[string][]upstream.Candle{
		"X": {rawCandle("1700000040", fptr(1.1), fptr(1.2), fptr(1.0), fptr(1.15), 1)},
	}}
	// Range far in the past matches nothing; the recent batch is returned anyway.
	rng := &Range{FromMs: 1000, ToMs: 2000}
	bars, noData, err := New(src).Fetch(context.Background(), []string{"X"}, 1, 10, rng)
	if err != nil || noData {
		t.Fatalf("err=%v noData=%v", err, noData)
	}
	if len(bars) != 1 {
		t.Errorf("expected recent-bars fallback, got %d bars", len(bars))
	}
}

func TestFetch_NoData(t *testing.T) {
	src := &fakeSource{bySymbol: map[string][]upstream.Candle{}}
	bars, noData, err := New(src).Fetch(context.Background(), []string{"A", "B"}, 1, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !noData || len(bars) != 0 {
		t.Errorf("expected noData signal, got bars=%d noData=%v", len(bars), noData)
	}
}

func TestFetch_AllCandidatesFail(t *testing.T) {
	boom := errors.New("backend down")
	src := &fakeSource{errs: map[string]error{"A": boom, "B": boom}}
	_, _, err := New(src).Fetch(context.Background(), []string{"A", "B"}, 1, 10, nil)
	if err == nil {
		t.Fatal("expected error after every candidate failed")
	}
}

func TestFetch_PartialFailureStillNoData(t *testing.T) {
	src := &fakeSource{
		bySymbol: map[string][]upstream.Candle{"B": nil},
		errs:     map[string]error{"A": errors.New("timeout")},
	}
	_, noData, err := New(src).Fetch(context.Background(), []string{"A", "B"}, 1, 10, nil)
	if err != nil {
		t.Fatalf("partial failure must not surface an error: %v", err)
	}
	if !noData {
		t.Error("expected noData when the surviving candidate is empty")
	}
}

// fakeLocal records whether the local fallback was consulted.
type fakeLocal struct {
	bars []model.Bar
}

func (l *fakeLocal) RecentBars(_ context.Context, _ string, _, _ int) ([]model.Bar, error) {
	return l.bars, nil
}

func TestFetch_LocalFallback(t *testing.T) {
	src := &fakeSource{bySymbol: map[string][]upstream.Candle{}}
	f := New(src)
	f.Local = &fakeLocal{bars: []model.Bar{{Time: 1699999980000, Open: 1, High: 1, Low: 1, Close: 1, Volume: 0}}}

	bars, noData, err := f.Fetch(context.Background(), []string{"X"}, 1, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if noData || len(bars) != 1 {
		t.Errorf("expected local-store bars, got bars=%d noData=%v", len(bars), noData)
	}
}
