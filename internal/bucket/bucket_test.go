package bucket

import (
	"testing"

	"chartfeed/internal/model"
)

func makeBase(timeMs int64, open, high, low, close_, vol float64) model.Bar {
	return model.Bar{Time: timeMs, Open: open, High: high, Low: low, Close: close_, Volume: vol}
}

func TestStart_Alignment(t *testing.T) {
	cases := []struct {
		timeMs int64
		resMin int
		want   int64
	}{
		{1700000000000, 1, 1699999980000},
		{1699999980000, 1, 1699999980000},
		{1700000000000, 5, 1699999800000},
		{1700000000000, 60, 1699999200000},
		{1700000000000, 1440, 1699920000000},
		{59999, 1, 0},
		{60000, 1, 60000},
	}
	for _, tc := range cases {
		got := Start(tc.timeMs, tc.resMin)
		if got != tc.want {
			t.Errorf("Start(%d, %d) = %d, want %d", tc.timeMs, tc.resMin, got, tc.want)
		}
		if got%(int64(tc.resMin)*60000) != 0 {
			t.Errorf("Start(%d, %d) = %d not aligned to %dm", tc.timeMs, tc.resMin, got, tc.resMin)
		}
		if got > tc.timeMs {
			t.Errorf("Start(%d, %d) = %d is after the input time", tc.timeMs, tc.resMin, got)
		}
	}
}

func TestFold_NewAggregate(t *testing.T) {
	base := makeBase(1700000040000, 100, 110, 90, 105, 7)
	agg, rolled := Fold(nil, base, 5)
	if !rolled {
		t.Fatal("expected rolled=true for first fold")
	}
	if agg.Time != Start(base.Time, 5) {
		t.Errorf("aggregate time %d not bucket-aligned, want %d", agg.Time, Start(base.Time, 5))
	}
	if agg.Open != 100 || agg.High != 110 || agg.Low != 90 || agg.Close != 105 {
		t.Errorf("unexpected seeded aggregate: %+v", agg)
	}
}

func TestFold_SameBucket_Merge(t *testing.T) {
	// The 5m bucket here spans [1699999800000, 1700000100000).
	first := makeBase(1699999860000, 100, 110, 90, 105, 7)
	agg, _ := Fold(nil, first, 5)

	// Next base minute inside the same 5m bucket; close above the prior high.
	second := makeBase(1699999920000, 105, 112, 95, 115, 3)
	merged, rolled := Fold(&agg, second, 5)
	if rolled {
		t.Fatal("unexpected roll within the same bucket")
	}
	if merged.Open != 100 {
		t.Errorf("open must be frozen once set, got %v", merged.Open)
	}
	if merged.High != 115 { // close participates in the envelope
		t.Errorf("expected high=115, got %v", merged.High)
	}
	if merged.Low != 90 {
		t.Errorf("expected low=90, got %v", merged.Low)
	}
	if merged.Close != 115 {
		t.Errorf("expected close=115, got %v", merged.Close)
	}
	// Input aggregate is untouched — Fold returns a new value.
	if agg.Close != 105 {
		t.Errorf("Fold mutated its input aggregate: %+v", agg)
	}
}

func TestFold_Rollover(t *testing.T) {
	first := makeBase(1700000040000, 100, 110, 90, 105, 7)
	agg, _ := Fold(nil, first, 5)

	next := makeBase(agg.Time+5*60000, 106, 108, 104, 107, 2)
	fresh, rolled := Fold(&agg, next, 5)
	if !rolled {
		t.Fatal("expected rolled=true when base bar enters a new bucket")
	}
	if fresh.Open != 106 || fresh.Volume != 2 {
		t.Errorf("new bucket must seed from the incoming base bar: %+v", fresh)
	}
}

func TestFold_BaseUnitSamePath(t *testing.T) {
	// Resolution 1: every base minute is its own bucket, so each new minute rolls.
	first := makeBase(1700000040000, 1.10, 1.11, 1.09, 1.105, 10)
	agg, rolled := Fold(nil, first, 1)
	if !rolled || agg.Time != first.Time {
		t.Fatalf("base-unit seed: rolled=%v time=%d", rolled, agg.Time)
	}

	repoll := makeBase(first.Time, 1.10, 1.12, 1.09, 1.115, 12)
	merged, rolled := Fold(&agg, repoll, 1)
	if rolled {
		t.Fatal("re-poll of the same minute must not roll")
	}
	if merged.High != 1.12 || merged.Close != 1.115 {
		t.Errorf("unexpected merge: %+v", merged)
	}

	next := makeBase(first.Time+60000, 1.115, 1.116, 1.114, 1.1155, 1)
	_, rolled = Fold(&merged, next, 1)
	if !rolled {
		t.Fatal("new minute must roll at base resolution")
	}
}

func TestCursor_NoDoubleCountOnRepolls(t *testing.T) {
	var c Cursor
	minute := int64(1700000040000)
	c.Reset(minute, 10)

	// Same minute polled many times with creeping cumulative volume.
	var total float64
	for _, v := range []float64{10, 11, 11, 12} {
		total = c.Observe(minute, v)
	}
	if total != 12 {
		t.Errorf("same-minute re-polls must overwrite, not add: got %v, want 12", total)
	}

	// Minute rolls over: prior minute's final volume is banked exactly once.
	total = c.Observe(minute+60000, 5)
	if total != 17 {
		t.Errorf("after minute advance: got %v, want 17", total)
	}
}

func TestCursor_DistinctMinutesSum(t *testing.T) {
	// Spec'd scenario: five base minutes with volumes [10,12,9,15,11], each
	// polled once, must aggregate to exactly 57.
	var c Cursor
	base := int64(1700000100000)
	vols := []float64{10, 12, 9, 15, 11}

	total := c.Reset(base, vols[0])
	for i := 1; i < len(vols); i++ {
		total = c.Observe(base+int64(i)*60000, vols[i])
	}
	if total != 57 {
		t.Errorf("aggregated volume = %v, want 57", total)
	}
}

func TestCursor_IgnoresOutOfOrderMinute(t *testing.T) {
	var c Cursor
	minute := int64(1700000040000)
	c.Reset(minute, 10)
	c.Observe(minute+60000, 5) // total: 10 banked + 5 open

	// A late poll for the already-completed minute must not re-bank it.
	total := c.Observe(minute, 10)
	if total != 15 {
		t.Errorf("stale minute re-banked: got %v, want 15", total)
	}
	total = c.Observe(minute+60000, 6)
	if total != 16 {
		t.Errorf("after stale observation: got %v, want 16", total)
	}
}

func TestCursor_ResetDropsPriorBucket(t *testing.T) {
	var c Cursor
	c.Reset(1700000040000, 10)
	c.Observe(1700000100000, 20)

	got := c.Reset(1700000160000, 3)
	if got != 3 {
		t.Errorf("reset must discard banked volume: got %v, want 3", got)
	}
	if c.Running != 0 {
		t.Errorf("running volume not cleared: %v", c.Running)
	}
}
