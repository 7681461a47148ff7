package scanner

import (
	"math"
	"testing"
	"time"

	"github.com/kitescan/trading-assistant-backend/internal/marketdata"
)

// qualifyingIntraday is a series that passes every intraday criterion:
// current 500, previous 480 (+4.17%), session high 560 (12% above current).
func qualifyingIntraday() []marketdata.Bar {
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	return []marketdata.Bar{
		{Timestamp: base, Open: 555, High: 560, Low: 470, Close: 480, Volume: 1000},
		{Timestamp: base.Add(5 * time.Minute), Open: 480, High: 510, Low: 478, Close: 500, Volume: 1200},
	}
}

func dailyWithMove(pct float64) []marketdata.Bar {
	base := time.Date(2024, 5, 27, 0, 0, 0, 0, time.UTC)
	return []marketdata.Bar{
		{Timestamp: base, Close: 100},
		{Timestamp: base.Add(7 * 24 * time.Hour), Close: 100 + pct},
	}
}

func TestEvaluate_Qualifies(t *testing.T) {
	ev, ok := Evaluate(qualifyingIntraday(), dailyWithMove(3), DefaultCriteria())
	if !ok {
		t.Fatal("Expected instrument to qualify")
	}

	if ev.Price != 500 {
		t.Errorf("Expected price 500, got %f", ev.Price)
	}
	wantChange := (500.0 - 480.0) / 480.0 * 100
	if math.Abs(ev.Change5m-wantChange) > 1e-9 {
		t.Errorf("Expected 5m change %f, got %f", wantChange, ev.Change5m)
	}
	if ev.DistanceFromHigh != 12 {
		t.Errorf("Expected distance from high 12, got %f", ev.DistanceFromHigh)
	}
	if math.Abs(ev.WeeklyMovement-3) > 1e-9 {
		t.Errorf("Expected weekly movement 3, got %f", ev.WeeklyMovement)
	}
}

func TestEvaluate_WeeklyMovementSuppresses(t *testing.T) {
	// Same intraday picture, but the stock already moved 6% this week.
	if _, ok := Evaluate(qualifyingIntraday(), dailyWithMove(6), DefaultCriteria()); ok {
		t.Error("Expected 6% weekly movement to suppress the alert")
	}

	// A 6% drop counts the same as a 6% rise.
	if _, ok := Evaluate(qualifyingIntraday(), dailyWithMove(-6), DefaultCriteria()); ok {
		t.Error("Expected -6% weekly movement to suppress the alert")
	}
}

func TestEvaluate_WeeklyPassThroughWithOneDailyBar(t *testing.T) {
	// With fewer than two daily closes the weekly check cannot be
	// computed and is passed through, not failed.
	daily := []marketdata.Bar{{Close: 500}}
	ev, ok := Evaluate(qualifyingIntraday(), daily, DefaultCriteria())
	if !ok {
		t.Fatal("Expected qualification with a single daily bar")
	}
	if ev.WeeklyMovement != 0 {
		t.Errorf("Expected zero weekly movement, got %f", ev.WeeklyMovement)
	}
}

func TestEvaluate_PriceBounds(t *testing.T) {
	tests := []struct {
		name  string
		price float64
		want  bool
	}{
		{"at lower bound", 150, true},
		{"below lower bound", 149.99, false},
		{"at upper bound", 900, true},
		{"above upper bound", 900.01, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Scale the fixture so only the price bound decides the
			// outcome: +5% move, far from the high.
			prev := tt.price / 1.05
			intraday := []marketdata.Bar{
				{High: tt.price * 1.2, Close: prev},
				{High: tt.price * 1.01, Close: tt.price},
			}
			_, ok := Evaluate(intraday, dailyWithMove(0), DefaultCriteria())
			if ok != tt.want {
				t.Errorf("Price %f: expected qualify=%v, got %v", tt.price, tt.want, ok)
			}
		})
	}
}

func TestEvaluate_InsufficientData(t *testing.T) {
	c := DefaultCriteria()

	if _, ok := Evaluate(nil, dailyWithMove(0), c); ok {
		t.Error("Expected no qualification without intraday bars")
	}
	if _, ok := Evaluate(qualifyingIntraday()[:1], dailyWithMove(0), c); ok {
		t.Error("Expected no qualification with a single intraday bar")
	}
	if _, ok := Evaluate(qualifyingIntraday(), nil, c); ok {
		t.Error("Expected no qualification without daily bars")
	}
}

func TestEvaluate_WeakChange(t *testing.T) {
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	// +2% in 5 minutes, below the 4% threshold.
	intraday := []marketdata.Bar{
		{Timestamp: base, High: 600, Close: 490},
		{Timestamp: base.Add(5 * time.Minute), High: 505, Close: 499.8},
	}
	if _, ok := Evaluate(intraday, dailyWithMove(0), DefaultCriteria()); ok {
		t.Error("Expected weak 5m change to fail")
	}
}

func TestEvaluate_TooCloseToHigh(t *testing.T) {
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	// Strong move but trading within 2% of the session high.
	intraday := []marketdata.Bar{
		{Timestamp: base, High: 505, Close: 480},
		{Timestamp: base.Add(5 * time.Minute), High: 510, Close: 500},
	}
	if _, ok := Evaluate(intraday, dailyWithMove(0), DefaultCriteria()); ok {
		t.Error("Expected price near the high to fail the distance check")
	}
}
