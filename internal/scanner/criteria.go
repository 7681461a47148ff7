package scanner

import (
	"math"

	"github.com/kitescan/trading-assistant-backend/internal/marketdata"
)

// Criteria holds the screening thresholds for a short-sell opportunity.
type Criteria struct {
	// MinPrice and MaxPrice bound the current price, inclusive.
	MinPrice float64
	MaxPrice float64
	// MinChange5m is the minimum 5-minute percentage gain.
	MinChange5m float64
	// MinDistanceFromHigh is the minimum percentage distance below the
	// recent intraday high, a proxy for distance from the upper circuit.
	MinDistanceFromHigh float64
	// MaxWeeklyMovement caps the absolute weekly percentage movement.
	MaxWeeklyMovement float64
}

// DefaultCriteria are the production thresholds.
func DefaultCriteria() Criteria {
	return Criteria{
		MinPrice:            150,
		MaxPrice:            900,
		MinChange5m:         4.0,
		MinDistanceFromHigh: 10.0,
		MaxWeeklyMovement:   5.0,
	}
}

// Evaluation carries the measurements computed while screening.
type Evaluation struct {
	Price            float64
	Change5m         float64
	DistanceFromHigh float64
	WeeklyMovement   float64
}

// Evaluate screens an instrument's intraday and daily series against the
// criteria. It is a pure function of its inputs. The weekly-movement check
// needs at least two daily closes; with fewer the criterion is passed
// through rather than failing the instrument.
func Evaluate(intraday, daily []marketdata.Bar, c Criteria) (Evaluation, bool) {
	var ev Evaluation
	if len(intraday) < 2 || len(daily) == 0 {
		return ev, false
	}

	ev.Price = intraday[len(intraday)-1].Close
	if ev.Price < c.MinPrice || ev.Price > c.MaxPrice {
		return ev, false
	}

	prev := intraday[len(intraday)-2].Close
	if prev == 0 {
		return ev, false
	}
	ev.Change5m = (ev.Price - prev) / prev * 100
	if ev.Change5m < c.MinChange5m {
		return ev, false
	}

	high := intraday[0].High
	for _, bar := range intraday[1:] {
		if bar.High > high {
			high = bar.High
		}
	}
	ev.DistanceFromHigh = (high - ev.Price) / ev.Price * 100
	if ev.DistanceFromHigh < c.MinDistanceFromHigh {
		return ev, false
	}

	if len(daily) >= 2 {
		first := daily[0].Close
		last := daily[len(daily)-1].Close
		if first == 0 {
			return ev, false
		}
		ev.WeeklyMovement = math.Abs((last-first)/first) * 100
		if ev.WeeklyMovement > c.MaxWeeklyMovement {
			return ev, false
		}
	}

	return ev, true
}
