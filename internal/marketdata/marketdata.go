// Package marketdata provides cache-backed access to historical bars and
// instrument metadata, preferring the TTL cache and falling back to the
// rate-limited gateway on miss.
package marketdata

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited is returned when the call budget for the current window is
// exhausted. Callers treat it as "temporarily unavailable" and skip the
// instrument for this cycle rather than failing the pass.
var ErrRateLimited = errors.New("marketdata: rate limit reached")

// Bar is one OHLCV bar. Cached series are stored as JSON arrays of bars.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Gateway is the upstream market data capability the fetcher consumes.
type Gateway interface {
	HistoricalData(ctx context.Context, token string, from, to time.Time, interval string) ([]Bar, error)
	InstrumentName(ctx context.Context, token string) (string, error)
}

// Horizon names a bar resolution and lookback window.
type Horizon int

const (
	// Intraday is 5-minute bars over the last ~10 minutes.
	Intraday Horizon = iota
	// Daily is daily bars over the last ~8 days.
	Daily
)

func (h Horizon) String() string {
	switch h {
	case Intraday:
		return "intraday"
	case Daily:
		return "daily"
	default:
		return "unknown"
	}
}

// interval returns the gateway interval name for the horizon.
func (h Horizon) interval() string {
	if h == Daily {
		return "day"
	}
	return "5minute"
}

// lookback returns how far back the horizon's date range starts.
func (h Horizon) lookback() time.Duration {
	if h == Daily {
		return 8 * 24 * time.Hour
	}
	return 10 * time.Minute
}

// cacheKey returns the cache key for a horizon and instrument.
func (h Horizon) cacheKey(token string) string {
	if h == Daily {
		return "instrument_daily:" + token
	}
	return "instrument_data:" + token
}
