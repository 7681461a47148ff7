package alerts

import (
	"context"
	"time"
)

// Alert represents one detected short-sell opportunity. Identity is the
// instrument token: at most one active alert exists per instrument, and a
// new detection replaces the prior record wholesale and resets its expiry.
type Alert struct {
	ID               string    `json:"id"`
	InstrumentToken  string    `json:"instrument_token"`
	InstrumentName   string    `json:"instrument_name"`
	CurrentPrice     float64   `json:"current_price"`
	PriceChange5m    float64   `json:"price_change_5min"`
	DistanceFromHigh float64   `json:"distance_from_upper_circuit"`
	WeeklyMovement   float64   `json:"weekly_movement"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	IsActive         bool      `json:"is_active"`
}

// Sink receives newly created alerts. Sink failures are logged by the
// caller and never abort a scan.
type Sink interface {
	Notify(ctx context.Context, alert *Alert) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, alert *Alert) error

func (f SinkFunc) Notify(ctx context.Context, alert *Alert) error {
	return f(ctx, alert)
}
