package alerts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitescan/trading-assistant-backend/internal/cache"
)

const keyPrefix = "short_sell_alert:"

// Store keeps alert records in the cache store as per-instrument hashes.
// The TTL set at write time is the whole expiry mechanism: an expired alert
// simply vanishes from the store, so query paths only ever see live keys.
type Store struct {
	store    cache.Store
	lifetime time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewStore creates an alert store with the given alert lifetime.
func NewStore(store cache.Store, lifetime time.Duration, logger zerolog.Logger) *Store {
	return &Store{
		store:    store,
		lifetime: lifetime,
		logger:   logger.With().Str("component", "alert-store").Logger(),
		now:      time.Now,
	}
}

// CreateOrReplace writes the full alert record under the instrument's key
// and registers its expiry. The store owns the timestamps so that
// expires_at is always created_at plus the configured lifetime.
func (s *Store) CreateOrReplace(ctx context.Context, alert *Alert) error {
	alert.ID = alert.InstrumentToken
	alert.CreatedAt = s.now()
	alert.ExpiresAt = alert.CreatedAt.Add(s.lifetime)
	alert.IsActive = true

	key := keyPrefix + alert.InstrumentToken
	if err := s.store.HSet(ctx, key, encodeAlert(alert)); err != nil {
		return fmt.Errorf("write alert %s: %w", alert.InstrumentToken, err)
	}
	if err := s.store.Expire(ctx, key, s.lifetime); err != nil {
		return fmt.Errorf("set alert expiry %s: %w", alert.InstrumentToken, err)
	}
	return nil
}

// Active returns all live alerts. Malformed records are skipped with a
// warning rather than failing the whole query.
func (s *Store) Active(ctx context.Context) ([]*Alert, error) {
	keys, err := s.store.Keys(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan alert keys: %w", err)
	}

	alerts := make([]*Alert, 0, len(keys))
	for _, key := range keys {
		fields, err := s.store.HGetAll(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to load alert record")
			continue
		}
		if len(fields) == 0 || fields["is_active"] != "true" {
			continue
		}
		alert, err := decodeAlert(fields)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("skipping malformed alert record")
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// ByToken returns the active alert for an instrument, or nil when there is
// none. Absence is not an error.
func (s *Store) ByToken(ctx context.Context, token string) (*Alert, error) {
	fields, err := s.store.HGetAll(ctx, keyPrefix+token)
	if err != nil {
		return nil, fmt.Errorf("load alert %s: %w", token, err)
	}
	if len(fields) == 0 || fields["is_active"] != "true" {
		return nil, nil
	}

	alert, err := decodeAlert(fields)
	if err != nil {
		s.logger.Warn().Err(err).Str("token", token).Msg("skipping malformed alert record")
		return nil, nil
	}
	return alert, nil
}

// encodeAlert flattens an alert into hash fields: numbers as decimal
// strings, timestamps as RFC3339.
func encodeAlert(a *Alert) map[string]string {
	return map[string]string{
		"id":                          a.ID,
		"instrument_token":            a.InstrumentToken,
		"instrument_name":             a.InstrumentName,
		"current_price":               formatFloat(a.CurrentPrice),
		"price_change_5min":           formatFloat(a.PriceChange5m),
		"distance_from_upper_circuit": formatFloat(a.DistanceFromHigh),
		"weekly_movement":             formatFloat(a.WeeklyMovement),
		"created_at":                  a.CreatedAt.Format(time.RFC3339Nano),
		"expires_at":                  a.ExpiresAt.Format(time.RFC3339Nano),
		"is_active":                   strconv.FormatBool(a.IsActive),
	}
}

func decodeAlert(fields map[string]string) (*Alert, error) {
	alert := &Alert{
		ID:              fields["id"],
		InstrumentToken: fields["instrument_token"],
		InstrumentName:  fields["instrument_name"],
		IsActive:        fields["is_active"] == "true",
	}
	if alert.InstrumentToken == "" {
		return nil, fmt.Errorf("missing instrument_token")
	}

	var err error
	if alert.CurrentPrice, err = parseFloat(fields, "current_price"); err != nil {
		return nil, err
	}
	if alert.PriceChange5m, err = parseFloat(fields, "price_change_5min"); err != nil {
		return nil, err
	}
	if alert.DistanceFromHigh, err = parseFloat(fields, "distance_from_upper_circuit"); err != nil {
		return nil, err
	}
	if alert.WeeklyMovement, err = parseFloat(fields, "weekly_movement"); err != nil {
		return nil, err
	}
	if alert.CreatedAt, err = parseTime(fields, "created_at"); err != nil {
		return nil, err
	}
	if alert.ExpiresAt, err = parseTime(fields, "expires_at"); err != nil {
		return nil, err
	}
	return alert, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("missing field %s", name)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return v, nil
}

func parseTime(fields map[string]string, name string) (time.Time, error) {
	raw, ok := fields[name]
	if !ok {
		return time.Time{}, fmt.Errorf("missing field %s", name)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", name, err)
	}
	return t, nil
}
