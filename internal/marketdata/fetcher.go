package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitescan/trading-assistant-backend/internal/cache"
	"github.com/kitescan/trading-assistant-backend/internal/ratelimit"
	"github.com/kitescan/trading-assistant-backend/pkg/observability"
)

const nameKeyPrefix = "instrument_name:"

// FetcherConfig holds the per-horizon cache TTLs.
type FetcherConfig struct {
	IntradayTTL time.Duration
	DailyTTL    time.Duration
	NameTTL     time.Duration
}

// DefaultFetcherConfig reflects how fast each series goes stale: intraday
// bars every 5 minutes, daily bars hourly, symbols daily.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		IntradayTTL: 5 * time.Minute,
		DailyTTL:    time.Hour,
		NameTTL:     24 * time.Hour,
	}
}

// Fetcher returns bar series and instrument names, preferring the cache.
// Cache hits never touch the rate limiter; only real gateway calls consume
// quota, recorded after the call succeeds.
type Fetcher struct {
	store   cache.Store
	gateway Gateway
	limiter *ratelimit.Limiter
	cfg     FetcherConfig
	metrics *observability.MetricsCollector
	logger  zerolog.Logger
	now     func() time.Time
}

// NewFetcher creates a cache-backed fetcher.
func NewFetcher(store cache.Store, gateway Gateway, limiter *ratelimit.Limiter, cfg FetcherConfig, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		store:   store,
		gateway: gateway,
		limiter: limiter,
		cfg:     cfg,
		metrics: observability.GetCollector(),
		logger:  logger.With().Str("component", "marketdata").Logger(),
		now:     time.Now,
	}
}

// Bars returns the bar series for an instrument and horizon. On a cache
// miss the gateway is consulted, gated by the rate limiter; ErrRateLimited
// means the instrument should be skipped this cycle.
func (f *Fetcher) Bars(ctx context.Context, token string, horizon Horizon) ([]Bar, error) {
	key := horizon.cacheKey(token)

	if cached, err := f.store.Get(ctx, key); err == nil {
		var bars []Bar
		if err := json.Unmarshal([]byte(cached), &bars); err == nil {
			f.metrics.Counter(observability.MetricCacheHits).Inc()
			return bars, nil
		}
		// Unreadable cached series: treat as a miss and refetch.
		f.logger.Warn().Str("key", key).Msg("dropping malformed cached series")
		_ = f.store.Delete(ctx, key)
	} else if err != cache.ErrCacheMiss {
		f.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}
	f.metrics.Counter(observability.MetricCacheMisses).Inc()

	if !f.limiter.Allow() {
		f.metrics.Counter(observability.MetricRateLimitSkips).Inc()
		return nil, ErrRateLimited
	}

	to := f.now()
	from := to.Add(-horizon.lookback())

	f.metrics.Counter(observability.MetricGatewayCalls).Inc()
	bars, err := f.gateway.HistoricalData(ctx, token, from, to, horizon.interval())
	if err != nil {
		f.metrics.Counter(observability.MetricGatewayErrors).Inc()
		return nil, fmt.Errorf("fetch %s bars for %s: %w", horizon, token, err)
	}
	f.limiter.Record()

	f.cacheBars(ctx, key, horizon, bars)
	return bars, nil
}

// cacheBars stores a series with the horizon's TTL. Cache write failures
// are logged and swallowed; the fetched data is still usable.
func (f *Fetcher) cacheBars(ctx context.Context, key string, horizon Horizon, bars []Bar) {
	data, err := json.Marshal(bars)
	if err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("failed to encode bars for cache")
		return
	}

	ttl := f.cfg.IntradayTTL
	if horizon == Daily {
		ttl = f.cfg.DailyTTL
	}
	if err := f.store.Set(ctx, key, string(data), ttl); err != nil {
		f.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// ResolveName returns the trading symbol for a token. The name is cached
// for a day; on miss the lookup is gated by the rate limiter. Failures
// degrade to "Unknown" rather than suppressing the alert.
func (f *Fetcher) ResolveName(ctx context.Context, token string) string {
	key := nameKeyPrefix + token

	if name, err := f.store.Get(ctx, key); err == nil && name != "" {
		return name
	}

	if !f.limiter.Allow() {
		f.metrics.Counter(observability.MetricRateLimitSkips).Inc()
		f.logger.Warn().Str("token", token).Msg("rate limit reached resolving instrument name")
		return "Unknown"
	}

	f.metrics.Counter(observability.MetricGatewayCalls).Inc()
	name, err := f.gateway.InstrumentName(ctx, token)
	if err != nil {
		f.metrics.Counter(observability.MetricGatewayErrors).Inc()
		f.logger.Warn().Err(err).Str("token", token).Msg("instrument name lookup failed")
		return "Unknown"
	}
	f.limiter.Record()

	if err := f.store.Set(ctx, key, name, f.cfg.NameTTL); err != nil {
		f.logger.Warn().Err(err).Str("token", token).Msg("name cache write failed")
	}
	return name
}
