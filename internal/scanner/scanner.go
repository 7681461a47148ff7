// Package scanner drives the continuous short-sell scan: a perpetual loop
// that checks market hours, walks the instrument universe in order, and
// turns qualifying instruments into TTL-bound alerts. The loop is designed
// to run forever and degrade gracefully; the only way out is context
// cancellation.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitescan/trading-assistant-backend/internal/alerts"
	"github.com/kitescan/trading-assistant-backend/internal/marketdata"
	"github.com/kitescan/trading-assistant-backend/pkg/observability"
)

// Config holds the scan cadence, market-hours window and criteria.
type Config struct {
	// ScanInterval is the pause between passes while the market is open.
	ScanInterval time.Duration
	// ClosedInterval is the pause between market-hours re-checks while
	// the market is closed.
	ClosedInterval time.Duration
	// RetryInterval is the pause after an outer-loop failure.
	RetryInterval time.Duration
	// PacingDelay spaces out instrument checks within a pass so the
	// gateway is never burst even inside quota.
	PacingDelay time.Duration

	// MarketOpen and MarketClose are "HH:MM" wall-clock bounds,
	// inclusive, applied on weekdays in Location.
	MarketOpen  string
	MarketClose string
	Location    *time.Location

	Criteria Criteria
}

// DefaultConfig mirrors the production cadence: 60s between passes, 5m
// while closed, NSE trading hours.
func DefaultConfig() Config {
	return Config{
		ScanInterval:   60 * time.Second,
		ClosedInterval: 5 * time.Minute,
		RetryInterval:  60 * time.Second,
		PacingDelay:    100 * time.Millisecond,
		MarketOpen:     "09:25",
		MarketClose:    "15:00",
		Location:       time.UTC,
		Criteria:       DefaultCriteria(),
	}
}

// Summary reports one completed pass.
type Summary struct {
	Scanned  int           `json:"scanned"`
	Alerts   int           `json:"alerts"`
	Duration time.Duration `json:"duration"`
}

// Scanner owns the scan loop. It is constructed explicitly and passed to
// whatever layer needs it; there is no package-level instance.
type Scanner struct {
	fetcher  *marketdata.Fetcher
	store    *alerts.Store
	sinks    []alerts.Sink
	universe []string
	cfg      Config

	openMinute  int
	closeMinute int

	metrics *observability.MetricsCollector
	logger  zerolog.Logger
	now     func() time.Time

	// scanMu serializes passes so a manual scan never interleaves with
	// the loop's own pass.
	scanMu chan struct{}
}

// New creates a scanner over a fixed universe. Sinks receive every created
// alert; sink errors are logged and swallowed.
func New(fetcher *marketdata.Fetcher, store *alerts.Store, universe []string, cfg Config, sinks []alerts.Sink, logger zerolog.Logger) (*Scanner, error) {
	openMin, err := parseClock(cfg.MarketOpen)
	if err != nil {
		return nil, fmt.Errorf("market open time: %w", err)
	}
	closeMin, err := parseClock(cfg.MarketClose)
	if err != nil {
		return nil, fmt.Errorf("market close time: %w", err)
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}

	return &Scanner{
		fetcher:     fetcher,
		store:       store,
		sinks:       sinks,
		universe:    universe,
		cfg:         cfg,
		openMinute:  openMin,
		closeMinute: closeMin,
		metrics:     observability.GetCollector(),
		logger:      logger.With().Str("component", "scanner").Logger(),
		now:         time.Now,
		scanMu:      make(chan struct{}, 1),
	}, nil
}

// Universe returns the tokens being scanned.
func (s *Scanner) Universe() []string {
	return s.universe
}

// Run is the perpetual scan loop. It returns only when ctx is cancelled;
// every failure inside is absorbed, logged and retried.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info().Int("universe", len(s.universe)).Msg("starting continuous short-sell scanning")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !s.marketOpen(s.now()) {
			s.logger.Info().Dur("sleep", s.cfg.ClosedInterval).Msg("market closed")
			if err := sleep(ctx, s.cfg.ClosedInterval); err != nil {
				return err
			}
			continue
		}

		if _, err := s.ScanOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.metrics.Counter(observability.MetricScanErrors).Inc()
			s.logger.Error().Err(err).Dur("retry_in", s.cfg.RetryInterval).Msg("scan pass failed")
			if err := sleep(ctx, s.cfg.RetryInterval); err != nil {
				return err
			}
			continue
		}

		if err := sleep(ctx, s.cfg.ScanInterval); err != nil {
			return err
		}
	}
}

// ScanOnce runs one full pass over the universe. It is safe to call while
// Run is looping; passes are serialized.
func (s *Scanner) ScanOnce(ctx context.Context) (Summary, error) {
	select {
	case s.scanMu <- struct{}{}:
		defer func() { <-s.scanMu }()
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}

	if len(s.universe) == 0 {
		return Summary{}, fmt.Errorf("instrument universe is empty")
	}

	start := s.now()
	s.logger.Info().Int("instruments", len(s.universe)).Msg("starting scan pass")
	defer s.metrics.Timer(observability.MetricScanDuration)()

	summary := Summary{}
	for _, token := range s.universe {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		created, err := s.checkInstrument(ctx, token)
		summary.Scanned++
		s.metrics.Counter(observability.MetricInstrumentsChecked).Inc()
		if err != nil {
			// One bad instrument never aborts the pass.
			s.logger.Error().Err(err).Str("token", token).Msg("instrument check failed")
		} else if created {
			summary.Alerts++
			s.metrics.Counter(observability.MetricAlertsCreated).Inc()
		}

		if err := sleep(ctx, s.cfg.PacingDelay); err != nil {
			return summary, err
		}
	}

	summary.Duration = s.now().Sub(start)
	s.metrics.Counter(observability.MetricScanCycles).Inc()
	s.logger.Info().
		Int("scanned", summary.Scanned).
		Int("alerts", summary.Alerts).
		Dur("duration", summary.Duration).
		Msg("scan pass complete")

	return summary, nil
}

// checkInstrument evaluates one instrument and creates an alert when every
// criterion passes. Rate-limit refusal is a silent skip, not a failure.
func (s *Scanner) checkInstrument(ctx context.Context, token string) (bool, error) {
	intraday, err := s.fetcher.Bars(ctx, token, marketdata.Intraday)
	if err != nil {
		if errors.Is(err, marketdata.ErrRateLimited) {
			s.skip(token, "rate limit reached")
			return false, nil
		}
		return false, err
	}
	if len(intraday) < 2 {
		return false, nil
	}

	daily, err := s.fetcher.Bars(ctx, token, marketdata.Daily)
	if err != nil {
		if errors.Is(err, marketdata.ErrRateLimited) {
			s.skip(token, "rate limit reached")
			return false, nil
		}
		return false, err
	}

	ev, ok := Evaluate(intraday, daily, s.cfg.Criteria)
	if !ok {
		return false, nil
	}

	alert := &alerts.Alert{
		InstrumentToken:  token,
		InstrumentName:   s.fetcher.ResolveName(ctx, token),
		CurrentPrice:     ev.Price,
		PriceChange5m:    ev.Change5m,
		DistanceFromHigh: ev.DistanceFromHigh,
		WeeklyMovement:   ev.WeeklyMovement,
	}
	if err := s.store.CreateOrReplace(ctx, alert); err != nil {
		return false, err
	}

	s.logger.Info().
		Str("instrument", alert.InstrumentName).
		Str("token", token).
		Float64("price", alert.CurrentPrice).
		Float64("change_5m", alert.PriceChange5m).
		Float64("distance_from_high", alert.DistanceFromHigh).
		Float64("weekly_movement", alert.WeeklyMovement).
		Msg("short-sell alert created")

	for _, sink := range s.sinks {
		if err := sink.Notify(ctx, alert); err != nil {
			s.logger.Error().Err(err).Str("token", token).Msg("alert sink failed")
		}
	}
	return true, nil
}

func (s *Scanner) skip(token, reason string) {
	s.metrics.Counter(observability.MetricInstrumentsSkipped).Inc()
	s.logger.Warn().Str("token", token).Msg("skipping instrument: " + reason)
}

// marketOpen reports whether t falls inside the trading window: weekdays
// between the configured open and close, inclusive on both ends.
func (s *Scanner) marketOpen(t time.Time) bool {
	t = t.In(s.cfg.Location)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minute := t.Hour()*60 + t.Minute()
	return minute >= s.openMinute && minute <= s.closeMinute
}

// parseClock converts "HH:MM" into minutes since midnight.
func parseClock(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
