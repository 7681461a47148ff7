package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitescan/trading-assistant-backend/internal/alerts"
	"github.com/kitescan/trading-assistant-backend/internal/cache"
	"github.com/kitescan/trading-assistant-backend/internal/marketdata"
	"github.com/kitescan/trading-assistant-backend/internal/ratelimit"
)

// fakeGateway serves canned bar series keyed by instrument token and
// interval name.
type fakeGateway struct {
	series map[string]map[string][]marketdata.Bar
	names  map[string]string
	calls  int
}

func (g *fakeGateway) HistoricalData(ctx context.Context, token string, from, to time.Time, interval string) ([]marketdata.Bar, error) {
	g.calls++
	return g.series[token][interval], nil
}

func (g *fakeGateway) InstrumentName(ctx context.Context, token string) (string, error) {
	if name, ok := g.names[token]; ok {
		return name, nil
	}
	return "Unknown", nil
}

type captureSink struct {
	alerts []*alerts.Alert
}

func (s *captureSink) Notify(ctx context.Context, alert *alerts.Alert) error {
	s.alerts = append(s.alerts, alert)
	return nil
}

func intradaySeries(prev, current, high float64) []marketdata.Bar {
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	return []marketdata.Bar{
		{Timestamp: base, High: high, Close: prev},
		{Timestamp: base.Add(5 * time.Minute), High: current * 1.01, Close: current},
	}
}

func quietWeek() []marketdata.Bar {
	base := time.Date(2024, 5, 27, 0, 0, 0, 0, time.UTC)
	return []marketdata.Bar{
		{Timestamp: base, Close: 500},
		{Timestamp: base.Add(7 * 24 * time.Hour), Close: 505},
	}
}

func newTestScanner(t *testing.T, gw *fakeGateway, universe []string) (*Scanner, *alerts.Store, *captureSink) {
	t.Helper()

	store := cache.NewMemory()
	fetcher := marketdata.NewFetcher(store, gw, ratelimit.New(1000, time.Minute), marketdata.DefaultFetcherConfig(), zerolog.Nop())
	alertStore := alerts.NewStore(store, 5*time.Minute, zerolog.Nop())
	sink := &captureSink{}

	cfg := DefaultConfig()
	cfg.PacingDelay = 0

	s, err := New(fetcher, alertStore, universe, cfg, []alerts.Sink{sink}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, alertStore, sink
}

func TestScanOnce_CreatesAlertForQualifyingInstrument(t *testing.T) {
	gw := &fakeGateway{
		series: map[string]map[string][]marketdata.Bar{
			// Qualifies: +4.17% move, 12% off the high, quiet week.
			"100": {
				"5minute": intradaySeries(480, 500, 560),
				"day":     quietWeek(),
			},
			// Too weak a move.
			"200": {
				"5minute": intradaySeries(498, 500, 560),
				"day":     quietWeek(),
			},
		},
		names: map[string]string{"100": "ACME"},
	}

	s, alertStore, sink := newTestScanner(t, gw, []string{"100", "200"})

	summary, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("ScanOnce failed: %v", err)
	}

	if summary.Scanned != 2 {
		t.Errorf("Expected 2 scanned, got %d", summary.Scanned)
	}
	if summary.Alerts != 1 {
		t.Errorf("Expected 1 alert, got %d", summary.Alerts)
	}

	if len(sink.alerts) != 1 {
		t.Fatalf("Expected 1 sink notification, got %d", len(sink.alerts))
	}
	got := sink.alerts[0]
	if got.InstrumentToken != "100" {
		t.Errorf("Expected alert for token 100, got %s", got.InstrumentToken)
	}
	if got.InstrumentName != "ACME" {
		t.Errorf("Expected instrument name ACME, got %s", got.InstrumentName)
	}
	if !got.IsActive {
		t.Error("Expected created alert to be active")
	}
	if want := got.CreatedAt.Add(5 * time.Minute); !got.ExpiresAt.Equal(want) {
		t.Errorf("Expected expiry %v, got %v", want, got.ExpiresAt)
	}

	stored, err := alertStore.ByToken(context.Background(), "100")
	if err != nil {
		t.Fatalf("ByToken failed: %v", err)
	}
	if stored == nil {
		t.Fatal("Expected alert persisted for token 100")
	}
	if stored.CurrentPrice != 500 {
		t.Errorf("Expected stored price 500, got %f", stored.CurrentPrice)
	}
}

func TestScanOnce_SecondPassUsesCache(t *testing.T) {
	gw := &fakeGateway{
		series: map[string]map[string][]marketdata.Bar{
			"100": {
				"5minute": intradaySeries(480, 500, 560),
				"day":     quietWeek(),
			},
		},
	}

	s, _, _ := newTestScanner(t, gw, []string{"100"})
	ctx := context.Background()

	if _, err := s.ScanOnce(ctx); err != nil {
		t.Fatalf("First pass failed: %v", err)
	}
	// Intraday + daily + name lookup.
	callsAfterFirst := gw.calls

	if _, err := s.ScanOnce(ctx); err != nil {
		t.Fatalf("Second pass failed: %v", err)
	}
	if gw.calls != callsAfterFirst {
		t.Errorf("Expected second pass served from cache, gateway calls went %d -> %d", callsAfterFirst, gw.calls)
	}
}

func TestScanOnce_EmptyUniverse(t *testing.T) {
	s, _, _ := newTestScanner(t, &fakeGateway{}, nil)

	if _, err := s.ScanOnce(context.Background()); err == nil {
		t.Error("Expected error for empty universe")
	}
}

func TestScanOnce_RateLimitSkipsNotFails(t *testing.T) {
	gw := &fakeGateway{
		series: map[string]map[string][]marketdata.Bar{
			"100": {
				"5minute": intradaySeries(480, 500, 560),
				"day":     quietWeek(),
			},
		},
	}

	store := cache.NewMemory()
	// Zero budget: every bar fetch is refused.
	fetcher := marketdata.NewFetcher(store, gw, ratelimit.New(0, time.Minute), marketdata.DefaultFetcherConfig(), zerolog.Nop())
	alertStore := alerts.NewStore(store, 5*time.Minute, zerolog.Nop())

	cfg := DefaultConfig()
	cfg.PacingDelay = 0
	s, err := New(fetcher, alertStore, []string{"100"}, cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	summary, err := s.ScanOnce(context.Background())
	if err != nil {
		t.Fatalf("Expected pass to survive rate limiting, got %v", err)
	}
	if summary.Alerts != 0 {
		t.Errorf("Expected no alerts under rate limiting, got %d", summary.Alerts)
	}
	if gw.calls != 0 {
		t.Errorf("Expected no gateway calls, got %d", gw.calls)
	}
}

func TestMarketOpen(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Location = loc
	s, err := New(nil, nil, []string{"100"}, cfg, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"before open", time.Date(2024, 6, 3, 9, 24, 0, 0, loc), false},
		{"at open", time.Date(2024, 6, 3, 9, 25, 0, 0, loc), true},
		{"midday", time.Date(2024, 6, 3, 12, 0, 0, 0, loc), true},
		{"at close", time.Date(2024, 6, 3, 15, 0, 0, 0, loc), true},
		{"after close", time.Date(2024, 6, 3, 15, 1, 0, 0, loc), false},
		{"saturday", time.Date(2024, 6, 8, 12, 0, 0, 0, loc), false},
		{"sunday", time.Date(2024, 6, 9, 12, 0, 0, 0, loc), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.marketOpen(tt.t); got != tt.want {
				t.Errorf("marketOpen(%v) = %v, want %v", tt.t, got, tt.want)
			}
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, _, _ := newTestScanner(t, &fakeGateway{series: map[string]map[string][]marketdata.Bar{}}, []string{"100"})
	s.cfg.ScanInterval = 10 * time.Millisecond
	s.cfg.ClosedInterval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
