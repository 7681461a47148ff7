package marketdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitescan/trading-assistant-backend/internal/cache"
	"github.com/kitescan/trading-assistant-backend/internal/ratelimit"
)

type stubGateway struct {
	bars  []Bar
	name  string
	err   error
	calls int
}

func (g *stubGateway) HistoricalData(ctx context.Context, token string, from, to time.Time, interval string) ([]Bar, error) {
	g.calls++
	return g.bars, g.err
}

func (g *stubGateway) InstrumentName(ctx context.Context, token string) (string, error) {
	g.calls++
	return g.name, g.err
}

func sampleBars() []Bar {
	base := time.Date(2024, 6, 3, 10, 0, 0, 0, time.UTC)
	return []Bar{
		{Timestamp: base, Open: 480, High: 510, Low: 475, Close: 500, Volume: 1000},
		{Timestamp: base.Add(5 * time.Minute), Open: 500, High: 520, Low: 498, Close: 515, Volume: 800},
	}
}

func newTestFetcher(gw Gateway, limiter *ratelimit.Limiter) (*Fetcher, *cache.Memory) {
	store := cache.NewMemory()
	return NewFetcher(store, gw, limiter, DefaultFetcherConfig(), zerolog.Nop()), store
}

func TestFetcher_MissFetchesAndCaches(t *testing.T) {
	gw := &stubGateway{bars: sampleBars()}
	limiter := ratelimit.New(10, time.Minute)
	f, _ := newTestFetcher(gw, limiter)
	ctx := context.Background()

	bars, err := f.Bars(ctx, "100", Intraday)
	if err != nil {
		t.Fatalf("Bars failed: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("Expected 2 bars, got %d", len(bars))
	}
	if gw.calls != 1 {
		t.Errorf("Expected 1 gateway call, got %d", gw.calls)
	}
	if limiter.Count() != 1 {
		t.Errorf("Expected 1 quota unit consumed, got %d", limiter.Count())
	}
}

func TestFetcher_HitConsumesNoQuota(t *testing.T) {
	gw := &stubGateway{bars: sampleBars()}
	limiter := ratelimit.New(10, time.Minute)
	f, _ := newTestFetcher(gw, limiter)
	ctx := context.Background()

	if _, err := f.Bars(ctx, "100", Intraday); err != nil {
		t.Fatalf("First fetch failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		bars, err := f.Bars(ctx, "100", Intraday)
		if err != nil {
			t.Fatalf("Cached fetch %d failed: %v", i, err)
		}
		if bars[1].Close != 515 {
			t.Errorf("Cached fetch %d: expected close 515, got %f", i, bars[1].Close)
		}
	}

	if gw.calls != 1 {
		t.Errorf("Expected gateway untouched on hits, got %d calls", gw.calls)
	}
	if limiter.Count() != 1 {
		t.Errorf("Expected quota unchanged on hits, got %d", limiter.Count())
	}
}

func TestFetcher_RateLimitedSkips(t *testing.T) {
	gw := &stubGateway{bars: sampleBars()}
	f, _ := newTestFetcher(gw, ratelimit.New(0, time.Minute))

	_, err := f.Bars(context.Background(), "100", Intraday)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	if gw.calls != 0 {
		t.Errorf("Expected no gateway calls past the limiter, got %d", gw.calls)
	}
}

func TestFetcher_GatewayErrorConsumesNoQuota(t *testing.T) {
	gw := &stubGateway{err: errors.New("upstream down")}
	limiter := ratelimit.New(10, time.Minute)
	f, _ := newTestFetcher(gw, limiter)

	if _, err := f.Bars(context.Background(), "100", Intraday); err == nil {
		t.Fatal("Expected error from failed gateway call")
	}
	// Only completed calls consume quota.
	if limiter.Count() != 0 {
		t.Errorf("Expected quota unchanged after failed call, got %d", limiter.Count())
	}
}

func TestFetcher_MalformedCacheRefetches(t *testing.T) {
	gw := &stubGateway{bars: sampleBars()}
	f, store := newTestFetcher(gw, ratelimit.New(10, time.Minute))
	ctx := context.Background()

	// Poison the cache with something that is not a JSON bar series.
	key := Intraday.cacheKey("100")
	if err := store.Set(ctx, key, "[{'broken'", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	bars, err := f.Bars(ctx, "100", Intraday)
	if err != nil {
		t.Fatalf("Bars failed: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("Expected refetched bars, got %d", len(bars))
	}
	if gw.calls != 1 {
		t.Errorf("Expected one refetch, got %d calls", gw.calls)
	}

	// The poisoned entry must be replaced with the good series.
	cached, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cached == "[{'broken'" {
		t.Error("Expected malformed cache entry replaced")
	}
}

func TestFetcher_SeparateKeysPerHorizon(t *testing.T) {
	gw := &stubGateway{bars: sampleBars()}
	f, _ := newTestFetcher(gw, ratelimit.New(10, time.Minute))
	ctx := context.Background()

	if _, err := f.Bars(ctx, "100", Intraday); err != nil {
		t.Fatalf("Intraday fetch failed: %v", err)
	}
	if _, err := f.Bars(ctx, "100", Daily); err != nil {
		t.Fatalf("Daily fetch failed: %v", err)
	}

	// Different horizons must not share cache entries.
	if gw.calls != 2 {
		t.Errorf("Expected 2 gateway calls for 2 horizons, got %d", gw.calls)
	}
}

func TestResolveName(t *testing.T) {
	gw := &stubGateway{name: "RELIANCE"}
	limiter := ratelimit.New(10, time.Minute)
	f, _ := newTestFetcher(gw, limiter)
	ctx := context.Background()

	if name := f.ResolveName(ctx, "738561"); name != "RELIANCE" {
		t.Errorf("Expected RELIANCE, got %q", name)
	}
	// Second lookup comes from the cache.
	if name := f.ResolveName(ctx, "738561"); name != "RELIANCE" {
		t.Errorf("Expected cached RELIANCE, got %q", name)
	}
	if gw.calls != 1 {
		t.Errorf("Expected 1 gateway call, got %d", gw.calls)
	}
}

func TestResolveName_DegradesToUnknown(t *testing.T) {
	gw := &stubGateway{err: errors.New("upstream down")}
	f, _ := newTestFetcher(gw, ratelimit.New(10, time.Minute))

	if name := f.ResolveName(context.Background(), "100"); name != "Unknown" {
		t.Errorf("Expected Unknown on lookup failure, got %q", name)
	}

	// Rate limiting degrades the same way instead of erroring.
	f2, _ := newTestFetcher(&stubGateway{name: "X"}, ratelimit.New(0, time.Minute))
	if name := f2.ResolveName(context.Background(), "100"); name != "Unknown" {
		t.Errorf("Expected Unknown under rate limiting, got %q", name)
	}
}
