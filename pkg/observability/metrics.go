package observability

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Metric names used across the scanner and gateway services
const (
	MetricScanCycles         = "scan_cycles_total"
	MetricScanErrors         = "scan_errors_total"
	MetricInstrumentsChecked = "instruments_checked_total"
	MetricInstrumentsSkipped = "instruments_skipped_total"
	MetricAlertsCreated      = "alerts_created_total"
	MetricGatewayCalls       = "gateway_calls_total"
	MetricGatewayErrors      = "gateway_errors_total"
	MetricRateLimitSkips     = "rate_limit_skips_total"
	MetricCacheHits          = "cache_hits_total"
	MetricCacheMisses        = "cache_misses_total"
	MetricWebhooksSent       = "webhooks_sent_total"
	MetricWebhooksFailed     = "webhooks_failed_total"
	MetricNATSPublishErrors  = "nats_publish_errors_total"
	MetricScanDuration       = "scan_duration_seconds"
)

// Counter tracks a cumulative value
type Counter struct {
	value float64
	mu    sync.Mutex
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(val float64) {
	c.mu.Lock()
	c.value += val
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Gauge tracks a current value
type Gauge struct {
	value float64
	mu    sync.Mutex
}

func (g *Gauge) Set(val float64) {
	g.mu.Lock()
	g.value = val
	g.mu.Unlock()
}

func (g *Gauge) Value() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

// Histogram tracks the sum and count of observed values
type Histogram struct {
	sum   float64
	count uint64
	mu    sync.Mutex
}

func (h *Histogram) Observe(val float64) {
	h.mu.Lock()
	h.sum += val
	h.count++
	h.mu.Unlock()
}

func (h *Histogram) Snapshot() (sum float64, count uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum, h.count
}

// MetricsCollector exposes counters, gauges and histograms in Prometheus
// text format without pulling in the full client library
type MetricsCollector struct {
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	mu         sync.RWMutex
}

var (
	defaultCollector *MetricsCollector
	once             sync.Once
)

// GetCollector returns the process-wide metrics collector
func GetCollector() *MetricsCollector {
	once.Do(func() {
		defaultCollector = &MetricsCollector{
			counters:   make(map[string]*Counter),
			gauges:     make(map[string]*Gauge),
			histograms: make(map[string]*Histogram),
		}
	})
	return defaultCollector
}

// Counter returns the named counter, creating it on first use
func (m *MetricsCollector) Counter(name string) *Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := &Counter{}
	m.counters[name] = c
	return c
}

// Gauge returns the named gauge, creating it on first use
func (m *MetricsCollector) Gauge(name string) *Gauge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	m.gauges[name] = g
	return g
}

// Histogram returns the named histogram, creating it on first use
func (m *MetricsCollector) Histogram(name string) *Histogram {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := &Histogram{}
	m.histograms[name] = h
	return h
}

// Timer observes the elapsed time into the named histogram when the
// returned func runs. Use with defer.
func (m *MetricsCollector) Timer(name string) func() {
	start := time.Now()
	h := m.Histogram(name)
	return func() {
		h.Observe(time.Since(start).Seconds())
	}
}

// Handler serves the metrics in Prometheus text exposition format
func (m *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		names := make([]string, 0, len(m.counters))
		for name := range m.counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "# TYPE %s counter\n%s %g\n", name, name, m.counters[name].Value())
		}

		names = names[:0]
		for name := range m.gauges {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "# TYPE %s gauge\n%s %g\n", name, name, m.gauges[name].Value())
		}

		names = names[:0]
		for name := range m.histograms {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			sum, count := m.histograms[name].Snapshot()
			fmt.Fprintf(w, "# TYPE %s histogram\n%s_sum %g\n%s_count %d\n", name, name, sum, name, count)
		}
	}
}
