package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// KiteConfig holds Kite Connect API credentials and endpoints
type KiteConfig struct {
	APIKey      string
	APISecret   string
	AccessToken string
	BaseURL     string
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ScannerConfig holds scan cadence, market hours, thresholds and cache TTLs
type ScannerConfig struct {
	ScanInterval   time.Duration
	ClosedInterval time.Duration
	RetryInterval  time.Duration
	PacingDelay    time.Duration
	AlertLifetime  time.Duration

	MarketOpen  string
	MarketClose string
	Timezone    string

	MaxCallsPerMinute int
	UniverseSize      int

	MinPrice            float64
	MaxPrice            float64
	MinChange5m         float64
	MinDistanceFromHigh float64
	MaxWeeklyMovement   float64

	IntradayTTL time.Duration
	DailyTTL    time.Duration
	NameTTL     time.Duration
}

// GatewayConfig holds the HTTP gateway settings
type GatewayConfig struct {
	HTTPAddr    string
	WebhookURLs []string

	// TrustedProxies are CIDR blocks whose X-Forwarded-For headers are
	// believed when attributing requests to a client. Empty means the
	// header is never trusted.
	TrustedProxies []string

	ProfileTTL   time.Duration
	HoldingsTTL  time.Duration
	PositionsTTL time.Duration
}

// Config is the full application configuration, loaded from the environment
type Config struct {
	LogLevel    string
	MetricsPort string

	NATSURL     string
	PostgresURL string

	Kite    KiteConfig
	Redis   RedisConfig
	Scanner ScannerConfig
	Gateway GatewayConfig
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first if present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		MetricsPort: getEnv("METRICS_PORT", "9090"),
		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		PostgresURL: getEnv("POSTGRES_URL", ""),
		Kite: KiteConfig{
			APIKey:      os.Getenv("KITE_API_KEY"),
			APISecret:   os.Getenv("KITE_API_SECRET"),
			AccessToken: os.Getenv("KITE_ACCESS_TOKEN"),
			BaseURL:     getEnv("KITE_BASE_URL", "https://api.kite.trade"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Scanner: ScannerConfig{
			ScanInterval:   getEnvDuration("SCAN_INTERVAL", 60*time.Second),
			ClosedInterval: getEnvDuration("MARKET_CLOSED_INTERVAL", 5*time.Minute),
			RetryInterval:  getEnvDuration("SCAN_RETRY_INTERVAL", 60*time.Second),
			PacingDelay:    getEnvDuration("SCAN_PACING_DELAY", 100*time.Millisecond),
			AlertLifetime:  getEnvDuration("ALERT_LIFETIME", 5*time.Minute),

			MarketOpen:  getEnv("MARKET_OPEN", "09:25"),
			MarketClose: getEnv("MARKET_CLOSE", "15:00"),
			Timezone:    getEnv("MARKET_TIMEZONE", "Asia/Kolkata"),

			MaxCallsPerMinute: getEnvInt("KITE_MAX_CALLS_PER_MINUTE", 1000),
			UniverseSize:      getEnvInt("UNIVERSE_SIZE", 500),

			MinPrice:            getEnvFloat("SCAN_MIN_PRICE", 150),
			MaxPrice:            getEnvFloat("SCAN_MAX_PRICE", 900),
			MinChange5m:         getEnvFloat("SCAN_MIN_CHANGE_5M", 4.0),
			MinDistanceFromHigh: getEnvFloat("SCAN_MIN_DISTANCE_FROM_HIGH", 10.0),
			MaxWeeklyMovement:   getEnvFloat("SCAN_MAX_WEEKLY_MOVEMENT", 5.0),

			IntradayTTL: getEnvDuration("CACHE_TTL_INTRADAY", 5*time.Minute),
			DailyTTL:    getEnvDuration("CACHE_TTL_DAILY", time.Hour),
			NameTTL:     getEnvDuration("CACHE_TTL_NAME", 24*time.Hour),
		},
		Gateway: GatewayConfig{
			HTTPAddr:       getEnv("HTTP_ADDR", ":8080"),
			WebhookURLs:    getEnvSlice("WEBHOOK_URLS"),
			TrustedProxies: getEnvSlice("TRUSTED_PROXIES"),

			ProfileTTL:   getEnvDuration("CACHE_TTL_PROFILE", time.Hour),
			HoldingsTTL:  getEnvDuration("CACHE_TTL_HOLDINGS", 5*time.Minute),
			PositionsTTL: getEnvDuration("CACHE_TTL_POSITIONS", 5*time.Minute),
		},
	}

	if cfg.Kite.APIKey == "" {
		return nil, fmt.Errorf("KITE_API_KEY is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
