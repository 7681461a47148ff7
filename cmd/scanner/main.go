package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kitescan/trading-assistant-backend/internal/alerts"
	"github.com/kitescan/trading-assistant-backend/internal/cache"
	"github.com/kitescan/trading-assistant-backend/internal/kite"
	"github.com/kitescan/trading-assistant-backend/internal/marketdata"
	"github.com/kitescan/trading-assistant-backend/internal/ratelimit"
	"github.com/kitescan/trading-assistant-backend/internal/scanner"
	"github.com/kitescan/trading-assistant-backend/pkg/config"
	"github.com/kitescan/trading-assistant-backend/pkg/database"
	"github.com/kitescan/trading-assistant-backend/pkg/messaging"
	"github.com/kitescan/trading-assistant-backend/pkg/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger := observability.NewLogger("scanner", cfg.LogLevel)
	metrics := observability.GetCollector()
	health := observability.NewHealthChecker()

	logger.Info("Starting scanner service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	// Cache store: Redis, with an in-memory fallback so the scanner can
	// still run (uncached alerts only survive this process) when Redis
	// is down.
	var store cache.Store
	rdb, err := cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("Redis unavailable, using in-memory cache")
		store = cache.NewMemory()
	} else {
		defer rdb.Close()
		store = rdb
		health.AddCheck("redis", func(ctx context.Context) error {
			return rdb.Client().Ping(ctx).Err()
		})
	}

	kiteClient := kite.NewClient(cfg.Kite.BaseURL, cfg.Kite.APIKey, cfg.Kite.APISecret, logger.Zerolog())
	if cfg.Kite.AccessToken != "" {
		kiteClient.SetAccessToken(cfg.Kite.AccessToken)
	}

	limiter := ratelimit.New(cfg.Scanner.MaxCallsPerMinute, time.Minute)
	fetcher := marketdata.NewFetcher(store, marketdata.NewKiteGateway(kiteClient), limiter, marketdata.FetcherConfig{
		IntradayTTL: cfg.Scanner.IntradayTTL,
		DailyTTL:    cfg.Scanner.DailyTTL,
		NameTTL:     cfg.Scanner.NameTTL,
	}, logger.Zerolog())

	alertStore := alerts.NewStore(store, cfg.Scanner.AlertLifetime, logger.Zerolog())

	var sinks []alerts.Sink
	if len(cfg.Gateway.WebhookURLs) > 0 {
		sinks = append(sinks, alerts.NewNotifier(cfg.Gateway.WebhookURLs, logger.Zerolog()))
		logger.WithField("webhooks", len(cfg.Gateway.WebhookURLs)).Info("Webhook notifier enabled")
	}

	if cfg.PostgresURL != "" {
		db, err := database.NewPool(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal("Failed to connect to PostgreSQL", err)
		}
		defer database.Close(db)
		health.AddCheck("postgres", func(ctx context.Context) error {
			return db.Ping(ctx)
		})

		history := alerts.NewHistory(db, logger.Zerolog())
		defer history.Close()
		sinks = append(sinks, history)
		logger.Info("Alert history persistence enabled")
	}

	nc, err := messaging.NewNATSConn(messaging.Config{URL: cfg.NATSURL, EnableJetStream: true})
	if err != nil {
		logger.WithField("error", err.Error()).Warn("NATS unavailable, alert publishing disabled")
		nc = nil
	} else {
		defer nc.Close()
		health.AddCheck("nats", func(ctx context.Context) error {
			if nc.IsClosed() {
				return fmt.Errorf("NATS connection closed")
			}
			return nil
		})

		js, err := messaging.NewJetStream(nc)
		if err != nil {
			logger.Fatal("Failed to create JetStream context", err)
		}
		if err := messaging.EnsureStream(js, "ALERTS", []string{"alerts.>"}, time.Hour); err != nil {
			logger.Fatal("Failed to create ALERTS stream", err)
		}

		sinks = append(sinks, alerts.SinkFunc(func(ctx context.Context, alert *alerts.Alert) error {
			payload, err := json.Marshal(alert)
			if err != nil {
				return fmt.Errorf("marshal alert: %w", err)
			}
			if _, err := js.Publish(messaging.SubjectAlerts, payload); err != nil {
				metrics.Counter(observability.MetricNATSPublishErrors).Inc()
				return fmt.Errorf("publish alert: %w", err)
			}
			return nil
		}))
	}

	location, err := time.LoadLocation(cfg.Scanner.Timezone)
	if err != nil {
		logger.Fatal("Invalid market timezone", err)
	}

	universe := scanner.LoadUniverse(ctx, kiteClient, cfg.Scanner.UniverseSize, logger.Zerolog())

	scan, err := scanner.New(fetcher, alertStore, universe, scanner.Config{
		ScanInterval:   cfg.Scanner.ScanInterval,
		ClosedInterval: cfg.Scanner.ClosedInterval,
		RetryInterval:  cfg.Scanner.RetryInterval,
		PacingDelay:    cfg.Scanner.PacingDelay,
		MarketOpen:     cfg.Scanner.MarketOpen,
		MarketClose:    cfg.Scanner.MarketClose,
		Location:       location,
		Criteria: scanner.Criteria{
			MinPrice:            cfg.Scanner.MinPrice,
			MaxPrice:            cfg.Scanner.MaxPrice,
			MinChange5m:         cfg.Scanner.MinChange5m,
			MinDistanceFromHigh: cfg.Scanner.MinDistanceFromHigh,
			MaxWeeklyMovement:   cfg.Scanner.MaxWeeklyMovement,
		},
	}, sinks, logger.Zerolog())
	if err != nil {
		logger.Fatal("Failed to create scanner", err)
	}

	// Manual scans arrive over NATS request/reply and run one pass
	// synchronously, serialized with the loop's own cadence.
	if nc != nil {
		sub, err := nc.Subscribe(messaging.SubjectScanRequest, func(msg *nats.Msg) {
			reqCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			defer cancel()

			summary, err := scan.ScanOnce(reqCtx)
			if err != nil {
				logger.Error("Manual scan failed", err)
				payload, _ := json.Marshal(map[string]string{"error": err.Error()})
				_ = msg.Respond(payload)
				return
			}
			payload, _ := json.Marshal(summary)
			_ = msg.Respond(payload)
		})
		if err != nil {
			logger.Fatal("Failed to subscribe to scan requests", err)
		}
		defer sub.Unsubscribe()
	}

	// Metrics and health endpoints.
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", metrics.Handler())
	mux.HandleFunc("/health/live", health.LivenessHandler())
	mux.HandleFunc("/health/ready", health.ReadinessHandler())
	metricsServer := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
	go func() {
		logger.Infof("Metrics server listening on :%s", cfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", err)
		}
	}()
	defer metricsServer.Shutdown(context.Background())

	// The scan loop is an explicit task with a handle; shutdown joins it.
	done := make(chan error, 1)
	go func() {
		done <- scan.Run(ctx)
	}()

	logger.Info("Scanner service started")

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Scanner stopped with error", err)
	}
	logger.Info("Scanner service stopped")
}
