package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/kitescan/trading-assistant-backend/internal/alerts"
	"github.com/kitescan/trading-assistant-backend/internal/cache"
	"github.com/kitescan/trading-assistant-backend/internal/kite"
	"github.com/kitescan/trading-assistant-backend/internal/ratelimit"
	"github.com/kitescan/trading-assistant-backend/pkg/config"
	"github.com/kitescan/trading-assistant-backend/pkg/messaging"
	"github.com/kitescan/trading-assistant-backend/pkg/observability"
)

type server struct {
	cfg      *config.Config
	logger   *observability.Logger
	metrics  *observability.MetricsCollector
	health   *observability.HealthChecker
	store    cache.Store
	alerts   *alerts.Store
	kite     *kite.Client
	nc       *nats.Conn
	upgrader websocket.Upgrader

	// trustedProxies are the networks allowed to set X-Forwarded-For.
	trustedProxies []*net.IPNet

	// Per-client request limiting, one rolling window per IP.
	limiters   map[string]*ratelimit.Limiter
	limitersMu sync.Mutex
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger := observability.NewLogger("api-gateway", cfg.LogLevel)
	logger.Info("Starting API gateway service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	srv, err := bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to bootstrap API gateway", err)
	}
	defer srv.shutdown()

	httpServer := &http.Server{
		Addr:         cfg.Gateway.HTTPAddr,
		Handler:      srv.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("API gateway listening on %s", cfg.Gateway.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", err)
	}
	logger.Info("API gateway service stopped")
}

func bootstrap(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*server, error) {
	metrics := observability.GetCollector()
	health := observability.NewHealthChecker()

	rdb, err := cache.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	health.AddCheck("redis", func(ctx context.Context) error {
		return rdb.Client().Ping(ctx).Err()
	})

	nc, err := messaging.NewNATSConn(messaging.Config{URL: cfg.NATSURL})
	if err != nil {
		rdb.Close()
		return nil, err
	}
	health.AddCheck("nats", func(ctx context.Context) error {
		if nc.IsClosed() {
			return fmt.Errorf("NATS connection closed")
		}
		return nil
	})

	kiteClient := kite.NewClient(cfg.Kite.BaseURL, cfg.Kite.APIKey, cfg.Kite.APISecret, logger.Zerolog())
	if cfg.Kite.AccessToken != "" {
		kiteClient.SetAccessToken(cfg.Kite.AccessToken)
	}

	var trustedProxies []*net.IPNet
	for _, cidr := range cfg.Gateway.TrustedProxies {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			rdb.Close()
			nc.Close()
			return nil, fmt.Errorf("trusted proxy %q: %w", cidr, err)
		}
		trustedProxies = append(trustedProxies, network)
	}

	return &server{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		health:  health,
		store:   rdb,
		alerts:  alerts.NewStore(rdb, cfg.Scanner.AlertLifetime, logger.Zerolog()),
		kite:    kiteClient,
		nc:      nc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		trustedProxies: trustedProxies,
		limiters:       make(map[string]*ratelimit.Limiter),
	}, nil
}

func (s *server) shutdown() {
	if closer, ok := s.store.(*cache.Redis); ok {
		closer.Close()
	}
	messaging.Close(s.nc)
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health/live", s.health.LivenessHandler())
	mux.HandleFunc("/health/ready", s.health.ReadinessHandler())

	mux.HandleFunc("/auth/login", s.cors(s.handleAuthLogin))
	mux.HandleFunc("/auth/callback", s.cors(s.handleAuthCallback))

	mux.HandleFunc("/api/alerts", s.cors(s.rateLimit(s.handleAlerts)))
	mux.HandleFunc("/api/scan", s.cors(s.rateLimit(s.handleScan)))
	mux.HandleFunc("/api/profile", s.cors(s.rateLimit(s.handleProfile)))
	mux.HandleFunc("/api/holdings", s.cors(s.rateLimit(s.handleHoldings)))
	mux.HandleFunc("/api/positions", s.cors(s.rateLimit(s.handlePositions)))
	mux.HandleFunc("/ws/alerts", s.handleAlertsWS)
	return mux
}

// handleAuthLogin redirects the user to the Kite authorization page.
func (s *server) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.kite.LoginRedirectURL(), http.StatusTemporaryRedirect)
}

// handleAuthCallback exchanges the request token delivered by the Kite
// redirect for an access token.
func (s *server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	requestToken := r.URL.Query().Get("request_token")
	if requestToken == "" {
		s.writeError(w, http.StatusBadRequest, "missing_request_token", "request_token query parameter is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	session, err := s.kite.GenerateSession(ctx, requestToken)
	if err != nil {
		s.logger.Error("Session generation failed", err)
		s.writeError(w, http.StatusBadGateway, "session_failed", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    session.UserID,
		"login_time": session.LoginTime,
	})
}

// handleAlerts returns all active alerts, or a single instrument's alert
// when ?token= is given.
func (s *server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		alert, err := s.alerts.ByToken(ctx, token)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
			return
		}
		if alert == nil {
			s.writeError(w, http.StatusNotFound, "not_found", "no active alert for instrument")
			return
		}
		s.writeJSON(w, http.StatusOK, alert)
		return
	}

	active, err := s.alerts.Active(ctx)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, active)
}

// scanWait bounds how long a manual scan may take end to end. A full pass
// over a large universe runs for minutes because of instrument pacing.
const scanWait = 10 * time.Minute

// handleScan asks the scanner service to run one pass now and relays the
// pass summary.
func (s *server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}

	// The server-wide write timeout is sized for quick queries; this
	// route legitimately outlives it.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Now().Add(scanWait)); err != nil {
		s.logger.Error("Failed to extend write deadline", err)
	}

	ctx, cancel := context.WithTimeout(r.Context(), scanWait)
	defer cancel()

	msg, err := s.nc.RequestWithContext(ctx, messaging.SubjectScanRequest, nil)
	if err != nil {
		s.writeError(w, http.StatusGatewayTimeout, "scan_unavailable", err.Error())
		return
	}

	s.writeScanReply(w, msg.Data)
}

// writeScanReply relays the scanner's pass summary, surfacing a failed pass
// as a gateway error rather than a 200 with an error body.
func (s *server) writeScanReply(w http.ResponseWriter, data []byte) {
	var reply struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &reply); err == nil && reply.Error != "" {
		s.writeError(w, http.StatusBadGateway, "scan_failed", reply.Error)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *server) handleProfile(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	profile, err := s.cachedProfile(ctx)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "profile_failed", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

const profileCacheKey = "user:profile"

// cachedProfile reads the account profile through the cache. The profile
// changes rarely, so it carries the longest TTL of the proxied resources.
func (s *server) cachedProfile(ctx context.Context) (*kite.Profile, error) {
	if cached, err := s.store.Get(ctx, profileCacheKey); err == nil {
		var profile kite.Profile
		if err := json.Unmarshal([]byte(cached), &profile); err == nil {
			s.metrics.Counter(observability.MetricCacheHits).Inc()
			return &profile, nil
		}
		s.store.Delete(ctx, profileCacheKey)
	}
	s.metrics.Counter(observability.MetricCacheMisses).Inc()

	profile, err := s.kite.Profile(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(profile); err == nil {
		if err := s.store.Set(ctx, profileCacheKey, string(data), s.cfg.Gateway.ProfileTTL); err != nil {
			s.logger.Error("Cache write failed", err)
		}
	}
	return profile, nil
}

func (s *server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	s.proxyCached(w, r, "holdings", s.cfg.Gateway.HoldingsTTL, s.kite.Holdings)
}

func (s *server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.proxyCached(w, r, "positions", s.cfg.Gateway.PositionsTTL, s.kite.Positions)
}

// proxyCached serves a brokerage resource through the cache: the cached
// JSON is returned as-is on a hit, and upstream responses are cached under
// the user's key with the resource TTL.
func (s *server) proxyCached(w http.ResponseWriter, r *http.Request, resource string, ttl time.Duration, fetch func(context.Context) (json.RawMessage, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	profile, err := s.cachedProfile(ctx)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, resource+"_failed", err.Error())
		return
	}

	key := fmt.Sprintf("user:%s:%s", profile.UserID, resource)
	if cached, err := s.store.Get(ctx, key); err == nil {
		s.metrics.Counter(observability.MetricCacheHits).Inc()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(cached))
		return
	}
	s.metrics.Counter(observability.MetricCacheMisses).Inc()

	data, err := fetch(ctx)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, resource+"_failed", err.Error())
		return
	}
	if err := s.store.Set(ctx, key, string(data), ttl); err != nil {
		s.logger.Error("Cache write failed", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleAlertsWS streams alerts published by the scanner to a websocket
// client, with ping keepalives.
func (s *server) handleAlertsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Websocket upgrade failed", err)
		return
	}
	defer conn.Close()

	const (
		pongWait   = 30 * time.Second
		pingPeriod = 20 * time.Second
		writeWait  = 10 * time.Second
	)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := s.nc.SubscribeSync(messaging.SubjectAlerts)
	if err != nil {
		s.logger.Error("NATS subscribe failed", err)
		return
	}
	defer sub.Unsubscribe()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	var writeMu sync.Mutex
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				writeMu.Lock()
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
			case <-ctx.Done():
				return
			}
		}
	}()

	// Read pump: detects disconnects and services pong frames.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}()

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return
		}
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, msg.Data)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// rateLimit bounds each client IP to 100 requests per minute.
func (s *server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, s.trustedProxies)

		s.limitersMu.Lock()
		limiter, ok := s.limiters[ip]
		if !ok {
			if len(s.limiters) > 10000 {
				s.limiters = make(map[string]*ratelimit.Limiter)
			}
			limiter = ratelimit.New(100, time.Minute)
			s.limiters[ip] = limiter
		}
		s.limitersMu.Unlock()

		if !limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		limiter.Record()

		next(w, r)
	}
}

func (s *server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// clientIP attributes the request to a client address. X-Forwarded-For is
// honored only when the direct peer is a trusted proxy; otherwise any
// client could spoof the header and mint itself fresh rate-limit quota.
func clientIP(r *http.Request, trustedProxies []*net.IPNet) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" && proxyTrusted(host, trustedProxies) {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	return host
}

func proxyTrusted(host string, trustedProxies []*net.IPNet) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, network := range trustedProxies {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
