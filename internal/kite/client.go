// Package kite implements a client for the Kite Connect brokerage API:
// session exchange, account lookups, the instrument dump and historical
// bars. The scanner treats it as a rate-limited, occasionally failing
// remote service; every method can return an error the caller is expected
// to absorb.
package kite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultBaseURL is the production Kite Connect endpoint.
	DefaultBaseURL = "https://api.kite.trade"

	// LoginURL is where users are sent to authorize a session.
	LoginURL = "https://kite.zerodha.com/connect/login"

	apiVersion = "3"
)

// Client handles HTTP requests to the Kite Connect API. It is safe for
// concurrent use; the access token may be replaced while requests are in
// flight.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	logger     zerolog.Logger

	mu          sync.RWMutex
	accessToken string
}

// NewClient creates a Kite Connect client. The access token may be empty at
// construction and set later once a session has been generated.
func NewClient(baseURL, apiKey, apiSecret string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger.With().Str("component", "kite-client").Logger(),
	}
}

// SetAccessToken installs the session token used on authenticated calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// LoginRedirectURL builds the URL users visit to authorize this app.
func (c *Client) LoginRedirectURL() string {
	return fmt.Sprintf("%s?v=%s&api_key=%s", LoginURL, apiVersion, url.QueryEscape(c.apiKey))
}

// GenerateSession exchanges a request token for an access token. The
// checksum is SHA-256 over api_key + request_token + api_secret, per the
// Kite Connect protocol.
func (c *Client) GenerateSession(ctx context.Context, requestToken string) (*Session, error) {
	sum := sha256.Sum256([]byte(c.apiKey + requestToken + c.apiSecret))

	form := url.Values{}
	form.Set("api_key", c.apiKey)
	form.Set("request_token", requestToken)
	form.Set("checksum", hex.EncodeToString(sum[:]))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/session/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Kite-Version", apiVersion)

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	c.SetAccessToken(session.AccessToken)
	return &session, nil
}

// Profile fetches the user profile.
func (c *Client) Profile(ctx context.Context) (*Profile, error) {
	data, err := c.get(ctx, "/user/profile", nil)
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &profile, nil
}

// Holdings fetches the user's holdings as raw JSON; the gateway proxies it
// through without interpreting individual positions.
func (c *Client) Holdings(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/portfolio/holdings", nil)
}

// Positions fetches the user's positions as raw JSON.
func (c *Client) Positions(ctx context.Context) (json.RawMessage, error) {
	return c.get(ctx, "/portfolio/positions", nil)
}

// Instruments downloads and parses the full instrument dump.
func (c *Client) Instruments(ctx context.Context) ([]Instrument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/instruments", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	instruments, err := parseInstruments(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse instrument dump: %w", err)
	}

	c.logger.Debug().Int("count", len(instruments)).Msg("fetched instrument dump")
	return instruments, nil
}

// HistoricalData fetches OHLCV bars for an instrument over a date range at
// the given interval ("5minute", "day", ...).
func (c *Client) HistoricalData(ctx context.Context, token string, from, to time.Time, interval string) ([]Candle, error) {
	endpoint := fmt.Sprintf("/instruments/historical/%s/%s", url.PathEscape(token), url.PathEscape(interval))
	query := url.Values{}
	query.Set("from", from.Format("2006-01-02 15:04:05"))
	query.Set("to", to.Format("2006-01-02 15:04:05"))

	data, err := c.get(ctx, endpoint, query)
	if err != nil {
		return nil, err
	}
	return parseCandles(data)
}

// InstrumentName resolves the trading symbol for a token from the
// instrument dump.
func (c *Client) InstrumentName(ctx context.Context, token string) (string, error) {
	instruments, err := c.Instruments(ctx)
	if err != nil {
		return "", err
	}
	for _, inst := range instruments {
		if inst.InstrumentToken == token {
			return inst.Tradingsymbol, nil
		}
	}
	return "", fmt.Errorf("instrument %s not found", token)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values) (json.RawMessage, error) {
	u := c.baseURL + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	c.authorize(req)

	return c.do(req)
}

func (c *Client) authorize(req *http.Request) {
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "token "+c.apiKey+":"+token)
	}
}

// do executes the request and unwraps the standard Kite response envelope.
func (c *Client) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || env.Status == "error" {
		return nil, fmt.Errorf("kite api error (status %d, type %s): %s", resp.StatusCode, env.ErrorType, env.Message)
	}
	return env.Data, nil
}
