// Package upstream is the HTTP client for the trading backend's chart and
// live-data endpoints. The backend offers no streaming feed — only periodic
// re-polling of mutable "current bar" state plus a raw bid/ask tick — so
// this client is deliberately thin: typed GETs, tolerant JSON decoding, and
// optional TOTP session handling in front.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
)

// Config configures the upstream client.
type Config struct {
	BaseURL string // e.g. "https://backend.example.com"

	// Session credentials. Leave empty for unauthenticated backends.
	ClientID   string
	Password   string
	TOTPSecret string

	Timeout time.Duration // default: 7s
}

// Client talks to the upstream backend. Safe for concurrent use; the only
// mutable state is the session token, guarded by a mutex.
type Client struct {
	baseURL    string
	httpClient *http.Client

	clientID   string
	password   string
	totpSecret string

	mu    sync.Mutex
	token string

	// SessionExpiryHook is called when the backend rejects the session
	// token and a re-login also fails. Optional.
	SessionExpiryHook func()
}

// Tick is the wire shape of GET /livedata/tick/{symbol}.
type Tick struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Last float64 `json:"last"`
}

// Price returns the best usable price from the tick: last, then ask, then
// bid. Returns 0 when every field is absent or junk.
func (t Tick) Price() float64 {
	for _, v := range [...]float64{t.Last, t.Ask, t.Bid} {
		if !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0 {
			return v
		}
	}
	return 0
}

// New creates an upstream client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	return &Client{
		baseURL:    trimRightSlash(cfg.BaseURL),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		clientID:   cfg.ClientID,
		password:   cfg.Password,
		totpSecret: cfg.TOTPSecret,
	}
}

func trimRightSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// HasCredentials reports whether the client is configured for session auth.
func (c *Client) HasCredentials() bool {
	return c.clientID != "" && c.password != ""
}

// Login establishes a session with the backend. When a TOTP secret is
// configured, the one-time code is generated locally the same way the
// broker's own terminal does.
func (c *Client) Login(ctx context.Context) error {
	body := map[string]string{
		"clientId": c.clientID,
		"password": c.password,
	}
	if c.totpSecret != "" {
		code, err := totp.GenerateCode(c.totpSecret, time.Now())
		if err != nil {
			return fmt.Errorf("totp generate: %w", err)
		}
		body["totp"] = code
	}

	payload, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/session", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("login decode: %w", err)
	}
	if out.Token == "" {
		return fmt.Errorf("login: empty session token")
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()
	log.Printf("[upstream] session established for %s", c.clientID)
	return nil
}

// History fetches up to count finished bars for symbol at the given
// timeframe (minutes). The raw records are returned as-is; normalization
// and repair are the history fetcher's job.
func (c *Client) History(ctx context.Context, symbol string, timeframeMin, count int) ([]Candle, error) {
	q := url.Values{}
	q.Set("timeframe", strconv.Itoa(timeframeMin))
	q.Set("count", strconv.Itoa(count))
	path := "/chart/candle/history/" + url.PathEscape(symbol) + "?" + q.Encode()

	raw, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeCandles(raw)
}

// Current fetches the still-open bar for symbol at the given timeframe.
func (c *Client) Current(ctx context.Context, symbol string, timeframeMin int) (*Candle, error) {
	q := url.Values{}
	q.Set("timeframe", strconv.Itoa(timeframeMin))
	path := "/chart/candle/current/" + url.PathEscape(symbol) + "?" + q.Encode()

	raw, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	return decodeCandle(raw)
}

// LiveTick fetches the instantaneous bid/ask/last sample for symbol.
func (c *Client) LiveTick(ctx context.Context, symbol string) (Tick, error) {
	raw, err := c.get(ctx, "/livedata/tick/"+url.PathEscape(symbol))
	if err != nil {
		return Tick{}, err
	}

	var t Tick
	if err := unwrap(raw, &t); err != nil {
		return Tick{}, fmt.Errorf("tick decode: %w", err)
	}
	return t, nil
}

// get performs one authenticated GET, re-logging-in once on a rejected
// session before giving up.
func (c *Client) get(ctx context.Context, path string) (json.RawMessage, error) {
	raw, status, err := c.doGet(ctx, path)
	if err != nil {
		return nil, err
	}

	if (status == http.StatusUnauthorized || status == http.StatusForbidden) && c.HasCredentials() {
		if lerr := c.Login(ctx); lerr != nil {
			if c.SessionExpiryHook != nil {
				c.SessionExpiryHook()
			}
			return nil, fmt.Errorf("GET %s: session expired, re-login failed: %w", path, lerr)
		}
		raw, status, err = c.doGet(ctx, path)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status > 299 {
		return nil, fmt.Errorf("GET %s: unexpected status %d", path, status)
	}
	return raw, nil
}

func (c *Client) doGet(ctx context.Context, path string) (json.RawMessage, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Accept", "application/json")

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("GET %s: read body: %w", path, err)
	}
	return body, resp.StatusCode, nil
}

// unwrap decodes raw into v, accepting both a bare payload and the
// {"data": ...} envelope some backend deployments wrap responses in.
func unwrap(raw json.RawMessage, v any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Data != nil {
		return json.Unmarshal(envelope.Data, v)
	}
	return json.Unmarshal(raw, v)
}

func decodeCandles(raw json.RawMessage) ([]Candle, error) {
	var out []Candle
	if err := unwrap(raw, &out); err != nil {
		return nil, fmt.Errorf("history decode: %w", err)
	}
	return out, nil
}

func decodeCandle(raw json.RawMessage) (*Candle, error) {
	var out Candle
	if err := unwrap(raw, &out); err != nil {
		return nil, fmt.Errorf("candle decode: %w", err)
	}
	return &out, nil
}
