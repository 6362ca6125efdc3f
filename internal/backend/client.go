// Package backend is a typed client for the external clipping backend's REST
// API. Every request carries the bearer token from the configured provider.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zclipper/console/internal/auth"
	"github.com/zclipper/console/internal/cache"
)

const (
	defaultRequestTimeout = 8 * time.Second
	maxResponseBytes      = 8 << 20
)

// ErrSessionNotFound is returned when the backend does not know the session.
var ErrSessionNotFound = errors.New("session not found")

// StatusError is a non-2xx response other than 404.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend: %s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("backend: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Detail)
}

// Config describes the backend client configuration.
type Config struct {
	BaseURL        string
	WSURL          string
	RequestTimeout time.Duration
	Credentials    auth.Provider
	// Cache holds list responses. Nil disables caching.
	Cache      cache.Cache
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client wraps the clipping backend REST API.
type Client struct {
	baseURL *url.URL
	wsURL   *url.URL
	timeout time.Duration
	creds   auth.Provider
	cache   cache.Cache
	http    *http.Client
	logger  *zap.Logger
}

// New creates a Client from the supplied configuration.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend: invalid base url %q", cfg.BaseURL)
	}
	rawWS := strings.TrimRight(strings.TrimSpace(cfg.WSURL), "/")
	if rawWS == "" {
		ws := *base
		ws.Scheme = "ws"
		if base.Scheme == "https" {
			ws.Scheme = "wss"
		}
		rawWS = ws.String()
	}
	wsURL, err := url.Parse(rawWS)
	if err != nil {
		return nil, fmt.Errorf("backend: invalid websocket url %q: %w", cfg.WSURL, err)
	}
	if cfg.Credentials == nil {
		return nil, errors.New("backend: credential provider is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		// Per-request deadlines come from contexts so downloads can stream.
		hc = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: base,
		wsURL:   wsURL,
		timeout: timeout,
		creds:   cfg.Credentials,
		cache:   cfg.Cache,
		http:    hc,
		logger:  logger,
	}, nil
}

// Meta carries response metadata the caller may act on.
type Meta struct {
	// MaxAge is the backend's Cache-Control max-age hint, zero when absent.
	MaxAge time.Duration
}

// WSURL returns the realtime feed URL for a session.
func (c *Client) WSURL(sessionID string) string {
	return c.wsURL.JoinPath("ws", "live-data", sessionID).String()
}

// Token returns the current bearer token, for callers that dial the
// realtime feed themselves.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.creds.Token(ctx)
}

// Health probes GET /health. The caller's context bounds the probe.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL.JoinPath("health").String(), nil)
	if err != nil {
		return fmt.Errorf("backend: build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend: health: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Method: http.MethodGet, Path: "/health", Code: resp.StatusCode}
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return fmt.Errorf("backend: decode health: %w", err)
	}
	if body.Status != "healthy" {
		return fmt.Errorf("backend: health reports %q", body.Status)
	}
	return nil
}

// do sends one JSON request and decodes the response into out. Cached
// requests are answered from the cache when possible.
func (c *Client) do(ctx context.Context, method string, path []string, in, out any, cached bool) (Meta, error) {
	endpoint := c.baseURL.JoinPath(path...)
	key := method + " " + endpoint.Path
	if cached && c.cache != nil {
		if raw, ok := c.cache.Get(ctx, key); ok {
			if err := json.Unmarshal(raw, out); err == nil {
				return Meta{}, nil
			}
			c.cache.Delete(ctx, key)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return Meta{}, fmt.Errorf("backend: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), body)
	if err != nil {
		return Meta{}, fmt.Errorf("backend: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if err := c.authorize(ctx, req); err != nil {
		return Meta{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Meta{}, fmt.Errorf("backend: %s %s: %w", method, endpoint.Path, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, method, endpoint.Path); err != nil {
		return Meta{}, err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Meta{}, fmt.Errorf("backend: read %s: %w", endpoint.Path, err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return Meta{}, fmt.Errorf("backend: decode %s: %w", endpoint.Path, err)
		}
	}

	maxAge, storable := parseCacheControl(resp.Header.Get("Cache-Control"))
	meta := Meta{MaxAge: maxAge}
	if cached && c.cache != nil && storable {
		c.cache.Set(ctx, key, raw, maxAge)
	}
	return meta, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	tok, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("backend: credentials: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

func checkStatus(resp *http.Response, method, path string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("backend: %s %s: %w", method, path, ErrSessionNotFound)
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Detail: errorDetail(raw)}
}

// errorDetail pulls the detail field out of an error body, falling back to
// the raw text.
func errorDetail(raw []byte) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	return strings.TrimSpace(string(raw))
}

// parseCacheControl returns the max-age hint and whether the response may be
// stored at all.
func parseCacheControl(header string) (time.Duration, bool) {
	var maxAge time.Duration
	for _, directive := range strings.Split(header, ",") {
		directive = strings.ToLower(strings.TrimSpace(directive))
		switch {
		case directive == "no-store" || directive == "no-cache":
			return 0, false
		case strings.HasPrefix(directive, "max-age="):
			secs, err := strconv.Atoi(strings.TrimPrefix(directive, "max-age="))
			if err != nil || secs < 0 {
				continue
			}
			if secs == 0 {
				return 0, false
			}
			maxAge = time.Duration(secs) * time.Second
		}
	}
	return maxAge, true
}
