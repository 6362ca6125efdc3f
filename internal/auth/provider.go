// Package auth supplies bearer credentials for requests to the clipping
// backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zclipper/console/config"
	"github.com/zclipper/console/internal/clock"
	"github.com/zclipper/console/internal/state"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// DemoTokenPrefix marks tokens the backend accepts in demo mode.
const DemoTokenPrefix = "demo-token-"

// Provider returns the bearer token to attach to backend requests.
type Provider interface {
	Token(ctx context.Context) (string, error)
}

// StaticProvider always returns the configured token.
type StaticProvider string

func (p StaticProvider) Token(context.Context) (string, error) {
	if p == "" {
		return "", ErrInvalidToken
	}
	return string(p), nil
}

// rotating caches a minted token in the state store and mints a new one once
// the cached token is older than ttl or no longer valid.
type rotating struct {
	mu     sync.Mutex
	store  state.Store
	clock  clock.Clock
	ttl    time.Duration
	logger *zap.Logger
	mint   func(now time.Time) (string, error)
	valid  func(token string) bool
}

func (r *rotating) token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	cached, err := r.store.Token(ctx)
	switch {
	case err == nil:
		if now.Sub(cached.IssuedAt) < r.ttl && r.valid(cached.Value) {
			return cached.Value, nil
		}
	case !errors.Is(err, state.ErrNotFound):
		r.logger.Warn("read cached token", zap.Error(err))
	}

	tok, err := r.mint(now)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}
	if err := r.store.SaveToken(ctx, state.Token{Value: tok, IssuedAt: now}); err != nil {
		r.logger.Warn("persist token", zap.Error(err))
	}
	r.logger.Debug("minted backend token", zap.Time("issued_at", now))
	return tok, nil
}

// DemoProvider mints demo-mode tokens and rotates them after ttl.
type DemoProvider struct {
	r *rotating
}

// NewDemoProvider creates a demo credential provider backed by store.
func NewDemoProvider(store state.Store, clk clock.Clock, ttl time.Duration, logger *zap.Logger) *DemoProvider {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DemoProvider{r: &rotating{
		store:  store,
		clock:  clk,
		ttl:    ttl,
		logger: logger,
		mint: func(now time.Time) (string, error) {
			// The backend derives the demo user from the text after the last dash.
			return DemoTokenPrefix + strconv.FormatInt(now.Unix(), 10), nil
		},
		valid: func(token string) bool { return strings.HasPrefix(token, DemoTokenPrefix) },
	}}
}

func (p *DemoProvider) Token(ctx context.Context) (string, error) {
	return p.r.token(ctx)
}

// NewProvider picks the provider for cfg.Mode: "static", "jwt" or demo.
func NewProvider(cfg config.AuthConfig, store state.Store, clk clock.Clock, logger *zap.Logger) Provider {
	switch cfg.Mode {
	case "static":
		return StaticProvider(cfg.Token)
	case "jwt":
		return NewJWTProvider(cfg.JWTSecret, cfg.Subject, cfg.TokenTTL, store, clk, logger)
	default:
		return NewDemoProvider(store, clk, cfg.TokenTTL, logger)
	}
}
