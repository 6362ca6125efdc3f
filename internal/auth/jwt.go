package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zclipper/console/internal/clock"
	"github.com/zclipper/console/internal/state"
)

// Claims identifies the console to a backend that shares its signing secret.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// JWTProvider mints HS256 tokens for the configured subject.
type JWTProvider struct {
	secret  []byte
	subject string
	ttl     time.Duration
	clock   clock.Clock
	r       *rotating
}

// NewJWTProvider creates a provider signing with secret. Minted tokens
// expire after ttl and are cached in store until then.
func NewJWTProvider(secret, subject string, ttl time.Duration, store state.Store, clk clock.Clock, logger *zap.Logger) *JWTProvider {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &JWTProvider{secret: []byte(secret), subject: subject, ttl: ttl, clock: clk}
	p.r = &rotating{
		store:  store,
		clock:  clk,
		ttl:    ttl,
		logger: logger,
		mint:   p.Generate,
		valid: func(token string) bool {
			_, err := p.Validate(token)
			return err == nil
		},
	}
	return p
}

func (p *JWTProvider) Token(ctx context.Context) (string, error) {
	return p.r.token(ctx)
}

// Generate signs a token issued at now.
func (p *JWTProvider) Generate(now time.Time) (string, error) {
	claims := Claims{
		Scope: "sessions",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(p.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}

// Validate parses and validates a token, returning claims or ErrInvalidToken.
func (p *JWTProvider) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.clock.Now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject != p.subject {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
