// Package state persists the console's client-side state: the cached
// bearer token and the session the dashboard was last showing.
package state

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has never been written.
var ErrNotFound = errors.New("state: not found")

// Token is a cached bearer credential and the time it was minted.
type Token struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// Store is the persisted client state.
type Store interface {
	Token(ctx context.Context) (Token, error)
	SaveToken(ctx context.Context, tok Token) error
	CurrentSession(ctx context.Context) (string, error)
	SetCurrentSession(ctx context.Context, sessionID string) error
	ClearCurrentSession(ctx context.Context) error
}
