package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	keyToken          = "console:auth_token"
	keyCurrentSession = "console:current_session_id"
)

// Redis stores client state in Redis so it survives console restarts.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an already connected client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Token(ctx context.Context) (Token, error) {
	raw, err := r.client.Get(ctx, keyToken).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("get token: %w", err)
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, fmt.Errorf("decode token: %w", err)
	}
	return tok, nil
}

func (r *Redis) SaveToken(ctx context.Context, tok Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := r.client.Set(ctx, keyToken, raw, 0).Err(); err != nil {
		return fmt.Errorf("set token: %w", err)
	}
	return nil
}

func (r *Redis) CurrentSession(ctx context.Context) (string, error) {
	id, err := r.client.Get(ctx, keyCurrentSession).Result()
	if errors.Is(err, redis.Nil) || (err == nil && id == "") {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get current session: %w", err)
	}
	return id, nil
}

func (r *Redis) SetCurrentSession(ctx context.Context, sessionID string) error {
	if err := r.client.Set(ctx, keyCurrentSession, sessionID, 0).Err(); err != nil {
		return fmt.Errorf("set current session: %w", err)
	}
	return nil
}

func (r *Redis) ClearCurrentSession(ctx context.Context) error {
	if err := r.client.Del(ctx, keyCurrentSession).Err(); err != nil {
		return fmt.Errorf("clear current session: %w", err)
	}
	return nil
}
