package state

import (
	"context"
	"sync"
)

// Memory keeps state for the lifetime of the process.
type Memory struct {
	mu        sync.Mutex
	token     *Token
	sessionID string
}

// NewMemory returns an empty in-process store.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Token(context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return Token{}, ErrNotFound
	}
	return *m.token, nil
}

func (m *Memory) SaveToken(_ context.Context, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = &tok
	return nil
}

func (m *Memory) CurrentSession(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessionID == "" {
		return "", ErrNotFound
	}
	return m.sessionID, nil
}

func (m *Memory) SetCurrentSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = sessionID
	return nil
}

func (m *Memory) ClearCurrentSession(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionID = ""
	return nil
}
