package livesync

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/zclipper/console/internal/backend"
	"github.com/zclipper/console/internal/state"
)

// ErrNoSession is returned when no session is being followed.
var ErrNoSession = errors.New("livesync: no current session")

// Manager follows at most one session at a time and remembers which one so
// the dashboard resumes after a restart.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	store   state.Store
	logger  *zap.Logger
	current *Controller
}

// NewManager creates a manager whose controllers share opts.
func NewManager(opts Options, store state.Store) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		store = state.NewMemory()
	}
	return &Manager{opts: opts, store: store, logger: logger}
}

// Switch follows sessionID. The previous controller is closed, timers and
// socket included, before the new one starts. Switching to the session
// already followed without error is a no-op. The new controller is current
// while it loads; a later Switch or Stop supersedes it.
func (m *Manager) Switch(ctx context.Context, sessionID string) (*Controller, error) {
	if sessionID == "" {
		return nil, errors.New("livesync: session id is required")
	}
	m.mu.Lock()
	if cur := m.current; cur != nil && cur.SessionID() == sessionID && cur.View().Phase != PhaseError {
		m.mu.Unlock()
		return cur, nil
	}
	if m.current != nil {
		m.current.Close()
	}
	c := New(sessionID, m.opts)
	m.current = c
	m.mu.Unlock()

	err := c.Start(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != c {
		m.logger.Debug("session load superseded", zap.String("session_id", sessionID))
		if err == nil {
			err = ErrClosed
		}
		return c, err
	}
	if err != nil {
		if errors.Is(err, backend.ErrSessionNotFound) {
			if cerr := m.store.ClearCurrentSession(ctx); cerr != nil {
				m.logger.Warn("clear current session", zap.Error(cerr))
			}
		}
		return c, err
	}
	if err := m.store.SetCurrentSession(ctx, sessionID); err != nil {
		m.logger.Warn("persist current session", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.logger.Info("following session", zap.String("session_id", sessionID))
	return c, nil
}

// Current returns the followed controller.
func (m *Manager) Current() (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, ErrNoSession
	}
	return m.current, nil
}

// Stop closes the followed controller and forgets it. When sessionID is
// non-empty the call only applies if that session is the one followed.
func (m *Manager) Stop(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil || (sessionID != "" && m.current.SessionID() != sessionID) {
		return false
	}
	m.current.Close()
	m.current = nil
	if err := m.store.ClearCurrentSession(ctx); err != nil {
		m.logger.Warn("clear current session", zap.Error(err))
	}
	return true
}

// Resume follows the session remembered in the state store, if any.
func (m *Manager) Resume(ctx context.Context) (*Controller, error) {
	id, err := m.store.CurrentSession(ctx)
	if errors.Is(err, state.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, err
	}
	return m.Switch(ctx, id)
}

// Close closes the followed controller but keeps it remembered for Resume.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}
