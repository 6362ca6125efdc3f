package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zclipper/console/internal/clock"
	"github.com/zclipper/console/internal/models"
)

// Default feed timings.
const (
	DefaultProbeTimeout         = 3 * time.Second
	DefaultConnectTimeout       = 5 * time.Second
	DefaultReconnectDelay       = 3 * time.Second
	DefaultMaxReconnectAttempts = 3
)

// Prober checks that the backend is reachable before a socket is opened.
type Prober interface {
	Health(ctx context.Context) error
}

// FeedHandler receives feed output. Every method is called on the owner's
// dispatch goroutine.
type FeedHandler interface {
	OnFeedState(state models.ConnectionState)
	OnSessionUpdate(u models.SessionUpdate)
	OnClipGenerated(c models.Clip)
	OnFeedError(message string)
}

// FeedConfig wires a Feed to its collaborators.
type FeedConfig struct {
	SessionID string
	URL       string
	Dialer    Dialer
	Prober    Prober
	// Token, when set, supplies a bearer token for the handshake.
	Token func(ctx context.Context) (string, error)
	Clock clock.Clock
	// Dispatch runs fn on the owner's sequential loop and reports false once
	// that loop has stopped.
	Dispatch func(fn func()) bool
	Handler  FeedHandler
	Logger   *zap.Logger

	ProbeTimeout         time.Duration
	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// Feed keeps one realtime socket to the backend for a session. It is not
// safe for concurrent use: Connect, Stop and State must be called from the
// goroutine that Dispatch runs callbacks on.
//
// States move idle -> connecting -> open -> closed|error -> reconnect-pending
// -> connecting, and end in stopped.
type Feed struct {
	cfg    FeedConfig
	logger *zap.Logger

	state       models.ConnectionState
	probing     bool
	cleanClosed bool
	// attempt is bumped on every connect cycle and on Stop; late results
	// from an older attempt are dropped.
	attempt    uint64
	reconnects int

	conn       Conn
	cancelDial context.CancelFunc
	guard      clock.Timer
	retry      clock.Timer
}

// NewFeed creates an idle feed.
func NewFeed(cfg FeedConfig) *Feed {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebsocketDialer()
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		cfg:    cfg,
		logger: logger.With(zap.String("session_id", cfg.SessionID)),
		state:  models.ConnIdle,
	}
}

// State returns the current connection state.
func (f *Feed) State() models.ConnectionState { return f.state }

// Rearmable reports whether Connect would start a new attempt: the feed is
// idle, or closed after giving up on reconnects.
func (f *Feed) Rearmable() bool {
	if f.probing {
		return false
	}
	return f.state == models.ConnIdle || (f.state == models.ConnClosed && !f.cleanClosed)
}

// Connect probes the backend and, when healthy, opens the socket. It is a
// no-op while an attempt is in progress, while open, or after Stop.
func (f *Feed) Connect() {
	if !f.Rearmable() {
		return
	}
	f.reconnects = 0
	f.startAttempt()
}

func (f *Feed) startAttempt() {
	f.attempt++
	attempt := f.attempt
	f.probing = true
	f.cleanClosed = false

	if f.cfg.Prober == nil {
		f.onProbe(attempt, nil)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.ProbeTimeout)
		err := f.cfg.Prober.Health(ctx)
		cancel()
		f.cfg.Dispatch(func() { f.onProbe(attempt, err) })
	}()
}

func (f *Feed) onProbe(attempt uint64, err error) {
	if attempt != f.attempt || f.state == models.ConnStopped {
		return
	}
	f.probing = false
	if err != nil {
		f.logger.Debug("health probe failed, feed stays idle", zap.Error(err))
		f.setState(models.ConnIdle)
		return
	}

	f.setState(models.ConnConnecting)
	ctx, cancel := context.WithCancel(context.Background())
	f.cancelDial = cancel
	f.guard = f.cfg.Clock.AfterFunc(f.cfg.ConnectTimeout, func() {
		f.cfg.Dispatch(func() { f.onConnectTimeout(attempt) })
	})

	go func() {
		header := http.Header{}
		if f.cfg.Token != nil {
			if tok, err := f.cfg.Token(ctx); err == nil && tok != "" {
				header.Set("Authorization", "Bearer "+tok)
			}
		}
		conn, err := f.cfg.Dialer.Dial(ctx, f.cfg.URL, header)
		if !f.cfg.Dispatch(func() { f.onDial(attempt, conn, err) }) && conn != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "")
		}
	}()
}

func (f *Feed) onConnectTimeout(attempt uint64) {
	if attempt != f.attempt || f.state != models.ConnConnecting {
		return
	}
	f.guard = nil
	f.logger.Warn("realtime feed connect timed out", zap.Duration("timeout", f.cfg.ConnectTimeout))
	// A dial that completes after this point belongs to a dead attempt.
	f.attempt++
	f.clearDial()
	f.fail()
}

func (f *Feed) onDial(attempt uint64, conn Conn, err error) {
	if attempt != f.attempt || f.state == models.ConnStopped {
		if conn != nil {
			_ = conn.Close(websocket.CloseNormalClosure, "")
		}
		return
	}
	f.stopGuard()
	f.clearDial()
	if err != nil {
		f.logger.Warn("realtime feed dial failed", zap.Error(err))
		f.fail()
		return
	}

	f.conn = conn
	f.reconnects = 0
	f.setState(models.ConnOpen)
	f.logger.Info("realtime feed open")
	go f.readLoop(attempt, conn)
}

func (f *Feed) readLoop(attempt uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			f.cfg.Dispatch(func() { f.onClosed(attempt, err) })
			return
		}
		if !f.cfg.Dispatch(func() { f.onMessage(attempt, data) }) {
			return
		}
	}
}

func (f *Feed) onClosed(attempt uint64, err error) {
	if attempt != f.attempt || f.state == models.ConnStopped {
		return
	}
	if f.conn != nil {
		_ = f.conn.Close(websocket.CloseNormalClosure, "")
		f.conn = nil
	}
	if IsCleanClose(err) {
		f.logger.Info("realtime feed closed by backend")
		f.cleanClosed = true
		f.setState(models.ConnClosed)
		return
	}
	f.logger.Warn("realtime feed dropped", zap.Error(err))
	f.fail()
}

// fail records an unclean end of the current attempt and schedules exactly
// one reconnect, unless the attempt budget is spent.
func (f *Feed) fail() {
	f.setState(models.ConnError)
	if f.reconnects >= f.cfg.MaxReconnectAttempts {
		f.logger.Warn("realtime feed giving up, continuing with polling",
			zap.Int("attempts", f.reconnects))
		f.setState(models.ConnClosed)
		return
	}
	f.reconnects++
	f.setState(models.ConnReconnectPending)
	attempt := f.attempt
	f.retry = f.cfg.Clock.AfterFunc(f.cfg.ReconnectDelay, func() {
		f.cfg.Dispatch(func() { f.onRetry(attempt) })
	})
}

func (f *Feed) onRetry(attempt uint64) {
	if attempt != f.attempt || f.state != models.ConnReconnectPending {
		return
	}
	f.retry = nil
	f.logger.Debug("realtime feed reconnecting", zap.Int("attempt", f.reconnects))
	f.startAttempt()
}

func (f *Feed) onMessage(attempt uint64, data []byte) {
	if attempt != f.attempt || f.state != models.ConnOpen {
		return
	}
	var env models.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("ignoring malformed feed message", zap.Error(err))
		return
	}
	switch env.Type {
	case models.EnvelopeSessionUpdate:
		var p models.SessionUpdatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			f.logger.Debug("ignoring malformed session_update", zap.Error(err))
			return
		}
		if p.SessionID != "" && p.SessionID != f.cfg.SessionID {
			return
		}
		f.cfg.Handler.OnSessionUpdate(p.ToUpdate())
	case models.EnvelopeClipGenerated:
		var p models.ClipGeneratedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			f.logger.Debug("ignoring malformed clip_generated", zap.Error(err))
			return
		}
		if p.SessionID != "" && p.SessionID != f.cfg.SessionID {
			return
		}
		clip := p.Clip.ToClip(f.cfg.SessionID)
		if clip.ID == "" {
			f.logger.Debug("ignoring clip without id")
			return
		}
		f.cfg.Handler.OnClipGenerated(clip)
	case models.EnvelopeError:
		f.cfg.Handler.OnFeedError(models.ErrorMessage(env.Data))
	default:
		f.logger.Debug("ignoring unknown feed message", zap.String("type", env.Type))
	}
}

// Stop tears the feed down: timers are cancelled, an open socket is closed
// with a normal closure, and no reconnect follows. The feed cannot be
// restarted.
func (f *Feed) Stop() {
	if f.state == models.ConnStopped {
		return
	}
	f.attempt++
	f.probing = false
	f.stopGuard()
	if f.retry != nil {
		f.retry.Stop()
		f.retry = nil
	}
	f.clearDial()
	if f.conn != nil {
		if err := f.conn.Close(websocket.CloseNormalClosure, "session closed"); err != nil {
			f.logger.Debug("closing realtime feed", zap.Error(err))
		}
		f.conn = nil
	}
	f.setState(models.ConnStopped)
}

func (f *Feed) stopGuard() {
	if f.guard != nil {
		f.guard.Stop()
		f.guard = nil
	}
}

func (f *Feed) clearDial() {
	if f.cancelDial != nil {
		f.cancelDial()
		f.cancelDial = nil
	}
}

func (f *Feed) setState(s models.ConnectionState) {
	if f.state == s {
		return
	}
	f.state = s
	if f.cfg.Handler != nil {
		f.cfg.Handler.OnFeedState(s)
	}
}
