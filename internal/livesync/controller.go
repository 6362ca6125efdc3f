// Package livesync keeps a live view of one monitoring session consistent
// with the clipping backend. A Controller combines a status poller and a
// realtime feed; every result is funnelled through one event loop where a
// reconciler owns the view.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zclipper/console/internal/backend"
	"github.com/zclipper/console/internal/clock"
	"github.com/zclipper/console/internal/eventloop"
	"github.com/zclipper/console/internal/models"
	"github.com/zclipper/console/internal/notify"
	"github.com/zclipper/console/internal/realtime"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("livesync: controller closed")

// Strategy selects how a controller learns about changes.
type Strategy int

const (
	// StrategyPush keeps a realtime feed open and polls only as a fallback.
	StrategyPush Strategy = iota
	// StrategyPoll never opens a realtime feed.
	StrategyPoll
)

func (s Strategy) String() string {
	if s == StrategyPoll {
		return "poll"
	}
	return "push"
}

// ParseStrategy maps "push" or "poll" onto a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "push", "":
		return StrategyPush, nil
	case "poll":
		return StrategyPoll, nil
	}
	return StrategyPush, fmt.Errorf("livesync: unknown strategy %q", s)
}

// Phase is the lifecycle of a controller's view.
type Phase string

const (
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
	PhaseError   Phase = "error"
	PhaseClosed  Phase = "closed"
)

// View is a snapshot of a session as the dashboard shows it.
type View struct {
	SessionID   string                 `json:"session_id"`
	Strategy    string                 `json:"strategy"`
	Phase       Phase                  `json:"phase"`
	Session     *models.Session        `json:"session,omitempty"`
	Clips       []models.Clip          `json:"clips"`
	Connection  models.ConnectionState `json:"connection"`
	LastUpdated time.Time              `json:"last_updated"`
	Error       string                 `json:"error,omitempty"`
}

// Backend is the part of the clipping backend a controller talks to.
type Backend interface {
	GetStatus(ctx context.Context, sessionID string) (models.Session, backend.Meta, error)
	GetClips(ctx context.Context, sessionID string) ([]models.Clip, error)
	Health(ctx context.Context) error
	WSURL(sessionID string) string
	Token(ctx context.Context) (string, error)
}

// Options configure controllers. Zero durations fall back to defaults.
type Options struct {
	Strategy Strategy
	Backend  Backend
	Dialer   realtime.Dialer
	Clock    clock.Clock
	Notifier notify.Notifier
	Logger   *zap.Logger

	// OnView receives every published view. OnClips receives clips that were
	// added or changed. Both run on the controller's loop and must not block.
	OnView  func(View)
	OnClips func(sessionID string, clips []models.Clip)

	PollInterval         time.Duration
	RequestTimeout       time.Duration
	ProbeTimeout         time.Duration
	ConnectTimeout       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

const (
	defaultPollInterval   = 30 * time.Second
	defaultRequestTimeout = 8 * time.Second
)

// Controller synchronises one session. Create with New, then Start; Close
// releases every timer and socket.
type Controller struct {
	sessionID      string
	opts           Options
	backend        Backend
	clock          clock.Clock
	logger         *zap.Logger
	requestTimeout time.Duration

	loop   *eventloop.Loop
	ctx    context.Context
	cancel context.CancelFunc

	view      atomic.Pointer[View]
	startOnce sync.Once
	closeOnce sync.Once

	// Owned by the loop.
	rec          *reconciler
	poller       *poller
	feed         *realtime.Feed
	phase        Phase
	lastErr      string
	clipsPending bool
	clipsAsked   int
	closing      bool
	lastConn     models.ConnectionState
}

// New creates a controller for sessionID. It does no I/O until Start.
func New(sessionID string, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		sessionID:      sessionID,
		opts:           opts,
		backend:        opts.Backend,
		clock:          opts.Clock,
		logger:         opts.Logger.With(zap.String("session_id", sessionID), zap.Stringer("strategy", opts.Strategy)),
		requestTimeout: opts.RequestTimeout,
		loop:           eventloop.New(),
		ctx:            ctx,
		cancel:         cancel,
		phase:          PhaseLoading,
	}
	c.rec = newReconciler(sessionID, opts.Notifier, c.clock.Now)
	c.poller = newPoller(c, opts.PollInterval)
	if opts.Strategy == StrategyPush {
		c.feed = realtime.NewFeed(realtime.FeedConfig{
			SessionID:            sessionID,
			URL:                  opts.Backend.WSURL(sessionID),
			Dialer:               opts.Dialer,
			Prober:               opts.Backend,
			Token:                opts.Backend.Token,
			Clock:                c.clock,
			Dispatch:             c.loop.Post,
			Handler:              feedEvents{c},
			Logger:               opts.Logger,
			ProbeTimeout:         opts.ProbeTimeout,
			ConnectTimeout:       opts.ConnectTimeout,
			ReconnectDelay:       opts.ReconnectDelay,
			MaxReconnectAttempts: opts.MaxReconnectAttempts,
		})
	}
	c.view.Store(&View{
		SessionID:  sessionID,
		Strategy:   opts.Strategy.String(),
		Phase:      PhaseLoading,
		Clips:      []models.Clip{},
		Connection: models.ConnIdle,
	})
	return c
}

// SessionID returns the session this controller follows.
func (c *Controller) SessionID() string { return c.sessionID }

// View returns the latest published view. Safe for concurrent use.
func (c *Controller) View() View {
	v := c.view.Load()
	out := *v
	out.Clips = append([]models.Clip(nil), v.Clips...)
	if v.Session != nil {
		s := *v.Session
		out.Session = &s
	}
	return out
}

// Start runs the event loop and performs the initial load: status, then
// clips. ctx bounds only the initial load. A failed load leaves the
// controller in PhaseError with no timers armed and is returned.
func (c *Controller) Start(ctx context.Context) error {
	started := false
	c.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("livesync: controller already started")
	}
	go c.loop.Run(c.ctx)

	s, clips, meta, err := c.initialLoad(ctx)
	if doErr := c.loop.Do(func() {
		if c.closing {
			return
		}
		if err != nil {
			c.fail(err)
			return
		}
		c.rec.load(s, clips)
		c.phase = PhaseReady
		c.lastErr = ""
		c.poller.adjustInterval(meta.MaxAge)
		c.poller.start()
		c.rearmFeed()
		c.publish()
		c.observeClips(c.rec.clips)
	}); doErr != nil {
		return ErrClosed
	}
	return err
}

func (c *Controller) initialLoad(ctx context.Context) (models.Session, []models.Clip, backend.Meta, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	s, meta, err := c.backend.GetStatus(ctx, c.sessionID)
	if err != nil {
		return models.Session{}, nil, meta, fmt.Errorf("load session %s: %w", c.sessionID, err)
	}
	clips, err := c.backend.GetClips(ctx, c.sessionID)
	if err != nil {
		return models.Session{}, nil, meta, fmt.Errorf("load clips for %s: %w", c.sessionID, err)
	}
	return s, clips, meta, nil
}

// fail moves the view into its fatal error state and disarms everything.
func (c *Controller) fail(err error) {
	c.logger.Warn("live session failed to load", zap.Error(err))
	c.poller.stop()
	if c.feed != nil {
		c.feed.Stop()
	}
	c.phase = PhaseError
	c.lastErr = err.Error()
	if errors.Is(err, backend.ErrSessionNotFound) {
		c.lastErr = "Session not found"
	}
	c.publish()
}

// Refresh polls the backend now, even when the realtime feed is healthy.
func (c *Controller) Refresh() error {
	err := c.loop.Do(func() {
		if c.phase == PhaseReady && !c.closing {
			c.poller.poll(true)
		}
	})
	if err != nil {
		return ErrClosed
	}
	return nil
}

// Close tears the controller down: poll timer, connect guard and reconnect
// timer are cancelled and the socket is closed normally. No callback runs
// after Close returns.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		// Loop never started: nothing is armed.
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			_ = c.loop.Do(func() {
				c.closing = true
				c.poller.stop()
				if c.feed != nil {
					c.feed.Stop()
				}
				c.phase = PhaseClosed
				c.publish()
			})
		}
		c.loop.Stop()
		c.cancel()
		if started {
			c.loop.Wait()
		}
		c.logger.Debug("live session closed")
	})
}

// suppressed reports whether polling is redundant: the feed is open and the
// session is active.
func (c *Controller) suppressed() bool {
	if c.feed == nil || c.feed.State() != models.ConnOpen {
		return false
	}
	return c.rec.session != nil && c.rec.session.Status == models.SessionActive
}

// rearmFeed opens the feed when it is idle, or closed after giving up, and
// the session is still live.
func (c *Controller) rearmFeed() {
	if c.feed == nil || c.closing || c.phase != PhaseReady {
		return
	}
	if c.rec.session == nil || c.rec.session.Status != models.SessionActive {
		return
	}
	if c.feed.Rearmable() {
		c.feed.Connect()
	}
}

func (c *Controller) applySnapshot(s models.Session) {
	if c.closing || c.phase != PhaseReady {
		return
	}
	wasActive := c.rec.session != nil && c.rec.session.Status == models.SessionActive
	if s.ID == "" {
		s.ID = c.sessionID
	}
	needClips := c.rec.applySnapshot(s)
	c.publish()
	if needClips {
		c.fetchClips()
	}
	c.afterSessionChange(wasActive)
}

// afterSessionChange lifts poll suppression at once when the session stops
// being active.
func (c *Controller) afterSessionChange(wasActive bool) {
	active := c.rec.session != nil && c.rec.session.Status == models.SessionActive
	if wasActive && !active {
		c.poller.kick()
	}
	if !wasActive && active {
		c.rearmFeed()
	}
}

func (c *Controller) fetchClips() {
	if c.clipsPending {
		return
	}
	c.clipsPending = true
	if c.rec.session != nil {
		c.clipsAsked = c.rec.session.ClipsGenerated
	}
	sessionID := c.sessionID
	ctx, cancel := context.WithTimeout(c.ctx, c.requestTimeout)
	go func() {
		defer cancel()
		clips, err := c.backend.GetClips(ctx, sessionID)
		c.loop.Post(func() { c.onClips(sessionID, clips, err) })
	}()
}

func (c *Controller) onClips(sessionID string, clips []models.Clip, err error) {
	c.clipsPending = false
	if c.closing || c.phase != PhaseReady || sessionID != c.sessionID {
		return
	}
	if err != nil {
		c.logger.Debug("clip refresh failed", zap.Error(err))
		return
	}
	changed := c.rec.applyClips(clips)
	if len(changed) > 0 {
		c.publish()
		c.observeClips(changed)
	}
	// The count grew while the fetch was out. A backend that lags behind its
	// own count is left to the next update.
	if c.rec.needsClips() && c.rec.session.ClipsGenerated > c.clipsAsked {
		c.fetchClips()
	}
}

func (c *Controller) observeClips(clips []models.Clip) {
	if c.opts.OnClips != nil && len(clips) > 0 && !c.closing {
		c.opts.OnClips(c.sessionID, append([]models.Clip(nil), clips...))
	}
}

// publish stores a copy of the reconciled state for readers outside the loop.
func (c *Controller) publish() {
	v := &View{
		SessionID:   c.sessionID,
		Strategy:    c.opts.Strategy.String(),
		Phase:       c.phase,
		Clips:       append([]models.Clip{}, c.rec.clips...),
		Connection:  models.ConnIdle,
		LastUpdated: c.rec.lastUpdated,
		Error:       c.lastErr,
	}
	if c.rec.session != nil {
		s := *c.rec.session
		v.Session = &s
	}
	if c.feed != nil {
		v.Connection = c.feed.State()
	}
	c.view.Store(v)
	if c.opts.OnView != nil && !c.closing {
		c.opts.OnView(*v)
	}
}

// feedEvents adapts realtime feed callbacks onto the controller.
type feedEvents struct{ c *Controller }

func (e feedEvents) OnFeedState(state models.ConnectionState) {
	c := e.c
	if c.closing {
		return
	}
	c.logger.Debug("realtime feed state", zap.String("state", string(state)))
	wasOpen := c.lastConn == models.ConnOpen
	c.lastConn = state
	c.publish()
	if wasOpen && state != models.ConnOpen && c.phase == PhaseReady {
		c.poller.kick()
	}
}

func (e feedEvents) OnSessionUpdate(u models.SessionUpdate) {
	c := e.c
	if c.closing || c.phase != PhaseReady {
		return
	}
	wasActive := c.rec.session != nil && c.rec.session.Status == models.SessionActive
	needClips := c.rec.applyUpdate(u)
	c.publish()
	if needClips {
		c.fetchClips()
	}
	c.afterSessionChange(wasActive)
}

func (e feedEvents) OnClipGenerated(clip models.Clip) {
	c := e.c
	if c.closing || c.phase != PhaseReady {
		return
	}
	if changed := c.rec.addPushedClip(clip); len(changed) > 0 {
		c.publish()
		c.observeClips(changed)
	}
}

func (e feedEvents) OnFeedError(message string) {
	c := e.c
	if c.closing {
		return
	}
	c.rec.feedError(message)
}
