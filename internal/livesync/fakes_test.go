package livesync

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zclipper/console/internal/backend"
	"github.com/zclipper/console/internal/clock"
	"github.com/zclipper/console/internal/models"
	"github.com/zclipper/console/internal/notify"
	"github.com/zclipper/console/internal/realtime"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeBackend serves one mutable status and clip list per session.
type fakeBackend struct {
	mu          sync.Mutex
	sessions    map[string]models.Session
	clips       map[string][]models.Clip
	statusErr   error
	clipsErr    error
	healthErr   error
	maxAge      time.Duration
	block       chan struct{}
	clipsBlock  chan struct{}
	statusCalls map[string]int
	clipCalls   map[string]int
	probes      int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions:    map[string]models.Session{},
		clips:       map[string][]models.Clip{},
		statusCalls: map[string]int{},
		clipCalls:   map[string]int{},
	}
}

func (b *fakeBackend) set(id string, status models.SessionStatus, count int, clipIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[id] = models.Session{ID: id, Channel: "chan-" + id, Status: status, ClipsGenerated: count}
	clips := make([]models.Clip, 0, len(clipIDs))
	for i, cid := range clipIDs {
		clips = append(clips, testClip(id, cid, i))
	}
	b.clips[id] = clips
}

func testClip(sessionID, id string, minute int) models.Clip {
	return models.Clip{
		ID:        id,
		SessionID: sessionID,
		Filename:  "VIRAL_CLIP_" + id + ".mp4",
		CreatedAt: t0.Add(time.Duration(minute) * time.Minute),
		Status:    models.ClipReady,
	}
}

func (b *fakeBackend) GetStatus(ctx context.Context, id string) (models.Session, backend.Meta, error) {
	b.mu.Lock()
	b.statusCalls[id]++
	block := b.block
	s, ok := b.sessions[id]
	err := b.statusErr
	meta := backend.Meta{MaxAge: b.maxAge}
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return models.Session{}, meta, ctx.Err()
		}
	}
	if err != nil {
		return models.Session{}, meta, err
	}
	if !ok {
		return models.Session{}, meta, backend.ErrSessionNotFound
	}
	return s, meta, nil
}

// GetClips answers with the list as it was when the call arrived, even when
// clipsBlock holds the answer back.
func (b *fakeBackend) GetClips(ctx context.Context, id string) ([]models.Clip, error) {
	b.mu.Lock()
	b.clipCalls[id]++
	block := b.clipsBlock
	err := b.clipsErr
	clips := append([]models.Clip(nil), b.clips[id]...)
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return clips, nil
}

func (b *fakeBackend) Health(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probes++
	return b.healthErr
}

func (b *fakeBackend) WSURL(id string) string { return "ws://backend/ws/live-data/" + id }

func (b *fakeBackend) Token(context.Context) (string, error) { return "tok", nil }

func (b *fakeBackend) calls(id string) (status, clips int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusCalls[id], b.clipCalls[id]
}

func (b *fakeBackend) setHealth(err error) {
	b.mu.Lock()
	b.healthErr = err
	b.mu.Unlock()
}

type fakeConn struct {
	msgs chan []byte
	end  chan error
	done chan struct{}

	mu        sync.Mutex
	closeCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{msgs: make(chan []byte, 16), end: make(chan error, 1), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case err := <-c.end:
		return nil, err
	case <-c.done:
		return nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		c.closeCode = code
		close(c.done)
	}
	return nil
}

func (c *fakeConn) code() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

type fakeDialer struct {
	dials atomic.Int32
	conns chan *fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, _ string, _ http.Header) (realtime.Conn, error) {
	d.dials.Add(1)
	select {
	case c := <-d.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type harness struct {
	t        *testing.T
	backend  *fakeBackend
	clk      *clock.FakeClock
	dialer   *fakeDialer
	notes    *notify.Recorder
	views    atomic.Int32
	observed atomic.Int32
	opts     Options
}

func newHarness(t *testing.T, strategy Strategy) *harness {
	h := &harness{
		t:       t,
		backend: newFakeBackend(),
		clk:     clock.Fake(t0),
		dialer:  &fakeDialer{conns: make(chan *fakeConn, 4)},
		notes:   notify.NewRecorder(0),
	}
	h.opts = Options{
		Strategy: strategy,
		Backend:  h.backend,
		Dialer:   h.dialer,
		Clock:    h.clk,
		Notifier: h.notes,
		OnView:   func(View) { h.views.Add(1) },
		OnClips: func(_ string, clips []models.Clip) {
			h.observed.Add(int32(len(clips)))
		},
	}
	return h
}

func (h *harness) start(id string) *Controller {
	h.t.Helper()
	c := New(id, h.opts)
	h.t.Cleanup(c.Close)
	if err := c.Start(context.Background()); err != nil {
		h.t.Fatalf("Start() error = %v", err)
	}
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// onLoop runs fn on the controller's loop and waits for it.
func onLoop(t *testing.T, c *Controller, fn func()) {
	t.Helper()
	if err := c.loop.Do(fn); err != nil {
		t.Fatalf("loop.Do: %v", err)
	}
}

// settle waits until the controller has no request in flight.
func settle(t *testing.T, c *Controller) {
	t.Helper()
	eventually(t, "requests to finish", func() bool {
		idle := false
		_ = c.loop.Do(func() { idle = !c.poller.inFlight && !c.clipsPending })
		return idle
	})
}

// tick advances one poll interval and waits for the resulting poll.
func (h *harness) tick(c *Controller, d time.Duration) {
	h.t.Helper()
	before, _ := h.backend.calls(c.SessionID())
	h.clk.Advance(d)
	eventually(h.t, "status poll", func() bool {
		n, _ := h.backend.calls(c.SessionID())
		return n > before
	})
	settle(h.t, c)
}

func (h *harness) openFeed(c *Controller) *fakeConn {
	h.t.Helper()
	conn := newFakeConn()
	h.dialer.conns <- conn
	eventually(h.t, "feed open", func() bool { return c.View().Connection == models.ConnOpen })
	return conn
}
