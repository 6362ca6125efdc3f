package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zclipper/console/internal/backend"
	"github.com/zclipper/console/internal/gallery"
	"github.com/zclipper/console/internal/livesync"
	"github.com/zclipper/console/internal/models"
	"github.com/zclipper/console/internal/notify"
	"github.com/zclipper/console/internal/realtime"
	"github.com/zclipper/console/internal/state"
	"github.com/zclipper/console/pkg/queue"
)

var created = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// stubBackend plays both the console's and the controllers' backend.
type stubBackend struct {
	mu       sync.Mutex
	sessions map[string]models.Session
	clips    map[string][]models.Clip
	stopped  []string
	startErr error
	listErr  error
}

func newStubBackend() *stubBackend {
	return &stubBackend{sessions: map[string]models.Session{}, clips: map[string][]models.Clip{}}
}

func (b *stubBackend) add(id string, clipIDs ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[id] = models.Session{ID: id, Channel: "chan", Status: models.SessionActive, ClipsGenerated: len(clipIDs)}
	for i, cid := range clipIDs {
		b.clips[id] = append(b.clips[id], models.Clip{ID: cid, SessionID: id, CreatedAt: created.Add(time.Duration(i) * time.Minute), Status: models.ClipReady})
	}
}

func (b *stubBackend) StartMonitoring(_ context.Context, channel string) (string, error) {
	if b.startErr != nil {
		return "", b.startErr
	}
	id := "session-" + channel
	b.add(id)
	return id, nil
}

func (b *stubBackend) StopMonitoring(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[id]; !ok {
		return fmt.Errorf("stop: %w", backend.ErrSessionNotFound)
	}
	b.stopped = append(b.stopped, id)
	return nil
}

func (b *stubBackend) ListSessions(context.Context) (models.SessionList, error) {
	if b.listErr != nil {
		return models.SessionList{}, b.listErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var list models.SessionList
	for _, s := range b.sessions {
		list.Sessions = append(list.Sessions, models.SessionSummary{Session: s})
	}
	return list, nil
}

func (b *stubBackend) AllClips(context.Context) ([]models.Clip, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var all []models.Clip
	for _, cs := range b.clips {
		all = append(all, cs...)
	}
	return all, nil
}

func (b *stubBackend) DownloadClip(_ context.Context, sessionID, clipID string) (*backend.Download, error) {
	if clipID == "missing" {
		return nil, fmt.Errorf("download: %w", backend.ErrSessionNotFound)
	}
	body := "binary:" + sessionID + "/" + clipID
	return &backend.Download{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentType:   "video/mp4",
		ContentLength: int64(len(body)),
		Filename:      clipID + ".mp4",
	}, nil
}

func (b *stubBackend) GetStatus(_ context.Context, id string) (models.Session, backend.Meta, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[id]
	if !ok {
		return models.Session{}, backend.Meta{}, fmt.Errorf("status: %w", backend.ErrSessionNotFound)
	}
	return s, backend.Meta{}, nil
}

func (b *stubBackend) GetClips(_ context.Context, id string) ([]models.Clip, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Clip(nil), b.clips[id]...), nil
}

func (b *stubBackend) Health(context.Context) error { return nil }

func (b *stubBackend) WSURL(id string) string { return "ws://backend/ws/live-data/" + id }

func (b *stubBackend) Token(context.Context) (string, error) { return "t", nil }

type stubArchiver struct {
	mu   sync.Mutex
	jobs []queue.ClipArchivePayload
	err  error
}

func (a *stubArchiver) EnqueueClipArchive(_ context.Context, p queue.ClipArchivePayload) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.jobs = append(a.jobs, p)
	return fmt.Sprintf("job-%d", len(a.jobs)), nil
}

func (a *stubArchiver) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

type stubLinks map[string]bool

func (l stubLinks) Exists(_ context.Context, key string) (bool, error) { return l[key], nil }
func (l stubLinks) PresignDownload(_ context.Context, key string) (string, error) {
	return "https://bucket.example/" + key + "?sig=1", nil
}

type stubGallery []gallery.Entry

func (g stubGallery) List(_ context.Context, limit int) ([]gallery.Entry, error) {
	if limit < len(g) {
		return g[:limit], nil
	}
	return g, nil
}

type fixture struct {
	backend *stubBackend
	manager *livesync.Manager
	store   *state.Memory
	hub     *realtime.Hub
	router  *gin.Engine
	deps    Deps
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := &fixture{backend: newStubBackend(), store: state.NewMemory(), hub: realtime.NewHub(nil, nil, nil)}
	f.manager = livesync.NewManager(livesync.Options{
		Strategy:     livesync.StrategyPoll,
		Backend:      f.backend,
		PollInterval: time.Hour,
	}, f.store)
	t.Cleanup(f.manager.Close)

	f.deps = Deps{Backend: f.backend, Live: f.manager, Hub: f.hub}
	if mutate != nil {
		mutate(&f.deps)
	}
	f.router = gin.New()
	NewHandler(f.deps).Mount(f.router)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var env map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w, env
}

func data(env map[string]any) map[string]any {
	d, _ := env["data"].(map[string]any)
	return d
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	w, env := f.do(t, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || env["success"] != true || data(env)["status"] != "ok" {
		t.Fatalf("health = %d %v", w.Code, env)
	}
}

func TestStartMonitoringFollowsNewSession(t *testing.T) {
	f := newFixture(t, nil)

	w, env := f.do(t, http.MethodPost, "/api/monitor", MonitorRequest{Channel: " shroud "})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d body %s", w.Code, w.Body.String())
	}
	if data(env)["session_id"] != "session-shroud" {
		t.Fatalf("data = %v", data(env))
	}
	view, _ := data(env)["view"].(map[string]any)
	if view["phase"] != string(livesync.PhaseReady) {
		t.Errorf("view phase = %v", view["phase"])
	}

	w, env = f.do(t, http.MethodGet, "/api/live", nil)
	if w.Code != http.StatusOK || data(env)["session_id"] != "session-shroud" {
		t.Fatalf("live = %d %v", w.Code, env)
	}
	if id, _ := f.store.CurrentSession(context.Background()); id != "session-shroud" {
		t.Errorf("persisted session = %q", id)
	}
}

func TestStartMonitoringValidation(t *testing.T) {
	f := newFixture(t, nil)
	if w, _ := f.do(t, http.MethodPost, "/api/monitor", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing channel status = %d", w.Code)
	}
	if w, _ := f.do(t, http.MethodPost, "/api/monitor", MonitorRequest{Channel: "   "}); w.Code != http.StatusBadRequest {
		t.Errorf("blank channel status = %d", w.Code)
	}

	f.backend.startErr = &backend.StatusError{Method: "POST", Path: "/api/start-monitoring", Code: 409, Detail: "already monitoring"}
	w, env := f.do(t, http.MethodPost, "/api/monitor", MonitorRequest{Channel: "x"})
	if w.Code != http.StatusBadGateway || !strings.Contains(env["error"].(string), "already monitoring") {
		t.Errorf("backend error = %d %v", w.Code, env)
	}
}

func TestStopMonitoringTearsDownLiveView(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.add("s1", "c1")
	if w, _ := f.do(t, http.MethodPut, "/api/live/s1", nil); w.Code != http.StatusOK {
		t.Fatalf("switch status = %d", w.Code)
	}

	w, env := f.do(t, http.MethodPost, "/api/monitor/s1/stop", nil)
	if w.Code != http.StatusOK || data(env)["was_live"] != true {
		t.Fatalf("stop = %d %v", w.Code, env)
	}
	if w, _ := f.do(t, http.MethodGet, "/api/live", nil); w.Code != http.StatusNotFound {
		t.Errorf("live after stop = %d, want 404", w.Code)
	}

	if w, _ := f.do(t, http.MethodPost, "/api/monitor/unknown/stop", nil); w.Code != http.StatusNotFound {
		t.Errorf("stop unknown = %d, want 404", w.Code)
	}
}

func TestSwitchLive(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.add("s1", "c1", "c2")

	w, env := f.do(t, http.MethodPut, "/api/live/s1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("switch = %d %s", w.Code, w.Body.String())
	}
	clips, _ := data(env)["clips"].([]any)
	if len(clips) != 2 || clips[0].(map[string]any)["id"] != "c2" {
		t.Errorf("clips = %v, want newest first", clips)
	}

	w, _ = f.do(t, http.MethodPut, "/api/live/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("switch to unknown session = %d, want 404", w.Code)
	}
	ctrl, err := f.manager.Current()
	if err != nil || ctrl.View().Phase != livesync.PhaseError || ctrl.View().Error != "Session not found" {
		t.Errorf("current after failed switch = %v, %v", ctrl, err)
	}
}

func TestSwitchLiveForgetsPreviousReplay(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.add("s1", "c1")
	f.backend.add("s2")

	if w, _ := f.do(t, http.MethodPut, "/api/live/s1", nil); w.Code != http.StatusOK {
		t.Fatalf("switch s1 = %d", w.Code)
	}
	f.hub.PublishView("s1", gin.H{"session_id": "s1"})
	if _, ok := f.hub.LastView("s1"); !ok {
		t.Fatal("no replay recorded for s1")
	}

	if w, _ := f.do(t, http.MethodPut, "/api/live/s2", nil); w.Code != http.StatusOK {
		t.Fatalf("switch s2 = %d", w.Code)
	}
	if _, ok := f.hub.LastView("s1"); ok {
		t.Error("replay of the session left behind is still kept")
	}

	f.hub.PublishView("s2", gin.H{"session_id": "s2"})
	f.do(t, http.MethodPut, "/api/live/s2", nil)
	if _, ok := f.hub.LastView("s2"); !ok {
		t.Error("re-selecting the followed session dropped its replay")
	}
}

func TestRefreshLive(t *testing.T) {
	f := newFixture(t, nil)
	if w, _ := f.do(t, http.MethodPost, "/api/live/refresh", nil); w.Code != http.StatusNotFound {
		t.Errorf("refresh without session = %d", w.Code)
	}
	f.backend.add("s1")
	f.do(t, http.MethodPut, "/api/live/s1", nil)
	if w, _ := f.do(t, http.MethodPost, "/api/live/refresh", nil); w.Code != http.StatusAccepted {
		t.Errorf("refresh = %d", w.Code)
	}
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.add("s1")
	w, env := f.do(t, http.MethodGet, "/api/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if sessions, _ := data(env)["sessions"].([]any); len(sessions) != 1 {
		t.Errorf("sessions = %v", data(env))
	}

	f.backend.listErr = context.DeadlineExceeded
	if w, _ := f.do(t, http.MethodGet, "/api/sessions", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("timeout status = %d, want 503", w.Code)
	}
}

func TestGallerySources(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.add("s1", "c1", "c2", "c3")
	w, env := f.do(t, http.MethodGet, "/api/gallery?limit=2", nil)
	if w.Code != http.StatusOK || data(env)["source"] != "backend" {
		t.Fatalf("gallery = %d %v", w.Code, env)
	}
	if clips, _ := data(env)["clips"].([]any); len(clips) != 2 {
		t.Errorf("limit not applied: %d clips", len(clips))
	}

	g := stubGallery{{Clip: models.Clip{ID: "p1", SessionID: "s1"}}}
	f = newFixture(t, func(d *Deps) { d.Gallery = g })
	_, env = f.do(t, http.MethodGet, "/api/gallery", nil)
	if data(env)["source"] != "gallery" {
		t.Errorf("source = %v, want gallery", data(env)["source"])
	}
}

func TestDownloadClipStreams(t *testing.T) {
	f := newFixture(t, nil)
	w, _ := f.do(t, http.MethodGet, "/api/clips/s1/c1/download", nil)
	if w.Code != http.StatusOK || w.Body.String() != "binary:s1/c1" {
		t.Fatalf("download = %d %q", w.Code, w.Body.String())
	}
	if cd := w.Header().Get("Content-Disposition"); cd != "attachment; filename=c1.mp4" {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if ct := w.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("Content-Type = %q", ct)
	}

	if w, _ := f.do(t, http.MethodGet, "/api/clips/s1/missing/download", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing clip = %d", w.Code)
	}
}

func TestArchiveEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	if w, _ := f.do(t, http.MethodPost, "/api/clips/s1/c1/archive", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("archive without queue = %d", w.Code)
	}

	archiver := &stubArchiver{}
	links := stubLinks{"clips/s1/c1.mp4": true}
	f = newFixture(t, func(d *Deps) { d.Archiver = archiver; d.ArchiveLinks = links })

	w, env := f.do(t, http.MethodPost, "/api/clips/s1/c1/archive?filename=c1.mp4", nil)
	if w.Code != http.StatusAccepted || data(env)["key"] != "clips/s1/c1.mp4" || archiver.count() != 1 {
		t.Fatalf("archive = %d %v", w.Code, env)
	}

	w, env = f.do(t, http.MethodGet, "/api/clips/s1/c1/archive", nil)
	if w.Code != http.StatusOK || !strings.HasPrefix(data(env)["url"].(string), "https://bucket.example/clips/s1/c1.mp4") {
		t.Errorf("archive url = %d %v", w.Code, env)
	}
	if w, _ := f.do(t, http.MethodGet, "/api/clips/s1/c9/archive", nil); w.Code != http.StatusNotFound {
		t.Errorf("unarchived clip = %d", w.Code)
	}
}

func TestListNotifications(t *testing.T) {
	rec := notify.NewRecorder(10)
	rec.Notify(notify.New(models.NotifyNewClip, "s1", "c1", "New clip", created))
	f := newFixture(t, func(d *Deps) { d.Notifications = rec })
	_, env := f.do(t, http.MethodGet, "/api/notifications", nil)
	if list, _ := data(env)["notifications"].([]any); len(list) != 1 {
		t.Fatalf("notifications = %v", env)
	}
}

func TestViewerSocketWithoutLiveSession(t *testing.T) {
	f := newFixture(t, nil)
	w, _ := f.do(t, http.MethodGet, "/ws", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("ws without session = %d, want 404", w.Code)
	}
}

var errQueueDown = errors.New("queue down")
