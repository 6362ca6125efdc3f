package realtime

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/zclipper/console/internal/models"
)

// memoryBus links hubs in-process the way Redis pub/sub links instances.
type memoryBus struct {
	mu   sync.Mutex
	subs map[string][]*busSub
}

type busSub struct {
	owner   *busEndpoint
	handler func(event string, payload []byte)
}

type busEndpoint struct{ bus *memoryBus }

func (e *busEndpoint) PublishSessionEvent(sessionID, event string, payload []byte) error {
	e.bus.mu.Lock()
	subs := append([]*busSub(nil), e.bus.subs[sessionID]...)
	e.bus.mu.Unlock()
	for _, s := range subs {
		if s.owner != e {
			s.handler(event, payload)
		}
	}
	return nil
}

func (e *busEndpoint) SubscribeSession(sessionID string, handler func(event string, payload []byte)) (func(), error) {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	sub := &busSub{owner: e, handler: handler}
	e.bus.subs[sessionID] = append(e.bus.subs[sessionID], sub)
	return func() {
		e.bus.mu.Lock()
		defer e.bus.mu.Unlock()
		list := e.bus.subs[sessionID]
		for i, s := range list {
			if s == sub {
				e.bus.subs[sessionID] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}, nil
}

func serveHub(t *testing.T, hub *Hub) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", ServeWs(hub, nil, func(c *gin.Context) (string, error) {
		if id := c.Query("session_id"); id != "" {
			return id, nil
		}
		return "", errors.New("no session")
	}))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialViewer(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial viewer: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return msg
}

func waitViewers(t *testing.T, hub *Hub, sessionID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ViewerCount(sessionID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("viewers = %d, want %d", hub.ViewerCount(sessionID), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHubBroadcastsAndReplaysView(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	url := serveHub(t, hub)

	first := dialViewer(t, url+"?session_id=s1")
	waitViewers(t, hub, "s1", 1)

	hub.PublishView("s1", map[string]any{"session_id": "s1", "phase": "ready"})
	if msg := readEvent(t, first); msg.Event != EventView {
		t.Fatalf("event = %q, want view", msg.Event)
	}

	late := dialViewer(t, url+"?session_id=s1")
	msg := readEvent(t, late)
	var view map[string]any
	if err := json.Unmarshal(msg.Data, &view); err != nil || msg.Event != EventView || view["phase"] != "ready" {
		t.Fatalf("replayed %q %s, %v", msg.Event, msg.Data, err)
	}
}

func TestHubNotificationsStayInSession(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	url := serveHub(t, hub)
	a := dialViewer(t, url+"?session_id=a")
	b := dialViewer(t, url+"?session_id=b")
	waitViewers(t, hub, "a", 1)
	waitViewers(t, hub, "b", 1)

	hub.Notify(models.Notification{ID: "n1", Kind: models.NotifyNewClip, SessionID: "b", Message: "New clip"})
	msg := readEvent(t, b)
	if msg.Event != EventNotification {
		t.Fatalf("event = %q", msg.Event)
	}

	_ = a.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatal("viewer of another session received the notification")
	}
}

func TestHubFansOutAcrossInstances(t *testing.T) {
	bus := &memoryBus{subs: map[string][]*busSub{}}
	epA, epB := &busEndpoint{bus: bus}, &busEndpoint{bus: bus}
	hubA := NewHub(nil, epA, epA)
	hubB := NewHub(nil, epB, epB)
	urlB := serveHub(t, hubB)

	viewer := dialViewer(t, urlB+"?session_id=s1")
	waitViewers(t, hubB, "s1", 1)

	hubA.PublishView("s1", map[string]string{"phase": "ready"})
	if msg := readEvent(t, viewer); msg.Event != EventView {
		t.Fatalf("event = %q", msg.Event)
	}
}

func TestServeWsRejectsUnknownSession(t *testing.T) {
	hub := NewHub(nil, nil, nil)
	url := serveHub(t, hub)
	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != 404 {
		t.Fatalf("dial without session: err=%v resp=%v", err, resp)
	}
}
