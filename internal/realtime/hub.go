package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zclipper/console/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat.
	PingInterval = 30
	PongWait     = 60
)

// Relay events sent to viewers.
const (
	EventView         = "view"
	EventNotification = "notification"
)

// ViewerChangeHandler is called when the number of viewers of a session changes.
type ViewerChangeHandler func(sessionID string, count int)

// Hub maintains session_id -> set of viewer connections and broadcasts
// dashboard events. Uses Redis pub/sub for horizontal scaling: local
// broadcast + publish to Redis.
type Hub struct {
	// sessionID -> map[clientID]*Client
	sessions map[string]map[string]*Client
	subs     map[string]func() // cancel Redis subscription per session
	// last view per session, replayed to viewers as they join
	lastView map[string]json.RawMessage
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
	onChange ViewerChangeHandler
}

// RedisPublisher is the interface for publishing to Redis (for cross-instance broadcast).
type RedisPublisher interface {
	PublishSessionEvent(sessionID string, event string, payload []byte) error
}

// RedisSubscriber subscribes to session channels and invokes handler for
// events published by other instances.
type RedisSubscriber interface {
	SubscribeSession(sessionID string, handler func(event string, payload []byte)) (cancel func(), err error)
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		sessions: make(map[string]map[string]*Client),
		subs:     make(map[string]func()),
		lastView: make(map[string]json.RawMessage),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// SetViewerChangeHandler sets the callback for viewer count changes.
func (h *Hub) SetViewerChangeHandler(fn ViewerChangeHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onChange = fn
}

// Register adds a client to a session room and replays the last known view.
// Starts a Redis subscription for the session on its first viewer.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.SessionID] == nil {
		h.sessions[c.SessionID] = make(map[string]*Client)
		if h.redisSub != nil {
			sessionID := c.SessionID
			cancel, err := h.redisSub.SubscribeSession(sessionID, func(event string, payload []byte) {
				h.deliver(sessionID, event, json.RawMessage(payload))
			})
			if err != nil {
				h.logger.Warn("redis subscribe failed", zap.String("session_id", sessionID), zap.Error(err))
			} else {
				h.subs[sessionID] = cancel
			}
		}
	}
	h.sessions[c.SessionID][c.ID] = c
	count := len(h.sessions[c.SessionID])
	// Replay under the lock so a concurrent deliver cannot be overtaken by an older view.
	if last := h.lastView[c.SessionID]; last != nil {
		c.enqueue(WSMessage{Event: EventView, Data: last})
	}
	onChange := h.onChange
	h.mu.Unlock()

	if onChange != nil {
		onChange(c.SessionID, count)
	}
	h.logger.Debug("viewer joined session", zap.String("client_id", c.ID), zap.String("session_id", c.SessionID))
}

// Unregister removes a client from a session room. Cancels the Redis
// subscription when the last viewer leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	var count int
	if m, ok := h.sessions[c.SessionID]; ok {
		if _, present := m[c.ID]; present {
			delete(m, c.ID)
			c.close()
		}
		count = len(m)
		if count == 0 {
			delete(h.sessions, c.SessionID)
			if cancel, ok := h.subs[c.SessionID]; ok {
				cancel()
				delete(h.subs, c.SessionID)
			}
		}
	}
	onChange := h.onChange
	h.mu.Unlock()
	if onChange != nil {
		onChange(c.SessionID, count)
	}
	h.logger.Debug("viewer left session",
		zap.String("client_id", c.ID),
		zap.String("session_id", c.SessionID),
		zap.Duration("watched", time.Since(c.JoinedAt)),
	)
}

// PublishView records v as the session's latest view and sends it to every
// viewer, here and on other instances.
func (h *Hub) PublishView(sessionID string, v any) {
	h.broadcastAndPublish(sessionID, EventView, v)
}

// Notify implements notify.Notifier.
func (h *Hub) Notify(n models.Notification) {
	h.broadcastAndPublish(n.SessionID, EventNotification, n)
}

// Forget drops the replay state of a session that is no longer followed.
func (h *Hub) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.lastView, sessionID)
	h.mu.Unlock()
}

// LastView returns the view replayed to viewers joining sessionID.
func (h *Hub) LastView(sessionID string) (json.RawMessage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.lastView[sessionID]
	return v, ok
}

// ViewerCount returns the number of connected viewers of a session.
func (h *Hub) ViewerCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *Hub) broadcastAndPublish(sessionID, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Warn("encode relay event", zap.String("event", event), zap.Error(err))
		return
	}
	h.deliver(sessionID, event, data)
	if h.redis != nil {
		if err := h.redis.PublishSessionEvent(sessionID, event, data); err != nil {
			h.logger.Debug("redis publish failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// deliver sends to local viewers only.
func (h *Hub) deliver(sessionID, event string, data json.RawMessage) {
	msg := WSMessage{Event: event, Data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	if event == EventView {
		h.lastView[sessionID] = data
	}
	for _, c := range h.sessions[sessionID] {
		c.enqueue(msg)
	}
}
