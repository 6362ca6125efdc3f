// Package notify delivers user-facing notifications raised by live session
// controllers.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zclipper/console/internal/models"
)

// Notifier receives notifications. Implementations must not block: they are
// called from a controller's event loop.
type Notifier interface {
	Notify(n models.Notification)
}

// Func adapts a function to Notifier.
type Func func(n models.Notification)

func (f Func) Notify(n models.Notification) { f(n) }

// New builds a notification with a fresh ID.
func New(kind models.NotificationKind, sessionID, clipID, message string, at time.Time) models.Notification {
	return models.Notification{
		ID:        uuid.New().String(),
		Kind:      kind,
		SessionID: sessionID,
		ClipID:    clipID,
		Message:   message,
		At:        at,
	}
}

// Log writes notifications to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a logging notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(n models.Notification) {
	fields := []zap.Field{
		zap.String("notification_id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("session_id", n.SessionID),
	}
	if n.ClipID != "" {
		fields = append(fields, zap.String("clip_id", n.ClipID))
	}
	if n.Kind == models.NotifyError {
		l.logger.Warn(n.Message, fields...)
		return
	}
	l.logger.Info(n.Message, fields...)
}

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(n models.Notification) {
	for _, nt := range m {
		if nt != nil {
			nt.Notify(n)
		}
	}
}

// Recorder keeps every notification it receives. Handy in tests and for the
// console's recent-notifications listing.
type Recorder struct {
	mu    sync.Mutex
	limit int
	items []models.Notification
}

// NewRecorder keeps at most limit notifications; zero means unbounded.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Notify(n models.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
	if r.limit > 0 && len(r.items) > r.limit {
		r.items = append([]models.Notification(nil), r.items[len(r.items)-r.limit:]...)
	}
}

// All returns a copy of the recorded notifications, oldest first.
func (r *Recorder) All() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Notification(nil), r.items...)
}

// Count returns how many recorded notifications have the given kind.
func (r *Recorder) Count(kind models.NotificationKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, it := range r.items {
		if it.Kind == kind {
			n++
		}
	}
	return n
}
