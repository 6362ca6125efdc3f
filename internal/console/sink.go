package console

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zclipper/console/internal/livesync"
	"github.com/zclipper/console/internal/models"
	"github.com/zclipper/console/pkg/queue"
)

// ClipStore persists observed clips.
type ClipStore interface {
	Upsert(ctx context.Context, clips []models.Clip) error
}

// ViewPublisher fans views out to dashboard viewers.
type ViewPublisher interface {
	PublishView(sessionID string, v any)
}

// Sink receives controller output: views go to the relay, clips go to the
// gallery and, with auto archive on, ready clips are queued once each.
type Sink struct {
	views    ViewPublisher
	store    ClipStore
	archiver Archiver
	auto     bool
	timeout  time.Duration
	logger   *zap.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	queued map[string]struct{}
}

// NewSink creates a sink. store and archiver may be nil.
func NewSink(views ViewPublisher, store ClipStore, archiver Archiver, autoArchive bool, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		views:    views,
		store:    store,
		archiver: archiver,
		auto:     autoArchive && archiver != nil,
		timeout:  10 * time.Second,
		logger:   logger,
		queued:   make(map[string]struct{}),
	}
}

// OnView is a livesync.Options.OnView hook.
func (s *Sink) OnView(v livesync.View) {
	if s.views != nil {
		s.views.PublishView(v.SessionID, v)
	}
}

// OnClips is a livesync.Options.OnClips hook. It runs on the controller
// loop, so persistence happens in the background.
func (s *Sink) OnClips(sessionID string, clips []models.Clip) {
	var ready []models.Clip
	if s.auto {
		s.mu.Lock()
		for _, c := range clips {
			if c.Status != models.ClipReady {
				continue
			}
			k := sessionID + "/" + c.ID
			if _, done := s.queued[k]; done {
				continue
			}
			s.queued[k] = struct{}{}
			ready = append(ready, c)
		}
		s.mu.Unlock()
	}
	if s.store == nil && len(ready) == 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if s.store != nil {
			if err := s.store.Upsert(ctx, clips); err != nil {
				s.logger.Warn("record clips in gallery", zap.String("session_id", sessionID), zap.Int("clips", len(clips)), zap.Error(err))
			}
		}
		for _, c := range ready {
			payload := queue.ClipArchivePayload{SessionID: sessionID, ClipID: c.ID, Filename: c.Filename}
			if _, err := s.archiver.EnqueueClipArchive(ctx, payload); err != nil {
				s.logger.Warn("auto archive", zap.String("clip_id", c.ID), zap.Error(err))
				s.mu.Lock()
				delete(s.queued, sessionID+"/"+c.ID)
				s.mu.Unlock()
			}
		}
	}()
}

// Wait blocks until background persistence has finished.
func (s *Sink) Wait() {
	s.wg.Wait()
}
