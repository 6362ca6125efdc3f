package livesync

import (
	"fmt"
	"sort"
	"time"

	"github.com/zclipper/console/internal/models"
	"github.com/zclipper/console/internal/notify"
)

// reconciler merges poll snapshots, pushed updates and clip lists into the
// session view. It is owned by the controller's loop and never locked.
type reconciler struct {
	sessionID string
	notifier  notify.Notifier
	now       func() time.Time

	session     *models.Session
	clips       []models.Clip
	lastUpdated time.Time
	// announced is how many clips the viewer has already been told about,
	// either through a viral_detected or a new_clip notification.
	announced int
}

func newReconciler(sessionID string, notifier notify.Notifier, now func() time.Time) *reconciler {
	return &reconciler{sessionID: sessionID, notifier: notifier, now: now}
}

// load installs the initial snapshot and clip list. Nothing is announced.
func (r *reconciler) load(s models.Session, clips []models.Clip) {
	r.session = &s
	r.announced = s.ClipsGenerated
	r.mergeClips(clips)
	if len(r.clips) > r.announced {
		r.announced = len(r.clips)
	}
	r.touch()
}

// applySnapshot replaces the session with a polled snapshot and reports
// whether the clip list should be refetched.
func (r *reconciler) applySnapshot(s models.Session) bool {
	if s.ID != r.sessionID {
		return false
	}
	prev := 0
	if r.session != nil {
		prev = r.session.ClipsGenerated
	}
	r.session = &s
	r.countChanged(prev, s.ClipsGenerated)
	r.touch()
	return r.needsClips()
}

// applyUpdate merges a pushed partial update and reports whether the clip
// list should be refetched.
func (r *reconciler) applyUpdate(u models.SessionUpdate) bool {
	if r.session == nil || (u.SessionID != "" && u.SessionID != r.sessionID) {
		return false
	}
	prev := r.session.ClipsGenerated
	next := *r.session
	u.Apply(&next)
	r.session = &next
	r.countChanged(prev, next.ClipsGenerated)
	r.touch()
	return r.needsClips()
}

// countChanged raises one viral_detected notification when the clip count
// grows past what was already announced. The first clips of a session are
// never announced this way.
func (r *reconciler) countChanged(prev, next int) {
	if next <= prev {
		return
	}
	if prev > 0 && next > r.announced {
		r.notify(models.NotifyViralDetected, "", fmt.Sprintf("Viral moment detected: %d new clip(s)", next-max(prev, r.announced)))
	}
	if next > r.announced {
		r.announced = next
	}
}

func (r *reconciler) needsClips() bool {
	return r.session != nil && r.session.ClipsGenerated > len(r.clips)
}

// addPushedClip merges a clip delivered by the realtime feed and announces
// it unless the viewer has already been told about it.
func (r *reconciler) addPushedClip(c models.Clip) []models.Clip {
	if c.SessionID != "" && c.SessionID != r.sessionID {
		return nil
	}
	changed := r.mergeClips([]models.Clip{c})
	if len(changed) == 0 {
		return nil
	}
	if len(r.clips) > r.announced {
		r.announced = len(r.clips)
		r.notify(models.NotifyNewClip, c.ID, "New viral clip ready")
	}
	r.touch()
	return changed
}

// applyClips merges a fetched clip list.
func (r *reconciler) applyClips(clips []models.Clip) []models.Clip {
	changed := r.mergeClips(clips)
	if len(changed) > 0 {
		r.touch()
	}
	if len(r.clips) > r.announced {
		r.announced = len(r.clips)
	}
	return changed
}

func (r *reconciler) feedError(message string) {
	r.notify(models.NotifyError, "", message)
}

// mergeClips updates known clips in place and prepends new ones, keeping the
// list newest first. Clips are never dropped. It returns the clips that were
// added or changed.
func (r *reconciler) mergeClips(incoming []models.Clip) []models.Clip {
	if len(incoming) == 0 {
		return nil
	}
	index := make(map[string]int, len(r.clips))
	for i, c := range r.clips {
		index[c.ID] = i
	}
	var added, changed []models.Clip
	for _, c := range incoming {
		if c.ID == "" {
			continue
		}
		if c.SessionID == "" {
			c.SessionID = r.sessionID
		}
		if i, ok := index[c.ID]; ok {
			if i < 0 {
				continue
			}
			if c.CreatedAt.IsZero() {
				c.CreatedAt = r.clips[i].CreatedAt
			}
			if !clipEqual(r.clips[i], c) {
				r.clips[i] = c
				changed = append(changed, c)
			}
			continue
		}
		index[c.ID] = -1
		added = append(added, c)
	}
	if len(added) > 0 {
		// incoming lists arrive oldest first; reverse so the newest lands on top
		merged := make([]models.Clip, 0, len(added)+len(r.clips))
		for i := len(added) - 1; i >= 0; i-- {
			merged = append(merged, added[i])
		}
		r.clips = append(merged, r.clips...)
		changed = append(changed, added...)
	}
	sort.SliceStable(r.clips, func(i, j int) bool {
		return r.clips[i].CreatedAt.After(r.clips[j].CreatedAt)
	})
	return changed
}

func clipEqual(a, b models.Clip) bool {
	if a.ID != b.ID || a.Status != b.Status || a.Filename != b.Filename || !a.CreatedAt.Equal(b.CreatedAt) ||
		a.Duration != b.Duration || a.SizeMB != b.SizeMB || a.ThumbnailURL != b.ThumbnailURL || a.URL != b.URL ||
		a.HasOverlay != b.HasOverlay || a.OverlayType != b.OverlayType {
		return false
	}
	if (a.Metrics == nil) != (b.Metrics == nil) {
		return false
	}
	if a.Metrics != nil {
		if a.Metrics.ChatVelocity != b.Metrics.ChatVelocity || a.Metrics.ViralScore != b.Metrics.ViralScore ||
			a.Metrics.Revenue != b.Metrics.Revenue || len(a.Metrics.Messages) != len(b.Metrics.Messages) {
			return false
		}
	}
	return true
}

func (r *reconciler) touch() {
	now := r.now()
	if now.After(r.lastUpdated) {
		r.lastUpdated = now
	}
}

func (r *reconciler) notify(kind models.NotificationKind, clipID, message string) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(notify.New(kind, r.sessionID, clipID, message, r.now()))
}
