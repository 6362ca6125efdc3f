package livesync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/zclipper/console/internal/backend"
	"github.com/zclipper/console/internal/clock"
	"github.com/zclipper/console/internal/models"
)

// poller fetches the session status on an interval. It runs on the
// controller's loop; only the HTTP call leaves it.
type poller struct {
	c        *Controller
	base     time.Duration
	interval time.Duration
	timer    clock.Timer
	seq      uint64
	inFlight bool
	stopped  bool
}

func newPoller(c *Controller, interval time.Duration) *poller {
	return &poller{c: c, base: interval, interval: interval}
}

// start arms the first tick one interval from now.
func (p *poller) start() {
	p.schedule()
}

func (p *poller) schedule() {
	if p.stopped {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.seq++
	seq := p.seq
	p.timer = p.c.clock.AfterFunc(p.interval, func() {
		p.c.loop.Post(func() { p.tick(seq) })
	})
}

func (p *poller) tick(seq uint64) {
	// A tick posted just before its timer was replaced is stale.
	if p.stopped || seq != p.seq {
		return
	}
	p.timer = nil
	p.c.rearmFeed()
	p.poll(false)
	p.schedule()
}

// kick polls now and restarts the interval. Used when suppression lifts.
func (p *poller) kick() {
	if p.stopped {
		return
	}
	p.poll(false)
	p.schedule()
}

// poll issues one status request unless one is already in flight or the
// realtime feed makes it redundant.
func (p *poller) poll(force bool) {
	if p.stopped || p.inFlight {
		return
	}
	if !force && p.c.suppressed() {
		return
	}
	p.inFlight = true
	sessionID := p.c.sessionID
	ctx, cancel := context.WithTimeout(p.c.ctx, p.c.requestTimeout)
	go func() {
		defer cancel()
		s, meta, err := p.c.backend.GetStatus(ctx, sessionID)
		p.c.loop.Post(func() { p.onResult(sessionID, s, meta, err) })
	}()
}

func (p *poller) onResult(sessionID string, s models.Session, meta backend.Meta, err error) {
	p.inFlight = false
	if p.stopped || sessionID != p.c.sessionID {
		return
	}
	if err != nil {
		// Transient: the next tick retries. Never surfaced to the viewer.
		level := zap.DebugLevel
		if errors.Is(err, backend.ErrSessionNotFound) {
			level = zap.WarnLevel
		}
		p.c.logger.Log(level, "status poll failed", zap.Error(err))
		return
	}
	p.adjustInterval(meta.MaxAge)
	p.c.applySnapshot(s)
}

// adjustInterval honours the backend's max-age hint: polling faster than the
// advertised cache window only returns cached responses.
func (p *poller) adjustInterval(maxAge time.Duration) {
	next := p.base
	if maxAge > next {
		next = maxAge
	}
	if next != p.interval {
		p.c.logger.Debug("poll interval adjusted", zap.Duration("interval", next))
		p.interval = next
	}
}

func (p *poller) stop() {
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
