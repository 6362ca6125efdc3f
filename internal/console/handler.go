// Package console serves the creator dashboard: the reconciled live view,
// session control, the clip gallery and the viewer socket.
package console

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/zclipper/console/internal/backend"
	"github.com/zclipper/console/internal/gallery"
	"github.com/zclipper/console/internal/livesync"
	"github.com/zclipper/console/internal/models"
	"github.com/zclipper/console/internal/realtime"
	"github.com/zclipper/console/pkg/queue"
	"github.com/zclipper/console/pkg/response"
	"github.com/zclipper/console/pkg/storage"
)

// Backend is the slice of the clipping backend the console proxies.
type Backend interface {
	StartMonitoring(ctx context.Context, channel string) (string, error)
	StopMonitoring(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) (models.SessionList, error)
	AllClips(ctx context.Context) ([]models.Clip, error)
	DownloadClip(ctx context.Context, sessionID, clipID string) (*backend.Download, error)
}

// Gallery lists persisted clips.
type Gallery interface {
	List(ctx context.Context, limit int) ([]gallery.Entry, error)
}

// Archiver hands clips to the archive worker.
type Archiver interface {
	EnqueueClipArchive(ctx context.Context, payload queue.ClipArchivePayload) (string, error)
}

// ArchiveLinks resolves archived clips to download links.
type ArchiveLinks interface {
	Exists(ctx context.Context, key string) (bool, error)
	PresignDownload(ctx context.Context, key string) (string, error)
}

// Notifications lists recent notifications for dashboards that reconnect.
type Notifications interface {
	All() []models.Notification
}

// Deps wires a Handler. Gallery, Archiver, ArchiveLinks and Notifications
// are optional.
type Deps struct {
	Backend       Backend
	Live          *livesync.Manager
	Hub           *realtime.Hub
	Gallery       Gallery
	Archiver      Archiver
	ArchiveLinks  ArchiveLinks
	Notifications Notifications
	Logger        *zap.Logger
}

// MonitorRequest is the body for POST /api/monitor.
type MonitorRequest struct {
	Channel string `json:"channel" binding:"required"`
}

// Handler handles console HTTP requests.
type Handler struct {
	Deps
	logger *zap.Logger
}

// NewHandler creates a console handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Deps: d, logger: logger}
}

// Mount registers the console routes.
func (h *Handler) Mount(r gin.IRouter) {
	r.GET("/health", h.Health)
	r.GET("/ws", realtime.ServeWs(h.Hub, h.logger, h.viewerSession))

	api := r.Group("/api")
	api.POST("/monitor", h.StartMonitoring)
	api.POST("/monitor/:id/stop", h.StopMonitoring)
	api.GET("/live", h.LiveView)
	api.PUT("/live/:id", h.SwitchLive)
	api.POST("/live/refresh", h.RefreshLive)
	api.GET("/notifications", h.ListNotifications)
	api.GET("/sessions", h.ListSessions)
	api.GET("/gallery", h.ListGallery)
	api.GET("/clips/:sessionId/:clipId/download", h.DownloadClip)
	api.POST("/clips/:sessionId/:clipId/archive", h.ArchiveClip)
	api.GET("/clips/:sessionId/:clipId/archive", h.ArchivedClipURL)
}

// Health handles GET /health.
func (h *Handler) Health(c *gin.Context) {
	response.OK(c, gin.H{"status": "ok"})
}

// StartMonitoring handles POST /api/monitor: starts monitoring a channel and
// follows the new session.
func (h *Handler) StartMonitoring(c *gin.Context) {
	var req MonitorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		response.BadRequest(c, "channel is required")
		return
	}
	ctx := c.Request.Context()
	sessionID, err := h.Backend.StartMonitoring(ctx, channel)
	if err != nil {
		h.backendError(c, err, "failed to start monitoring")
		return
	}
	ctrl, err := h.follow(ctx, sessionID)
	if err != nil {
		h.logger.Warn("follow new session", zap.String("session_id", sessionID), zap.Error(err))
	}
	var view *livesync.View
	if ctrl != nil {
		v := ctrl.View()
		view = &v
	}
	response.Created(c, gin.H{"session_id": sessionID, "channel": channel, "view": view})
}

// StopMonitoring handles POST /api/monitor/:id/stop. The live view is torn
// down when it follows the stopped session.
func (h *Handler) StopMonitoring(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()
	if err := h.Backend.StopMonitoring(ctx, sessionID); err != nil {
		h.backendError(c, err, "failed to stop monitoring")
		return
	}
	followed := h.Live.Stop(ctx, sessionID)
	if followed {
		h.Hub.Forget(sessionID)
	}
	response.OK(c, gin.H{"session_id": sessionID, "stopped": true, "was_live": followed})
}

// follow switches the live view to sessionID and drops the relay replay of
// the session it leaves.
func (h *Handler) follow(ctx context.Context, sessionID string) (*livesync.Controller, error) {
	prev, _ := h.Live.Current()
	ctrl, err := h.Live.Switch(ctx, sessionID)
	if prev != nil && prev != ctrl && prev.SessionID() != sessionID {
		h.Hub.Forget(prev.SessionID())
	}
	return ctrl, err
}

// LiveView handles GET /api/live.
func (h *Handler) LiveView(c *gin.Context) {
	ctrl, err := h.Live.Current()
	if err != nil {
		response.NotFound(c, "no live session")
		return
	}
	response.OK(c, ctrl.View())
}

// SwitchLive handles PUT /api/live/:id: follow another session.
func (h *Handler) SwitchLive(c *gin.Context) {
	ctrl, err := h.follow(c.Request.Context(), c.Param("id"))
	if err != nil {
		if ctrl == nil {
			response.BadRequest(c, err.Error())
			return
		}
		h.backendError(c, err, "failed to load session")
		return
	}
	response.OK(c, ctrl.View())
}

// RefreshLive handles POST /api/live/refresh.
func (h *Handler) RefreshLive(c *gin.Context) {
	ctrl, err := h.Live.Current()
	if err != nil {
		response.NotFound(c, "no live session")
		return
	}
	if err := ctrl.Refresh(); err != nil {
		response.ServiceUnavailable(c, "live session closed")
		return
	}
	response.Accepted(c, gin.H{"session_id": ctrl.SessionID()})
}

// ListNotifications handles GET /api/notifications.
func (h *Handler) ListNotifications(c *gin.Context) {
	list := []models.Notification{}
	if h.Notifications != nil {
		list = append(list, h.Notifications.All()...)
	}
	response.OK(c, gin.H{"notifications": list})
}

// ListSessions handles GET /api/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	list, err := h.Backend.ListSessions(c.Request.Context())
	if err != nil {
		h.backendError(c, err, "failed to list sessions")
		return
	}
	response.OK(c, list)
}

// ListGallery handles GET /api/gallery?limit=N. Served from Postgres when
// configured, otherwise straight from the backend.
func (h *Handler) ListGallery(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	ctx := c.Request.Context()
	if h.Gallery != nil {
		list, err := h.Gallery.List(ctx, limit)
		if err != nil {
			h.logger.Error("list gallery", zap.Error(err))
			response.Internal(c, "failed to list clips")
			return
		}
		if list == nil {
			list = []gallery.Entry{}
		}
		response.OK(c, gin.H{"clips": list, "source": "gallery"})
		return
	}
	clips, err := h.Backend.AllClips(ctx)
	if err != nil {
		h.backendError(c, err, "failed to list clips")
		return
	}
	if limit > 0 && len(clips) > limit {
		clips = clips[:limit]
	}
	response.OK(c, gin.H{"clips": clips, "source": "backend"})
}

// DownloadClip handles GET /api/clips/:sessionId/:clipId/download by
// streaming the backend binary through.
func (h *Handler) DownloadClip(c *gin.Context) {
	dl, err := h.Backend.DownloadClip(c.Request.Context(), c.Param("sessionId"), c.Param("clipId"))
	if err != nil {
		h.backendError(c, err, "failed to download clip")
		return
	}
	defer dl.Body.Close()

	extra := map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": dl.Filename}),
	}
	c.DataFromReader(http.StatusOK, dl.ContentLength, dl.ContentType, dl.Body, extra)
}

// ArchiveClip handles POST /api/clips/:sessionId/:clipId/archive.
func (h *Handler) ArchiveClip(c *gin.Context) {
	if h.Archiver == nil {
		response.ServiceUnavailable(c, "clip archive not configured")
		return
	}
	payload := queue.ClipArchivePayload{
		SessionID: c.Param("sessionId"),
		ClipID:    c.Param("clipId"),
		Filename:  c.Query("filename"),
	}
	jobID, err := h.Archiver.EnqueueClipArchive(c.Request.Context(), payload)
	if err != nil {
		h.logger.Error("enqueue clip archive", zap.String("clip_id", payload.ClipID), zap.Error(err))
		response.Internal(c, "failed to enqueue archive job")
		return
	}
	response.Accepted(c, gin.H{"job_id": jobID, "key": storage.ClipKey(payload.SessionID, payload.ClipID, payload.Filename)})
}

// ArchivedClipURL handles GET /api/clips/:sessionId/:clipId/archive: a
// pre-signed link to the archived copy.
func (h *Handler) ArchivedClipURL(c *gin.Context) {
	if h.ArchiveLinks == nil {
		response.ServiceUnavailable(c, "clip archive not configured")
		return
	}
	ctx := c.Request.Context()
	key := storage.ClipKey(c.Param("sessionId"), c.Param("clipId"), c.Query("filename"))
	ok, err := h.ArchiveLinks.Exists(ctx, key)
	if err != nil {
		h.logger.Error("check archived clip", zap.String("key", key), zap.Error(err))
		response.Internal(c, "failed to check archive")
		return
	}
	if !ok {
		response.NotFound(c, "clip not archived")
		return
	}
	url, err := h.ArchiveLinks.PresignDownload(ctx, key)
	if err != nil {
		h.logger.Error("presign archived clip", zap.String("key", key), zap.Error(err))
		response.Internal(c, "failed to sign download")
		return
	}
	response.OK(c, gin.H{"key": key, "url": url})
}

// viewerSession picks the session a viewer socket follows: ?session_id=
// when given, otherwise the live one.
func (h *Handler) viewerSession(c *gin.Context) (string, error) {
	if id := c.Query("session_id"); id != "" {
		return id, nil
	}
	ctrl, err := h.Live.Current()
	if err != nil {
		return "", err
	}
	return ctrl.SessionID(), nil
}

// backendError maps clipping backend failures onto console responses.
func (h *Handler) backendError(c *gin.Context, err error, msg string) {
	var se *backend.StatusError
	switch {
	case errors.Is(err, backend.ErrSessionNotFound):
		response.NotFound(c, "session not found")
	case errors.As(err, &se):
		if se.Detail != "" {
			msg += ": " + se.Detail
		}
		response.BadGateway(c, msg)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.ErrUnexpectedEOF):
		response.ServiceUnavailable(c, "backend unavailable")
	default:
		h.logger.Warn(msg, zap.Error(err))
		response.BadGateway(c, msg)
	}
}
