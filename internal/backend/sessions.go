package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/zclipper/console/internal/models"
)

// StartMonitoring asks the backend to monitor a channel and returns the new
// session ID.
func (c *Client) StartMonitoring(ctx context.Context, channel string) (string, error) {
	if channel == "" {
		return "", errors.New("backend: channel is required")
	}
	var out struct {
		SessionID string `json:"session_id"`
	}
	if _, err := c.do(ctx, http.MethodPost, []string{"api", "start-monitoring"}, map[string]string{"channel": channel}, &out, false); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", errors.New("backend: start-monitoring returned no session id")
	}
	return out.SessionID, nil
}

// StopMonitoring stops a monitoring session.
func (c *Client) StopMonitoring(ctx context.Context, sessionID string) error {
	_, err := c.do(ctx, http.MethodPost, []string{"api", "stop-monitoring", sessionID}, nil, nil, false)
	return err
}

// GetStatus fetches the status snapshot of a session. Status is never served
// from the cache; Meta carries the backend's max-age hint for the poller.
func (c *Client) GetStatus(ctx context.Context, sessionID string) (models.Session, Meta, error) {
	var out models.BackendSession
	meta, err := c.do(ctx, http.MethodGet, []string{"api", "status", sessionID}, nil, &out, false)
	if err != nil {
		return models.Session{}, meta, err
	}
	s := out.ToSession()
	if s.ID == "" {
		s.ID = sessionID
	}
	return s, meta, nil
}

// GetClips fetches every clip of a session, transformed for display.
func (c *Client) GetClips(ctx context.Context, sessionID string) ([]models.Clip, error) {
	var out models.ClipsResponse
	if _, err := c.do(ctx, http.MethodGet, []string{"api", "clips", sessionID}, nil, &out, false); err != nil {
		return nil, err
	}
	clips := make([]models.Clip, 0, len(out.Clips))
	for _, bc := range out.Clips {
		clips = append(clips, bc.ToClip(sessionID))
	}
	return clips, nil
}

type sessionRow struct {
	models.BackendSession
	RecentClips   int     `json:"recent_clips"`
	AvgViralScore float64 `json:"avg_viral_score"`
}

// ListSessions returns the backend's session listing with totals.
func (c *Client) ListSessions(ctx context.Context) (models.SessionList, error) {
	var out struct {
		Sessions     []sessionRow `json:"sessions"`
		TotalActive  int          `json:"total_active"`
		TotalClips   int          `json:"total_clips"`
		TotalRevenue float64      `json:"total_revenue"`
	}
	if _, err := c.do(ctx, http.MethodGet, []string{"api", "sessions"}, nil, &out, true); err != nil {
		return models.SessionList{}, err
	}
	list := models.SessionList{
		Sessions:     make([]models.SessionSummary, 0, len(out.Sessions)),
		TotalActive:  out.TotalActive,
		TotalClips:   out.TotalClips,
		TotalRevenue: out.TotalRevenue,
	}
	for _, row := range out.Sessions {
		list.Sessions = append(list.Sessions, models.SessionSummary{
			Session:       row.ToSession(),
			RecentClips:   row.RecentClips,
			AvgViralScore: row.AvgViralScore,
		})
	}
	return list, nil
}

// AllClips returns every clip the backend knows about, newest first.
func (c *Client) AllClips(ctx context.Context) ([]models.Clip, error) {
	var out models.ClipsResponse
	if _, err := c.do(ctx, http.MethodGet, []string{"api", "all-clips"}, nil, &out, true); err != nil {
		return nil, err
	}
	clips := make([]models.Clip, 0, len(out.Clips))
	for _, bc := range out.Clips {
		clips = append(clips, bc.ToClip(""))
	}
	return clips, nil
}

// Download is an open clip binary stream. The caller must close Body.
type Download struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	Filename      string
}

// DownloadClip opens the binary of one clip. Only ctx bounds the transfer.
func (c *Client) DownloadClip(ctx context.Context, sessionID, clipID string) (*Download, error) {
	endpoint := c.baseURL.JoinPath("api", "download", sessionID, clipID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("backend: build download request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: download %s/%s: %w", sessionID, clipID, err)
	}
	if err := checkStatus(resp, http.MethodGet, endpoint.Path); err != nil {
		resp.Body.Close()
		return nil, err
	}
	d := &Download{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Filename:      clipID + ".mp4",
	}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil && params["filename"] != "" {
		d.Filename = params["filename"]
	}
	if d.ContentType == "" {
		d.ContentType = "video/mp4"
	}
	return d, nil
}
