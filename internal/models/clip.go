package models

import "time"

// ClipStatus is the lifecycle of a generated clip.
type ClipStatus string

const (
	ClipProcessing ClipStatus = "processing"
	ClipReady      ClipStatus = "ready"
	ClipError      ClipStatus = "error"
)

// ViralMetrics are the backend's scoring signals for a clip.
type ViralMetrics struct {
	ChatVelocity int      `json:"chat_velocity"`
	ViralScore   float64  `json:"viral_score"`
	Revenue      float64  `json:"revenue"`
	Messages     []string `json:"messages,omitempty"`
}

// Clip is one generated video artifact as shown in the console.
type Clip struct {
	ID           string        `json:"id"`
	SessionID    string        `json:"session_id"`
	Filename     string        `json:"filename,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	Duration     float64       `json:"duration"`
	SizeMB       float64       `json:"size_mb"`
	ThumbnailURL string        `json:"thumbnail_url,omitempty"`
	URL          string        `json:"url,omitempty"`
	Status       ClipStatus    `json:"status"`
	Metrics      *ViralMetrics `json:"metrics,omitempty"`
	HasOverlay   bool          `json:"has_overlay"`
	OverlayType  string        `json:"overlay_type,omitempty"`
}
