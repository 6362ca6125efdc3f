package models

import "time"

// SessionStatus is the backend lifecycle of a monitoring session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionStopped SessionStatus = "stopped"
	SessionError   SessionStatus = "error"
)

// Session is the console's read-only projection of one monitoring run.
type Session struct {
	ID             string        `json:"session_id"`
	Channel        string        `json:"channel"`
	Status         SessionStatus `json:"status"`
	ChatVelocity   int           `json:"chat_velocity"`
	ViralScore     float64       `json:"viral_score"`
	ClipsGenerated int           `json:"clips_generated"`
	Revenue        float64       `json:"revenue"`
	CreatedAt      time.Time     `json:"created_at"`
	LastUpdated    time.Time     `json:"last_updated"`
}

// SessionUpdate is a partial telemetry update pushed over the realtime feed.
// Nil fields were absent from the message and must keep their prior value.
type SessionUpdate struct {
	SessionID      string
	Status         *SessionStatus
	ChatVelocity   *int
	ViralScore     *float64
	ClipsGenerated *int
	Revenue        *float64
}

// Apply merges the fields present in u into s.
func (u SessionUpdate) Apply(s *Session) {
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.ChatVelocity != nil {
		s.ChatVelocity = *u.ChatVelocity
	}
	if u.ViralScore != nil {
		s.ViralScore = *u.ViralScore
	}
	if u.ClipsGenerated != nil {
		s.ClipsGenerated = *u.ClipsGenerated
	}
	if u.Revenue != nil {
		s.Revenue = *u.Revenue
	}
}

// SessionSummary is one row of the backend's session listing.
type SessionSummary struct {
	Session
	RecentClips   int     `json:"recent_clips"`
	AvgViralScore float64 `json:"avg_viral_score"`
}

// SessionList is the backend's session listing with totals.
type SessionList struct {
	Sessions     []SessionSummary `json:"sessions"`
	TotalActive  int              `json:"total_active"`
	TotalClips   int              `json:"total_clips"`
	TotalRevenue float64          `json:"total_revenue"`
}
