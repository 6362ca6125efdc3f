package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Timestamp decodes the backend's ISO-8601 timestamps, which may omit the
// zone offset (naive local time is read as UTC).
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return &time.ParseError{Layout: time.RFC3339, Value: s, Message: ": unrecognised timestamp"}
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// BackendSession is the body of GET /api/status/{session_id}.
type BackendSession struct {
	SessionID      string    `json:"session_id"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	ChatSpeed      int       `json:"chat_speed"`
	ViralScore     float64   `json:"viral_score"`
	ClipsGenerated int       `json:"clips_generated"`
	Revenue        float64   `json:"revenue"`
	CreatedAt      Timestamp `json:"created_at"`
	LastUpdated    Timestamp `json:"last_updated"`
}

// ToSession converts the wire form into the console projection.
func (b BackendSession) ToSession() Session {
	return Session{
		ID:             b.SessionID,
		Channel:        b.Channel,
		Status:         normalizeSessionStatus(b.Status),
		ChatVelocity:   b.ChatSpeed,
		ViralScore:     b.ViralScore,
		ClipsGenerated: b.ClipsGenerated,
		Revenue:        b.Revenue,
		CreatedAt:      b.CreatedAt.Time,
		LastUpdated:    b.LastUpdated.Time,
	}
}

func normalizeSessionStatus(s string) SessionStatus {
	switch SessionStatus(strings.ToLower(s)) {
	case SessionActive:
		return SessionActive
	case SessionStopped:
		return SessionStopped
	}
	return SessionError
}

// BackendClip is a clip as the backend serialises it.
type BackendClip struct {
	ID            string            `json:"id"`
	Filename      string            `json:"filename"`
	CreatedAt     Timestamp         `json:"created_at"`
	Revenue       float64           `json:"revenue"`
	SizeMB        float64           `json:"size_mb"`
	Duration      float64           `json:"duration"`
	ViralMessages []json.RawMessage `json:"viral_messages"`
	ChatVelocity  int               `json:"chat_velocity"`
	ViralScore    float64           `json:"viral_score"`
	HasOverlay    bool              `json:"has_overlay"`
	OverlayType   string            `json:"overlay_type"`
	Status        string            `json:"status,omitempty"`
	URL           string            `json:"url,omitempty"`
	ThumbnailURL  string            `json:"thumbnail_url,omitempty"`
}

// ToClip transforms a backend clip for display. Clips the backend reports
// without a status have finished encoding and are ready.
func (b BackendClip) ToClip(sessionID string) Clip {
	c := Clip{
		ID:           b.ID,
		SessionID:    sessionID,
		Filename:     b.Filename,
		CreatedAt:    b.CreatedAt.Time,
		Duration:     b.Duration,
		SizeMB:       b.SizeMB,
		ThumbnailURL: b.ThumbnailURL,
		URL:          b.URL,
		Status:       ClipReady,
		HasOverlay:   b.HasOverlay,
		OverlayType:  b.OverlayType,
	}
	if c.ID == "" {
		c.ID = b.Filename
	}
	switch ClipStatus(strings.ToLower(b.Status)) {
	case ClipProcessing:
		c.Status = ClipProcessing
	case ClipError:
		c.Status = ClipError
	}
	if b.ChatVelocity != 0 || b.ViralScore != 0 || b.Revenue != 0 || len(b.ViralMessages) > 0 {
		c.Metrics = &ViralMetrics{
			ChatVelocity: b.ChatVelocity,
			ViralScore:   b.ViralScore,
			Revenue:      b.Revenue,
			Messages:     messageTexts(b.ViralMessages),
		}
	}
	return c
}

// messageTexts flattens chat messages that arrive either as plain strings or
// as objects carrying a message/text field.
func messageTexts(raw []json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			Message string `json:"message"`
			Text    string `json:"text"`
		}
		if err := json.Unmarshal(r, &obj); err == nil && (obj.Message != "" || obj.Text != "") {
			if obj.Message != "" {
				out = append(out, obj.Message)
			} else {
				out = append(out, obj.Text)
			}
			continue
		}
		out = append(out, string(r))
	}
	return out
}

// ClipsResponse is the body of GET /api/clips/{session_id} and /api/all-clips.
type ClipsResponse struct {
	Clips []BackendClip `json:"clips"`
	Total int           `json:"total,omitempty"`
}

// Envelope is one realtime feed message.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Realtime feed message types.
const (
	EnvelopeSessionUpdate = "session_update"
	EnvelopeClipGenerated = "clip_generated"
	EnvelopeError         = "error"
)

// SessionUpdatePayload is the data of a session_update envelope. Pointer
// fields distinguish absent from zero.
type SessionUpdatePayload struct {
	SessionID      string   `json:"session_id"`
	Status         *string  `json:"status"`
	ChatSpeed      *int     `json:"chat_speed"`
	ViralScore     *float64 `json:"viral_score"`
	ClipsGenerated *int     `json:"clips_generated"`
	Revenue        *float64 `json:"revenue"`
}

// ToUpdate converts the payload into a partial session update.
func (p SessionUpdatePayload) ToUpdate() SessionUpdate {
	u := SessionUpdate{
		SessionID:      p.SessionID,
		ChatVelocity:   p.ChatSpeed,
		ViralScore:     p.ViralScore,
		ClipsGenerated: p.ClipsGenerated,
		Revenue:        p.Revenue,
	}
	if p.Status != nil {
		st := normalizeSessionStatus(*p.Status)
		u.Status = &st
	}
	return u
}

// ClipGeneratedPayload is the data of a clip_generated envelope.
type ClipGeneratedPayload struct {
	SessionID string      `json:"session_id"`
	Clip      BackendClip `json:"clip"`
}

// ErrorPayload is the data of an error envelope. The backend sends either an
// object with a message or a bare string.
type ErrorPayload struct {
	Message string `json:"message"`
}

// ErrorMessage extracts the human readable text of an error envelope.
func ErrorMessage(data json.RawMessage) string {
	var s string
	if err := json.Unmarshal(data, &s); err == nil && s != "" {
		return s
	}
	var p ErrorPayload
	if err := json.Unmarshal(data, &p); err == nil && p.Message != "" {
		return p.Message
	}
	return "The clipping service reported an error"
}
