package models

import "time"

// NotificationKind classifies user-facing notifications.
type NotificationKind string

const (
	NotifyViralDetected NotificationKind = "viral_detected"
	NotifyNewClip       NotificationKind = "new_clip"
	NotifyError         NotificationKind = "error"
)

// Notification is a dismissible toast raised by the live session controller.
type Notification struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	SessionID string           `json:"session_id"`
	ClipID    string           `json:"clip_id,omitempty"`
	Message   string           `json:"message"`
	At        time.Time        `json:"at"`
}
