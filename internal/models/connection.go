package models

// ConnectionState is the realtime feed's lifecycle as exposed to viewers.
type ConnectionState string

const (
	ConnIdle             ConnectionState = "idle"
	ConnConnecting       ConnectionState = "connecting"
	ConnOpen             ConnectionState = "open"
	ConnError            ConnectionState = "error"
	ConnClosed           ConnectionState = "closed"
	ConnReconnectPending ConnectionState = "reconnect-pending"
	ConnStopped          ConnectionState = "stopped"
)
