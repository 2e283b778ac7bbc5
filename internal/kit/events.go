package kit

import "time"

// Event names pushed to observers. Payload shapes are documented next to
// the structs below; events carrying a bare string use that string as-is.
const (
	EventQR                = "qr"
	EventAuthenticated     = "authenticated"
	EventReady             = "ready"
	EventAuthFailure       = "auth_failure"
	EventError             = "error"
	EventDisconnected      = "disconnected"
	EventConnectionStarted = "whatsapp_connection_started"
	EventConnectionFailed  = "whatsapp_connection_failed"
	EventStatusUpdate      = "status_update"
	EventStatsUpdate       = "stats_update"
	EventMessageSent       = "message_sent"
	EventMessageFailed     = "message_failed"
	EventLogUpdate         = "log_update"
)

// QRPayload carries the pairing artifact (PNG, base64-encoded).
type QRPayload struct {
	Image string `json:"image"`
}

// ConnectionAttempt is the payload of whatsapp_connection_started.
type ConnectionAttempt struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
}

// StatusUpdate is the payload of status_update.
type StatusUpdate struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// MessageOutcome is the payload of message_sent / message_failed.
type MessageOutcome struct {
	Reference string    `json:"reference,omitempty"`
	Name      string    `json:"name,omitempty"`
	Phone     string    `json:"phone"`
	Column    string    `json:"column"`
	Row       int       `json:"row"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}
