package session

import (
	"context"
	"time"
)

// EventKind identifies an inbound driver event.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventAuthFailure   EventKind = "auth_failure"
	EventDisconnected  EventKind = "disconnected"
	EventDriverError   EventKind = "error"
)

// Event is one inbound notification from the driver.
type Event struct {
	Kind EventKind
	// Artifact is the pairing QR rendered as PNG (EventQR only).
	Artifact []byte
	// Reason carries auth-failure / disconnect / error detail.
	Reason string
	// Fatal marks a driver error that leaves the driver unusable.
	Fatal bool
}

// Receipt is the network's acknowledgment of one accepted message.
type Receipt struct {
	MessageID string
	At        time.Time
}

// Driver is the capability surface of one external messaging session.
//
// The manager owns exactly one driver at a time and consumes its Events()
// stream until the channel closes. Implementations must close Events()
// when Destroy is called.
type Driver interface {
	// Initialize connects and begins pairing/login. Progress past the
	// initial connect is reported through Events().
	Initialize(ctx context.Context) error
	// Send delivers one plain-text message. Phone is E.164 digits without
	// a leading "+"; the driver converts it to its own addressing form.
	Send(ctx context.Context, phone, message string) (Receipt, error)
	// CheckRegistration reports whether the phone can receive messages on
	// the network. The string is a human-readable reason when false.
	CheckRegistration(ctx context.Context, phone string) (bool, string, error)
	Logout(ctx context.Context) error
	// Destroy releases the connection. Must be safe to call repeatedly.
	Destroy(ctx context.Context) error
	Events() <-chan Event
}

// Factory allocates a fresh driver. The manager calls it on every
// (re)initialize so a failed handle is never reused.
type Factory func(ctx context.Context) (Driver, error)
