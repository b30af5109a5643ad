// Package trace captures connectivity events for offline analysis.
//
// Backends emit an Event for every state transition, wire frame and fault.
// Applications pass a Logger through the backend Config; nil disables
// capture entirely. FileLogger persists events as a CBOR sequence with
// integer keys, compact enough to leave enabled on constrained links.
package trace

import "time"

// Logger is the interface applications implement to receive capture events.
// Pass nil or NoopLogger to disable capture.
type Logger interface {
	// Log records one event. Implementations must be safe for concurrent
	// use and should return quickly; blocking stalls the poll loop.
	Log(event Event)
}

// NoopLogger discards all events. Usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Compile-time interface satisfaction check.
var _ Logger = NoopLogger{}

// Event is one captured connectivity event.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred.
	Timestamp time.Time `cbor:"1,keyasint"`

	// SessionID identifies the session (UUID), stable across the events
	// of one connection attempt.
	SessionID string `cbor:"2,keyasint"`

	// Backend is the backend name ("mqtt", "coap").
	Backend string `cbor:"3,keyasint"`

	// Direction indicates frame flow, meaningful for Frame events.
	Direction Direction `cbor:"4,keyasint,omitempty"`

	// RemoteAddr is the resolved peer address (IP:port).
	RemoteAddr string `cbor:"5,keyasint,omitempty"`

	// Type-specific payload, exactly one set.
	Frame       *FrameEvent       `cbor:"6,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"7,keyasint,omitempty"`
	Error       *ErrorEvent       `cbor:"8,keyasint,omitempty"`
}

// Direction indicates the direction of frame flow.
type Direction uint8

const (
	// DirectionIn indicates an inbound frame.
	DirectionIn Direction = 0
	// DirectionOut indicates an outbound frame.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// MaxFrameCapture is the maximum frame prefix recorded per event.
// Longer frames are truncated to bound capture size.
const MaxFrameCapture = 1024

// FrameEvent records one wire frame.
type FrameEvent struct {
	// Size is the full frame size in bytes.
	Size int `cbor:"1,keyasint"`

	// Data is the frame prefix, at most MaxFrameCapture bytes.
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated reports whether Data was cut short.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// StateChangeEvent records a session state transition.
type StateChangeEvent struct {
	// From and To are State.String() names, recorded as strings so
	// captures stay readable without this package's enum values.
	From string `cbor:"1,keyasint"`
	To   string `cbor:"2,keyasint"`
}

// ErrorEvent records a fault.
type ErrorEvent struct {
	// Message is the error text.
	Message string `cbor:"1,keyasint"`
}

// NewFrameEvent builds a FrameEvent, truncating data to MaxFrameCapture.
func NewFrameEvent(data []byte) *FrameEvent {
	evt := &FrameEvent{Size: len(data), Data: data}
	if len(data) > MaxFrameCapture {
		evt.Data = data[:MaxFrameCapture]
		evt.Truncated = true
	}
	return evt
}
