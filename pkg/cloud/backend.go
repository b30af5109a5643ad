package cloud

import "time"

// Backend is the uniform operation set both transports implement.
//
// All methods are non-blocking and must be driven from a single execution
// context; the design assumes single-threaded access and provides no
// internal locking. Callers needing cross-goroutine use must wrap the
// backend in their own mutual exclusion.
type Backend interface {
	// Name returns the backend's registry name.
	Name() string

	// Init prepares the backend. Must be called exactly once before any
	// other operation and must succeed before any other operation is
	// valid. The notifier is the single observer for the backend's
	// lifetime; a nil notifier silently discards events.
	Init(cfg *Config, notifier Notifier) error

	// Connect resolves the configured host and establishes the transport
	// session. On success the live socket descriptor and connection are
	// written back into cfg so the caller can register them with its own
	// readiness-polling mechanism; the backend never polls sockets itself.
	Connect(cfg *Config) error

	// Send transmits one outbound message. It either completes
	// synchronously or fails; there is no handle to cancel.
	Send(msg Message) error

	// Input polls for pending inbound data. Non-blocking: with nothing
	// pending it returns nil with no event delivered, safe to call every
	// loop iteration. Inbound payload views handed to the observer are
	// valid only until the next Input call.
	Input() error

	// Ping sends a keepalive probe. Must be invoked on a cadence shorter
	// than the negotiated keepalive interval or the peer may consider the
	// session dead.
	Ping() error

	// Disconnect tears the session down. A new session must be built by a
	// fresh Connect before further use.
	Disconnect() error

	// KeepaliveTimeLeft reports how long until the keepalive interval
	// expires with no traffic sent.
	KeepaliveTimeLeft() time.Duration

	// State returns the current session state.
	State() State
}
