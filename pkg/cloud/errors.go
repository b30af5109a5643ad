package cloud

import "errors"

// Backend errors.
var (
	// ErrNotInitialized indicates an operation before a successful Init.
	ErrNotInitialized = errors.New("backend not initialized")

	// ErrAlreadyInitialized indicates a second Init call.
	ErrAlreadyInitialized = errors.New("backend already initialized")

	// ErrIdentityTooLong indicates the configured client identity exceeds
	// the configured maximum length. Truncation is never silently accepted.
	ErrIdentityTooLong = errors.New("client identity too long")

	// ErrNoAddressFound indicates hostname resolution produced no candidate
	// of the required address family.
	ErrNoAddressFound = errors.New("no address found")

	// ErrNotConnected indicates an operation requiring a live session.
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyConnected indicates a Connect on a live session.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrBufferOverflow indicates a message too large for the configured
	// fixed-size buffers. Always the caller's fault for oversizing payload
	// relative to configuration; never retried internally.
	ErrBufferOverflow = errors.New("message exceeds buffer capacity")

	// ErrEncoding indicates a packet could not be built within the
	// transmit buffer capacity.
	ErrEncoding = errors.New("packet encoding failed")

	// ErrTransport indicates a socket create/connect/send/recv failure.
	// Surfaced as an EventError and a non-nil return; the caller decides
	// whether to retry.
	ErrTransport = errors.New("transport failure")

	// ErrProtocol indicates a malformed inbound frame. Fatal on the stream
	// backend (framing synchronization is lost), logged and discarded on
	// the datagram backend.
	ErrProtocol = errors.New("malformed packet")

	// ErrUnknownTopic indicates a send to a destination selector outside
	// the configured topic set.
	ErrUnknownTopic = errors.New("no endpoint topic available")
)
