package cloud

// EventType identifies a backend notification.
type EventType int

const (
	// EventConnected signals the transport-level session is established.
	EventConnected EventType = iota + 1

	// EventReady signals the session is usable. Always delivered
	// immediately after EventConnected, never before it.
	EventReady

	// EventDisconnected signals session teardown, by caller request or by
	// a transport-level close detected during Input (stream backend only;
	// the datagram backend has no peer-close signal and raises EventError
	// for socket faults instead).
	EventDisconnected

	// EventDataReceived carries an inbound application payload.
	EventDataReceived

	// EventError signals a transport or protocol fault.
	EventError

	// EventUpdateRequest signals that the application should perform a
	// deferred reboot/update. The update itself is never performed here.
	EventUpdateRequest
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "CONNECTED"
	case EventReady:
		return "READY"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventDataReceived:
		return "DATA_RECEIVED"
	case EventError:
		return "ERROR"
	case EventUpdateRequest:
		return "UPDATE_REQUEST"
	default:
		return "UNKNOWN"
	}
}

// Event is a notification delivered to the registered observer.
//
// Payload is a view into the backend's receive buffer, valid only until the
// next Input call on the same backend. Observers must copy out what they
// need synchronously.
type Event struct {
	// Type of event.
	Type EventType

	// Backend is the name of the backend that produced the event.
	// Populated by a RegisteredNotifier; empty in standalone mode.
	Backend string

	// Payload view for EventDataReceived and EventUpdateRequest.
	Payload []byte

	// Err for EventError.
	Err error
}

// Handler receives backend events.
//
// Delivery is synchronous and reentrant-unsafe: handlers must not block and
// must not call back into Connect/Disconnect/Send on the same session from
// within the handler.
type Handler func(Event)
