package cloud

// State is the session lifecycle state of a backend.
type State int

const (
	// StateIdle indicates the backend has not started a connection attempt.
	StateIdle State = iota

	// StateResolving indicates hostname resolution is in progress.
	StateResolving

	// StateConnecting indicates the transport handshake is in progress.
	// Requires a prior successful resolution.
	StateConnecting

	// StateConnected indicates the transport-level session is established.
	StateConnected

	// StateReady indicates the session is fully usable for sends.
	StateReady

	// StateDisconnected indicates the session has been torn down, either by
	// caller request or by a transport-level close detected during Input.
	StateDisconnected

	// StateError is terminal for the session; the session must be rebuilt
	// by a fresh Connect before further use.
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateResolving:
		return "RESOLVING"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReady:
		return "READY"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
