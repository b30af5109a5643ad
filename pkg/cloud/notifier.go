package cloud

// Notifier delivers backend events to the single registered observer.
//
// A backend holds exactly one Notifier, fixed at Init. Delivery is
// synchronous: Notify returns only after the observer has run.
type Notifier interface {
	// Notify delivers one event. Delivering with no observer registered
	// is a silent no-op, not an error.
	Notify(evt Event)
}

// StandaloneNotifier delivers events directly to a handler owned by the
// embedding application. Used when a backend is driven on its own, outside
// a registry.
type StandaloneNotifier struct {
	handler Handler
}

// NewStandaloneNotifier creates a notifier around the given handler.
// A nil handler discards all events.
func NewStandaloneNotifier(handler Handler) *StandaloneNotifier {
	return &StandaloneNotifier{handler: handler}
}

// Notify delivers the event to the handler, if one is set.
func (n *StandaloneNotifier) Notify(evt Event) {
	if n.handler != nil {
		n.handler(evt)
	}
}

// RegisteredNotifier delivers events through a Registry's shared handler,
// tagging each event with the originating backend's name so one observer
// can serve several registered backends.
type RegisteredNotifier struct {
	registry *Registry
	backend  string
}

// NewRegisteredNotifier creates a notifier that routes events for the named
// backend through the registry.
func NewRegisteredNotifier(registry *Registry, backend string) *RegisteredNotifier {
	return &RegisteredNotifier{registry: registry, backend: backend}
}

// Notify tags the event with the backend name and delivers it to the
// registry's handler, if one is set.
func (n *RegisteredNotifier) Notify(evt Event) {
	if n.registry == nil {
		return
	}
	evt.Backend = n.backend
	n.registry.notify(evt)
}

// Compile-time interface satisfaction checks.
var (
	_ Notifier = (*StandaloneNotifier)(nil)
	_ Notifier = (*RegisteredNotifier)(nil)
)
