package cloud

import (
	"errors"
	"testing"
	"time"
)

// stubBackend is a minimal Backend for registry tests.
type stubBackend struct {
	name string
}

func (s *stubBackend) Name() string                     { return s.name }
func (s *stubBackend) Init(*Config, Notifier) error     { return nil }
func (s *stubBackend) Connect(*Config) error            { return nil }
func (s *stubBackend) Send(Message) error               { return nil }
func (s *stubBackend) Input() error                     { return nil }
func (s *stubBackend) Ping() error                      { return nil }
func (s *stubBackend) Disconnect() error                { return nil }
func (s *stubBackend) KeepaliveTimeLeft() time.Duration { return 0 }
func (s *stubBackend) State() State                     { return StateIdle }

var _ Backend = (*stubBackend)(nil)

func TestRegistry(t *testing.T) {
	t.Run("RegisterAndLookup", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register("stub", func() Backend { return &stubBackend{name: "stub"} }); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		b, err := r.Lookup("stub")
		if err != nil {
			t.Fatalf("Lookup() error = %v", err)
		}
		if b.Name() != "stub" {
			t.Errorf("Name() = %q, want stub", b.Name())
		}

		// Each lookup constructs a fresh instance.
		b2, _ := r.Lookup("stub")
		if b == b2 {
			t.Error("Lookup() returned the same instance twice")
		}
	})

	t.Run("DuplicateName", func(t *testing.T) {
		r := NewRegistry()
		factory := func() Backend { return &stubBackend{} }
		if err := r.Register("stub", factory); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if err := r.Register("stub", factory); !errors.Is(err, ErrBackendRegistered) {
			t.Errorf("second Register() error = %v, want ErrBackendRegistered", err)
		}
	})

	t.Run("UnknownName", func(t *testing.T) {
		r := NewRegistry()
		if _, err := r.Lookup("nope"); !errors.Is(err, ErrBackendUnknown) {
			t.Errorf("Lookup() error = %v, want ErrBackendUnknown", err)
		}
	})

	t.Run("EmptyNameOrNilFactory", func(t *testing.T) {
		r := NewRegistry()
		if err := r.Register("", func() Backend { return nil }); err == nil {
			t.Error("Register(\"\") succeeded")
		}
		if err := r.Register("x", nil); err == nil {
			t.Error("Register(nil factory) succeeded")
		}
	})

	t.Run("NamesSorted", func(t *testing.T) {
		r := NewRegistry()
		factory := func() Backend { return &stubBackend{} }
		r.Register("mqtt", factory)
		r.Register("coap", factory)

		names := r.Names()
		if len(names) != 2 || names[0] != "coap" || names[1] != "mqtt" {
			t.Errorf("Names() = %v, want [coap mqtt]", names)
		}
	})
}

func TestRegistryHandler(t *testing.T) {
	t.Run("NotifierTagsBackend", func(t *testing.T) {
		r := NewRegistry()

		var got []Event
		r.SetHandler(func(evt Event) { got = append(got, evt) })

		r.Notifier("mqtt").Notify(Event{Type: EventConnected})
		r.Notifier("coap").Notify(Event{Type: EventReady})

		if len(got) != 2 {
			t.Fatalf("handler saw %d events, want 2", len(got))
		}
		if got[0].Backend != "mqtt" || got[1].Backend != "coap" {
			t.Errorf("backend tags = %q/%q, want mqtt/coap", got[0].Backend, got[1].Backend)
		}
	})

	t.Run("SetHandlerOnce", func(t *testing.T) {
		r := NewRegistry()

		var first, second int
		r.SetHandler(func(Event) { first++ })
		r.SetHandler(func(Event) { second++ })

		r.Notifier("x").Notify(Event{Type: EventConnected})
		if first != 1 || second != 0 {
			t.Errorf("first handler saw %d, second %d; want 1, 0", first, second)
		}
	})

	t.Run("NoHandlerIsSilent", func(t *testing.T) {
		r := NewRegistry()
		// Must not panic with no handler set.
		r.Notifier("x").Notify(Event{Type: EventError})
	})
}

func TestStandaloneNotifier(t *testing.T) {
	var got []Event
	n := NewStandaloneNotifier(func(evt Event) { got = append(got, evt) })
	n.Notify(Event{Type: EventDataReceived})

	if len(got) != 1 || got[0].Type != EventDataReceived {
		t.Errorf("handler saw %v", got)
	}

	// Nil handler discards silently.
	NewStandaloneNotifier(nil).Notify(Event{Type: EventError})
}
