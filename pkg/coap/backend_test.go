package coap

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/uplink-protocol/uplink-go/pkg/cloud"
	"github.com/uplink-protocol/uplink-go/pkg/resolve"
)

// testServer is a loopback UDP peer standing in for the cloud side.
type testServer struct {
	t    *testing.T
	conn *net.UDPConn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testServer{t: t, conn: conn}
}

func (s *testServer) port() uint16 {
	return uint16(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

// receive reads one datagram and returns the parsed message and sender.
func (s *testServer) receive() (*Message, *net.UDPAddr) {
	s.t.Helper()
	buf := make([]byte, 2048)
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, addr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		s.t.Fatalf("server read: %v", err)
	}
	msg, err := Parse(buf[:n])
	if err != nil {
		s.t.Fatalf("server parse: %v", err)
	}
	return msg, addr
}

// reply sends a 2.05 Content response carrying token and payload to addr.
func (s *testServer) reply(addr *net.UDPAddr, token, payload []byte) {
	s.t.Helper()
	buf := make([]byte, 2048)
	b, err := NewBuilder(buf, NonConfirmable, CodeContent, NextMessageID(), token)
	if err != nil {
		s.t.Fatalf("server build: %v", err)
	}
	if payload != nil {
		if err := b.AppendPayloadMarker(); err != nil {
			s.t.Fatalf("server build: %v", err)
		}
		if err := b.AppendPayload(payload); err != nil {
			s.t.Fatalf("server build: %v", err)
		}
	}
	if _, err := s.conn.WriteToUDP(b.Bytes(), addr); err != nil {
		s.t.Fatalf("server write: %v", err)
	}
}

// eventRecorder collects dispatched events.
type eventRecorder struct {
	events []cloud.Event
}

func (r *eventRecorder) notifier() cloud.Notifier {
	return cloud.NewStandaloneNotifier(func(evt cloud.Event) {
		// Payload is a view into the receive buffer; copy before it is
		// reused by the next poll.
		if evt.Payload != nil {
			evt.Payload = append([]byte(nil), evt.Payload...)
		}
		r.events = append(r.events, evt)
	})
}

func (r *eventRecorder) types() []cloud.EventType {
	out := make([]cloud.EventType, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

// connectedBackend wires a backend to the test server and connects it.
func connectedBackend(t *testing.T, srv *testServer, rec *eventRecorder) (*Backend, *cloud.Config) {
	t.Helper()

	b := NewBackend()
	b.SetResolver(resolve.NewWithLookup(func(ctx context.Context, host string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.IPv4(127, 0, 0, 1)}}, nil
	}))

	cfg := &cloud.Config{
		Host:     "cloud.test",
		Port:     int(srv.port()),
		ClientID: "dev-1",
	}
	if err := b.Init(cfg, rec.notifier()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := b.Connect(cfg); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() {
		if b.State() != cloud.StateDisconnected {
			b.Disconnect()
		}
	})
	return b, cfg
}

// pollUntil drives Input until the recorder holds at least n events.
func pollUntil(t *testing.T, b *Backend, rec *eventRecorder, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.events) < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out with %d events, want %d: %v", len(rec.events), n, rec.types())
		}
		if err := b.Input(); err != nil {
			t.Fatalf("Input() error = %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConnectEmitsConnectedThenReady(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b, cfg := connectedBackend(t, srv, rec)

	if b.State() != cloud.StateReady {
		t.Errorf("State() = %v, want READY", b.State())
	}
	if len(rec.events) != 2 ||
		rec.events[0].Type != cloud.EventConnected ||
		rec.events[1].Type != cloud.EventReady {
		t.Errorf("events = %v, want [CONNECTED READY]", rec.types())
	}
	if cfg.Socket <= 0 {
		t.Errorf("cfg.Socket = %d, want a live descriptor", cfg.Socket)
	}
	if cfg.Conn == nil {
		t.Error("cfg.Conn not populated")
	}
}

func TestSendCarriesTokenAndResource(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b, _ := connectedBackend(t, srv, rec)

	if err := b.Send(cloud.Message{Payload: []byte("report")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msg, _ := srv.receive()
	if msg.Type != NonConfirmable || msg.Code != CodePUT {
		t.Errorf("got %v/%v, want NON/PUT", msg.Type, msg.Code)
	}
	if len(msg.Token) != 2 {
		t.Errorf("token length = %d, want 2", len(msg.Token))
	}
	if got := msg.URIPath(); got != "dev-1" {
		t.Errorf("URIPath() = %q, want dev-1", got)
	}
	if !bytes.Equal(msg.Payload, []byte("report")) {
		t.Errorf("payload = %q, want report", msg.Payload)
	}
}

func TestReplyCorrelation(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b, _ := connectedBackend(t, srv, rec)
	rec.events = nil

	if err := b.Send(cloud.Message{Payload: []byte("q")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	req, addr := srv.receive()

	t.Run("MatchingTokenDelivered", func(t *testing.T) {
		srv.reply(addr, req.Token, []byte("answer"))
		pollUntil(t, b, rec, 1)

		evt := rec.events[0]
		if evt.Type != cloud.EventDataReceived {
			t.Fatalf("event = %v, want DATA_RECEIVED", evt.Type)
		}
		if !bytes.Equal(evt.Payload, []byte("answer")) {
			t.Errorf("payload = %q, want answer", evt.Payload)
		}
	})

	t.Run("MismatchedTokenDiscarded", func(t *testing.T) {
		rec.events = nil
		stale := []byte{req.Token[0] ^ 0xFF, req.Token[1]}
		srv.reply(addr, stale, []byte("stale"))

		drainInput(t, b)
		if len(rec.events) != 0 {
			t.Errorf("events = %v, want none for a stale token", rec.types())
		}
	})

	t.Run("WrongTokenLengthDiscarded", func(t *testing.T) {
		rec.events = nil
		srv.reply(addr, []byte{0x01}, []byte("short"))

		drainInput(t, b)
		if len(rec.events) != 0 {
			t.Errorf("events = %v, want none for a one-byte token", rec.types())
		}
	})
}

func TestSendOverwritesPendingToken(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b, _ := connectedBackend(t, srv, rec)
	rec.events = nil

	if err := b.Send(cloud.Message{Payload: []byte("first")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	first, addr := srv.receive()

	if err := b.Send(cloud.Message{Payload: []byte("second")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	second, _ := srv.receive()

	if bytes.Equal(first.Token, second.Token) {
		t.Fatalf("second send reused token %x", first.Token)
	}

	// A late reply to the abandoned first request is discarded; only the
	// second token correlates.
	srv.reply(addr, first.Token, []byte("late"))
	drainInput(t, b)
	if len(rec.events) != 0 {
		t.Errorf("events = %v, want none for an abandoned token", rec.types())
	}

	srv.reply(addr, second.Token, []byte("current"))
	pollUntil(t, b, rec, 1)
	if !bytes.Equal(rec.events[0].Payload, []byte("current")) {
		t.Errorf("payload = %q, want current", rec.events[0].Payload)
	}
}

func TestPingResetsToken(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b, _ := connectedBackend(t, srv, rec)
	rec.events = nil

	if err := b.Send(cloud.Message{Payload: []byte("q")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	req, addr := srv.receive()

	if err := b.Ping(); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	ping, _ := srv.receive()
	if ping.Type != Confirmable || ping.Code != CodeEmpty {
		t.Errorf("ping = %v/%v, want CON/0.00", ping.Type, ping.Code)
	}
	if len(ping.Token) != 0 {
		t.Errorf("ping token = %x, want empty", ping.Token)
	}

	// The ping abandoned the request's correlation slot; its reply no
	// longer matches.
	srv.reply(addr, req.Token, []byte("late"))
	drainInput(t, b)
	if len(rec.events) != 0 {
		t.Errorf("events = %v, want none after ping reset", rec.types())
	}
}

func TestInputIdleIsSilent(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b, _ := connectedBackend(t, srv, rec)
	rec.events = nil

	for i := 0; i < 10; i++ {
		if err := b.Input(); err != nil {
			t.Fatalf("idle Input() error = %v", err)
		}
	}
	if len(rec.events) != 0 {
		t.Errorf("events = %v, want none on an idle link", rec.types())
	}
}

func TestMalformedDatagramDiscarded(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b, _ := connectedBackend(t, srv, rec)
	rec.events = nil

	if err := b.Send(cloud.Message{Payload: []byte("q")}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	req, addr := srv.receive()

	// Garbage must not tear the session down or surface an event.
	if _, err := srv.conn.WriteToUDP([]byte{0xDE, 0xAD}, addr); err != nil {
		t.Fatalf("server write: %v", err)
	}
	drainInput(t, b)
	if len(rec.events) != 0 {
		t.Errorf("events = %v, want none for garbage", rec.types())
	}
	if b.State() != cloud.StateReady {
		t.Errorf("State() = %v, want READY after garbage", b.State())
	}

	// The session still correlates normally afterwards.
	srv.reply(addr, req.Token, []byte("ok"))
	pollUntil(t, b, rec, 1)
	if rec.events[0].Type != cloud.EventDataReceived {
		t.Errorf("event = %v, want DATA_RECEIVED", rec.events[0].Type)
	}
}

func TestLifecycleErrors(t *testing.T) {
	t.Run("DoubleInit", func(t *testing.T) {
		b := NewBackend()
		cfg := &cloud.Config{Host: "cloud.test"}
		notifier := cloud.NewStandaloneNotifier(nil)

		if err := b.Init(cfg, notifier); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if err := b.Init(cfg, notifier); !errors.Is(err, cloud.ErrAlreadyInitialized) {
			t.Errorf("second Init() error = %v, want ErrAlreadyInitialized", err)
		}
	})

	t.Run("ConnectBeforeInit", func(t *testing.T) {
		b := NewBackend()
		if err := b.Connect(&cloud.Config{Host: "cloud.test"}); !errors.Is(err, cloud.ErrNotInitialized) {
			t.Errorf("Connect() error = %v, want ErrNotInitialized", err)
		}
	})

	t.Run("IdentityTooLong", func(t *testing.T) {
		b := NewBackend()
		cfg := &cloud.Config{
			Host:           "cloud.test",
			ClientID:       "this-identity-is-far-too-long",
			ClientIDMaxLen: 8,
		}
		err := b.Init(cfg, cloud.NewStandaloneNotifier(nil))
		if !errors.Is(err, cloud.ErrIdentityTooLong) {
			t.Errorf("Init() error = %v, want ErrIdentityTooLong", err)
		}
	})

	t.Run("NotConnected", func(t *testing.T) {
		b := NewBackend()
		if err := b.Init(&cloud.Config{Host: "cloud.test"}, cloud.NewStandaloneNotifier(nil)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if err := b.Send(cloud.Message{Payload: []byte("x")}); !errors.Is(err, cloud.ErrNotConnected) {
			t.Errorf("Send() error = %v, want ErrNotConnected", err)
		}
		if err := b.Ping(); !errors.Is(err, cloud.ErrNotConnected) {
			t.Errorf("Ping() error = %v, want ErrNotConnected", err)
		}
		if err := b.Input(); !errors.Is(err, cloud.ErrNotConnected) {
			t.Errorf("Input() error = %v, want ErrNotConnected", err)
		}
		if err := b.Disconnect(); !errors.Is(err, cloud.ErrNotConnected) {
			t.Errorf("Disconnect() error = %v, want ErrNotConnected", err)
		}
	})
}

func TestDisconnect(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b, _ := connectedBackend(t, srv, rec)
	rec.events = nil

	if err := b.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if b.State() != cloud.StateDisconnected {
		t.Errorf("State() = %v, want DISCONNECTED", b.State())
	}
	if len(rec.events) != 1 || rec.events[0].Type != cloud.EventDisconnected {
		t.Errorf("events = %v, want [DISCONNECTED]", rec.types())
	}

	// A torn-down session permits a fresh Connect attempt.
	reconnectCfg := &cloud.Config{Host: "cloud.test", Port: int(srv.port())}
	if err := b.Connect(reconnectCfg); err != nil {
		t.Fatalf("reconnect after Disconnect failed: %v", err)
	}
}

func TestConnectWhileConnected(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b, cfg := connectedBackend(t, srv, rec)

	if err := b.Connect(cfg); !errors.Is(err, cloud.ErrAlreadyConnected) {
		t.Errorf("Connect() on a live session error = %v, want ErrAlreadyConnected", err)
	}
}

func TestKeepaliveTimeLeft(t *testing.T) {
	srv := newTestServer(t)
	rec := &eventRecorder{}
	b, _ := connectedBackend(t, srv, rec)

	left := b.KeepaliveTimeLeft()
	if left <= 0 || left > cloud.DefaultKeepaliveSeconds*time.Second {
		t.Errorf("KeepaliveTimeLeft() = %v, want within (0, default]", left)
	}
}

// drainInput polls long enough for any pending datagram to be consumed.
func drainInput(t *testing.T, b *Backend) {
	t.Helper()
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := b.Input(); err != nil {
			t.Fatalf("Input() error = %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
