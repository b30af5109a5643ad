package coap

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/pion/dtls/v2"

	"github.com/uplink-protocol/uplink-go/pkg/cloud"
	"github.com/uplink-protocol/uplink-go/pkg/credentials"
	"github.com/uplink-protocol/uplink-go/pkg/resolve"
	"github.com/uplink-protocol/uplink-go/pkg/trace"
)

// BackendName is the registry name of the datagram backend.
const BackendName = "coap"

// Default server ports.
const (
	// DefaultPort is the plaintext CoAP port.
	DefaultPort = 5683

	// DefaultSecuredPort is the DTLS-secured CoAP port.
	DefaultSecuredPort = 5684
)

// tokenSize is the serialized width of the correlation token on requests.
// Pings carry a zero-length token instead.
const tokenSize = 2

// Backend is the datagram (CoAP over UDP/DTLS) implementation of
// cloud.Backend. Single-threaded by contract; no internal locking.
type Backend struct {
	initialized bool
	notifier    cloud.Notifier
	resolver    *resolve.Resolver
	tracer      trace.Logger

	family    resolve.Family
	host      string
	port      uint16
	resource  string
	keepalive time.Duration
	rxSize    int
	txSize    int

	security cloud.SecuritySpec
	store    credentials.Store

	state   cloud.State
	session *session
}

// session is the live connection state. It is created by Connect and fully
// reconstructed, never reset in place, for every attempt.
type session struct {
	id     string
	remote netip.AddrPort
	conn   net.Conn
	raw    *net.UDPConn

	rxBuf []byte
	txBuf []byte

	// token is the single in-flight correlation token. Zero is the
	// distinguished "no pending request" marker set by Ping.
	token uint16

	lastSend time.Time
}

// NewBackend creates an uninitialized datagram backend.
func NewBackend() *Backend {
	return &Backend{
		resolver: resolve.New(),
		tracer:   trace.NoopLogger{},
		state:    cloud.StateIdle,
	}
}

// Factory returns a cloud.Factory constructing datagram backends, for use
// with a cloud.Registry.
func Factory() cloud.Factory {
	return func() cloud.Backend { return NewBackend() }
}

// Name returns the registry name.
func (b *Backend) Name() string { return BackendName }

// State returns the current session state.
func (b *Backend) State() cloud.State { return b.state }

// SetResolver overrides the hostname resolver. Must be called before
// Connect.
func (b *Backend) SetResolver(r *resolve.Resolver) { b.resolver = r }

// Init validates the configuration and registers the single observer.
// Must be called exactly once.
func (b *Backend) Init(cfg *cloud.Config, notifier cloud.Notifier) error {
	if b.initialized {
		return cloud.ErrAlreadyInitialized
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("coap init: %w", err)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if len(clientID) > cfg.ClientIDMaxLen {
		return fmt.Errorf("coap init: %w: %d > %d",
			cloud.ErrIdentityTooLong, len(clientID), cfg.ClientIDMaxLen)
	}

	b.resource = cfg.Resource
	if b.resource == "" {
		b.resource = clientID
	}

	family, err := resolve.ParseFamily(cfg.Family)
	if err != nil {
		return fmt.Errorf("coap init: %w", err)
	}

	b.family = family
	b.host = cfg.Host
	b.port = uint16(cfg.Port)
	b.keepalive = cfg.Keepalive()
	b.rxSize = cfg.RxBufferSize
	b.txSize = cfg.TxBufferSize
	b.security = cfg.Security
	b.store = cfg.Credentials
	if cfg.Trace != nil {
		b.tracer = cfg.Trace
	}

	b.notifier = notifier
	b.initialized = true
	return nil
}

// Connect resolves the server, associates the UDP socket (optionally
// through a DTLS handshake) and writes the live descriptor back into cfg.
// The protocol itself is connectionless, so Connected and Ready are
// emitted as a pair immediately after the socket association succeeds.
func (b *Backend) Connect(cfg *cloud.Config) error {
	if !b.initialized {
		return cloud.ErrNotInitialized
	}
	if b.session != nil {
		return cloud.ErrAlreadyConnected
	}

	// Security is attached now and immutable once connecting has begun.
	security, err := b.security.ResolveSecurity(b.host)
	if err != nil {
		return fmt.Errorf("coap connect: %w", err)
	}

	port := b.port
	if port == 0 {
		if _, secured := security.(cloud.Secured); secured {
			port = DefaultSecuredPort
		} else {
			port = DefaultPort
		}
	}

	b.setState("", cloud.StateResolving)
	remote, err := b.resolver.Resolve(context.Background(), b.host, port, b.family)
	if err != nil {
		b.setState("", cloud.StateError)
		return fmt.Errorf("coap connect: %w", err)
	}

	b.setState("", cloud.StateConnecting)

	network := "udp4"
	if b.family == resolve.IPv6 {
		network = "udp6"
	}
	udpAddr := net.UDPAddrFromAddrPort(remote)

	raw, err := net.DialUDP(network, nil, udpAddr)
	if err != nil {
		b.setState("", cloud.StateError)
		return fmt.Errorf("coap connect: %w: %v", cloud.ErrTransport, err)
	}

	conn := net.Conn(raw)
	if secured, ok := security.(cloud.Secured); ok {
		dcfg, err := credentials.DTLSConfig(b.store, secured.Tags, secured.ServerName, secured.Verify)
		if err != nil {
			raw.Close()
			b.setState("", cloud.StateError)
			return fmt.Errorf("coap connect: %w", err)
		}
		dconn, err := dtls.Client(raw, dcfg)
		if err != nil {
			raw.Close()
			b.setState("", cloud.StateError)
			return fmt.Errorf("coap connect: DTLS handshake: %w", err)
		}
		conn = dconn
	}

	sock, err := cloud.SocketDescriptor(raw)
	if err != nil {
		conn.Close()
		b.setState("", cloud.StateError)
		return fmt.Errorf("coap connect: %w", err)
	}

	sess := &session{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		raw:    raw,
		rxBuf:  make([]byte, b.rxSize),
		txBuf:  make([]byte, b.txSize),
		token:  uint16(rand.Uint32()),

		lastSend: time.Now(),
	}
	b.session = sess

	cfg.Socket = sock
	cfg.Conn = raw

	b.setState(sess.id, cloud.StateConnected)
	b.notify(cloud.Event{Type: cloud.EventConnected})
	b.setState(sess.id, cloud.StateReady)
	b.notify(cloud.Event{Type: cloud.EventReady})

	return nil
}

// Send transmits one payload as a non-confirmable PUT carrying the next
// correlation token and the configured resource as URI-Path.
//
// Sending a new request always increments and overwrites the in-flight
// token: a second send before a reply arrives abandons correlation with
// the first.
func (b *Backend) Send(msg cloud.Message) error {
	sess := b.session
	if sess == nil {
		return cloud.ErrNotConnected
	}

	sess.token++

	var token [tokenSize]byte
	binary.BigEndian.PutUint16(token[:], sess.token)

	builder, err := NewBuilder(sess.txBuf, NonConfirmable, CodePUT, NextMessageID(), token[:])
	if err != nil {
		return fmt.Errorf("coap send: %w: %v", cloud.ErrEncoding, err)
	}
	if err := builder.AppendOption(OptionURIPath, []byte(b.resource)); err != nil {
		return fmt.Errorf("coap send: %w: %v", cloud.ErrEncoding, err)
	}
	if err := builder.AppendPayloadMarker(); err != nil {
		return fmt.Errorf("coap send: %w: %v", cloud.ErrEncoding, err)
	}
	if err := builder.AppendPayload(msg.Payload); err != nil {
		return fmt.Errorf("coap send: %w: %v", cloud.ErrEncoding, err)
	}

	return b.write(builder.Bytes())
}

// Ping sends an empty confirmable message with a zero-length token and
// resets the correlation token to the "no pending request" marker.
func (b *Backend) Ping() error {
	sess := b.session
	if sess == nil {
		return cloud.ErrNotConnected
	}

	sess.token = 0

	builder, err := NewBuilder(sess.txBuf, Confirmable, CodeEmpty, NextMessageID(), nil)
	if err != nil {
		return fmt.Errorf("coap ping: %w: %v", cloud.ErrEncoding, err)
	}

	return b.write(builder.Bytes())
}

// Input polls for one pending datagram. Non-blocking: returns nil with no
// event when nothing is pending. Malformed datagrams and correlation
// misses are discarded without error; socket faults surface as EventError
// because the protocol has no peer-initiated disconnect to distinguish
// from packet loss.
func (b *Backend) Input() error {
	sess := b.session
	if sess == nil {
		return cloud.ErrNotConnected
	}

	if err := sess.conn.SetReadDeadline(time.Now().Add(cloud.PollDeadline)); err != nil {
		return fmt.Errorf("coap input: %w: %v", cloud.ErrTransport, err)
	}
	n, err := sess.conn.Read(sess.rxBuf)
	if err != nil {
		if cloud.IsPollTimeout(err) {
			return nil
		}
		b.trace(trace.Event{Error: &trace.ErrorEvent{Message: err.Error()}})
		b.notify(cloud.Event{Type: cloud.EventError, Err: err})
		return fmt.Errorf("coap input: %w: %v", cloud.ErrTransport, err)
	}
	if n == 0 {
		return nil
	}

	b.trace(trace.Event{
		Direction: trace.DirectionIn,
		Frame:     trace.NewFrameEvent(sess.rxBuf[:n]),
	})

	reply, err := Parse(sess.rxBuf[:n])
	if err != nil {
		// A single bad datagram must not tear down the session.
		b.trace(trace.Event{Error: &trace.ErrorEvent{Message: err.Error()}})
		return nil
	}

	// "Not mine" filter: wrong token length or value is a normal
	// correlation miss, discarded without an event.
	if len(reply.Token) != tokenSize {
		return nil
	}
	if binary.BigEndian.Uint16(reply.Token) != sess.token {
		return nil
	}

	if reply.Payload != nil {
		b.notify(cloud.Event{Type: cloud.EventDataReceived, Payload: reply.Payload})
	}
	return nil
}

// Disconnect closes the socket and tears the session down.
func (b *Backend) Disconnect() error {
	sess := b.session
	if sess == nil {
		return cloud.ErrNotConnected
	}

	err := sess.conn.Close()
	b.session = nil
	b.setState(sess.id, cloud.StateDisconnected)
	b.notify(cloud.Event{Type: cloud.EventDisconnected})

	if err != nil {
		return fmt.Errorf("coap disconnect: %w: %v", cloud.ErrTransport, err)
	}
	return nil
}

// KeepaliveTimeLeft reports how long until the keepalive interval expires
// with no traffic sent.
func (b *Backend) KeepaliveTimeLeft() time.Duration {
	sess := b.session
	if sess == nil {
		return 0
	}
	left := b.keepalive - time.Since(sess.lastSend)
	if left < 0 {
		return 0
	}
	return left
}

// write sends an encoded message and records the send time.
func (b *Backend) write(data []byte) error {
	sess := b.session

	if _, err := sess.conn.Write(data); err != nil {
		b.notify(cloud.Event{Type: cloud.EventError, Err: err})
		return fmt.Errorf("coap write: %w: %v", cloud.ErrTransport, err)
	}
	sess.lastSend = time.Now()

	b.trace(trace.Event{
		Direction: trace.DirectionOut,
		Frame:     trace.NewFrameEvent(data),
	})
	return nil
}

// notify delivers an event to the registered observer, if any.
func (b *Backend) notify(evt cloud.Event) {
	if b.notifier != nil {
		b.notifier.Notify(evt)
	}
}

// setState transitions the session state and records the transition.
func (b *Backend) setState(sessionID string, next cloud.State) {
	prev := b.state
	b.state = next
	b.trace(trace.Event{
		SessionID:   sessionID,
		StateChange: &trace.StateChangeEvent{From: prev.String(), To: next.String()},
	})
}

// trace records a capture event with session context filled in.
func (b *Backend) trace(evt trace.Event) {
	evt.Timestamp = time.Now()
	evt.Backend = BackendName
	if sess := b.session; sess != nil {
		if evt.SessionID == "" {
			evt.SessionID = sess.id
		}
		evt.RemoteAddr = sess.remote.String()
	}
	b.tracer.Log(evt)
}

// Compile-time interface satisfaction check.
var _ cloud.Backend = (*Backend)(nil)
