package mqtt

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/google/uuid"

	"github.com/uplink-protocol/uplink-go/pkg/cloud"
	"github.com/uplink-protocol/uplink-go/pkg/credentials"
	"github.com/uplink-protocol/uplink-go/pkg/resolve"
	"github.com/uplink-protocol/uplink-go/pkg/trace"
)

// BackendName is the registry name of the stream backend.
const BackendName = "mqtt"

// Default broker ports.
const (
	// DefaultPort is the plaintext MQTT port.
	DefaultPort = 1883

	// DefaultSecuredPort is the TLS-secured MQTT port.
	DefaultSecuredPort = 8883
)

// protocolLevel is the MQTT 3.1.1 protocol level.
const protocolLevel = 0x04

// Backend is the stream (MQTT over TCP/TLS) implementation of
// cloud.Backend. Single-threaded by contract; no internal locking.
type Backend struct {
	initialized bool
	notifier    cloud.Notifier
	resolver    *resolve.Resolver
	tracer      trace.Logger

	family    resolve.Family
	host      string
	port      uint16
	keepalive time.Duration
	rxSize    int
	txSize    int
	paySize   int

	clientID     string
	messageTopic string
	updateTopic  string

	security cloud.SecuritySpec
	store    credentials.Store

	state   cloud.State
	session *session
}

// session is the live connection state. It is created by Connect and fully
// reconstructed, never reset in place, for every attempt.
//
// rxBuf accumulates stream bytes across polls: a frame cut short by the
// poll deadline stays buffered and resumes on a later Input instead of
// desynchronizing the stream.
type session struct {
	id     string
	remote netip.AddrPort
	conn   net.Conn
	raw    *net.TCPConn

	rxBuf      []byte
	rxLen      int
	payloadBuf []byte

	lastSend time.Time
}

// NewBackend creates an uninitialized stream backend.
func NewBackend() *Backend {
	return &Backend{
		resolver: resolve.New(),
		tracer:   trace.NoopLogger{},
		state:    cloud.StateIdle,
	}
}

// Factory returns a cloud.Factory constructing stream backends, for use
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

// Init validates the configuration, derives the client identity and topic
// names, and registers the single observer. Must be called exactly once.
// An identity over the configured bound fails here, before any topic state
// becomes visible.
func (b *Backend) Init(cfg *cloud.Config, notifier cloud.Notifier) error {
	if b.initialized {
		return cloud.ErrAlreadyInitialized
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("mqtt init: %w", err)
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if len(clientID) > cfg.ClientIDMaxLen {
		return fmt.Errorf("mqtt init: %w: %d > %d",
			cloud.ErrIdentityTooLong, len(clientID), cfg.ClientIDMaxLen)
	}

	messageTopic := cfg.MessageTopic
	if messageTopic == "" {
		messageTopic = clientID
	}
	updateTopic := cfg.UpdateTopic
	if updateTopic == "" {
		updateTopic = clientID + "/update"
	}

	family, err := resolve.ParseFamily(cfg.Family)
	if err != nil {
		return fmt.Errorf("mqtt init: %w", err)
	}

	b.clientID = clientID
	b.messageTopic = messageTopic
	b.updateTopic = updateTopic
	b.family = family
	b.host = cfg.Host
	b.port = uint16(cfg.Port)
	b.keepalive = cfg.Keepalive()
	b.rxSize = cfg.RxBufferSize
	b.txSize = cfg.TxBufferSize
	b.paySize = cfg.PayloadBufferSize
	b.security = cfg.Security
	b.store = cfg.Credentials
	if cfg.Trace != nil {
		b.tracer = cfg.Trace
	}

	b.notifier = notifier
	b.initialized = true
	return nil
}

// Connect resolves the broker, dials TCP (optionally upgrading to TLS),
// sends the CONNECT handshake and writes the live descriptor back into
// cfg. The session stays in Connecting until the broker's CONNACK is seen
// by Input; Connected and Ready are emitted there as a pair.
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
		return fmt.Errorf("mqtt connect: %w", err)
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
		return fmt.Errorf("mqtt connect: %w", err)
	}

	b.setState("", cloud.StateConnecting)

	network := "tcp4"
	if b.family == resolve.IPv6 {
		network = "tcp6"
	}

	dialed, err := net.DialTimeout(network, remote.String(), 30*time.Second)
	if err != nil {
		b.setState("", cloud.StateError)
		return fmt.Errorf("mqtt connect: %w: %v", cloud.ErrTransport, err)
	}
	raw := dialed.(*net.TCPConn)

	conn := net.Conn(raw)
	if secured, ok := security.(cloud.Secured); ok {
		tcfg, err := credentials.TLSConfig(b.store, secured.Tags, secured.ServerName, secured.Verify)
		if err != nil {
			raw.Close()
			b.setState("", cloud.StateError)
			return fmt.Errorf("mqtt connect: %w", err)
		}
		tlsConn := tls.Client(raw, tcfg)
		if err := tlsConn.Handshake(); err != nil {
			raw.Close()
			b.setState("", cloud.StateError)
			return fmt.Errorf("mqtt connect: TLS handshake: %w", err)
		}
		conn = tlsConn
	}

	sock, err := cloud.SocketDescriptor(raw)
	if err != nil {
		conn.Close()
		b.setState("", cloud.StateError)
		return fmt.Errorf("mqtt connect: %w", err)
	}

	sess := &session{
		id:         uuid.NewString(),
		remote:     remote,
		conn:       conn,
		raw:        raw,
		rxBuf:      make([]byte, b.rxSize),
		payloadBuf: make([]byte, b.paySize),

		lastSend: time.Now(),
	}
	b.session = sess

	connect := &packets.Connect{
		ProtocolName:  []byte("MQTT"),
		ProtocolLevel: protocolLevel,
		CleanSession:  true,
		KeepAlive:     uint16(b.keepalive.Seconds()),
		ClientID:      []byte(b.clientID),
	}
	if err := b.write(connect); err != nil {
		conn.Close()
		b.session = nil
		b.setState("", cloud.StateError)
		return fmt.Errorf("mqtt connect: %w", err)
	}

	cfg.Socket = sock
	cfg.Conn = raw

	return nil
}

// Send publishes one message to the configured topic for its selector,
// with a random non-zero packet ID. The payload is borrowed for the
// duration of the call and must fit the transmit buffer.
func (b *Backend) Send(msg cloud.Message) error {
	sess := b.session
	if sess == nil {
		return cloud.ErrNotConnected
	}

	var topic string
	switch msg.Topic {
	case cloud.TopicMessage:
		topic = b.messageTopic
	case cloud.TopicUpdate:
		topic = b.updateTopic
	default:
		return fmt.Errorf("mqtt send: %w: %v", cloud.ErrUnknownTopic, msg.Topic)
	}

	if len(msg.Payload) > b.txSize {
		return fmt.Errorf("mqtt send: %w: payload %d > buffer %d",
			cloud.ErrBufferOverflow, len(msg.Payload), b.txSize)
	}

	qos := packets.QOS_0
	if msg.QoS == cloud.QoSAtLeastOnce {
		qos = packets.QOS_1
	}

	pub := &packets.Publish{
		Qos:       qos,
		TopicName: []byte(topic),
		PacketID:  packets.PacketID(nextPacketID()),
		Payload:   msg.Payload,
	}
	return b.write(pub)
}

// Ping sends a PINGREQ. Must be called on a cadence shorter than the
// negotiated keepalive interval.
func (b *Backend) Ping() error {
	if b.session == nil {
		return cloud.ErrNotConnected
	}
	return b.write(&packets.Pingreq{})
}

// Input polls for one pending inbound frame. Non-blocking: returns nil
// with no event when nothing is pending. Frames arriving in fragments stay
// buffered across polls until complete. A peer close enters Disconnected
// and emits the disconnected event; a malformed frame is fatal because the
// byte stream loses framing synchronization.
func (b *Backend) Input() error {
	sess := b.session
	if sess == nil {
		return cloud.ErrNotConnected
	}

	if sess.rxLen < len(sess.rxBuf) {
		if err := sess.conn.SetReadDeadline(time.Now().Add(cloud.PollDeadline)); err != nil {
			return fmt.Errorf("mqtt input: %w: %v", cloud.ErrTransport, err)
		}
		n, err := sess.conn.Read(sess.rxBuf[sess.rxLen:])
		sess.rxLen += n
		if err != nil && n == 0 {
			switch {
			case cloud.IsPollTimeout(err):
				// Nothing new; a buffered frame may still be parseable.
			case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
				b.teardown(cloud.StateDisconnected)
				b.notify(cloud.Event{Type: cloud.EventDisconnected})
				return nil
			default:
				b.teardown(cloud.StateError)
				b.notify(cloud.Event{Type: cloud.EventError, Err: err})
				return fmt.Errorf("mqtt input: %w: %v", cloud.ErrTransport, err)
			}
		}
	}

	total, err := frameLen(sess.rxBuf[:sess.rxLen])
	if err != nil {
		b.teardown(cloud.StateError)
		b.notify(cloud.Event{Type: cloud.EventError, Err: err})
		return fmt.Errorf("mqtt input: %w: %v", cloud.ErrProtocol, err)
	}
	if total > len(sess.rxBuf) {
		// The frame can never complete inside the fixed receive buffer.
		err := fmt.Errorf("frame size %d exceeds receive buffer %d", total, len(sess.rxBuf))
		b.teardown(cloud.StateError)
		b.notify(cloud.Event{Type: cloud.EventError, Err: err})
		return fmt.Errorf("mqtt input: %w: %v", cloud.ErrBufferOverflow, err)
	}
	if total == 0 || total > sess.rxLen {
		// Partial frame; resume on a later poll.
		return nil
	}

	frame := sess.rxBuf[:total]
	b.trace(trace.Event{
		Direction: trace.DirectionIn,
		Frame:     trace.NewFrameEvent(frame),
	})

	pkt, err := packets.NewReader(bytes.NewReader(frame)).ReadPacket()
	if err != nil {
		b.teardown(cloud.StateError)
		b.notify(cloud.Event{Type: cloud.EventError, Err: err})
		return fmt.Errorf("mqtt input: %w: %v", cloud.ErrProtocol, err)
	}
	sess.rxLen = copy(sess.rxBuf, sess.rxBuf[total:sess.rxLen])

	return b.handlePacket(sess, pkt)
}

// frameLen returns the full length of the first packet in buf, or zero
// while the fixed header is still incomplete.
func frameLen(buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, nil
	}
	rem, mul := 0, 1
	for i := 1; ; i++ {
		if i >= len(buf) {
			return 0, nil
		}
		if i > 4 {
			return 0, errors.New("remaining length exceeds 4 bytes")
		}
		d := buf[i]
		rem += int(d&0x7f) * mul
		mul *= 128
		if d&0x80 == 0 {
			return 1 + i + rem, nil
		}
	}
}

// handlePacket dispatches one inbound packet.
func (b *Backend) handlePacket(sess *session, pkt packets.Packet) error {
	switch p := pkt.(type) {
	case *packets.Connack:
		return b.handleConnack(sess, p)

	case *packets.Publish:
		return b.handlePublish(sess, p)

	case *packets.Puback, *packets.Suback, *packets.Pingresp:
		// Acknowledgements carry no payload; the frame trace in Input
		// already recorded them.
		return nil

	default:
		// Unexpected but well-formed packet types are ignored.
		return nil
	}
}

// handleConnack completes the handshake: Connected and Ready are emitted
// back-to-back, then the update topic subscription is placed.
func (b *Backend) handleConnack(sess *session, ack *packets.Connack) error {
	if ack.Code != packets.CodeAccepted {
		err := fmt.Errorf("mqtt connack: refused with code %d", ack.Code)
		b.teardown(cloud.StateError)
		b.notify(cloud.Event{Type: cloud.EventError, Err: err})
		return err
	}

	b.setState(sess.id, cloud.StateConnected)
	b.notify(cloud.Event{Type: cloud.EventConnected})
	b.setState(sess.id, cloud.StateReady)
	b.notify(cloud.Event{Type: cloud.EventReady})

	sub := &packets.Subscribe{
		PacketID: packets.PacketID(nextPacketID()),
		Topics: []packets.Topic{
			{Name: b.updateTopic, Qos: packets.QOS_1},
		},
	}
	if err := b.write(sub); err != nil {
		return fmt.Errorf("mqtt subscribe: %w", err)
	}
	return nil
}

// handlePublish copies the payload into the fixed payload buffer, acks
// QoS-1 publishes synchronously, and routes the payload view to the
// observer. The view is valid only until the next Input call.
func (b *Backend) handlePublish(sess *session, p *packets.Publish) error {
	payload, err := readPayload(sess.payloadBuf, p.Payload)
	if err != nil {
		return fmt.Errorf("mqtt input: %w", err)
	}

	if p.Qos == packets.QOS_1 {
		ack := &packets.Puback{PacketID: p.PacketID}
		if err := b.write(ack); err != nil {
			return fmt.Errorf("mqtt puback: %w", err)
		}
	}

	evt := cloud.Event{Type: cloud.EventDataReceived, Payload: payload}
	if string(p.TopicName) == b.updateTopic {
		evt.Type = cloud.EventUpdateRequest
	}
	b.notify(evt)
	return nil
}

// Disconnect sends the DISCONNECT packet, closes the connection and tears
// the session down.
func (b *Backend) Disconnect() error {
	sess := b.session
	if sess == nil {
		return cloud.ErrNotConnected
	}

	// Best effort; the close below is what matters.
	_ = b.write(&packets.Disconnect{})

	err := sess.conn.Close()
	b.session = nil
	b.setState(sess.id, cloud.StateDisconnected)
	b.notify(cloud.Event{Type: cloud.EventDisconnected})

	if err != nil {
		return fmt.Errorf("mqtt disconnect: %w: %v", cloud.ErrTransport, err)
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

// write packs one packet onto the connection and records the send time.
func (b *Backend) write(pkt packets.Packet) error {
	sess := b.session

	// Clear the poll deadline so the write isn't cut short.
	_ = sess.conn.SetWriteDeadline(time.Time{})

	if err := pkt.Pack(sess.conn); err != nil {
		b.notify(cloud.Event{Type: cloud.EventError, Err: err})
		return fmt.Errorf("mqtt write: %w: %v", cloud.ErrTransport, err)
	}
	sess.lastSend = time.Now()

	b.trace(trace.Event{Direction: trace.DirectionOut})
	return nil
}

// teardown closes and drops the session, entering the given state.
func (b *Backend) teardown(state cloud.State) {
	sess := b.session
	if sess == nil {
		return
	}
	sess.conn.Close()
	b.session = nil
	b.setState(sess.id, state)
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

// nextPacketID returns a random non-zero packet ID.
func nextPacketID() uint16 {
	for {
		if id := uint16(rand.Uint32()); id != 0 {
			return id
		}
	}
}

// Compile-time interface satisfaction check.
var _ cloud.Backend = (*Backend)(nil)
