package cloud

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/uplink-protocol/uplink-go/pkg/credentials"
	"github.com/uplink-protocol/uplink-go/pkg/trace"
)

// Configuration defaults.
const (
	// DefaultClientIDMaxLen bounds the client/session identifier.
	DefaultClientIDMaxLen = 64

	// DefaultRxBufferSize is the receive scratch buffer size.
	DefaultRxBufferSize = 2048

	// DefaultTxBufferSize is the transmit scratch buffer size.
	DefaultTxBufferSize = 2048

	// DefaultPayloadBufferSize is the inbound payload buffer size.
	DefaultPayloadBufferSize = 2048

	// DefaultKeepaliveSeconds is the negotiated keepalive interval.
	DefaultKeepaliveSeconds = 1200
)

// Config carries the connection parameters for a backend.
//
// Socket and Conn are outputs: Connect writes the live socket descriptor
// and connection back so the embedding application can register them with
// its own readiness-polling mechanism.
type Config struct {
	// Host is the broker/server hostname. Required, non-empty.
	Host string `yaml:"host" env:"UPLINK_HOST"`

	// Port is the broker/server port. Zero selects the backend default
	// (8883/1883 for the stream backend, 5684/5683 for the datagram one,
	// secured/plaintext respectively).
	Port int `yaml:"port" env:"UPLINK_PORT"`

	// Family is the address-family preference: "ipv4" (default) or
	// "ipv6". The two are mutually exclusive per session.
	Family string `yaml:"family" env:"UPLINK_FAMILY"`

	// ClientID is the client/session identifier, also used for default
	// topic naming. Empty selects a generated identity.
	ClientID string `yaml:"client_id" env:"UPLINK_CLIENT_ID"`

	// ClientIDMaxLen bounds ClientID. An identity longer than this is a
	// hard Init failure.
	ClientIDMaxLen int `yaml:"client_id_max_len" env:"UPLINK_CLIENT_ID_MAX_LEN"`

	// Security selects plaintext or TLS/DTLS transport security.
	Security SecuritySpec `yaml:"security"`

	// RxBufferSize, TxBufferSize and PayloadBufferSize size the fixed
	// session scratch buffers.
	RxBufferSize      int `yaml:"rx_buffer_size" env:"UPLINK_RX_BUFFER_SIZE"`
	TxBufferSize      int `yaml:"tx_buffer_size" env:"UPLINK_TX_BUFFER_SIZE"`
	PayloadBufferSize int `yaml:"payload_buffer_size" env:"UPLINK_PAYLOAD_BUFFER_SIZE"`

	// KeepaliveSeconds is the keepalive interval negotiated with the
	// peer. The caller must Ping on a shorter cadence.
	KeepaliveSeconds int `yaml:"keepalive_seconds" env:"UPLINK_KEEPALIVE_SECONDS"`

	// MessageTopic and UpdateTopic override the derived topic/resource
	// names. Empty derives them from the client identity.
	MessageTopic string `yaml:"message_topic" env:"UPLINK_MESSAGE_TOPIC"`
	UpdateTopic  string `yaml:"update_topic" env:"UPLINK_UPDATE_TOPIC"`

	// Resource is the datagram backend's URI-path resource name.
	// Empty derives it from the client identity.
	Resource string `yaml:"resource" env:"UPLINK_RESOURCE"`

	// Credentials resolves security tags to credential material.
	// Required when Security selects a secured mode.
	Credentials credentials.Store `yaml:"-"`

	// Trace captures protocol events; nil disables capture.
	Trace trace.Logger `yaml:"-"`

	// Socket is the platform socket descriptor of the live connection,
	// populated by Connect.
	Socket int `yaml:"-"`

	// Conn is the live connection, populated by Connect.
	Conn net.Conn `yaml:"-"`
}

// SecuritySpec is the serializable form of the transport security choice.
// It is resolved once, at session construction, into a Security value and
// is immutable once connecting has begun.
type SecuritySpec struct {
	// Mode is "plaintext" (or empty) or "secured".
	Mode string `yaml:"mode" env:"UPLINK_SECURITY_MODE"`

	// Tags reference pre-provisioned credential sets.
	Tags []uint32 `yaml:"tags"`

	// Verify is the peer-certificate-verification level:
	// "none", "optional" or "required" (default).
	Verify string `yaml:"verify" env:"UPLINK_SECURITY_VERIFY"`

	// ServerName overrides the hostname used for certificate validation.
	ServerName string `yaml:"server_name" env:"UPLINK_SECURITY_SERVER_NAME"`
}

// Security is the resolved transport security variant: Plaintext or Secured.
type Security interface {
	security()
}

// Plaintext disables transport security.
type Plaintext struct{}

func (Plaintext) security() {}

// Secured enables TLS (stream) or DTLS (datagram) using the referenced
// credential tags.
type Secured struct {
	// Tags reference pre-provisioned credential sets.
	Tags []credentials.Tag

	// Verify is the peer verification level.
	Verify credentials.VerifyLevel

	// ServerName is the name used for certificate validation.
	ServerName string
}

func (Secured) security() {}

// ResolveSecurity resolves the spec into a Security variant. The host is
// the certificate-validation fallback when no server name is configured.
func (s SecuritySpec) ResolveSecurity(host string) (Security, error) {
	switch s.Mode {
	case "", "plaintext", "none":
		return Plaintext{}, nil
	case "secured", "tls", "dtls":
		verify := credentials.VerifyRequired
		switch s.Verify {
		case "", "required":
		case "optional":
			verify = credentials.VerifyOptional
		case "none":
			verify = credentials.VerifyNone
		default:
			return nil, fmt.Errorf("invalid verify level %q", s.Verify)
		}

		if len(s.Tags) == 0 {
			return nil, fmt.Errorf("secured mode requires at least one security tag")
		}
		tags := make([]credentials.Tag, len(s.Tags))
		for i, t := range s.Tags {
			tags[i] = credentials.Tag(t)
		}

		serverName := s.ServerName
		if serverName == "" {
			serverName = host
		}
		return Secured{Tags: tags, Verify: verify, ServerName: serverName}, nil
	default:
		return nil, fmt.Errorf("invalid security mode %q", s.Mode)
	}
}

// LoadConfig reads a YAML config file and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := envdecode.Decode(&cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Family == "" {
		c.Family = "ipv4"
	}
	if c.ClientIDMaxLen == 0 {
		c.ClientIDMaxLen = DefaultClientIDMaxLen
	}
	if c.RxBufferSize == 0 {
		c.RxBufferSize = DefaultRxBufferSize
	}
	if c.TxBufferSize == 0 {
		c.TxBufferSize = DefaultTxBufferSize
	}
	if c.PayloadBufferSize == 0 {
		c.PayloadBufferSize = DefaultPayloadBufferSize
	}
	if c.KeepaliveSeconds == 0 {
		c.KeepaliveSeconds = DefaultKeepaliveSeconds
	}
}

// Validate checks the configuration for hard errors.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host must not be empty")
	}
	if c.Family != "ipv4" && c.Family != "ipv6" && c.Family != "" {
		return fmt.Errorf("invalid address family %q", c.Family)
	}
	if c.ClientIDMaxLen > 0 && len(c.ClientID) > c.ClientIDMaxLen {
		return fmt.Errorf("%w: %d > %d", ErrIdentityTooLong, len(c.ClientID), c.ClientIDMaxLen)
	}
	if _, err := c.Security.ResolveSecurity(c.Host); err != nil {
		return fmt.Errorf("security: %w", err)
	}
	return nil
}

// Keepalive returns the keepalive interval as a duration.
func (c *Config) Keepalive() time.Duration {
	if c.KeepaliveSeconds <= 0 {
		return DefaultKeepaliveSeconds * time.Second
	}
	return time.Duration(c.KeepaliveSeconds) * time.Second
}
