// Package credentials resolves opaque security tags into transport
// credential material. The physical provisioned storage is external; this
// package defines the lookup contract, an in-memory store for tests and
// tooling, and helpers that turn a tag list into TLS or DTLS client
// configuration.
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/dtls/v2"
)

// Store errors.
var (
	ErrTagNotFound   = errors.New("security tag not found")
	ErrNoCredentials = errors.New("no usable credentials for tag list")
)

// Tag is an opaque reference to a pre-provisioned credential set.
type Tag uint32

// VerifyLevel is the peer-certificate-verification level.
type VerifyLevel int

const (
	// VerifyNone skips peer verification.
	VerifyNone VerifyLevel = iota

	// VerifyOptional verifies the peer certificate when one is presented
	// but does not fail the handshake on verification errors.
	VerifyOptional

	// VerifyRequired fails the handshake unless the peer certificate
	// verifies against the tag's CA material.
	VerifyRequired
)

// String returns the verify level name.
func (v VerifyLevel) String() string {
	switch v {
	case VerifyNone:
		return "NONE"
	case VerifyOptional:
		return "OPTIONAL"
	case VerifyRequired:
		return "REQUIRED"
	default:
		return "UNKNOWN"
	}
}

// Credential is the material provisioned under one tag. Either the
// certificate fields (PEM) or the PSK fields are populated.
type Credential struct {
	// CACert is the PEM-encoded CA certificate for peer verification.
	CACert []byte

	// ClientCert and ClientKey are the PEM-encoded client certificate
	// and private key.
	ClientCert []byte
	ClientKey  []byte

	// PSKIdentity and PSK are the pre-shared key pair (datagram backend).
	PSKIdentity string
	PSK         []byte
}

// Store resolves tags to credential material.
type Store interface {
	// Lookup returns the credential provisioned under the tag.
	Lookup(tag Tag) (Credential, error)
}

// MemoryStore is an in-memory Store, safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[Tag]Credential
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[Tag]Credential)}
}

// Provision stores a credential under the tag, replacing any existing one.
func (s *MemoryStore) Provision(tag Tag, cred Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[tag] = cred
}

// Lookup returns the credential provisioned under the tag.
func (s *MemoryStore) Lookup(tag Tag) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.creds[tag]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %d", ErrTagNotFound, tag)
	}
	return cred, nil
}

// Compile-time interface satisfaction check.
var _ Store = (*MemoryStore)(nil)

// TLSConfig builds a TLS client configuration from the tag list for the
// stream backend.
func TLSConfig(store Store, tags []Tag, serverName string, verify VerifyLevel) (*tls.Config, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store not configured")
	}

	pool := x509.NewCertPool()
	var certs []tls.Certificate
	var havePool bool

	for _, tag := range tags {
		cred, err := store.Lookup(tag)
		if err != nil {
			return nil, err
		}
		if len(cred.CACert) > 0 {
			if pool.AppendCertsFromPEM(cred.CACert) {
				havePool = true
			}
		}
		if len(cred.ClientCert) > 0 && len(cred.ClientKey) > 0 {
			cert, err := tls.X509KeyPair(cred.ClientCert, cred.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("tag %d: %w", tag, err)
			}
			certs = append(certs, cert)
		}
	}

	if !havePool && len(certs) == 0 {
		return nil, ErrNoCredentials
	}

	cfg := &tls.Config{
		Certificates: certs,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}
	if havePool {
		cfg.RootCAs = pool
	}
	// Go offers no client-side "optional" verification; anything below
	// VerifyRequired disables chain validation.
	if verify != VerifyRequired {
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}

// DTLSConfig builds a DTLS 1.2 client configuration from the tag list for
// the datagram backend. A tag carrying a PSK selects PSK cipher suites;
// certificate material selects certificate-based suites.
func DTLSConfig(store Store, tags []Tag, serverName string, verify VerifyLevel) (*dtls.Config, error) {
	if store == nil {
		return nil, fmt.Errorf("credential store not configured")
	}

	pool := x509.NewCertPool()
	var certs []tls.Certificate
	var psk []byte
	var pskIdentity string
	var havePool bool

	for _, tag := range tags {
		cred, err := store.Lookup(tag)
		if err != nil {
			return nil, err
		}
		if len(cred.PSK) > 0 && psk == nil {
			psk = cred.PSK
			pskIdentity = cred.PSKIdentity
		}
		if len(cred.CACert) > 0 {
			if pool.AppendCertsFromPEM(cred.CACert) {
				havePool = true
			}
		}
		if len(cred.ClientCert) > 0 && len(cred.ClientKey) > 0 {
			cert, err := tls.X509KeyPair(cred.ClientCert, cred.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("tag %d: %w", tag, err)
			}
			certs = append(certs, cert)
		}
	}

	cfg := &dtls.Config{
		ServerName:           serverName,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
	}

	switch {
	case psk != nil:
		key := psk
		cfg.PSK = func(hint []byte) ([]byte, error) { return key, nil }
		cfg.PSKIdentityHint = []byte(pskIdentity)
		cfg.CipherSuites = []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256}
	case havePool || len(certs) > 0:
		cfg.Certificates = certs
		if havePool {
			cfg.RootCAs = pool
		}
	default:
		return nil, ErrNoCredentials
	}

	if verify != VerifyRequired {
		cfg.InsecureSkipVerify = true
	}
	return cfg, nil
}
