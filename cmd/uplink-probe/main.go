// Command uplink-probe exercises a cloud backend against a live broker or
// server from the command line.
//
// It connects the selected backend, publishes an optional payload on a
// fixed interval, polls for inbound traffic, pings inside the keepalive
// window and reconnects with backoff when the session drops.
//
// Usage:
//
//	uplink-probe [flags]
//
// Flags:
//
//	-backend string     Backend to probe: mqtt, coap (default "mqtt")
//	-config string      Path to YAML config file
//	-host string        Server hostname (overrides config)
//	-port int           Server port (0 selects the backend default)
//	-family string      Address family: ipv4, ipv6 (default "ipv4")
//	-client-id string   Client identity (default: generated)
//	-secured            Enable TLS/DTLS using security tag 1
//	-ca string          Path to a PEM CA certificate for tag 1
//	-psk-id string      DTLS PSK identity for tag 1
//	-psk string         DTLS pre-shared key for tag 1, hex encoded
//	-send string        Payload to publish on each interval
//	-interval duration  Publish interval (default 10s)
//	-count int          Number of publishes before exiting (0 = forever)
//	-trace string       File path for protocol event capture (CBOR format)
//	-verbose            Enable debug logging
//
// Examples:
//
//	# Poll an MQTT broker at test.mosquitto.org
//	uplink-probe -backend mqtt -host test.mosquitto.org
//
//	# Publish a payload every 5 seconds over DTLS
//	uplink-probe -backend coap -host example.com -secured \
//	    -psk-id device-1 -psk 73656372657400 -send hello -interval 5s
//
//	# Capture the session for later inspection with uplink-trace
//	uplink-probe -backend mqtt -host broker.local -trace session.utrace
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/uplink-protocol/uplink-go/pkg/cloud"
	"github.com/uplink-protocol/uplink-go/pkg/coap"
	"github.com/uplink-protocol/uplink-go/pkg/connection"
	"github.com/uplink-protocol/uplink-go/pkg/credentials"
	"github.com/uplink-protocol/uplink-go/pkg/mqtt"
	"github.com/uplink-protocol/uplink-go/pkg/trace"
)

var (
	backendName = flag.String("backend", mqtt.BackendName, "Backend to probe: mqtt, coap")
	configPath  = flag.String("config", "", "Path to YAML config file")
	host        = flag.String("host", "", "Server hostname (overrides config)")
	port        = flag.Int("port", 0, "Server port (0 selects the backend default)")
	family      = flag.String("family", "", "Address family: ipv4, ipv6")
	clientID    = flag.String("client-id", "", "Client identity (default: generated)")
	secured     = flag.Bool("secured", false, "Enable TLS/DTLS using security tag 1")
	caPath      = flag.String("ca", "", "Path to a PEM CA certificate for tag 1")
	pskIdentity = flag.String("psk-id", "", "DTLS PSK identity for tag 1")
	pskHex      = flag.String("psk", "", "DTLS pre-shared key for tag 1, hex encoded")
	sendPayload = flag.String("send", "", "Payload to publish on each interval")
	interval    = flag.Duration("interval", 10*time.Second, "Publish interval")
	count       = flag.Int("count", 0, "Number of publishes before exiting (0 = forever)")
	tracePath   = flag.String("trace", "", "File path for protocol event capture (CBOR format)")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
)

// pollInterval is the cadence of the Input poll loop.
const pollInterval = 50 * time.Millisecond

// pingMargin is how far before keepalive expiry the probe pings.
const pingMargin = 30 * time.Second

func main() {
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()
	if *verbose {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	cfg, err := buildConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration")
	}

	var tracer *trace.FileLogger
	if *tracePath != "" {
		tracer, err = trace.NewFileLogger(*tracePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("trace capture")
		}
		defer tracer.Close()
		cfg.Trace = tracer
		logger.Info().Str("path", *tracePath).Msg("capturing protocol events")
	}

	registry := cloud.NewRegistry()
	if err := registry.Register(mqtt.BackendName, mqtt.Factory()); err != nil {
		logger.Fatal().Err(err).Msg("register mqtt backend")
	}
	if err := registry.Register(coap.BackendName, coap.Factory()); err != nil {
		logger.Fatal().Err(err).Msg("register coap backend")
	}

	var ready bool
	registry.SetHandler(func(evt cloud.Event) {
		switch evt.Type {
		case cloud.EventConnected:
			logger.Info().Str("backend", evt.Backend).Msg("connected")
		case cloud.EventReady:
			ready = true
			logger.Info().Str("backend", evt.Backend).Msg("ready")
		case cloud.EventDisconnected:
			ready = false
			logger.Info().Str("backend", evt.Backend).Msg("disconnected")
		case cloud.EventDataReceived:
			logger.Info().Str("backend", evt.Backend).
				Int("bytes", len(evt.Payload)).
				Str("payload", string(evt.Payload)).
				Msg("data received")
		case cloud.EventUpdateRequest:
			logger.Info().Str("backend", evt.Backend).
				Int("bytes", len(evt.Payload)).
				Msg("update request")
		case cloud.EventError:
			ready = false
			logger.Error().Str("backend", evt.Backend).Err(evt.Err).Msg("backend error")
		}
	})

	backend, err := registry.Lookup(*backendName)
	if err != nil {
		logger.Fatal().Err(err).Strs("available", registry.Names()).Msg("backend lookup")
	}

	if err := backend.Init(cfg, registry.Notifier(*backendName)); err != nil {
		logger.Fatal().Err(err).Msg("backend init")
	}

	if err := backend.Connect(cfg); err != nil {
		logger.Fatal().Err(err).Msg("connect")
	}
	logger.Debug().Int("socket", cfg.Socket).Msg("socket descriptor")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	retrier := connection.NewRetrier()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	sent := 0
	nextSend := time.Now()
	for {
		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
			if backend.State() == cloud.StateReady || backend.State() == cloud.StateConnected {
				if err := backend.Disconnect(); err != nil {
					logger.Warn().Err(err).Msg("disconnect")
				}
			}
			return

		case now := <-ticker.C:
			switch backend.State() {
			case cloud.StateConnected, cloud.StateReady:
				if err := backend.Input(); err != nil {
					logger.Warn().Err(err).Msg("input")
					continue
				}
				retrier.Success()

				if backend.KeepaliveTimeLeft() <= pingMargin {
					if err := backend.Ping(); err != nil {
						logger.Warn().Err(err).Msg("ping")
					} else {
						logger.Debug().Msg("ping")
					}
				}

				if ready && *sendPayload != "" && !now.Before(nextSend) {
					msg := cloud.Message{
						Topic:   cloud.TopicMessage,
						Payload: []byte(*sendPayload),
						QoS:     cloud.QoSAtLeastOnce,
					}
					if err := backend.Send(msg); err != nil {
						logger.Warn().Err(err).Msg("send")
					} else {
						sent++
						logger.Info().Int("n", sent).Msg("published")
					}
					nextSend = now.Add(*interval)

					if *count > 0 && sent >= *count {
						logger.Info().Msg("done")
						if err := backend.Disconnect(); err != nil {
							logger.Warn().Err(err).Msg("disconnect")
						}
						return
					}
				}

			case cloud.StateDisconnected, cloud.StateError:
				retrier.ConnectionLost(now)
				if !retrier.Due(now) {
					continue
				}
				logger.Info().Int("attempt", retrier.Attempts()).Msg("reconnecting")

				// A dropped session needs a fresh backend instance; the
				// session state machine is single-shot by design.
				backend, err = registry.Lookup(*backendName)
				if err != nil {
					logger.Fatal().Err(err).Msg("backend lookup")
				}
				if err := backend.Init(cfg, registry.Notifier(*backendName)); err != nil {
					logger.Fatal().Err(err).Msg("backend init")
				}
				if err := backend.Connect(cfg); err != nil {
					logger.Warn().Err(err).Msg("reconnect failed")
					retrier.Failure(now)
					continue
				}
				retrier.Success()
			}
		}
	}
}

// buildConfig assembles the backend configuration from the config file and
// flag overrides.
func buildConfig() (*cloud.Config, error) {
	var cfg *cloud.Config
	if *configPath != "" {
		loaded, err := cloud.LoadConfig(*configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &cloud.Config{}
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *family != "" {
		cfg.Family = *family
	}
	if *clientID != "" {
		cfg.ClientID = *clientID
	}
	if *secured {
		cfg.Security.Mode = "secured"
		if len(cfg.Security.Tags) == 0 {
			cfg.Security.Tags = []uint32{1}
		}
	}

	cfg.ApplyDefaults()

	if cfg.Security.Mode == "secured" && cfg.Credentials == nil {
		store, err := buildCredentials()
		if err != nil {
			return nil, err
		}
		cfg.Credentials = store
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildCredentials provisions security tag 1 from the -ca/-psk flags.
func buildCredentials() (credentials.Store, error) {
	cred := credentials.Credential{}

	if *caPath != "" {
		pem, err := os.ReadFile(*caPath)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		cred.CACert = pem
	}

	if *pskHex != "" {
		key, err := hex.DecodeString(*pskHex)
		if err != nil {
			return nil, fmt.Errorf("decode PSK: %w", err)
		}
		cred.PSK = key
		cred.PSKIdentity = *pskIdentity
	}

	if cred.CACert == nil && cred.PSK == nil {
		return nil, fmt.Errorf("secured mode needs -ca or -psk credentials")
	}

	store := credentials.NewMemoryStore()
	store.Provision(1, cred)
	return store, nil
}
