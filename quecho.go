// Package quecho implements a small secure request/response service on top of
// a stream multiplexing transport. Every request travels on its own
// bidirectional stream; the server reads the request to the end, answers and
// finishes the stream.
package quecho

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	DefaultPort        = "4332"
	DefaultListenAddr  = "127.0.0.1:" + DefaultPort
	DefaultClientBind  = "[::]:0"
	DefaultServerName  = "localhost"
	DefaultAckResponse = "success..."
	AlpQuecho          = "QUECHO/0"

	// DefaultMaxRequestSize caps the payload read from one stream. It is the
	// largest payload a frame can carry.
	DefaultMaxRequestSize = MaxPayloadLen

	NetworkQUIC = "quic"
	NetworkTCP  = "tcp"
)

// Role selects whether an endpoint listens or dials.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Config carries the security and transport settings of an endpoint. It is
// read-only once the endpoint is bound.
type Config struct {
	// Identity is required for servers and optional for clients.
	Identity *tls.Certificate
	// Trust decides which server certificates a client accepts. Nil means
	// TrustSystem.
	Trust TrustPolicy

	IdleTimeout      time.Duration
	KeepAlive        time.Duration
	HandshakeTimeout time.Duration

	// MaxRequestSize caps the payload read from a single stream. The frame
	// header comes on top.
	MaxRequestSize int
	// MaxConcurrentStreams bounds the handlers running per connection.
	// Zero means unbounded.
	MaxConcurrentStreams int

	// TCPFastOpen is only used by the tcp network.
	TCPFastOpen bool

	// Metrics may be nil.
	Metrics *Metrics
}

// DefaultConfig returns the settings used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:          30 * time.Second,
		KeepAlive:            10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		MaxRequestSize:       DefaultMaxRequestSize,
		MaxConcurrentStreams: 1024,
	}
}

func (c *Config) maxRequestSize() int {
	if c.MaxRequestSize <= 0 {
		return DefaultMaxRequestSize
	}
	return c.MaxRequestSize
}

// readLimit is the most a peer may send on one stream.
func (c *Config) readLimit() int {
	return c.maxRequestSize() + HeaderLen
}

func (c *Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout <= 0 {
		return 10 * time.Second
	}
	return c.HandshakeTimeout
}

// NewDefaultTLSConfig returns a tls.Config with the defaults used by quecho:
// TLS 1.3 is required, client certificates are requested but optional,
// session tickets are disabled and the environment variable `SSLKEYLOGFILE`
// is respected. cert may be nil for clients without an identity.
func NewDefaultTLSConfig(cert *tls.Certificate) (*tls.Config, error) {
	var keyLogWriter io.Writer

	if sslKeyLogFile, ok := os.LookupEnv("SSLKEYLOGFILE"); ok {
		f, err := os.OpenFile(sslKeyLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("open SSLKEYLOGFILE: %w", err)
		}
		keyLogWriter = f
	}

	conf := &tls.Config{
		ClientAuth:             tls.RequestClientCert,
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS13,
		NextProtos:             []string{AlpQuecho},
		KeyLogWriter:           keyLogWriter,
	}
	if cert != nil {
		conf.Certificates = []tls.Certificate{*cert}
	}

	return conf, nil
}

func (c *Config) serverTLSConfig() (*tls.Config, error) {
	if c.Identity == nil {
		return nil, ErrIdentityRequired
	}
	return NewDefaultTLSConfig(c.Identity)
}

func (c *Config) clientTLSConfig(serverName string) (*tls.Config, error) {
	conf, err := NewDefaultTLSConfig(c.Identity)
	if err != nil {
		return nil, err
	}
	conf.ServerName = serverName

	trust := c.Trust
	if trust == nil {
		trust = TrustSystem()
	}
	if err := trust.ConfigureTLS(conf, serverName); err != nil {
		return nil, err
	}

	return conf, nil
}

func (c *Config) localFingerprint() *Fingerprint {
	if c.Identity == nil || len(c.Identity.Certificate) == 0 {
		return nil
	}
	fp, err := FingerprintFromCertificate(c.Identity.Certificate[0])
	if err != nil {
		return nil
	}
	return fp
}

func alpOrNone(alp string) string {
	if alp == "" {
		return "<none>"
	}
	return alp
}
