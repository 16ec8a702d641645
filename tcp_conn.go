package quecho

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"
)

type tcpConn struct {
	id                string
	tlsConn           *tls.Conn
	session           *yamux.Session
	localFingerprint  *Fingerprint
	remoteFingerprint *Fingerprint
	alp               string
	ctx               context.Context

	isServer bool
}

func newYamuxConfig(config *Config) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = connLogger.With().Str("mux", "yamux").Logger()

	if config.KeepAlive > 0 {
		cfg.EnableKeepAlive = true
		cfg.KeepAliveInterval = config.KeepAlive
	} else {
		cfg.EnableKeepAlive = false
	}
	if config.MaxConcurrentStreams > 0 {
		cfg.AcceptBacklog = config.MaxConcurrentStreams
	}

	return cfg
}

// initTCP runs the TLS handshake and starts the multiplexer on top of it.
func initTCP(ctx context.Context, conn *tls.Conn, config *Config, isServer bool) (*tcpConn, error) {
	if err := conn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}

	state := conn.ConnectionState()
	if state.NegotiatedProtocol != AlpQuecho {
		return nil, fmt.Errorf("unsupported ALP: %q", state.NegotiatedProtocol)
	}

	var remoteFingerprint *Fingerprint
	if len(state.PeerCertificates) > 0 {
		fp, err := FingerprintFromCertificate(state.PeerCertificates[0].Raw)
		if err == nil {
			remoteFingerprint = fp
		}
	}

	var (
		session *yamux.Session
		err     error
	)
	if isServer {
		session, err = yamux.Server(conn, newYamuxConfig(config))
	} else {
		session, err = yamux.Client(conn, newYamuxConfig(config))
	}
	if err != nil {
		return nil, err
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	go func() {
		<-session.CloseChan()
		cancel()
	}()

	return &tcpConn{
		id:                uuid.NewString(),
		tlsConn:           conn,
		session:           session,
		localFingerprint:  config.localFingerprint(),
		remoteFingerprint: remoteFingerprint,
		alp:               state.NegotiatedProtocol,
		ctx:               sessionCtx,
		isServer:          isServer,
	}, nil
}

func (c *tcpConn) ID() string {
	return c.id
}

func (c *tcpConn) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := c.session.AcceptStreamWithContext(ctx)
	if err != nil {
		return nil, classifyYamuxError(err)
	}

	return &tcpStream{stream}, nil
}

func (c *tcpConn) OpenStream(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := c.session.OpenStream()
	if err != nil {
		return nil, classifyYamuxError(err)
	}

	return &tcpStream{stream}, nil
}

// CloseWithError sends a go away and closes the session. yamux has no
// close codes, so code only ends up in the log.
func (c *tcpConn) CloseWithError(code uint64, msg string) error {
	connLogger.Debug().Str("conn", c.id).Uint64("code", code).Str("reason", msg).Msg("closing session")
	c.session.GoAway()
	return c.session.Close()
}

func (c *tcpConn) Close() error {
	return c.CloseWithError(ConnErrorCodeNone, "")
}

func (c *tcpConn) Context() context.Context {
	return c.ctx
}

func (c *tcpConn) RemoteAddr() net.Addr {
	return c.tlsConn.RemoteAddr()
}

func (c *tcpConn) LocalAddr() net.Addr {
	return c.tlsConn.LocalAddr()
}

func (c *tcpConn) ALP() string {
	return c.alp
}

func (c *tcpConn) RemoteFingerprint() *Fingerprint {
	return c.remoteFingerprint
}

func (c *tcpConn) LocalFingerprint() *Fingerprint {
	return c.localFingerprint
}

// classifyYamuxError maps an orderly session end (the peer closed its TLS
// connection or we shut the session down) to ErrConnClosed.
func classifyYamuxError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, yamux.ErrSessionShutdown) || errors.Is(err, yamux.ErrRemoteGoAway) {
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

type tcpStream struct {
	*yamux.Stream
}

// Reset closes the stream. yamux cannot carry a reset code, the peer sees
// the send half finished without a response.
func (s *tcpStream) Reset(code StreamErrorCode) {
	streamLogger.Debug().Uint32("stream", s.Stream.StreamID()).Stringer("code", code).Msg("reset on yamux stream")
	s.Stream.Close()
}

func (s *tcpStream) StreamID() uint64 {
	return uint64(s.Stream.StreamID())
}
