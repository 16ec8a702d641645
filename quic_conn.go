package quecho

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

type quicConn struct {
	id                string
	conn              *quic.Conn
	localFingerprint  *Fingerprint
	remoteFingerprint *Fingerprint

	isServer bool
}

func newQUICConn(conn *quic.Conn, config *Config, isServer bool) *quicConn {
	var remoteFingerprint *Fingerprint

	state := conn.ConnectionState().TLS
	if len(state.PeerCertificates) > 0 {
		fp, err := FingerprintFromCertificate(state.PeerCertificates[0].Raw)
		if err == nil {
			remoteFingerprint = fp
		}
	}

	return &quicConn{
		id:                uuid.NewString(),
		conn:              conn,
		localFingerprint:  config.localFingerprint(),
		remoteFingerprint: remoteFingerprint,
		isServer:          isServer,
	}
}

func (c *quicConn) ID() string {
	return c.id
}

func (c *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, classifyQUICError(err)
	}

	return &quicStream{stream}, nil
}

func (c *quicConn) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, classifyQUICError(err)
	}

	return &quicStream{stream}, nil
}

func (c *quicConn) CloseWithError(code uint64, msg string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), msg)
}

func (c *quicConn) Close() error {
	return c.CloseWithError(ConnErrorCodeNone, "")
}

func (c *quicConn) Context() context.Context {
	return c.conn.Context()
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *quicConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *quicConn) ALP() string {
	return c.conn.ConnectionState().TLS.NegotiatedProtocol
}

func (c *quicConn) RemoteFingerprint() *Fingerprint {
	return c.remoteFingerprint
}

func (c *quicConn) LocalFingerprint() *Fingerprint {
	return c.localFingerprint
}

// classifyQUICError separates an application close without error code from
// every other reason a connection can go away.
func classifyQUICError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && uint64(appErr.ErrorCode) == ConnErrorCodeNone {
		return fmt.Errorf("%w: %w", ErrConnClosed, err)
	}

	return fmt.Errorf("%w: %w", ErrTransport, err)
}

type quicStream struct {
	*quic.Stream
}

func (s *quicStream) Reset(code StreamErrorCode) {
	s.Stream.CancelRead(quic.StreamErrorCode(code))
	s.Stream.CancelWrite(quic.StreamErrorCode(code))
}

func (s *quicStream) StreamID() uint64 {
	return uint64(s.Stream.StreamID())
}

func quicStreamErrorCode(err error) (StreamErrorCode, bool) {
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote {
		return StreamErrorCode(streamErr.ErrorCode), true
	}
	return 0, false
}
