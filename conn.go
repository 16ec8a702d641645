package quecho

import (
	"context"
	"io"
	"net"
	"time"
)

// Conn is one authenticated session with a remote peer. Streams of a
// connection are independent of each other.
type Conn interface {
	// ID is a random identifier used to correlate log lines.
	ID() string
	// AcceptStream waits for the next bidirectional stream opened by the
	// peer. A clean close by either application returns ErrConnClosed;
	// other failures wrap ErrTransport.
	AcceptStream(ctx context.Context) (Stream, error)
	// OpenStream opens a new bidirectional stream, waiting for stream
	// credit if the peer limits concurrency.
	OpenStream(ctx context.Context) (Stream, error)
	// CloseWithError closes the connection; code 0 means no error.
	CloseWithError(code uint64, msg string) error
	Close() error
	// Context is done once the connection is gone.
	Context() context.Context

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	ALP() string
	RemoteFingerprint() *Fingerprint
	LocalFingerprint() *Fingerprint
}

// Stream is a bidirectional byte pipe within a connection. Read consumes the
// receive half, Write feeds the send half.
type Stream interface {
	io.Reader
	io.Writer
	// Close finishes the send half only. The receive half stays readable.
	Close() error
	// Reset abandons both halves and reports code to the peer.
	Reset(code StreamErrorCode)
	StreamID() uint64
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

type dialer interface {
	Dial(ctx context.Context, address, serverName string) (Conn, error)
	Rebind(ctx context.Context, address string, conns []Conn) error
	LocalAddr() net.Addr
	Close() error
}
