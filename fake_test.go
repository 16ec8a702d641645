package quecho

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var streamIDs atomic.Uint64

type fakeStream struct {
	r        io.Reader
	writeErr error
	closeErr error
	id       uint64

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
	reset  bool
	code   StreamErrorCode

	doneOnce sync.Once
	done     chan struct{}
}

func newFakeStream(r io.Reader) *fakeStream {
	return &fakeStream{
		r:    r,
		id:   streamIDs.Add(4),
		done: make(chan struct{}),
	}
}

// requestStream returns a stream carrying an encoded request frame.
func requestStream(t *testing.T, opcode uint16, payload []byte) *fakeStream {
	t.Helper()

	b, err := (&Frame{Opcode: opcode, Flags: FlagRequest, Payload: payload}).Encode()
	require.NoError(t, err)
	return newFakeStream(bytes.NewReader(b))
}

func (s *fakeStream) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *fakeStream) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
	return s.closeErr
}

func (s *fakeStream) Reset(code StreamErrorCode) {
	s.mu.Lock()
	s.reset = true
	s.code = code
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *fakeStream) StreamID() uint64                  { return s.id }
func (s *fakeStream) SetDeadline(t time.Time) error      { return nil }
func (s *fakeStream) SetReadDeadline(t time.Time) error  { return nil }
func (s *fakeStream) SetWriteDeadline(t time.Time) error { return nil }

func (s *fakeStream) wait(t *testing.T) {
	t.Helper()

	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream was neither finished nor reset")
	}
}

func (s *fakeStream) result() (out []byte, closed, reset bool, code StreamErrorCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.out.Bytes()...), s.closed, s.reset, s.code
}

// response decodes what the handler wrote.
func (s *fakeStream) response(t *testing.T) *Frame {
	t.Helper()

	out, closed, reset, _ := s.result()
	require.True(t, closed, "send half not finished")
	require.False(t, reset, "stream was reset")

	f, err := DecodeFrame(out)
	require.NoError(t, err)
	return f
}

type fakeConn struct {
	streams chan Stream

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	endErr    error
	closeCode *uint64
}

func newFakeConn() *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeConn{
		streams: make(chan Stream),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// end terminates the connection; AcceptStream returns err from now on.
func (c *fakeConn) end(err error) {
	c.mu.Lock()
	if c.endErr == nil {
		c.endErr = err
	}
	c.mu.Unlock()
	c.cancel()
}

func (c *fakeConn) push(t *testing.T, s Stream) {
	t.Helper()

	select {
	case c.streams <- s:
	case <-time.After(5 * time.Second):
		t.Fatal("stream was not accepted")
	}
}

func (c *fakeConn) ID() string { return "fake" }

func (c *fakeConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.streams:
		return s, nil
	case <-c.ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.endErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) OpenStream(ctx context.Context) (Stream, error) {
	return nil, ErrNotSupported
}

func (c *fakeConn) CloseWithError(code uint64, msg string) error {
	c.mu.Lock()
	c.closeCode = &code
	c.mu.Unlock()
	c.end(ErrConnClosed)
	return nil
}

func (c *fakeConn) Close() error {
	return c.CloseWithError(ConnErrorCodeNone, "")
}

func (c *fakeConn) closedWith() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == nil {
		return 0, false
	}
	return *c.closeCode, true
}

func (c *fakeConn) Context() context.Context { return c.ctx }

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4332}
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *fakeConn) ALP() string                     { return AlpQuecho }
func (c *fakeConn) RemoteFingerprint() *Fingerprint { return nil }
func (c *fakeConn) LocalFingerprint() *Fingerprint  { return nil }
