package quecho

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"testing/iotest"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleStreamEcho(t *testing.T) {
	config := DefaultConfig()
	s := requestStream(t, OpEcho, []byte("ping\n"))

	require.NoError(t, handleStream(context.Background(), s, EchoHandler(), &config))

	resp := s.response(t)
	assert.Equal(t, OpEcho, resp.Opcode)
	assert.NotZero(t, resp.Flags&FlagResponse)
	assert.Equal(t, []byte("ping\n"), resp.Payload)
}

func TestHandleStreamAck(t *testing.T) {
	config := DefaultConfig()
	s := requestStream(t, OpEcho, []byte("hello\n"))

	require.NoError(t, handleStream(context.Background(), s, AckHandler(DefaultAckResponse), &config))

	assert.Equal(t, []byte(DefaultAckResponse), s.response(t).Payload)
}

func TestHandleStreamSetsResponseFlag(t *testing.T) {
	config := DefaultConfig()
	s := requestStream(t, OpEcho, []byte("x"))

	h := HandlerFunc(func(ctx context.Context, req *Frame) (*Frame, error) {
		return &Frame{Opcode: req.Opcode, Payload: req.Payload}, nil
	})
	require.NoError(t, handleStream(context.Background(), s, h, &config))

	assert.Equal(t, FlagResponse, s.response(t).Flags)
}

func TestHandleStreamLimit(t *testing.T) {
	config := DefaultConfig()
	config.MaxRequestSize = 16

	t.Run("at limit", func(t *testing.T) {
		s := requestStream(t, OpEcho, bytes.Repeat([]byte("a"), 16))
		require.NoError(t, handleStream(context.Background(), s, EchoHandler(), &config))
		assert.Len(t, s.response(t).Payload, 16)
	})

	t.Run("above limit", func(t *testing.T) {
		s := requestStream(t, OpEcho, bytes.Repeat([]byte("a"), 17))
		err := handleStream(context.Background(), s, EchoHandler(), &config)
		assert.ErrorIs(t, err, ErrRequestTooLarge)

		out, closed, reset, code := s.result()
		assert.Empty(t, out)
		assert.False(t, closed)
		assert.True(t, reset)
		assert.Equal(t, StreamErrorCodeRequestTooLarge, code)
	})
}

func TestHandleStreamLargestFrame(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, MaxPayloadLen, config.MaxRequestSize)

	s := requestStream(t, OpEcho, bytes.Repeat([]byte("a"), MaxPayloadLen))
	require.NoError(t, handleStream(context.Background(), s, EchoHandler(), &config))
	assert.Len(t, s.response(t).Payload, MaxPayloadLen)

	// One byte more does not fit the length field and never leaves the client.
	_, err := (&Frame{Opcode: OpEcho, Payload: make([]byte, MaxPayloadLen+1)}).Encode()
	assert.ErrorIs(t, err, ErrFraming)
}

func TestHandleStreamDefaultLimit(t *testing.T) {
	config := DefaultConfig()
	s := newFakeStream(bytes.NewReader(make([]byte, 70000)))

	err := handleStream(context.Background(), s, EchoHandler(), &config)
	assert.ErrorIs(t, err, ErrRequestTooLarge)

	_, _, reset, code := s.result()
	assert.True(t, reset)
	assert.Equal(t, StreamErrorCodeRequestTooLarge, code)
}

func TestHandleStreamFraming(t *testing.T) {
	config := DefaultConfig()

	for name, body := range map[string][]byte{
		"raw line":    []byte("ping\n"),
		"short":       {0xe9},
		"bad length":  {0xe9, 0x03, 0x01, 0x09, 0x00, 'a'},
		"empty input": {},
	} {
		t.Run(name, func(t *testing.T) {
			s := newFakeStream(bytes.NewReader(body))
			err := handleStream(context.Background(), s, EchoHandler(), &config)
			assert.ErrorIs(t, err, ErrFraming)

			out, _, reset, code := s.result()
			assert.Empty(t, out)
			assert.True(t, reset)
			assert.Equal(t, StreamErrorCodeFraming, code)
		})
	}
}

func TestHandleStreamUnknownOpcode(t *testing.T) {
	config := DefaultConfig()
	s := requestStream(t, 7, []byte("x"))

	err := handleStream(context.Background(), s, EchoHandler(), &config)
	assert.ErrorIs(t, err, ErrUnknownOpcode)
	assert.ErrorIs(t, err, ErrFraming)

	_, _, reset, code := s.result()
	assert.True(t, reset)
	assert.Equal(t, StreamErrorCodeFraming, code)
}

func TestHandleStreamReadError(t *testing.T) {
	config := DefaultConfig()
	broken := errors.New("connection lost")
	s := newFakeStream(io.MultiReader(bytes.NewReader([]byte{0xe9, 0x03}), iotest.ErrReader(broken)))

	err := handleStream(context.Background(), s, EchoHandler(), &config)
	assert.ErrorIs(t, err, ErrRead)
	assert.ErrorIs(t, err, broken)

	out, closed, reset, code := s.result()
	assert.Empty(t, out)
	assert.False(t, closed)
	assert.True(t, reset)
	assert.Equal(t, StreamErrorCodeRead, code)
}

func TestHandleStreamHandlerError(t *testing.T) {
	config := DefaultConfig()
	s := requestStream(t, OpEcho, []byte("x"))
	failed := errors.New("failed")

	h := HandlerFunc(func(ctx context.Context, req *Frame) (*Frame, error) {
		return nil, failed
	})
	err := handleStream(context.Background(), s, h, &config)
	assert.ErrorIs(t, err, failed)

	_, _, reset, code := s.result()
	assert.True(t, reset)
	assert.Equal(t, StreamErrorCodeInternal, code)
}

func TestHandleStreamWriteError(t *testing.T) {
	config := DefaultConfig()

	s := requestStream(t, OpEcho, []byte("x"))
	s.writeErr = errors.New("stream gone")
	assert.ErrorIs(t, handleStream(context.Background(), s, EchoHandler(), &config), ErrWrite)

	s = requestStream(t, OpEcho, []byte("x"))
	s.closeErr = errors.New("stream gone")
	assert.ErrorIs(t, handleStream(context.Background(), s, EchoHandler(), &config), ErrWrite)
}

func TestHandleStreamMetrics(t *testing.T) {
	config := DefaultConfig()
	config.Metrics = NewMetrics(prometheus.NewRegistry())

	require.NoError(t, handleStream(context.Background(), requestStream(t, OpEcho, []byte("a")), EchoHandler(), &config))
	require.NoError(t, handleStream(context.Background(), requestStream(t, OpEcho, []byte("b")), EchoHandler(), &config))
	require.Error(t, handleStream(context.Background(), newFakeStream(bytes.NewReader([]byte("junk"))), EchoHandler(), &config))

	assert.Equal(t, 2.0, testutil.ToFloat64(config.Metrics.requests.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(config.Metrics.requests.WithLabelValues("framing")))
	assert.Equal(t, 0.0, testutil.ToFloat64(config.Metrics.streams))
}
