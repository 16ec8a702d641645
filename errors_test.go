package quecho

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeForError(t *testing.T) {
	cases := []struct {
		err  error
		code StreamErrorCode
	}{
		{fmt.Errorf("%w: 70000 bytes", ErrRequestTooLarge), StreamErrorCodeRequestTooLarge},
		{ErrUnknownOpcode, StreamErrorCodeFraming},
		{fmt.Errorf("%w: short header", ErrFraming), StreamErrorCodeFraming},
		{ErrServerBusy, StreamErrorCodeBusy},
		{fmt.Errorf("%w: eof", ErrRead), StreamErrorCodeRead},
		{errors.New("boom"), StreamErrorCodeInternal},
	}

	for _, c := range cases {
		assert.Equal(t, c.code, codeForError(c.err), c.err.Error())
	}
}

func TestStreamErrorMapsRemoteCodes(t *testing.T) {
	remote := &quic.StreamError{StreamID: 4, ErrorCode: quic.StreamErrorCode(StreamErrorCodeRequestTooLarge), Remote: true}
	assert.ErrorIs(t, streamError(ErrRead, remote), ErrRequestTooLarge)

	remote = &quic.StreamError{StreamID: 4, ErrorCode: quic.StreamErrorCode(StreamErrorCodeBusy), Remote: true}
	assert.ErrorIs(t, streamError(ErrWrite, remote), ErrServerBusy)

	// Codes without a sentinel and local resets keep the fallback.
	remote = &quic.StreamError{StreamID: 4, ErrorCode: quic.StreamErrorCode(StreamErrorCodeInternal), Remote: true}
	assert.ErrorIs(t, streamError(ErrRead, remote), ErrRead)

	local := &quic.StreamError{StreamID: 4, ErrorCode: quic.StreamErrorCode(StreamErrorCodeFraming)}
	err := streamError(ErrRead, local)
	assert.ErrorIs(t, err, ErrRead)
	assert.NotErrorIs(t, err, ErrFraming)
}

func TestClassifyQUICError(t *testing.T) {
	clean := &quic.ApplicationError{Remote: true, ErrorCode: 0}
	assert.ErrorIs(t, classifyQUICError(clean), ErrConnClosed)

	failed := &quic.ApplicationError{Remote: true, ErrorCode: 42, ErrorMessage: "boom"}
	err := classifyQUICError(failed)
	assert.ErrorIs(t, err, ErrTransport)
	assert.NotErrorIs(t, err, ErrConnClosed)

	idle := &quic.IdleTimeoutError{}
	assert.ErrorIs(t, classifyQUICError(idle), ErrTransport)
}

func TestStreamErrorCodeString(t *testing.T) {
	assert.Equal(t, "request_too_large", StreamErrorCodeRequestTooLarge.String())
	assert.Equal(t, "0x99", StreamErrorCode(0x99).String())
}

func TestReadToEnd(t *testing.T) {
	b, err := readToEnd(bytes.NewReader([]byte("abcd")), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), b)

	_, err = readToEnd(bytes.NewReader([]byte("abcde")), 4)
	assert.ErrorIs(t, err, ErrRequestTooLarge)
}

func TestReadToEndStopsAtLimit(t *testing.T) {
	// An endless stream must not be read further than the limit.
	_, err := readToEnd(endless{}, 1024)
	assert.ErrorIs(t, err, ErrRequestTooLarge)
}

type endless struct{}

func (endless) Read(p []byte) (int, error) {
	time.Sleep(time.Microsecond)
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func TestMetricsNil(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.connOpened()
		m.connClosed(nil)
		m.streamStarted()
		m.streamFinished(nil, 1, time.Millisecond)
		m.streamRejected()
	})
	assert.Equal(t, "write", resultLabel(fmt.Errorf("%w: gone", ErrWrite)))
	assert.Equal(t, "ok", resultLabel(nil))
}
