package quecho

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameEncodeLayout(t *testing.T) {
	f := &Frame{Opcode: OpEcho, Flags: FlagRequest, Payload: []byte("ping\n")}

	b, err := f.Encode()
	require.NoError(t, err)

	// 1001 = 0x03e9, little endian.
	want := []byte{0xe9, 0x03, 0x01, 0x05, 0x00, 'p', 'i', 'n', 'g', '\n'}
	assert.Equal(t, want, b)
}

func TestFrameRoundTrip(t *testing.T) {
	frames := []*Frame{
		{Opcode: OpEcho, Flags: FlagRequest, Payload: []byte{}},
		{Opcode: OpEcho, Flags: FlagResponse | FlagError, Payload: []byte("success...")},
		{Opcode: 0xffff, Flags: 0xff, Payload: bytes.Repeat([]byte{0xaa}, MaxPayloadLen)},
	}

	for _, f := range frames {
		b, err := f.Encode()
		require.NoError(t, err)

		got, err := DecodeFrame(b)
		require.NoError(t, err)
		assert.Equal(t, f.Opcode, got.Opcode)
		assert.Equal(t, f.Flags, got.Flags)
		assert.Equal(t, f.Payload, got.Payload)
	}
}

func TestFrameEncodeTooLarge(t *testing.T) {
	f := &Frame{Opcode: OpEcho, Payload: make([]byte, MaxPayloadLen+1)}

	_, err := f.Encode()
	assert.ErrorIs(t, err, ErrFraming)
}

func TestDecodeFrameErrors(t *testing.T) {
	valid, err := (&Frame{Opcode: OpEcho, Payload: []byte("abc")}).Encode()
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":        nil,
		"short header": {0xe9, 0x03, 0x01, 0x05},
		"missing byte": valid[:len(valid)-1],
		"extra byte":   append(append([]byte(nil), valid...), 'x'),
		"raw text":     []byte("ping\n"),
	}

	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame(b)
			assert.ErrorIs(t, err, ErrFraming)
		})
	}
}

func TestDecodeFrameCopiesPayload(t *testing.T) {
	b, err := (&Frame{Opcode: OpEcho, Payload: []byte("abc")}).Encode()
	require.NoError(t, err)

	f, err := DecodeFrame(b)
	require.NoError(t, err)

	b[HeaderLen] = 'x'
	assert.Equal(t, []byte("abc"), f.Payload)
}
