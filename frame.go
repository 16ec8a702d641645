package quecho

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderLen is the size of the fixed frame header.
	HeaderLen = 5
	// MaxPayloadLen is the largest payload the u16 length field can describe.
	MaxPayloadLen = 0xffff

	OpEcho uint16 = 1001

	FlagRequest  uint8 = 0x01
	FlagResponse uint8 = 0x02
	FlagError    uint8 = 0x04
)

// Frame is the logical request and response unit. On the wire it is encoded
// as opcode (u16, little endian), flags (u8), payload length (u16, little
// endian) and the payload itself.
type Frame struct {
	Opcode  uint16
	Flags   uint8
	Payload []byte
}

// Encode returns the wire representation of f.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrFraming, len(f.Payload), MaxPayloadLen)
	}

	buf := make([]byte, HeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], f.Opcode)
	buf[2] = f.Flags
	binary.LittleEndian.PutUint16(buf[3:5], uint16(len(f.Payload)))
	copy(buf[HeaderLen:], f.Payload)

	return buf, nil
}

// DecodeFrame parses a complete frame. The buffer must contain exactly the
// header and the announced number of payload bytes; anything else is a
// framing error.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < HeaderLen {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrFraming, len(b))
	}

	length := int(binary.LittleEndian.Uint16(b[3:5]))
	if got := len(b) - HeaderLen; got != length {
		return nil, fmt.Errorf("%w: length field says %d, got %d payload bytes", ErrFraming, length, got)
	}

	payload := make([]byte, length)
	copy(payload, b[HeaderLen:])

	return &Frame{
		Opcode:  binary.LittleEndian.Uint16(b[0:2]),
		Flags:   b[2],
		Payload: payload,
	}, nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{op=%d flags=0x%02x len=%d}", f.Opcode, f.Flags, len(f.Payload))
}
