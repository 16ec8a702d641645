package quecho

import (
	"errors"
	"fmt"
)

var (
	ErrStorage          = errors.New("quecho: storage error")
	ErrCertificate      = errors.New("quecho: certificate error")
	ErrConnect          = errors.New("quecho: connect error")
	ErrUntrustedPeer    = errors.New("quecho: peer is not trusted")
	ErrTransport        = errors.New("quecho: transport error")
	ErrConnClosed       = errors.New("quecho: connection closed by application")
	ErrRequestTooLarge  = errors.New("quecho: request too large")
	ErrRead             = errors.New("quecho: read error")
	ErrWrite            = errors.New("quecho: write error")
	ErrFraming          = errors.New("quecho: framing error")
	ErrUnknownOpcode    = fmt.Errorf("%w: unknown opcode", ErrFraming)
	ErrServerBusy       = errors.New("quecho: server busy")
	ErrNotSupported     = errors.New("quecho: method is not supported")
	ErrEndpointClosed   = errors.New("quecho: endpoint closed")
	ErrIdentityRequired = errors.New("quecho: identity required for server role")
	ErrBind             = errors.New("quecho: bind error")
	ErrWrongRole        = errors.New("quecho: operation not available for endpoint role")
)

// StreamErrorCode is sent to the peer when a stream is reset.
type StreamErrorCode uint64

const (
	StreamErrorCodeNone            StreamErrorCode = 0x00
	StreamErrorCodeRequestTooLarge StreamErrorCode = 0x10
	StreamErrorCodeFraming         StreamErrorCode = 0x11
	StreamErrorCodeInternal        StreamErrorCode = 0x12
	StreamErrorCodeBusy            StreamErrorCode = 0x13
	StreamErrorCodeRead            StreamErrorCode = 0x14
)

func (c StreamErrorCode) String() string {
	switch c {
	case StreamErrorCodeNone:
		return "none"
	case StreamErrorCodeRequestTooLarge:
		return "request_too_large"
	case StreamErrorCodeFraming:
		return "framing"
	case StreamErrorCodeInternal:
		return "internal"
	case StreamErrorCodeBusy:
		return "busy"
	case StreamErrorCodeRead:
		return "read"
	default:
		return fmt.Sprintf("0x%x", uint64(c))
	}
}

// ConnErrorCodeNone closes a connection without signaling an error.
const ConnErrorCodeNone uint64 = 0

// codeForError picks the reset code a handler failure is reported with.
func codeForError(err error) StreamErrorCode {
	switch {
	case errors.Is(err, ErrRequestTooLarge):
		return StreamErrorCodeRequestTooLarge
	case errors.Is(err, ErrFraming):
		return StreamErrorCodeFraming
	case errors.Is(err, ErrServerBusy):
		return StreamErrorCodeBusy
	case errors.Is(err, ErrRead):
		return StreamErrorCodeRead
	default:
		return StreamErrorCodeInternal
	}
}

// errorForCode translates a reset code received from the peer back into a
// sentinel. The second return value is false for codes without a mapping.
func errorForCode(code StreamErrorCode) (error, bool) {
	switch code {
	case StreamErrorCodeRequestTooLarge:
		return ErrRequestTooLarge, true
	case StreamErrorCodeFraming:
		return ErrFraming, true
	case StreamErrorCodeBusy:
		return ErrServerBusy, true
	default:
		return nil, false
	}
}

// streamError wraps a stream I/O failure. If the peer reset the stream with a
// known code, the matching sentinel is used instead of fallback.
func streamError(fallback error, err error) error {
	if code, ok := remoteStreamErrorCode(err); ok {
		if sentinel, ok := errorForCode(code); ok {
			return fmt.Errorf("%w: peer reset stream (%s): %w", sentinel, code, err)
		}
	}
	return fmt.Errorf("%w: %w", fallback, err)
}

// remoteStreamErrorCode extracts the reset code a peer sent. Backends without
// reset codes never match.
func remoteStreamErrorCode(err error) (StreamErrorCode, bool) {
	return quicStreamErrorCode(err)
}
