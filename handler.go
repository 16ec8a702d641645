package quecho

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Handler produces the response to one request frame. It is called
// concurrently for all streams of all connections.
type Handler interface {
	ServeFrame(ctx context.Context, req *Frame) (*Frame, error)
}

type HandlerFunc func(ctx context.Context, req *Frame) (*Frame, error)

func (f HandlerFunc) ServeFrame(ctx context.Context, req *Frame) (*Frame, error) {
	return f(ctx, req)
}

// EchoHandler answers every echo request with its own payload.
func EchoHandler() Handler {
	return HandlerFunc(func(ctx context.Context, req *Frame) (*Frame, error) {
		if req.Opcode != OpEcho {
			return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, req.Opcode)
		}
		return &Frame{Opcode: req.Opcode, Flags: FlagResponse, Payload: req.Payload}, nil
	})
}

// AckHandler answers every echo request with msg.
func AckHandler(msg string) Handler {
	payload := []byte(msg)

	return HandlerFunc(func(ctx context.Context, req *Frame) (*Frame, error) {
		if req.Opcode != OpEcho {
			return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, req.Opcode)
		}
		return &Frame{Opcode: req.Opcode, Flags: FlagResponse, Payload: payload}, nil
	})
}

// handleStream serves exactly one request on s. On success the response is
// written and the send half is finished; on failure s is reset and no
// response is written.
func handleStream(ctx context.Context, s Stream, h Handler, config *Config) (err error) {
	var (
		start = time.Now()
		size  = -1
	)

	config.Metrics.streamStarted()
	defer func() {
		config.Metrics.streamFinished(err, size, time.Since(start))
	}()

	body, err := readToEnd(s, config.readLimit())
	if err != nil {
		s.Reset(codeForError(err))
		return err
	}
	size = len(body)

	req, err := DecodeFrame(body)
	if err != nil {
		s.Reset(StreamErrorCodeFraming)
		return err
	}

	resp, err := h.ServeFrame(ctx, req)
	if err == nil && resp == nil {
		err = errors.New("handler returned no response")
	}
	if err != nil {
		s.Reset(codeForError(err))
		return err
	}
	resp.Flags |= FlagResponse

	b, err := resp.Encode()
	if err != nil {
		s.Reset(StreamErrorCodeInternal)
		return fmt.Errorf("encode response: %w", err)
	}

	if _, err := s.Write(b); err != nil {
		s.Reset(StreamErrorCodeInternal)
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}

	// Without the finish the peer never sees the end of the response.
	if err := s.Close(); err != nil {
		return fmt.Errorf("%w: finish: %w", ErrWrite, err)
	}

	return nil
}
