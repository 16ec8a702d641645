package quecho

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// Response is the answer to one request.
type Response struct {
	Frame *Frame
	// RTT is measured from opening the stream until the response was read
	// completely.
	RTT time.Duration
}

// Client sends echo requests to one server. Requests share a single
// connection, which is dialed on first use and again after it went away.
type Client struct {
	endpoint   *Endpoint
	address    string
	serverName string

	// Prompt is printed by RunInteractive before reading a line.
	Prompt string

	mu   sync.Mutex
	conn Conn
}

func NewClient(e *Endpoint, address, serverName string) *Client {
	if serverName == "" {
		serverName = DefaultServerName
	}

	return &Client{
		endpoint:   e,
		address:    address,
		serverName: serverName,
	}
}

// Connect makes sure a connection is established.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connection(ctx)
	return err
}

func (c *Client) connection(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.Context().Err() == nil {
		return c.conn, nil
	}
	if c.conn != nil {
		clientLogger.Debug().Str("conn", c.conn.ID()).Msg("connection gone, redialing")
	}

	conn, err := c.endpoint.Connect(ctx, c.address, c.serverName)
	if err != nil {
		c.conn = nil
		return nil, err
	}
	c.conn = conn

	return conn, nil
}

func (c *Client) forget(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == conn {
		c.conn = nil
	}
}

// Request sends payload on a new stream and waits for the response.
func (c *Client) Request(ctx context.Context, payload []byte) (*Response, error) {
	req := &Frame{Opcode: OpEcho, Flags: FlagRequest, Payload: payload}
	b, err := req.Encode()
	if err != nil {
		return nil, err
	}

	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()

	s, err := conn.OpenStream(ctx)
	if err != nil && conn.Context().Err() != nil && ctx.Err() == nil {
		// The connection died since the last request. Dial once more.
		c.forget(conn)
		if conn, err = c.connection(ctx); err != nil {
			return nil, err
		}
		start = time.Now()
		s, err = conn.OpenStream(ctx)
	}
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		s.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := s.Write(b); err != nil {
		s.Reset(StreamErrorCodeInternal)
		return nil, streamError(ErrWrite, err)
	}
	if err := s.Close(); err != nil {
		s.Reset(StreamErrorCodeInternal)
		return nil, streamError(ErrWrite, err)
	}

	body, err := readToEnd(s, c.endpoint.config.readLimit())
	if err != nil {
		s.Reset(codeForError(err))
		return nil, err
	}
	rtt := time.Since(start)

	resp, err := DecodeFrame(body)
	if err != nil {
		return nil, err
	}
	if resp.Flags&FlagResponse == 0 {
		return nil, fmt.Errorf("%w: response flag missing", ErrFraming)
	}

	clientLogger.Debug().
		Uint64("stream", s.StreamID()).
		Dur("rtt", rtt).
		Int("len", len(resp.Payload)).
		Msg("response received")

	return &Response{Frame: resp, RTT: rtt}, nil
}

// RunInteractive reads in line by line and sends every line, including its
// line break, as one request. Requests are strictly sequential. Results and
// request errors are written to out; the loop ends at the end of in.
func (c *Client) RunInteractive(ctx context.Context, in io.Reader, out io.Writer) error {
	r := bufio.NewReader(in)

	for {
		if c.Prompt != "" {
			fmt.Fprint(out, c.Prompt)
		}

		line, err := r.ReadString('\n')
		if len(line) > 0 {
			resp, rerr := c.Request(ctx, []byte(line))
			switch {
			case rerr != nil && ctx.Err() != nil:
				return ctx.Err()
			case rerr != nil:
				clientLogger.Warn().Err(rerr).Msg("request failed")
				fmt.Fprintf(out, "error: %s\n", rerr)
			default:
				fmt.Fprintf(out, "response received in %s\n", resp.RTT)
				out.Write(resp.Frame.Payload)
				if !bytes.HasSuffix(resp.Frame.Payload, []byte("\n")) {
					fmt.Fprintln(out)
				}
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	}
}

// Close closes the connection, if any, without an error code.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.CloseWithError(ConnErrorCodeNone, "")
	c.conn = nil
	return err
}
