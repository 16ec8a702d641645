package quecho

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Failing accepts are retried with a growing delay between these bounds.
const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Endpoint owns one bound local socket. A server endpoint accepts
// connections, a client endpoint dials them. A process normally creates a
// single endpoint at startup with Bind and closes it on shutdown; it is safe
// for concurrent use.
type Endpoint struct {
	network string
	role    Role
	config  Config

	listener listener
	dialer   dialer

	mu     sync.Mutex
	conns  map[string]Conn
	closed bool

	closeOnce sync.Once
	closeErr  error
}

// Bind opens the local socket at address. network is NetworkQUIC or
// NetworkTCP; the empty string selects QUIC. Servers need config.Identity.
func Bind(network, address string, role Role, config Config) (*Endpoint, error) {
	e := &Endpoint{
		network: network,
		role:    role,
		config:  config,
		conns:   make(map[string]Conn),
	}

	switch role {
	case RoleServer:
		if config.Identity == nil {
			return nil, fmt.Errorf("%w: %w", ErrBind, ErrIdentityRequired)
		}
		ln, err := newListener(network, address, &e.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBind, address, err)
		}
		e.listener = ln

	case RoleClient:
		d, err := newDialer(network, address, &e.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrBind, address, err)
		}
		e.dialer = d

	default:
		return nil, fmt.Errorf("%w: %w: %s", ErrBind, ErrNotSupported, role)
	}

	endpointLogger.Info().
		Str("network", e.Network()).
		Stringer("role", role).
		Stringer("local", e.LocalAddr()).
		Str("fingerprint", fingerprintOrNone(config.localFingerprint())).
		Msg("endpoint bound")

	return e, nil
}

func (e *Endpoint) Network() string {
	if e.network == "" {
		return NetworkQUIC
	}
	return e.network
}

func (e *Endpoint) Role() Role {
	return e.role
}

func (e *Endpoint) LocalAddr() net.Addr {
	if e.listener != nil {
		return e.listener.Addr()
	}
	return e.dialer.LocalAddr()
}

// Accept waits for the next inbound connection. After Close it returns
// ErrEndpointClosed.
func (e *Endpoint) Accept(ctx context.Context) (Conn, error) {
	if e.role != RoleServer {
		return nil, fmt.Errorf("%w: accept on %s endpoint", ErrWrongRole, e.role)
	}

	conn, err := e.listener.Accept(ctx)
	if err != nil {
		if e.isClosed() {
			return nil, ErrEndpointClosed
		}
		return nil, err
	}

	if err := e.track(conn); err != nil {
		return nil, err
	}

	return conn, nil
}

// Connect dials address and verifies the server against serverName with the
// configured trust policy. Every failure wraps ErrConnect.
func (e *Endpoint) Connect(ctx context.Context, address, serverName string) (Conn, error) {
	if e.role != RoleClient {
		return nil, fmt.Errorf("%w: connect on %s endpoint", ErrWrongRole, e.role)
	}
	if e.isClosed() {
		return nil, fmt.Errorf("%w: %w", ErrConnect, ErrEndpointClosed)
	}

	conn, err := e.dialer.Dial(ctx, address, serverName)
	if err != nil {
		endpointLogger.Debug().Err(err).Str("address", address).Msg("connect failed")
		return nil, err
	}

	if err := e.track(conn); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	endpointLogger.Info().
		Str("conn", conn.ID()).
		Stringer("remote", conn.RemoteAddr()).
		Str("peer", fingerprintOrNone(conn.RemoteFingerprint())).
		Msg("connected")

	return conn, nil
}

// Serve accepts connections and supervises each of them with ServeConn until
// ctx is done or the endpoint is closed. It returns once all supervisors
// exited.
func (e *Endpoint) Serve(ctx context.Context, h Handler) error {
	if e.role != RoleServer {
		return fmt.Errorf("%w: serve on %s endpoint", ErrWrongRole, e.role)
	}

	var (
		wg    sync.WaitGroup
		delay time.Duration
	)
	defer wg.Wait()

	for {
		conn, err := e.Accept(ctx)
		if err != nil {
			if errors.Is(err, ErrEndpointClosed) || ctx.Err() != nil {
				return nil
			}

			if delay == 0 {
				delay = minAcceptDelay
			} else {
				delay = min(2*delay, maxAcceptDelay)
			}
			endpointLogger.Warn().Err(err).Dur("retry", delay).Msg("accept failed")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		wg.Add(1)
		go func() {
			defer wg.Done()

			if err := ServeConn(ctx, conn, h, e.config); err != nil {
				endpointLogger.Warn().Err(err).Str("conn", conn.ID()).Msg("connection failed")
			}
		}()
	}
}

// Rebind moves a client endpoint to a new local socket bound to address.
// Live connections keep their identity and continue on the new socket.
func (e *Endpoint) Rebind(ctx context.Context, address string) error {
	if e.role != RoleClient {
		return fmt.Errorf("%w: rebind on %s endpoint", ErrNotSupported, e.role)
	}
	if e.isClosed() {
		return ErrEndpointClosed
	}

	if err := e.dialer.Rebind(ctx, address, e.liveConns()); err != nil {
		return err
	}

	endpointLogger.Info().Stringer("local", e.LocalAddr()).Msg("endpoint rebound")
	return nil
}

// Close closes all live connections without an error code and releases the
// socket. Calling Close more than once is harmless.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		conns := e.liveConns()
		for _, c := range conns {
			c.CloseWithError(ConnErrorCodeNone, "endpoint closed")
		}

		if e.listener != nil {
			e.closeErr = e.listener.Close()
		} else {
			e.closeErr = e.dialer.Close()
		}

		endpointLogger.Info().Int("conns", len(conns)).Msg("endpoint closed")
	})

	return e.closeErr
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Endpoint) track(conn Conn) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		conn.CloseWithError(ConnErrorCodeNone, "endpoint closed")
		return ErrEndpointClosed
	}
	e.conns[conn.ID()] = conn
	e.mu.Unlock()

	go func() {
		<-conn.Context().Done()

		e.mu.Lock()
		delete(e.conns, conn.ID())
		e.mu.Unlock()
	}()

	return nil
}

func (e *Endpoint) liveConns() []Conn {
	e.mu.Lock()
	defer e.mu.Unlock()

	conns := make([]Conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// Conns returns the number of live connections.
func (e *Endpoint) Conns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}
