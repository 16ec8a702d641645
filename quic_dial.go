package quecho

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
)

type quicDialer struct {
	config *Config

	mu        sync.Mutex
	udpConn   *net.UDPConn
	transport *quic.Transport

	// Retired sockets still carry packets of connections that could not
	// be migrated. They are closed with the dialer.
	retired      []*quic.Transport
	retiredConns []*net.UDPConn
}

func newQUICDialer(address string, config *Config) (*quicDialer, error) {
	udpConn, err := listenUDP(address)
	if err != nil {
		return nil, err
	}

	return &quicDialer{
		config:    config,
		udpConn:   udpConn,
		transport: &quic.Transport{Conn: udpConn},
	}, nil
}

func (d *quicDialer) Dial(ctx context.Context, address, serverName string) (Conn, error) {
	tlsConfig, err := d.config.clientTLSConfig(serverName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrConnect, address, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.handshakeTimeout())
	defer cancel()

	d.mu.Lock()
	tr := d.transport
	d.mu.Unlock()

	conn, err := tr.Dial(ctx, remote, tlsConfig, newQUICConfig(d.config))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, address, err)
	}

	endpointLogger.Debug().Stringer("remote", conn.RemoteAddr()).Msg("established quic connection")

	return newQUICConn(conn, d.config, false), nil
}

// Rebind moves the dialer to a fresh socket. Every live connection is probed
// on the new path and switched over; the connection IDs stay the same.
func (d *quicDialer) Rebind(ctx context.Context, address string, conns []Conn) error {
	udpConn, err := listenUDP(address)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBind, err)
	}
	tr := &quic.Transport{Conn: udpConn}

	for _, c := range conns {
		qc, ok := c.(*quicConn)
		if !ok {
			continue
		}
		if err := migrate(ctx, qc, tr); err != nil {
			endpointLogger.Warn().Err(err).Str("conn", qc.ID()).Msg("connection migration failed")
			continue
		}
		endpointLogger.Debug().Str("conn", qc.ID()).Stringer("local", udpConn.LocalAddr()).Msg("connection migrated")
	}

	d.mu.Lock()
	d.retired = append(d.retired, d.transport)
	d.retiredConns = append(d.retiredConns, d.udpConn)
	d.transport = tr
	d.udpConn = udpConn
	d.mu.Unlock()

	return nil
}

func migrate(ctx context.Context, c *quicConn, tr *quic.Transport) error {
	path, err := c.conn.AddPath(tr)
	if err != nil {
		return err
	}
	if err := path.Probe(ctx); err != nil {
		path.Close()
		return err
	}
	return path.Switch()
}

func (d *quicDialer) LocalAddr() net.Addr {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.udpConn.LocalAddr()
}

func (d *quicDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, tr := range d.retired {
		tr.Close()
		d.retiredConns[i].Close()
	}
	d.retired = nil
	d.retiredConns = nil

	err := d.transport.Close()
	d.udpConn.Close()
	return err
}
