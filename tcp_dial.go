package quecho

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
)

type tcpDialer struct {
	dialer *net.Dialer
	config *Config
	local  net.Addr
}

func newTCPDialer(address string, config *Config) (*tcpDialer, error) {
	dialer := &net.Dialer{}
	if config.TCPFastOpen {
		dialer.Control = fastOpenDialControl
	}

	local, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}
	// A wildcard address with port 0 is what the kernel picks anyway.
	if !(local.IP.IsUnspecified() && local.Port == 0) {
		dialer.LocalAddr = local
	}

	return &tcpDialer{
		dialer: dialer,
		config: config,
		local:  local,
	}, nil
}

func (d *tcpDialer) Dial(ctx context.Context, address, serverName string) (Conn, error) {
	tlsConfig, err := d.config.clientTLSConfig(serverName)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnect, err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.handshakeTimeout())
	defer cancel()

	conn, err := d.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, address, err)
	}

	c, err := initTCP(ctx, tls.Client(conn, tlsConfig), d.config, false)
	if err != nil {
		// With TCP fast open connect(2) returns immediately and the
		// failure only shows up during the handshake.
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, address, err)
	}

	endpointLogger.Debug().Stringer("remote", c.RemoteAddr()).Msg("established tcp connection")

	return c, nil
}

func (d *tcpDialer) Rebind(ctx context.Context, address string, conns []Conn) error {
	return ErrNotSupported
}

func (d *tcpDialer) LocalAddr() net.Addr {
	return d.local
}

func (d *tcpDialer) Close() error {
	return nil
}
