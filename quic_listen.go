package quecho

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// unboundedIncomingStreams is the largest stream count QUIC can express.
const unboundedIncomingStreams = 1 << 60

func newQUICConfig(config *Config) *quic.Config {
	maxStreams := int64(config.MaxConcurrentStreams)
	if maxStreams <= 0 {
		maxStreams = unboundedIncomingStreams
	}

	return &quic.Config{
		HandshakeIdleTimeout: config.handshakeTimeout(),
		MaxIdleTimeout:       config.IdleTimeout,
		KeepAlivePeriod:      config.KeepAlive,
		MaxIncomingStreams:   maxStreams,
	}
}

func listenUDP(address string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

type quicListener struct {
	udpConn   *net.UDPConn
	transport *quic.Transport
	listener  *quic.Listener
	config    *Config
}

func quicListen(address string, config *Config) (*quicListener, error) {
	tlsConfig, err := config.serverTLSConfig()
	if err != nil {
		return nil, err
	}

	udpConn, err := listenUDP(address)
	if err != nil {
		return nil, err
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(tlsConfig, newQUICConfig(config))
	if err != nil {
		tr.Close()
		udpConn.Close()
		return nil, err
	}

	return &quicListener{
		udpConn:   udpConn,
		transport: tr,
		listener:  ln,
		config:    config,
	}, nil
}

func (ln *quicListener) Accept(ctx context.Context) (Conn, error) {
	conn, err := ln.listener.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, ErrEndpointClosed
		}
		return nil, fmt.Errorf("%w: accept: %w", ErrTransport, err)
	}

	return newQUICConn(conn, ln.config, true), nil
}

func (ln *quicListener) Addr() net.Addr {
	return ln.listener.Addr()
}

func (ln *quicListener) Close() error {
	err := ln.listener.Close()
	ln.transport.Close()
	ln.udpConn.Close()
	return err
}
