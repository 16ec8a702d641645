package quecho

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
)

type tcpListener struct {
	ln        net.Listener
	tlsConfig *tls.Config
	config    *Config

	connCh    chan *tcpConn
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func tcpListen(address string, config *Config) (*tcpListener, error) {
	tlsConfig, err := config.serverTLSConfig()
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{}
	if config.TCPFastOpen {
		lc.Control = fastOpenListenControl
	}

	ln, err := lc.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, err
	}

	l := &tcpListener{
		ln:        ln,
		tlsConfig: tlsConfig,
		config:    config,
		connCh:    make(chan *tcpConn),
		closeCh:   make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()

	return l, nil
}

// acceptLoop runs the TLS handshakes in the background, so that one slow
// peer does not hold up the others.
func (l *tcpListener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			endpointLogger.Warn().Err(err).Msg("tcp accept failed")
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handshake(conn)
		}()
	}
}

func (l *tcpListener) handshake(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), l.config.handshakeTimeout())
	defer cancel()

	c, err := initTCP(ctx, tls.Server(conn, l.tlsConfig), l.config, true)
	if err != nil {
		endpointLogger.Warn().Err(err).Stringer("remote", conn.RemoteAddr()).Msg("handshake failed")
		conn.Close()
		return
	}

	select {
	case l.connCh <- c:
	case <-l.closeCh:
		c.Close()
	}
}

func (l *tcpListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.closeCh:
		return nil, ErrEndpointClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *tcpListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *tcpListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closeCh)
		err = l.ln.Close()
		l.wg.Wait()
	})
	return err
}
