package quecho

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type failingListener struct {
	calls atomic.Int32
}

func (l *failingListener) Accept(ctx context.Context) (Conn, error) {
	l.calls.Add(1)
	return nil, errors.New("accept: too many open files")
}

func (l *failingListener) Addr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4332}
}

func (l *failingListener) Close() error {
	return nil
}

func TestServeBacksOffOnAcceptErrors(t *testing.T) {
	ln := &failingListener{}
	e := &Endpoint{
		role:     RoleServer,
		config:   DefaultConfig(),
		listener: ln,
		conns:    make(map[string]Conn),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	assert.NoError(t, e.Serve(ctx, EchoHandler()))
	assert.Less(t, time.Since(start), 2*time.Second)

	// 5, 10, 20, 40, 80 and 160 ms fit into the deadline.
	calls := ln.calls.Load()
	assert.GreaterOrEqual(t, calls, int32(2))
	assert.LessOrEqual(t, calls, int32(10))
}
