package quecho

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// fastOpenQueueLen bounds pending fast open requests on a listener.
const fastOpenQueueLen = 5

var (
	fastOpenListenControl = fastOpenControl(unix.TCP_FASTOPEN, fastOpenQueueLen)
	fastOpenDialControl   = fastOpenControl(unix.TCP_FASTOPEN_CONNECT, 1)
)

// fastOpenControl returns a socket control hook setting the given TCP option.
// A kernel refusing the option is not fatal, the socket then works without
// fast open.
func fastOpenControl(opt, value int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, opt, value)
		})
		if err != nil {
			return err
		}
		if sockErr != nil {
			endpointLogger.Debug().Err(sockErr).Str("address", address).Msg("tcp fast open unavailable")
		}
		return nil
	}
}
