//go:build !linux

package quecho

import "syscall"

// TCP fast open is only wired up on Linux.
func noControl(network, address string, c syscall.RawConn) error {
	return nil
}

var (
	fastOpenListenControl = noControl
	fastOpenDialControl   = noControl
)
