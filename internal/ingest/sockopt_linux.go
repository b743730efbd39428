//go:build linux

package ingest

import (
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// tuneConn enables keepalive and caps TCP_USER_TIMEOUT so a phone that drops
// off the network without a FIN frees the session slot after deadPeer.
func tuneConn(c net.Conn, deadPeer time.Duration) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return err
	}
	if err := tc.SetKeepAlivePeriod(keepAlivePeriod(deadPeer)); err != nil {
		return err
	}

	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, int(deadPeer.Milliseconds()))
	})
	if err != nil {
		return err
	}
	return serr
}
