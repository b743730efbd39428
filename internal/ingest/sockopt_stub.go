//go:build !linux

package ingest

import (
	"net"
	"time"
)

func tuneConn(c net.Conn, deadPeer time.Duration) error {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return err
	}
	return tc.SetKeepAlivePeriod(keepAlivePeriod(deadPeer))
}
