// Package keepalive provides network utilities for configuring TCP
// keep-alive behaviors of accepted connections.
package keepalive

import (
	"net"
	"time"
)

// TCPListener sets TCP keep-alive timeouts on accepted connections,
// so that dead TCP connections (e.g. a client dropping off the network
// mid-request) eventually go away.
type TCPListener struct {
	*net.TCPListener
}

func (ln TCPListener) Accept() (c net.Conn, err error) {
	tc, err := ln.AcceptTCP()
	if err != nil {
		return
	}
	tc.SetKeepAlive(true)
	tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
