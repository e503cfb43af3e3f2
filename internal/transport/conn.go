// Package transport carries p2pchat frames over a byte stream: plain TCP or
// binary WebSocket messages. It also owns the per-connection write loop.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
)

// Conn is a bidirectional byte stream.
type Conn interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Dial connects to addr. ws:// and wss:// URLs use WebSocket, anything else
// is treated as a TCP host:port.
func Dial(ctx context.Context, addr string) (Conn, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return DialWebSocket(ctx, addr)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// RemoteIP returns the host part of conn's remote address, or the whole
// address when it has no port.
func RemoteIP(conn Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
